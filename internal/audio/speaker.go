package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// Speaker plays mono 16-bit PCM through the default output device
type Speaker struct {
	audioCtx *malgo.AllocatedContext
	device   *malgo.Device

	mu      sync.Mutex
	pending []byte
}

// NewSpeaker opens and starts the playback device at sampleRate
func NewSpeaker(sampleRate int) (*Speaker, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	s := &Speaker{audioCtx: audioCtx}
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format)

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.SampleRate = uint32(sampleRate)
	config.Playback.Format = format
	config.Playback.Channels = 1
	config.Alsa.NoMMap = 1
	config.PeriodSizeInFrames = uint32(sampleRate / 10) // ~100ms of audio
	config.Periods = 4

	s.device, err = malgo.InitDevice(audioCtx.Context, config, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			need := min(int(frameCount)*bytesPerFrame, len(output))
			s.mu.Lock()
			n := copy(output[:need], s.pending)
			s.pending = s.pending[n:]
			s.mu.Unlock()
			clear(output[n:need])
		},
	})
	if err != nil {
		_ = audioCtx.Uninit()
		audioCtx.Free()
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}

	if err := s.device.Start(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}
	return s, nil
}

// Play queues audio and waits until the device has consumed it
func (s *Speaker) Play(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	s.pending = append(s.pending, audio...)
	s.mu.Unlock()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			remaining := len(s.pending)
			s.mu.Unlock()
			if remaining == 0 {
				return nil
			}
		}
	}
}

// Stop discards queued audio
func (s *Speaker) Stop() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// Close releases the playback device
func (s *Speaker) Close() {
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.audioCtx != nil {
		_ = s.audioCtx.Uninit()
		s.audioCtx.Free()
		s.audioCtx = nil
	}
}
