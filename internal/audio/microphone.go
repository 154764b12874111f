package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Microphone captures mono 16-bit PCM from the default input device
type Microphone struct {
	sampleRate int

	mu       sync.Mutex
	audioCtx *malgo.AllocatedContext
	device   *malgo.Device
	frames   chan []byte
	open     bool
}

// NewMicrophone creates an unopened microphone source
func NewMicrophone(sampleRate int) *Microphone {
	return &Microphone{sampleRate: sampleRate}
}

// Encoding reports the raw format produced by the microphone
func (m *Microphone) Encoding() EncodingInfo {
	return EncodingInfo{Encoding: "linear16", SampleRate: m.sampleRate, Channels: 1}
}

// Open acquires and starts the capture device
func (m *Microphone) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open {
		return errors.New("microphone already open")
	}

	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return fmt.Errorf("failed to initialize audio context: %w", err)
	}

	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format)

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.SampleRate = uint32(m.sampleRate)
	config.Capture.Format = format
	config.Capture.Channels = 1
	config.Alsa.NoMMap = 1
	config.PerformanceProfile = malgo.LowLatency

	frames := make(chan []byte, 64)
	device, err := malgo.InitDevice(audioCtx.Context, config, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(input) < n {
				return
			}
			m.deliver(append([]byte(nil), input[:n]...))
		},
	})
	if err != nil {
		_ = audioCtx.Uninit()
		audioCtx.Free()
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}

	m.audioCtx = audioCtx
	m.device = device
	m.frames = frames
	m.open = true

	if err := device.Start(); err != nil {
		m.releaseLocked()
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

func (m *Microphone) deliver(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return
	}
	select {
	case m.frames <- frame:
	default:
	}
}

func (m *Microphone) Frames() <-chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Close stops capture and releases the device. It is safe to call twice.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil
	}
	m.releaseLocked()
	return nil
}

func (m *Microphone) releaseLocked() {
	m.open = false
	if m.device != nil {
		// Uninit waits for the data callback, which takes m.mu; unlock around it.
		device := m.device
		m.device = nil
		m.mu.Unlock()
		device.Uninit()
		m.mu.Lock()
	}
	if m.audioCtx != nil {
		_ = m.audioCtx.Uninit()
		m.audioCtx.Free()
		m.audioCtx = nil
	}
	if m.frames != nil {
		close(m.frames)
	}
}
