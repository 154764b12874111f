// Package tts turns assistant replies into speech audio.
package tts

import (
	"context"
	"errors"
)

var (
	// ErrEmptyText is returned when there is nothing to speak
	ErrEmptyText = errors.New("no text to synthesize")
	// ErrSynthesis wraps every provider-side synthesis failure
	ErrSynthesis = errors.New("speech synthesis failed")
)

// Audio is one synthesized utterance
type Audio struct {
	Data        []byte
	ContentType string // e.g. "audio/mpeg", or "audio/l16" for raw PCM
	SampleRate  int    // 0 when the container carries it
}

// Synthesizer converts text to audio in a single request
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*Audio, error)
}
