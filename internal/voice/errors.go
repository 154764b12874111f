package voice

import (
	"errors"

	"github.com/lexiqai/voice-chat/internal/completion"
	"github.com/lexiqai/voice-chat/internal/tts"
)

// Error kinds surfaced by a voice session. Device and connection errors are
// reported to the Listener and end voice mode; the others stay contained.
var (
	ErrDeviceAccess            = errors.New("microphone unavailable")
	ErrTranscriptionConnection = errors.New("transcription connection lost")
	ErrCompletionStream        = errors.New("reply stream failed")
	ErrSynthesis               = tts.ErrSynthesis
	ErrTitleDerivation         = completion.ErrTitleDerivation
)

// Submission refusals
var (
	ErrNothingToSubmit    = errors.New("nothing to submit")
	ErrSubmissionInFlight = errors.New("a reply is still streaming")
	ErrNoActiveChat       = errors.New("no active chat")
)

// ErrStopped is returned by calls made after the coordinator has stopped
var ErrStopped = errors.New("voice coordinator stopped")
