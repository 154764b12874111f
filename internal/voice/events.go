package voice

import (
	"github.com/lexiqai/voice-chat/internal/conversation"
	"github.com/lexiqai/voice-chat/internal/stt"
)

// Event is anything the coordinator loop reacts to. Events raised by I/O
// carry the voice session epoch or the turn they belong to, so events from
// a torn-down session or a finished stream are recognised and dropped.
type Event interface {
	isEvent()
}

// TranscriptArrived carries one fragment from the transcription session
type TranscriptArrived struct {
	Epoch      uint64
	Transcript stt.Transcript
}

// EndpointFired reports that a silence window elapsed
type EndpointFired struct {
	Epoch uint64
	Gen   uint64
}

// StreamChunk carries one reply fragment
type StreamChunk struct {
	TurnID string
	Text   string
}

// StreamEnded reports the end of a reply stream; Err is nil on success
type StreamEnded struct {
	TurnID string
	Err    error
}

// SocketClosed reports that the transcription session terminated on its own
type SocketClosed struct {
	Epoch uint64
	Err   error
}

func (TranscriptArrived) isEvent() {}
func (EndpointFired) isEvent()     {}
func (StreamChunk) isEvent()       {}
func (StreamEnded) isEvent()       {}
func (SocketClosed) isEvent()      {}

// Internal command and completion events

type activateRequested struct{}

type connected struct {
	epoch   uint64
	session stt.Session
	err     error
}

type deactivateRequested struct {
	done chan struct{}
}

type submitRequested struct {
	text   string
	source string
	reply  chan error
}

type attachRequested struct {
	attachment *conversation.Attachment // nil detaches
	reply      chan error
}

type streamOpened struct {
	turnID string
}

type titleDerived struct {
	chatID string
	title  string
}

type chatOp int

const (
	chatOpActive chatOp = iota
	chatOpNew
	chatOpSelect
	chatOpDelete
	chatOpList
)

type chatResult struct {
	chat  *conversation.Chat
	chats []*conversation.Chat
	err   error
}

type chatRequested struct {
	op    chatOp
	id    string
	reply chan chatResult
}

type stateRequested struct {
	reply chan State
}

func (activateRequested) isEvent()   {}
func (connected) isEvent()           {}
func (deactivateRequested) isEvent() {}
func (submitRequested) isEvent()     {}
func (attachRequested) isEvent()     {}
func (streamOpened) isEvent()        {}
func (titleDerived) isEvent()        {}
func (chatRequested) isEvent()       {}
func (stateRequested) isEvent()      {}
