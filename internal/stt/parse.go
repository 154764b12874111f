package stt

import (
	"encoding/json"
	"strings"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
)

type messageKind int

const (
	messageIgnored messageKind = iota // valid, but carries no transcript
	messageTranscript
	messageMalformed
)

// parseMessage decodes a provider text frame. Only "Results" messages with a
// non-blank first alternative produce a transcript.
func parseMessage(raw []byte) (Transcript, messageKind) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return Transcript{}, messageMalformed
	}

	// Metadata, SpeechStarted and UtteranceEnd carry nothing the session needs
	if header.Type != "Results" {
		return Transcript{}, messageIgnored
	}

	var msg msginterfaces.MessageResponse
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Transcript{}, messageMalformed
	}
	if len(msg.Channel.Alternatives) == 0 {
		return Transcript{}, messageIgnored
	}

	alt := msg.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return Transcript{}, messageIgnored
	}

	return Transcript{
		Text:       alt.Transcript,
		IsFinal:    msg.IsFinal,
		Confidence: alt.Confidence,
	}, messageTranscript
}
