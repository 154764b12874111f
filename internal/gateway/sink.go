package gateway

import (
	"context"
)

// socketSink plays speech by handing it to the browser as one binary frame.
// Play then blocks until the browser reports the end of playback, so the
// playback controller never starts an utterance over a running one.
type socketSink struct {
	client *Client
	ended  chan struct{}
}

func newSocketSink(c *Client) *socketSink {
	return &socketSink{client: c, ended: make(chan struct{}, 1)}
}

func (s *socketSink) Play(ctx context.Context, audio []byte) error {
	// Forget an end report that belongs to an earlier utterance
	select {
	case <-s.ended:
	default:
	}

	if err := s.client.SendAudio(audio); err != nil {
		return err
	}
	select {
	case <-s.ended:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.client.done:
		return errConnectionClosed
	}
}

// Stop needs no action of its own; the stop hook tells the browser
func (s *socketSink) Stop() {}

// playbackEnded records the browser's end-of-playback report
func (s *socketSink) playbackEnded() {
	select {
	case s.ended <- struct{}{}:
	default:
	}
}
