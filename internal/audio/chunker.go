package audio

import (
	"context"
	"time"
)

// Chunker batches captured frames and forwards them on a fixed cadence,
// mirroring a recorder that emits a blob every interval
type Chunker struct {
	interval time.Duration
	buf      *RingBuffer
}

// NewChunker creates a chunker flushing every interval. bufferSize bounds
// how much audio is held between flushes; a full buffer is flushed early.
func NewChunker(interval time.Duration, bufferSize int) *Chunker {
	return &Chunker{
		interval: interval,
		buf:      NewRingBuffer(bufferSize),
	}
}

// Run consumes frames until the channel closes or ctx is done, calling send
// with each non-empty batch. Remaining audio is flushed when frames closes.
// The first send error stops the chunker and is returned.
func (c *Chunker) Run(ctx context.Context, frames <-chan []byte, send func([]byte) error) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	defer c.buf.Clear()

	flush := func() error {
		if chunk := c.buf.Drain(); chunk != nil {
			return send(chunk)
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-frames:
			if !ok {
				return flush()
			}
			for len(frame) > 0 {
				n := c.buf.Write(frame)
				frame = frame[n:]
				if len(frame) > 0 {
					if err := flush(); err != nil {
						return err
					}
				}
			}

		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
