// Package endpoint decides when the user has finished speaking. It
// accumulates final transcript fragments and fires once no new final
// fragment has arrived for a fixed silence window.
package endpoint

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/lexiqai/voice-chat/internal/clock"
)

// DefaultSilenceWindow is how long the user must stay silent before an
// utterance is considered done
const DefaultSilenceWindow = 2 * time.Second

// Detector owns the transcript buffer and the single pending silence timer.
// It is not safe for concurrent use: every method must be called from the
// goroutine that owns the voice session. The timer callback only reports
// the generation that expired through notify; the owner then calls Fire on
// its own goroutine.
type Detector struct {
	clock  clock.Clock
	window time.Duration
	notify func(gen uint64)

	buffer  string
	preview string
	gen     uint64
	timer   clock.Timer
}

// NewDetector creates a detector. notify is called from the clock's
// goroutine when a silence window elapses.
func NewDetector(clk clock.Clock, window time.Duration, notify func(gen uint64)) *Detector {
	if window <= 0 {
		window = DefaultSilenceWindow
	}
	return &Detector{clock: clk, window: window, notify: notify}
}

// OnFinalFragment appends a final fragment and restarts the silence window.
// It returns the updated preview. Blank fragments are ignored.
func (d *Detector) OnFinalFragment(text string) string {
	if strings.TrimSpace(text) == "" {
		return d.preview
	}

	d.cancel()
	if last, _ := utf8.DecodeLastRuneInString(d.buffer); d.buffer != "" && !unicode.IsSpace(last) {
		d.buffer += " "
	}
	d.buffer += text
	d.preview = strings.TrimSpace(d.buffer)

	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.window, func() { d.notify(gen) })
	return d.preview
}

// OnInterimFragment updates the preview without touching the buffer or the
// pending timer
func (d *Detector) OnInterimFragment(text string) string {
	if strings.TrimSpace(text) == "" {
		return d.preview
	}
	sep := ""
	if d.buffer != "" {
		sep = " "
	}
	d.preview = strings.TrimSpace(d.buffer + sep + text)
	return d.preview
}

// Fire consumes the buffer for the timer generation gen. A stale generation
// (the timer was replaced or reset after it was scheduled) returns ok=false
// and leaves the buffer untouched. The returned utterance may be empty.
func (d *Detector) Fire(gen uint64) (utterance string, ok bool) {
	if gen != d.gen || d.timer == nil {
		return "", false
	}
	d.timer = nil
	utterance = strings.TrimSpace(d.buffer)
	d.buffer = ""
	d.preview = ""
	return utterance, true
}

// Reset discards the buffer, the preview and any pending timer
func (d *Detector) Reset() {
	d.cancel()
	d.gen++
	d.buffer = ""
	d.preview = ""
}

// Pending reports whether a silence timer is scheduled
func (d *Detector) Pending() bool {
	return d.timer != nil
}

// Preview returns the text currently shown to the user
func (d *Detector) Preview() string {
	return d.preview
}

func (d *Detector) cancel() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
