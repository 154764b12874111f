// Package voice runs a hands-free conversation: it listens through a
// transcription session, decides when the user finished speaking, submits
// the utterance, streams the reply into the chat and speaks it back.
//
// All state lives on one goroutine (Coordinator.Run). Device, network and
// timer callbacks never touch it directly; they post events, tagged with
// the session epoch or turn they belong to, and the loop drops whatever
// has gone stale.
package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-chat/internal/audio"
	"github.com/lexiqai/voice-chat/internal/clock"
	"github.com/lexiqai/voice-chat/internal/completion"
	"github.com/lexiqai/voice-chat/internal/conversation"
	"github.com/lexiqai/voice-chat/internal/endpoint"
	"github.com/lexiqai/voice-chat/internal/observability"
	"github.com/lexiqai/voice-chat/internal/stt"
)

const eventQueueSize = 256

// Options wires a coordinator to its collaborators
type Options struct {
	Transcriber stt.Transcriber
	Source      audio.Source
	Streamer    completion.Streamer
	Titles      completion.TitleDeriver // optional
	Player      Player
	Chats       *conversation.Session
	Listener    Listener // optional
	Clock       clock.Clock
	// SilenceWindow defaults to endpoint.DefaultSilenceWindow
	SilenceWindow time.Duration
	Logger        zerolog.Logger
}

// Coordinator owns one voice conversation
type Coordinator struct {
	transcriber stt.Transcriber
	source      audio.Source
	player      Player
	chats       *conversation.Session
	listener    Listener
	clock       clock.Clock
	window      time.Duration
	logger      zerolog.Logger

	events  chan Event
	done    chan struct{}
	running atomic.Bool

	// owned by the Run goroutine
	ctx       context.Context
	mode      Mode
	epoch     uint64
	session   stt.Session
	detector  *endpoint.Detector
	metrics   *observability.SessionMetrics
	submitter *Submitter
}

// NewCoordinator creates a coordinator. Nothing happens until Run is called.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Listener == nil {
		opts.Listener = NopListener{}
	}
	c := &Coordinator{
		transcriber: opts.Transcriber,
		source:      opts.Source,
		player:      opts.Player,
		chats:       opts.Chats,
		listener:    opts.Listener,
		clock:       opts.Clock,
		window:      opts.SilenceWindow,
		logger:      opts.Logger.With().Str("component", "voice").Logger(),
		events:      make(chan Event, eventQueueSize),
		done:        make(chan struct{}),
	}
	c.submitter = &Submitter{
		chats:    opts.Chats,
		streamer: opts.Streamer,
		titles:   opts.Titles,
		clock:    opts.Clock,
		logger:   c.logger,
		post:     c.post,
		publish:  c.listener.OnChat,
	}
	return c
}

// Run processes events until ctx is cancelled. On return the voice session
// is torn down, playback is stopped and any streaming reply is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("voice coordinator already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.ctx = ctx
	defer func() {
		close(c.done)
		c.teardown()
		cancel()
	}()

	c.publishState()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// Done is closed once Run has returned
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Post delivers an event to the loop. It fails only after Run has returned.
func (c *Coordinator) Post(ev Event) error {
	return c.post(ev)
}

func (c *Coordinator) post(ev Event) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

func (c *Coordinator) send(ctx context.Context, ev Event) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, c *Coordinator, reply chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-c.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Activate starts voice mode. It returns once the request is queued; the
// outcome is reported through the Listener. Activating while connecting or
// listening does nothing.
func (c *Coordinator) Activate(ctx context.Context) error {
	return c.send(ctx, activateRequested{})
}

// Deactivate ends voice mode and waits until the session is released. A
// reply that is already streaming keeps streaming but will not be spoken.
func (c *Coordinator) Deactivate(ctx context.Context) error {
	done := make(chan struct{})
	if err := c.send(ctx, deactivateRequested{done: done}); err != nil {
		return err
	}
	_, err := await(ctx, c, done)
	return err
}

// SubmitText submits a typed message, folding in any pending attachment
func (c *Coordinator) SubmitText(ctx context.Context, text string) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, submitRequested{text: text, source: "text", reply: reply}); err != nil {
		return err
	}
	err, waitErr := await(ctx, c, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

// Attach holds a file until the next submission
func (c *Coordinator) Attach(ctx context.Context, a *conversation.Attachment) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, attachRequested{attachment: a, reply: reply}); err != nil {
		return err
	}
	err, waitErr := await(ctx, c, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

// Detach drops the pending attachment
func (c *Coordinator) Detach(ctx context.Context) error {
	return c.Attach(ctx, nil)
}

// ActiveChat returns the chat new turns go to
func (c *Coordinator) ActiveChat(ctx context.Context) (*conversation.Chat, error) {
	res, err := c.chatCommand(ctx, chatOpActive, "")
	return res.chat, err
}

// NewChat creates an empty chat and makes it active
func (c *Coordinator) NewChat(ctx context.Context) (*conversation.Chat, error) {
	res, err := c.chatCommand(ctx, chatOpNew, "")
	return res.chat, err
}

// SelectChat makes an existing chat active
func (c *Coordinator) SelectChat(ctx context.Context, id string) (*conversation.Chat, error) {
	res, err := c.chatCommand(ctx, chatOpSelect, id)
	return res.chat, err
}

// DeleteChat removes a chat and returns the chat that is active afterwards
func (c *Coordinator) DeleteChat(ctx context.Context, id string) (*conversation.Chat, error) {
	res, err := c.chatCommand(ctx, chatOpDelete, id)
	return res.chat, err
}

// ListChats returns every chat, most recent first
func (c *Coordinator) ListChats(ctx context.Context) ([]*conversation.Chat, error) {
	res, err := c.chatCommand(ctx, chatOpList, "")
	return res.chats, err
}

func (c *Coordinator) chatCommand(ctx context.Context, op chatOp, id string) (chatResult, error) {
	reply := make(chan chatResult, 1)
	if err := c.send(ctx, chatRequested{op: op, id: id, reply: reply}); err != nil {
		return chatResult{}, err
	}
	res, err := await(ctx, c, reply)
	if err != nil {
		return chatResult{}, err
	}
	return res, res.err
}

// State returns a snapshot of the coordinator
func (c *Coordinator) State(ctx context.Context) (State, error) {
	reply := make(chan State, 1)
	if err := c.send(ctx, stateRequested{reply: reply}); err != nil {
		return State{}, err
	}
	return await(ctx, c, reply)
}

func (c *Coordinator) handle(ev Event) {
	switch ev := ev.(type) {
	case activateRequested:
		c.activate()
	case connected:
		c.onConnected(ev)
	case deactivateRequested:
		if c.mode != ModeInactive {
			c.stopListening()
		}
		close(ev.done)
	case TranscriptArrived:
		c.onTranscript(ev)
	case EndpointFired:
		c.onEndpoint(ev)
	case SocketClosed:
		c.onSocketClosed(ev)
	case submitRequested:
		ev.reply <- c.submit(ev.text, ev.source)
	case attachRequested:
		c.submitter.SetAttachment(ev.attachment)
		ev.reply <- nil
		c.publishState()
	case streamOpened:
		c.submitter.onStreamOpened(c.ctx, ev.turnID)
	case StreamChunk:
		c.submitter.onChunk(c.ctx, ev.TurnID, ev.Text)
	case StreamEnded:
		c.onStreamEnded(ev)
	case titleDerived:
		c.submitter.onTitle(c.ctx, ev.chatID, ev.title)
	case chatRequested:
		ev.reply <- c.onChatCommand(ev)
	case stateRequested:
		ev.reply <- c.snapshot()
	default:
		c.logger.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("Unhandled event")
	}
}

func (c *Coordinator) activate() {
	if c.mode != ModeInactive {
		return
	}
	c.epoch++
	c.mode = ModeConnecting
	c.publishState()

	ctx, epoch := c.ctx, c.epoch
	go func() {
		session, err := c.transcriber.Start(ctx, c.source)
		if c.post(connected{epoch: epoch, session: session, err: err}) != nil && session != nil {
			session.Stop()
		}
	}()
}

func (c *Coordinator) onConnected(ev connected) {
	if ev.epoch != c.epoch || c.mode != ModeConnecting {
		// Deactivated while connecting
		if ev.session != nil {
			ev.session.Stop()
		}
		return
	}

	if ev.err != nil {
		var devErr *stt.DeviceError
		var err error
		if errors.As(ev.err, &devErr) {
			err = fmt.Errorf("%w: %w", ErrDeviceAccess, ev.err)
			observability.RecordActivationFailure("device")
		} else {
			err = fmt.Errorf("%w: %w", ErrTranscriptionConnection, ev.err)
			observability.RecordActivationFailure("connection")
		}
		c.logger.Error().Err(err).Msg("Voice mode activation failed")
		c.mode = ModeInactive
		c.listener.OnError(err)
		c.publishState()
		return
	}

	epoch := c.epoch
	c.session = ev.session
	c.mode = ModeListening
	c.detector = endpoint.NewDetector(c.clock, c.window, func(gen uint64) {
		_ = c.post(EndpointFired{Epoch: epoch, Gen: gen})
	})
	c.metrics = observability.NewSessionMetrics(ev.session.ID())
	c.metrics.RecordSessionStart()
	go c.forward(epoch, ev.session)

	c.logger.Info().Str("session_id", ev.session.ID()).Msg("Voice mode listening")
	c.publishState()
}

// forward relays transcripts into the loop until the session ends
func (c *Coordinator) forward(epoch uint64, session stt.Session) {
	for t := range session.Transcripts() {
		if c.post(TranscriptArrived{Epoch: epoch, Transcript: t}) != nil {
			return
		}
	}
	_ = c.post(SocketClosed{Epoch: epoch, Err: session.Err()})
}

func (c *Coordinator) onTranscript(ev TranscriptArrived) {
	if ev.Epoch != c.epoch || c.mode != ModeListening {
		return
	}
	t := ev.Transcript
	if strings.TrimSpace(t.Text) == "" {
		return
	}

	if !t.IsFinal {
		c.listener.OnPreview(c.detector.OnInterimFragment(t.Text))
		return
	}

	// The user talking over a reply cuts it off
	if c.player.Speaking() {
		observability.RecordBargeIn()
		c.logger.Debug().Msg("Barge-in, stopping playback")
	}
	c.player.Stop()
	c.listener.OnPreview(c.detector.OnFinalFragment(t.Text))
}

func (c *Coordinator) onEndpoint(ev EndpointFired) {
	if ev.Epoch != c.epoch || c.detector == nil {
		return
	}
	utterance, ok := c.detector.Fire(ev.Gen)
	if !ok {
		return
	}
	observability.RecordEndpoint()
	c.listener.OnPreview("")

	if err := c.submit(utterance, "voice"); err != nil {
		c.logger.Warn().Err(err).Msg("Utterance dropped")
	}
}

func (c *Coordinator) submit(text, source string) error {
	err := c.submitter.Submit(c.ctx, text, source)
	if err != nil {
		return err
	}
	c.player.Stop()
	c.publishState()
	return nil
}

func (c *Coordinator) onStreamEnded(ev StreamEnded) {
	r := c.submitter.onEnded(c.ctx, ev.TurnID, ev.Err)
	c.publishState()
	if r == nil {
		return
	}
	// Only speak into a live voice session, and only for the chat on screen
	if c.mode != ModeListening || r.chatID != c.chats.ActiveID() {
		return
	}
	if strings.TrimSpace(r.turn.Content) == "" {
		return
	}
	c.player.Speak(r.turn.ID, r.turn.Content)
}

func (c *Coordinator) onSocketClosed(ev SocketClosed) {
	if ev.Epoch != c.epoch || c.mode != ModeListening {
		return
	}
	cause := ev.Err
	if cause == nil {
		cause = stt.ErrClosedByProvider
	}
	err := fmt.Errorf("%w: %w", ErrTranscriptionConnection, cause)
	observability.RecordError("transcription_closed", "voice")
	c.logger.Error().Err(err).Msg("Transcription session ended")
	c.listener.OnError(err)
	c.stopListening()
}

// stopListening releases the voice session. Playback is left alone so a
// reply that is already being spoken finishes.
func (c *Coordinator) stopListening() {
	c.epoch++
	if c.session != nil {
		c.session.Stop()
		c.session = nil
	}
	if c.detector != nil {
		c.detector.Reset()
		c.detector = nil
	}
	if c.metrics != nil {
		c.metrics.RecordSessionEnd()
		c.metrics = nil
	}
	c.mode = ModeInactive
	c.listener.OnPreview("")
	c.logger.Info().Msg("Voice mode stopped")
	c.publishState()
}

func (c *Coordinator) onChatCommand(ev chatRequested) chatResult {
	var res chatResult
	switch ev.op {
	case chatOpActive:
		res.chat, res.err = c.chats.Active(c.ctx)
	case chatOpList:
		res.chats, res.err = c.chats.List(c.ctx)
	case chatOpNew:
		c.player.Stop()
		res.chat, res.err = c.chats.NewChat(c.ctx)
		if res.err == nil {
			c.submitter.SetAttachment(nil)
		}
	case chatOpSelect:
		previous := c.chats.ActiveID()
		res.chat, res.err = c.chats.Select(c.ctx, ev.id)
		if res.err == nil && ev.id != previous {
			c.player.Stop()
		}
	case chatOpDelete:
		var changed bool
		res.chat, changed, res.err = c.chats.Delete(c.ctx, ev.id)
		if res.err == nil {
			c.submitter.abandon(ev.id)
		}
		if res.err == nil && changed {
			c.player.Stop()
			c.submitter.SetAttachment(nil)
		}
	}

	if res.err == nil && ev.op != chatOpActive && ev.op != chatOpList {
		c.listener.OnChat(res.chat)
		c.publishState()
	}
	return res
}

func (c *Coordinator) snapshot() State {
	s := State{
		Mode:       c.mode,
		ModeName:   c.mode.String(),
		Submitting: c.submitter.Submitting(),
		ChatID:     c.chats.ActiveID(),
	}
	if a := c.submitter.Attachment(); a != nil {
		s.Attachment = a.Name
	}
	return s
}

func (c *Coordinator) publishState() {
	c.listener.OnState(c.snapshot())
}

func (c *Coordinator) teardown() {
	if c.session != nil {
		c.session.Stop()
		c.session = nil
	}
	if c.detector != nil {
		c.detector.Reset()
		c.detector = nil
	}
	if c.metrics != nil {
		c.metrics.RecordSessionEnd()
		c.metrics = nil
	}
	if c.submitter.inflight != nil {
		c.submitter.inflight.cancel()
		c.submitter.inflight = nil
	}
	c.player.Stop()
	c.mode = ModeInactive
}
