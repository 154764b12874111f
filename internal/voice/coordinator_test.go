package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-chat/internal/audio"
	"github.com/lexiqai/voice-chat/internal/clock"
	"github.com/lexiqai/voice-chat/internal/completion"
	"github.com/lexiqai/voice-chat/internal/conversation"
	"github.com/lexiqai/voice-chat/internal/endpoint"
	"github.com/lexiqai/voice-chat/internal/stt"
)

// --- fakes ---

type fakeSession struct {
	id          string
	transcripts chan stt.Transcript
	done        chan struct{}
	once        sync.Once

	mu      sync.Mutex
	err     error
	stopped bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{
		id:          id,
		transcripts: make(chan stt.Transcript, 16),
		done:        make(chan struct{}),
	}
}

func (s *fakeSession) ID() string                         { return s.id }
func (s *fakeSession) Transcripts() <-chan stt.Transcript { return s.transcripts }
func (s *fakeSession) Done() <-chan struct{}              { return s.done }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.terminate(nil)
}

func (s *fakeSession) terminate(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		close(s.transcripts)
	})
}

func (s *fakeSession) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *fakeSession) final(text string) {
	s.transcripts <- stt.Transcript{Text: text, IsFinal: true}
}

func (s *fakeSession) interim(text string) {
	s.transcripts <- stt.Transcript{Text: text}
}

type fakeTranscriber struct {
	mu       sync.Mutex
	startErr error
	gate     chan struct{}
	sessions []*fakeSession
}

func (f *fakeTranscriber) Start(ctx context.Context, src audio.Source) (stt.Session, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	s := newFakeSession(fmt.Sprintf("session-%d", len(f.sessions)+1))
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeTranscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeTranscriber) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

// fakeStreamer hands each reply stream to the test as a pipe writer
type fakeStreamer struct {
	mu      sync.Mutex
	calls   [][]completion.Message
	openErr error
	opened  chan *io.PipeWriter
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{opened: make(chan *io.PipeWriter, 8)}
}

func (f *fakeStreamer) Stream(ctx context.Context, msgs []completion.Message) (*completion.Stream, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msgs)
	openErr := f.openErr
	f.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}

	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	f.opened <- pw
	return completion.NewStream(pr), nil
}

func (f *fakeStreamer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStreamer) call(i int) []completion.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func writeDelta(w io.Writer, text string) {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]string{"content": text}}},
	})
	fmt.Fprintf(w, "data: %s\n\n", b)
}

func writeDone(w *io.PipeWriter) {
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	w.Close()
}

type spoken struct {
	turnID string
	text   string
}

type fakePlayer struct {
	mu       sync.Mutex
	spoken   []spoken
	stops    int
	speaking bool
}

func (p *fakePlayer) Speak(turnID, text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spoken = append(p.spoken, spoken{turnID, text})
	p.speaking = true
	return true
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.speaking = false
}

func (p *fakePlayer) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

func (p *fakePlayer) setSpeaking(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speaking = v
}

func (p *fakePlayer) spokenTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, s := range p.spoken {
		out = append(out, s.text)
	}
	return out
}

type fakeTitles struct {
	mu    sync.Mutex
	calls int
	title string
	err   error
}

func (f *fakeTitles) DeriveTitle(ctx context.Context, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return completion.DefaultTitle, f.err
	}
	return f.title, nil
}

func (f *fakeTitles) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingListener struct {
	mu       sync.Mutex
	states   []State
	previews []string
	chats    []*conversation.Chat
	errs     []error
}

func (l *recordingListener) OnState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *recordingListener) OnPreview(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.previews = append(l.previews, text)
}

func (l *recordingListener) OnChat(c *conversation.Chat) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chats = append(l.chats, c)
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingListener) lastState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return State{}
	}
	return l.states[len(l.states)-1]
}

func (l *recordingListener) lastPreview() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.previews) == 0 {
		return ""
	}
	return l.previews[len(l.previews)-1]
}

func (l *recordingListener) errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

// --- harness ---

const window = endpoint.DefaultSilenceWindow

type harness struct {
	coord    *Coordinator
	trans    *fakeTranscriber
	streamer *fakeStreamer
	player   *fakePlayer
	titles   *fakeTitles
	listener *recordingListener
	clock    *clock.Fake
	chats    *conversation.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := conversation.NewBadgerStore(conversation.BadgerOptions{
		InMemory: true,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	chats, err := conversation.NewSession(context.Background(), store, clk.Now, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	h := &harness{
		trans:    &fakeTranscriber{},
		streamer: newFakeStreamer(),
		player:   &fakePlayer{},
		titles:   &fakeTitles{title: "Greeting"},
		listener: &recordingListener{},
		clock:    clk,
		chats:    chats,
	}
	h.coord = NewCoordinator(Options{
		Transcriber:   h.trans,
		Streamer:      h.streamer,
		Titles:        h.titles,
		Player:        h.player,
		Chats:         chats,
		Listener:      h.listener,
		Clock:         clk,
		SilenceWindow: window,
		Logger:        zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go h.coord.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.coord.Done()
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// sync waits until every event queued so far has been handled
func (h *harness) sync(t *testing.T) State {
	t.Helper()
	s, err := h.coord.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return s
}

func (h *harness) listen(t *testing.T) *fakeSession {
	t.Helper()
	n := h.trans.count()
	if err := h.coord.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, "listening", func() bool { return h.sync(t).Mode == ModeListening })
	if h.trans.count() != n+1 {
		t.Fatalf("expected a new transcription session")
	}
	return h.trans.session(n)
}

// say delivers final fragments and waits until they reached the detector
func (h *harness) say(t *testing.T, s *fakeSession, fragments ...string) {
	t.Helper()
	for _, f := range fragments {
		s.final(f)
	}
	want := strings.Join(fragments, " ")
	waitFor(t, "preview "+want, func() bool {
		return strings.HasSuffix(h.listener.lastPreview(), want)
	})
}

func (h *harness) nextStream(t *testing.T) *io.PipeWriter {
	t.Helper()
	select {
	case pw := <-h.streamer.opened:
		return pw
	case <-time.After(2 * time.Second):
		t.Fatal("no reply stream opened")
		return nil
	}
}

func (h *harness) activeChat(t *testing.T) *conversation.Chat {
	t.Helper()
	chat, err := h.chats.Active(context.Background())
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	return chat
}

func lastTurn(c *conversation.Chat) conversation.Turn {
	if len(c.Turns) == 0 {
		return conversation.Turn{}
	}
	return c.Turns[len(c.Turns)-1]
}

func (h *harness) waitSettled(t *testing.T) {
	t.Helper()
	waitFor(t, "reply settled", func() bool { return !h.sync(t).Submitting })
}

// --- activation ---

func TestActivateStartsListening(t *testing.T) {
	h := newHarness(t)
	h.listen(t)

	if got := h.listener.lastState(); got.Mode != ModeListening || got.ModeName != "listening" {
		t.Errorf("expected listening state, got %+v", got)
	}
}

func TestActivateWhileListeningIsNoop(t *testing.T) {
	h := newHarness(t)
	h.listen(t)

	if err := h.coord.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.sync(t)
	if h.trans.count() != 1 {
		t.Errorf("expected a single session, got %d", h.trans.count())
	}
}

func TestActivateDeviceError(t *testing.T) {
	h := newHarness(t)
	h.trans.startErr = &stt.DeviceError{Err: errors.New("permission denied")}

	if err := h.coord.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, "error", func() bool { return len(h.listener.errors()) == 1 })

	if err := h.listener.errors()[0]; !errors.Is(err, ErrDeviceAccess) {
		t.Errorf("expected device error, got %v", err)
	}
	if s := h.sync(t); s.Mode != ModeInactive {
		t.Errorf("expected inactive after failure, got %s", s.Mode)
	}
}

func TestActivateConnectionError(t *testing.T) {
	h := newHarness(t)
	h.trans.startErr = &stt.ConnectionError{Err: errors.New("dial refused")}

	if err := h.coord.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, "error", func() bool { return len(h.listener.errors()) == 1 })

	err := h.listener.errors()[0]
	if !errors.Is(err, ErrTranscriptionConnection) || errors.Is(err, ErrDeviceAccess) {
		t.Errorf("expected connection error, got %v", err)
	}
	if s := h.sync(t); s.Mode != ModeInactive {
		t.Errorf("expected inactive after failure, got %s", s.Mode)
	}
}

func TestDeactivateWhileConnectingReleasesSession(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.trans.mu.Lock()
	h.trans.gate = gate
	h.trans.mu.Unlock()

	if err := h.coord.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if s := h.sync(t); s.Mode != ModeConnecting {
		t.Fatalf("expected connecting, got %s", s.Mode)
	}
	if err := h.coord.Deactivate(context.Background()); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	close(gate)

	waitFor(t, "late session stopped", func() bool {
		return h.trans.count() == 1 && h.trans.session(0).isStopped()
	})
	if s := h.sync(t); s.Mode != ModeInactive {
		t.Errorf("expected inactive, got %s", s.Mode)
	}
}

func TestSocketCloseEndsVoiceMode(t *testing.T) {
	h := newHarness(t)
	s := h.listen(t)

	s.terminate(errors.New("connection reset"))
	waitFor(t, "error", func() bool { return len(h.listener.errors()) == 1 })

	if err := h.listener.errors()[0]; !errors.Is(err, ErrTranscriptionConnection) {
		t.Errorf("expected transcription error, got %v", err)
	}
	if st := h.sync(t); st.Mode != ModeInactive {
		t.Errorf("expected inactive, got %s", st.Mode)
	}
}

func TestDeactivateDoesNotReportError(t *testing.T) {
	h := newHarness(t)
	s := h.listen(t)

	if err := h.coord.Deactivate(context.Background()); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	h.sync(t)
	if !s.isStopped() {
		t.Error("session should be stopped")
	}
	if errs := h.listener.errors(); len(errs) != 0 {
		t.Errorf("local stop should not surface errors, got %v", errs)
	}
}

func TestReactivateIgnoresOldSession(t *testing.T) {
	h := newHarness(t)
	first := h.listen(t)
	if err := h.coord.Deactivate(context.Background()); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	second := h.listen(t)

	// An event from the first session arriving late is dropped
	_ = h.coord.Post(TranscriptArrived{Epoch: 1, Transcript: stt.Transcript{Text: "ghost", IsFinal: true}})
	h.say(t, second, "hello")
	h.clock.Advance(window)

	h.nextStream(t)
	user := h.activeChat(t).Turns[0]
	if user.Content != "hello" {
		t.Errorf("expected only the new session's words, got %q", user.Content)
	}
	if !first.isStopped() {
		t.Error("first session should be stopped")
	}
}

// --- endpointing ---

func TestSilenceSubmitsAccumulatedFinals(t *testing.T) {
	h := newHarness(t)
	s := h.listen(t)

	h.say(t, s, "hello", "world")
	h.clock.Advance(window)
	h.nextStream(t)

	chat := h.activeChat(t)
	if chat.Turns[0].Role != conversation.RoleUser || chat.Turns[0].Content != "hello world" {
		t.Fatalf("expected user turn 'hello world', got %+v", chat.Turns)
	}
	if h.listener.lastPreview() != "" {
		t.Errorf("preview should be cleared after submission, got %q", h.listener.lastPreview())
	}
	msgs := h.streamer.call(0)
	if len(msgs) != 1 || msgs[0].Content != "hello world" {
		t.Errorf("unexpected history %+v", msgs)
	}
}

func TestFinalFragmentRestartsSilenceWindow(t *testing.T) {
	h := newHarness(t)
	s := h.listen(t)

	h.say(t, s, "one")
	h.clock.Advance(window - 500*time.Millisecond)
	h.say(t, s, "two")
	h.clock.Advance(window - 500*time.Millisecond)
	h.sync(t)
	if n := h.streamer.callCount(); n != 0 {
		t.Fatalf("submitted before the window elapsed (%d)", n)
	}

	h.clock.Advance(500 * time.Millisecond)
	h.nextStream(t)
	if got := h.activeChat(t).Turns[0].Content; got != "one two" {
		t.Errorf("expected 'one two', got %q", got)
	}
}

func TestInterimDoesNotDelaySubmission(t *testing.T) {
	h := newHarness(t)
	s := h.listen(t)

	h.say(t, s, "hello")
	h.clock.Advance(time.Second)
	s.interim("wor")
	waitFor(t, "interim preview", func() bool { return h.listener.lastPreview() == "hello wor" })

	h.clock.Advance(window - time.Second)
	h.nextStream(t)
	if got := h.activeChat(t).Turns[0].Content; got != "hello" {
		t.Errorf("interim text must not be submitted, got %q", got)
	}
}

func TestStaleEndpointIsDropped(t *testing.T) {
	h := newHarness(t)
	s := h.listen(t)
	h.say(t, s, "hello")

	_ = h.coord.Post(EndpointFired{Epoch: 1, Gen: 99})
	h.sync(t)
	if h.streamer.callCount() != 0 {
		t.Fatal("stale endpoint should not submit")
	}
	if h.listener.lastPreview() != "hello" {
		t.Errorf("buffer should survive a stale endpoint, got preview %q", h.listener.lastPreview())
	}
}

func TestDeactivateDiscardsPendingUtterance(t *testing.T) {
	h := newHarness(t)
	s := h.listen(t)
	h.say(t, s, "never mind")

	if err := h.coord.Deactivate(context.Background()); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	h.clock.Advance(window)
	h.sync(t)
	if h.streamer.callCount() != 0 {
		t.Error("nothing should be submitted after deactivation")
	}
}

// --- replies ---

func TestReplyStreamsIntoChatAndIsSpoken(t *testing.T) {
	h := newHarness(t)
	s := h.listen(t)
	h.say(t, s, "hi")
	h.clock.Advance(window)

	pw := h.nextStream(t)
	writeDelta(pw, "Hel")
	writeDelta(pw, "lo!")
	waitFor(t, "partial reply", func() bool {
		last := lastTurn(h.activeChat(t))
		return last.Streaming && last.Content == "Hello!"
	})
	writeDone(pw)
	h.waitSettled(t)

	chat := h.activeChat(t)
	last := lastTurn(chat)
	if len(chat.Turns) != 2 || last.Role != conversation.RoleAssistant || last.Content != "Hello!" || last.Streaming {
		t.Fatalf("unexpected turns %+v", chat.Turns)
	}
	if got := h.player.spokenTexts(); len(got) != 1 || got[0] != "Hello!" {
		t.Errorf("expected reply to be spoken, got %v", got)
	}
}

func TestReplyNotSpokenAfterDeactivate(t *testing.T) {
	h := newHarness(t)
	s := h.listen(t)
	h.say(t, s, "hi")
	h.clock.Advance(window)
	pw := h.nextStream(t)

	if err := h.coord.Deactivate(context.Background()); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	writeDelta(pw, "still here")
	writeDone(pw)
	h.waitSettled(t)

	if got := lastTurn(h.activeChat(t)).Content; got != "still here" {
		t.Errorf("reply should still be saved, got %q", got)
	}
	if got := h.player.spokenTexts(); len(got) != 0 {
		t.Errorf("reply should not be spoken, got %v", got)
	}
}

func TestTypedReplyNotSpokenWhenInactive(t *testing.T) {
	h := newHarness(t)
	if err := h.coord.SubmitText(context.Background(), "hello"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	pw := h.nextStream(t)
	writeDelta(pw, "hi")
	writeDone(pw)
	h.waitSettled(t)

	if got := h.player.spokenTexts(); len(got) != 0 {
		t.Errorf("typed reply without voice mode should stay silent, got %v", got)
	}
}

func TestStreamFailureReplacesPartialReply(t *testing.T) {
	h := newHarness(t)
	if err := h.coord.SubmitText(context.Background(), "first"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	pw := h.nextStream(t)
	writeDelta(pw, "par")
	waitFor(t, "partial reply", func() bool { return lastTurn(h.activeChat(t)).Content == "par" })
	pw.CloseWithError(errors.New("connection reset"))
	h.waitSettled(t)

	chat := h.activeChat(t)
	if len(chat.Turns) != 2 {
		t.Fatalf("expected user and error turns, got %+v", chat.Turns)
	}
	last := lastTurn(chat)
	if !last.Failed || last.Content != conversation.ErrorTurnText || last.Streaming {
		t.Errorf("expected error turn, got %+v", last)
	}
	if len(h.listener.errors()) != 0 {
		t.Error("reply failures are shown in the chat, not reported")
	}

	// The error turn never reaches the model
	if err := h.coord.SubmitText(context.Background(), "second"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	h.nextStream(t)
	msgs := h.streamer.call(1)
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("unexpected history %+v", msgs)
	}
}

func TestStreamOpenFailureAppendsErrorTurn(t *testing.T) {
	h := newHarness(t)
	h.streamer.mu.Lock()
	h.streamer.openErr = errors.New("status 503")
	h.streamer.mu.Unlock()

	if err := h.coord.SubmitText(context.Background(), "hello"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	h.waitSettled(t)

	chat := h.activeChat(t)
	if len(chat.Turns) != 2 || !lastTurn(chat).Failed {
		t.Errorf("expected error turn, got %+v", chat.Turns)
	}
}

func TestSubmitRefusals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coord.SubmitText(ctx, "   "); !errors.Is(err, ErrNothingToSubmit) {
		t.Errorf("expected ErrNothingToSubmit, got %v", err)
	}
	if err := h.coord.SubmitText(ctx, "one"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	if err := h.coord.SubmitText(ctx, "two"); !errors.Is(err, ErrSubmissionInFlight) {
		t.Errorf("expected ErrSubmissionInFlight, got %v", err)
	}
	users := 0
	for _, turn := range h.activeChat(t).Turns {
		if turn.Role == conversation.RoleUser {
			users++
		}
	}
	if users != 1 {
		t.Errorf("refused submissions must not add turns, got %d user turns", users)
	}
}

func TestAttachmentIsComposedAndCleared(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, err := conversation.NewAttachment("notes.md", []byte("# Notes"))
	if err != nil {
		t.Fatalf("NewAttachment: %v", err)
	}
	if err := h.coord.Attach(ctx, a); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if s := h.sync(t); s.Attachment != "notes.md" {
		t.Errorf("expected pending attachment in state, got %+v", s)
	}

	// An attachment alone is enough to submit
	if err := h.coord.SubmitText(ctx, ""); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	h.nextStream(t)

	want := "[Attached File: notes.md]\n\n# Notes\n\n---\n\n"
	if got := h.activeChat(t).Turns[0].Content; got != want {
		t.Errorf("unexpected composed turn %q", got)
	}
	if s := h.sync(t); s.Attachment != "" {
		t.Error("attachment should be consumed by the submission")
	}
}

func TestDetachDropsAttachment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, _ := conversation.NewAttachment("a.txt", []byte("x"))
	_ = h.coord.Attach(ctx, a)
	if err := h.coord.Detach(ctx); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := h.coord.SubmitText(ctx, ""); !errors.Is(err, ErrNothingToSubmit) {
		t.Errorf("expected ErrNothingToSubmit after detach, got %v", err)
	}
}

func TestTitleDerivedForFirstTurnOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coord.SubmitText(ctx, "hello"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	pw := h.nextStream(t)
	waitFor(t, "title", func() bool { return h.activeChat(t).Title == "Greeting" })
	writeDelta(pw, "hi")
	writeDone(pw)
	h.waitSettled(t)

	if err := h.coord.SubmitText(ctx, "again"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	h.nextStream(t)
	h.sync(t)
	if n := h.titles.callCount(); n != 1 {
		t.Errorf("expected one title request, got %d", n)
	}
	if got := h.activeChat(t).Title; got != "Greeting" {
		t.Errorf("title should survive later turns, got %q", got)
	}
}

func TestTitleFailureKeepsDefault(t *testing.T) {
	h := newHarness(t)
	h.titles.mu.Lock()
	h.titles.err = errors.New("boom")
	h.titles.mu.Unlock()

	if err := h.coord.SubmitText(context.Background(), "hello"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	h.nextStream(t)
	waitFor(t, "title attempt", func() bool { return h.titles.callCount() == 1 })
	h.sync(t)
	if got := h.activeChat(t).Title; got != conversation.DefaultTitle {
		t.Errorf("expected default title, got %q", got)
	}
}

// --- barge-in and chat switching ---

func TestFinalFragmentStopsPlayback(t *testing.T) {
	h := newHarness(t)
	s := h.listen(t)
	h.player.setSpeaking(true)

	h.say(t, s, "wait")
	if h.player.Speaking() {
		t.Error("a final fragment should cut off playback")
	}
}

func TestInterimFragmentKeepsPlaying(t *testing.T) {
	h := newHarness(t)
	s := h.listen(t)
	h.player.setSpeaking(true)

	s.interim("um")
	waitFor(t, "interim preview", func() bool { return h.listener.lastPreview() == "um" })
	if !h.player.Speaking() {
		t.Error("an interim fragment should not stop playback")
	}
}

func TestSwitchingChatStopsPlaybackAndSilencesReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.listen(t)
	origin := h.chats.ActiveID()

	h.say(t, s, "hi")
	h.clock.Advance(window)
	pw := h.nextStream(t)

	h.player.setSpeaking(true)
	if _, err := h.coord.NewChat(ctx); err != nil {
		t.Fatalf("NewChat: %v", err)
	}
	if h.player.Speaking() {
		t.Error("creating a chat should stop playback")
	}

	writeDelta(pw, "late reply")
	writeDone(pw)
	h.waitSettled(t)

	chat, err := h.chats.Get(ctx, origin)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := lastTurn(chat).Content; got != "late reply" {
		t.Errorf("reply belongs to its original chat, got %q", got)
	}
	if got := h.player.spokenTexts(); len(got) != 0 {
		t.Errorf("reply for a background chat should not be spoken, got %v", got)
	}
}

func TestDeletingChatCancelsItsReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.coord.SubmitText(ctx, "hello"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	h.nextStream(t)
	doomed := h.chats.ActiveID()

	next, err := h.coord.DeleteChat(ctx, doomed)
	if err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if next.ID == doomed {
		t.Fatal("a different chat should be active")
	}
	h.waitSettled(t)

	if _, err := h.chats.Get(ctx, doomed); !errors.Is(err, conversation.ErrChatNotFound) {
		t.Errorf("deleted chat should stay deleted, got %v", err)
	}
	if err := h.coord.SubmitText(ctx, "fresh start"); err != nil {
		t.Errorf("a new submission should be accepted, got %v", err)
	}
}

func TestChatCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.chats.ActiveID()

	second, err := h.coord.NewChat(ctx)
	if err != nil {
		t.Fatalf("NewChat: %v", err)
	}
	chats, err := h.coord.ListChats(ctx)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(chats))
	}

	if _, err := h.coord.SelectChat(ctx, first); err != nil {
		t.Fatalf("SelectChat: %v", err)
	}
	active, err := h.coord.ActiveChat(ctx)
	if err != nil || active.ID != first {
		t.Fatalf("expected %s active, got %v (%v)", first, active, err)
	}
	if s := h.sync(t); s.ChatID != first {
		t.Errorf("state should track the active chat, got %s", s.ChatID)
	}

	if _, err := h.coord.SelectChat(ctx, "missing"); !errors.Is(err, conversation.ErrChatNotFound) {
		t.Errorf("expected ErrChatNotFound, got %v", err)
	}
	if _, err := h.coord.DeleteChat(ctx, second.ID); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if h.chats.ActiveID() != first {
		t.Error("deleting an inactive chat should not change the active chat")
	}
}

func TestCallsAfterStopFail(t *testing.T) {
	h := newHarness(t)

	coord := NewCoordinator(Options{Chats: h.chats, Player: &fakePlayer{}, Logger: zerolog.Nop()})
	ctx, stop := context.WithCancel(context.Background())
	go coord.Run(ctx)
	stop()
	<-coord.Done()

	if err := coord.SubmitText(context.Background(), "x"); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if _, err := coord.State(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

// transcriptCount sums voice_chat_transcripts_total across kinds
func transcriptCount(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != "voice_chat_transcripts_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestTranscriptsAreCountedBySessionOnly(t *testing.T) {
	h := newHarness(t)
	s := h.listen(t)

	before := transcriptCount(t)
	s.interim("um")
	h.say(t, s, "hello")
	h.sync(t)

	// The fake session records nothing, so the coordinator must not either
	if got := transcriptCount(t); got != before {
		t.Errorf("coordinator counted transcripts: %v -> %v", before, got)
	}
}
