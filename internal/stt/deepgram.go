package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-chat/internal/audio"
	"github.com/lexiqai/voice-chat/internal/config"
	"github.com/lexiqai/voice-chat/internal/observability"
)

const (
	keepAliveInterval = 5 * time.Second
	writeTimeout      = 5 * time.Second
)

// DeepgramOptions configures the live transcription connection
type DeepgramOptions struct {
	APIKey        string
	ListenURL     string
	Transcription interfaces.LiveTranscriptionOptions
	ChunkInterval time.Duration
	BufferSize    int
	Dialer        *websocket.Dialer
}

// OptionsFromConfig builds DeepgramOptions from service configuration
func OptionsFromConfig(cfg *config.Config) DeepgramOptions {
	return DeepgramOptions{
		APIKey:    cfg.DeepgramAPIKey,
		ListenURL: cfg.DeepgramListenURL,
		Transcription: interfaces.LiveTranscriptionOptions{
			Model:          cfg.DeepgramModel,
			Language:       cfg.DeepgramLanguage,
			Punctuate:      cfg.DeepgramPunctuate,
			InterimResults: cfg.DeepgramInterimResults,
			UtteranceEndMs: strconv.Itoa(cfg.DeepgramUtteranceEndMs),
		},
		ChunkInterval: cfg.ChunkInterval(),
		BufferSize:    cfg.AudioBufferSize,
	}
}

// DeepgramTranscriber opens live transcription sessions against Deepgram
type DeepgramTranscriber struct {
	opts   DeepgramOptions
	logger zerolog.Logger
}

// NewDeepgramTranscriber creates a transcriber
func NewDeepgramTranscriber(opts DeepgramOptions, logger zerolog.Logger) *DeepgramTranscriber {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = 250 * time.Millisecond
	}
	return &DeepgramTranscriber{
		opts:   opts,
		logger: logger.With().Str("component", "stt").Logger(),
	}
}

// Start acquires src, then connects to Deepgram and begins streaming
func (t *DeepgramTranscriber) Start(ctx context.Context, src audio.Source) (Session, error) {
	if err := src.Open(ctx); err != nil {
		return nil, &DeviceError{Err: err}
	}

	encoding := audio.EncodingInfo{}
	if e, ok := src.(interface{ Encoding() audio.EncodingInfo }); ok {
		encoding = e.Encoding()
	}

	listenURL, err := t.listenURL(encoding)
	if err != nil {
		_ = src.Close()
		return nil, &ConnectionError{Err: err}
	}

	conn, resp, err := t.opts.Dialer.DialContext(ctx, listenURL, http.Header{
		"Authorization": {"Token " + t.opts.APIKey},
	})
	if err != nil {
		_ = src.Close()
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, &ConnectionError{Err: err}
	}

	s := newDeepgramSession(conn, src, t.opts, t.logger)
	s.start()
	return s, nil
}

func (t *DeepgramTranscriber) listenURL(encoding audio.EncodingInfo) (string, error) {
	u, err := url.Parse(t.opts.ListenURL)
	if err != nil {
		return "", fmt.Errorf("invalid listen url: %w", err)
	}

	o := t.opts.Transcription
	q := u.Query()
	if o.Model != "" {
		q.Set("model", o.Model)
	}
	if o.Language != "" {
		q.Set("language", o.Language)
	}
	if o.Punctuate {
		q.Set("punctuate", "true")
	}
	if o.UtteranceEndMs != "" && o.UtteranceEndMs != "0" {
		q.Set("utterance_end_ms", o.UtteranceEndMs)
	}
	if o.InterimResults {
		q.Set("interim_results", "true")
	}
	if encoding.Encoding != "" {
		q.Set("encoding", encoding.Encoding)
		q.Set("sample_rate", strconv.Itoa(encoding.SampleRate))
		q.Set("channels", strconv.Itoa(max(encoding.Channels, 1)))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type deepgramSession struct {
	id     string
	conn   *websocket.Conn
	src    audio.Source
	opts   DeepgramOptions
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	transcripts chan Transcript
	done        chan struct{}
	once        sync.Once
	err         error
	errMu       sync.Mutex

	writeMu   sync.Mutex
	lastWrite time.Time
}

func newDeepgramSession(conn *websocket.Conn, src audio.Source, opts DeepgramOptions, logger zerolog.Logger) *deepgramSession {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	return &deepgramSession{
		id:          id,
		conn:        conn,
		src:         src,
		opts:        opts,
		logger:      logger.With().Str("stt_session_id", id).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		transcripts: make(chan Transcript, 64),
		done:        make(chan struct{}),
		lastWrite:   time.Now(),
	}
}

func (s *deepgramSession) start() {
	go s.readLoop()
	go s.writeLoop()
	go s.keepAlive()
	s.logger.Info().Msg("Transcription session started")
}

func (s *deepgramSession) ID() string                     { return s.id }
func (s *deepgramSession) Transcripts() <-chan Transcript { return s.transcripts }
func (s *deepgramSession) Done() <-chan struct{}          { return s.done }

func (s *deepgramSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stop ends the session locally. It asks the provider to flush and close,
// then releases the socket and the capture device.
func (s *deepgramSession) Stop() {
	s.terminate(nil)
}

// terminate runs once no matter how many paths race to end the session
func (s *deepgramSession) terminate(cause error) {
	s.once.Do(func() {
		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()

		close(s.done)
		s.cancel()

		if cause == nil {
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = s.conn.WriteJSON(map[string]string{"type": "CloseStream"})
			s.writeMu.Unlock()
		}
		_ = s.conn.Close()
		_ = s.src.Close()

		if cause != nil {
			s.logger.Warn().Err(cause).Msg("Transcription session terminated")
		} else {
			s.logger.Info().Msg("Transcription session stopped")
		}
	})
}

func (s *deepgramSession) readLoop() {
	defer close(s.transcripts)

	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = ErrClosedByProvider
			}
			s.terminate(fmt.Errorf("read: %w", err))
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		transcript, kind := parseMessage(msg)
		switch kind {
		case messageMalformed:
			observability.RecordDroppedMessage()
			s.logger.Debug().Int("bytes", len(msg)).Msg("Dropped unparseable provider message")
			continue
		case messageIgnored:
			continue
		}

		observability.RecordTranscript(transcript.IsFinal)
		select {
		case <-s.done:
			return
		default:
		}
		select {
		case s.transcripts <- transcript:
		case <-s.done:
			return
		}
	}
}

func (s *deepgramSession) writeLoop() {
	chunker := audio.NewChunker(s.opts.ChunkInterval, s.opts.BufferSize)
	err := chunker.Run(s.ctx, s.src.Frames(), s.sendAudio)
	if err != nil {
		s.terminate(fmt.Errorf("write: %w", err))
		return
	}
	select {
	case <-s.done:
	default:
		s.terminate(errors.New("audio source stopped"))
	}
}

func (s *deepgramSession) sendAudio(chunk []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return nil
	default:
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return err
	}
	s.lastWrite = time.Now()
	observability.RecordAudioBytes("in", len(chunk))
	return nil
}

// keepAlive stops the provider from closing an idle stream while the user is silent
func (s *deepgramSession) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			if time.Since(s.lastWrite) >= keepAliveInterval {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := s.conn.WriteJSON(map[string]string{"type": "KeepAlive"}); err != nil {
					s.logger.Debug().Err(err).Msg("Keep-alive write failed")
				}
				s.lastWrite = time.Now()
			}
			s.writeMu.Unlock()
		}
	}
}
