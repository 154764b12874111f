package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-chat/internal/audio"
	"github.com/lexiqai/voice-chat/internal/conversation"
	"github.com/lexiqai/voice-chat/internal/observability"
	"github.com/lexiqai/voice-chat/internal/playback"
	"github.com/lexiqai/voice-chat/internal/tts"
	"github.com/lexiqai/voice-chat/internal/voice"
)

const (
	writeTimeout  = 5 * time.Second
	maxMessageLen = 1 << 20
	frameDepth    = 128
)

var errConnectionClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	// Browsers connect from the page this service serves
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Client holds the state of one browser connection
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	source *audio.PushSource
	sink   *socketSink
	player *playback.Controller
	coord  *voice.Coordinator

	correlationID string
	logger        zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, deps Deps) *Client {
	correlationID := observability.NewCorrelationID()
	logger := observability.WithCorrelationID(correlationID).
		With().
		Str("component", "gateway").
		Logger()

	c := &Client{
		conn: conn,
		// Browsers send a container format (webm/opus) the provider detects
		source:        audio.NewPushSource(audio.EncodingInfo{}, frameDepth),
		correlationID: correlationID,
		logger:        logger,
		done:          make(chan struct{}),
	}
	c.sink = newSocketSink(c)
	c.player = playback.NewController(deps.Synthesizer, c.sink, logger,
		playback.WithStartHook(func(turnID string, a *tts.Audio) {
			c.send(ServerMessage{Type: msgTTSStart, TurnID: turnID, ContentType: a.ContentType})
		}),
		playback.WithStopHook(func(turnID string) {
			c.send(ServerMessage{Type: msgTTSStop, TurnID: turnID})
		}),
	)
	c.coord = voice.NewCoordinator(voice.Options{
		Transcriber:   deps.Transcriber,
		Source:        c.source,
		Streamer:      deps.Streamer,
		Titles:        deps.Titles,
		Player:        c.player,
		Chats:         deps.Chats,
		Listener:      c,
		SilenceWindow: deps.SilenceWindow,
		Logger:        logger,
	})
	return c
}

// serve runs the connection until the browser goes away
func (c *Client) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		_ = c.coord.Run(ctx)
	}()
	defer func() {
		cancel()
		c.close()
		<-c.coord.Done()
		c.player.Stop()
		c.player.Wait()
		c.logger.Info().Msg("Connection closed")
	}()

	c.logger.Info().Str("correlation_id", c.correlationID).Msg("Connection established")
	c.sendChat(c.coord.ActiveChat(ctx))
	c.sendChats(ctx)
	c.processIncomingMessages(ctx)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.source.Close()
	})
}

// processIncomingMessages reads frames until the connection fails
func (c *Client) processIncomingMessages(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageLen)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			// Audio outside voice mode has nowhere to go
			if err := c.source.Push(data); err == nil {
				observability.RecordAudioBytes("in", len(data))
			}
		case websocket.TextMessage:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to parse client message")
				continue
			}
			c.handleMessage(ctx, msg)
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, msg ClientMessage) {
	var err error
	switch msg.Type {
	case msgActivate:
		err = c.coord.Activate(ctx)
	case msgDeactivate:
		err = c.coord.Deactivate(ctx)
	case msgSubmit:
		err = c.coord.SubmitText(ctx, msg.Text)
	case msgAttach:
		var a *conversation.Attachment
		a, err = conversation.NewAttachment(msg.Name, []byte(msg.Content))
		if err == nil {
			err = c.coord.Attach(ctx, a)
		}
	case msgDetach:
		err = c.coord.Detach(ctx)
	case msgNewChat:
		_, err = c.coord.NewChat(ctx)
		if err == nil {
			c.sendChats(ctx)
		}
	case msgSelectChat:
		_, err = c.coord.SelectChat(ctx, msg.ChatID)
	case msgDeleteChat:
		_, err = c.coord.DeleteChat(ctx, msg.ChatID)
		if err == nil {
			c.sendChats(ctx)
		}
	case msgListChats:
		c.sendChats(ctx)
	case msgPlaybackEnded:
		c.sink.playbackEnded()
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("Unknown client message")
	}

	if err != nil && !errors.Is(err, voice.ErrStopped) && ctx.Err() == nil {
		c.OnError(err)
	}
}

func (c *Client) sendChat(chat *conversation.Chat, err error) {
	if err != nil {
		c.OnError(err)
		return
	}
	c.OnChat(chat)
}

func (c *Client) sendChats(ctx context.Context) {
	chats, err := c.coord.ListChats(ctx)
	if err != nil {
		c.OnError(err)
		return
	}
	c.send(ServerMessage{Type: msgChats, Chats: summarize(chats)})
}

// OnState implements voice.Listener
func (c *Client) OnState(s voice.State) {
	c.send(ServerMessage{Type: msgState, State: &s})
}

// OnPreview implements voice.Listener
func (c *Client) OnPreview(text string) {
	c.send(ServerMessage{Type: msgPreview, Text: text})
}

// OnChat implements voice.Listener
func (c *Client) OnChat(chat *conversation.Chat) {
	c.send(ServerMessage{Type: msgChat, Chat: chat})
}

// OnError implements voice.Listener
func (c *Client) OnError(err error) {
	c.send(ServerMessage{Type: msgError, Error: err.Error(), Kind: errorKind(err)})
}

// send writes a JSON message. Failures mean the connection is going away;
// the read loop notices and ends the session.
func (c *Client) send(msg ServerMessage) {
	if err := c.write(websocket.TextMessage, msg); err != nil && !errors.Is(err, errConnectionClosed) {
		c.logger.Debug().Err(err).Str("type", msg.Type).Msg("Failed to send message")
	}
}

// SendAudio writes synthesized speech as a binary frame
func (c *Client) SendAudio(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *Client) write(kind int, payload any) error {
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	if kind == websocket.BinaryMessage {
		data, ok := payload.([]byte)
		if !ok {
			return fmt.Errorf("binary payload must be []byte, got %T", payload)
		}
		return c.conn.WriteMessage(websocket.BinaryMessage, data)
	}
	return c.conn.WriteJSON(payload)
}
