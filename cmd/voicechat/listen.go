package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lexiqai/voice-chat/internal/audio"
	"github.com/lexiqai/voice-chat/internal/conversation"
	"github.com/lexiqai/voice-chat/internal/observability"
	"github.com/lexiqai/voice-chat/internal/playback"
	"github.com/lexiqai/voice-chat/internal/voice"
)

func newListenCommand(load loader) *cobra.Command {
	var chatID string
	var muted bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Start a voice session on the local microphone",
		Long: "Start a voice session on the local microphone. Lines typed on stdin are\n" +
			"submitted as text turns; /attach <file> attaches a text file to the next turn.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := load(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.Config
			logger := observability.ComponentLogger("cli")

			speaker, err := audio.NewSpeaker(cfg.AudioSampleRate)
			if err != nil {
				return err
			}
			defer speaker.Close()

			out := &console{w: cmd.OutOrStdout(), printed: map[string]bool{}}
			player := playback.NewController(a.RawSynthesizer(cfg.AudioSampleRate), speaker, logger)
			coord := voice.NewCoordinator(voice.Options{
				Transcriber:   a.Transcriber,
				Source:        audio.NewMicrophone(cfg.AudioSampleRate),
				Streamer:      a.Streamer,
				Titles:        a.Titles,
				Player:        player,
				Chats:         a.Chats,
				Listener:      out,
				SilenceWindow: cfg.SilenceWindow(),
				Logger:        logger,
			})

			runErr := make(chan error, 1)
			go func() { runErr <- coord.Run(ctx) }()
			defer func() {
				stop()
				<-coord.Done()
				player.Stop()
				player.Wait()
			}()

			if chatID != "" {
				if _, err := coord.SelectChat(ctx, chatID); err != nil {
					return err
				}
			}
			if !muted {
				if err := coord.Activate(ctx); err != nil {
					return err
				}
			}

			go readLines(ctx, cmd.InOrStdin(), coord, out)

			select {
			case <-ctx.Done():
				return nil
			case err := <-runErr:
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "continue an existing chat")
	cmd.Flags().BoolVar(&muted, "muted", false, "start with voice mode off")
	return cmd
}

// readLines submits typed input. /voice toggles voice mode.
func readLines(ctx context.Context, r io.Reader, coord *voice.Coordinator, out *console) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var err error
		switch {
		case line == "":
			continue
		case line == "/voice":
			var s voice.State
			if s, err = coord.State(ctx); err == nil {
				if s.Mode == voice.ModeInactive {
					err = coord.Activate(ctx)
				} else {
					err = coord.Deactivate(ctx)
				}
			}
		case line == "/new":
			_, err = coord.NewChat(ctx)
		case line == "/detach":
			err = coord.Detach(ctx)
		case strings.HasPrefix(line, "/attach "):
			err = attachFile(ctx, coord, strings.TrimSpace(strings.TrimPrefix(line, "/attach ")))
		default:
			err = coord.SubmitText(ctx, line)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			out.OnError(err)
		}
	}
}

func attachFile(ctx context.Context, coord *voice.Coordinator, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	a, err := conversation.NewAttachment(path, data)
	if err != nil {
		return err
	}
	return coord.Attach(ctx, a)
}

// console prints coordinator output to a terminal
type console struct {
	mu      sync.Mutex
	w       io.Writer
	mode    voice.Mode
	printed map[string]bool
}

func (c *console) OnState(s voice.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Mode != c.mode {
		c.mode = s.Mode
		fmt.Fprintf(c.w, "[%s]\n", s.Mode)
	}
}

func (c *console) OnPreview(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if text != "" {
		fmt.Fprintf(c.w, "\r… %s", text)
	}
}

// OnChat prints each finished turn once
func (c *console) OnChat(chat *conversation.Chat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range chat.Turns {
		if t.Streaming || c.printed[t.ID] {
			continue
		}
		c.printed[t.ID] = true
		switch {
		case t.Failed:
			fmt.Fprintf(c.w, "\r! %s\n", t.Content)
		case t.Role == conversation.RoleUser:
			fmt.Fprintf(c.w, "\r> %s\n", t.Content)
		default:
			fmt.Fprintf(c.w, "\r%s\n", t.Content)
		}
	}
}

func (c *console) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "\rerror: %v\n", err)
}
