package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexiqai/voice-chat/internal/app"
	"github.com/lexiqai/voice-chat/internal/config"
	"github.com/lexiqai/voice-chat/internal/observability"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "voicechat",
		Short:         "Voice chat with an AI assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var storeDir string
	root.PersistentFlags().StringVar(&storeDir, "store", "", "chat store directory (overrides STORE_DIR)")

	load := func(ctx context.Context) (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		if storeDir != "" {
			cfg.StoreDir = storeDir
		}
		observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
		a, err := app.New(ctx, cfg, observability.GetLogger())
		if err != nil {
			return nil, fmt.Errorf("failed to start: %w", err)
		}
		return a, nil
	}

	root.AddCommand(newListenCommand(load))
	root.AddCommand(newChatsCommand(load))
	return root
}

type loader func(ctx context.Context) (*app.App, error)
