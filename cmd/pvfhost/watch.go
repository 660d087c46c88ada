package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/pvfhost/internal/tui/watch"
)

const defaultAPIURL = "http://127.0.0.1:9644"

func buildWatchCommand() *cobra.Command {
	var (
		apiURL string
		token  string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live monitor of a running host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := apiURL
			if url == "" {
				url = defaultAPIURL
				if cfg, err := loadConfig(cmd); err == nil {
					url = remoteFromConfig(cfg)
					if token == "" {
						token = cfg.API.Token
					}
				}
			}

			p := tea.NewProgram(*watch.New(url, token))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("monitor: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "", "Host API base URL (default: from config, else "+defaultAPIURL+")")
	cmd.Flags().StringVar(&token, "token", os.Getenv("PVFHOST_TOKEN"), "Bearer token (default $PVFHOST_TOKEN)")
	return cmd
}
