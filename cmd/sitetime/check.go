package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/sitetime/internal/config"
	"github.com/goodtune/sitetime/internal/hosts"
	"github.com/goodtune/sitetime/internal/policy"
	"github.com/goodtune/sitetime/internal/storage"
)

var checkStored bool

var checkCmd = &cobra.Command{
	Use:   "check [flags] URL...",
	Short: "Check how URLs are classified and filtered",
	Long:  `Show the canonical host each URL accrues time under and whether the tracking policy counts it.`,
	Example: `  sitetime check https://mail.google.com/mail/u/0/
  sitetime check --stored https://www.bbc.co.uk/news about:blank`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkStored, "stored", false, "Use the policy saved in storage instead of the tracking section")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	settings := cfg.Tracking.Settings()
	source := "configuration"
	if checkStored {
		store, err := openStorage(cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer func() { _ = store.Close() }()

		stored, err := store.Filters().Load(context.Background())
		switch {
		case err == nil:
			settings = *stored
			source = "storage"
		case errors.Is(err, storage.ErrNotFound):
			source = "configuration, nothing stored yet"
		default:
			return fmt.Errorf("failed to load stored policy: %w", err)
		}
	}

	pol, err := policy.New(settings)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)

	_, _ = cyan.Printf("Policy: %s from %s (%d listed host(s))\n\n", pol.Mode(), source, len(settings.List))

	for _, raw := range args {
		host := hosts.FromURL(raw)
		switch {
		case host == "":
			_, _ = yellow.Printf("%s\n  → no host (never tracked)\n", raw)
		case pol.IsTracked(host):
			_, _ = green.Printf("%s\n  → %s (tracked)\n", raw, host)
		default:
			_, _ = yellow.Printf("%s\n  → %s (not tracked)\n", raw, host)
		}
	}
	return nil
}
