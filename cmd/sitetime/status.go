package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"

	"github.com/goodtune/sitetime/internal/api"
	"github.com/goodtune/sitetime/internal/config"
	"github.com/goodtune/sitetime/internal/flush"
)

var (
	statusFlush   bool
	statusAddress string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running agent's accounting state",
	Long:  `Query the local event API of a running agent and print the open interval, totals and outbox.`,
	Example: `  sitetime status
  sitetime status --flush
  sitetime status --address 127.0.0.1:7412`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusFlush, "flush", false, "Ask the agent to flush its outbox before reporting")
	statusCmd.Flags().StringVar(&statusAddress, "address", "", "Agent API address (defaults to agent.api_address)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusAddress
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		addr = cfg.Agent.APIAddress
	}
	base := "http://" + addr

	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.Logger = nil
	client.HTTPClient.Timeout = 10 * time.Second

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed, color.Bold)

	if statusFlush {
		var result flush.Result
		if err := doJSON(ctx, client, http.MethodPost, base+"/api/flush", &result); err != nil {
			_, _ = red.Fprintf(os.Stderr, "❌ Flush failed: %v\n", err)
		} else {
			_, _ = green.Printf("✅ Flushed %d session(s)\n", result.Sent)
		}
	}

	var state api.StateResponse
	if err := doJSON(ctx, client, http.MethodGet, base+"/api/state", &state); err != nil {
		return fmt.Errorf("failed to query agent at %s: %w", addr, err)
	}

	_, _ = bold.Printf("Agent:   %s\n", addr)
	fmt.Printf("Mode:    %s  (%d listed host(s))\n", state.Policy.Mode, len(state.Policy.List))

	switch {
	case state.Live.Site == "":
		fmt.Println("Active:  none")
	case state.State != nil && state.State.IsOpen():
		_, _ = green.Printf("Active:  %s  (tracking, %s total)\n", state.Live.Site, formatMs(state.Live.ElapsedMs))
	case state.Live.IsTracked:
		_, _ = yellow.Printf("Active:  %s  (paused)\n", state.Live.Site)
	default:
		_, _ = yellow.Printf("Active:  %s  (not tracked)\n", state.Live.Site)
	}

	if state.Pending > 0 {
		_, _ = yellow.Printf("Outbox:  %d session(s) awaiting delivery\n", state.Pending)
	} else {
		_, _ = green.Println("Outbox:  empty")
	}

	if state.State == nil || len(state.State.Totals) == 0 {
		return nil
	}

	hosts := make([]string, 0, len(state.State.Totals))
	for host := range state.State.Totals {
		hosts = append(hosts, host)
	}
	sort.Slice(hosts, func(i, j int) bool {
		return state.State.Totals[hosts[i]] > state.State.Totals[hosts[j]]
	})

	_, _ = bold.Println("\nTotals:")
	for _, host := range hosts {
		fmt.Printf("  %-32s %s\n", host, state.State.Totals[host].Truncate(time.Second))
	}
	return nil
}

func doJSON(ctx context.Context, client *retryablehttp.Client, method, url string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Message)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	return json.Unmarshal(body, out)
}

func formatMs(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Truncate(time.Second).String()
}
