package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zulandar/botfleet/internal/session"
)

func newStatusCmd() *cobra.Command {
	var (
		addr  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet status",
		Long:  "Lists every started account with its state, reconnect progress and last end reason. Use --watch for auto-refresh.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, newAPIClient(addr), watch)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "address of a running fleet serve")
	cmd.Flags().BoolVar(&watch, "watch", false, "auto-refresh every 5 seconds")
	return cmd
}

func runStatus(cmd *cobra.Command, client *apiClient, watch bool) error {
	out := cmd.OutOrStdout()
	color := isTerminal(out)

	for {
		var snaps []session.Snapshot
		if err := client.do(cmd.Context(), "GET", "/api/bots", nil, &snaps); err != nil {
			return err
		}

		if watch && color {
			// Clear screen.
			fmt.Fprint(out, "\033[2J\033[H")
		}
		fmt.Fprint(out, formatStatusTable(snaps, color))

		if !watch {
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return nil
		case <-time.After(5 * time.Second):
		}
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var stateColors = map[session.State]string{
	session.StateOnline:       "\033[32m",
	session.StateConnecting:   "\033[33m",
	session.StateAuthRequired: "\033[35m",
	session.StateError:        "\033[31m",
}

// formatStatusTable renders snapshots as a fixed-width table.
func formatStatusTable(snaps []session.Snapshot, color bool) string {
	if len(snaps) == 0 {
		return "No bots have been started.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-14s %-6s %-10s %s\n", "ACCOUNT", "STATE", "AUTO", "RECONNECT", "LAST END")
	online := 0
	for _, s := range snaps {
		if s.State == session.StateOnline {
			online++
		}
		state := fmt.Sprintf("%-14s", s.State)
		if c, ok := stateColors[s.State]; ok && color {
			state = c + state + "\033[0m"
		}
		auto := "off"
		if s.AutoReconnect {
			auto = "on"
		}
		reconnect := "-"
		if s.ReconnectPending {
			reconnect = fmt.Sprintf("#%d", s.ReconnectAttempts)
		}
		lastEnd := s.LastEnd
		if lastEnd == "" {
			lastEnd = "-"
		}
		fmt.Fprintf(&b, "%-16s %s %-6s %-10s %s\n", s.AccountID, state, auto, reconnect, lastEnd)
		if ch := s.AuthChallenge; ch != nil {
			fmt.Fprintf(&b, "  sign in at %s with code %s\n", ch.VerificationURI, ch.UserCode)
		}
	}
	fmt.Fprintf(&b, "\n%d of %d online\n", online, len(snaps))
	return b.String()
}
