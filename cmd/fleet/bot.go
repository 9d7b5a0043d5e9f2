package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zulandar/botfleet/internal/session"
)

func newBotCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Control individual bots",
		Long:  "Starts, stops and messages bots through a running fleet serve.",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", defaultAddr, "address of a running fleet serve")

	client := func() *apiClient { return newAPIClient(addr) }
	cmd.AddCommand(newBotStartCmd(client))
	cmd.AddCommand(newBotStopCmd(client))
	cmd.AddCommand(newBotSendCmd(client))
	cmd.AddCommand(newBotReconnectCmd(client))
	return cmd
}

func newBotStartCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "start <account>",
		Short: "Connect a bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap session.Snapshot
			if err := client().do(cmd.Context(), "POST", botPath(args[0], "start"), nil, &snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], snap.State)
			return nil
		},
	}
}

func newBotStopCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <account>",
		Short: "Disconnect a bot and turn off its auto-reconnect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap session.Snapshot
			if err := client().do(cmd.Context(), "POST", botPath(args[0], "stop"), nil, &snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (auto-reconnect off)\n", args[0], snap.State)
			return nil
		},
	}
}

func newBotSendCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "send <account> <text...>",
		Short: "Say something in game as a bot",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"text": strings.Join(args[1:], " ")}
			if err := client().do(cmd.Context(), "POST", botPath(args[0], "send"), body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s.\n", args[0])
			return nil
		},
	}
}

func newBotReconnectCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:       "reconnect <account> on|off",
		Short:     "Toggle a bot's auto-reconnect",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[1] {
			case "on":
				enabled = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
			body := map[string]bool{"enabled": enabled}
			if err := client().do(cmd.Context(), "POST", botPath(args[0], "reconnect"), body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Auto-reconnect for %s is %s.\n", args[0], args[1])
			return nil
		},
	}
}
