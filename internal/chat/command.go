package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/botfleet/internal/session"
)

// Fleet is the subset of the session controller chat commands drive.
type Fleet interface {
	Start(ctx context.Context, id string) error
	Stop(id string) error
	SetAutoReconnect(id string, enabled bool) error
	SendMessage(id, text string) error
	Snapshots() []session.Snapshot
}

// CommandHandler executes prefixed operator commands from chat.
type CommandHandler struct {
	fleet  Fleet
	prefix string
}

// NewCommandHandler creates a CommandHandler. prefix defaults to "!fleet".
func NewCommandHandler(fleet Fleet, prefix string) (*CommandHandler, error) {
	if fleet == nil {
		return nil, fmt.Errorf("chat: command handler: fleet is required")
	}
	if prefix == "" {
		prefix = "!fleet"
	}
	return &CommandHandler{fleet: fleet, prefix: prefix}, nil
}

// Matches reports whether text is addressed to the handler.
func (ch *CommandHandler) Matches(text string) bool {
	text = strings.TrimSpace(text)
	return text == ch.prefix || strings.HasPrefix(text, ch.prefix+" ")
}

// Execute runs one command and returns the reply text.
func (ch *CommandHandler) Execute(ctx context.Context, text string) string {
	args := ch.parse(text)
	if len(args) == 0 {
		return ch.helpText()
	}

	switch args[0] {
	case "status":
		return FormatStatus(ch.fleet.Snapshots())
	case "start":
		return ch.cmdStart(ctx, args[1:])
	case "stop":
		return ch.cmdStop(args[1:])
	case "say":
		return ch.cmdSay(text, args[1:])
	case "reconnect":
		return ch.cmdReconnect(args[1:])
	case "help":
		return ch.helpText()
	default:
		return fmt.Sprintf("Unknown command: `%s`\n\n%s", args[0], ch.helpText())
	}
}

// parse strips the prefix and splits the remaining text.
func (ch *CommandHandler) parse(text string) []string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, ch.prefix)
	return strings.Fields(text)
}

func (ch *CommandHandler) cmdStart(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return fmt.Sprintf("Usage: `%s start <account>`", ch.prefix)
	}
	id := args[0]
	if err := ch.fleet.Start(ctx, id); err != nil {
		if errors.Is(err, session.ErrAlreadyActive) {
			return fmt.Sprintf("`%s` is already connecting or online.", id)
		}
		return fmt.Sprintf("Error starting `%s`: %v", id, err)
	}
	return fmt.Sprintf("Starting `%s`.", id)
}

func (ch *CommandHandler) cmdStop(args []string) string {
	if len(args) != 1 {
		return fmt.Sprintf("Usage: `%s stop <account>`", ch.prefix)
	}
	id := args[0]
	if err := ch.fleet.Stop(id); err != nil {
		return errorReply(id, err)
	}
	return fmt.Sprintf("Stopped `%s`. Auto-reconnect is off until re-enabled.", id)
}

// cmdSay keeps the message text verbatim, including its spacing.
func (ch *CommandHandler) cmdSay(raw string, args []string) string {
	if len(args) < 2 {
		return fmt.Sprintf("Usage: `%s say <account> <text>`", ch.prefix)
	}
	id := args[0]
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), ch.prefix))
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "say"))
	msg := strings.TrimSpace(strings.TrimPrefix(rest, id))
	if err := ch.fleet.SendMessage(id, msg); err != nil {
		return errorReply(id, err)
	}
	return fmt.Sprintf("Sent to `%s`.", id)
}

func (ch *CommandHandler) cmdReconnect(args []string) string {
	usage := fmt.Sprintf("Usage: `%s reconnect <account> on|off`", ch.prefix)
	if len(args) != 2 {
		return usage
	}
	var enabled bool
	switch args[1] {
	case "on":
		enabled = true
	case "off":
	default:
		return usage
	}
	id := args[0]
	if err := ch.fleet.SetAutoReconnect(id, enabled); err != nil {
		return errorReply(id, err)
	}
	return fmt.Sprintf("Auto-reconnect for `%s` is %s.", id, args[1])
}

func errorReply(id string, err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return fmt.Sprintf("`%s` has never been started.", id)
	case errors.Is(err, session.ErrBotOffline):
		return fmt.Sprintf("`%s` is not online.", id)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

func (ch *CommandHandler) helpText() string {
	p := ch.prefix
	return strings.Join([]string{
		"*Fleet commands:*",
		fmt.Sprintf("`%s status` - show every bot", p),
		fmt.Sprintf("`%s start <account>` - connect a bot", p),
		fmt.Sprintf("`%s stop <account>` - disconnect a bot and disable auto-reconnect", p),
		fmt.Sprintf("`%s say <account> <text>` - send chat as a bot", p),
		fmt.Sprintf("`%s reconnect <account> on|off` - toggle auto-reconnect", p),
		fmt.Sprintf("`%s help` - show this help", p),
	}, "\n")
}
