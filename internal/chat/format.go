package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/botfleet/internal/session"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// FormatNotification turns a session notification into a chat attachment.
func FormatNotification(n session.Notification) FormattedEvent {
	sev := string(n.Severity)
	return FormattedEvent{
		Title:    n.Title,
		Body:     n.Body,
		Severity: sev,
		Color:    severityColor(sev),
		Fields:   []Field{{Name: "Account", Value: n.AccountID, Short: true}},
	}
}

// stateIcon returns a short marker for a session state.
func stateIcon(s session.State) string {
	switch s {
	case session.StateOnline:
		return "[+]"
	case session.StateConnecting:
		return "[~]"
	case session.StateAuthRequired:
		return "[?]"
	case session.StateError:
		return "[!]"
	default:
		return "[-]"
	}
}

// FormatStatus renders a fleet summary as a code block.
func FormatStatus(snaps []session.Snapshot) string {
	if len(snaps) == 0 {
		return "No bots have been started."
	}
	var b strings.Builder
	online := 0
	b.WriteString("```\n")
	for _, s := range snaps {
		if s.State == session.StateOnline {
			online++
		}
		fmt.Fprintf(&b, "%s %-16s %-14s", stateIcon(s.State), s.AccountID, s.State)
		switch {
		case s.AuthChallenge != nil:
			fmt.Fprintf(&b, " code %s at %s", s.AuthChallenge.UserCode, s.AuthChallenge.VerificationURI)
		case s.ReconnectPending:
			fmt.Fprintf(&b, " reconnect #%d pending", s.ReconnectAttempts+1)
		case s.LastEnd != "" && s.State.Terminal():
			fmt.Fprintf(&b, " %s", truncate(s.LastEnd, 60))
		}
		if !s.AutoReconnect {
			b.WriteString(" (auto-reconnect off)")
		}
		b.WriteString("\n")
	}
	b.WriteString("```\n")
	fmt.Fprintf(&b, "%d of %d online", online, len(snaps))
	return b.String()
}

// FormatDigest builds the scheduled status post.
func FormatDigest(snaps []session.Snapshot, now time.Time) FormattedEvent {
	counts := make(map[session.State]int)
	for _, s := range snaps {
		counts[s.State]++
	}
	sev := "info"
	if counts[session.StateError] > 0 {
		sev = "warning"
	}
	ev := FormattedEvent{
		Title:    fmt.Sprintf("Fleet digest %s", now.Format("2006-01-02 15:04")),
		Body:     FormatStatus(snaps),
		Severity: sev,
		Color:    severityColor(sev),
	}
	for _, st := range []session.State{session.StateOnline, session.StateConnecting, session.StateAuthRequired, session.StateOffline, session.StateError} {
		if n := counts[st]; n > 0 {
			ev.Fields = append(ev.Fields, Field{Name: string(st), Value: fmt.Sprintf("%d", n), Short: true})
		}
	}
	return ev
}

// presenceText is the status line shown next to the chat bot.
func presenceText(online, total int) string {
	return fmt.Sprintf("%d of %d bots online", online, total)
}

// truncate shortens s to n runes, appending "..." when cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
