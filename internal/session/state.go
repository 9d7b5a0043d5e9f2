// Package session owns the per-account bot session lifecycle: the session
// table, the connect/stop state machine, the end-of-session event bridge and
// the reconnect scheduler.
package session

import "errors"

// State is the lifecycle state of one account's session.
type State string

const (
	StateConnecting   State = "connecting"
	StateAuthRequired State = "auth_required"
	StateOnline       State = "online"
	StateOffline      State = "offline"
	StateError        State = "error"
)

// Active reports whether the state owns a live connection attempt.
func (s State) Active() bool {
	switch s {
	case StateConnecting, StateAuthRequired, StateOnline:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state ends a connection attempt.
func (s State) Terminal() bool {
	return s == StateOffline || s == StateError
}

// Errors surfaced to operator commands. Everything else is absorbed into
// session state and the per-account log.
var (
	ErrAlreadyActive  = errors.New("session already active")
	ErrNotFound       = errors.New("session not found")
	ErrBotOffline     = errors.New("bot is not online")
	ErrConnectionOpen = errors.New("open connection")
)

// Severity classifies an outbound notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)
