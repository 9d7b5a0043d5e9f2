package session

import "context"

// Identity is what a Dialer needs to log one account in.
type Identity struct {
	AccountID string
	Username  string
	Auth      string // "offline" or "microsoft"
}

// AuthChallenge is an out-of-band verification prompt raised mid-connect.
type AuthChallenge struct {
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in_seconds"`
}

// Dialer opens game-server connections.
//
// Open must return without waiting on the network: the connection proceeds in
// the background and reports progress on Conn.Events. onAuth may be called
// from the connection's goroutine, never from inside Open itself. A returned
// error means the connection could not even be started.
type Dialer interface {
	Open(ctx context.Context, id Identity, onAuth func(AuthChallenge)) (Conn, error)
}

// Conn is one live connection attempt.
type Conn interface {
	// Send writes a chat line to the server.
	Send(text string) error
	// Close tears the connection down. It must not wait for event delivery.
	Close() error
	// Events delivers lifecycle events until the connection is finished,
	// then closes.
	Events() <-chan Event
}

// EventKind tags an Event.
type EventKind int

const (
	EventJoined EventKind = iota
	EventSpawned
	EventText
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventSpawned:
		return "spawned"
	case EventText:
		return "text"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// EndReason names which raw signal reported the end of a session. Several can
// fire for the same connection; only the first one is acted on.
type EndReason int

const (
	// EndExplicitNotice is a server-sent disconnect notice (kick).
	EndExplicitNotice EndReason = iota
	// EndCleanClose is an orderly close of the stream.
	EndCleanClose
	// EndAbruptClose is a close that reported a transport error.
	EndAbruptClose
	// EndGenericError is a standalone error signal.
	EndGenericError
)

func (r EndReason) String() string {
	switch r {
	case EndExplicitNotice:
		return "kicked"
	case EndCleanClose:
		return "connection closed"
	case EndAbruptClose:
		return "connection lost"
	case EndGenericError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single lifecycle signal from a Conn.
type Event struct {
	Kind   EventKind
	Text   string    // EventText: received chat line
	Reason EndReason // EventEnded
	Detail string    // EventEnded: server-provided reason, if any
	Err    error     // EventEnded: set when the signal carries an error
}

// IsError reports whether an end event should be treated as a failure.
func (e Event) IsError() bool {
	return e.Err != nil || e.Reason == EndGenericError
}
