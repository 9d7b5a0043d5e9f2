package session

import (
	"fmt"
	"log"
)

// endLocked collapses the end-of-session signals of one connection attempt
// into a single transition. The first signal wins; later ones (a kick followed
// by the stream closing, a close followed by an error) are dropped by the
// endHandled guard. rec.mu must be held and ev must belong to rec.attempt.
func (c *Controller) endLocked(rec *Record, ev Event) {
	if rec.endHandled {
		return
	}
	rec.endHandled = true

	isErr := ev.IsError()
	if isErr {
		rec.state = StateError
	} else {
		rec.state = StateOffline
	}
	if rec.conn != nil {
		if err := rec.conn.Close(); err != nil {
			log.Printf("session: [%s] release connection: %v", rec.id, err)
		}
		rec.conn = nil
	}
	rec.challenge = nil

	reason := describeEnd(ev)
	rec.lastEnd = reason
	c.logLocked(rec, "disconnected: %s", reason)
	c.publishLocked(rec)

	sev := SeverityWarning
	if isErr {
		sev = SeverityError
	}
	c.notifyLocked(rec, "Disconnected", reason, sev)

	if !rec.manualStop && rec.autoReconnect {
		c.scheduleLocked(rec)
	}
}

// describeEnd renders a human-readable reason specific to the signal.
func describeEnd(ev Event) string {
	switch ev.Reason {
	case EndExplicitNotice:
		if ev.Detail != "" {
			return fmt.Sprintf("kicked by server: %s", ev.Detail)
		}
		return "kicked by server"
	case EndCleanClose:
		if ev.Err != nil {
			return fmt.Sprintf("connection closed with error: %v", ev.Err)
		}
		return "connection closed"
	case EndAbruptClose:
		if ev.Err != nil {
			return fmt.Sprintf("connection lost: %v", ev.Err)
		}
		return "connection lost"
	case EndGenericError:
		if ev.Err != nil {
			return fmt.Sprintf("error: %v", ev.Err)
		}
		if ev.Detail != "" {
			return fmt.Sprintf("error: %s", ev.Detail)
		}
		return "unknown error"
	default:
		return ev.Reason.String()
	}
}
