package session

import (
	"sync"
	"time"
)

// MaxLogEntries caps each account's in-memory log. Oldest entries go first.
const MaxLogEntries = 200

// LogEntry is one line of an account's audit log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Record holds one account's connection state. All fields are guarded by mu;
// every transition mutates them together under a single lock hold.
type Record struct {
	mu sync.Mutex

	id       string
	username string
	state    State
	conn     Conn
	// attempt increments on every start; events and callbacks carry the
	// attempt they belong to and are dropped once it is superseded.
	attempt uint64

	autoReconnect     bool
	manualStop        bool
	endHandled        bool
	reconnectAttempts int

	timer    Timer
	timerSeq uint64

	challenge *AuthChallenge
	lastEnd   string
	updatedAt time.Time
	logs      []LogEntry
}

func newRecord(id string, autoReconnect bool, now time.Time) *Record {
	return &Record{
		id:            id,
		state:         StateConnecting,
		autoReconnect: autoReconnect,
		updatedAt:     now,
	}
}

// ID returns the account identifier.
func (r *Record) ID() string { return r.id }

// State returns the current state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// appendLog adds an entry, evicting from the front once the cap is hit.
func (r *Record) appendLog(e LogEntry) {
	if len(r.logs) >= MaxLogEntries {
		n := len(r.logs) - MaxLogEntries + 1
		copy(r.logs, r.logs[n:])
		r.logs = r.logs[:len(r.logs)-n]
	}
	r.logs = append(r.logs, e)
}

// cancelTimerLocked stops any pending reconnect. Bumping timerSeq invalidates
// a callback that already fired but has not yet taken the lock.
func (r *Record) cancelTimerLocked() bool {
	r.timerSeq++
	if r.timer == nil {
		return false
	}
	r.timer.Stop()
	r.timer = nil
	return true
}

// Snapshot is a point-in-time view of one session.
type Snapshot struct {
	AccountID         string         `json:"account_id"`
	Username          string         `json:"username,omitempty"`
	State             State          `json:"state"`
	AutoReconnect     bool           `json:"auto_reconnect"`
	ReconnectAttempts int            `json:"reconnect_attempts"`
	ReconnectPending  bool           `json:"reconnect_pending"`
	AuthChallenge     *AuthChallenge `json:"auth_challenge,omitempty"`
	LastEnd           string         `json:"last_end,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Logs              []LogEntry     `json:"logs"`
}

// snapshotLocked copies the record. tail limits how many log entries are
// included; tail <= 0 copies all of them.
func (r *Record) snapshotLocked(tail int) Snapshot {
	logs := r.logs
	if tail > 0 && len(logs) > tail {
		logs = logs[len(logs)-tail:]
	}
	s := Snapshot{
		AccountID:         r.id,
		Username:          r.username,
		State:             r.state,
		AutoReconnect:     r.autoReconnect,
		ReconnectAttempts: r.reconnectAttempts,
		ReconnectPending:  r.timer != nil,
		LastEnd:           r.lastEnd,
		UpdatedAt:         r.updatedAt,
		Logs:              make([]LogEntry, len(logs)),
	}
	copy(s.Logs, logs)
	if r.challenge != nil {
		ch := *r.challenge
		s.AuthChallenge = &ch
	}
	return s
}
