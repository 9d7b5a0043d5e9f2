package session

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Publisher receives a snapshot after every state change. Publish is called
// with the record locked and must not block.
type Publisher interface {
	Publish(s Snapshot)
}

// Notification is a human-facing alert about one session.
type Notification struct {
	AccountID string
	Title     string
	Body      string
	Severity  Severity
}

// Notifier delivers notifications best-effort. Notify must not block.
type Notifier interface {
	Notify(n Notification)
}

// ChatSink receives chat lines heard in-game. GameChat must not block.
type ChatSink interface {
	GameChat(accountID, text string)
}

// Journal persists log entries. Append must not block.
type Journal interface {
	Append(accountID string, state State, e LogEntry)
}

// Controller drives session lifecycles. It serializes operator commands and
// connection events per account through each Record's lock.
type Controller struct {
	store    *Store
	dialer   Dialer
	backoff  Backoff
	clock    Clock
	resolve  func(id string) Identity
	pub      Publisher
	notifier Notifier
	chat     ChatSink
	journal  Journal

	autoReconnectDefault bool
	logTail              int
}

// ControllerOpts holds parameters for creating a Controller.
type ControllerOpts struct {
	Store   *Store
	Dialer  Dialer
	Backoff Backoff // zero value uses DefaultBackoff
	Clock   Clock   // defaults to wall clock
	// Resolve maps an account ID to its login identity. Defaults to using
	// the ID as an offline username.
	Resolve func(id string) Identity

	Publisher Publisher // optional
	Notifier  Notifier  // optional
	Chat      ChatSink  // optional
	Journal   Journal   // optional

	// AutoReconnect is the initial auto-reconnect flag for new records.
	AutoReconnect bool
	// LogTail is how many log entries published snapshots carry (default 50).
	LogTail int
}

// NewController creates a Controller.
func NewController(opts ControllerOpts) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session: controller: store is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("session: controller: dialer is required")
	}
	c := &Controller{
		store:                opts.Store,
		dialer:               opts.Dialer,
		backoff:              opts.Backoff,
		clock:                opts.Clock,
		resolve:              opts.Resolve,
		pub:                  opts.Publisher,
		notifier:             opts.Notifier,
		chat:                 opts.Chat,
		journal:              opts.Journal,
		autoReconnectDefault: opts.AutoReconnect,
		logTail:              opts.LogTail,
	}
	if c.backoff == (Backoff{}) {
		c.backoff = DefaultBackoff()
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	if c.resolve == nil {
		c.resolve = func(id string) Identity {
			return Identity{AccountID: id, Username: id, Auth: "offline"}
		}
	}
	if c.logTail <= 0 {
		c.logTail = 50
	}
	return c, nil
}

// Start opens a new connection for the account, creating its record on first
// use. It returns ErrAlreadyActive if a connection attempt is already live.
// A failure to open the connection is not returned: it moves the session to
// the error state and schedules a reconnect like any other unplanned end.
func (c *Controller) Start(ctx context.Context, id string) error {
	rec, created := c.store.getOrCreate(id, c.autoReconnectDefault, c.clock.Now())
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !created && rec.state.Active() {
		return fmt.Errorf("session: start %s: %w", id, ErrAlreadyActive)
	}
	c.startLocked(ctx, rec, false)
	return nil
}

// StartAll starts each account in order, skipping ones already active. It
// returns the other failures joined.
func (c *Controller) StartAll(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := c.Start(ctx, id); err != nil && !errors.Is(err, ErrAlreadyActive) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// startLocked begins a connection attempt. rec.mu must be held.
func (c *Controller) startLocked(ctx context.Context, rec *Record, reconnect bool) {
	rec.cancelTimerLocked()
	if rec.conn != nil {
		// Only reachable if a terminal transition forgot to release it.
		if err := rec.conn.Close(); err != nil {
			log.Printf("session: [%s] close stale connection: %v", rec.id, err)
		}
		rec.conn = nil
	}

	rec.attempt++
	gen := rec.attempt
	rec.manualStop = false
	rec.endHandled = false
	rec.challenge = nil
	rec.state = StateConnecting
	if reconnect {
		rec.reconnectAttempts++
	} else {
		rec.reconnectAttempts = 0
	}

	ident := c.resolve(rec.id)
	if ident.AccountID == "" {
		ident.AccountID = rec.id
	}
	rec.username = ident.Username

	if reconnect {
		c.logLocked(rec, "reconnecting as %s (attempt %d)", ident.Username, rec.reconnectAttempts)
	} else {
		c.logLocked(rec, "connecting as %s", ident.Username)
	}
	c.publishLocked(rec)

	id := rec.id
	conn, err := c.dialer.Open(ctx, ident, func(ch AuthChallenge) {
		c.handleAuthChallenge(id, gen, ch)
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConnectionOpen, err)
		rec.endHandled = true
		rec.state = StateError
		rec.lastEnd = err.Error()
		c.logLocked(rec, "failed to connect: %v", err)
		c.publishLocked(rec)
		c.notifyLocked(rec, "Connection failed", err.Error(), SeverityError)
		c.scheduleLocked(rec)
		return
	}
	rec.conn = conn
	go c.pump(id, gen, conn)
}

// Stop disconnects the account on operator request. Auto-reconnect is turned
// off and any pending reconnect is cancelled before the connection is closed,
// so the close cannot feed back into the reconnect path.
func (c *Controller) Stop(id string) error {
	rec, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("session: stop %s: %w", id, ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.autoReconnect = false
	c.haltLocked(rec, "stopped by operator")
	return nil
}

// StopAll halts every session without scheduling reconnects. Used on shutdown.
func (c *Controller) StopAll() {
	for _, rec := range c.store.All() {
		rec.mu.Lock()
		if rec.state.Active() || rec.timer != nil {
			c.haltLocked(rec, "shutting down")
		}
		rec.mu.Unlock()
	}
}

// haltLocked performs a manual stop transition. rec.mu must be held.
func (c *Controller) haltLocked(rec *Record, why string) {
	rec.manualStop = true
	rec.endHandled = true
	rec.cancelTimerLocked()

	if rec.conn != nil {
		if err := rec.conn.Close(); err != nil {
			log.Printf("session: [%s] close: %v", rec.id, err)
		}
		rec.conn = nil
	}
	rec.challenge = nil
	rec.state = StateOffline
	rec.lastEnd = why
	c.logLocked(rec, "%s", why)
	c.publishLocked(rec)
}

// SetAutoReconnect toggles automatic reconnection. It does not arm or cancel
// timers itself; a pending timer re-checks the flag when it fires.
func (c *Controller) SetAutoReconnect(id string, enabled bool) error {
	rec, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("session: set auto-reconnect %s: %w", id, ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.autoReconnect = enabled
	if enabled {
		c.logLocked(rec, "auto-reconnect enabled")
	} else {
		c.logLocked(rec, "auto-reconnect disabled")
	}
	c.publishLocked(rec)
	return nil
}

// SendMessage forwards a chat line to an online session.
func (c *Controller) SendMessage(id, text string) error {
	rec, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("session: send %s: %w", id, ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state != StateOnline || rec.conn == nil {
		return fmt.Errorf("session: send %s: %w", id, ErrBotOffline)
	}
	if err := rec.conn.Send(text); err != nil {
		c.logLocked(rec, "send failed: %v", err)
		c.publishLocked(rec)
		return fmt.Errorf("session: send %s: %w", id, err)
	}
	c.logLocked(rec, "sent: %s", text)
	c.publishLocked(rec)
	return nil
}

// Snapshot returns the full current view of one session.
func (c *Controller) Snapshot(id string) (Snapshot, error) {
	rec, ok := c.store.Get(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("session: snapshot %s: %w", id, ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshotLocked(0), nil
}

// Snapshots returns every session, each with the published log tail.
func (c *Controller) Snapshots() []Snapshot {
	recs := c.store.All()
	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.snapshotLocked(c.logTail))
		rec.mu.Unlock()
	}
	return out
}

// handleAuthChallenge runs when the dialer needs out-of-band verification.
func (c *Controller) handleAuthChallenge(id string, gen uint64, ch AuthChallenge) {
	rec, ok := c.store.Get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.attempt != gen || rec.endHandled {
		return
	}
	if rec.state != StateConnecting && rec.state != StateAuthRequired {
		return
	}
	rec.challenge = &ch
	rec.state = StateAuthRequired
	c.logLocked(rec, "authentication required: open %s and enter code %s", ch.VerificationURI, ch.UserCode)
	c.publishLocked(rec)
	c.notifyLocked(rec, "Authentication required",
		fmt.Sprintf("Open %s and enter code **%s** (expires in %ds)", ch.VerificationURI, ch.UserCode, ch.ExpiresIn),
		SeverityWarning)
}

// pump feeds one connection's events into the controller until it finishes.
// A stream that closes without an end signal counts as a clean close.
func (c *Controller) pump(id string, gen uint64, conn Conn) {
	for ev := range conn.Events() {
		c.handleEvent(id, gen, ev)
	}
	c.handleEvent(id, gen, Event{Kind: EventEnded, Reason: EndCleanClose})
}

// handleEvent applies one connection event to the record it belongs to.
func (c *Controller) handleEvent(id string, gen uint64, ev Event) {
	rec, ok := c.store.Get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.attempt != gen {
		return
	}

	switch ev.Kind {
	case EventJoined:
		if rec.endHandled {
			return
		}
		c.logLocked(rec, "joined server")
		c.publishLocked(rec)
	case EventSpawned:
		if rec.endHandled {
			return
		}
		if rec.state == StateOnline {
			c.logLocked(rec, "respawned")
			c.publishLocked(rec)
			return
		}
		rec.state = StateOnline
		rec.reconnectAttempts = 0
		rec.challenge = nil
		rec.lastEnd = ""
		c.logLocked(rec, "spawned in world, online")
		c.publishLocked(rec)
		c.notifyLocked(rec, "Bot online", fmt.Sprintf("%s is online", displayName(rec)), SeveritySuccess)
	case EventText:
		if rec.endHandled {
			return
		}
		c.logLocked(rec, "chat: %s", ev.Text)
		if c.chat != nil {
			c.chat.GameChat(rec.id, ev.Text)
		}
	case EventEnded:
		c.endLocked(rec, ev)
	}
}

// logLocked appends to the record's log, the process log and the journal.
func (c *Controller) logLocked(rec *Record, format string, args ...any) {
	e := LogEntry{Time: c.clock.Now(), Message: fmt.Sprintf(format, args...)}
	rec.appendLog(e)
	rec.updatedAt = e.Time
	log.Printf("session: [%s] %s", rec.id, e.Message)
	if c.journal != nil {
		c.journal.Append(rec.id, rec.state, e)
	}
}

func (c *Controller) publishLocked(rec *Record) {
	if c.pub == nil {
		return
	}
	c.pub.Publish(rec.snapshotLocked(c.logTail))
}

func (c *Controller) notifyLocked(rec *Record, title, body string, sev Severity) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(Notification{
		AccountID: rec.id,
		Title:     fmt.Sprintf("%s: %s", displayName(rec), title),
		Body:      body,
		Severity:  sev,
	})
}

func displayName(rec *Record) string {
	if rec.username != "" {
		return rec.username
	}
	return rec.id
}
