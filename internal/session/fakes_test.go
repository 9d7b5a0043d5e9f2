package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- Fake connection ---

type fakeConn struct {
	mu        sync.Mutex
	events    chan Event
	sent      []string
	sendErr   error
	closed    bool
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 16)}
}

func (f *fakeConn) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeConn) Events() <-chan Event { return f.events }

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// --- Fake dialer ---

type openCall struct {
	id     Identity
	onAuth func(AuthChallenge)
	conn   *fakeConn
}

type fakeDialer struct {
	mu      sync.Mutex
	calls   []openCall
	openErr error
}

func (d *fakeDialer) Open(ctx context.Context, id Identity, onAuth func(AuthChallenge)) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		d.calls = append(d.calls, openCall{id: id, onAuth: onAuth})
		return nil, d.openErr
	}
	conn := newFakeConn()
	d.calls = append(d.calls, openCall{id: id, onAuth: onAuth, conn: conn})
	return conn, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDialer) last() openCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[len(d.calls)-1]
}

// --- Fake clock ---

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTimer) live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if t.live() {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// fire runs the timer's callback as if it expired. force runs it even when
// stopped, simulating a callback that raced with Stop.
func (t *fakeTimer) fire(force bool) {
	t.mu.Lock()
	if t.stopped && !force {
		t.mu.Unlock()
		return
	}
	t.fired = true
	f := t.f
	t.mu.Unlock()
	f()
}

// --- Fake collaborators ---

type fakePublisher struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (p *fakePublisher) Publish(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, s)
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snaps)
}

func (p *fakePublisher) last() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snaps) == 0 {
		return Snapshot{}
	}
	return p.snaps[len(p.snaps)-1]
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *fakeNotifier) Notify(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *fakeNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.notes))
	copy(out, n.notes)
	return out
}

type fakeChat struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeChat) GameChat(accountID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, accountID+": "+text)
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []string
}

func (j *fakeJournal) Append(accountID string, state State, e LogEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf("%s/%s/%s", accountID, state, e.Message))
}

// --- Harness ---

type harness struct {
	ctrl     *Controller
	store    *Store
	dialer   *fakeDialer
	clock    *fakeClock
	pub      *fakePublisher
	notifier *fakeNotifier
	chat     *fakeChat
	journal  *fakeJournal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    NewStore(),
		dialer:   &fakeDialer{},
		clock:    newFakeClock(),
		pub:      &fakePublisher{},
		notifier: &fakeNotifier{},
		chat:     &fakeChat{},
		journal:  &fakeJournal{},
	}
	ctrl, err := NewController(ControllerOpts{
		Store:         h.store,
		Dialer:        h.dialer,
		Clock:         h.clock,
		Publisher:     h.pub,
		Notifier:      h.notifier,
		Chat:          h.chat,
		Journal:       h.journal,
		AutoReconnect: true,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	h.ctrl = ctrl
	return h
}

// record returns the live record for id, failing the test if absent.
func (h *harness) record(t *testing.T, id string) *Record {
	t.Helper()
	rec, ok := h.store.Get(id)
	if !ok {
		t.Fatalf("no record for %q", id)
	}
	return rec
}

// gen returns the current attempt number for id.
func (h *harness) gen(t *testing.T, id string) uint64 {
	t.Helper()
	rec := h.record(t, id)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.attempt
}

// emit delivers ev to the current attempt of id synchronously.
func (h *harness) emit(t *testing.T, id string, ev Event) {
	t.Helper()
	h.ctrl.handleEvent(id, h.gen(t, id), ev)
}

func (h *harness) snapshot(t *testing.T, id string) Snapshot {
	t.Helper()
	s, err := h.ctrl.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot(%q): %v", id, err)
	}
	return s
}

func (h *harness) startOnline(t *testing.T, id string) {
	t.Helper()
	if err := h.ctrl.Start(context.Background(), id); err != nil {
		t.Fatalf("Start(%q): %v", id, err)
	}
	h.emit(t, id, Event{Kind: EventSpawned})
	if got := h.snapshot(t, id).State; got != StateOnline {
		t.Fatalf("state = %s, want %s", got, StateOnline)
	}
}

func countLogs(s Snapshot, substr string) int {
	n := 0
	for _, e := range s.Logs {
		if strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
