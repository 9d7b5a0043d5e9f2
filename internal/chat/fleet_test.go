package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/zulandar/botfleet/internal/session"
)

// fakeFleet records calls and returns canned errors.
type fakeFleet struct {
	mu       sync.Mutex
	started  []string
	stopped  []string
	sent     map[string][]string
	toggles  map[string]bool
	snaps    []session.Snapshot
	startErr error
	stopErr  error
	sendErr  error
	autoErr  error
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{sent: map[string][]string{}, toggles: map[string]bool{}}
}

func (f *fakeFleet) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return fmt.Errorf("session: start %s: %w", id, f.startErr)
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeFleet) Stop(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return fmt.Errorf("session: stop %s: %w", id, f.stopErr)
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeFleet) SetAutoReconnect(id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.autoErr != nil {
		return f.autoErr
	}
	f.toggles[id] = enabled
	return nil
}

func (f *fakeFleet) SendMessage(id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return fmt.Errorf("session: send %s: %w", id, f.sendErr)
	}
	f.sent[id] = append(f.sent[id], text)
	return nil
}

func (f *fakeFleet) Snapshots() []session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Snapshot(nil), f.snaps...)
}

func (f *fakeFleet) sentTo(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[id]...)
}
