// Package history persists session log lines so they outlive the in-memory
// ring kept by each session record.
package history

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"gorm.io/gorm"

	"github.com/zulandar/botfleet/internal/models"
	"github.com/zulandar/botfleet/internal/session"
)

const defaultQueue = 1024

// Store implements session.Journal. Append only enqueues; Run writes and
// prunes each account back to Keep rows after every Keep writes for it.
type Store struct {
	db      *gorm.DB
	queue   chan models.SessionEvent
	keep    int
	writes  map[string]int // owned by Run
	dropped atomic.Int64
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	DB    *gorm.DB
	Queue int // pending entries before Append starts dropping, defaults to 1024
	Keep  int // rows retained per account, 0 keeps everything
}

// NewStore creates a Store. The schema must already be migrated.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("history: db is required")
	}
	n := opts.Queue
	if n <= 0 {
		n = defaultQueue
	}
	if opts.Keep < 0 {
		return nil, fmt.Errorf("history: keep must be >= 0")
	}
	return &Store{
		db:     opts.DB,
		queue:  make(chan models.SessionEvent, n),
		keep:   opts.Keep,
		writes: make(map[string]int),
	}, nil
}

// Append queues one log entry. When the queue is full the entry is dropped.
func (s *Store) Append(accountID string, state session.State, e session.LogEntry) {
	ev := models.SessionEvent{
		Account:   accountID,
		State:     string(state),
		Message:   e.Message,
		CreatedAt: e.Time,
	}
	select {
	case s.queue <- ev:
	default:
		if s.dropped.Add(1) == 1 {
			log.Printf("history: queue full, dropping entries")
		}
	}
}

// Dropped returns how many entries were discarded because the queue was full.
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

// Run writes queued entries until ctx is cancelled, then flushes what is
// already queued.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case ev := <-s.queue:
			s.write(ev)
		}
	}
}

func (s *Store) flush() {
	for {
		select {
		case ev := <-s.queue:
			s.write(ev)
		default:
			return
		}
	}
}

func (s *Store) write(ev models.SessionEvent) {
	if err := s.db.Create(&ev).Error; err != nil {
		log.Printf("history: write %s: %v", ev.Account, err)
		return
	}
	if s.keep <= 0 {
		return
	}
	s.writes[ev.Account]++
	if s.writes[ev.Account] < s.keep {
		return
	}
	s.writes[ev.Account] = 0
	// Run's ctx may already be cancelled while flushing.
	if _, err := s.Prune(context.Background(), ev.Account, s.keep); err != nil {
		log.Printf("history: %v", err)
	}
}

// Recent returns up to limit entries for account, oldest first.
func (s *Store) Recent(ctx context.Context, account string, limit int) ([]models.SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.SessionEvent
	err := s.db.WithContext(ctx).
		Where("account = ?", account).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history: recent %s: %w", account, err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// Prune deletes entries older than the newest keep rows per account.
func (s *Store) Prune(ctx context.Context, account string, keep int) (int64, error) {
	var cutoff models.SessionEvent
	err := s.db.WithContext(ctx).
		Where("account = ?", account).
		Order("id DESC").
		Offset(keep).
		Limit(1).
		Find(&cutoff).Error
	if err != nil {
		return 0, fmt.Errorf("history: prune %s: %w", account, err)
	}
	if cutoff.ID == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("account = ? AND id <= ?", account, cutoff.ID).
		Delete(&models.SessionEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("history: prune %s: %w", account, res.Error)
	}
	return res.RowsAffected, nil
}
