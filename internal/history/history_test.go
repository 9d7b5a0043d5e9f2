package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/botfleet/internal/db"
	"github.com/zulandar/botfleet/internal/models"
	"github.com/zulandar/botfleet/internal/session"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// One connection so every query sees the same in-memory database.
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func count(t *testing.T, gdb *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := gdb.Model(&models.SessionEvent{}).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

func TestNewStore_RequiresDB(t *testing.T) {
	if _, err := NewStore(StoreOpts{}); err == nil {
		t.Error("expected error for nil db")
	}
}

func TestStore_RunWritesAndRecent(t *testing.T) {
	gdb := testDB(t)
	s, err := NewStore(StoreOpts{DB: gdb})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.Append("miner", session.StateConnecting, session.LogEntry{Time: base, Message: "connecting as miner"})
	s.Append("guard", session.StateConnecting, session.LogEntry{Time: base, Message: "connecting as guard"})
	s.Append("miner", session.StateOnline, session.LogEntry{Time: base.Add(time.Second), Message: "spawned in world, online"})

	deadline := time.Now().Add(2 * time.Second)
	for count(t, gdb) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	rows, err := s.Recent(context.Background(), "miner", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}
	if rows[0].Message != "connecting as miner" || rows[1].State != "online" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestStore_FlushOnCancel(t *testing.T) {
	gdb := testDB(t)
	s, _ := NewStore(StoreOpts{DB: gdb})

	for i := 0; i < 5; i++ {
		s.Append("a", session.StateOnline, session.LogEntry{Time: time.Now(), Message: fmt.Sprintf("m%d", i)})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)

	if n := count(t, gdb); n != 5 {
		t.Errorf("rows = %d, want 5", n)
	}
}

func TestNewStore_RejectsNegativeKeep(t *testing.T) {
	if _, err := NewStore(StoreOpts{DB: testDB(t), Keep: -1}); err == nil {
		t.Error("expected error for negative keep")
	}
}

func TestStore_RunPrunesToKeep(t *testing.T) {
	gdb := testDB(t)
	s, _ := NewStore(StoreOpts{DB: gdb, Keep: 3})

	for i := 0; i < 6; i++ {
		s.Append("a", session.StateOnline, session.LogEntry{Time: time.Now(), Message: fmt.Sprintf("m%d", i)})
	}
	s.Append("b", session.StateOnline, session.LogEntry{Time: time.Now(), Message: "other"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)

	rows, err := s.Recent(context.Background(), "a", 100)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m3", "m4", "m5"}
	if len(rows) != len(want) {
		t.Fatalf("rows = %d, want %d", len(rows), len(want))
	}
	for i, w := range want {
		if rows[i].Message != w {
			t.Errorf("rows[%d] = %q, want %q", i, rows[i].Message, w)
		}
	}
	if n := count(t, gdb); n != 4 {
		t.Errorf("total rows = %d, want 4", n)
	}
}

func TestStore_AppendDropsWhenFull(t *testing.T) {
	s, _ := NewStore(StoreOpts{DB: testDB(t), Queue: 2})
	for i := 0; i < 5; i++ {
		s.Append("a", session.StateOnline, session.LogEntry{Message: "x"})
	}
	if s.Dropped() != 3 {
		t.Errorf("Dropped = %d, want 3", s.Dropped())
	}
}

func TestStore_RecentLimitKeepsNewest(t *testing.T) {
	gdb := testDB(t)
	s, _ := NewStore(StoreOpts{DB: gdb})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		s.write(models.SessionEvent{Account: "a", State: "online", Message: fmt.Sprintf("m%d", i), CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}

	rows, err := s.Recent(context.Background(), "a", 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m7", "m8", "m9"}
	if len(rows) != len(want) {
		t.Fatalf("len = %d, want %d", len(rows), len(want))
	}
	for i, w := range want {
		if rows[i].Message != w {
			t.Errorf("rows[%d] = %q, want %q", i, rows[i].Message, w)
		}
	}
}

func TestStore_Prune(t *testing.T) {
	gdb := testDB(t)
	s, _ := NewStore(StoreOpts{DB: gdb})
	for i := 0; i < 8; i++ {
		s.write(models.SessionEvent{Account: "a", Message: fmt.Sprintf("m%d", i), CreatedAt: time.Now()})
	}
	s.write(models.SessionEvent{Account: "b", Message: "other", CreatedAt: time.Now()})

	n, err := s.Prune(context.Background(), "a", 3)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("pruned = %d, want 5", n)
	}
	if total := count(t, gdb); total != 4 {
		t.Errorf("remaining = %d, want 4", total)
	}

	n, err = s.Prune(context.Background(), "a", 3)
	if err != nil || n != 0 {
		t.Errorf("second prune = %d, %v; want 0, nil", n, err)
	}
}
