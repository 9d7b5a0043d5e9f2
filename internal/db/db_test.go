package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/botfleet/internal/config"
	"github.com/zulandar/botfleet/internal/models"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		host     string
		port     int
		database string
		want     string
	}{
		{
			name:     "default local",
			user:     "root",
			host:     "127.0.0.1",
			port:     3306,
			database: "botfleet",
			want:     "root@tcp(127.0.0.1:3306)/botfleet?parseTime=true",
		},
		{
			name:     "custom host and user",
			user:     "fleet",
			host:     "db.vpc.internal",
			port:     3307,
			database: "history",
			want:     "fleet@tcp(db.vpc.internal:3307)/history?parseTime=true",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.user, tt.host, tt.port, tt.database); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.HistoryConfig{Driver: "postgres"})
	if err == nil || !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %v, want unsupported driver", err)
	}
}

func TestConnect_SqliteAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.db")
	gdb, err := Connect(config.HistoryConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer Close(gdb)

	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	if !gdb.Migrator().HasTable(&models.SessionEvent{}) {
		t.Error("session_events table missing after migrate")
	}
	// Migrating twice is harmless.
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("second AutoMigrate: %v", err)
	}
}

func TestAllModels(t *testing.T) {
	if n := len(AllModels()); n != 1 {
		t.Errorf("len(AllModels) = %d, want 1", n)
	}
}
