// Package db opens the history database and migrates its schema.
package db

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/botfleet/internal/config"
)

// DSN builds a MySQL DSN.
func DSN(user, host string, port int, database string) string {
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", user, host, port, database)
}

// Connect opens a GORM connection for the configured history driver.
func Connect(cfg config.HistoryConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	var target string
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
		target = cfg.Path
	case "mysql":
		dialector = mysql.Open(DSN(cfg.User, cfg.Host, cfg.Port, cfg.Database))
		target = fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s %s: %w", cfg.Driver, target, err)
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("db: close: %w", err)
	}
	return sqlDB.Close()
}
