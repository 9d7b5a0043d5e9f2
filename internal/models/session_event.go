package models

import "time"

// SessionEvent is one persisted session log line.
type SessionEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Account   string    `gorm:"size:64;index:idx_account_created" json:"account"`
	State     string    `gorm:"size:16" json:"state"`
	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `gorm:"index:idx_account_created" json:"created_at"`
}
