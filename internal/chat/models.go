package chat

import (
	"time"

	"gorm.io/datatypes"
)

type Thread struct {
	ID        uint64     `gorm:"primaryKey;autoIncrement" json:"-"`
	ThreadID  string     `gorm:"type:varchar(26);uniqueIndex;not null" json:"thread_id"`
	UserID    string     `gorm:"type:varchar(191);not null;index:idx_chat_thread_user_active,priority:1" json:"-"`
	Title     string     `gorm:"type:varchar(200);not null" json:"title"`
	Deleted   bool       `gorm:"not null;default:false;index:idx_chat_thread_user_active,priority:2" json:"-"`
	DeletedAt *time.Time `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (Thread) TableName() string { return "chat_threads" }

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Record is one transcript entry.
type Record struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Incomplete bool      `json:"incomplete,omitempty"`
	Flagged    bool      `json:"flagged,omitempty"`
}

// Transcript holds the ordered records of one thread in a single row.
// Version increments on every append and guards concurrent writers.
type Transcript struct {
	ThreadID  string         `gorm:"type:varchar(26);primaryKey" json:"thread_id"`
	UserID    string         `gorm:"type:varchar(191);not null;index" json:"-"`
	Records   datatypes.JSON `gorm:"not null" json:"records"`
	Version   int64          `gorm:"not null" json:"-"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (Transcript) TableName() string { return "chat_transcripts" }
