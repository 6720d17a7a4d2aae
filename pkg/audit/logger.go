// Package audit keeps an append-only JSONL trail of hook activity. When a
// renewal fails weeks after a registration, the trail answers "what did the
// hook actually do, and when".
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ActivityType classifies a logged activity.
type ActivityType string

const (
	ActivityRegistered     ActivityType = "account.registered"
	ActivityReused         ActivityType = "account.reused"
	ActivityRemoved        ActivityType = "account.removed"
	ActivityTXTUpdated     ActivityType = "txt.updated"
	ActivityCNAMEPublished ActivityType = "cname.published"
	ActivityHookFailed     ActivityType = "hook.failed"
)

// Activity is one logged event.
type Activity struct {
	Type       ActivityType `json:"type"`
	Domain     string       `json:"domain"`
	FullDomain string       `json:"fulldomain,omitempty"`
	Error      string       `json:"error,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Logger records hook activity.
type Logger interface {
	Log(activity *Activity) error
}

// FileLogger appends activities to daily JSONL files.
type FileLogger struct {
	basePath string
	mu       sync.Mutex
}

// NewFileLogger creates a file-backed logger rooted at basePath.
func NewFileLogger(basePath string) (*FileLogger, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	return &FileLogger{basePath: basePath}, nil
}

// Log appends the activity to today's log file.
func (l *FileLogger) Log(activity *Activity) error {
	if activity.Timestamp.IsZero() {
		activity.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fileName := filepath.Join(l.basePath, activity.Timestamp.Format("2006-01-02")+".jsonl")
	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(activity); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// NoOpLogger discards all activity.
type NoOpLogger struct{}

// Log does nothing.
func (NoOpLogger) Log(*Activity) error { return nil }
