// Package audit provides an append-only log of privileged and money-moving
// actions. Writes are fire-and-forget from the engines' perspective: a failed
// audit write is logged but never rolls back a state transition.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry represents a single audit record.
type Entry struct {
	ID         int64     `json:"id"`
	ActorID    string    `json:"actorId"`
	Action     string    `json:"action"`
	TargetType string    `json:"targetType"`
	TargetID   string    `json:"targetId"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, actorID, action, targetType, targetID, details string) error
	Query(ctx context.Context, targetType, targetID string, limit int) ([]*Entry, error)
}

// Log wraps a Recorder with best-effort semantics.
type Log struct {
	rec    Recorder
	logger *slog.Logger
}

// NewLog creates a best-effort audit log over a recorder.
func NewLog(rec Recorder, logger *slog.Logger) *Log {
	return &Log{rec: rec, logger: logger}
}

// Record writes an entry, logging (not returning) any failure.
func (l *Log) Record(ctx context.Context, actorID, action, targetType, targetID, details string) {
	if l == nil || l.rec == nil {
		return
	}
	if err := l.rec.Record(ctx, actorID, action, targetType, targetID, details); err != nil {
		l.logger.Warn("audit record failed",
			"actor", actorID, "action", action, "target", targetID, "error", err)
	}
}

// MemoryRecorder is an in-memory audit recorder for demo/development mode.
type MemoryRecorder struct {
	mu      sync.RWMutex
	entries []*Entry
	nextID  int64
}

// NewMemoryRecorder creates a new in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{nextID: 1}
}

func (m *MemoryRecorder) Record(ctx context.Context, actorID, action, targetType, targetID, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, &Entry{
		ID:         m.nextID,
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
		CreatedAt:  time.Now(),
	})
	m.nextID++
	return nil
}

func (m *MemoryRecorder) Query(ctx context.Context, targetType, targetID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var result []*Entry
	// Newest first.
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if targetType != "" && e.TargetType != targetType {
			continue
		}
		if targetID != "" && e.TargetID != targetID {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}
