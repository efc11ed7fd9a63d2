// Package notify delivers user-facing notifications.
//
// Notifications are stored for later retrieval and, when the user has a live
// WebSocket connection, pushed immediately through the hub. Delivery is
// fire-and-forget: a notification failure never rolls back the state
// transition that produced it.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/campusmarket/securepay/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

var ErrNotificationNotFound = errors.New("notification not found")

var (
	notifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "securepay",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by kind.",
	}, []string{"kind"})

	notifyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "securepay",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(notifyTotal, notifyErrors)
}

// Notification is a stored user notification.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, id, userID string) error
	Prune(ctx context.Context, userID string, keep int) error
}

// Pusher delivers a notification to live connections. Implemented by Hub.
type Pusher interface {
	Push(userID string, n *Notification)
}

// Service stores and pushes notifications. All methods are fire-and-forget:
// errors are counted and logged, never returned.
type Service struct {
	store   Store
	pusher  Pusher
	logger  *slog.Logger
	backlog int
}

// NewService creates a notification service. pusher may be nil.
func NewService(store Store, pusher Pusher, logger *slog.Logger, backlog int) *Service {
	if backlog <= 0 {
		backlog = 200
	}
	return &Service{store: store, pusher: pusher, logger: logger, backlog: backlog}
}

// Notify stores a notification for the user and pushes it to live connections.
func (s *Service) Notify(ctx context.Context, userID, kind, title, message string) {
	if s == nil || s.store == nil {
		return
	}
	notifyTotal.WithLabelValues(kind).Inc()

	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Kind:      kind,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now(),
	}

	if err := s.store.Create(ctx, n); err != nil {
		notifyErrors.WithLabelValues(kind).Inc()
		s.logger.Warn("notification store failed", "user", userID, "kind", kind, "error", err)
		return
	}
	_ = s.store.Prune(ctx, userID, s.backlog)

	if s.pusher != nil {
		s.pusher.Push(userID, n)
	}
}

// List returns the user's stored notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// MarkRead marks one of the user's notifications as read.
func (s *Service) MarkRead(ctx context.Context, id, userID string) error {
	return s.store.MarkRead(ctx, id, userID)
}

// MemoryStore is an in-memory notification store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	byUser map[string][]*Notification
}

// NewMemoryStore creates a new in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byUser: make(map[string][]*Notification)}
}

func (m *MemoryStore) Create(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byUser[n.UserID] = append(m.byUser[n.UserID], n)
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.byUser[userID]
	var result []*Notification
	for i := len(list) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *list[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) MarkRead(ctx context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.byUser[userID] {
		if n.ID == id {
			n.Read = true
			return nil
		}
	}
	return ErrNotificationNotFound
}

func (m *MemoryStore) Prune(ctx context.Context, userID string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.byUser[userID]
	if len(list) > keep {
		m.byUser[userID] = append([]*Notification(nil), list[len(list)-keep:]...)
	}
	return nil
}
