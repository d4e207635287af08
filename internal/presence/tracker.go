// Package presence keeps ephemeral online/last-seen state per user. It is
// separate from user profiles and may be lost on restart; connection events
// rebuild it.
package presence

import (
	"context"
	"sync"
	"time"

	"metachat/messaging-service/internal/models"
)

type Tracker interface {
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string) error
	// Get returns presence for the requested users. Users never seen are
	// reported offline with a zero LastSeen.
	Get(ctx context.Context, userIDs ...string) (map[string]models.Presence, error)
}

type MemoryTracker struct {
	mu    sync.RWMutex
	state map[string]models.Presence
	now   func() time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		state: make(map[string]models.Presence),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (t *MemoryTracker) MarkOnline(_ context.Context, userID string) error {
	t.set(userID, true)
	return nil
}

func (t *MemoryTracker) MarkOffline(_ context.Context, userID string) error {
	t.set(userID, false)
	return nil
}

func (t *MemoryTracker) set(userID string, online bool) {
	t.mu.Lock()
	t.state[userID] = models.Presence{UserID: userID, Online: online, LastSeen: t.now()}
	t.mu.Unlock()
}

func (t *MemoryTracker) Get(_ context.Context, userIDs ...string) (map[string]models.Presence, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]models.Presence, len(userIDs))
	for _, id := range userIDs {
		p, ok := t.state[id]
		if !ok {
			p = models.Presence{UserID: id}
		}
		result[id] = p
	}
	return result, nil
}
