package presence

import (
	"context"
	"testing"
	"time"
)

func TestMemoryTrackerTransitions(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker()

	states, err := tr.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if states["alice"].Online || !states["alice"].LastSeen.IsZero() {
		t.Fatalf("unseen user should be offline with zero lastSeen: %+v", states["alice"])
	}

	before := time.Now().UTC()
	if err := tr.MarkOnline(ctx, "alice"); err != nil {
		t.Fatalf("online: %v", err)
	}
	states, _ = tr.Get(ctx, "alice")
	online := states["alice"]
	if !online.Online || online.LastSeen.Before(before) {
		t.Fatalf("unexpected online state %+v", online)
	}

	if err := tr.MarkOffline(ctx, "alice"); err != nil {
		t.Fatalf("offline: %v", err)
	}
	states, _ = tr.Get(ctx, "alice", "bob")
	offline := states["alice"]
	if offline.Online || offline.LastSeen.Before(online.LastSeen) {
		t.Fatalf("unexpected offline state %+v", offline)
	}
	if _, ok := states["bob"]; !ok || states["bob"].UserID != "bob" {
		t.Fatalf("every requested user should be present in the result")
	}
}
