package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_760_000_000_000).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// seedMonitor stores an active monitor owned by a fresh user and returns it.
func seedMonitor(t *testing.T, store Store, url string) Monitor {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	user := User{ID: uuid.NewString(), Email: "owner@example.com", Name: "Owner"}
	if err := store.UpsertUser(ctx, user); err != nil {
		t.Fatalf("failed to upsert user: %v", err)
	}

	monitor := Monitor{
		ID:     uuid.NewString(),
		UserID: user.ID,
		Name:   "Test Monitor",
		URL:    url,
		Active: true,
	}.WithDefaults()
	if _, err := store.UpsertMonitor(ctx, monitor); err != nil {
		t.Fatalf("failed to upsert monitor: %v", err)
	}

	stored, err := store.GetMonitor(ctx, monitor.ID)
	if err != nil {
		t.Fatalf("failed to read monitor back: %v", err)
	}
	return stored
}
