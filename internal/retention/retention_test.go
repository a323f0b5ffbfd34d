package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
)

func TestRunOncePurgesOnlyAgedSoftDeletes(t *testing.T) {
	if err := store.Open(filepath.Join(t.TempDir(), "db")); err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now().UTC().UnixNano()
	old := models.Thread{ID: "t_old", HandlerType: "support", Deleted: true,
		DeletedTS: now - (48 * time.Hour).Nanoseconds()}
	fresh := models.Thread{ID: "t_fresh", HandlerType: "support", Deleted: true, DeletedTS: now}
	live := models.Thread{ID: "t_live", HandlerType: "support"}
	for _, th := range []models.Thread{old, fresh, live} {
		if err := store.SaveThread(th); err != nil {
			t.Fatalf("SaveThread: %v", err)
		}
	}

	s := New("", 24*time.Hour)
	purged, err := s.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	all, _ := store.ListThreads(true)
	ids := map[string]bool{}
	for _, th := range all {
		ids[th.ID] = true
	}
	if ids["t_old"] || !ids["t_fresh"] || !ids["t_live"] {
		t.Fatalf("remaining threads = %v", ids)
	}
}

func TestInvalidCronDisablesSweeper(t *testing.T) {
	s := New("not a cron", time.Hour)
	// Start must not panic or spin; it just refuses to schedule
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)
}
