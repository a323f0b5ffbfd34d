package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatrelay/pkg/models"
)

func openTestStore(t *testing.T) {
	t.Helper()
	if err := Open(filepath.Join(t.TempDir(), "db")); err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
}

func mustThread(t *testing.T, id string) models.Thread {
	t.Helper()
	th := models.Thread{ID: id, OwnerID: "u1", HandlerType: "support", CreatedTS: time.Now().UnixNano()}
	if err := SaveThread(th); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}
	return th
}

func TestAppendAssignsSequentialVariantIndexes(t *testing.T) {
	openTestStore(t)
	mustThread(t, "t1")

	root, err := Append("t1", "", models.RoleUser, "hello", nil)
	if err != nil {
		t.Fatalf("append root: %v", err)
	}
	if root.VariantIndex != 0 {
		t.Fatalf("root variant = %d, want 0", root.VariantIndex)
	}

	const n = 16
	var wg sync.WaitGroup
	indexes := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := Append("t1", root.ID, models.RoleAssistant, "v", nil)
			if err != nil {
				t.Errorf("concurrent append: %v", err)
				return
			}
			indexes <- m.VariantIndex
		}()
	}
	wg.Wait()
	close(indexes)

	seen := map[int]bool{}
	for idx := range indexes {
		if seen[idx] {
			t.Fatalf("duplicate variant index %d", idx)
		}
		seen[idx] = true
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			t.Fatalf("missing variant index %d", i)
		}
	}
}

func TestAppendRejectsUnknownOrForeignParent(t *testing.T) {
	openTestStore(t)
	mustThread(t, "t1")
	mustThread(t, "t2")

	if _, err := Append("t1", "msg_nope", models.RoleUser, "x", nil); !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("unknown parent: got %v, want ErrParentNotFound", err)
	}

	other, err := Append("t2", "", models.RoleUser, "x", nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := Append("t1", other.ID, models.RoleUser, "x", nil); !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("foreign parent: got %v, want ErrParentNotFound", err)
	}
}

func TestSetActiveIsExclusiveAmongSiblings(t *testing.T) {
	openTestStore(t)
	mustThread(t, "t1")

	root, _ := Append("t1", "", models.RoleUser, "q", nil)
	a, _ := Append("t1", root.ID, models.RoleAssistant, "first", nil)
	b, _ := Append("t1", root.ID, models.RoleAssistant, "second", nil)

	if err := SetActive(a.ID); err != nil {
		t.Fatalf("SetActive a: %v", err)
	}
	if err := SetActive(b.ID); err != nil {
		t.Fatalf("SetActive b: %v", err)
	}

	sibs, err := LoadSiblings(b.ID)
	if err != nil {
		t.Fatalf("LoadSiblings: %v", err)
	}
	active := 0
	for _, s := range sibs {
		if s.IsActive {
			active++
			if s.ID != b.ID {
				t.Fatalf("active sibling = %s, want %s", s.ID, b.ID)
			}
		}
	}
	if active != 1 {
		t.Fatalf("active count = %d, want 1", active)
	}
}

func TestLoadPathRootToLeafAndActivePath(t *testing.T) {
	openTestStore(t)
	mustThread(t, "t1")

	m1, _ := Append("t1", "", models.RoleUser, "one", nil)
	_ = SetActive(m1.ID)
	m2, _ := Append("t1", m1.ID, models.RoleAssistant, "two", nil)
	_ = SetActive(m2.ID)
	m3, _ := Append("t1", m2.ID, models.RoleUser, "three", nil)
	_ = SetActive(m3.ID)

	path, err := LoadPath("t1", m3.ID)
	if err != nil {
		t.Fatalf("LoadPath: %v", err)
	}
	want := []string{m1.ID, m2.ID, m3.ID}
	if len(path) != len(want) {
		t.Fatalf("path length = %d, want %d", len(path), len(want))
	}
	for i, id := range want {
		if path[i].ID != id {
			t.Fatalf("path[%d] = %s, want %s", i, path[i].ID, id)
		}
	}

	// active path matches since every appended message was activated
	active, err := LoadPath("t1", "")
	if err != nil {
		t.Fatalf("active path: %v", err)
	}
	if len(active) != 3 || active[2].ID != m3.ID {
		t.Fatalf("active path leaf = %v", active)
	}

	// switching an upper variant reroutes the active path
	alt, _ := Append("t1", m1.ID, models.RoleAssistant, "two-alt", nil)
	_ = SetActive(alt.ID)
	active, _ = LoadPath("t1", "")
	if len(active) != 2 || active[1].ID != alt.ID {
		t.Fatalf("rerouted active path = %v", active)
	}
}

func TestPendingAppendContentAndFinalize(t *testing.T) {
	openTestStore(t)
	mustThread(t, "t1")

	root, _ := Append("t1", "", models.RoleUser, "q", nil)
	pending, err := AppendPending("t1", root.ID, "msg_pending1", models.RoleAssistant)
	if err != nil {
		t.Fatalf("AppendPending: %v", err)
	}
	if pending.Completed {
		t.Fatal("pending message must start incomplete")
	}

	if err := AppendContent(pending.ID, "a"); err != nil {
		t.Fatalf("AppendContent: %v", err)
	}
	if err := AppendContent(pending.ID, "b"); err != nil {
		t.Fatalf("AppendContent: %v", err)
	}

	final, err := Finalize(pending.ID, false)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if final.Content != "ab" {
		t.Fatalf("content = %q, want %q", final.Content, "ab")
	}
	if final.Completed {
		t.Fatal("cancelled message must stay completed=false")
	}

	// idempotent with the same flag
	if _, err := Finalize(pending.ID, false); err != nil {
		t.Fatalf("repeat Finalize: %v", err)
	}

	// a completed message rejects further content
	if _, err := Finalize(pending.ID, true); err != nil {
		t.Fatalf("Finalize complete: %v", err)
	}
	if err := AppendContent(pending.ID, "c"); err == nil {
		t.Fatal("AppendContent after completion must fail")
	}
}

func TestSoftDeleteAndPurge(t *testing.T) {
	openTestStore(t)
	mustThread(t, "t1")
	m, _ := Append("t1", "", models.RoleUser, "q", nil)

	if err := SoftDeleteThread("t1", "admin1"); err != nil {
		t.Fatalf("SoftDeleteThread: %v", err)
	}
	th, err := GetThread("t1")
	if err != nil {
		t.Fatalf("GetThread after soft delete: %v", err)
	}
	if !th.Deleted || th.DeletedTS == 0 {
		t.Fatalf("thread not marked deleted: %+v", th)
	}

	visible, _ := ListThreads(false)
	if len(visible) != 0 {
		t.Fatalf("soft-deleted thread still listed: %v", visible)
	}
	all, _ := ListThreads(true)
	if len(all) != 1 {
		t.Fatalf("include_deleted listing = %v", all)
	}

	if err := PurgeThread("t1"); err != nil {
		t.Fatalf("PurgeThread: %v", err)
	}
	if _, err := GetThread("t1"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("purged thread lookup: %v", err)
	}
	if _, err := LoadMessage(m.ID); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("purged message lookup: %v", err)
	}
}
