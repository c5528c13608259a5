package contextstore

import (
	"strings"
	"testing"
	"time"

	"github.com/loopsy-mesh/loopsyd/internal/apierr"
)

func TestSetAndGet(t *testing.T) {
	s := New(t.TempDir())
	e, err := s.Set("build.status", "green", "node-a", 0)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if e.CreatedAt == 0 || e.UpdatedAt == 0 {
		t.Fatalf("expected timestamps to be stamped, got %+v", e)
	}

	got, ok := s.Get("build.status")
	if !ok || got.Value != "green" {
		t.Fatalf("Get = %+v, ok=%v", got, ok)
	}
}

func TestSetPreservesCreatedAtOnUpdate(t *testing.T) {
	s := New(t.TempDir())
	first, _ := s.Set("k", "v1", "node-a", 0)
	time.Sleep(2 * time.Millisecond)
	second, _ := s.Set("k", "v2", "node-a", 0)

	if second.CreatedAt != first.CreatedAt {
		t.Fatalf("CreatedAt changed across update: %d -> %d", first.CreatedAt, second.CreatedAt)
	}
	if second.UpdatedAt == first.UpdatedAt {
		t.Fatalf("expected UpdatedAt to advance")
	}
}

func TestSetRejectsOversizedValue(t *testing.T) {
	s := New(t.TempDir())
	big := strings.Repeat("x", maxValueBytes+1)
	_, err := s.Set("k", big, "node-a", 0)

	ae, ok := err.(*apierr.Error)
	if !ok || ae.Code != apierr.ContextValueTooLarge {
		t.Fatalf("expected ContextValueTooLarge, got %v", err)
	}
}

func TestSetRejectsNewKeyAtCapacity(t *testing.T) {
	s := New(t.TempDir())
	for i := 0; i < maxEntries; i++ {
		if _, err := s.Set(keyN(i), "v", "node-a", 0); err != nil {
			t.Fatalf("unexpected error filling store: %v", err)
		}
	}
	_, err := s.Set("one-too-many", "v", "node-a", 0)
	ae, ok := err.(*apierr.Error)
	if !ok || ae.Code != apierr.ContextMaxEntries {
		t.Fatalf("expected ContextMaxEntries, got %v", err)
	}

	// updating an existing key at capacity must still succeed
	if _, err := s.Set(keyN(0), "updated", "node-a", 0); err != nil {
		t.Fatalf("update at capacity should succeed: %v", err)
	}
}

func keyN(i int) string {
	return "k" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}

func TestGetLazilyDeletesExpired(t *testing.T) {
	s := New(t.TempDir())
	s.Set("k", "v", "node-a", 1) // 1 second TTL
	s.meta["k"] = Entry{Key: "k", Value: "v", ExpiresAt: time.Now().UnixMilli() - 1000}

	if _, ok := s.Get("k"); ok {
		t.Fatalf("expected expired entry to be absent")
	}
	if s.Size() != 0 {
		t.Fatalf("expected expired entry to be purged from meta, size=%d", s.Size())
	}
}

func TestListFiltersByPrefixAndExpiry(t *testing.T) {
	s := New(t.TempDir())
	s.Set("build.status", "green", "node-a", 0)
	s.Set("build.log", "ok", "node-a", 0)
	s.Set("other.key", "v", "node-a", 0)
	s.meta["build.stale"] = Entry{Key: "build.stale", ExpiresAt: time.Now().UnixMilli() - 1000}

	got := s.List("build.")
	if len(got) != 2 {
		t.Fatalf("List(build.) returned %d entries, want 2: %+v", len(got), got)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	s.Set("a", "1", "node-a", 0)
	s.Set("b", "2", "node-a", 3600)

	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2 := New(dir)
	s2.Load()
	if s2.Size() != 2 {
		t.Fatalf("reloaded size = %d, want 2", s2.Size())
	}
	got, ok := s2.Get("a")
	if !ok || got.Value != "1" {
		t.Fatalf("reloaded entry a = %+v, ok=%v", got, ok)
	}
}

func TestLoadDropsExpiredEntries(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	s.meta["gone"] = Entry{Key: "gone", Value: "v", ExpiresAt: time.Now().UnixMilli() - 5000}
	data := []Entry{s.meta["gone"]}
	_ = data
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2 := New(dir)
	s2.Load()
	if s2.Size() != 0 {
		t.Fatalf("expected expired entry dropped on reload, size=%d", s2.Size())
	}
}
