package peers

import (
	"path/filepath"
	"testing"
)

func TestUpsertInsertsNewPeer(t *testing.T) {
	r := New(t.TempDir())
	p := r.Upsert(Peer{NodeID: "node-a", Hostname: "alpha", Address: "10.0.0.1", Port: 19532})

	if p.Hostname != "alpha" {
		t.Fatalf("Hostname = %q, want alpha", p.Hostname)
	}
	got, ok := r.Get("node-a")
	if !ok || got.Address != "10.0.0.1" {
		t.Fatalf("Get after insert = %+v, ok=%v", got, ok)
	}
}

func TestUpsertFieldWiseMergeLeavesZeroFieldsUntouched(t *testing.T) {
	r := New(t.TempDir())
	r.Upsert(Peer{NodeID: "node-a", Hostname: "alpha", Address: "10.0.0.1", Port: 19532, Platform: "linux"})

	merged := r.Upsert(Peer{NodeID: "node-a", Version: "1.2.0"})

	if merged.Hostname != "alpha" || merged.Address != "10.0.0.1" || merged.Platform != "linux" {
		t.Fatalf("expected untouched fields to survive merge, got %+v", merged)
	}
	if merged.Version != "1.2.0" {
		t.Fatalf("Version = %q, want 1.2.0", merged.Version)
	}
}

func TestUpsertTrustedIsSticky(t *testing.T) {
	r := New(t.TempDir())
	r.Upsert(Peer{NodeID: "node-a", Trusted: true})
	merged := r.Upsert(Peer{NodeID: "node-a", Hostname: "alpha"})

	if !merged.Trusted {
		t.Fatalf("expected Trusted to remain true once set")
	}
}

func TestMarkFailureAndMarkOnlineResetCount(t *testing.T) {
	r := New(t.TempDir())
	r.Upsert(Peer{NodeID: "node-a"})

	if n := r.MarkFailure("node-a"); n != 1 {
		t.Fatalf("first MarkFailure = %d, want 1", n)
	}
	if n := r.MarkFailure("node-a"); n != 2 {
		t.Fatalf("second MarkFailure = %d, want 2", n)
	}

	r.MarkOnline("node-a")
	p, _ := r.Get("node-a")
	if p.FailureCount != 0 || p.Status != StatusOnline {
		t.Fatalf("after MarkOnline: %+v", p)
	}
}

func TestRemoveDeletesPeer(t *testing.T) {
	r := New(t.TempDir())
	r.Upsert(Peer{NodeID: "node-a"})
	r.Remove("node-a")

	if _, ok := r.Get("node-a"); ok {
		t.Fatalf("expected node-a to be gone after Remove")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	r.Upsert(Peer{NodeID: "node-a", Hostname: "alpha", Address: "10.0.0.1", Port: 19532, Status: StatusOnline})
	r.Upsert(Peer{NodeID: "node-b", Hostname: "beta", Address: "10.0.0.2", Port: 19532})

	if err := r.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r2 := New(dir)
	r2.Load()

	got, ok := r2.Get("node-a")
	if !ok || got.Hostname != "alpha" || got.Status != StatusOnline {
		t.Fatalf("reloaded node-a = %+v, ok=%v", got, ok)
	}
	if len(r2.GetAll()) != 2 {
		t.Fatalf("GetAll after reload = %d peers, want 2", len(r2.GetAll()))
	}
}

func TestLoadToleratesMissingFile(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "nested", "does-not-exist"))
	r.Load() // must not panic
	if len(r.GetAll()) != 0 {
		t.Fatalf("expected empty registry when snapshot is absent")
	}
}

func TestManualNodeIDIsStable(t *testing.T) {
	a := ManualNodeID("10.0.0.5", 19532)
	b := ManualNodeID("10.0.0.5", 19532)
	if a != b {
		t.Fatalf("ManualNodeID not stable: %q vs %q", a, b)
	}
	if a == ManualNodeID("10.0.0.6", 19532) {
		t.Fatalf("ManualNodeID collided across different addresses")
	}
}
