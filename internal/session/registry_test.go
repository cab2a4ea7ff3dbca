package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/chaz8081/bleseq/internal/procedure"
)

func TestRegistryInsertLookupRemove(t *testing.T) {
	r := NewRegistry()

	s, err := r.Insert(3)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if got, ok := r.Lookup(3); !ok || got != s {
		t.Fatalf("Lookup(3) = %v, %v; want inserted session", got, ok)
	}
	if _, err := r.Insert(3); !errors.Is(err, ErrSessionExists) {
		t.Errorf("second Insert(3) error = %v, want ErrSessionExists", err)
	}

	removed, ok := r.Remove(3)
	if !ok || removed != s {
		t.Fatalf("Remove(3) = %v, %v", removed, ok)
	}
	if _, ok := r.Lookup(3); ok {
		t.Error("Lookup(3) should fail after Remove")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistryReuseBumpsGeneration(t *testing.T) {
	r := NewRegistry()
	first, _ := r.Insert(1)
	r.Remove(1)
	second, err := r.Insert(1)
	if err != nil {
		t.Fatalf("Insert() after Remove error = %v", err)
	}
	if second.Generation <= first.Generation {
		t.Errorf("Generation = %d, want > %d", second.Generation, first.Generation)
	}
}

func TestRegistryRemoveSessionIgnoresReusedID(t *testing.T) {
	r := NewRegistry()
	old, _ := r.Insert(1)
	r.Remove(1)
	current, _ := r.Insert(1)

	if r.RemoveSession(old) {
		t.Error("RemoveSession(old) should not remove the session that reused the id")
	}
	if got, ok := r.Lookup(1); !ok || got != current {
		t.Error("current session should still be registered")
	}
	if !r.RemoveSession(current) {
		t.Error("RemoveSession(current) should succeed")
	}
}

func TestRegistryConcurrentInsert(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Insert(7); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("concurrent Insert(7) succeeded %d times, want 1", wins)
	}
}

func TestRegistrySnapshotOrdered(t *testing.T) {
	r := NewRegistry()
	for _, id := range []ID{5, 1, 3} {
		s, _ := r.Insert(id)
		s.Lock()
		s.Step = "enable"
		s.Attrs.Set("enable", procedure.AttrInstances, 1)
		s.Unlock()
	}
	snaps := r.Snapshot()
	if len(snaps) != 3 {
		t.Fatalf("Snapshot() len = %d, want 3", len(snaps))
	}
	for i, want := range []ID{1, 3, 5} {
		if snaps[i].ID != want {
			t.Errorf("snaps[%d].ID = %d, want %d", i, snaps[i].ID, want)
		}
	}
	if len(snaps[0].Attributes) != 1 || snaps[0].Attributes[0] != procedure.AttrInstances {
		t.Errorf("Attributes = %v", snaps[0].Attributes)
	}
}

func TestAttributesWriteOnce(t *testing.T) {
	a := NewAttributes()
	if !a.Set("enable", "instances", 1) {
		t.Fatal("first Set should succeed")
	}
	if a.Set("read_level", "instances", 2) {
		t.Error("Set by a different step should be rejected")
	}
	if v, _ := a.Get("instances"); v != 1 {
		t.Errorf("instances = %v, want 1", v)
	}
	if !a.Set("enable", "instances", 3) {
		t.Error("owning step should be allowed to rediscover")
	}
	if v, _ := a.Get("instances"); v != 3 {
		t.Errorf("instances = %v, want 3", v)
	}
}

func TestReleaseDropsContext(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Insert(2)
	s.Lock()
	s.Attrs.Set("enable", "instances", 1)
	s.Token = 9
	s.Release()
	s.Unlock()

	if !s.Ended || s.Attrs != nil || s.Token != 0 {
		t.Errorf("after Release: ended=%v attrs=%v token=%d", s.Ended, s.Attrs, s.Token)
	}
	if _, ok := s.Attrs.Get("instances"); ok {
		t.Error("Get on released attributes should report missing")
	}
}
