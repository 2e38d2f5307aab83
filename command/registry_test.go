package command

import (
	"sync"
	"testing"
)

func TestImplementAndLookup(t *testing.T) {
	r := NewRegistry[string]()

	if _, ok := r.Lookup("square"); ok {
		t.Fatal("expect empty registry")
	}

	r.Implement("square", "v1", false)
	e, ok := r.Lookup("square")
	if !ok || e.Handler != "v1" || e.AllowPeerToPeer {
		t.Fatalf("unexpected entry: %+v, %v", e, ok)
	}

	// Re-registration overwrites silently.
	r.Implement("square", "v2", true)
	e, _ = r.Lookup("square")
	if e.Handler != "v2" || !e.AllowPeerToPeer {
		t.Fatalf("expect overwritten entry, got %+v", e)
	}
	if r.Len() != 1 {
		t.Fatalf("expect 1 command, got %d", r.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry[int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			r.Implement("cmd", n, n%2 == 0)
		}(i)
		go func() {
			defer wg.Done()
			r.Lookup("cmd")
		}()
	}
	wg.Wait()
	if _, ok := r.Lookup("cmd"); !ok {
		t.Fatal("expect cmd to be registered")
	}
}
