package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestRegisterLookupUnregister(t *testing.T) {
	r := New(4)
	if err := r.Register(Handle{SessionID: "s1", OwnerID: "u1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	h, ok := r.Lookup("s1")
	if !ok || h.OwnerID != "u1" {
		t.Fatalf("Lookup() = %+v, %v", h, ok)
	}
	if got := r.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", got)
	}

	r.Unregister("s1")
	if _, ok := r.Lookup("s1"); ok {
		t.Fatalf("Lookup() after Unregister should miss")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New(4)
	if err := r.Register(Handle{SessionID: "s1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(Handle{SessionID: "s1"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate Register() error = %v, want ErrDuplicate", err)
	}
}

func TestRegisterCapacity(t *testing.T) {
	r := New(2)
	_ = r.Register(Handle{SessionID: "s1"})
	_ = r.Register(Handle{SessionID: "s2"})
	if err := r.Register(Handle{SessionID: "s3"}); !errors.Is(err, ErrFull) {
		t.Fatalf("Register() over capacity error = %v, want ErrFull", err)
	}
}

func TestCloseAllClosesEverythingAndDrains(t *testing.T) {
	r := New(8)
	var mu sync.Mutex
	closed := map[string]string{}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("s%d", i)
		if err := r.Register(Handle{SessionID: id, Close: func(reason string) {
			mu.Lock()
			closed[id] = reason
			mu.Unlock()
			r.Unregister(id)
		}}); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}

	r.CloseAll("server-shutdown")

	mu.Lock()
	defer mu.Unlock()
	if len(closed) != 3 {
		t.Fatalf("closed %d sessions, want 3", len(closed))
	}
	for id, reason := range closed {
		if reason != "server-shutdown" {
			t.Fatalf("session %s closed with reason %q", id, reason)
		}
	}
	if !r.Draining() {
		t.Fatalf("registry should be draining after CloseAll")
	}
	if err := r.Register(Handle{SessionID: "late"}); !errors.Is(err, ErrDraining) {
		t.Fatalf("Register() while draining error = %v, want ErrDraining", err)
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New(1024)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", n)
			if err := r.Register(Handle{SessionID: id}); err != nil {
				t.Errorf("Register(%s) error = %v", id, err)
				return
			}
			r.Lookup(id)
			r.Unregister(id)
		}(i)
	}
	wg.Wait()
	if got := r.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", got)
	}
}
