package node

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryOperations(t *testing.T) {
	n := NewInMemory("n1")
	ctx := context.Background()

	if ok, err := n.Acquire(ctx, "k", "a", time.Second); err != nil || !ok {
		t.Fatalf("acquire: %v ok %v", err, ok)
	}
	if ok, _ := n.Acquire(ctx, "k", "b", time.Second); ok {
		t.Fatal("expected key held")
	}
	if s, _ := n.Status(ctx, "k", "a"); s != StatusAcquired {
		t.Fatalf("expected ACQUIRED, got %v", s)
	}
	if s, _ := n.Status(ctx, "k", "b"); s != StatusLocked {
		t.Fatalf("expected LOCKED, got %v", s)
	}
	if ok, _ := n.Renew(ctx, "k", "b", time.Second); ok {
		t.Fatal("foreign renew succeeded")
	}
	if ok, _ := n.Renew(ctx, "k", "a", time.Minute); !ok {
		t.Fatal("renew failed")
	}
	if ok, _ := n.Release(ctx, "k", "b"); ok {
		t.Fatal("foreign release succeeded")
	}
	if ok, _ := n.Release(ctx, "k", "a"); !ok {
		t.Fatal("release failed")
	}
	if s, _ := n.Status(ctx, "k", "a"); s != StatusAvailable {
		t.Fatalf("expected AVAILABLE, got %v", s)
	}
	if n.Len() != 0 {
		t.Fatalf("expected empty node, got %d keys", n.Len())
	}
}

func TestInMemoryExpiry(t *testing.T) {
	n := NewInMemory("n1")
	ctx := context.Background()

	if ok, _ := n.Acquire(ctx, "k", "a", 10*time.Millisecond); !ok {
		t.Fatal("acquire failed")
	}
	time.Sleep(20 * time.Millisecond)
	if s, _ := n.Status(ctx, "k", "a"); s != StatusAvailable {
		t.Fatalf("expected expired key, got %v", s)
	}
	if ok, _ := n.Renew(ctx, "k", "a", time.Second); ok {
		t.Fatal("renewed an expired key")
	}
	if ok, _ := n.Acquire(ctx, "k", "b", 0); !ok {
		t.Fatal("acquire after expiry failed")
	}
}

func TestInMemoryFailing(t *testing.T) {
	n := NewInMemory("n1")
	ctx := context.Background()
	n.SetFailing(true)
	if _, err := n.Acquire(ctx, "k", "a", 0); !errors.Is(err, ErrNodeDown) {
		t.Fatalf("expected ErrNodeDown, got %v", err)
	}
	n.SetFailing(false)
	if ok, err := n.Acquire(ctx, "k", "a", 0); err != nil || !ok {
		t.Fatalf("acquire after recovery: %v ok %v", err, ok)
	}
}

func TestStatusString(t *testing.T) {
	for _, s := range []Status{StatusAvailable, StatusLocked, StatusAcquired} {
		if got := ParseStatus(s.String()); got != s {
			t.Fatalf("ParseStatus(%q) = %v", s.String(), got)
		}
	}
	if ParseStatus("garbage") != StatusAvailable {
		t.Fatal("unknown status should be AVAILABLE")
	}
}
