package depmon

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeConn is the minimal net.Conn needed for a successful dial probe.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestMonitor_PublishesDownTransition(t *testing.T) {
	var mu sync.Mutex
	var events []Status

	dial := func(_, _ string, _ time.Duration) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	m := New(
		[]Dependency{{Name: "stt", Addr: "stt.example:443"}},
		func(s Status) {
			mu.Lock()
			events = append(events, s)
			mu.Unlock()
		},
		WithDial(dial),
	)

	m.probeAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0] != (Status{Name: "stt", Up: false}) {
		t.Fatalf("event = %+v, want {stt false}", events[0])
	}
}

func TestMonitor_NoEventWhenStatusUnchanged(t *testing.T) {
	var count int
	dial := func(_, _ string, _ time.Duration) (net.Conn, error) {
		return fakeConn{}, nil
	}

	m := New(
		[]Dependency{{Name: "tts", Addr: "tts.example:443"}},
		func(Status) { count++ },
		WithDial(dial),
	)

	m.probeAll(context.Background())
	m.probeAll(context.Background())

	if count != 0 {
		t.Fatalf("count = %d, want 0 (dependency started and stayed up)", count)
	}
}

func TestMonitor_RestartsOnDownGatedByCooldown(t *testing.T) {
	var mu sync.Mutex
	var restarts int

	dial := func(_, _ string, _ time.Duration) (net.Conn, error) {
		return nil, errors.New("down")
	}
	execFn := func(_ context.Context, cmd []string) error {
		mu.Lock()
		restarts++
		mu.Unlock()
		return nil
	}

	m := New(
		[]Dependency{{Name: "stt", Addr: "stt.example:443", RestartCmd: []string{"systemctl", "restart", "stt"}}},
		func(Status) {},
		WithDial(dial),
		WithExec(execFn),
	)

	// First probe: up -> down transition, restart fires.
	m.probeAll(context.Background())
	// Force a synthetic transition back to "up" then back to "down" to
	// trigger a second down-transition within the cooldown window.
	m.mu.Lock()
	m.up["stt"] = true
	m.mu.Unlock()
	m.probeAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if restarts != 1 {
		t.Fatalf("restarts = %d, want 1 (second attempt should be cooldown-gated)", restarts)
	}
}

func TestMonitor_Status(t *testing.T) {
	dial := func(_, _ string, _ time.Duration) (net.Conn, error) {
		return fakeConn{}, nil
	}
	m := New(
		[]Dependency{{Name: "stt", Addr: "a:1"}, {Name: "tts", Addr: "b:2"}},
		func(Status) {},
		WithDial(dial),
	)
	m.probeAll(context.Background())

	got := m.Status()
	if len(got) != 2 {
		t.Fatalf("got %d statuses, want 2", len(got))
	}
	for _, s := range got {
		if !s.Up {
			t.Fatalf("status %+v, want Up=true", s)
		}
	}
}

func TestMonitor_RunRespectsContextCancellation(t *testing.T) {
	dial := func(_, _ string, _ time.Duration) (net.Conn, error) {
		return fakeConn{}, nil
	}
	m := New([]Dependency{{Name: "stt", Addr: "a:1"}}, func(Status) {}, WithDial(dial))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
