package connectivity

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestStatic(t *testing.T) {
	s := NewStatic(false)
	if s.Online() {
		t.Fatal("expected offline")
	}
	s.Set(true)
	if !s.Online() {
		t.Fatal("expected online")
	}
}

func TestMonitor_PublishesTransitions(t *testing.T) {
	var up atomic.Bool
	m := NewMonitor(func(ctx context.Context) error {
		if up.Load() {
			return nil
		}
		return errors.New("no route to host")
	}, time.Hour)
	sub := m.Subscribe()

	ctx := context.Background()
	if m.Check(ctx) {
		t.Fatal("expected offline")
	}
	select {
	case v := <-sub:
		t.Fatalf("unexpected notification %v without a transition", v)
	default:
	}

	up.Store(true)
	if !m.Check(ctx) {
		t.Fatal("expected online")
	}
	m.Check(ctx)

	select {
	case v := <-sub:
		if !v {
			t.Fatal("expected online notification")
		}
	default:
		t.Fatal("expected a notification")
	}
	select {
	case v := <-sub:
		t.Fatalf("repeated state must not notify, got %v", v)
	default:
	}
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	if err := TCPProbe(addr, time.Second)(context.Background()); err != nil {
		t.Errorf("probe of listening address failed: %v", err)
	}
	ln.Close()
	if err := TCPProbe(addr, time.Second)(context.Background()); err == nil {
		t.Error("probe of closed address should fail")
	}
}
