package realtime

import (
	"context"
	"errors"
	"testing"
)

func TestRoomsReplayEachRoomOnceAfterReconnect(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	rooms := NewRoomMembershipTracker(transport, nil)
	if err := rooms.OnConnect(ctx); err != nil {
		t.Fatalf("initial connect: %v", err)
	}

	if err := rooms.Join(ctx, "A"); err != nil {
		t.Fatalf("join A: %v", err)
	}
	if err := rooms.Join(ctx, "B"); err != nil {
		t.Fatalf("join B: %v", err)
	}
	rooms.OnDisconnect()
	if rooms.State() != Disconnected {
		t.Fatalf("expected disconnected, got %s", rooms.State())
	}
	if !rooms.Has("A") || !rooms.Has("B") {
		t.Fatalf("expected rooms to survive disconnect, got %v", rooms.Rooms())
	}

	transport.reset()
	if err := rooms.OnConnect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	for _, room := range []string{"A", "B"} {
		if n := transport.count("join", room); n != 1 {
			t.Fatalf("expected exactly one join for %s after reconnect, got %d", room, n)
		}
	}
	if joins := transport.ops("join"); len(joins) != 2 {
		t.Fatalf("expected two joins in total, got %v", joins)
	}
}

func TestRoomsJoinWhileDisconnectedIsDeferred(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	rooms := NewRoomMembershipTracker(transport, nil)

	rooms.MarkConnecting()
	if err := rooms.Join(ctx, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := rooms.Join(ctx, "c1"); err != nil {
		t.Fatalf("duplicate join: %v", err)
	}
	if n := len(transport.ops("join")); n != 0 {
		t.Fatalf("expected no join sent while connecting, got %d", n)
	}
	if err := rooms.OnConnect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if n := transport.count("join", "c1"); n != 1 {
		t.Fatalf("expected deferred join to go out once, got %d", n)
	}

	if err := rooms.Join(ctx, "c1"); err != nil {
		t.Fatalf("join again while connected: %v", err)
	}
	if n := transport.count("join", "c1"); n != 1 {
		t.Fatalf("expected duplicate join to be a no-op, got %d joins", n)
	}
}

func TestRoomsLeaveRemovesFromReplay(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	rooms := NewRoomMembershipTracker(transport, nil)
	_ = rooms.OnConnect(ctx)
	_ = rooms.Join(ctx, "a")
	_ = rooms.Join(ctx, "b")
	if err := rooms.Leave(ctx, "a"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if n := transport.count("leave", "a"); n != 1 {
		t.Fatalf("expected leave to be sent, got %d", n)
	}
	rooms.OnDisconnect()
	transport.reset()
	_ = rooms.OnConnect(ctx)
	if joins := transport.ops("join"); !equalStrings(joins, []string{"b"}) {
		t.Fatalf("expected only b replayed, got %v", joins)
	}
}

func TestRoomsReplayContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	transport.failOn["join:a"] = errFakeNetwork
	rooms := NewRoomMembershipTracker(transport, nil)
	_ = rooms.Join(ctx, "a")
	_ = rooms.Join(ctx, "b")

	err := rooms.OnConnect(ctx)
	if !errors.Is(err, errFakeNetwork) {
		t.Fatalf("expected replay error to wrap the transport error, got %v", err)
	}
	if n := transport.count("join", "b"); n != 1 {
		t.Fatalf("expected b to be joined despite a failing, got %d", n)
	}
	if !rooms.Has("a") {
		t.Fatalf("expected failed room to stay in the set")
	}
}

func TestRoomsRejectEmptyID(t *testing.T) {
	rooms := NewRoomMembershipTracker(newFakeTransport(), nil)
	if err := rooms.Join(context.Background(), "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
