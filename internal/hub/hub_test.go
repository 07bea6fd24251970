package hub

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/classpulse/realtime/internal/event"
)

func testHub() *Hub {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// addConn registers a connection without a websocket behind it; messages
// pile up in the send buffer where the test can read them.
func addConn(h *Hub, userID string) *Conn {
	c := newConn(h, nil, userID)
	h.register(c)
	return c
}

func receivedKinds(t *testing.T, c *Conn) []event.Kind {
	t.Helper()
	var kinds []event.Kind
	for {
		select {
		case data := <-c.send:
			var env struct {
				Type event.Kind `json:"type"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("invalid wire envelope: %v", err)
			}
			kinds = append(kinds, env.Type)
		default:
			return kinds
		}
	}
}

func TestEmitToUser_NoConnectionsIsNoop(t *testing.T) {
	h := testHub()
	// Must not panic, error or block.
	h.EmitToUser("ghost", event.CurrentUserUpdate, nil)

	if n := h.ConnectionCount("ghost"); n != 0 {
		t.Fatalf("expected no connections, got %d", n)
	}
}

func TestEmitToUser_ReachesEveryDevice(t *testing.T) {
	h := testHub()
	phone := addConn(h, "u1")
	laptop := addConn(h, "u1")
	other := addConn(h, "u2")

	h.EmitToUser("u1", event.CurrentUserUpdate, map[string]string{"id": "u1"})

	for _, c := range []*Conn{phone, laptop} {
		kinds := receivedKinds(t, c)
		if len(kinds) != 1 || kinds[0] != event.CurrentUserUpdate {
			t.Fatalf("expected CurrentUserUpdate, got %v", kinds)
		}
	}
	if kinds := receivedKinds(t, other); len(kinds) != 0 {
		t.Fatalf("u2 must not receive u1's event, got %v", kinds)
	}
}

func TestBroadcast_ReachesEveryoneIncludingAnonymous(t *testing.T) {
	h := testHub()
	authed := addConn(h, "u1")
	anon := addConn(h, "")

	h.Broadcast(event.RolesUpdated, nil)

	for _, c := range []*Conn{authed, anon} {
		kinds := receivedKinds(t, c)
		if len(kinds) != 1 || kinds[0] != event.RolesUpdated {
			t.Fatalf("expected RolesUpdated on every connection, got %v", kinds)
		}
	}
}

func TestUnregister_RemovesConnection(t *testing.T) {
	h := testHub()
	c := addConn(h, "u1")
	if n := h.ConnectionCount("u1"); n != 1 {
		t.Fatalf("expected 1 connection, got %d", n)
	}

	h.unregister(c)

	if n := h.ConnectionCount("u1"); n != 0 {
		t.Fatalf("expected 0 connections after unregister, got %d", n)
	}
	h.EmitToUser("u1", event.CurrentUserUpdate, nil)
	if kinds := receivedKinds(t, c); len(kinds) != 0 {
		t.Fatalf("unregistered connection must not receive events, got %v", kinds)
	}
}

func TestEnqueue_DropsWhenBufferFull(t *testing.T) {
	h := testHub()
	c := addConn(h, "u1")

	// No pump is draining the buffer, so it eventually fills; dispatch
	// must keep returning without blocking.
	for i := 0; i < sendBuffer+10; i++ {
		h.EmitToUser("u1", event.UsersUpdated, i)
	}

	if got := len(c.send); got != sendBuffer {
		t.Fatalf("expected a full buffer of %d, got %d", sendBuffer, got)
	}
}

func TestEnqueue_ClosedConnectionSwallows(t *testing.T) {
	h := testHub()
	c := addConn(h, "u1")
	c.close()

	// A connection that went away mid-dispatch is not an error.
	h.Broadcast(event.UsersUpdated, nil)
}
