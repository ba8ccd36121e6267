package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/upiramp/internal/escrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b0"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.DiscardHandler))
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func addClient(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan []byte, sendBuffer), sub: sub}
	h.register <- c
	return c
}

func receive(t *testing.T, c *Client) escrow.Event {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		require.True(t, ok, "client channel closed")
		var ev escrow.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return escrow.Event{}
	}
}

func snapshotClients(h *Hub) map[*Client]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[*Client]bool, len(h.clients))
	for c := range h.clients {
		out[c] = true
	}
	return out
}

func assertNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientMatches(t *testing.T) {
	created := &escrow.Event{Type: escrow.EventCreated, RequestID: 1, Actor: alice, Requester: alice}
	committed := &escrow.Event{Type: escrow.EventCommitted, RequestID: 2, Actor: bob, Requester: alice, Payer: bob}
	expired := &escrow.Event{Type: escrow.EventExpired, RequestID: 3, Actor: "0xowner", Requester: "0xcarol", RefundedTo: "0xcarol"}

	tests := []struct {
		name string
		sub  Subscription
		ev   *escrow.Event
		want bool
	}{
		{"all events", Subscription{AllEvents: true}, expired, true},
		{"empty subscription", Subscription{}, created, true},
		{"type match", Subscription{EventTypes: []escrow.EventType{escrow.EventCreated}}, created, true},
		{"type miss", Subscription{EventTypes: []escrow.EventType{escrow.EventCreated}}, committed, false},
		{"payer address", Subscription{Addresses: []string{bob}}, committed, true},
		{"requester address", Subscription{Addresses: []string{alice}}, committed, true},
		{"uninvolved address", Subscription{Addresses: []string{bob}}, expired, false},
		{"refund recipient", Subscription{Addresses: []string{"0xcarol"}}, expired, true},
		{"request id", Subscription{RequestIDs: []uint64{2}}, committed, true},
		{"request id miss", Subscription{RequestIDs: []uint64{2}}, created, false},
		{"type and address", Subscription{EventTypes: []escrow.EventType{escrow.EventCommitted}, Addresses: []string{alice}}, created, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{sub: tt.sub}
			assert.Equal(t, tt.want, c.matches(tt.ev))
		})
	}
}

func TestSubscription_NormalizesAddresses(t *testing.T) {
	sub := Subscription{Addresses: []string{strings.ToUpper("0xabc")}}.normalized()
	assert.Equal(t, []string{"0xabc"}, sub.Addresses)
}

func TestSubscriptionFromQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/ws?types=request.created,%20request.expired&address=0xABC", nil)
	sub := subscriptionFromQuery(r)
	assert.False(t, sub.AllEvents)
	assert.Equal(t, []escrow.EventType{escrow.EventCreated, escrow.EventExpired}, sub.EventTypes)
	assert.Equal(t, []string{"0xabc"}, sub.Addresses)

	sub = subscriptionFromQuery(httptest.NewRequest("GET", "/v1/ws", nil))
	assert.True(t, sub.AllEvents)
}

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)
	c := addClient(t, h, Subscription{AllEvents: true})

	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])

	h.unregister <- c
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"], "peak survives disconnects")

	_, ok := <-c.send
	assert.False(t, ok, "send channel closed on unregister")
}

func TestHub_NotifyDeliversToMatchingClients(t *testing.T) {
	h := runHub(t)
	everyone := addClient(t, h, Subscription{AllEvents: true})
	bobOnly := addClient(t, h, Subscription{Addresses: []string{bob}})

	h.Notify(context.Background(), escrow.Event{Type: escrow.EventCreated, RequestID: 7, Actor: alice, Requester: alice, SettlementAmount: "10.000000"})
	h.Notify(context.Background(), escrow.Event{Type: escrow.EventCommitted, RequestID: 7, Actor: bob, Requester: alice, Payer: bob})

	ev := receive(t, everyone)
	assert.Equal(t, escrow.EventCreated, ev.Type)
	assert.Equal(t, uint64(7), ev.RequestID)
	assert.Equal(t, "10.000000", ev.SettlementAmount)
	assert.Equal(t, escrow.EventCommitted, receive(t, everyone).Type)

	assert.Equal(t, escrow.EventCommitted, receive(t, bobOnly).Type)
	assertNothing(t, bobOnly)

	assert.Eventually(t, func() bool { return h.Stats()["totalEvents"] == int64(2) }, time.Second, 5*time.Millisecond)
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := runHub(t)
	slow := &Client{hub: h, send: make(chan []byte), sub: Subscription{AllEvents: true}} // unbuffered: never ready
	h.register <- slow

	h.Broadcast(&escrow.Event{Type: escrow.EventCreated, RequestID: 1})

	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	c := addClient(t, h, Subscription{AllEvents: true})
	cancel()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
	_, ok := <-c.send
	assert.False(t, ok)
}

func TestHub_RejectsAfterShutdown(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	<-h.done

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/v1/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?types=request.fulfilled"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 5*time.Millisecond)

	h.Notify(context.Background(), escrow.Event{Type: escrow.EventCreated, RequestID: 1})
	h.Notify(context.Background(), escrow.Event{Type: escrow.EventFulfilled, RequestID: 1, Payer: bob, ProofToken: "ABCDEFGHIJKL"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev escrow.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, escrow.EventFulfilled, ev.Type)
	assert.Equal(t, "ABCDEFGHIJKL", ev.ProofToken)

	// Resubscribe to everything over the socket.
	require.NoError(t, conn.WriteJSON(Subscription{AllEvents: true}))
	require.Eventually(t, func() bool {
		for c := range snapshotClients(h) {
			c.mu.RLock()
			all := c.sub.AllEvents
			c.mu.RUnlock()
			if all {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	h.Notify(context.Background(), escrow.Event{Type: escrow.EventExpired, RequestID: 2})
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, escrow.EventExpired, ev.Type)
}
