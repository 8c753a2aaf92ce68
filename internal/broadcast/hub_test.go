package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsession/internal/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestClient(hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     "c1",
		hub:    hub,
		send:   make(chan []byte, 8),
		rooms:  make(map[string]bool),
		logger: log,
	}
}

func TestHub_BroadcastDeliversOnlyToSubscribedRoom(t *testing.T) {
	log := newTestLogger(t)
	hub := NewHub(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	subscribed := newTestClient(hub, log)
	other := newTestClient(hub, log)

	hub.Register(subscribed)
	hub.Register(other)
	hub.Subscribe(subscribed, roomKey("s1"))

	hub.Broadcast("s1", "status:changed", map[string]interface{}{"status": "ready"})

	select {
	case data := <-subscribed.send:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, "status:changed", msg.Action)
	case <-time.After(time.Second):
		t.Fatal("subscribed client never received the broadcast")
	}

	select {
	case <-other.send:
		t.Fatal("unsubscribed client should not receive the broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	log := newTestLogger(t)
	hub := NewHub(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := newTestClient(hub, log)
	hub.Register(client)
	hub.Subscribe(client, roomKey("s1"))
	hub.Unsubscribe(client, roomKey("s1"))

	hub.Broadcast("s1", "status:changed", map[string]interface{}{})

	select {
	case <-client.send:
		t.Fatal("client should not receive after unsubscribing")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UnregisterRemovesFromAllRooms(t *testing.T) {
	log := newTestLogger(t)
	hub := NewHub(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := newTestClient(hub, log)
	hub.Register(client)
	hub.Subscribe(client, roomKey("s1"))
	require.Eventually(t, func() bool { return hub.RoomSize("s1") == 1 }, time.Second, time.Millisecond)

	hub.Unregister(client)
	require.Eventually(t, func() bool { return hub.RoomSize("s1") == 0 }, time.Second, time.Millisecond)
}

func TestMessage_RoomKeyNamespacesBySession(t *testing.T) {
	require.Equal(t, "session:abc", roomKey("abc"))
}
