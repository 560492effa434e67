package liveserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func TestHub_BroadcastReachesClients(t *testing.T) {
	hub, _ := startHub(t)

	c1 := NewClient("c1")
	c2 := NewClient("c2")
	require.True(t, hub.Register(c1))
	require.True(t, hub.Register(c2))
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(Message{Type: TypeEvent, Data: "x"})

	for _, c := range []*Client{c1, c2} {
		select {
		case msg := <-c.GetSendChan():
			assert.Equal(t, TypeEvent, msg.Type)
		case <-time.After(time.Second):
			t.Fatalf("client %s did not receive the broadcast", c.id)
		}
	}
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	hub, _ := startHub(t)

	slow := NewClient("slow")
	require.True(t, hub.Register(slow))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// fill the client buffer, then one more
	for i := 0; i <= clientBuffer; i++ {
		hub.Broadcast(Message{Type: TypeEvent, Data: i})
	}

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, slow.Send(Message{Type: TypeEvent}))
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub, cancel := startHub(t)

	c := NewClient("c")
	require.True(t, hub.Register(c))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case _, ok := <-c.GetSendChan():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("client channel was not closed")
	}
	assert.False(t, hub.Register(NewClient("late")))
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c := NewClient("c")
	assert.True(t, c.Send(Message{Type: TypeEvent}))
	c.Close()
	c.Close()
	assert.False(t, c.Send(Message{Type: TypeEvent}))
}
