package ws

import (
	"context"
	"testing"
	"time"

	"github.com/kartikn18/letschat/internal/bus"
)

func newTestClient(id string) *Client {
	return newClient(id, nil, 1, "tester", time.Minute)
}

func startHub(t *testing.T, b bus.Bus) *Hub {
	t.Helper()
	h := NewHub(b)
	go h.Run()
	t.Cleanup(h.Stop)
	// Run 在自己的协程里调用 SubscribeRooms；在它订阅之前发布的信封会被
	// MemoryBus 丢弃，这里等一拍避免单核调度下的启动竞争。
	time.Sleep(10 * time.Millisecond)
	return h
}

func waitLocal(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case frame := <-c.send:
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestHub_DispatchToSubscribers(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	h := startHub(t, b)

	c1 := newTestClient("conn-1")
	c2 := newTestClient("conn-2")
	other := newTestClient("conn-3")
	h.Subscribe(1, c1)
	h.Subscribe(1, c2)
	h.Subscribe(2, other)

	env, _ := bus.NewEnvelope(1, EventNewMessage, "", map[string]string{"content": "hi"})
	if err := b.PublishRoom(context.Background(), env); err != nil {
		t.Fatalf("PublishRoom: %v", err)
	}

	for _, c := range []*Client{c1, c2} {
		frame := waitLocal(t, c)
		if len(frame) == 0 {
			t.Fatal("empty frame")
		}
	}
	select {
	case <-other.send:
		t.Fatal("client in another room received the broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ExcludeSender(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	h := startHub(t, b)

	sender := newTestClient("conn-sender")
	peer := newTestClient("conn-peer")
	h.Subscribe(1, sender)
	h.Subscribe(1, peer)

	env, _ := bus.NewEnvelope(1, EventUserTyping, "conn-sender", TypingPayload{RoomID: 1, UserID: 1, Username: "tester"})
	if err := b.PublishRoom(context.Background(), env); err != nil {
		t.Fatalf("PublishRoom: %v", err)
	}

	waitLocal(t, peer)
	select {
	case <-sender.send:
		t.Fatal("typing event echoed back to its sender")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_DropClient(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	h := startHub(t, b)

	c := newTestClient("conn-1")
	h.Subscribe(1, c)
	h.Subscribe(2, c)
	if h.LocalOnline(1) != 1 || h.LocalOnline(2) != 1 {
		t.Fatalf("LocalOnline = (%d,%d), want (1,1)", h.LocalOnline(1), h.LocalOnline(2))
	}

	h.DropClient(c)
	if h.LocalOnline(1) != 0 || h.LocalOnline(2) != 0 {
		t.Errorf("LocalOnline after drop = (%d,%d), want (0,0)", h.LocalOnline(1), h.LocalOnline(2))
	}
	if _, ok := <-c.send; ok {
		t.Error("send channel still open after drop")
	}
	// Dropping twice is a no-op.
	h.DropClient(c)
}

func TestHub_SlowClientEvicted(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	h := startHub(t, b)

	slow := newClient("conn-slow", nil, 1, "slow", time.Minute)
	slow.send = make(chan []byte) // no buffer, nobody reading
	h.Subscribe(1, slow)

	env, _ := bus.NewEnvelope(1, EventNewMessage, "", "x")
	if err := b.PublishRoom(context.Background(), env); err != nil {
		t.Fatalf("PublishRoom: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for h.LocalOnline(1) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client was not evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
