package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// next returns the next event of kind k, skipping others.
func next(t *testing.T, sub Subscription, k Kind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed while waiting for %s", k)
			if ev.Kind() == k {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", k)
		}
	}
}

func drain(sub Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHubFansOutToRoomOnly(t *testing.T) {
	hub := NewHub(Options{})
	ctx := context.Background()

	a, err := hub.Subscribe(ctx, "r1", "a", 1)
	require.NoError(t, err)
	b, err := hub.Subscribe(ctx, "r1", "b", 2)
	require.NoError(t, err)
	other, err := hub.Subscribe(ctx, "r2", "c", 3)
	require.NoError(t, err)
	drain(a)
	drain(b)
	drain(other)

	require.NoError(t, hub.Publish(ctx, "r1", "a", MessageRead{MessageID: "m1"}))

	ev := next(t, b, KindMessageRead)
	assert.Equal(t, "m1", ev.(MessageRead).MessageID)
	assert.Empty(t, drain(a), "publisher must not hear itself without Self")
	assert.Empty(t, drain(other))
}

func TestHubSelfPolicy(t *testing.T) {
	hub := NewHub(Options{Self: true})
	ctx := context.Background()

	a, err := hub.Subscribe(ctx, "r1", "a", 1)
	require.NoError(t, err)
	drain(a)

	require.NoError(t, hub.Publish(ctx, "r1", "a", MessageRead{MessageID: "m1"}))
	next(t, a, KindMessageRead)
}

func TestHubPublishOrderFromOnePublisher(t *testing.T) {
	hub := NewHub(Options{BufferSize: 16})
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, "r1", "reader", 2)
	require.NoError(t, err)
	drain(sub)

	ids := []string{"m1", "m2", "m3", "m4"}
	for _, id := range ids {
		require.NoError(t, hub.Publish(ctx, "r1", "writer", MessageRead{MessageID: id}))
	}
	for _, id := range ids {
		assert.Equal(t, id, next(t, sub, KindMessageRead).(MessageRead).MessageID)
	}
}

func TestHubDropsWhenQueueFull(t *testing.T) {
	hub := NewHub(Options{BufferSize: 1})
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, "r1", "reader", 2)
	require.NoError(t, err)
	drain(sub)

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(ctx, "r1", "", MessageRead{MessageID: "m"}))
	}
	assert.Len(t, drain(sub), 1)
}

func TestHubPresenceLifecycle(t *testing.T) {
	hub := NewHub(Options{})
	ctx := context.Background()

	a, err := hub.Subscribe(ctx, "r1", "a", 1)
	require.NoError(t, err)
	sync := next(t, a, KindPresenceSync).(PresenceSync)
	require.Len(t, sync.Members, 1)
	assert.Equal(t, int64(1), sync.Members[0].UserID)

	b, err := hub.Subscribe(ctx, "r1", "b", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next(t, a, KindPresenceJoin).(PresenceJoin).UserID)
	sync = next(t, b, KindPresenceSync).(PresenceSync)
	assert.Len(t, sync.Members, 2)

	members, err := hub.Presence(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	require.NoError(t, b.Close())
	assert.Equal(t, int64(2), next(t, a, KindPresenceLeave).(PresenceLeave).UserID)
	sync = next(t, a, KindPresenceSync).(PresenceSync)
	assert.Len(t, sync.Members, 1)

	_, ok := <-b.Events()
	assert.False(t, ok)
	assert.NoError(t, b.Err())
	assert.NoError(t, b.Close(), "close is idempotent")
}

func TestHubRemovesEmptyRooms(t *testing.T) {
	hub := NewHub(Options{})
	ctx, cancel := context.WithCancel(context.Background())

	_, err := hub.Subscribe(ctx, "r1", "a", 1)
	require.NoError(t, err)
	hub.mu.RLock()
	assert.Len(t, hub.rooms, 1)
	hub.mu.RUnlock()

	cancel()
	assert.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.rooms) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHubWatchIsInvisibleToPresence(t *testing.T) {
	hub := NewHub(Options{})
	ctx := context.Background()

	member, err := hub.Subscribe(ctx, "r1", "a", 1)
	require.NoError(t, err)
	drain(member)

	watcher, err := hub.Watch(ctx, "r1")
	require.NoError(t, err)

	members, err := hub.Presence(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, members, 1)
	assert.Empty(t, drain(member), "watching announces nothing")

	require.NoError(t, hub.Publish(ctx, "r1", "a", MessageRead{MessageID: "m1"}))
	next(t, watcher, KindMessageRead)

	require.NoError(t, watcher.Close())
	assert.Empty(t, drain(member))
}
