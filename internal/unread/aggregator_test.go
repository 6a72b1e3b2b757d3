package unread

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"market-chat/internal/broadcast"
	"market-chat/internal/db"
	"market-chat/internal/mocks"
	"market-chat/internal/models"
	"market-chat/internal/repositories"
)

const (
	alice int64 = 1
	bob   int64 = 2
)

type fixture struct {
	rooms    *repositories.RoomRepo
	messages *repositories.MessageRepo
	room     models.ChatRoom
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ctx := context.Background()
	users := repositories.NewUserRepo(conn)
	require.NoError(t, users.UpsertUser(ctx, models.User{ID: alice, Username: "alice"}))
	require.NoError(t, users.UpsertUser(ctx, models.User{ID: bob, Username: "bob"}))

	rooms := repositories.NewRoomRepo(conn)
	room, _, err := rooms.CreateOrGetRoom(ctx, 7, bob, alice)
	require.NoError(t, err)
	return fixture{rooms: rooms, messages: repositories.NewMessageRepo(conn), room: room}
}

func TestLoadCountsOnlyOthersUnreadMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.messages.CreateMessage(ctx, f.room.ID, alice, "hi")
	require.NoError(t, err)

	forBob := New(bob, f.messages, f.rooms, nil, nil)
	require.NoError(t, forBob.Load(ctx))
	assert.Equal(t, 1, forBob.RoomUnread(f.room.ID))
	assert.Equal(t, 1, forBob.GlobalUnread())

	forAlice := New(alice, f.messages, f.rooms, nil, nil)
	require.NoError(t, forAlice.Load(ctx))
	assert.Equal(t, 0, forAlice.RoomUnread(f.room.ID))
	assert.Equal(t, 0, forAlice.GlobalUnread())
}

func TestNewMessageIsOptimisticUntilReconcile(t *testing.T) {
	store := new(mocks.MessageRepositoryMock)
	rooms := new(mocks.RoomRepositoryMock)
	ctx := context.Background()

	rooms.On("ListRoomIDsForUser", mock.Anything, bob).Return([]string{"r1", "r2"}, nil)
	store.On("CountUnread", mock.Anything, "r1", bob).Return(0, nil).Once()
	store.On("CountUnread", mock.Anything, "r2", bob).Return(0, nil).Once()
	store.On("CountUnreadForUser", mock.Anything, bob).Return(0, nil).Once()

	agg := New(bob, store, rooms, nil, nil)
	require.NoError(t, agg.Load(ctx))

	store.On("CountUnread", mock.Anything, "r1", bob).Return(2, nil)
	agg.OnEvent(ctx, "r1", broadcast.NewMessage{ID: "m1", AuthorID: alice})
	assert.Equal(t, 1, agg.GlobalUnread())
	assert.Equal(t, 2, agg.RoomUnread("r1"))

	agg.OnEvent(ctx, "r1", broadcast.NewMessage{ID: "m2", AuthorID: bob})
	assert.Equal(t, 1, agg.GlobalUnread(), "own messages are not counted")

	store.On("CountUnreadForUser", mock.Anything, bob).Return(2, nil)
	require.NoError(t, agg.Reconcile(ctx))
	assert.Equal(t, 2, agg.GlobalUnread())
}

func TestActiveRoomIsNotIncremented(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		_, err := f.messages.CreateMessage(ctx, f.room.ID, alice, text)
		require.NoError(t, err)
	}

	agg := New(bob, f.messages, f.rooms, nil, nil)
	require.NoError(t, agg.Load(ctx))
	require.Equal(t, 2, agg.GlobalUnread())

	agg.SetActive(f.room.ID)
	assert.Equal(t, 0, agg.RoomUnread(f.room.ID))
	assert.Equal(t, 0, agg.GlobalUnread())

	msg, err := f.messages.CreateMessage(ctx, f.room.ID, alice, "three")
	require.NoError(t, err)
	agg.OnEvent(ctx, f.room.ID, broadcast.NewMessage{ID: msg.ID, AuthorID: alice})
	assert.Equal(t, 0, agg.RoomUnread(f.room.ID))
	assert.Equal(t, 0, agg.GlobalUnread())

	// reloading keeps the viewed room at zero while receipts are still in flight
	require.NoError(t, agg.Load(ctx))
	assert.Equal(t, 0, agg.GlobalUnread())
	require.NoError(t, agg.Reconcile(ctx))
	assert.Equal(t, 0, agg.GlobalUnread())

	agg.SetActive("")
	require.NoError(t, agg.Load(ctx))
	assert.Equal(t, 3, agg.GlobalUnread())
}

// watchSignal reports every Watch so tests know when events will be seen.
type watchSignal struct {
	broadcast.Channel
	watched chan string
}

func (w watchSignal) Watch(ctx context.Context, roomID string) (broadcast.Subscription, error) {
	sub, err := w.Channel.Watch(ctx, roomID)
	w.watched <- roomID
	return sub, err
}

func TestRunFollowsBroadcasts(t *testing.T) {
	f := newFixture(t)
	hub := broadcast.NewHub(broadcast.Options{})
	channel := watchSignal{Channel: hub, watched: make(chan string, 4)}

	var (
		mu    sync.Mutex
		snaps []Snapshot
	)
	agg := New(bob, f.messages, f.rooms, nil, func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	last := func() Snapshot {
		mu.Lock()
		defer mu.Unlock()
		if len(snaps) == 0 {
			return Snapshot{}
		}
		return snaps[len(snaps)-1]
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx, channel, time.Hour) }()

	select {
	case roomID := <-channel.watched:
		require.Equal(t, f.room.ID, roomID)
	case <-time.After(2 * time.Second):
		t.Fatal("room was not watched")
	}

	msg, err := f.messages.CreateMessage(ctx, f.room.ID, alice, "hello")
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, f.room.ID, "alice-tab", broadcast.NewMessage{ID: msg.ID, AuthorID: alice, CreatedAt: msg.CreatedAt}))

	require.Eventually(t, func() bool {
		s := last()
		return s.Global == 1 && s.Rooms[f.room.ID] == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = f.messages.MarkRead(ctx, msg.ID, bob)
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, f.room.ID, "bob-phone", broadcast.MessageRead{MessageID: msg.ID}))

	require.Eventually(t, func() bool {
		s := last()
		return s.Global == 0 && s.Rooms[f.room.ID] == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
