package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"market-chat/internal/apperrors"
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

const waitFor = 3 * time.Second

// countingStore counts MarkRead calls per message on top of the real repository.
type countingStore struct {
	*repositories.MessageRepo

	mu       sync.Mutex
	markRead map[string]int
}

func (s *countingStore) MarkRead(ctx context.Context, messageID string, readerID int64) (models.Message, error) {
	s.mu.Lock()
	s.markRead[messageID]++
	s.mu.Unlock()
	return s.MessageRepo.MarkRead(ctx, messageID, readerID)
}

func (s *countingStore) calls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markRead[id]
}

type fixture struct {
	store *countingStore
	rooms *repositories.RoomRepo
	room  models.ChatRoom
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
	room, _, err := rooms.CreateOrGetRoom(ctx, 100, bob, alice)
	require.NoError(t, err)

	return fixture{
		store: &countingStore{MessageRepo: repositories.NewMessageRepo(conn), markRead: map[string]int{}},
		rooms: rooms,
		room:  room,
	}
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) record(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) count(kind UpdateKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.updates {
		if u.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) sawState(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.updates {
		if u.Kind == UpdateState && u.State == s {
			return true
		}
	}
	return false
}

func start(t *testing.T, cfg Config) (*Controller, *recorder) {
	t.Helper()
	rec := &recorder{}
	cfg.OnUpdate = rec.record
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := New(cfg)
	c.Start(context.Background())
	t.Cleanup(func() { c.Close() })
	return c, rec
}

func subscribed(t *testing.T, c *Controller) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == StateSubscribed }, waitFor, 5*time.Millisecond)
}

func TestOpeningRoomMarksUnreadMessagesOnce(t *testing.T) {
	f := newFixture(t)
	hub := broadcast.NewHub(broadcast.Options{})
	ctx := context.Background()

	msg, err := f.store.CreateMessage(ctx, f.room.ID, alice, "still available?")
	require.NoError(t, err)
	unread, err := f.store.CountUnread(ctx, f.room.ID, bob)
	require.NoError(t, err)
	require.Equal(t, 1, unread)

	aliceSub, err := hub.Subscribe(ctx, f.room.ID, "alice-tab", alice)
	require.NoError(t, err)
	defer aliceSub.Close()

	c, _ := start(t, Config{RoomID: f.room.ID, ClientID: "bob-tab", UserID: bob, Store: f.store, Channel: hub})
	subscribed(t, c)

	var receipt broadcast.MessageRead
	require.Eventually(t, func() bool {
		select {
		case ev := <-aliceSub.Events():
			if r, ok := ev.(broadcast.MessageRead); ok {
				receipt = r
				return true
			}
		default:
		}
		return false
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, msg.ID, receipt.MessageID)

	stored, err := f.store.ListRoomMessages(ctx, f.room.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.StatusRead, stored[0].Status)

	unread, err = f.store.CountUnread(ctx, f.room.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, 0, unread)
	assert.Equal(t, 1, f.store.calls(msg.ID))
	assert.Eventually(t, func() bool { return c.Messages()[0].IsRead() }, waitFor, 5*time.Millisecond)
}

func TestDuplicateBroadcastMergesOnce(t *testing.T) {
	f := newFixture(t)
	hub := broadcast.NewHub(broadcast.Options{})
	ctx := context.Background()

	c, rec := start(t, Config{RoomID: f.room.ID, ClientID: "bob-tab", UserID: bob, Store: f.store, Channel: hub})
	subscribed(t, c)

	msg, err := f.store.CreateMessage(ctx, f.room.ID, alice, "hello")
	require.NoError(t, err)
	ev := broadcast.NewMessage{ID: msg.ID, Payload: msg.Payload, CreatedAt: msg.CreatedAt, AuthorID: alice}
	require.NoError(t, hub.Publish(ctx, f.room.ID, "alice-tab", ev))
	require.NoError(t, hub.Publish(ctx, f.room.ID, "alice-other-tab", ev))

	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].IsRead()
	}, waitFor, 5*time.Millisecond)

	// a later barrier event proves both copies were consumed
	require.NoError(t, hub.Publish(ctx, f.room.ID, "alice-tab", broadcast.PresenceJoin{UserID: alice}))
	require.Eventually(t, func() bool { return rec.count(UpdateJoin) == 1 }, waitFor, 5*time.Millisecond)

	assert.Len(t, c.Messages(), 1)
	assert.Equal(t, 1, rec.count(UpdateMessage))
	assert.Equal(t, 1, f.store.calls(msg.ID))
}

func TestSendWithSelfDeliveryDoesNotDoubleInsert(t *testing.T) {
	f := newFixture(t)
	hub := broadcast.NewHub(broadcast.Options{Self: true})
	ctx := context.Background()

	sender, rec := start(t, Config{RoomID: f.room.ID, ClientID: "alice-tab", UserID: alice, Store: f.store, Channel: hub})
	receiver, _ := start(t, Config{RoomID: f.room.ID, ClientID: "bob-tab", UserID: bob, Store: f.store, Channel: hub})
	subscribed(t, sender)
	subscribed(t, receiver)

	msg, err := sender.Send(ctx, "is it still for sale?")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.Status)

	joins := rec.count(UpdateJoin)
	require.NoError(t, hub.Publish(ctx, f.room.ID, "probe", broadcast.PresenceJoin{UserID: 99}))
	require.Eventually(t, func() bool { return rec.count(UpdateJoin) > joins }, waitFor, 5*time.Millisecond)

	msgs := sender.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
	assert.Equal(t, 0, f.store.calls(msg.ID), "authors never mark their own message")

	require.Eventually(t, func() bool {
		got := receiver.Messages()
		return len(got) == 1 && got[0].ID == msg.ID && got[0].IsRead()
	}, waitFor, 5*time.Millisecond)
	// the receiver's receipt flows back to the sender
	require.Eventually(t, func() bool { return sender.Messages()[0].IsRead() }, waitFor, 5*time.Millisecond)
}

func TestSendFailureLeavesListUntouched(t *testing.T) {
	store := new(mocks.MessageRepositoryMock)
	channel := new(mocks.ChannelMock)
	store.On("CreateMessage", mock.Anything, "r1", alice, "   ").Return(nil, apperrors.Validation("message text is empty"))

	rec := &recorder{}
	c := New(Config{RoomID: "r1", ClientID: "alice-tab", UserID: alice, Store: store, Channel: channel, OnUpdate: rec.record})
	defer c.Close()

	_, err := c.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.ErrorIs(t, c.Err(), apperrors.ErrValidation)
	assert.Empty(t, c.Messages())
	assert.Equal(t, 1, rec.count(UpdateError))
	channel.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendSurvivesPublishFailure(t *testing.T) {
	store := new(mocks.MessageRepositoryMock)
	channel := new(mocks.ChannelMock)
	stored := models.Message{ID: "m1", ChatRoomID: "r1", UserID: alice, Payload: "hi", CreatedAt: time.Now().UTC(), Status: models.StatusSent}
	store.On("CreateMessage", mock.Anything, "r1", alice, "hi").Return(stored, nil)
	channel.On("Publish", mock.Anything, "r1", "alice-tab", mock.AnythingOfType("broadcast.NewMessage")).Return(apperrors.Transport("publish", errors.New("redis down")))

	c := New(Config{RoomID: "r1", ClientID: "alice-tab", UserID: alice, Store: store, Channel: channel})
	defer c.Close()

	msg, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, stored, msg)
	assert.Equal(t, []models.Message{stored}, c.Messages())
}

func TestReadReceiptFailureIsAttemptedOnce(t *testing.T) {
	store := new(mocks.MessageRepositoryMock)
	hub := broadcast.NewHub(broadcast.Options{})
	msg := models.Message{ID: "m1", ChatRoomID: "r1", UserID: alice, Payload: "hi", CreatedAt: time.Now().UTC(), Status: models.StatusSent}
	store.On("ListRoomMessages", mock.Anything, "r1").Return([]models.Message{msg}, nil)
	attempted := make(chan struct{}, 4)
	store.On("MarkRead", mock.Anything, "m1", bob).
		Run(func(mock.Arguments) { attempted <- struct{}{} }).
		Return(nil, errors.New("db locked"))

	c, rec := start(t, Config{RoomID: "r1", ClientID: "bob-tab", UserID: bob, Store: store, Channel: hub})
	subscribed(t, c)

	select {
	case <-attempted:
	case <-time.After(waitFor):
		t.Fatal("no read receipt attempt")
	}

	// the same message arriving again must not trigger a second attempt
	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, "r1", "alice-tab", broadcast.NewMessage{ID: "m1", Payload: "hi", CreatedAt: msg.CreatedAt, AuthorID: alice}))
	require.NoError(t, hub.Publish(ctx, "r1", "alice-tab", broadcast.PresenceJoin{UserID: alice}))
	require.Eventually(t, func() bool { return rec.count(UpdateJoin) == 1 }, waitFor, 5*time.Millisecond)
	require.NoError(t, c.Close())

	store.AssertNumberOfCalls(t, "MarkRead", 1)
	assert.Equal(t, models.StatusSent, c.Messages()[0].Status)
	assert.Equal(t, 0, rec.count(UpdateError), "receipt failures are not surfaced")
}

func TestMessageReadEventFlipsLocalStatus(t *testing.T) {
	f := newFixture(t)
	hub := broadcast.NewHub(broadcast.Options{})
	ctx := context.Background()

	msg, err := f.store.CreateMessage(ctx, f.room.ID, alice, "hello")
	require.NoError(t, err)

	c, rec := start(t, Config{RoomID: f.room.ID, ClientID: "alice-tab", UserID: alice, Store: f.store, Channel: hub})
	subscribed(t, c)
	require.Equal(t, models.StatusSent, c.Messages()[0].Status)

	require.NoError(t, hub.Publish(ctx, f.room.ID, "bob-tab", broadcast.MessageRead{MessageID: "unknown"}))
	require.NoError(t, hub.Publish(ctx, f.room.ID, "bob-tab", broadcast.MessageRead{MessageID: msg.ID}))
	require.NoError(t, hub.Publish(ctx, f.room.ID, "bob-tab", broadcast.MessageRead{MessageID: msg.ID}))

	require.Eventually(t, func() bool { return c.Messages()[0].IsRead() }, waitFor, 5*time.Millisecond)
	require.NoError(t, hub.Publish(ctx, f.room.ID, "bob-tab", broadcast.PresenceJoin{UserID: bob}))
	require.Eventually(t, func() bool { return rec.count(UpdateJoin) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count(UpdateRead))
	assert.Len(t, c.Messages(), 1)
}

func TestLiveMessagesKeepCreatedAtOrder(t *testing.T) {
	f := newFixture(t)
	hub := broadcast.NewHub(broadcast.Options{})
	ctx := context.Background()

	c, rec := start(t, Config{RoomID: f.room.ID, ClientID: "alice-tab", UserID: alice, Store: f.store, Channel: hub})
	subscribed(t, c)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	events := []broadcast.NewMessage{
		{ID: "late", Payload: "3", CreatedAt: base.Add(2 * time.Second), AuthorID: alice},
		{ID: "early-a", Payload: "1", CreatedAt: base, AuthorID: alice},
		{ID: "early-b", Payload: "2", CreatedAt: base, AuthorID: alice},
	}
	for _, ev := range events {
		require.NoError(t, hub.Publish(ctx, f.room.ID, "alice-phone", ev))
	}
	require.Eventually(t, func() bool { return rec.count(UpdateMessage) == 3 }, waitFor, 5*time.Millisecond)

	var ids []string
	for _, m := range c.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"early-a", "early-b", "late"}, ids)
}

func TestPresenceSyncIsTracked(t *testing.T) {
	f := newFixture(t)
	hub := broadcast.NewHub(broadcast.Options{})

	c, _ := start(t, Config{RoomID: f.room.ID, ClientID: "alice-tab", UserID: alice, Store: f.store, Channel: hub})
	subscribed(t, c)
	require.Eventually(t, func() bool { return len(c.Presence()) == 1 }, waitFor, 5*time.Millisecond)

	other, err := hub.Subscribe(context.Background(), f.room.ID, "bob-tab", bob)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.Presence()) == 2 }, waitFor, 5*time.Millisecond)

	require.NoError(t, other.Close())
	require.Eventually(t, func() bool { return len(c.Presence()) == 1 }, waitFor, 5*time.Millisecond)
}

func TestReconnectResyncsMissedMessages(t *testing.T) {
	f := newFixture(t)
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	channel := broadcast.NewRedisChannel(client, broadcast.Options{}, time.Minute, zap.NewNop())

	c, rec := start(t, Config{
		RoomID:   f.room.ID,
		ClientID: "bob-tab",
		UserID:   bob,
		Store:    f.store,
		Channel:  channel,
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(20*time.Millisecond), 500)
		},
	})
	subscribed(t, c)

	srv.Close()
	require.Eventually(t, func() bool { return rec.sawState(StateDisconnected) }, 10*time.Second, 10*time.Millisecond)

	missed, err := f.store.CreateMessage(context.Background(), f.room.ID, alice, "sent while you were away")
	require.NoError(t, err)
	require.NoError(t, srv.Restart())

	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return c.State() == StateSubscribed && len(msgs) == 1 && msgs[0].ID == missed.ID
	}, 10*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return f.store.calls(missed.ID) == 1 }, waitFor, 5*time.Millisecond)
}

func TestDeletedRoomEndsSession(t *testing.T) {
	store := new(mocks.MessageRepositoryMock)
	store.On("ListRoomMessages", mock.Anything, "gone").Return(nil, apperrors.NotFound("room gone"))

	c, rec := start(t, Config{RoomID: "gone", ClientID: "bob-tab", UserID: bob, Store: store, Channel: broadcast.NewHub(broadcast.Options{})})

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Err(), apperrors.ErrNotFound)
	assert.GreaterOrEqual(t, rec.count(UpdateError), 1)
	store.AssertNumberOfCalls(t, "ListRoomMessages", 1)
}

func TestGivesUpWhenReconnectIsExhausted(t *testing.T) {
	store := new(mocks.MessageRepositoryMock)
	channel := new(mocks.ChannelMock)
	channel.On("Subscribe", mock.Anything, "r1", "bob-tab", bob).Return(nil, apperrors.Transport("subscribe", errors.New("connection refused")))

	c, _ := start(t, Config{
		RoomID:   "r1",
		ClientID: "bob-tab",
		UserID:   bob,
		Store:    store,
		Channel:  channel,
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
		},
	})

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not give up")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Err(), apperrors.ErrTransport)
	channel.AssertNumberOfCalls(t, "Subscribe", 3)

	_, err := c.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(Config{RoomID: "r1", ClientID: "tab", UserID: alice})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())

	_, ok := <-c.Done()
	assert.False(t, ok)
}
