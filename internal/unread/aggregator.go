package unread

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"market-chat/internal/broadcast"
	"market-chat/internal/logger"
)

// Store is the read side of the message repository.
type Store interface {
	CountUnread(ctx context.Context, roomID string, userID int64) (int, error)
	CountUnreadForUser(ctx context.Context, userID int64) (int, error)
}

type RoomLister interface {
	ListRoomIDsForUser(ctx context.Context, userID int64) ([]string, error)
}

// Snapshot is the badge state handed to the observer.
type Snapshot struct {
	Rooms  map[string]int `json:"rooms"`
	Global int            `json:"total_unread"`
	Active string         `json:"active_room_id,omitempty"`
}

// Aggregator caches one user's unread counters. The repository is the
// source of truth: increments are optimistic until the next Load or Reconcile.
type Aggregator struct {
	userID   int64
	store    Store
	rooms    RoomLister
	log      *zap.Logger
	onChange func(Snapshot)

	mu      sync.Mutex
	perRoom map[string]int
	global  int
	active  string
}

func New(userID int64, store Store, rooms RoomLister, log *zap.Logger, onChange func(Snapshot)) *Aggregator {
	return &Aggregator{
		userID:   userID,
		store:    store,
		rooms:    rooms,
		log:      logger.OrNop(log).With(zap.Int64("user_id", userID)),
		onChange: onChange,
		perRoom:  make(map[string]int),
	}
}

// Load recomputes every counter from the repository.
func (a *Aggregator) Load(ctx context.Context) error {
	ids, err := a.rooms.ListRoomIDsForUser(ctx, a.userID)
	if err != nil {
		return err
	}

	counts := make(map[string]int, len(ids))
	for _, id := range ids {
		n, err := a.store.CountUnread(ctx, id, a.userID)
		if err != nil {
			return err
		}
		counts[id] = n
	}
	global, err := a.store.CountUnreadForUser(ctx, a.userID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if n, ok := counts[a.active]; ok {
		global -= n
		counts[a.active] = 0
	}
	a.perRoom = counts
	a.global = global
	a.mu.Unlock()

	a.notify()
	return nil
}

// Reconcile replaces the global counter with the repository value.
func (a *Aggregator) Reconcile(ctx context.Context) error {
	changed, err := a.reconcile(ctx)
	if err != nil {
		return err
	}
	if changed {
		a.notify()
	}
	return nil
}

// reconcile treats the active room as read even while its receipts are in flight.
func (a *Aggregator) reconcile(ctx context.Context) (bool, error) {
	global, err := a.store.CountUnreadForUser(ctx, a.userID)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	if active != "" {
		n, err := a.store.CountUnread(ctx, active, a.userID)
		if err != nil {
			return false, err
		}
		global -= n
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	changed := a.global != global
	a.global = global
	return changed, nil
}

func (a *Aggregator) RoomUnread(roomID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.perRoom[roomID]
}

func (a *Aggregator) GlobalUnread() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.global
}

// RoomIDs lists the rooms the aggregator currently tracks.
func (a *Aggregator) RoomIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.perRoom))
	for id := range a.perRoom {
		ids = append(ids, id)
	}
	return ids
}

// SetActive marks the room the user is viewing. Its counter drops to zero
// locally and stays there until another room becomes active. An empty id
// clears the active room.
func (a *Aggregator) SetActive(roomID string) {
	a.mu.Lock()
	a.active = roomID
	if roomID != "" {
		if n := a.perRoom[roomID]; n > 0 {
			a.global -= n
			if a.global < 0 {
				a.global = 0
			}
		}
		a.perRoom[roomID] = 0
	}
	a.mu.Unlock()
	a.notify()
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	rooms := make(map[string]int, len(a.perRoom))
	for id, n := range a.perRoom {
		rooms[id] = n
	}
	return Snapshot{Rooms: rooms, Global: a.global, Active: a.active}
}

// OnEvent applies a broadcast event from one of the user's rooms.
func (a *Aggregator) OnEvent(ctx context.Context, roomID string, ev broadcast.Event) {
	switch e := ev.(type) {
	case broadcast.NewMessage:
		if e.AuthorID == a.userID {
			return
		}
		a.mu.Lock()
		if roomID == a.active {
			a.mu.Unlock()
			return
		}
		a.global++
		a.mu.Unlock()
		a.refreshRoom(ctx, roomID)
		a.notify()
	case broadcast.MessageRead:
		// another tab or device read something
		a.refreshRoom(ctx, roomID)
		if _, err := a.reconcile(ctx); err != nil {
			a.log.Warn("unread reconcile failed", zap.Error(err))
		}
		a.notify()
	}
}

func (a *Aggregator) refreshRoom(ctx context.Context, roomID string) {
	n, err := a.store.CountUnread(ctx, roomID, a.userID)
	if err != nil {
		a.log.Warn("room unread refresh failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	a.mu.Lock()
	if roomID != a.active {
		a.perRoom[roomID] = n
	}
	a.mu.Unlock()
}

func (a *Aggregator) notify() {
	if a.onChange != nil {
		a.onChange(a.Snapshot())
	}
}

type roomEvent struct {
	roomID string
	ev     broadcast.Event
}

// Run loads the counters, watches every room of the user and applies
// their events until ctx is done. Every interval the room list is
// re-read, new rooms are watched, dropped subscriptions are reopened and
// the global counter is reconciled.
func (a *Aggregator) Run(ctx context.Context, channel broadcast.Channel, interval time.Duration) error {
	if err := a.Load(ctx); err != nil {
		return err
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	events := make(chan roomEvent, 64)
	var (
		mu      sync.Mutex
		watched = make(map[string]broadcast.Subscription)
		wg      sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		for _, sub := range watched {
			_ = sub.Close()
		}
		mu.Unlock()
		wg.Wait()
	}()

	watch := func() {
		tracked := a.RoomIDs()
		keep := make(map[string]bool, len(tracked))
		for _, roomID := range tracked {
			keep[roomID] = true
		}
		mu.Lock()
		for roomID, sub := range watched {
			if !keep[roomID] {
				delete(watched, roomID)
				_ = sub.Close()
			}
		}
		mu.Unlock()

		for _, roomID := range tracked {
			mu.Lock()
			_, ok := watched[roomID]
			mu.Unlock()
			if ok {
				continue
			}

			sub, err := channel.Watch(ctx, roomID)
			if err != nil {
				a.log.Warn("watch room failed", zap.String("room_id", roomID), zap.Error(err))
				continue
			}
			mu.Lock()
			watched[roomID] = sub
			mu.Unlock()

			wg.Add(1)
			go func(roomID string, sub broadcast.Subscription) {
				defer wg.Done()
				for ev := range sub.Events() {
					select {
					case events <- roomEvent{roomID: roomID, ev: ev}:
					case <-ctx.Done():
						return
					}
				}
				if err := sub.Err(); err != nil {
					a.log.Info("room watch dropped", zap.String("room_id", roomID), zap.Error(err))
				}
				mu.Lock()
				if watched[roomID] == sub {
					delete(watched, roomID)
				}
				mu.Unlock()
			}(roomID, sub)
		}
	}
	watch()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case re := <-events:
			a.OnEvent(ctx, re.roomID, re.ev)
		case <-ticker.C:
			if err := a.Load(ctx); err != nil {
				a.log.Warn("unread reload failed", zap.Error(err))
				continue
			}
			watch()
		}
	}
}
