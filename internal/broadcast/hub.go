package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"

	"market-chat/internal/observability"
)

// Hub is the in-process Channel. It serves a single instance deployment and tests.
type Hub struct {
	rooms map[string]map[*hubSubscription]struct{}
	opts  Options
	mu    sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	return &Hub{
		rooms: make(map[string]map[*hubSubscription]struct{}),
		opts:  opts,
	}
}

type hubSubscription struct {
	hub    *Hub
	entry  PresenceEntry
	silent bool
	events chan Event
	once   sync.Once
	stop   chan struct{}
}

func (s *hubSubscription) Events() <-chan Event { return s.events }

// Err is always nil: an in-process hub has no transport to lose.
func (s *hubSubscription) Err() error { return nil }

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.hub.remove(s)
	})
	return nil
}

// Subscribe registers a subscription for the room and announces it.
func (h *Hub) Subscribe(ctx context.Context, roomID, clientID string, userID int64) (Subscription, error) {
	return h.subscribe(ctx, roomID, clientID, userID, false), nil
}

// Watch listens to the room without a presence entry.
func (h *Hub) Watch(ctx context.Context, roomID string) (Subscription, error) {
	return h.subscribe(ctx, roomID, "", 0, true), nil
}

func (h *Hub) subscribe(ctx context.Context, roomID, clientID string, userID int64, silent bool) *hubSubscription {
	sub := &hubSubscription{
		hub:    h,
		silent: silent,
		entry: PresenceEntry{
			UserID:      userID,
			RoomID:      roomID,
			ClientID:    clientID,
			ConnectedAt: time.Now().UTC(),
		},
		events: make(chan Event, h.opts.buffer()),
		stop:   make(chan struct{}),
	}

	h.mu.Lock()
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[*hubSubscription]struct{})
	}
	h.rooms[roomID][sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.stop:
		}
	}()

	if !silent {
		h.deliver(roomID, clientID, PresenceJoin{UserID: userID})
		h.deliver(roomID, "", PresenceSync{Members: h.members(roomID)})
	}
	return sub
}

func (h *Hub) remove(sub *hubSubscription) {
	roomID := sub.entry.RoomID

	h.mu.Lock()
	if subs, ok := h.rooms[roomID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.rooms, roomID)
		}
	}
	close(sub.events)
	h.mu.Unlock()

	if sub.silent {
		return
	}
	h.deliver(roomID, sub.entry.ClientID, PresenceLeave{UserID: sub.entry.UserID})
	h.deliver(roomID, "", PresenceSync{Members: h.members(roomID)})
}

// Publish sends ev to every subscriber of the room.
func (h *Hub) Publish(_ context.Context, roomID, originID string, ev Event) error {
	h.deliver(roomID, originID, ev)
	return nil
}

func (h *Hub) Presence(_ context.Context, roomID string) ([]PresenceEntry, error) {
	return h.members(roomID), nil
}

// deliver never blocks: a subscriber with a full queue misses the event.
func (h *Hub) deliver(roomID, originID string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.rooms[roomID] {
		if originID != "" && sub.entry.ClientID == originID && !h.opts.Self {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			observability.IncBroadcastDropped()
		}
	}
}

func (h *Hub) members(roomID string) []PresenceEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make([]PresenceEntry, 0, len(h.rooms[roomID]))
	for sub := range h.rooms[roomID] {
		if !sub.silent {
			members = append(members, sub.entry)
		}
	}
	sortEntries(members)
	return members
}

func sortEntries(entries []PresenceEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ConnectedAt.Equal(entries[j].ConnectedAt) {
			return entries[i].ConnectedAt.Before(entries[j].ConnectedAt)
		}
		return entries[i].ClientID < entries[j].ClientID
	})
}
