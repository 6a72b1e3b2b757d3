package broadcast

import (
	"context"
)

// Channel is a per-room publish/subscribe transport. Delivery is best
// effort and at most once per subscriber; nothing is replayed.
type Channel interface {
	// Subscribe opens a subscription and registers a presence entry for it.
	Subscribe(ctx context.Context, roomID, clientID string, userID int64) (Subscription, error)
	// Watch opens a subscription that is invisible to presence and
	// receives every publish, including those of the watcher's own user.
	Watch(ctx context.Context, roomID string) (Subscription, error)
	// Publish fans ev out to the room. originID identifies the publishing
	// client and is used for the self-delivery policy; it may be empty.
	Publish(ctx context.Context, roomID, originID string, ev Event) error
	// Presence lists the open subscriptions of a room.
	Presence(ctx context.Context, roomID string) ([]PresenceEntry, error)
}

type Subscription interface {
	// Events is closed after Close or when the transport drops.
	Events() <-chan Event
	// Err reports why Events was closed: nil after Close, a transport error otherwise.
	Err() error
	Close() error
}

// Topic is the transport-level name of a room's channel.
func Topic(roomID string) string {
	return "chat:" + roomID
}

// Options tune both implementations.
type Options struct {
	// Self delivers a client's own publishes back to it.
	Self bool
	// BufferSize bounds each subscriber queue; overflow is dropped.
	BufferSize int
}

func (o Options) buffer() int {
	if o.BufferSize <= 0 {
		return 64
	}
	return o.BufferSize
}
