package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"market-chat/internal/apperrors"
	"market-chat/internal/logger"
	"market-chat/internal/observability"
)

const presenceKeyPrefix = "presence:"

// RedisChannel is the Channel shared by every instance through Redis pub/sub.
// Presence entries live in one hash per room keyed by user and client id.
// Each heartbeat restamps its own entry; entries not restamped within
// presenceTTL belong to a dead subscription and are pruned on read.
type RedisChannel struct {
	client      *goredis.Client
	opts        Options
	presenceTTL time.Duration
	log         *zap.Logger
	now         func() time.Time
}

type presenceRecord struct {
	PresenceEntry
	SeenAt time.Time `json:"seen_at"`
}

func NewRedisChannel(client *goredis.Client, opts Options, presenceTTL time.Duration, log *zap.Logger) *RedisChannel {
	if presenceTTL <= 0 {
		presenceTTL = 2 * time.Minute
	}
	return &RedisChannel{client: client, opts: opts, presenceTTL: presenceTTL, log: logger.OrNop(log), now: time.Now}
}

func presenceKey(roomID string) string {
	return presenceKeyPrefix + Topic(roomID)
}

func presenceField(entry PresenceEntry) string {
	return strconv.FormatInt(entry.UserID, 10) + ":" + entry.ClientID
}

// Publish encodes ev and publishes it on the room topic.
func (c *RedisChannel) Publish(ctx context.Context, roomID, originID string, ev Event) error {
	data, err := Encode(originID, ev)
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, Topic(roomID), data).Err(); err != nil {
		observability.IncBroadcastPublishError()
		return apperrors.Transport("publish "+Topic(roomID), err)
	}
	return nil
}

// Presence reads the room's presence hash and removes stale entries.
func (c *RedisChannel) Presence(ctx context.Context, roomID string) ([]PresenceEntry, error) {
	raw, err := c.client.HGetAll(ctx, presenceKey(roomID)).Result()
	if err != nil {
		return nil, apperrors.Transport("presence "+roomID, err)
	}
	cutoff := c.now().Add(-c.presenceTTL)
	entries := make([]PresenceEntry, 0, len(raw))
	var stale []string
	for field, v := range raw {
		var rec presenceRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil || rec.SeenAt.Before(cutoff) {
			stale = append(stale, field)
			continue
		}
		entries = append(entries, rec.PresenceEntry)
	}
	if len(stale) > 0 {
		if err := c.client.HDel(ctx, presenceKey(roomID), stale...).Err(); err != nil {
			c.log.Warn("presence prune failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}
	sortEntries(entries)
	return entries, nil
}

// Subscribe waits for the SUBSCRIBE confirmation before registering presence,
// so the subscriber sees its own presence_sync.
func (c *RedisChannel) Subscribe(ctx context.Context, roomID, clientID string, userID int64) (Subscription, error) {
	entry := PresenceEntry{UserID: userID, RoomID: roomID, ClientID: clientID, ConnectedAt: time.Now().UTC()}
	sub, err := c.subscribe(ctx, entry, false)
	if err != nil {
		return nil, err
	}

	if err := c.Publish(ctx, roomID, clientID, PresenceJoin{UserID: userID}); err != nil {
		c.log.Warn("presence join publish failed", zap.String("room_id", roomID), zap.Error(err))
	}
	c.publishSync(ctx, roomID)
	return sub, nil
}

// Watch listens to the room without touching the presence hash.
func (c *RedisChannel) Watch(ctx context.Context, roomID string) (Subscription, error) {
	return c.subscribe(ctx, PresenceEntry{RoomID: roomID}, true)
}

func (c *RedisChannel) subscribe(ctx context.Context, entry PresenceEntry, silent bool) (*redisSubscription, error) {
	ps := c.client.Subscribe(ctx, Topic(entry.RoomID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, apperrors.Transport("subscribe "+Topic(entry.RoomID), err)
	}

	if !silent {
		if err := c.track(ctx, entry); err != nil {
			ps.Close()
			return nil, err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		channel: c,
		ps:      ps,
		entry:   entry,
		silent:  silent,
		events:  make(chan Event, c.opts.buffer()),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go sub.receive(loopCtx)
	if !silent {
		go sub.heartbeat(loopCtx)
	}
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-loopCtx.Done():
		}
	}()
	return sub, nil
}

func (c *RedisChannel) track(ctx context.Context, entry PresenceEntry) error {
	data, err := json.Marshal(presenceRecord{PresenceEntry: entry, SeenAt: c.now().UTC()})
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, presenceKey(entry.RoomID), presenceField(entry), data)
	pipe.Expire(ctx, presenceKey(entry.RoomID), c.presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Transport("track presence", err)
	}
	return nil
}

func (c *RedisChannel) publishSync(ctx context.Context, roomID string) {
	members, err := c.Presence(ctx, roomID)
	if err != nil {
		c.log.Warn("presence read failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if err := c.Publish(ctx, roomID, "", PresenceSync{Members: members}); err != nil {
		c.log.Warn("presence sync publish failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

type redisSubscription struct {
	channel *RedisChannel
	ps      *goredis.PubSub
	entry   PresenceEntry
	silent  bool
	events  chan Event
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
	once   sync.Once
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSubscription) receive(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closed && ctx.Err() == nil {
				s.err = apperrors.Transport("receive "+Topic(s.entry.RoomID), err)
			}
			s.mu.Unlock()
			s.cancel()
			return
		}

		origin, ev, err := Decode([]byte(msg.Payload))
		if err != nil {
			s.channel.log.Warn("dropping undecodable broadcast", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		if origin != "" && origin == s.entry.ClientID && !s.channel.opts.Self {
			continue
		}
		select {
		case s.events <- ev:
		default:
			observability.IncBroadcastDropped()
		}
	}
}

// heartbeat restamps the entry and keeps the presence hash alive while the subscription is open.
func (s *redisSubscription) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.channel.presenceTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.channel.track(ctx, s.entry); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
				s.channel.log.Warn("presence heartbeat failed", zap.String("room_id", s.entry.RoomID), zap.Error(err))
			}
		}
	}
}

// Close unsubscribes, drops the presence entry and announces the leave.
func (s *redisSubscription) Close() error {
	var closeErr error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		closeErr = s.ps.Close()
		<-s.done
		if s.silent {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c := s.channel
		if err := c.client.HDel(ctx, presenceKey(s.entry.RoomID), presenceField(s.entry)).Err(); err != nil {
			c.log.Warn("presence untrack failed", zap.String("room_id", s.entry.RoomID), zap.Error(err))
		}
		if err := c.Publish(ctx, s.entry.RoomID, s.entry.ClientID, PresenceLeave{UserID: s.entry.UserID}); err != nil {
			c.log.Warn("presence leave publish failed", zap.String("room_id", s.entry.RoomID), zap.Error(err))
		}
		c.publishSync(ctx, s.entry.RoomID)
	})
	return closeErr
}
