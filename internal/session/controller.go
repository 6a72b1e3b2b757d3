package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"market-chat/internal/apperrors"
	"market-chat/internal/broadcast"
	"market-chat/internal/logger"
	"market-chat/internal/models"
	"market-chat/internal/observability"
)

// ErrClosed is returned by Send after Close or after reconnecting gave up.
var ErrClosed = errors.New("session closed")

// Store is the part of the message repository a session needs.
type Store interface {
	ListRoomMessages(ctx context.Context, roomID string) ([]models.Message, error)
	CreateMessage(ctx context.Context, roomID string, authorID int64, text string) (models.Message, error)
	MarkRead(ctx context.Context, messageID string, readerID int64) (models.Message, error)
}

type Config struct {
	RoomID   string
	ClientID string
	UserID   int64

	Store   Store
	Channel broadcast.Channel
	Logger  *zap.Logger

	// OnUpdate must not call back into the controller while blocking on it.
	OnUpdate func(Update)

	// ReconnectMaxElapsed bounds the exponential reconnect schedule. Zero
	// means the backoff library default.
	ReconnectMaxElapsed time.Duration
	// NewBackOff overrides the reconnect schedule.
	NewBackOff func() backoff.BackOff
}

// Controller owns one client's view of one room: the merged message list,
// the presence list and the read receipts it has already attempted.
type Controller struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	state     State
	messages  []models.Message
	known     map[string]struct{}
	attempted map[string]struct{}
	presence  []broadcast.PresenceEntry
	lastErr   error

	emitMu sync.Mutex

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	receipts  sync.WaitGroup
}

func New(cfg Config) *Controller {
	log := logger.OrNop(cfg.Logger).With(
		zap.String("room_id", cfg.RoomID),
		zap.String("client_id", cfg.ClientID),
		zap.Int64("user_id", cfg.UserID),
	)
	return &Controller{
		cfg:       cfg,
		log:       log,
		state:     StateDisconnected,
		known:     make(map[string]struct{}),
		attempted: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the event loop. It returns immediately; use Done to learn
// when the session reached its terminal state.
func (c *Controller) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(loopCtx)
}

// Done is closed once the event loop has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Close stops the loop, closes the subscription and waits for in-flight read receipts.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.lifecycle.Lock()
		cancel := c.cancel
		if cancel == nil {
			// never started
			c.cancel = func() {}
			close(c.done)
		}
		c.lifecycle.Unlock()

		if cancel != nil {
			cancel()
		}
		<-c.done
		c.receipts.Wait()
		c.setState(StateClosed)
	})
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a copy of the merged list, oldest first.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.messages...)
}

func (c *Controller) Presence() []broadcast.PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broadcast.PresenceEntry(nil), c.presence...)
}

// Err returns the last error that was surfaced to the observer.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Send persists text, merges the stored message and announces it. A store
// failure leaves the local list untouched. A failed publish is only logged:
// the message is durable and other clients pick it up on their next resync.
func (c *Controller) Send(ctx context.Context, text string) (models.Message, error) {
	if c.State() == StateClosed {
		return models.Message{}, ErrClosed
	}

	msg, err := c.cfg.Store.CreateMessage(ctx, c.cfg.RoomID, c.cfg.UserID, text)
	if err != nil {
		c.fail(err)
		return models.Message{}, err
	}
	observability.IncMessageCreated()

	if c.merge(msg) {
		c.emit(Update{Kind: UpdateMessage, Message: &msg})
	}

	ev := broadcast.NewMessage{ID: msg.ID, Payload: msg.Payload, CreatedAt: msg.CreatedAt, AuthorID: msg.UserID}
	if err := c.cfg.Channel.Publish(ctx, c.cfg.RoomID, c.cfg.ClientID, ev); err != nil {
		c.log.Warn("new_message publish failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return msg, nil
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	for {
		sub, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("room session gave up", zap.Error(err))
				c.fail(err)
				c.setState(StateClosed)
			}
			return
		}

		dropErr := c.consume(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}

		c.log.Info("room subscription dropped, reconnecting", zap.Error(dropErr))
		if dropErr != nil {
			c.fail(dropErr)
		}
		c.setState(StateDisconnected)
		observability.IncSessionReconnect()
	}
}

func (c *Controller) newBackOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if c.cfg.NewBackOff != nil {
		b = c.cfg.NewBackOff()
	} else {
		exp := backoff.NewExponentialBackOff()
		if c.cfg.ReconnectMaxElapsed > 0 {
			exp.MaxElapsedTime = c.cfg.ReconnectMaxElapsed
		}
		b = exp
	}
	return backoff.WithContext(b, ctx)
}

// connect subscribes first and resyncs second, so nothing published in
// between is lost; the merge dedupes the overlap.
func (c *Controller) connect(ctx context.Context) (broadcast.Subscription, error) {
	attempt := func() (broadcast.Subscription, error) {
		c.setState(StateConnecting)

		sub, err := c.cfg.Channel.Subscribe(ctx, c.cfg.RoomID, c.cfg.ClientID, c.cfg.UserID)
		if err != nil {
			c.setState(StateDisconnected)
			return nil, err
		}

		if err := c.resync(ctx); err != nil {
			_ = sub.Close()
			c.setState(StateDisconnected)
			if errors.Is(err, apperrors.ErrNotFound) {
				// the room was deleted
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		c.setState(StateSubscribed)
		return sub, nil
	}

	notify := func(err error, wait time.Duration) {
		c.log.Debug("room session connect failed", zap.Duration("retry_in", wait), zap.Error(err))
	}
	return backoff.RetryNotifyWithData(attempt, c.newBackOff(ctx), notify)
}

func (c *Controller) resync(ctx context.Context) error {
	ctx, span := observability.Tracer("session").Start(ctx, "session.resync")
	defer span.End()

	stored, err := c.cfg.Store.ListRoomMessages(ctx, c.cfg.RoomID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	c.mu.Lock()
	for _, msg := range stored {
		if _, ok := c.known[msg.ID]; ok {
			if msg.IsRead() {
				c.markReadLocked(msg.ID)
			}
			continue
		}
		c.insertLocked(msg)
	}
	snapshot := append([]models.Message(nil), c.messages...)
	c.mu.Unlock()

	c.emit(Update{Kind: UpdateSnapshot, Messages: snapshot})
	c.scheduleReceipts(ctx)
	return nil
}

// consume returns the transport error that ended the subscription, if any.
func (c *Controller) consume(ctx context.Context, sub broadcast.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return apperrors.Transport("subscription "+c.cfg.RoomID, errors.New("closed by channel"))
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev broadcast.Event) {
	switch e := ev.(type) {
	case broadcast.NewMessage:
		msg := models.Message{
			ID:         e.ID,
			ChatRoomID: c.cfg.RoomID,
			UserID:     e.AuthorID,
			Payload:    e.Payload,
			CreatedAt:  e.CreatedAt,
			Status:     models.StatusSent,
		}
		if c.merge(msg) {
			c.emit(Update{Kind: UpdateMessage, Message: &msg})
			c.scheduleReceipts(ctx)
		}
	case broadcast.MessageRead:
		c.applyRead(e.MessageID)
	case broadcast.PresenceJoin:
		c.emit(Update{Kind: UpdateJoin, UserID: e.UserID})
	case broadcast.PresenceLeave:
		c.emit(Update{Kind: UpdateLeave, UserID: e.UserID})
	case broadcast.PresenceSync:
		c.mu.Lock()
		c.presence = append([]broadcast.PresenceEntry(nil), e.Members...)
		c.mu.Unlock()
		c.emit(Update{Kind: UpdatePresence, Presence: append([]broadcast.PresenceEntry(nil), e.Members...)})
	}
}

// merge inserts msg unless its id is already held. It reports whether the list changed.
func (c *Controller) merge(msg models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.known[msg.ID]; ok {
		return false
	}
	c.insertLocked(msg)
	return true
}

// insertLocked keeps messages ordered by CreatedAt; equal timestamps keep arrival order.
func (c *Controller) insertLocked(msg models.Message) {
	i := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	c.messages = append(c.messages, models.Message{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = msg
	c.known[msg.ID] = struct{}{}
}

func (c *Controller) markReadLocked(id string) (models.Message, bool) {
	for i := range c.messages {
		if c.messages[i].ID != id {
			continue
		}
		if c.messages[i].IsRead() {
			return models.Message{}, false
		}
		c.messages[i].Status = models.StatusRead
		return c.messages[i], true
	}
	return models.Message{}, false
}

// applyRead flips a held message to read. Unknown or already read ids are ignored.
func (c *Controller) applyRead(id string) {
	c.mu.Lock()
	msg, changed := c.markReadLocked(id)
	c.mu.Unlock()
	if changed {
		c.emit(Update{Kind: UpdateRead, Message: &msg})
	}
}

// scheduleReceipts claims every unread message from another author before
// any network call starts, so each message gets at most one receipt attempt
// per controller.
func (c *Controller) scheduleReceipts(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	var pending []string
	for _, msg := range c.messages {
		if msg.UserID == c.cfg.UserID || msg.IsRead() {
			continue
		}
		if _, ok := c.attempted[msg.ID]; ok {
			continue
		}
		c.attempted[msg.ID] = struct{}{}
		pending = append(pending, msg.ID)
	}
	c.mu.Unlock()

	for _, id := range pending {
		c.receipts.Add(1)
		go c.sendReceipt(ctx, id)
	}
}

// sendReceipt is best effort: failures are logged and the badge stays until
// a later sync.
func (c *Controller) sendReceipt(ctx context.Context, id string) {
	defer c.receipts.Done()

	if _, err := c.cfg.Store.MarkRead(ctx, id, c.cfg.UserID); err != nil {
		observability.IncReadReceipt("failed")
		c.log.Warn("mark read failed", zap.String("message_id", id), zap.Error(err))
		return
	}
	c.applyRead(id)

	if err := c.cfg.Channel.Publish(ctx, c.cfg.RoomID, c.cfg.ClientID, broadcast.MessageRead{MessageID: id}); err != nil {
		observability.IncReadReceipt("failed")
		c.log.Warn("message_read publish failed", zap.String("message_id", id), zap.Error(err))
		return
	}
	observability.IncReadReceipt("ok")
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.emit(Update{Kind: UpdateState, State: s})
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.emit(Update{Kind: UpdateError, Err: err})
}

func (c *Controller) emit(u Update) {
	if c.cfg.OnUpdate == nil {
		return
	}
	if u.Kind != UpdateState {
		u.State = c.State()
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.cfg.OnUpdate(u)
}
