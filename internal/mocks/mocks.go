package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"market-chat/internal/broadcast"
	"market-chat/internal/models"
)

type RoomRepositoryMock struct {
	mock.Mock
}

func (m *RoomRepositoryMock) CreateOrGetRoom(ctx context.Context, productID, buyerID, sellerID int64) (models.ChatRoom, bool, error) {
	args := m.Called(ctx, productID, buyerID, sellerID)
	var room models.ChatRoom
	if val := args.Get(0); val != nil {
		room = val.(models.ChatRoom)
	}
	return room, args.Bool(1), args.Error(2)
}

func (m *RoomRepositoryMock) GetRoom(ctx context.Context, roomID string) (models.ChatRoom, error) {
	args := m.Called(ctx, roomID)
	var room models.ChatRoom
	if val := args.Get(0); val != nil {
		room = val.(models.ChatRoom)
	}
	return room, args.Error(1)
}

func (m *RoomRepositoryMock) IsMember(ctx context.Context, roomID string, userID int64) (bool, error) {
	args := m.Called(ctx, roomID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *RoomRepositoryMock) ListRoomsForUser(ctx context.Context, userID int64) ([]models.RoomSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.RoomSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.RoomSummary)
	}
	return list, args.Error(1)
}

func (m *RoomRepositoryMock) ListRoomIDsForUser(ctx context.Context, userID int64) ([]string, error) {
	args := m.Called(ctx, userID)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

func (m *RoomRepositoryMock) DeleteRoom(ctx context.Context, roomID string, requesterID int64) error {
	args := m.Called(ctx, roomID, requesterID)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, roomID string, authorID int64, text string) (models.Message, error) {
	args := m.Called(ctx, roomID, authorID, text)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, messageID string, readerID int64) (models.Message, error) {
	args := m.Called(ctx, messageID, readerID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListRoomMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	args := m.Called(ctx, roomID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) CountUnread(ctx context.Context, roomID string, userID int64) (int, error) {
	args := m.Called(ctx, roomID, userID)
	return args.Int(0), args.Error(1)
}

func (m *MessageRepositoryMock) CountUnreadForUser(ctx context.Context, userID int64) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) UpsertUser(ctx context.Context, user models.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *UserRepositoryMock) BulkUsers(ctx context.Context, ids []int64) ([]models.User, error) {
	args := m.Called(ctx, ids)
	var users []models.User
	if val := args.Get(0); val != nil {
		users = val.([]models.User)
	}
	return users, args.Error(1)
}

type ChannelMock struct {
	mock.Mock
}

func (m *ChannelMock) Subscribe(ctx context.Context, roomID, clientID string, userID int64) (broadcast.Subscription, error) {
	args := m.Called(ctx, roomID, clientID, userID)
	var sub broadcast.Subscription
	if val := args.Get(0); val != nil {
		sub = val.(broadcast.Subscription)
	}
	return sub, args.Error(1)
}

func (m *ChannelMock) Watch(ctx context.Context, roomID string) (broadcast.Subscription, error) {
	args := m.Called(ctx, roomID)
	var sub broadcast.Subscription
	if val := args.Get(0); val != nil {
		sub = val.(broadcast.Subscription)
	}
	return sub, args.Error(1)
}

func (m *ChannelMock) Publish(ctx context.Context, roomID, originID string, ev broadcast.Event) error {
	args := m.Called(ctx, roomID, originID, ev)
	return args.Error(0)
}

func (m *ChannelMock) Presence(ctx context.Context, roomID string) ([]broadcast.PresenceEntry, error) {
	args := m.Called(ctx, roomID)
	var entries []broadcast.PresenceEntry
	if val := args.Get(0); val != nil {
		entries = val.([]broadcast.PresenceEntry)
	}
	return entries, args.Error(1)
}
