package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockGoChatRepository struct {
	mock.Mock
}

func (m *MockGoChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockGoChatRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) GetUserById(ctx context.Context, userId int) (User, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) CreateGroup(ctx context.Context, params CreateGroupParams) (Group, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Group), args.Error(1)
}
func (m *MockGoChatRepository) GetGroup(ctx context.Context, groupId string) (Group, error) {
	args := m.Called(ctx, groupId)
	return args.Get(0).(Group), args.Error(1)
}
func (m *MockGoChatRepository) ListGroups(ctx context.Context, params ListGroupsParams) ([]GroupSummary, error) {
	args := m.Called(ctx, params)
	if groups, ok := args.Get(0).([]GroupSummary); ok {
		return groups, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockGoChatRepository) DeleteGroup(ctx context.Context, groupId string, ownerId int) error {
	args := m.Called(ctx, groupId, ownerId)
	return args.Error(0)
}
func (m *MockGoChatRepository) GetMember(ctx context.Context, userId int, groupId string) (Member, error) {
	args := m.Called(ctx, userId, groupId)
	return args.Get(0).(Member), args.Error(1)
}
func (m *MockGoChatRepository) ListMembers(ctx context.Context, groupId string) ([]Member, error) {
	args := m.Called(ctx, groupId)
	if members, ok := args.Get(0).([]Member); ok {
		return members, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockGoChatRepository) CountMembers(ctx context.Context, groupId string) (int, error) {
	args := m.Called(ctx, groupId)
	return args.Int(0), args.Error(1)
}
func (m *MockGoChatRepository) AddMember(ctx context.Context, userId int, groupId string, joinedAt time.Time) (Member, error) {
	args := m.Called(ctx, userId, groupId, joinedAt)
	return args.Get(0).(Member), args.Error(1)
}
func (m *MockGoChatRepository) PromoteMember(ctx context.Context, userId int, groupId string) (Member, error) {
	args := m.Called(ctx, userId, groupId)
	return args.Get(0).(Member), args.Error(1)
}
func (m *MockGoChatRepository) RemoveMember(ctx context.Context, params RemoveMemberParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}
func (m *MockGoChatRepository) TransferOwnership(ctx context.Context, groupId string, fromUserId, toUserId int, at time.Time) error {
	args := m.Called(ctx, groupId, fromUserId, toUserId, at)
	return args.Error(0)
}
func (m *MockGoChatRepository) GetBan(ctx context.Context, userId int, groupId string) (Ban, error) {
	args := m.Called(ctx, userId, groupId)
	return args.Get(0).(Ban), args.Error(1)
}
func (m *MockGoChatRepository) DeleteExpiredBan(ctx context.Context, userId int, groupId string, expiredBefore time.Time) (bool, error) {
	args := m.Called(ctx, userId, groupId, expiredBefore)
	return args.Bool(0), args.Error(1)
}
func (m *MockGoChatRepository) GetJoinRequest(ctx context.Context, userId int, groupId string) (JoinRequest, error) {
	args := m.Called(ctx, userId, groupId)
	return args.Get(0).(JoinRequest), args.Error(1)
}
func (m *MockGoChatRepository) RequestToJoin(ctx context.Context, userId int, groupId string, at time.Time) (JoinRequest, error) {
	args := m.Called(ctx, userId, groupId, at)
	return args.Get(0).(JoinRequest), args.Error(1)
}
func (m *MockGoChatRepository) ApproveJoinRequest(ctx context.Context, userId int, groupId string, at time.Time) (Member, error) {
	args := m.Called(ctx, userId, groupId, at)
	return args.Get(0).(Member), args.Error(1)
}
func (m *MockGoChatRepository) RejectJoinRequest(ctx context.Context, userId int, groupId string, at time.Time) error {
	args := m.Called(ctx, userId, groupId, at)
	return args.Error(0)
}
func (m *MockGoChatRepository) ListPendingRequests(ctx context.Context, groupId string) ([]JoinRequest, error) {
	args := m.Called(ctx, groupId)
	if requests, ok := args.Get(0).([]JoinRequest); ok {
		return requests, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockGoChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) ListMessages(ctx context.Context, params ListMessagesParams) ([]Message, error) {
	args := m.Called(ctx, params)
	if messages, ok := args.Get(0).([]Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockGoChatRepository) CountMessages(ctx context.Context, groupId string) (int, error) {
	args := m.Called(ctx, groupId)
	return args.Int(0), args.Error(1)
}
