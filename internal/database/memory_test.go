package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newSeededRepo(t *testing.T, users int) (*MemGoChatRepository, []User) {
	t.Helper()

	repo := NewMemGoChatRepository()
	created := make([]User, 0, users)
	for i := 0; i < users; i++ {
		u, err := repo.CreateUser(context.Background(), CreateUserParams{
			Email:     fmt.Sprintf("user%d@example.com", i),
			FirstName: "User",
			LastName:  fmt.Sprint(i),
			CreatedAt: epoch,
		})
		require.NoError(t, err)
		created = append(created, u)
	}

	return repo, created
}

func createTestGroup(t *testing.T, repo *MemGoChatRepository, id string, owner, maxMembers int) Group {
	t.Helper()

	g, err := repo.CreateGroup(context.Background(), CreateGroupParams{
		Id:         id,
		Name:       "group " + id,
		Type:       GroupPublic,
		MaxMembers: maxMembers,
		OwnerId:    owner,
		CreatedAt:  epoch,
	})
	require.NoError(t, err)
	return g
}

func TestMemCreateUser(t *testing.T) {
	ctx := context.Background()
	repo, users := newSeededRepo(t, 1)

	_, err := repo.CreateUser(ctx, CreateUserParams{Email: "USER0@example.com"})
	assert.ErrorIs(t, err, ErrConflict, "expected case-insensitive email conflict")

	u, err := repo.GetUserByEmail(ctx, "User0@Example.com")
	require.NoError(t, err)
	assert.Equal(t, users[0].Id, u.Id)

	_, err = repo.GetUserById(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemCreateGroupAddsOwner(t *testing.T) {
	ctx := context.Background()
	repo, users := newSeededRepo(t, 1)
	g := createTestGroup(t, repo, "g1", users[0].Id, 10)

	m, err := repo.GetMember(ctx, users[0].Id, g.Id)
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, m.Role)

	_, err = repo.CreateGroup(ctx, CreateGroupParams{Id: "g1", OwnerId: users[0].Id, MaxMembers: 1})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemAddMember(t *testing.T) {
	ctx := context.Background()
	repo, users := newSeededRepo(t, 3)
	g := createTestGroup(t, repo, "g1", users[0].Id, 2)

	tcases := []struct {
		name   string
		userId int
		group  string
		expect error
	}{
		{name: "admits member", userId: users[1].Id, group: g.Id},
		{name: "group full", userId: users[2].Id, group: g.Id, expect: ErrGroupFull},
		{name: "unknown group", userId: users[2].Id, group: "missing", expect: ErrNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := repo.AddMember(ctx, tc.userId, tc.group, epoch)
			if tc.expect != nil {
				assert.ErrorIs(t, err, tc.expect)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, RoleMember, m.Role)
		})
	}
}

func TestMemAddMemberConcurrentCapacity(t *testing.T) {
	ctx := context.Background()
	repo, users := newSeededRepo(t, 20)
	g := createTestGroup(t, repo, "g1", users[0].Id, 5)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for _, u := range users[1:] {
		wg.Add(1)
		go func(userId int) {
			defer wg.Done()
			if _, err := repo.AddMember(ctx, userId, g.Id, epoch); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(u.Id)
	}
	wg.Wait()

	assert.Equal(t, 4, admitted)
	count, err := repo.CountMembers(ctx, g.Id)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestMemRemoveMember(t *testing.T) {
	ctx := context.Background()
	repo, users := newSeededRepo(t, 2)
	g := createTestGroup(t, repo, "g1", users[0].Id, 10)
	_, err := repo.AddMember(ctx, users[1].Id, g.Id, epoch)
	require.NoError(t, err)

	err = repo.RemoveMember(ctx, RemoveMemberParams{UserId: users[0].Id, GroupId: g.Id, BannedAt: epoch})
	assert.ErrorIs(t, err, ErrNotFound, "owner must not be removable")

	err = repo.RemoveMember(ctx, RemoveMemberParams{UserId: users[1].Id, GroupId: g.Id, BannedAt: epoch})
	require.NoError(t, err)

	_, err = repo.GetMember(ctx, users[1].Id, g.Id)
	assert.ErrorIs(t, err, ErrNotFound)

	ban, err := repo.GetBan(ctx, users[1].Id, g.Id)
	require.NoError(t, err)
	assert.False(t, ban.Permanent)
	assert.True(t, epoch.Equal(ban.CreatedAt))

	err = repo.RemoveMember(ctx, RemoveMemberParams{UserId: users[1].Id, GroupId: g.Id, BannedAt: epoch})
	assert.ErrorIs(t, err, ErrNotFound, "second removal must lose")
}

func TestMemDeleteExpiredBan(t *testing.T) {
	ctx := context.Background()
	repo, users := newSeededRepo(t, 2)
	g := createTestGroup(t, repo, "g1", users[0].Id, 10)
	_, err := repo.AddMember(ctx, users[1].Id, g.Id, epoch)
	require.NoError(t, err)
	require.NoError(t, repo.RemoveMember(ctx, RemoveMemberParams{UserId: users[1].Id, GroupId: g.Id, BannedAt: epoch}))

	deleted, err := repo.DeleteExpiredBan(ctx, users[1].Id, g.Id, epoch.Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, deleted, "ban newer than cutoff must survive")

	deleted, err = repo.DeleteExpiredBan(ctx, users[1].Id, g.Id, epoch)
	require.NoError(t, err)
	assert.True(t, deleted, "ban at cutoff must be deleted")

	deleted, err = repo.DeleteExpiredBan(ctx, users[1].Id, g.Id, epoch)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMemTransferOwnership(t *testing.T) {
	ctx := context.Background()
	repo, users := newSeededRepo(t, 3)
	g := createTestGroup(t, repo, "g1", users[0].Id, 10)
	_, err := repo.AddMember(ctx, users[1].Id, g.Id, epoch)
	require.NoError(t, err)

	err = repo.TransferOwnership(ctx, g.Id, users[1].Id, users[0].Id, epoch)
	assert.ErrorIs(t, err, ErrNotFound, "non-owner cannot transfer")

	err = repo.TransferOwnership(ctx, g.Id, users[0].Id, users[2].Id, epoch)
	assert.ErrorIs(t, err, ErrNotFound, "target must be a member")

	require.NoError(t, repo.TransferOwnership(ctx, g.Id, users[0].Id, users[1].Id, epoch))

	got, err := repo.GetGroup(ctx, g.Id)
	require.NoError(t, err)
	assert.Equal(t, users[1].Id, got.OwnerId)

	prev, _ := repo.GetMember(ctx, users[0].Id, g.Id)
	next, _ := repo.GetMember(ctx, users[1].Id, g.Id)
	assert.Equal(t, RoleAdmin, prev.Role)
	assert.Equal(t, RoleOwner, next.Role)
}

func TestMemJoinRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	repo, users := newSeededRepo(t, 2)
	g := createTestGroup(t, repo, "g1", users[0].Id, 10)

	_, err := repo.RequestToJoin(ctx, users[1].Id, g.Id, epoch)
	require.NoError(t, err)

	_, err = repo.RequestToJoin(ctx, users[1].Id, g.Id, epoch)
	assert.ErrorIs(t, err, ErrConflict, "duplicate pending request")

	pending, err := repo.ListPendingRequests(ctx, g.Id)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "user1@example.com", pending[0].User.Email)

	require.NoError(t, repo.RejectJoinRequest(ctx, users[1].Id, g.Id, epoch))
	assert.ErrorIs(t, repo.RejectJoinRequest(ctx, users[1].Id, g.Id, epoch), ErrNotFound)

	jr, err := repo.RequestToJoin(ctx, users[1].Id, g.Id, epoch.Add(time.Hour))
	require.NoError(t, err, "rejected request can be renewed")
	assert.Equal(t, RequestPending, jr.Status)

	m, err := repo.ApproveJoinRequest(ctx, users[1].Id, g.Id, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, RoleMember, m.Role)

	_, err = repo.ApproveJoinRequest(ctx, users[1].Id, g.Id, epoch.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotFound, "approved request is no longer pending")

	jr, err = repo.GetJoinRequest(ctx, users[1].Id, g.Id)
	require.NoError(t, err)
	assert.Equal(t, RequestApproved, jr.Status)
}

func TestMemApproveJoinRequestFullGroup(t *testing.T) {
	ctx := context.Background()
	repo, users := newSeededRepo(t, 2)
	g := createTestGroup(t, repo, "g1", users[0].Id, 1)

	_, err := repo.RequestToJoin(ctx, users[1].Id, g.Id, epoch)
	require.NoError(t, err)

	_, err = repo.ApproveJoinRequest(ctx, users[1].Id, g.Id, epoch)
	assert.ErrorIs(t, err, ErrGroupFull)

	jr, err := repo.GetJoinRequest(ctx, users[1].Id, g.Id)
	require.NoError(t, err)
	assert.Equal(t, RequestPending, jr.Status, "failed approval leaves request pending")
}

func TestMemDeleteGroup(t *testing.T) {
	ctx := context.Background()
	repo, users := newSeededRepo(t, 2)
	g := createTestGroup(t, repo, "g1", users[0].Id, 10)
	_, err := repo.AddMember(ctx, users[1].Id, g.Id, epoch)
	require.NoError(t, err)

	assert.ErrorIs(t, repo.DeleteGroup(ctx, g.Id, users[1].Id), ErrNotFound)
	assert.ErrorIs(t, repo.DeleteGroup(ctx, g.Id, users[0].Id), ErrGroupNotEmpty)

	require.NoError(t, repo.RemoveMember(ctx, RemoveMemberParams{UserId: users[1].Id, GroupId: g.Id, BannedAt: epoch}))
	require.NoError(t, repo.DeleteGroup(ctx, g.Id, users[0].Id))

	_, err = repo.GetGroup(ctx, g.Id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetBan(ctx, users[1].Id, g.Id)
	assert.ErrorIs(t, err, ErrNotFound, "bans cascade with the group")
}

func TestMemListMessagesPagination(t *testing.T) {
	ctx := context.Background()
	repo, users := newSeededRepo(t, 1)
	g := createTestGroup(t, repo, "g1", users[0].Id, 10)

	for i := 0; i < 5; i++ {
		_, err := repo.CreateMessage(ctx, Message{
			Id:        fmt.Sprintf("00000000-0000-7000-8000-00000000000%d", i),
			GroupId:   g.Id,
			SenderId:  users[0].Id,
			Content:   fmt.Sprint(i),
			CreatedAt: epoch.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	page, err := repo.ListMessages(ctx, ListMessagesParams{GroupId: g.Id, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "4", page[0].Content)
	assert.Equal(t, "3", page[1].Content)
	if assert.NotNil(t, page[0].Sender) {
		assert.Equal(t, users[0].Id, page[0].Sender.Id)
	}

	page, err = repo.ListMessages(ctx, ListMessagesParams{GroupId: g.Id, Cursor: page[1].Id, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "2", page[0].Content)
	assert.Equal(t, "0", page[2].Content)

	page, err = repo.ListMessages(ctx, ListMessagesParams{GroupId: g.Id, Cursor: "00000000-0000-7000-8000-0000000000ff", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page, "unknown cursor yields an empty page")
}

func TestMemListGroups(t *testing.T) {
	ctx := context.Background()
	repo, users := newSeededRepo(t, 2)
	createTestGroup(t, repo, "a", users[0].Id, 10)
	createTestGroup(t, repo, "b", users[1].Id, 10)

	_, err := repo.CreateMessage(ctx, Message{Id: "m1", GroupId: "a", SenderId: users[0].Id, Content: "hi", CreatedAt: epoch})
	require.NoError(t, err)

	mine, err := repo.ListGroups(ctx, ListGroupsParams{UserId: users[0].Id, Limit: 10})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "a", mine[0].Id)
	if assert.NotNil(t, mine[0].LastMessage) {
		assert.Equal(t, "hi", mine[0].LastMessage.Content)
	}

	all, err := repo.ListGroups(ctx, ListGroupsParams{UserId: users[0].Id, All: true, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	paged, err := repo.ListGroups(ctx, ListGroupsParams{All: true, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, paged, 1)
}
