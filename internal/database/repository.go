package database

import (
	"context"
	"time"
)

// GoChatRepository is the storage contract of the group chat core. Every
// method that guards a state transition is a conditional write or a single
// transaction, so a losing concurrent writer gets ErrNotFound or ErrConflict
// instead of a double effect.
type GoChatRepository interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserById(ctx context.Context, userId int) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)

	// CreateGroup inserts the group and the owner's membership.
	CreateGroup(ctx context.Context, params CreateGroupParams) (Group, error)
	GetGroup(ctx context.Context, groupId string) (Group, error)
	ListGroups(ctx context.Context, params ListGroupsParams) ([]GroupSummary, error)
	// DeleteGroup deletes a group owned by ownerId whose only member is the
	// owner. It returns ErrNotFound when no such group is owned by ownerId and
	// ErrGroupNotEmpty when other members remain.
	DeleteGroup(ctx context.Context, groupId string, ownerId int) error

	GetMember(ctx context.Context, userId int, groupId string) (Member, error)
	ListMembers(ctx context.Context, groupId string) ([]Member, error)
	CountMembers(ctx context.Context, groupId string) (int, error)
	// AddMember admits a user with role MEMBER, honoring the group capacity.
	AddMember(ctx context.Context, userId int, groupId string, joinedAt time.Time) (Member, error)
	// PromoteMember changes a MEMBER to ADMIN. Any other current role yields
	// ErrNotFound.
	PromoteMember(ctx context.Context, userId int, groupId string) (Member, error)
	// RemoveMember deletes a non-owner membership and upserts a ban.
	RemoveMember(ctx context.Context, params RemoveMemberParams) error
	TransferOwnership(ctx context.Context, groupId string, fromUserId, toUserId int, at time.Time) error

	GetBan(ctx context.Context, userId int, groupId string) (Ban, error)
	// DeleteExpiredBan removes a temporary ban created at or before
	// expiredBefore and reports whether one was removed.
	DeleteExpiredBan(ctx context.Context, userId int, groupId string, expiredBefore time.Time) (bool, error)

	GetJoinRequest(ctx context.Context, userId int, groupId string) (JoinRequest, error)
	// RequestToJoin upserts the request to PENDING. It returns ErrConflict if
	// the request is already pending.
	RequestToJoin(ctx context.Context, userId int, groupId string, at time.Time) (JoinRequest, error)
	ApproveJoinRequest(ctx context.Context, userId int, groupId string, at time.Time) (Member, error)
	RejectJoinRequest(ctx context.Context, userId int, groupId string, at time.Time) error
	ListPendingRequests(ctx context.Context, groupId string) ([]JoinRequest, error)

	CreateMessage(ctx context.Context, msg Message) (Message, error)
	ListMessages(ctx context.Context, params ListMessagesParams) ([]Message, error)
	CountMessages(ctx context.Context, groupId string) (int, error)
}
