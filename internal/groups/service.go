package groups

import (
	"context"
	"errors"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/npezzotti/go-groupchat/internal/apperror"
	"github.com/npezzotti/go-groupchat/internal/database"
	"github.com/npezzotti/go-groupchat/internal/events"
	"go.uber.org/zap"
)

const (
	MinGroupNameLength = 3
	MaxGroupNameLength = 100
	MinMembers         = 2

	DefaultGroupsLimit = 20
	MaxGroupsLimit     = 100
)

type JoinStatus string

const (
	JoinStatusJoined  JoinStatus = "joined"
	JoinStatusPending JoinStatus = "pending"
)

type CreateGroupRequest struct {
	Name       string
	Type       string
	MaxMembers int
}

// JoinResult carries the membership for a public group or the pending
// request for a private one.
type JoinResult struct {
	Status  JoinStatus
	Member  *database.Member
	Request *database.JoinRequest
}

type ListGroupsRequest struct {
	Limit  int
	Offset int
	All    bool
}

func sanitize(p *bluemonday.Policy, text string) string {
	return strings.TrimSpace(html.UnescapeString(p.Sanitize(text)))
}

func (s *Service) Create(ctx context.Context, userId int, req CreateGroupRequest) (database.Group, error) {
	name := s.Sanitize(req.Name)
	if n := utf8.RuneCountInString(name); n < MinGroupNameLength || n > MaxGroupNameLength {
		return database.Group{}, apperror.BadRequest("group name must be between 3 and 100 characters")
	}

	groupType := database.GroupType(strings.ToUpper(strings.TrimSpace(req.Type)))
	if groupType != database.GroupPublic && groupType != database.GroupPrivate {
		return database.Group{}, apperror.BadRequest("group type must be PUBLIC or PRIVATE")
	}

	if req.MaxMembers < MinMembers {
		return database.Group{}, apperror.BadRequest("maxMembers must be at least 2")
	}

	id, err := s.ids.Generate()
	if err != nil {
		return database.Group{}, apperror.Internal(err)
	}

	group, err := s.db.CreateGroup(ctx, database.CreateGroupParams{
		Id:         id,
		Name:       name,
		Type:       groupType,
		MaxMembers: req.MaxMembers,
		OwnerId:    userId,
		CreatedAt:  s.clock(),
	})
	if err != nil {
		return database.Group{}, storeError(err, "user not found")
	}

	s.log.Info("group created",
		zap.String("group_id", group.Id),
		zap.Int("owner_id", userId),
		zap.String("type", string(group.Type)),
	)
	s.emit(ctx, events.Event{Type: events.GroupCreated, GroupId: group.Id, ActorId: userId})

	return group, nil
}

// Get returns the group to one of its members.
func (s *Service) Get(ctx context.Context, userId int, groupId string) (database.Group, error) {
	if _, err := s.RequireMember(ctx, userId, groupId); err != nil {
		return database.Group{}, err
	}

	g, err := s.db.GetGroup(ctx, groupId)
	if err != nil {
		return database.Group{}, storeError(err, "group not found")
	}

	return g, nil
}

// ListGroups returns the caller's groups, or every group when req.All is
// set, newest first with the opened last message.
func (s *Service) ListGroups(ctx context.Context, userId int, req ListGroupsRequest) ([]database.GroupSummary, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultGroupsLimit
	}
	if limit > MaxGroupsLimit {
		limit = MaxGroupsLimit
	}
	if req.Offset < 0 {
		return nil, apperror.BadRequest("offset must not be negative")
	}

	groups, err := s.db.ListGroups(ctx, database.ListGroupsParams{
		UserId: userId,
		All:    req.All,
		Limit:  limit,
		Offset: req.Offset,
	})
	if err != nil {
		return nil, storeError(err, "")
	}

	for i := range groups {
		if groups[i].LastMessage == nil {
			continue
		}
		content, err := s.crypt.Open(groups[i].LastMessage.Content)
		if err != nil {
			return nil, apperror.CorruptData(err)
		}
		groups[i].LastMessage.Content = content
	}

	return groups, nil
}

// Join admits the caller to a PUBLIC group or files a join request for a
// PRIVATE one.
func (s *Service) Join(ctx context.Context, userId int, groupId string) (JoinResult, error) {
	group, err := s.db.GetGroup(ctx, groupId)
	if err != nil {
		return JoinResult{}, storeError(err, "group not found")
	}

	if _, err := s.db.GetMember(ctx, userId, groupId); err == nil {
		return JoinResult{}, apperror.Conflict("already a member of this group")
	} else if !errors.Is(err, database.ErrNotFound) {
		return JoinResult{}, storeError(err, "")
	}

	if err := s.checkBan(ctx, userId, groupId); err != nil {
		return JoinResult{}, err
	}

	if group.Type == database.GroupPublic {
		m, err := s.db.AddMember(ctx, userId, groupId, s.clock())
		if err != nil {
			if errors.Is(err, database.ErrConflict) {
				return JoinResult{}, apperror.Conflict("already a member of this group")
			}
			return JoinResult{}, storeError(err, "group not found")
		}

		s.log.Info("member joined", zap.String("group_id", groupId), zap.Int("user_id", userId))
		s.emit(ctx, events.Event{Type: events.MemberJoined, GroupId: groupId, ActorId: userId})
		return JoinResult{Status: JoinStatusJoined, Member: &m}, nil
	}

	jr, err := s.db.RequestToJoin(ctx, userId, groupId, s.clock())
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			return JoinResult{}, apperror.Conflict("join request already pending")
		}
		return JoinResult{}, storeError(err, "group not found")
	}

	s.log.Info("join requested", zap.String("group_id", groupId), zap.Int("user_id", userId))
	s.emit(ctx, events.Event{Type: events.JoinRequested, GroupId: groupId, ActorId: userId})
	return JoinResult{Status: JoinStatusPending, Request: &jr}, nil
}

// Approve turns a pending request into a MEMBER membership.
func (s *Service) Approve(ctx context.Context, actorId int, groupId string, targetId int) (database.Member, error) {
	if _, err := s.RequireAdminOrOwner(ctx, actorId, groupId); err != nil {
		return database.Member{}, err
	}

	m, err := s.db.ApproveJoinRequest(ctx, targetId, groupId, s.clock())
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			return database.Member{}, apperror.Conflict("user is already a member of this group")
		}
		return database.Member{}, storeError(err, "no pending request found")
	}

	s.log.Info("join request approved",
		zap.String("group_id", groupId),
		zap.Int("actor_id", actorId),
		zap.Int("user_id", targetId),
	)
	s.emit(ctx, events.Event{Type: events.JoinApproved, GroupId: groupId, ActorId: actorId, TargetId: targetId})

	return m, nil
}

func (s *Service) Reject(ctx context.Context, actorId int, groupId string, targetId int) error {
	if _, err := s.RequireAdminOrOwner(ctx, actorId, groupId); err != nil {
		return err
	}

	if err := s.db.RejectJoinRequest(ctx, targetId, groupId, s.clock()); err != nil {
		return storeError(err, "no pending request found")
	}

	s.log.Info("join request rejected",
		zap.String("group_id", groupId),
		zap.Int("actor_id", actorId),
		zap.Int("user_id", targetId),
	)
	s.emit(ctx, events.Event{Type: events.JoinRejected, GroupId: groupId, ActorId: actorId, TargetId: targetId})

	return nil
}

// Leave removes the caller and starts their rejoin cooldown.
func (s *Service) Leave(ctx context.Context, userId int, groupId string) error {
	m, err := s.db.GetMember(ctx, userId, groupId)
	if err != nil {
		return storeError(err, "you are not a member of this group")
	}

	if m.Role == database.RoleOwner {
		return apperror.BadRequest("you must transfer ownership before leaving the group")
	}

	err = s.db.RemoveMember(ctx, database.RemoveMemberParams{
		UserId:   userId,
		GroupId:  groupId,
		BannedAt: s.clock(),
	})
	if err != nil {
		return storeError(err, "you are not a member of this group")
	}

	s.notifier.Evict(groupId, userId)

	s.log.Info("member left", zap.String("group_id", groupId), zap.Int("user_id", userId))
	s.emit(ctx, events.Event{Type: events.MemberLeft, GroupId: groupId, ActorId: userId})

	return nil
}

// Ban removes a non-owner member. A temporary ban doubles as a kick: the
// target may rejoin once the cooldown elapses.
func (s *Service) Ban(ctx context.Context, actorId int, groupId string, targetId int, permanent bool) error {
	if _, err := s.RequireAdminOrOwner(ctx, actorId, groupId); err != nil {
		return err
	}

	target, err := s.db.GetMember(ctx, targetId, groupId)
	if err != nil {
		return storeError(err, "target user is not a member of this group")
	}

	if target.Role == database.RoleOwner {
		return apperror.Forbidden("you cannot ban the owner of the group")
	}

	err = s.db.RemoveMember(ctx, database.RemoveMemberParams{
		UserId:    targetId,
		GroupId:   groupId,
		Permanent: permanent,
		BannedAt:  s.clock(),
	})
	if err != nil {
		return storeError(err, "target user is not a member of this group")
	}

	s.notifier.Evict(groupId, targetId)

	s.log.Info("member banned",
		zap.String("group_id", groupId),
		zap.Int("actor_id", actorId),
		zap.Int("user_id", targetId),
		zap.Bool("permanent", permanent),
	)
	s.emit(ctx, events.Event{
		Type:      events.MemberBanned,
		GroupId:   groupId,
		ActorId:   actorId,
		TargetId:  targetId,
		Permanent: permanent,
	})

	return nil
}

// Promote raises a MEMBER to ADMIN. Only the owner may promote.
func (s *Service) Promote(ctx context.Context, actorId int, groupId string, targetId int) (database.Member, error) {
	if _, err := s.RequireOwner(ctx, groupId, actorId, "only the owner can promote members to admin"); err != nil {
		return database.Member{}, err
	}

	target, err := s.db.GetMember(ctx, targetId, groupId)
	if err != nil {
		return database.Member{}, storeError(err, "user is not a member of the group")
	}

	if target.Role != database.RoleMember {
		return database.Member{}, apperror.BadRequest("user is already an admin or owner")
	}

	m, err := s.db.PromoteMember(ctx, targetId, groupId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Member{}, apperror.Conflict("membership changed concurrently")
		}
		return database.Member{}, storeError(err, "")
	}

	s.log.Info("member promoted",
		zap.String("group_id", groupId),
		zap.Int("actor_id", actorId),
		zap.Int("user_id", targetId),
	)
	s.emit(ctx, events.Event{Type: events.MemberPromoted, GroupId: groupId, ActorId: actorId, TargetId: targetId})

	return m, nil
}

// TransferOwnership hands the group to another member. The previous owner
// stays on as ADMIN.
func (s *Service) TransferOwnership(ctx context.Context, actorId int, groupId string, targetId int) error {
	if _, err := s.RequireOwner(ctx, groupId, actorId, "only the owner can transfer ownership"); err != nil {
		return err
	}

	if targetId == actorId {
		return apperror.BadRequest("you already own this group")
	}

	if _, err := s.db.GetMember(ctx, targetId, groupId); err != nil {
		return storeError(err, "target user is not a group member")
	}

	if err := s.db.TransferOwnership(ctx, groupId, actorId, targetId, s.clock()); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return apperror.Conflict("ownership changed concurrently")
		}
		return storeError(err, "")
	}

	s.log.Info("ownership transferred",
		zap.String("group_id", groupId),
		zap.Int("from_user_id", actorId),
		zap.Int("to_user_id", targetId),
	)
	s.emit(ctx, events.Event{Type: events.OwnershipTransferred, GroupId: groupId, ActorId: actorId, TargetId: targetId})

	return nil
}

// Delete removes a group whose only member is its owner.
func (s *Service) Delete(ctx context.Context, actorId int, groupId string) error {
	group, err := s.db.GetGroup(ctx, groupId)
	if err != nil {
		return storeError(err, "group not found")
	}

	if group.OwnerId != actorId {
		return apperror.Forbidden("only the group owner can delete this group")
	}

	if err := s.db.DeleteGroup(ctx, groupId, actorId); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return apperror.Conflict("group changed concurrently")
		}
		return storeError(err, "")
	}

	s.notifier.CloseGroup(groupId)

	s.log.Info("group deleted", zap.String("group_id", groupId), zap.Int("owner_id", actorId))
	s.emit(ctx, events.Event{Type: events.GroupDeleted, GroupId: groupId, ActorId: actorId})

	return nil
}

func (s *Service) Members(ctx context.Context, userId int, groupId string) ([]database.Member, error) {
	if _, err := s.RequireMember(ctx, userId, groupId); err != nil {
		return nil, err
	}

	members, err := s.db.ListMembers(ctx, groupId)
	if err != nil {
		return nil, storeError(err, "")
	}

	return members, nil
}

// PendingRequests lists pending join requests, oldest first.
func (s *Service) PendingRequests(ctx context.Context, userId int, groupId string) ([]database.JoinRequest, error) {
	if _, err := s.RequireAdminOrOwner(ctx, userId, groupId); err != nil {
		return nil, err
	}

	requests, err := s.db.ListPendingRequests(ctx, groupId)
	if err != nil {
		return nil, storeError(err, "")
	}

	return requests, nil
}
