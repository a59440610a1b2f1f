package groups

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/go-groupchat/internal/apperror"
	"github.com/npezzotti/go-groupchat/internal/database"
	"go.uber.org/zap"
)

// RequireAdminOrOwner returns the caller's membership when it carries the
// OWNER or ADMIN role.
func (s *Service) RequireAdminOrOwner(ctx context.Context, userId int, groupId string) (database.Member, error) {
	m, err := s.db.GetMember(ctx, userId, groupId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Member{}, apperror.Forbidden("you must be an admin or owner to manage this group")
		}
		return database.Member{}, storeError(err, "")
	}

	if m.Role != database.RoleOwner && m.Role != database.RoleAdmin {
		return database.Member{}, apperror.Forbidden("you must be an admin or owner to manage this group")
	}

	return m, nil
}

// RequireOwner returns the group when userId owns it. A missing group is
// reported as Forbidden, never NotFound.
func (s *Service) RequireOwner(ctx context.Context, groupId string, userId int, msg string) (database.Group, error) {
	g, err := s.db.GetGroup(ctx, groupId)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return database.Group{}, storeError(err, "")
	}

	if err != nil || g.OwnerId != userId {
		if msg == "" {
			msg = "only the owner can perform this action"
		}
		return database.Group{}, apperror.Forbidden(msg)
	}

	return g, nil
}

func (s *Service) RequireMember(ctx context.Context, userId int, groupId string) (database.Member, error) {
	m, err := s.db.GetMember(ctx, userId, groupId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Member{}, apperror.Forbidden("you are not a member of this group")
		}
		return database.Member{}, storeError(err, "")
	}

	return m, nil
}

// checkBan enforces the ban and cooldown rules for a join attempt. A
// temporary ban whose window has elapsed is deleted before returning nil.
func (s *Service) checkBan(ctx context.Context, userId int, groupId string) error {
	ban, err := s.db.GetBan(ctx, userId, groupId)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeError(err, "")
	}

	if ban.Permanent {
		return apperror.Forbidden("you are permanently banned from this group")
	}

	now := s.clock()
	lockoutEnds := ban.CreatedAt.Add(s.lockout).UTC()
	if now.Before(lockoutEnds) {
		return apperror.Lockout(
			fmt.Sprintf("you must wait %d hours before rejoining this group", int(s.lockout.Hours())),
			lockoutEnds,
		)
	}

	// The delete only matches a temporary ban that is still expired, so a
	// ban re-stamped by a concurrent kick survives.
	deleted, err := s.db.DeleteExpiredBan(ctx, userId, groupId, now.Add(-s.lockout))
	if err != nil {
		return storeError(err, "")
	}
	if !deleted {
		_, err := s.db.GetBan(ctx, userId, groupId)
		if err == nil {
			return apperror.Conflict("ban changed while joining, try again")
		}
		if !errors.Is(err, database.ErrNotFound) {
			return storeError(err, "")
		}
	}

	s.log.Debug("lifted expired ban", zap.Int("user_id", userId), zap.String("group_id", groupId))
	return nil
}
