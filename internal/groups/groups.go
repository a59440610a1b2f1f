// Package groups implements the group membership state machine: who may act
// on a group, the ban and cooldown rules, and the membership-gated message
// log. Live delivery is delegated to a Notifier.
package groups

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/npezzotti/go-groupchat/internal/apperror"
	"github.com/npezzotti/go-groupchat/internal/database"
	"github.com/npezzotti/go-groupchat/internal/encryption"
	"github.com/npezzotti/go-groupchat/internal/events"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

// Notifier delivers side effects of successful mutations to live
// connections.
type Notifier interface {
	// Broadcast hands over a stored message whose content is still sealed.
	Broadcast(msg database.Message)
	Evict(groupId string, userId int)
	CloseGroup(groupId string)
}

type nopNotifier struct{}

func (nopNotifier) Broadcast(database.Message) {}
func (nopNotifier) Evict(string, int)          {}
func (nopNotifier) CloseGroup(string)          {}

type Params struct {
	Logger   *zap.Logger
	Repo     database.GoChatRepository
	Crypt    encryption.Transformer
	Lockout  time.Duration
	Notifier Notifier
	Events   events.Publisher
	Now      func() time.Time
}

type Service struct {
	log      *zap.Logger
	db       database.GoChatRepository
	crypt    encryption.Transformer
	lockout  time.Duration
	notifier Notifier
	events   events.Publisher
	now      func() time.Time
	policy   *bluemonday.Policy
	ids      *shortid.Shortid
	posting  [postLockStripes]sync.Mutex
}

func NewService(p Params) (*Service, error) {
	if p.Repo == nil {
		return nil, errors.New("groups: repository is required")
	}
	if p.Crypt == nil {
		return nil, errors.New("groups: encryption transform is required")
	}
	if p.Lockout <= 0 {
		return nil, fmt.Errorf("groups: lockout must be positive, got %s", p.Lockout)
	}

	ids, err := shortid.New(1, shortid.DefaultABC, uint64(time.Now().UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("groups: id generator: %w", err)
	}

	s := &Service{
		log:      p.Logger,
		db:       p.Repo,
		crypt:    p.Crypt,
		lockout:  p.Lockout,
		notifier: p.Notifier,
		events:   p.Events,
		now:      p.Now,
		policy:   bluemonday.StrictPolicy(),
		ids:      ids,
	}

	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.events == nil {
		s.events = events.NopPublisher{}
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s, nil
}

func (s *Service) Lockout() time.Duration {
	return s.lockout
}

// SetNotifier replaces the live delivery target.
func (s *Service) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	s.notifier = n
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// Sanitize strips markup and surrounding whitespace from user supplied
// display text.
func (s *Service) Sanitize(text string) string {
	return sanitize(s.policy, text)
}

func (s *Service) emit(ctx context.Context, ev events.Event) {
	if ev.At.IsZero() {
		ev.At = s.clock()
	}

	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn("failed to publish event",
			zap.String("type", string(ev.Type)),
			zap.String("group_id", ev.GroupId),
			zap.Error(err),
		)
	}
}

// storeError translates repository errors into the domain taxonomy.
// notFoundMsg is used when the missing record has a caller specific name.
func storeError(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}

	var appErr *apperror.Error
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, database.ErrGroupFull):
		return apperror.Conflict("group is full")
	case errors.Is(err, database.ErrGroupNotEmpty):
		return apperror.BadRequest("you must remove all other members before deleting the group")
	case errors.Is(err, database.ErrNotFound):
		return apperror.NotFound(notFoundMsg)
	case errors.Is(err, database.ErrConflict):
		return apperror.Conflict("")
	case errors.Is(err, database.ErrInvalidInput):
		return apperror.BadRequest("")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &apperror.Error{Kind: apperror.KindInternal, Message: "request canceled", Err: err}
	default:
		return apperror.Internal(err)
	}
}
