package groups

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/npezzotti/go-groupchat/internal/apperror"
	"github.com/npezzotti/go-groupchat/internal/database"
	"github.com/npezzotti/go-groupchat/internal/events"
	"go.uber.org/zap"
)

const (
	DefaultMessagesLimit = 20
	MaxMessagesLimit     = 100
	MaxMessageLength     = 4000

	postLockStripes = 64
)

// MessagePage is one page of a group's history, newest first. NextCursor is
// empty on the last page.
type MessagePage struct {
	Messages   []database.Message
	NextCursor string
	TotalCount int
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultMessagesLimit
	case limit > MaxMessagesLimit:
		return MaxMessagesLimit
	default:
		return limit
	}
}

// PostMessage stores content sealed and broadcasts the stored record to the
// group's live connections. The returned message carries the plaintext.
func (s *Service) PostMessage(ctx context.Context, groupId string, userId int, content string) (database.Message, error) {
	if _, err := s.RequireMember(ctx, userId, groupId); err != nil {
		return database.Message{}, err
	}

	if strings.TrimSpace(content) == "" {
		return database.Message{}, apperror.BadRequest("message content must not be empty")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return database.Message{}, apperror.BadRequest("message content is too long")
	}

	sender, err := s.db.GetUserById(ctx, userId)
	if err != nil {
		return database.Message{}, storeError(err, "user not found")
	}

	sealed, err := s.crypt.Seal(content)
	if err != nil {
		return database.Message{}, apperror.Internal(err)
	}

	stored, err := s.storeAndBroadcast(ctx, database.Message{
		GroupId:  groupId,
		SenderId: userId,
		Content:  sealed,
		Sender: &database.User{
			Id:        sender.Id,
			FirstName: sender.FirstName,
			LastName:  sender.LastName,
		},
	})
	if err != nil {
		return database.Message{}, err
	}

	s.log.Debug("message posted",
		zap.String("group_id", groupId),
		zap.String("message_id", stored.Id),
		zap.Int("sender_id", userId),
	)
	s.emit(ctx, events.Event{Type: events.MessagePosted, GroupId: groupId, ActorId: userId, MessageId: stored.Id})

	stored.Content = content
	return stored, nil
}

// storeAndBroadcast assigns the id and timestamp, inserts msg and hands it to
// the notifier while holding the group's post lock, so broadcasts leave this
// process in the order the messages were stored.
func (s *Service) storeAndBroadcast(ctx context.Context, msg database.Message) (database.Message, error) {
	mu := s.postLock(msg.GroupId)
	mu.Lock()
	defer mu.Unlock()

	id, err := uuid.NewV7()
	if err != nil {
		return database.Message{}, apperror.Internal(err)
	}
	msg.Id = id.String()
	msg.CreatedAt = s.clock()

	stored, err := s.db.CreateMessage(ctx, msg)
	if err != nil {
		return database.Message{}, storeError(err, "group not found")
	}
	stored.Sender = msg.Sender

	s.notifier.Broadcast(stored)
	return stored, nil
}

func (s *Service) postLock(groupId string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(groupId))
	return &s.posting[h.Sum32()%postLockStripes]
}

// ListMessages returns up to limit messages strictly older than cursor. The
// cursor is exclusive, so NextCursor is the id of the last message returned.
func (s *Service) ListMessages(ctx context.Context, groupId string, userId int, cursor string, limit int) (MessagePage, error) {
	if _, err := s.RequireMember(ctx, userId, groupId); err != nil {
		return MessagePage{}, err
	}

	if cursor != "" {
		parsed, err := uuid.Parse(cursor)
		if err != nil {
			return MessagePage{}, apperror.BadRequest("invalid cursor")
		}
		cursor = parsed.String()
	}

	limit = clampLimit(limit)

	total, err := s.db.CountMessages(ctx, groupId)
	if err != nil {
		return MessagePage{}, storeError(err, "")
	}

	msgs, err := s.db.ListMessages(ctx, database.ListMessagesParams{
		GroupId: groupId,
		Cursor:  cursor,
		Limit:   limit + 1,
	})
	if err != nil {
		return MessagePage{}, storeError(err, "")
	}

	page := MessagePage{TotalCount: total}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		page.NextCursor = msgs[len(msgs)-1].Id
	}

	for i := range msgs {
		content, err := s.crypt.Open(msgs[i].Content)
		if err != nil {
			s.log.Error("failed to open message",
				zap.String("group_id", groupId),
				zap.String("message_id", msgs[i].Id),
				zap.Error(err),
			)
			return MessagePage{}, apperror.CorruptData(err)
		}
		msgs[i].Content = content
	}

	page.Messages = msgs
	return page, nil
}
