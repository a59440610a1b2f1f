package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/npezzotti/go-groupchat/internal/database"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const RelayChannel = "groupchat:messages"

const (
	opBroadcast = "broadcast"
	opEvict     = "evict"
	opClose     = "close"
)

const publishTimeout = 2 * time.Second

var ErrNotSubscribed = errors.New("relay is not subscribed")

type envelope struct {
	Op      string          `json:"op"`
	GroupId string          `json:"groupId"`
	UserId  int             `json:"userId,omitempty"`
	Message *relayedMessage `json:"message,omitempty"`
}

// relayedMessage carries a stored message between instances. Content stays
// sealed on the wire.
type relayedMessage struct {
	Id        string    `json:"id"`
	GroupId   string    `json:"groupId"`
	SenderId  int       `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	FirstName string    `json:"firstName,omitempty"`
	LastName  string    `json:"lastName,omitempty"`
	HasSender bool      `json:"hasSender"`
}

func toRelayed(m database.Message) *relayedMessage {
	rm := &relayedMessage{
		Id:        m.Id,
		GroupId:   m.GroupId,
		SenderId:  m.SenderId,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	if m.Sender != nil {
		rm.HasSender = true
		rm.FirstName = m.Sender.FirstName
		rm.LastName = m.Sender.LastName
	}
	return rm
}

func (rm *relayedMessage) record() database.Message {
	m := database.Message{
		Id:        rm.Id,
		GroupId:   rm.GroupId,
		SenderId:  rm.SenderId,
		Content:   rm.Content,
		CreatedAt: rm.CreatedAt,
	}
	if rm.HasSender {
		m.Sender = &database.User{Id: rm.SenderId, FirstName: rm.FirstName, LastName: rm.LastName}
	}
	return m
}

// RedisRelay fans broadcasts and forced closes out to every instance
// subscribed to RelayChannel. Each instance, this one included, delivers to
// its own registry when the payload comes back. If publishing fails the
// action is applied locally only.
type RedisRelay struct {
	log     *zap.Logger
	rdb     *redis.Client
	channel string
	local   *ChatServer
	sub     *redis.PubSub
}

func NewRedisRelay(logger *zap.Logger, rdb *redis.Client, local *ChatServer) *RedisRelay {
	return &RedisRelay{
		log:     logger,
		rdb:     rdb,
		channel: RelayChannel,
		local:   local,
	}
}

func (r *RedisRelay) Broadcast(msg database.Message) {
	r.publish(envelope{Op: opBroadcast, GroupId: msg.GroupId, Message: toRelayed(msg)})
}

func (r *RedisRelay) Evict(groupId string, userId int) {
	r.publish(envelope{Op: opEvict, GroupId: groupId, UserId: userId})
}

func (r *RedisRelay) CloseGroup(groupId string) {
	r.publish(envelope{Op: opClose, GroupId: groupId})
}

func (r *RedisRelay) publish(env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		r.log.Error("failed to encode relay envelope", zap.Error(err))
		r.apply(env)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.log.Warn("relay publish failed, delivering locally",
			zap.String("op", env.Op),
			zap.String("group_id", env.GroupId),
			zap.Error(err),
		)
		r.apply(env)
	}
}

// Subscribe joins the relay channel and returns once Redis has confirmed the
// subscription. Payloads published after it returns reach Run.
func (r *RedisRelay) Subscribe(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return err
	}
	r.sub = sub

	r.log.Info("relay subscribed", zap.String("channel", r.channel))
	return nil
}

// Run applies every payload to the local registry until ctx is done.
// Subscribe must have succeeded first.
func (r *RedisRelay) Run(ctx context.Context) error {
	if r.sub == nil {
		return ErrNotSubscribed
	}
	defer r.sub.Close()

	ch := r.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.handlePayload([]byte(m.Payload))
		}
	}
}

func (r *RedisRelay) handlePayload(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.Warn("dropping malformed relay payload", zap.Error(err))
		return
	}
	r.apply(env)
}

func (r *RedisRelay) apply(env envelope) {
	switch env.Op {
	case opBroadcast:
		if env.Message == nil {
			r.log.Warn("dropping broadcast without message", zap.String("group_id", env.GroupId))
			return
		}
		r.local.Broadcast(env.Message.record())
	case opEvict:
		r.local.Evict(env.GroupId, env.UserId)
	case opClose:
		r.local.CloseGroup(env.GroupId)
	default:
		r.log.Warn("dropping relay payload with unknown op", zap.String("op", env.Op))
	}
}
