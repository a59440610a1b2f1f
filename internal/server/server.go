package server

import (
	"context"
	"errors"
	"sync"

	"github.com/npezzotti/go-groupchat/internal/database"
	"github.com/npezzotti/go-groupchat/internal/encryption"
	"github.com/npezzotti/go-groupchat/internal/stats"
	"go.uber.org/zap"
)

var ErrServerClosed = errors.New("chat server closed")

const (
	ReasonRemoved  = "removed from group"
	ReasonDeleted  = "group deleted"
	ReasonShutdown = "server shutting down"
)

// MessagePoster persists a message on behalf of a connected member and hands
// it to the dispatcher.
type MessagePoster interface {
	PostMessage(ctx context.Context, groupId string, userId int, content string) (database.Message, error)
}

type ChatServer struct {
	log      *zap.Logger
	registry *Registry
	crypt    encryption.Transformer
	stats    stats.StatsProvider
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

func NewChatServer(logger *zap.Logger, crypt encryption.Transformer, su stats.StatsProvider) *ChatServer {
	su.RegisterMetric(stats.NumActiveConnections)
	su.RegisterMetric(stats.NumAttachedGroups)
	su.RegisterMetric(stats.NumMessagesBroadcast)
	su.RegisterMetric(stats.NumBroadcastFailures)
	su.RegisterGroupMetric(stats.BroadcastsByGroup)

	return &ChatServer{
		log:      logger,
		registry: NewRegistry(),
		crypt:    crypt,
		stats:    su,
	}
}

// Admit reports whether a connection may stay attached to its group.
type Admit func(ctx context.Context) error

// Serve attaches c to its group's channel, then runs admit and starts its
// pumps. The check runs after the attach so that an eviction racing with it
// either finds the connection in the registry or makes admit fail.
func (cs *ChatServer) Serve(ctx context.Context, c *Client, admit Admit) error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		c.conn.Close()
		return ErrServerClosed
	}
	cs.wg.Add(2)
	cs.Attach(c)
	cs.mu.Unlock()

	if err := admit(ctx); err != nil {
		cs.Detach(c)
		c.reject(err)
		cs.wg.Add(-2)
		return err
	}

	go func() {
		defer cs.wg.Done()
		c.Write()
	}()
	go func() {
		defer cs.wg.Done()
		c.Read()
	}()

	return nil
}

func (cs *ChatServer) Attach(c *Client) {
	created := cs.registry.Attach(c)
	cs.stats.Incr(stats.NumActiveConnections)
	if created {
		cs.stats.Incr(stats.NumAttachedGroups)
	}

	cs.log.Debug("attached connection",
		zap.String("group_id", c.groupId),
		zap.Int("user_id", c.user.Id),
	)
}

func (cs *ChatServer) Detach(c *Client) {
	removed, emptied := cs.registry.Detach(c)
	if !removed {
		return
	}
	cs.detached(1, emptied)

	cs.log.Debug("detached connection",
		zap.String("group_id", c.groupId),
		zap.Int("user_id", c.user.Id),
	)
}

func (cs *ChatServer) detached(n int, emptied bool) {
	for i := 0; i < n; i++ {
		cs.stats.Decr(stats.NumActiveConnections)
	}
	if emptied {
		cs.stats.Decr(stats.NumAttachedGroups)
	}
}

// Connections returns the number of live connections attached to groupId.
func (cs *ChatServer) Connections(groupId string) int {
	return len(cs.registry.Clients(groupId))
}

// Evict closes every connection userId holds in groupId.
func (cs *ChatServer) Evict(groupId string, userId int) {
	removed, emptied := cs.registry.RemoveUser(groupId, userId)
	for _, c := range removed {
		c.close(ClosedNotice(groupId, ReasonRemoved))
	}
	cs.detached(len(removed), emptied)

	if len(removed) > 0 {
		cs.log.Info("evicted user from group channel",
			zap.String("group_id", groupId),
			zap.Int("user_id", userId),
			zap.Int("connections", len(removed)),
		)
	}
}

// CloseGroup closes every connection attached to groupId.
func (cs *ChatServer) CloseGroup(groupId string) {
	removed := cs.registry.RemoveGroup(groupId)
	for _, c := range removed {
		c.close(ClosedNotice(groupId, ReasonDeleted))
	}
	cs.detached(len(removed), len(removed) > 0)
	cs.stats.DropGroup(stats.BroadcastsByGroup, groupId)

	cs.log.Info("closed group channel",
		zap.String("group_id", groupId),
		zap.Int("connections", len(removed)),
	)
}

// Shutdown closes every connection and waits for their pumps to exit or ctx
// to expire.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.mu.Lock()
	cs.closed = true
	cs.mu.Unlock()

	removed, groups := cs.registry.RemoveAll()
	for _, c := range removed {
		c.close(ClosedNotice(c.groupId, ReasonShutdown))
	}
	cs.detached(len(removed), false)
	for i := 0; i < groups; i++ {
		cs.stats.Decr(stats.NumAttachedGroups)
	}

	cs.log.Info("shutting down chat server", zap.Int("connections", len(removed)))

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
