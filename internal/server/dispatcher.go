package server

import (
	"github.com/npezzotti/go-groupchat/internal/database"
	"github.com/npezzotti/go-groupchat/internal/stats"
	"github.com/npezzotti/go-groupchat/internal/types"
	"go.uber.org/zap"
)

// Broadcast delivers a stored message to every connection attached to its
// group. Content arrives sealed and is opened once. A connection whose queue
// is full or closed misses the message; the others are unaffected.
func (cs *ChatServer) Broadcast(msg database.Message) {
	clients := cs.registry.Clients(msg.GroupId)
	if len(clients) == 0 {
		return
	}

	content, err := cs.crypt.Open(msg.Content)
	if err != nil {
		cs.log.Error("failed to open message for broadcast",
			zap.String("group_id", msg.GroupId),
			zap.String("message_id", msg.Id),
			zap.Error(err),
		)
		return
	}
	msg.Content = content

	out := NewMessage(types.MessageFromRecord(msg))
	failed := 0
	for _, c := range clients {
		if !c.queueMessage(out) {
			failed++
			cs.stats.Incr(stats.NumBroadcastFailures)
		}
	}
	cs.stats.Incr(stats.NumMessagesBroadcast)
	cs.stats.IncrGroup(stats.BroadcastsByGroup, msg.GroupId)

	if failed > 0 {
		cs.log.Warn("broadcast not delivered to every connection",
			zap.String("group_id", msg.GroupId),
			zap.String("message_id", msg.Id),
			zap.Int("failed", failed),
			zap.Int("connections", len(clients)),
		)
	}
}
