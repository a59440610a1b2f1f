package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-groupchat/internal/apperror"
	"github.com/npezzotti/go-groupchat/internal/database"
	"github.com/npezzotti/go-groupchat/internal/encryption"
	"github.com/npezzotti/go-groupchat/internal/stats"
	"github.com/npezzotti/go-groupchat/internal/testutil"
	"github.com/npezzotti/go-groupchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestStats() *stats.MockStatsUpdater {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("RegisterGroupMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Return().Maybe()
	su.On("Decr", mock.Anything).Return().Maybe()
	su.On("IncrGroup", mock.Anything, mock.Anything).Return().Maybe()
	su.On("DropGroup", mock.Anything, mock.Anything).Return().Maybe()
	return su
}

func newTestSealer(t *testing.T) *encryption.Sealer {
	t.Helper()
	s, err := encryption.NewSealer(testKey)
	require.NoError(t, err)
	return s
}

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, su *stats.MockStatsUpdater) *ChatServer {
	t.Helper()
	return NewChatServer(testutil.TestLogger(t), newTestSealer(t), su)
}

// newBareClient builds a client without a connection for registry and
// dispatcher tests.
func newBareClient(t *testing.T, groupId string, userId int, buf int) *Client {
	return &Client{
		log:     testutil.TestLogger(t),
		user:    types.User{Id: userId},
		groupId: groupId,
		send:    make(chan *ServerMessage, buf),
		stop:    make(chan struct{}),
	}
}

// fakePoster stores nothing; it seals the content and hands it to the chat
// server the way the group service does.
type fakePoster struct {
	mu    sync.Mutex
	cs    *ChatServer
	crypt encryption.Transformer
	err   error
	posts []string
}

func (p *fakePoster) PostMessage(ctx context.Context, groupId string, userId int, content string) (database.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return database.Message{}, p.err
	}
	p.posts = append(p.posts, content)

	sealed, err := p.crypt.Seal(content)
	if err != nil {
		return database.Message{}, err
	}
	msg := database.Message{
		Id:        fmt.Sprintf("m%d", len(p.posts)),
		GroupId:   groupId,
		SenderId:  userId,
		Content:   sealed,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Sender:    &database.User{Id: userId, FirstName: "User", LastName: strconv.Itoa(userId)},
	}
	p.cs.Broadcast(msg)

	msg.Content = content
	return msg, nil
}

func (p *fakePoster) posted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.posts...)
}

type wsHarness struct {
	cs     *ChatServer
	poster *fakePoster
	srv    *httptest.Server

	mu       sync.Mutex
	removed  map[string]bool
	admitErr error
	// onAdmit runs inside the admission check once membership was read.
	onAdmit func(groupId string, userId int)
}

func memberKey(groupId string, userId int) string {
	return groupId + "/" + strconv.Itoa(userId)
}

// remove drops userId from groupId and evicts their connections, the way a
// ban or leave does.
func (h *wsHarness) remove(groupId string, userId int) {
	h.mu.Lock()
	h.removed[memberKey(groupId, userId)] = true
	h.mu.Unlock()

	h.cs.Evict(groupId, userId)
}

func (h *wsHarness) admit(groupId string, userId int) Admit {
	return func(context.Context) error {
		h.mu.Lock()
		removed := h.removed[memberKey(groupId, userId)]
		onAdmit, admitErr := h.onAdmit, h.admitErr
		h.mu.Unlock()

		if admitErr != nil {
			return admitErr
		}
		if removed {
			return apperror.Forbidden("you are not a member of this group")
		}
		if onAdmit != nil {
			onAdmit(groupId, userId)
		}
		return nil
	}
}

// newWsHarness serves /ws?group=...&user=... and admits every user that was
// not removed from the group.
func newWsHarness(t *testing.T) *wsHarness {
	t.Helper()

	cs := newTestChatServer(t, newTestStats())
	h := &wsHarness{
		cs:      cs,
		poster:  &fakePoster{cs: cs, crypt: newTestSealer(t)},
		removed: make(map[string]bool),
	}

	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userId, _ := strconv.Atoi(r.URL.Query().Get("user"))
		groupId := r.URL.Query().Get("group")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(types.User{Id: userId}, groupId, conn, cs, h.poster, cs.log)
		cs.Serve(r.Context(), c, h.admit(groupId, userId))
	}))
	t.Cleanup(h.srv.Close)

	return h
}

func (h *wsHarness) url(groupId string, userId int) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + fmt.Sprintf("/ws?group=%s&user=%d", groupId, userId)
}

func (h *wsHarness) dial(t *testing.T, groupId string, userId int) *websocket.Conn {
	t.Helper()

	_, before := h.cs.registry.Len()
	conn, _, err := websocket.DefaultDialer.Dial(h.url(groupId, userId), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		_, n := h.cs.registry.Len()
		return n == before+1
	}, time.Second, 5*time.Millisecond, "connection was not attached")

	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func assertClosedByServer(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected a normal close, got %v", err)
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return().Times(4)
	su.On("RegisterGroupMetric", stats.BroadcastsByGroup).Return().Once()
	defer su.AssertExpectations(t)

	logger := testutil.TestLogger(t)
	cs := NewChatServer(logger, newTestSealer(t), su)
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.NotNil(t, cs.registry, "expected registry to be initialized")

	su.AssertCalled(t, "RegisterMetric", stats.NumActiveConnections)
	su.AssertCalled(t, "RegisterMetric", stats.NumAttachedGroups)
	su.AssertCalled(t, "RegisterMetric", stats.NumMessagesBroadcast)
	su.AssertCalled(t, "RegisterMetric", stats.NumBroadcastFailures)
}

func TestChatServerAttachDetachStats(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("RegisterGroupMetric", mock.Anything).Return()
	su.On("Incr", stats.NumActiveConnections).Return().Twice()
	su.On("Incr", stats.NumAttachedGroups).Return().Once()
	su.On("Decr", stats.NumActiveConnections).Return().Twice()
	su.On("Decr", stats.NumAttachedGroups).Return().Once()
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, su)
	a := newBareClient(t, "g1", 1, 1)
	b := newBareClient(t, "g1", 1, 1)

	cs.Attach(a)
	cs.Attach(b)
	cs.Detach(a)
	cs.Detach(a)
	cs.Detach(b)

	groups, clients := cs.registry.Len()
	assert.Zero(t, groups)
	assert.Zero(t, clients)
}

func TestChatServerEvict(t *testing.T) {
	cs := newTestChatServer(t, newTestStats())
	evicted := newBareClient(t, "g1", 1, 4)
	evictedOtherTab := newBareClient(t, "g1", 1, 4)
	otherGroup := newBareClient(t, "g2", 1, 4)
	stays := newBareClient(t, "g1", 2, 4)
	for _, c := range []*Client{evicted, evictedOtherTab, otherGroup, stays} {
		cs.Attach(c)
	}

	cs.Evict("g1", 1)

	for _, c := range []*Client{evicted, evictedOtherTab} {
		assert.True(t, c.stopped(), "expected evicted connection to be stopped")
		if assert.Len(t, c.send, 1) {
			notice := <-c.send
			assert.Equal(t, TypeClosed, notice.Type)
			assert.Equal(t, &Closed{GroupId: "g1", Reason: ReasonRemoved}, notice.Closed)
		}
	}
	assert.False(t, otherGroup.stopped(), "connections in other groups are untouched")
	assert.False(t, stays.stopped(), "other members are untouched")

	assert.ElementsMatch(t, []*Client{stays}, cs.registry.Clients("g1"))
	assert.ElementsMatch(t, []*Client{otherGroup}, cs.registry.Clients("g2"))
	assert.Equal(t, 1, cs.Connections("g1"))
	assert.Zero(t, cs.Connections("missing"))

	assert.NotPanics(t, func() { cs.Evict("g1", 1) }, "evicting twice is a no-op")
	assert.NotPanics(t, func() { cs.Evict("missing", 1) })
}

func TestChatServerCloseGroup(t *testing.T) {
	su := newTestStats()
	cs := newTestChatServer(t, su)
	a := newBareClient(t, "g1", 1, 4)
	b := newBareClient(t, "g1", 2, 4)
	other := newBareClient(t, "g2", 3, 4)
	for _, c := range []*Client{a, b, other} {
		cs.Attach(c)
	}

	cs.CloseGroup("g1")

	for _, c := range []*Client{a, b} {
		assert.True(t, c.stopped())
		notice := <-c.send
		assert.Equal(t, ReasonDeleted, notice.Closed.Reason)
	}
	assert.False(t, other.stopped())
	assert.Empty(t, cs.registry.Clients("g1"))
	su.AssertCalled(t, "DropGroup", stats.BroadcastsByGroup, "g1")
	su.AssertNotCalled(t, "DropGroup", stats.BroadcastsByGroup, "g2")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("no connections", func(t *testing.T) {
		cs := newTestChatServer(t, newTestStats())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, cs.Shutdown(ctx))
	})

	t.Run("closes live connections", func(t *testing.T) {
		h := newWsHarness(t)
		conn1 := h.dial(t, "g1", 1)
		conn2 := h.dial(t, "g2", 2)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, h.cs.Shutdown(ctx))

		for _, conn := range []*websocket.Conn{conn1, conn2} {
			notice := readFrame(t, conn)
			assert.Equal(t, TypeClosed, notice.Type)
			assert.Equal(t, ReasonShutdown, notice.Closed.Reason)
			assertClosedByServer(t, conn)
		}

		groups, clients := h.cs.registry.Len()
		assert.Zero(t, groups)
		assert.Zero(t, clients)
	})

	t.Run("rejects connections after shutdown", func(t *testing.T) {
		h := newWsHarness(t)
		require.NoError(t, h.cs.Shutdown(context.Background()))

		conn, _, err := websocket.DefaultDialer.Dial(h.url("g1", 1), nil)
		require.NoError(t, err)
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = conn.ReadMessage()
		assert.Error(t, err)

		_, clients := h.cs.registry.Len()
		assert.Zero(t, clients)
	})

	t.Run("context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, newTestStats())
		cs.wg.Add(1)
		defer cs.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, cs.Shutdown(ctx), context.DeadlineExceeded)
	})
}

func TestChatServerRoundTrip(t *testing.T) {
	h := newWsHarness(t)
	sender := h.dial(t, "g1", 1)
	peer := h.dial(t, "g1", 2)
	outsider := h.dial(t, "g2", 3)

	require.NoError(t, sender.WriteJSON(ClientMessage{Type: TypeMessage, Content: "hello"}))

	for _, conn := range []*websocket.Conn{sender, peer} {
		frame := readFrame(t, conn)
		assert.Equal(t, TypeMessage, frame.Type)
		require.NotNil(t, frame.Message)
		assert.Equal(t, "hello", frame.Message.Content)
		assert.Equal(t, "g1", frame.Message.GroupId)
		require.NotNil(t, frame.Message.Sender)
		assert.Equal(t, 1, frame.Message.Sender.Id)
	}

	outsider.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := outsider.ReadMessage()
	assert.Error(t, err, "other groups receive nothing")
}

func TestClientDropsMalformedFrames(t *testing.T) {
	h := newWsHarness(t)
	conn := h.dial(t, "g1", 1)

	tcases := []struct {
		name  string
		frame string
	}{
		{name: "not json", frame: "hello?"},
		{name: "unknown type", frame: `{"type":"typing","content":"..."}`},
		{name: "missing type", frame: `{"content":"x"}`},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tc.frame)))
		})
	}

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeMessage, Content: "still here"}))
	frame := readFrame(t, conn)
	assert.Equal(t, TypeMessage, frame.Type)
	assert.Equal(t, "still here", frame.Message.Content)
	assert.Equal(t, []string{"still here"}, h.poster.posted())
}

func TestClientPostError(t *testing.T) {
	tcases := []struct {
		name    string
		err     error
		code    int
		message string
	}{
		{
			name:    "not a member",
			err:     apperror.Forbidden("you are not a member of this group"),
			code:    http.StatusForbidden,
			message: "you are not a member of this group",
		},
		{
			name:    "empty content",
			err:     apperror.BadRequest("message content cannot be empty"),
			code:    http.StatusBadRequest,
			message: "message content cannot be empty",
		},
		{
			name:    "untyped",
			err:     fmt.Errorf("boom"),
			code:    http.StatusInternalServerError,
			message: "internal server error",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			h := newWsHarness(t)
			h.poster.err = tc.err
			conn := h.dial(t, "g1", 1)

			require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeMessage, Content: "x"}))
			frame := readFrame(t, conn)
			assert.Equal(t, TypeError, frame.Type)
			assert.Equal(t, &Response{ResponseCode: tc.code, Error: tc.message}, frame.Error)
		})
	}
}

func TestClientEvictedOverWebsocket(t *testing.T) {
	h := newWsHarness(t)
	evicted := h.dial(t, "g1", 1)
	peer := h.dial(t, "g1", 2)

	h.cs.Evict("g1", 1)

	notice := readFrame(t, evicted)
	assert.Equal(t, TypeClosed, notice.Type)
	assert.Equal(t, ReasonRemoved, notice.Closed.Reason)
	assertClosedByServer(t, evicted)

	require.NoError(t, peer.WriteJSON(ClientMessage{Type: TypeMessage, Content: "bye"}))
	frame := readFrame(t, peer)
	assert.Equal(t, "bye", frame.Message.Content)

	assert.ElementsMatch(t, []int{2}, func() []int {
		var ids []int
		for _, c := range h.cs.registry.Clients("g1") {
			ids = append(ids, c.user.Id)
		}
		return ids
	}())
}

func TestClientDisconnectDetaches(t *testing.T) {
	h := newWsHarness(t)
	conn := h.dial(t, "g1", 1)
	conn.Close()

	assert.Eventually(t, func() bool {
		_, n := h.cs.registry.Len()
		return n == 0
	}, time.Second, 5*time.Millisecond)
}

func TestChatServerServeAdmission(t *testing.T) {
	tcases := []struct {
		name   string
		setup  func(h *wsHarness)
		code   int
		reason string
	}{
		{
			name:   "removed before attach",
			setup:  func(h *wsHarness) { h.remove("g1", 2) },
			code:   websocket.ClosePolicyViolation,
			reason: "you are not a member of this group",
		},
		{
			name: "admission fails internally",
			setup: func(h *wsHarness) {
				h.mu.Lock()
				h.admitErr = fmt.Errorf("db down")
				h.mu.Unlock()
			},
			code:   websocket.CloseInternalServerErr,
			reason: "internal server error",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			h := newWsHarness(t)
			peer := h.dial(t, "g1", 1)
			tc.setup(h)

			conn, _, err := websocket.DefaultDialer.Dial(h.url("g1", 2), nil)
			require.NoError(t, err)
			defer conn.Close()

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err = conn.ReadMessage()
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			assert.Equal(t, tc.code, closeErr.Code)
			assert.Equal(t, tc.reason, closeErr.Text)

			assert.Equal(t, 1, h.cs.Connections("g1"), "only the peer stays attached")

			h.poster.PostMessage(context.Background(), "g1", 1, "after removal")
			assert.Equal(t, "after removal", readFrame(t, peer).Message.Content)
		})
	}
}

func TestChatServerEvictDuringAdmission(t *testing.T) {
	h := newWsHarness(t)
	peer := h.dial(t, "g1", 1)

	// the ban lands after membership was read but before the pumps start
	h.mu.Lock()
	h.onAdmit = func(groupId string, userId int) {
		if userId == 2 {
			h.cs.Evict(groupId, userId)
		}
	}
	h.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(h.url("g1", 2), nil)
	require.NoError(t, err)
	defer conn.Close()

	notice := readFrame(t, conn)
	assert.Equal(t, TypeClosed, notice.Type)
	assert.Equal(t, ReasonRemoved, notice.Closed.Reason)
	assertClosedByServer(t, conn)

	assert.Equal(t, 1, h.cs.Connections("g1"))

	h.poster.PostMessage(context.Background(), "g1", 1, "members only")
	assert.Equal(t, "members only", readFrame(t, peer).Message.Content)
}
