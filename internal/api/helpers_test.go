package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/npezzotti/go-groupchat/internal/auth"
	"github.com/npezzotti/go-groupchat/internal/config"
	"github.com/npezzotti/go-groupchat/internal/database"
	"github.com/npezzotti/go-groupchat/internal/encryption"
	"github.com/npezzotti/go-groupchat/internal/groups"
	"github.com/npezzotti/go-groupchat/internal/server"
	"github.com/npezzotti/go-groupchat/internal/stats"
	"github.com/npezzotti/go-groupchat/internal/testutil"
	"github.com/npezzotti/go-groupchat/internal/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	testSigningKey    = []byte("test-signing-key")
	testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")
)

const testPassword = "password123"

func testConfig() *config.Config {
	return &config.Config{
		ServerAddr:     "localhost:8080",
		Store:          config.StoreMemory,
		SigningKey:     testSigningKey,
		EncryptionKey:  testEncryptionKey,
		LockoutHours:   48,
		AllowedOrigins: []string{"http://localhost:3000"},
	}
}

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

type fixture struct {
	app   *GoChatApp
	repo  *database.MemGoChatRepository
	svc   *groups.Service
	cs    *server.ChatServer
	clock *testutil.Clock
	users []database.User
	token []string
}

// newFixture wires the app over the in-memory store and creates n users
// with a session token each.
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()

	logger := testutil.TestLogger(t)
	cfg := testConfig()
	repo := database.NewMemGoChatRepository()
	sealer, err := encryption.NewSealer(cfg.EncryptionKey)
	require.NoError(t, err)

	cs := server.NewChatServer(logger, sealer, newTestStats())
	clock := testutil.NewClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, err := groups.NewService(groups.Params{
		Logger:   logger,
		Repo:     repo,
		Crypt:    sealer,
		Lockout:  cfg.Lockout(),
		Notifier: cs,
		Now:      clock.Now,
	})
	require.NoError(t, err)

	f := &fixture{
		app:   NewGoChatApp(chi.NewRouter(), logger, cs, repo, svc, cfg),
		repo:  repo,
		svc:   svc,
		cs:    cs,
		clock: clock,
	}

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		u, err := repo.CreateUser(context.Background(), database.CreateUserParams{
			Email:        fmt.Sprintf("user%d@example.com", i),
			PasswordHash: hash,
			FirstName:    "First",
			LastName:     fmt.Sprintf("Last%d", i),
			CreatedAt:    clock.Now(),
		})
		require.NoError(t, err)
		token, err := f.app.tokens.Issue(auth.Identity{UserId: u.Id, Email: u.Email})
		require.NoError(t, err)
		f.users = append(f.users, u)
		f.token = append(f.token, token)
	}

	return f
}

func (f *fixture) uid(i int) int {
	return f.users[i].Id
}

// do sends a request as user i, or anonymously when i is negative.
func (f *fixture) do(t *testing.T, i int, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if i >= 0 {
		req.Header.Set("Authorization", "Bearer "+f.token[i])
	}

	rr := httptest.NewRecorder()
	f.app.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "body: %s", rr.Body.String())
	return v
}

// createGroup creates a group owned by user i through the API.
func (f *fixture) createGroup(t *testing.T, i int, groupType string, maxMembers int) types.Group {
	t.Helper()

	rr := f.do(t, i, http.MethodPost, "/api/groups", CreateGroupRequest{
		Name:       "Group of " + f.users[i].LastName,
		Type:       groupType,
		MaxMembers: maxMembers,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[types.Group](t, rr)
}

func (f *fixture) join(t *testing.T, i int, groupId string) {
	t.Helper()

	rr := f.do(t, i, http.MethodPost, "/api/groups/"+groupId+"/join", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

// findCookie is a helper function to find a cookie by name in the response recorder.
// It returns the cookie if found, or nil if not found.
func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}
