package api

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/npezzotti/go-groupchat/internal/auth"
	"github.com/npezzotti/go-groupchat/internal/database"
	"github.com/npezzotti/go-groupchat/internal/types"
	"go.uber.org/zap"
)

const (
	tokenCookieKey    = "token"
	minPasswordLength = 6
)

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func WithUserId(ctx context.Context, userId int) context.Context {
	return WithIdentity(ctx, auth.Identity{UserId: userId})
}

func UserId(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)

	return id.UserId, ok
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string     `json:"token"`
	User  types.User `json:"user"`
}

type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *GoChatApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	email := normalizeEmail(req.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		s.writeError(w, NewBadRequestError("a valid email is required"))
		return
	}
	if len(req.Password) < minPasswordLength {
		s.writeError(w, NewBadRequestError("password must be at least 6 characters"))
		return
	}

	firstName := s.groups.Sanitize(req.FirstName)
	lastName := s.groups.Sanitize(req.LastName)
	if firstName == "" || lastName == "" {
		s.writeError(w, NewBadRequestError("first and last name are required"))
		return
	}

	pwdHash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	newUser, err := s.db.CreateUser(r.Context(), database.CreateUserParams{
		Email:        email,
		PasswordHash: pwdHash,
		FirstName:    firstName,
		LastName:     lastName,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			s.writeError(w, &ApiError{StatusCode: http.StatusConflict, Message: "email already registered"})
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.log.Info("account created", zap.Int("user_id", newUser.Id))
	s.writeJson(w, http.StatusCreated, types.UserFromRecord(newUser))
}

func (s *GoChatApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetUserById(r.Context(), userId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, NewNotFoundError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	u := types.UserFromRecord(user)
	u.CreatedAt = &user.CreatedAt
	s.writeJson(w, http.StatusOK, u)
}

func (s *GoChatApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if !s.decodeJson(w, r, &lr) {
		return
	}

	if lr.Email == "" || lr.Password == "" {
		s.writeError(w, NewBadRequestError("email and password are required"))
		return
	}

	invalid := &ApiError{StatusCode: http.StatusUnauthorized, Message: "invalid email or password"}

	dbUser, err := s.db.GetUserByEmail(r.Context(), normalizeEmail(lr.Email))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, invalid)
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if !auth.VerifyPassword(dbUser.PasswordHash, lr.Password) {
		s.writeError(w, invalid)
		return
	}

	token, err := s.tokens.Issue(auth.Identity{UserId: dbUser.Id, Email: dbUser.Email})
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, s.tokens.TTL()))

	s.writeJson(w, http.StatusOK, LoginResponse{
		Token: token,
		User:  types.UserFromRecord(dbUser),
	})
}

func createJwtCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     tokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

func (s *GoChatApp) logout(w http.ResponseWriter, _ *http.Request) {
	// overwrite the cookie with an expired one
	c := createJwtCookie("", 0)
	c.Expires = time.Unix(0, 0)
	c.MaxAge = -1
	http.SetCookie(w, c)
	w.WriteHeader(http.StatusNoContent)
}
