package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-groupchat/internal/apperror"
	"github.com/npezzotti/go-groupchat/internal/groups"
	"github.com/npezzotti/go-groupchat/internal/server"
	"github.com/npezzotti/go-groupchat/internal/types"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type CreateGroupRequest struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	MaxMembers int    `json:"maxMembers"`
}

// TargetRequest names the member an admin action applies to.
type TargetRequest struct {
	UserId    int  `json:"userId"`
	Permanent bool `json:"permanent"`
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type JoinResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

// writeError writes err with the status of its kind. Domain errors are
// converted first; internal failures are logged.
func (s *GoChatApp) writeError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*ApiError)
	if !ok {
		apiErr = NewApiError(err)
	}

	if apiErr.StatusCode >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(apiErr))
	}

	s.writeJson(w, apiErr.StatusCode, apiErr)
}

func (s *GoChatApp) decodeJson(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, NewBadRequestError("invalid request body"))
		return false
	}
	return true
}

func (s *GoChatApp) decodeTarget(w http.ResponseWriter, r *http.Request) (TargetRequest, bool) {
	var req TargetRequest
	if !s.decodeJson(w, r, &req) {
		return req, false
	}
	if req.UserId <= 0 {
		s.writeError(w, NewBadRequestError("userId is required"))
		return req, false
	}
	return req, true
}

// callerAndGroup returns the authenticated user and the {groupId} route
// parameter.
func (s *GoChatApp) callerAndGroup(w http.ResponseWriter, r *http.Request) (int, string, bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return 0, "", false
	}
	return userId, chi.URLParam(r, "groupId"), true
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Error("health check failed", zap.Error(err))
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) createGroup(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req CreateGroupRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	g, err := s.groups.Create(r.Context(), userId, groups.CreateGroupRequest{
		Name:       req.Name,
		Type:       req.Type,
		MaxMembers: req.MaxMembers,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, types.GroupFromRecord(g))
}

func (s *GoChatApp) listGroups(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, NewBadRequestError("limit must be an integer"))
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(w, NewBadRequestError("offset must be an integer"))
		return
	}
	var all bool
	if v := r.URL.Query().Get("all"); v != "" {
		if all, err = strconv.ParseBool(v); err != nil {
			s.writeError(w, NewBadRequestError("all must be a boolean"))
			return
		}
	}

	summaries, err := s.groups.ListGroups(r.Context(), userId, groups.ListGroupsRequest{
		Limit:  limit,
		Offset: offset,
		All:    all,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]types.Group, 0, len(summaries))
	for _, gs := range summaries {
		out = append(out, types.GroupSummaryFromRecord(gs))
	}

	s.writeJson(w, http.StatusOK, out)
}

func (s *GoChatApp) getGroup(w http.ResponseWriter, r *http.Request) {
	userId, groupId, ok := s.callerAndGroup(w, r)
	if !ok {
		return
	}

	g, err := s.groups.Get(r.Context(), userId, groupId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, types.GroupFromRecord(g))
}

func (s *GoChatApp) deleteGroup(w http.ResponseWriter, r *http.Request) {
	userId, groupId, ok := s.callerAndGroup(w, r)
	if !ok {
		return
	}

	if err := s.groups.Delete(r.Context(), userId, groupId); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, MessageResponse{Message: "group deleted"})
}

func (s *GoChatApp) listMembers(w http.ResponseWriter, r *http.Request) {
	userId, groupId, ok := s.callerAndGroup(w, r)
	if !ok {
		return
	}

	members, err := s.groups.Members(r.Context(), userId, groupId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]types.Member, 0, len(members))
	for _, m := range members {
		out = append(out, types.MemberFromRecord(m))
	}

	s.writeJson(w, http.StatusOK, out)
}

func (s *GoChatApp) listRequests(w http.ResponseWriter, r *http.Request) {
	userId, groupId, ok := s.callerAndGroup(w, r)
	if !ok {
		return
	}

	requests, err := s.groups.PendingRequests(r.Context(), userId, groupId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]types.JoinRequest, 0, len(requests))
	for _, jr := range requests {
		out = append(out, types.JoinRequestFromRecord(jr))
	}

	s.writeJson(w, http.StatusOK, out)
}

func (s *GoChatApp) joinGroup(w http.ResponseWriter, r *http.Request) {
	userId, groupId, ok := s.callerAndGroup(w, r)
	if !ok {
		return
	}

	res, err := s.groups.Join(r.Context(), userId, groupId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	msg := "successfully joined group"
	if res.Status == groups.JoinStatusPending {
		msg = "join request submitted"
	}

	s.writeJson(w, http.StatusOK, JoinResponse{Message: msg, Status: string(res.Status)})
}

func (s *GoChatApp) leaveGroup(w http.ResponseWriter, r *http.Request) {
	userId, groupId, ok := s.callerAndGroup(w, r)
	if !ok {
		return
	}

	if err := s.groups.Leave(r.Context(), userId, groupId); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, MessageResponse{
		Message: fmt.Sprintf("you have left the group and must wait %dh to rejoin", int(s.groups.Lockout().Hours())),
	})
}

func (s *GoChatApp) approveRequest(w http.ResponseWriter, r *http.Request) {
	userId, groupId, ok := s.callerAndGroup(w, r)
	if !ok {
		return
	}
	target, ok := s.decodeTarget(w, r)
	if !ok {
		return
	}

	if _, err := s.groups.Approve(r.Context(), userId, groupId, target.UserId); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, MessageResponse{Message: "join request approved"})
}

func (s *GoChatApp) rejectRequest(w http.ResponseWriter, r *http.Request) {
	userId, groupId, ok := s.callerAndGroup(w, r)
	if !ok {
		return
	}
	target, ok := s.decodeTarget(w, r)
	if !ok {
		return
	}

	if err := s.groups.Reject(r.Context(), userId, groupId, target.UserId); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, MessageResponse{Message: "join request rejected"})
}

func (s *GoChatApp) banMember(w http.ResponseWriter, r *http.Request) {
	userId, groupId, ok := s.callerAndGroup(w, r)
	if !ok {
		return
	}
	target, ok := s.decodeTarget(w, r)
	if !ok {
		return
	}

	if err := s.groups.Ban(r.Context(), userId, groupId, target.UserId, target.Permanent); err != nil {
		s.writeError(w, err)
		return
	}

	msg := fmt.Sprintf("user has been kicked and cannot rejoin for %d hours", int(s.groups.Lockout().Hours()))
	if target.Permanent {
		msg = "user has been permanently banned from the group"
	}

	s.writeJson(w, http.StatusOK, MessageResponse{Message: msg})
}

func (s *GoChatApp) promoteMember(w http.ResponseWriter, r *http.Request) {
	userId, groupId, ok := s.callerAndGroup(w, r)
	if !ok {
		return
	}
	target, ok := s.decodeTarget(w, r)
	if !ok {
		return
	}

	if _, err := s.groups.Promote(r.Context(), userId, groupId, target.UserId); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, MessageResponse{Message: "user promoted to admin"})
}

func (s *GoChatApp) transferOwnership(w http.ResponseWriter, r *http.Request) {
	userId, groupId, ok := s.callerAndGroup(w, r)
	if !ok {
		return
	}
	target, ok := s.decodeTarget(w, r)
	if !ok {
		return
	}

	if err := s.groups.TransferOwnership(r.Context(), userId, groupId, target.UserId); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, MessageResponse{Message: "ownership transferred successfully"})
}

func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, groupId, ok := s.callerAndGroup(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, NewBadRequestError("limit must be an integer"))
		return
	}

	page, err := s.groups.ListMessages(r.Context(), groupId, userId, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := types.MessagePage{
		Messages:   make([]types.Message, 0, len(page.Messages)),
		TotalCount: page.TotalCount,
	}
	for _, m := range page.Messages {
		out.Messages = append(out.Messages, types.MessageFromRecord(m))
	}
	if page.NextCursor != "" {
		out.NextCursor = &page.NextCursor
	}

	s.writeJson(w, http.StatusOK, out)
}

func (s *GoChatApp) postMessage(w http.ResponseWriter, r *http.Request) {
	userId, groupId, ok := s.callerAndGroup(w, r)
	if !ok {
		return
	}

	var req PostMessageRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	msg, err := s.groups.PostMessage(r.Context(), groupId, userId, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, types.MessageFromRecord(msg))
}

// serveWs upgrades the request and hands the connection to the chat server,
// which checks membership once the connection is attached. Non-members get a
// policy violation close right after the upgrade.
func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, groupId, ok := s.callerAndGroup(w, r)
	if !ok {
		return
	}

	user, err := s.db.GetUserById(r.Context(), userId)
	if err != nil {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading connection", zap.Error(err))
		return
	}

	admit := func(ctx context.Context) error {
		_, err := s.groups.RequireMember(ctx, userId, groupId)
		return err
	}

	client := server.NewClient(types.UserFromRecord(user), groupId, conn, s.cs, s.groups, s.log)
	if err := s.cs.Serve(r.Context(), client, admit); err != nil {
		if apperror.KindOf(err) == apperror.KindInternal && !errors.Is(err, server.ErrServerClosed) {
			s.log.Error("membership check failed", zap.Error(err))
			return
		}
		s.log.Info("rejected connection", zap.Error(err))
	}
}
