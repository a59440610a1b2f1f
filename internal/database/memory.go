package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type membershipKey struct {
	userId  int
	groupId string
}

// MemGoChatRepository is a process local GoChatRepository. A single mutex
// makes every method atomic, which gives it the same guarded-write semantics
// as the Postgres repository.
type MemGoChatRepository struct {
	mu         sync.Mutex
	nextUserId int
	users      map[int]User
	groups     map[string]Group
	members    map[membershipKey]Member
	bans       map[membershipKey]Ban
	requests   map[membershipKey]JoinRequest
	messages   map[string]Message
}

func NewMemGoChatRepository() *MemGoChatRepository {
	return &MemGoChatRepository{
		nextUserId: 1,
		users:      make(map[int]User),
		groups:     make(map[string]Group),
		members:    make(map[membershipKey]Member),
		bans:       make(map[membershipKey]Ban),
		requests:   make(map[membershipKey]JoinRequest),
		messages:   make(map[string]Message),
	}
}

func (r *MemGoChatRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemGoChatRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if strings.EqualFold(u.Email, params.Email) {
			return User{}, ErrConflict
		}
	}

	u := User{
		Id:           r.nextUserId,
		Email:        params.Email,
		PasswordHash: params.PasswordHash,
		FirstName:    params.FirstName,
		LastName:     params.LastName,
		CreatedAt:    params.CreatedAt,
	}
	r.nextUserId++
	r.users[u.Id] = u

	return u, nil
}

func (r *MemGoChatRepository) GetUserById(ctx context.Context, userId int) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userId]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r *MemGoChatRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *MemGoChatRepository) CreateGroup(ctx context.Context, params CreateGroupParams) (Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[params.Id]; ok {
		return Group{}, ErrConflict
	}
	if _, ok := r.users[params.OwnerId]; !ok {
		return Group{}, ErrNotFound
	}
	if params.MaxMembers < 1 {
		return Group{}, ErrInvalidInput
	}

	g := Group{
		Id:         params.Id,
		Name:       params.Name,
		Type:       params.Type,
		MaxMembers: params.MaxMembers,
		OwnerId:    params.OwnerId,
		CreatedAt:  params.CreatedAt,
		UpdatedAt:  params.CreatedAt,
	}
	r.groups[g.Id] = g
	r.members[membershipKey{params.OwnerId, g.Id}] = Member{
		UserId:   params.OwnerId,
		GroupId:  g.Id,
		Role:     RoleOwner,
		JoinedAt: params.CreatedAt,
	}

	return g, nil
}

func (r *MemGoChatRepository) GetGroup(ctx context.Context, groupId string) (Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupId]
	if !ok {
		return Group{}, ErrNotFound
	}
	return g, nil
}

func (r *MemGoChatRepository) ListGroups(ctx context.Context, params ListGroupsParams) ([]GroupSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		if !params.All {
			if _, ok := r.members[membershipKey{params.UserId, g.Id}]; !ok {
				continue
			}
		}
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool {
		if !groups[i].CreatedAt.Equal(groups[j].CreatedAt) {
			return groups[i].CreatedAt.After(groups[j].CreatedAt)
		}
		return groups[i].Id > groups[j].Id
	})

	summaries := make([]GroupSummary, 0)
	for i := params.Offset; i < len(groups) && len(summaries) < params.Limit; i++ {
		gs := GroupSummary{Group: groups[i]}
		if last := r.newestMessages(groups[i].Id, "", 1); len(last) == 1 {
			gs.LastMessage = &last[0]
		}
		summaries = append(summaries, gs)
	}

	return summaries, nil
}

func (r *MemGoChatRepository) DeleteGroup(ctx context.Context, groupId string, ownerId int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupId]
	if !ok || g.OwnerId != ownerId {
		return ErrNotFound
	}
	if r.countMembers(groupId) > 1 {
		return ErrGroupNotEmpty
	}

	delete(r.groups, groupId)
	for k := range r.members {
		if k.groupId == groupId {
			delete(r.members, k)
		}
	}
	for k := range r.bans {
		if k.groupId == groupId {
			delete(r.bans, k)
		}
	}
	for k := range r.requests {
		if k.groupId == groupId {
			delete(r.requests, k)
		}
	}
	for id, m := range r.messages {
		if m.GroupId == groupId {
			delete(r.messages, id)
		}
	}

	return nil
}

func (r *MemGoChatRepository) GetMember(ctx context.Context, userId int, groupId string) (Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[membershipKey{userId, groupId}]
	if !ok {
		return Member{}, ErrNotFound
	}
	return m, nil
}

func (r *MemGoChatRepository) ListMembers(ctx context.Context, groupId string) ([]Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := make([]Member, 0)
	for k, m := range r.members {
		if k.groupId != groupId {
			continue
		}
		m.User = r.publicUser(m.UserId)
		members = append(members, m)
	}

	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].UserId < members[j].UserId
	})

	return members, nil
}

func (r *MemGoChatRepository) CountMembers(ctx context.Context, groupId string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.countMembers(groupId), nil
}

func (r *MemGoChatRepository) AddMember(ctx context.Context, userId int, groupId string, joinedAt time.Time) (Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.addMember(userId, groupId, joinedAt)
}

func (r *MemGoChatRepository) PromoteMember(ctx context.Context, userId int, groupId string) (Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := membershipKey{userId, groupId}
	m, ok := r.members[key]
	if !ok || m.Role != RoleMember {
		return Member{}, ErrNotFound
	}

	m.Role = RoleAdmin
	r.members[key] = m
	return m, nil
}

func (r *MemGoChatRepository) RemoveMember(ctx context.Context, params RemoveMemberParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := membershipKey{params.UserId, params.GroupId}
	m, ok := r.members[key]
	if !ok || m.Role == RoleOwner {
		return ErrNotFound
	}

	delete(r.members, key)
	r.bans[key] = Ban{
		UserId:    params.UserId,
		GroupId:   params.GroupId,
		Permanent: params.Permanent,
		CreatedAt: params.BannedAt,
	}

	return nil
}

func (r *MemGoChatRepository) TransferOwnership(ctx context.Context, groupId string, fromUserId, toUserId int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupId]
	if !ok || g.OwnerId != fromUserId {
		return ErrNotFound
	}

	fromKey := membershipKey{fromUserId, groupId}
	toKey := membershipKey{toUserId, groupId}
	from, ok := r.members[fromKey]
	if !ok || from.Role != RoleOwner {
		return ErrNotFound
	}
	to, ok := r.members[toKey]
	if !ok {
		return ErrNotFound
	}

	g.OwnerId = toUserId
	g.UpdatedAt = at
	r.groups[groupId] = g

	from.Role = RoleAdmin
	r.members[fromKey] = from
	to.Role = RoleOwner
	r.members[toKey] = to

	return nil
}

func (r *MemGoChatRepository) GetBan(ctx context.Context, userId int, groupId string) (Ban, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bans[membershipKey{userId, groupId}]
	if !ok {
		return Ban{}, ErrNotFound
	}
	return b, nil
}

func (r *MemGoChatRepository) DeleteExpiredBan(ctx context.Context, userId int, groupId string, expiredBefore time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := membershipKey{userId, groupId}
	b, ok := r.bans[key]
	if !ok || b.Permanent || b.CreatedAt.After(expiredBefore) {
		return false, nil
	}

	delete(r.bans, key)
	return true, nil
}

func (r *MemGoChatRepository) GetJoinRequest(ctx context.Context, userId int, groupId string) (JoinRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jr, ok := r.requests[membershipKey{userId, groupId}]
	if !ok {
		return JoinRequest{}, ErrNotFound
	}
	return jr, nil
}

func (r *MemGoChatRepository) RequestToJoin(ctx context.Context, userId int, groupId string, at time.Time) (JoinRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[groupId]; !ok {
		return JoinRequest{}, ErrNotFound
	}
	if _, ok := r.users[userId]; !ok {
		return JoinRequest{}, ErrNotFound
	}

	key := membershipKey{userId, groupId}
	if jr, ok := r.requests[key]; ok && jr.Status == RequestPending {
		return JoinRequest{}, ErrConflict
	}

	jr := JoinRequest{
		UserId:    userId,
		GroupId:   groupId,
		Status:    RequestPending,
		CreatedAt: at,
		UpdatedAt: at,
	}
	r.requests[key] = jr

	return jr, nil
}

func (r *MemGoChatRepository) ApproveJoinRequest(ctx context.Context, userId int, groupId string, at time.Time) (Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[groupId]; !ok {
		return Member{}, ErrNotFound
	}

	key := membershipKey{userId, groupId}
	jr, ok := r.requests[key]
	if !ok || jr.Status != RequestPending {
		return Member{}, ErrNotFound
	}

	m, err := r.addMember(userId, groupId, at)
	if err != nil {
		return Member{}, err
	}

	jr.Status = RequestApproved
	jr.UpdatedAt = at
	r.requests[key] = jr

	return m, nil
}

func (r *MemGoChatRepository) RejectJoinRequest(ctx context.Context, userId int, groupId string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := membershipKey{userId, groupId}
	jr, ok := r.requests[key]
	if !ok || jr.Status != RequestPending {
		return ErrNotFound
	}

	jr.Status = RequestRejected
	jr.UpdatedAt = at
	r.requests[key] = jr

	return nil
}

func (r *MemGoChatRepository) ListPendingRequests(ctx context.Context, groupId string) ([]JoinRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	requests := make([]JoinRequest, 0)
	for k, jr := range r.requests {
		if k.groupId != groupId || jr.Status != RequestPending {
			continue
		}
		jr.User = r.publicUser(jr.UserId)
		requests = append(requests, jr)
	}

	sort.Slice(requests, func(i, j int) bool {
		if !requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].CreatedAt.Before(requests[j].CreatedAt)
		}
		return requests[i].UserId < requests[j].UserId
	})

	return requests, nil
}

func (r *MemGoChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[msg.GroupId]; !ok {
		return Message{}, ErrNotFound
	}
	if _, ok := r.users[msg.SenderId]; !ok {
		return Message{}, ErrNotFound
	}
	if _, ok := r.messages[msg.Id]; ok {
		return Message{}, ErrConflict
	}

	stored := Message{
		Id:        msg.Id,
		GroupId:   msg.GroupId,
		SenderId:  msg.SenderId,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	r.messages[stored.Id] = stored

	return stored, nil
}

func (r *MemGoChatRepository) ListMessages(ctx context.Context, params ListMessagesParams) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.newestMessages(params.GroupId, params.Cursor, params.Limit), nil
}

func (r *MemGoChatRepository) CountMessages(ctx context.Context, groupId string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, m := range r.messages {
		if m.GroupId == groupId {
			count++
		}
	}
	return count, nil
}

func (r *MemGoChatRepository) countMembers(groupId string) int {
	count := 0
	for k := range r.members {
		if k.groupId == groupId {
			count++
		}
	}
	return count
}

func (r *MemGoChatRepository) addMember(userId int, groupId string, joinedAt time.Time) (Member, error) {
	g, ok := r.groups[groupId]
	if !ok {
		return Member{}, ErrNotFound
	}
	if r.countMembers(groupId) >= g.MaxMembers {
		return Member{}, ErrGroupFull
	}
	if _, ok := r.users[userId]; !ok {
		return Member{}, ErrNotFound
	}

	key := membershipKey{userId, groupId}
	if _, ok := r.members[key]; ok {
		return Member{}, ErrConflict
	}

	m := Member{
		UserId:   userId,
		GroupId:  groupId,
		Role:     RoleMember,
		JoinedAt: joinedAt,
	}
	r.members[key] = m

	return m, nil
}

func (r *MemGoChatRepository) publicUser(userId int) User {
	u := r.users[userId]
	return User{Id: u.Id, Email: u.Email, FirstName: u.FirstName, LastName: u.LastName}
}

// newestMessages returns up to limit messages of the group strictly older
// than cursor in (created_at, id) order, newest first. An unknown cursor
// yields no messages.
func (r *MemGoChatRepository) newestMessages(groupId, cursor string, limit int) []Message {
	var pivot *Message
	if cursor != "" {
		c, ok := r.messages[cursor]
		if !ok || c.GroupId != groupId {
			return []Message{}
		}
		pivot = &c
	}

	msgs := make([]Message, 0)
	for _, m := range r.messages {
		if m.GroupId != groupId {
			continue
		}
		if pivot != nil && !messageBefore(m, *pivot) {
			continue
		}
		msgs = append(msgs, m)
	}

	sort.Slice(msgs, func(i, j int) bool {
		return messageBefore(msgs[j], msgs[i])
	})

	if len(msgs) > limit {
		msgs = msgs[:limit]
	}

	for i := range msgs {
		if u, ok := r.users[msgs[i].SenderId]; ok {
			msgs[i].Sender = &User{Id: u.Id, FirstName: u.FirstName, LastName: u.LastName}
		}
	}

	return msgs
}

// messageBefore reports whether a sorts before b in (created_at, id) order.
func messageBefore(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Id < b.Id
}
