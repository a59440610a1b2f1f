package database

import "time"

type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

type GroupType string

const (
	GroupPublic  GroupType = "PUBLIC"
	GroupPrivate GroupType = "PRIVATE"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
)

type User struct {
	Id           int
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	CreatedAt    time.Time
}

type Group struct {
	Id         string
	Name       string
	Type       GroupType
	MaxMembers int
	OwnerId    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// GroupSummary is a group together with its most recent message, if any.
type GroupSummary struct {
	Group
	LastMessage *Message
}

type Member struct {
	UserId   int
	GroupId  string
	Role     Role
	JoinedAt time.Time
	User     User
}

type Ban struct {
	UserId    int
	GroupId   string
	Permanent bool
	CreatedAt time.Time
}

type JoinRequest struct {
	UserId    int
	GroupId   string
	Status    RequestStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	User      User
}

type Message struct {
	Id        string
	GroupId   string
	SenderId  int
	Content   string
	CreatedAt time.Time
	Sender    *User
}

type CreateUserParams struct {
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	CreatedAt    time.Time
}

type CreateGroupParams struct {
	Id         string
	Name       string
	Type       GroupType
	MaxMembers int
	OwnerId    int
	CreatedAt  time.Time
}

type ListGroupsParams struct {
	UserId int
	All    bool
	Limit  int
	Offset int
}

// RemoveMemberParams describes a leave or a ban: the membership is deleted
// and a ban stamped at BannedAt is upserted in the same transaction.
type RemoveMemberParams struct {
	UserId    int
	GroupId   string
	Permanent bool
	BannedAt  time.Time
}

// ListMessagesParams selects up to Limit messages older than the message
// identified by Cursor, newest first. An empty Cursor starts at the newest
// message.
type ListMessagesParams struct {
	GroupId string
	Cursor  string
	Limit   int
}
