package types

import (
	"time"

	"github.com/npezzotti/go-groupchat/internal/database"
)

type User struct {
	Id        int        `json:"id"`
	Email     string     `json:"email,omitempty"`
	FirstName string     `json:"firstName"`
	LastName  string     `json:"lastName"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

type Sender struct {
	Id        int    `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type Message struct {
	Id        string    `json:"id"`
	GroupId   string    `json:"groupId"`
	Sender    *Sender   `json:"sender,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type LastMessage struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type Group struct {
	Id          string       `json:"id"`
	Name        string       `json:"name"`
	Type        string       `json:"type"`
	MaxMembers  int          `json:"maxMembers"`
	OwnerId     int          `json:"ownerId"`
	CreatedAt   time.Time    `json:"createdAt"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
}

type Member struct {
	UserId   int       `json:"userId"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
	User     User      `json:"user"`
}

type JoinRequest struct {
	UserId    int       `json:"userId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	User      *User     `json:"user,omitempty"`
}

type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor *string   `json:"nextCursor"`
	TotalCount int       `json:"totalCount"`
}

func UserFromRecord(u database.User) User {
	return User{
		Id:        u.Id,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

// MessageFromRecord converts a stored message whose content has already been
// opened.
func MessageFromRecord(m database.Message) Message {
	msg := Message{
		Id:        m.Id,
		GroupId:   m.GroupId,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}

	if m.Sender != nil {
		msg.Sender = &Sender{
			Id:        m.Sender.Id,
			FirstName: m.Sender.FirstName,
			LastName:  m.Sender.LastName,
		}
	}

	return msg
}

func GroupFromRecord(g database.Group) Group {
	return Group{
		Id:         g.Id,
		Name:       g.Name,
		Type:       string(g.Type),
		MaxMembers: g.MaxMembers,
		OwnerId:    g.OwnerId,
		CreatedAt:  g.CreatedAt,
	}
}

func GroupSummaryFromRecord(gs database.GroupSummary) Group {
	g := GroupFromRecord(gs.Group)
	if gs.LastMessage != nil {
		g.LastMessage = &LastMessage{
			Content:   gs.LastMessage.Content,
			CreatedAt: gs.LastMessage.CreatedAt,
		}
	}
	return g
}

func MemberFromRecord(m database.Member) Member {
	return Member{
		UserId:   m.UserId,
		Role:     string(m.Role),
		JoinedAt: m.JoinedAt,
		User:     UserFromRecord(m.User),
	}
}

func JoinRequestFromRecord(jr database.JoinRequest) JoinRequest {
	out := JoinRequest{
		UserId:    jr.UserId,
		Status:    string(jr.Status),
		CreatedAt: jr.CreatedAt,
	}

	if jr.User.Id != 0 {
		u := UserFromRecord(jr.User)
		out.User = &u
	}

	return out
}
