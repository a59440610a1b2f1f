package server

import "github.com/npezzotti/go-groupchat/internal/types"

const (
	TypeMessage = "message"
	TypeError   = "error"
	TypeClosed  = "closed"
)

// ClientMessage is the only inbound frame a group channel accepts.
type ClientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type ServerMessage struct {
	Type    string         `json:"type"`
	Message *types.Message `json:"message,omitempty"`
	Error   *Response      `json:"error,omitempty"`
	Closed  *Closed        `json:"closed,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error"`
}

type Closed struct {
	GroupId string `json:"groupId"`
	Reason  string `json:"reason"`
}

func NewMessage(msg types.Message) *ServerMessage {
	return &ServerMessage{
		Type:    TypeMessage,
		Message: &msg,
	}
}

func ErrResponse(code int, msg string) *ServerMessage {
	return &ServerMessage{
		Type: TypeError,
		Error: &Response{
			ResponseCode: code,
			Error:        msg,
		},
	}
}

func ClosedNotice(groupId, reason string) *ServerMessage {
	return &ServerMessage{
		Type: TypeClosed,
		Closed: &Closed{
			GroupId: groupId,
			Reason:  reason,
		},
	}
}
