package protocol

import (
	"errors"
	"fmt"
)

// ErrUnroutable marks a well-formed message that clients may not send as a
// request (response types, raw media tags, SYSTEM, ERROR).
var ErrUnroutable = errors.New("message type is not a request")

// ErrBadRequest marks a request whose content could not be parsed.
var ErrBadRequest = errors.New("malformed request content")

// Request is the closed set of inbound request variants.
type Request interface {
	request()
}

type (
	Login struct {
		LoginRequest
	}
	Register struct {
		RegisterRequest
	}
	Logout    struct{}
	Heartbeat struct{}
	// Chat wraps the client's envelope, which is persisted and relayed as is.
	Chat struct {
		Message Message
	}
	GetHistory struct {
		HistoryRequest
	}
	GetFriendList        struct{}
	SendFriendRequest    struct{ FriendRequest }
	RespondFriendRequest struct{ FriendResponse }
)

func (Login) request()                {}
func (Register) request()             {}
func (Logout) request()               {}
func (Heartbeat) request()            {}
func (Chat) request()                 {}
func (GetHistory) request()           {}
func (GetFriendList) request()        {}
func (SendFriendRequest) request()    {}
func (RespondFriendRequest) request() {}

// ParseRequest maps a decoded message onto its request variant.
func ParseRequest(m Message) (Request, error) {
	switch m.Type {
	case TypeLogin:
		var r Login
		if err := DecodeContent(m, &r.LoginRequest); err != nil {
			return nil, badRequest(err)
		}
		return r, nil
	case TypeRegister:
		var r Register
		if err := DecodeContent(m, &r.RegisterRequest); err != nil {
			return nil, badRequest(err)
		}
		return r, nil
	case TypeLogout:
		return Logout{}, nil
	case TypeHeartbeat:
		return Heartbeat{}, nil
	case TypeChat:
		return Chat{Message: m}, nil
	case TypeGetChatHistory:
		var r GetHistory
		if err := DecodeContent(m, &r.HistoryRequest); err != nil {
			return nil, badRequest(err)
		}
		return r, nil
	case TypeGetFriendList:
		return GetFriendList{}, nil
	case TypeFriendRequest:
		var r SendFriendRequest
		if err := DecodeContent(m, &r.FriendRequest); err != nil {
			return nil, badRequest(err)
		}
		return r, nil
	case TypeFriendResponse:
		var r RespondFriendRequest
		if err := DecodeContent(m, &r.FriendResponse); err != nil {
			return nil, badRequest(err)
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnroutable, m.Type)
}

func badRequest(err error) error {
	return fmt.Errorf("%w: %v", ErrBadRequest, err)
}
