package protocol

import (
	"encoding/json"
	"fmt"
)

// Request bodies carried in Message.Content.

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Nickname string `json:"nickname,omitempty"`
}

type HistoryRequest struct {
	OtherUserID int64 `json:"otherUserId"`
	Limit       int   `json:"limit,omitempty"`
}

type FriendRequest struct {
	ToUsername string `json:"to_username"`
}

type FriendResponse struct {
	FromUserID int64 `json:"from_user_id"`
	Accept     bool  `json:"accept"`
}

// Response bodies.

type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type LoginResponse struct {
	Response
	UserID   int64  `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

type RegisterResponse struct {
	Response
	UserID int64 `json:"userId,omitempty"`
}

type HistoryResponse struct {
	Response
	OtherUserID int64     `json:"otherUserId"`
	Messages    []Message `json:"messages"`
}

// Friend is one entry of a friend list.
type Friend struct {
	UserID    int64  `json:"userId"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Online    bool   `json:"online"`
}

type FriendListResponse struct {
	Response
	Friends []Friend `json:"friends"`
}

type FriendRequestNotification struct {
	Type         string `json:"type"`
	FromUserID   int64  `json:"from_user_id"`
	FromUsername string `json:"from_username"`
}

type FriendResponseNotice struct {
	Response
	FromUserID int64 `json:"from_user_id"`
	Accept     bool  `json:"accept"`
}

// Reply builds a server-originated message addressed to receiver whose
// content is the JSON encoding of body.
func Reply(receiver int64, typ MessageType, body any) Message {
	b, err := json.Marshal(body)
	if err != nil {
		b, _ = json.Marshal(Response{Error: err.Error()})
	}
	return NewMessage(0, receiver, typ, string(b))
}

// Failure is a shorthand for a {"success":false} reply.
func Failure(receiver int64, typ MessageType, reason string) Message {
	return Reply(receiver, typ, Response{Success: false, Error: reason})
}

// DecodeContent parses m.Content into v.
func DecodeContent(m Message, v any) error {
	if m.Content == "" {
		return fmt.Errorf("%s: empty content", m.Type)
	}
	if err := json.Unmarshal([]byte(m.Content), v); err != nil {
		return fmt.Errorf("%s: %w", m.Type, err)
	}
	return nil
}
