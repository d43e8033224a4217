package models

import "time"

type User struct {
	ID            int64
	Username      string
	Nickname      string
	AvatarURL     string
	Online        bool
	LastLoginTime time.Time
}

// DisplayName returns the nickname, falling back to the username.
func (u User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

type FriendStatus int

const (
	FriendPending FriendStatus = iota
	FriendAccepted
	FriendRejected
)

func (s FriendStatus) String() string {
	switch s {
	case FriendPending:
		return "pending"
	case FriendAccepted:
		return "accepted"
	case FriendRejected:
		return "rejected"
	}
	return "unknown"
}

// Friendship is one directed edge of the friend graph.
type Friendship struct {
	UserID   int64
	FriendID int64
	Status   FriendStatus
}
