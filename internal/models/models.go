package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized means the credential is missing or was rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnreachable covers transport failures and server-side errors.
	ErrUnreachable = errors.New("unreachable")
	// ErrRejected is any other client error reported by the server.
	ErrRejected = errors.New("rejected")
	// ErrMalformedEvent marks a push frame that could not be decoded.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrSuperseded is returned to a vote caller whose response was discarded
	// because a newer vote for the same message was issued.
	ErrSuperseded = errors.New("superseded")
)

// Message represents a chat message. It is immutable except for Votes and MyVote.
type Message struct {
	ID      string    `json:"id"`
	Author  string    `json:"author"`
	Content string    `json:"content"`
	Votes   int       `json:"votes"`
	Created time.Time `json:"created"`
	// MyVote is the requesting user's current vote, as reported by the server.
	MyVote Direction `json:"myVote,omitempty"`
}

type Direction int

const (
	Down Direction = -1
	None Direction = 0
	Up   Direction = 1
)

func (d Direction) Valid() bool {
	return d >= Down && d <= Up
}

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	case None:
		return "none"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up", "+", "+1", "1":
		return Up, nil
	case "down", "-", "-1":
		return Down, nil
	case "none", "0", "":
		return None, nil
	}
	return None, fmt.Errorf("unknown vote direction %q", s)
}

type VoteStatus string

const (
	VotePending   VoteStatus = "pending"
	VoteConfirmed VoteStatus = "confirmed"
	VoteFailed    VoteStatus = "failed"
)

// VoteIntent is a local vote that has not been acknowledged by the server yet.
type VoteIntent struct {
	MessageID string     `json:"messageId"`
	Direction Direction  `json:"direction"`
	Status    VoteStatus `json:"status"`
	Seq       uint64     `json:"seq"`
}

type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelConnecting
	ChannelOpen
	ChannelClosedWithError
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "closed"
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosedWithError:
		return "closed-with-error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AuthRequest is the body of the signup and login endpoints.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CreateMessageRequest struct {
	Content string `json:"content"`
}

type VoteRequest struct {
	Vote Direction `json:"vote"`
}

type VoteResponse struct {
	ID    string `json:"id"`
	Votes int    `json:"votes"`
}

// IdempotencyKeyHeader carries the client-generated de-duplication key of a
// message creation request.
const IdempotencyKeyHeader = "Idempotency-Key"
