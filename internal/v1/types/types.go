package types

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sync"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/auth"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/bus"
)

// --- Core Domain Types ---

// RoomIDType represents a unique identifier for a whiteboard room.
type RoomIDType string

// ClientIDType represents a unique identifier for a client connection.
// It is minted server-side when the socket is accepted.
type ClientIDType string

// UserIDType represents the identity of a user across connections.
type UserIDType string

// RoleType defines the role a participant holds in a room.
type RoleType string

// Role constants. Every admission currently records an editor; owner and
// viewer are reserved for future authorization work.
const (
	RoleTypeEditor RoleType = "editor"
	RoleTypeOwner  RoleType = "owner"
	RoleTypeViewer RoleType = "viewer"
)

// VisibilityType controls whether a room is listed publicly.
type VisibilityType string

const (
	VisibilityPublic  VisibilityType = "public"
	VisibilityPrivate VisibilityType = "private"
)

// SessionState tracks the lifecycle of one connection.
type SessionState int32

const (
	StatePending SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Close reasons attached to a forced session teardown.
const (
	CloseReasonOverflow = "OVERFLOW"
	CloseReasonFlood    = "FLOOD"
	CloseReasonInternal = "INTERNAL"
	CloseReasonShutdown = "SHUTDOWN"
)

// --- Wire-Facing Value Types ---

// UserInfo is the identity a client presents at connect time.
type UserInfo struct {
	ID    UserIDType `json:"id"`
	Name  string     `json:"name"`
	Color string     `json:"color"`
}

// Validate ensures the user identity is usable before admission.
func (u UserInfo) Validate() error {
	if u.ID == "" {
		return errors.New("user id cannot be empty")
	}
	if u.Name == "" {
		return errors.New("user name cannot be empty")
	}
	if len(u.Name) > 100 {
		return errors.New("user name cannot exceed 100 characters")
	}
	if len(u.Color) > 32 {
		return errors.New("user color cannot exceed 32 characters")
	}
	return nil
}

// Participant is one entry of the participant list delivered in a
// sync-response.
type Participant struct {
	ClientID ClientIDType `json:"clientId"`
	User     UserInfo     `json:"user"`
	Role     RoleType     `json:"role"`
	JoinedAt time.Time    `json:"joinedAt"`
}

// --- Shared Interfaces ---

// TokenValidator defines the interface for connect-time token checks.
type TokenValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (*auth.Claims, error)
}

// BusService defines the interface for cross-instance frame relay.
type BusService interface {
	Publish(ctx context.Context, roomID string, event string, payload []byte, senderID string) error
	Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(bus.Envelope))
	InstanceID() string
	Close() error
}

// ClientInterface defines the behavior the registry and room owners need
// from a live session. It keeps those packages independent of the transport
// package.
type ClientInterface interface {
	GetID() ClientIDType
	GetUser() UserInfo
	GetRole() RoleType
	GetJoinedAt() time.Time
	// TrySend enqueues an encoded frame without blocking. It reports false
	// when the session's outbound queue is full or already closed.
	TrySend(frame []byte) bool
	// CloseWithReason schedules teardown of the session. The reason is one
	// of the CloseReason constants.
	CloseWithReason(reason string)
}
