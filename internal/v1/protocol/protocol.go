// Package protocol implements the JSON wire codec for the whiteboard hub.
//
// Every frame is a JSON object carrying a "type" discriminator. The package
// models the full frame set as a sealed union so that dispatch sites switch
// over concrete variants instead of inspecting raw maps.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/types"
)

// Frame type discriminators.
const (
	TypeConnect      = "connect"
	TypeUpdate       = "update"
	TypePresence     = "presence"
	TypeChat         = "chat"
	TypeHeartbeat    = "heartbeat"
	TypeLeave        = "leave"
	TypeSyncResponse = "sync-response"
	TypeJoin         = "join"
	TypeError        = "error"
)

// Error codes carried by error frames.
const (
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeNotConnected     = "NOT_CONNECTED"
	CodeAlreadyConnected = "ALREADY_CONNECTED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeRoomNotFound     = "ROOM_NOT_FOUND"
	CodeFlood            = "FLOOD"
	CodeInternal         = "INTERNAL"
)

const maxChatLength = 2000

// ProtocolError describes an inbound frame the codec refused. Fatal errors
// close the session; non-fatal ones only produce an error frame back to the
// sender.
type ProtocolError struct {
	Code    string
	Message string
	Fatal   bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalid(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: CodeInvalidMessage, Message: fmt.Sprintf(format, args...)}
}

// --- Frame Union ---

// Frame is the sealed union of all wire frames.
type Frame interface {
	Type() string
	sealed()
}

// Point is a cursor position on the board.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport is the visible region a client is looking at.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Connect is the handshake frame opening a session. Inbound only.
type Connect struct {
	RoomID types.RoomIDType `json:"roomId"`
	User   types.UserInfo   `json:"user"`
	Token  string           `json:"token,omitempty"`
}

// Update carries an opaque document delta, base64-encoded. Inbound frames
// leave From empty; the hub stamps the sender's client id when relaying.
type Update struct {
	Delta string             `json:"delta"`
	From  types.ClientIDType `json:"from,omitempty"`
}

// Presence carries ephemeral cursor/selection/viewport state. The hub
// overwrites ClientID with the sender's id when relaying.
type Presence struct {
	ClientID  types.ClientIDType `json:"clientId"`
	Cursor    *Point             `json:"cursor,omitempty"`
	Selection []string           `json:"selection,omitempty"`
	Viewport  *Viewport          `json:"viewport,omitempty"`
}

// Chat is a room-wide text message. ClientID is stamped by the hub.
type Chat struct {
	UserName  string             `json:"userName"`
	Message   string             `json:"message"`
	Timestamp int64              `json:"timestamp"`
	ClientID  types.ClientIDType `json:"clientId,omitempty"`
}

// Heartbeat is echoed back verbatim to keep idle connections alive.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// Leave announces a departure. Inbound it is empty; outbound it names the
// departed client.
type Leave struct {
	ClientID types.ClientIDType `json:"clientId,omitempty"`
	UserID   types.UserIDType   `json:"userId,omitempty"`
}

// SyncResponse delivers the current document state and participant list to
// a newly admitted client. Outbound only.
type SyncResponse struct {
	SnapshotData string              `json:"snapshotData"`
	Participants []types.Participant `json:"participants"`
}

// Join announces a new participant to the rest of the room. Outbound only.
type Join struct {
	User     types.UserInfo     `json:"user"`
	ClientID types.ClientIDType `json:"clientId"`
	RoomID   types.RoomIDType   `json:"roomId"`
}

// ErrorFrame reports a protocol or server error to one client.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Connect) Type() string      { return TypeConnect }
func (Update) Type() string       { return TypeUpdate }
func (Presence) Type() string     { return TypePresence }
func (Chat) Type() string         { return TypeChat }
func (Heartbeat) Type() string    { return TypeHeartbeat }
func (Leave) Type() string        { return TypeLeave }
func (SyncResponse) Type() string { return TypeSyncResponse }
func (Join) Type() string         { return TypeJoin }
func (ErrorFrame) Type() string   { return TypeError }

func (Connect) sealed()      {}
func (Update) sealed()       {}
func (Presence) sealed()     {}
func (Chat) sealed()         {}
func (Heartbeat) sealed()    {}
func (Leave) sealed()        {}
func (SyncResponse) sealed() {}
func (Join) sealed()         {}
func (ErrorFrame) sealed()   {}

// --- Codec ---

// Codec decodes and encodes frames. MaxFrameBytes bounds inbound frames;
// zero disables the check (the transport usually enforces it again at the
// socket read limit).
type Codec struct {
	MaxFrameBytes int64
}

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one frame. Errors are always *ProtocolError; only the
// oversize case is fatal for the session.
func (c Codec) Decode(data []byte) (Frame, error) {
	if c.MaxFrameBytes > 0 && int64(len(data)) > c.MaxFrameBytes {
		return nil, &ProtocolError{
			Code:    CodeInvalidMessage,
			Message: fmt.Sprintf("frame of %d bytes exceeds limit %d", len(data), c.MaxFrameBytes),
			Fatal:   true,
		}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, invalid("malformed json: %v", err)
	}

	switch env.Type {
	case TypeConnect:
		var f Connect
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, invalid("malformed connect: %v", err)
		}
		if f.RoomID == "" {
			return nil, invalid("connect requires roomId")
		}
		if err := f.User.Validate(); err != nil {
			return nil, invalid("connect user: %v", err)
		}
		return f, nil
	case TypeUpdate:
		var f Update
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, invalid("malformed update: %v", err)
		}
		if f.Delta == "" {
			return nil, invalid("update requires delta")
		}
		return f, nil
	case TypePresence:
		var f Presence
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, invalid("malformed presence: %v", err)
		}
		return f, nil
	case TypeChat:
		var f Chat
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, invalid("malformed chat: %v", err)
		}
		if f.Message == "" {
			return nil, invalid("chat message cannot be empty")
		}
		if len(f.Message) > maxChatLength {
			return nil, invalid("chat message cannot exceed %d characters", maxChatLength)
		}
		return f, nil
	case TypeHeartbeat:
		var f Heartbeat
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, invalid("malformed heartbeat: %v", err)
		}
		return f, nil
	case TypeLeave:
		var f Leave
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, invalid("malformed leave: %v", err)
		}
		return f, nil
	case TypeSyncResponse:
		var f SyncResponse
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, invalid("malformed sync-response: %v", err)
		}
		return f, nil
	case TypeJoin:
		var f Join
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, invalid("malformed join: %v", err)
		}
		return f, nil
	case TypeError:
		var f ErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, invalid("malformed error: %v", err)
		}
		return f, nil
	case "":
		return nil, invalid("missing type discriminator")
	default:
		return nil, invalid("unknown frame type %q", env.Type)
	}
}

// Encode serializes a frame, injecting the type discriminator.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case Connect:
		return json.Marshal(struct {
			Type string `json:"type"`
			Connect
		}{TypeConnect, v})
	case Update:
		return json.Marshal(struct {
			Type string `json:"type"`
			Update
		}{TypeUpdate, v})
	case Presence:
		return json.Marshal(struct {
			Type string `json:"type"`
			Presence
		}{TypePresence, v})
	case Chat:
		return json.Marshal(struct {
			Type string `json:"type"`
			Chat
		}{TypeChat, v})
	case Heartbeat:
		return json.Marshal(struct {
			Type string `json:"type"`
			Heartbeat
		}{TypeHeartbeat, v})
	case Leave:
		return json.Marshal(struct {
			Type string `json:"type"`
			Leave
		}{TypeLeave, v})
	case SyncResponse:
		return json.Marshal(struct {
			Type string `json:"type"`
			SyncResponse
		}{TypeSyncResponse, v})
	case Join:
		return json.Marshal(struct {
			Type string `json:"type"`
			Join
		}{TypeJoin, v})
	case ErrorFrame:
		return json.Marshal(struct {
			Type string `json:"type"`
			ErrorFrame
		}{TypeError, v})
	default:
		return nil, fmt.Errorf("unencodable frame %T", f)
	}
}

// MustEncode is Encode for server-built frames, where a marshal failure is a
// programming error.
func MustEncode(f Frame) []byte {
	data, err := Encode(f)
	if err != nil {
		panic(err)
	}
	return data
}

// DecodeDelta unpacks the base64 payload of an update frame.
func DecodeDelta(delta string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		return nil, invalid("delta is not valid base64: %v", err)
	}
	if len(raw) == 0 {
		return nil, invalid("delta cannot be empty")
	}
	return raw, nil
}

// EncodeDelta packs opaque bytes for the wire.
func EncodeDelta(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
