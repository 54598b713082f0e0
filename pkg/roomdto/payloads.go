package roomdto

import (
	"encoding/json"
	"time"
)

// Hello is the first frame a client must send after connecting.
type Hello struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

type CreateRoom struct {
	GameType string `json:"game_type"`
	Private  bool   `json:"private,omitempty"`
}

type RoomCreated struct {
	RoomID  string          `json:"room_id"`
	Role    string          `json:"role"`
	State   json.RawMessage `json:"state"`
	Message string          `json:"message,omitempty"`
}

type Joined struct {
	RoomID string          `json:"room_id"`
	Role   string          `json:"role"`
	Phase  string          `json:"phase"`
	State  json.RawMessage `json:"state"`
}

// State is broadcast to every present connection after a successful action,
// and sent to a single client on request-sync.
type State struct {
	RoomID  string          `json:"room_id"`
	Phase   string          `json:"phase"`
	State   json.RawMessage `json:"state"`
	Turn    string          `json:"turn,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
	Winner  string          `json:"winner,omitempty"`
	Draw    bool            `json:"draw,omitempty"`
}

type RoomSummary struct {
	RoomID    string    `json:"room_id"`
	GameType  string    `json:"game_type"`
	Occupancy int       `json:"occupancy"`
	Phase     string    `json:"phase"`
	CreatedAt time.Time `json:"created_at"`
}

type RoomList struct {
	Rooms []RoomSummary `json:"rooms"`
}

type RoomClosed struct {
	RoomID  string `json:"room_id"`
	Message string `json:"message,omitempty"`
}

// Suggestion is a sender-only reply carrying a recommended action for the
// asking player's seat.
type Suggestion struct {
	RoomID string          `json:"room_id"`
	Action json.RawMessage `json:"action"`
}

// Error codes mirror the server's failure taxonomy. Errors are always a
// direct reply to the originating connection, never a broadcast.
const (
	CodeNotFound         = "not_found"
	CodeUnauthorized     = "unauthorized"
	CodeInvalidAction    = "invalid_action"
	CodeStoreUnavailable = "store_unavailable"
	CodeBadRequest       = "bad_request"
)

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
