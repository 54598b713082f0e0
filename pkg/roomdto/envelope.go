package roomdto

import "encoding/json"

// Envelope is the frame exchanged over the WebSocket in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client → server event types.
const (
	EvHello       = "hello"
	EvCreateRoom  = "create-room"
	EvJoinRoom    = "join-room"
	EvJoinGame    = "join-game"
	EvLeaveRoom   = "leave-room"
	EvAction      = "action"
	EvRequestSync = "request-sync"
	EvResetGame   = "reset-game"
	EvListRooms   = "list-rooms"
	EvSuggestMove = "suggest-move"
)

// Server → client event types.
const (
	EvRoomCreated = "room-created"
	EvJoined      = "joined"
	EvState       = "state"
	EvRoomList    = "room-list"
	EvRoomClosed  = "room-closed"
	EvError       = "error"
	EvSuggestion  = "suggestion"
)

func Marshal(typ, roomID string, payload any) (*Envelope, error) {
	env := &Envelope{Type: typ, RoomID: roomID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return env, nil
}
