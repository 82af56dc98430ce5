package world

import "encoding/json"

// Client → room message types.
const (
	MsgJoin          = "join"
	MsgGetPlayers    = "GET_PLAYERS"
	MsgPlayerMoved   = "PLAYER_MOVED"
	MsgMovementEnded = "PLAYER_MOVEMENT_ENDED"
	MsgChangedMap    = "PLAYER_CHANGED_MAP"
	MsgChat          = "chat"
	MsgHeartbeat     = "heartbeat"
)

// Room → client message types.
const (
	MsgCurrentPlayers = "CURRENT_PLAYERS"
	MsgPlayerJoined   = "PLAYER_JOINED"
	MsgPlayerLeft     = "PLAYER_LEFT"
	MsgChatBubble     = "show_chat_bubble"
)

// MaxChatLength is the longest chat utterance the room relays.
const MaxChatLength = 100

type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type ServerMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// JoinOptions is the handshake payload binding a logged-in session to a room
// connection. Map/X/Y are optional: when the client resumes with persisted
// state it supplies them, otherwise the fixed spawn applies.
type JoinOptions struct {
	Username  string  `json:"username"`
	SessionID string  `json:"sessionId"`
	Map       string  `json:"map,omitempty"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
}

type MoveIntent struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Position string  `json:"position"`
}

type MovementEndedIntent struct {
	Position string `json:"position"`
}

type ChangeMapIntent struct {
	Map string `json:"map"`
}

type ChatIntent struct {
	Text string `json:"text"`
}

// Outbound payloads.

type CurrentPlayers struct {
	Players map[string]*Player `json:"players"`
}

type PlayerLeft struct {
	SessionID string `json:"sessionId"`
	Map       string `json:"map"`
}

type PlayerMoved struct {
	SessionID string  `json:"sessionId"`
	Username  string  `json:"username"`
	Map       string  `json:"map"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Position  string  `json:"position"`
}

type MovementEnded struct {
	SessionID string `json:"sessionId"`
	Map       string `json:"map"`
	Position  string `json:"position"`
}

type ChangedMap struct {
	SessionID string  `json:"sessionId"`
	Map       string  `json:"map"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

type ChatBubble struct {
	SenderID string `json:"senderId"`
	Username string `json:"username"`
	Text     string `json:"text"`
}
