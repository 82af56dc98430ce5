package world

// Facing directions carried on movement messages.
const (
	PositionLeft  = "left"
	PositionRight = "right"
	PositionFront = "front"
	PositionBack  = "back"
)

// Fixed spawn for a fresh login, and the arrival point after a map change.
// Carried over from the original world tuning.
const (
	DefaultMap = "town"
	SpawnX     = 352.0
	SpawnY     = 1216.0

	MapArrivalX = 300.0
	MapArrivalY = 75.0
)

// Player is the authoritative in-memory record for one connected client.
// Owned exclusively by the Room that admitted it; only messages from the
// owning session id mutate it.
type Player struct {
	SessionID string  `json:"sessionId"`
	Username  string  `json:"username"`
	Map       string  `json:"map"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Position  string  `json:"position"`
}
