package world

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"strings"
	"sync"
	"unicode/utf8"
)

// SessionTracker is the slice of the durable session store the room touches:
// heartbeats refresh liveness, leaves mark the session offline. Calls may
// suspend on I/O; they stall only this room's queue.
type SessionTracker interface {
	Touch(ctx context.Context, sessionID string) error
	Logout(ctx context.Context, sessionID string) error
}

// Config holds the room tuning knobs that are configuration rather than
// derived from any invariant.
type Config struct {
	// ChatRadius is the proximity threshold for chat delivery, inclusive:
	// a receiver at exactly this distance still gets the bubble.
	ChatRadius float64

	// InboxSize is the event queue capacity per room.
	InboxSize int
}

// DefaultChatRadius matches the original client's chat trigger distance.
const DefaultChatRadius = 40.0

const defaultInboxSize = 256

func (c Config) withDefaults() Config {
	if c.ChatRadius <= 0 {
		c.ChatRadius = DefaultChatRadius
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	return c
}

type eventKind int

const (
	evJoin eventKind = iota
	evLeave
	evMessage
)

type event struct {
	kind      eventKind
	sessionID string
	conn      Conn
	opts      JoinOptions
	msg       ClientMessage
}

// Room is one independent shared-world session. It owns the player table and
// processes every inbound event on a single goroutine fed by the inbox
// channel, so no two handlers for the same room ever interleave and the
// table needs no lock. Rooms share nothing with each other except the
// session store.
type Room struct {
	name     string
	cfg      Config
	tracker  SessionTracker
	registry *Registry

	players map[string]*Player

	inbox chan event
	done  chan struct{}
	once  sync.Once
}

func NewRoom(name string, tracker SessionTracker, cfg Config) *Room {
	cfg = cfg.withDefaults()
	return &Room{
		name:     name,
		cfg:      cfg,
		tracker:  tracker,
		registry: NewRegistry(),
		players:  make(map[string]*Player),
		inbox:    make(chan event, cfg.InboxSize),
		done:     make(chan struct{}),
	}
}

func (r *Room) Name() string {
	return r.name
}

// Join admits a validated session into the room. The snapshot reply and the
// joined broadcast happen on the room goroutine.
func (r *Room) Join(conn Conn, opts JoinOptions) {
	r.post(event{kind: evJoin, sessionID: opts.SessionID, conn: conn, opts: opts})
}

// Leave removes the session's player, marks it offline, and notifies the
// remaining clients. Safe to call more than once for the same session. When
// conn is non-nil the leave only applies while that handle is still the
// session's bound transport, so a superseded connection tearing down cannot
// remove the player that replaced it.
func (r *Room) Leave(sessionID string, conn Conn) {
	r.post(event{kind: evLeave, sessionID: sessionID, conn: conn})
}

// Dispatch queues an inbound intent from a connected client.
func (r *Room) Dispatch(sessionID string, msg ClientMessage) {
	r.post(event{kind: evMessage, sessionID: sessionID, msg: msg})
}

func (r *Room) post(ev event) {
	select {
	case r.inbox <- ev:
	case <-r.done:
		// Room stopped processing; drop.
	}
}

// Close stops the room's event processing. Idempotent. In-memory state is
// intentionally ephemeral; nothing is flushed.
func (r *Room) Close() {
	r.once.Do(func() {
		close(r.done)
	})
}

// Run drains the event queue until the context is cancelled or the room is
// closed. Exactly one Run per room.
func (r *Room) Run(ctx context.Context) {
	log.Printf("room %s: created", r.name)
	defer log.Printf("room %s: disposed", r.name)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case ev := <-r.inbox:
			switch ev.kind {
			case evJoin:
				r.handleJoin(ctx, ev.conn, ev.opts)
			case evLeave:
				r.handleLeave(ctx, ev.sessionID, ev.conn)
			case evMessage:
				r.handleMessage(ctx, ev.sessionID, ev.msg)
			}
		}
	}
}

func (r *Room) handleJoin(ctx context.Context, conn Conn, opts JoinOptions) {
	log.Printf("room %s: join %s (%s)", r.name, opts.SessionID, opts.Username)

	// A login takeover issues a new session id for the same identity, and a
	// rejoin can reuse a still-valid one. Either way any player already in
	// the room under this identity is superseded: evict it before the new
	// one exists so the joiner never sees its own ghost.
	for sessionID, p := range r.players {
		if sessionID == opts.SessionID || p.Username == opts.Username {
			r.evict(sessionID)
		}
	}

	player := &Player{
		SessionID: opts.SessionID,
		Username:  opts.Username,
		Map:       DefaultMap,
		X:         SpawnX,
		Y:         SpawnY,
		Position:  PositionFront,
	}
	if opts.Map != "" {
		// Resumed session with client-supplied prior state.
		player.Map = opts.Map
		player.X = opts.X
		player.Y = opts.Y
	}

	r.registry.Bind(opts.SessionID, conn)
	r.players[opts.SessionID] = player

	// The joiner gets the full table directly; peers on the same map get the
	// join event. The joiner never receives its own join.
	conn.Send(ServerMessage{Type: MsgCurrentPlayers, Payload: r.snapshot()})
	r.broadcastMap(player.Map, opts.SessionID, ServerMessage{
		Type:    MsgPlayerJoined,
		Payload: player,
	})
}

// evict removes a superseded player: its handle is closed and unbound, and
// the remaining clients on its map see a normal PLAYER_LEFT. The session
// store is not touched — the identity is still online, just bound elsewhere.
func (r *Room) evict(sessionID string) {
	player, ok := r.players[sessionID]
	if !ok {
		return
	}

	log.Printf("room %s: evict %s (%s)", r.name, sessionID, player.Username)

	delete(r.players, sessionID)
	conn, _ := r.registry.Get(sessionID)
	r.registry.Unbind(sessionID)

	r.broadcastMap(player.Map, sessionID, ServerMessage{
		Type:    MsgPlayerLeft,
		Payload: PlayerLeft{SessionID: sessionID, Map: player.Map},
	})

	if conn != nil {
		conn.Close("Connected from another device")
	}
}

func (r *Room) handleLeave(ctx context.Context, sessionID string, conn Conn) {
	player, ok := r.players[sessionID]
	if !ok {
		// Already removed; leaving twice is a no-op.
		return
	}

	if conn != nil {
		if current, ok := r.registry.Get(sessionID); ok && current != conn {
			// Stale leave from a transport this session no longer uses.
			return
		}
	}

	log.Printf("room %s: leave %s (%s)", r.name, sessionID, player.Username)

	// Best effort: a store failure must not keep the player in the room.
	if err := r.tracker.Logout(ctx, sessionID); err != nil {
		log.Printf("room %s: failed to mark session offline: %v", r.name, err)
	}

	delete(r.players, sessionID)
	r.registry.Unbind(sessionID)

	r.broadcastMap(player.Map, sessionID, ServerMessage{
		Type:    MsgPlayerLeft,
		Payload: PlayerLeft{SessionID: sessionID, Map: player.Map},
	})
}

func (r *Room) handleMessage(ctx context.Context, sessionID string, msg ClientMessage) {
	player, ok := r.players[sessionID]
	if !ok {
		// Sender already left or never joined; never fatal to the room.
		return
	}

	switch msg.Type {
	case MsgGetPlayers:
		r.send(sessionID, ServerMessage{Type: MsgCurrentPlayers, Payload: r.snapshot()})

	case MsgPlayerMoved:
		var intent MoveIntent
		if err := json.Unmarshal(msg.Payload, &intent); err != nil {
			log.Printf("room %s: invalid %s payload from %s: %v", r.name, msg.Type, sessionID, err)
			return
		}
		player.X = intent.X
		player.Y = intent.Y
		player.Position = intent.Position
		r.broadcastMap(player.Map, sessionID, ServerMessage{
			Type: MsgPlayerMoved,
			Payload: PlayerMoved{
				SessionID: player.SessionID,
				Username:  player.Username,
				Map:       player.Map,
				X:         player.X,
				Y:         player.Y,
				Position:  player.Position,
			},
		})

	case MsgMovementEnded:
		var intent MovementEndedIntent
		if err := json.Unmarshal(msg.Payload, &intent); err != nil {
			log.Printf("room %s: invalid %s payload from %s: %v", r.name, msg.Type, sessionID, err)
			return
		}
		// Discrete stop signal; the player record does not change.
		r.broadcastMap(player.Map, sessionID, ServerMessage{
			Type: MsgMovementEnded,
			Payload: MovementEnded{
				SessionID: sessionID,
				Map:       player.Map,
				Position:  intent.Position,
			},
		})

	case MsgChangedMap:
		var intent ChangeMapIntent
		if err := json.Unmarshal(msg.Payload, &intent); err != nil || intent.Map == "" {
			log.Printf("room %s: invalid %s payload from %s", r.name, msg.Type, sessionID)
			return
		}
		player.Map = intent.Map
		player.X = MapArrivalX
		player.Y = MapArrivalY

		// The mover rebuilds its view from a fresh snapshot; everyone else,
		// whatever map they are on, gets the targeted event. This is the
		// sole cross-map signal.
		r.send(sessionID, ServerMessage{Type: MsgCurrentPlayers, Payload: r.snapshot()})
		r.broadcastAll(sessionID, ServerMessage{
			Type: MsgChangedMap,
			Payload: ChangedMap{
				SessionID: sessionID,
				Map:       player.Map,
				X:         player.X,
				Y:         player.Y,
			},
		})

	case MsgChat:
		r.handleChat(player, msg.Payload)

	case MsgHeartbeat:
		if err := r.tracker.Touch(ctx, sessionID); err != nil {
			log.Printf("room %s: heartbeat for %s failed: %v", r.name, sessionID, err)
		}

	default:
		log.Printf("room %s: unknown message type %q from %s", r.name, msg.Type, sessionID)
	}
}

// handleChat relays an utterance to every client on the sender's map within
// the chat radius, sender included (the echo is handled client-side). The
// boundary is inclusive. Invalid text is dropped, not errored: chat is
// best-effort and the protocol has no per-message error channel.
func (r *Room) handleChat(sender *Player, payload json.RawMessage) {
	var intent ChatIntent
	if err := json.Unmarshal(payload, &intent); err != nil {
		return
	}

	text := strings.TrimSpace(intent.Text)
	if text == "" || utf8.RuneCountInString(text) > MaxChatLength {
		return
	}

	bubble := ServerMessage{
		Type: MsgChatBubble,
		Payload: ChatBubble{
			SenderID: sender.SessionID,
			Username: sender.Username,
			Text:     text,
		},
	}

	for sessionID, p := range r.players {
		if p.Map != sender.Map {
			continue
		}
		if math.Hypot(p.X-sender.X, p.Y-sender.Y) > r.cfg.ChatRadius {
			continue
		}
		r.send(sessionID, bubble)
	}
}

// snapshot copies the player table for a CURRENT_PLAYERS reply. Copied so an
// already-queued frame is not mutated by later movement.
func (r *Room) snapshot() CurrentPlayers {
	players := make(map[string]*Player, len(r.players))
	for sessionID, p := range r.players {
		copied := *p
		players[sessionID] = &copied
	}
	return CurrentPlayers{Players: players}
}

func (r *Room) send(sessionID string, msg ServerMessage) {
	if conn, ok := r.registry.Get(sessionID); ok {
		conn.Send(msg)
	}
}

// broadcastMap fans out to every player on the given map except one.
func (r *Room) broadcastMap(mapName, except string, msg ServerMessage) {
	for sessionID, p := range r.players {
		if sessionID == except || p.Map != mapName {
			continue
		}
		r.send(sessionID, msg)
	}
}

// broadcastAll fans out to every player in the room except one.
func (r *Room) broadcastAll(except string, msg ServerMessage) {
	for sessionID := range r.players {
		if sessionID == except {
			continue
		}
		r.send(sessionID, msg)
	}
}
