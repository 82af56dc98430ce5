package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/coder/websocket"

	"pokeworld-server/internal/world"
)

// outboundBuffer is how many frames may queue per client before drops start.
const outboundBuffer = 64

// wsClient adapts a websocket to world.Conn. Outbound frames go through a
// buffered channel drained by a single writer goroutine, so a slow or dead
// client never blocks the room loop. When the buffer is full the frame is
// dropped; broadcasts are fire-and-forget.
type wsClient struct {
	socket *websocket.Conn

	out    chan world.ServerMessage
	closed chan struct{}
	once   sync.Once
}

func newWSClient(socket *websocket.Conn) *wsClient {
	return &wsClient{
		socket: socket,
		out:    make(chan world.ServerMessage, outboundBuffer),
		closed: make(chan struct{}),
	}
}

func (c *wsClient) Send(msg world.ServerMessage) {
	select {
	case c.out <- msg:
	case <-c.closed:
	default:
		// Buffer full: the client is not keeping up. Drop the frame.
	}
}

func (c *wsClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		case msg := <-c.out:
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Marshal error: %v", err)
				continue
			}
			if err := c.socket.Write(ctx, websocket.MessageText, data); err != nil {
				// Transport failed; the read loop notices and triggers Leave.
				return
			}
		}
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.closed)
	})
}

// Close implements world.Conn for server-initiated eviction: the writer is
// stopped and the peer told why its transport is going away.
func (c *wsClient) Close(reason string) {
	c.close()
	c.socket.Close(websocket.StatusNormalClosure, reason)
}
