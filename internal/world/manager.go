package world

import (
	"context"
	"sync"
)

// Manager owns the set of named room instances. Rooms are created lazily on
// first use and run independently; they share no mutable state with each
// other.
type Manager struct {
	tracker SessionTracker
	cfg     Config

	mu    sync.Mutex
	rooms map[string]*Room
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(tracker SessionTracker, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		tracker: tracker,
		cfg:     cfg,
		rooms:   make(map[string]*Room),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Get returns the room with the given name, starting it if needed.
func (m *Manager) Get(name string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[name]
	if !ok {
		room = NewRoom(name, m.tracker, m.cfg)
		m.rooms[name] = room
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			room.Run(m.ctx)
		}()
	}
	return room
}

// Count returns the number of live rooms.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Shutdown stops every room and waits for their loops to exit, bounded by
// the context deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, room := range m.rooms {
		room.Close()
	}
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
