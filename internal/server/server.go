package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"pokeworld-server/internal/database"
	"pokeworld-server/internal/session"
	"pokeworld-server/internal/world"
)

// DefaultSessionTimeout applies when SESSION_TIMEOUT_MS is unset.
const DefaultSessionTimeout = 120 * time.Second

// sessionGate is the slice of the session store the HTTP/websocket edge
// needs: admission, revocation, and credential validation at join.
type sessionGate interface {
	Login(ctx context.Context, name, sessionID string) (*session.User, bool, error)
	Logout(ctx context.Context, sessionID string) error
	FindBySessionID(ctx context.Context, sessionID string) (*session.User, error)
}

type Server struct {
	port  int
	db    database.Service
	store sessionGate
	rooms *world.Manager

	rateLimiter *RateLimiter

	tlsEnabled bool
	certFile   string
	keyFile    string
}

func NewServer() (*Server, *http.Server) {
	port, _ := strconv.Atoi(os.Getenv("PORT"))
	if port == 0 {
		port = 3000
	}

	timeout := DefaultSessionTimeout
	if ms, err := strconv.Atoi(os.Getenv("SESSION_TIMEOUT_MS")); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	chatRadius := world.DefaultChatRadius
	if r, err := strconv.ParseFloat(os.Getenv("CHAT_RADIUS"), 64); err == nil && r > 0 {
		chatRadius = r
	}

	// Initialize database and session store
	dbService := database.New()
	store := session.NewStore(dbService.Pool(), timeout)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.Init(ctx); err != nil {
		log.Fatalf("Failed to initialize session store: %v", err)
	}

	// Recover from prior crashes that skipped the graceful leave path.
	reaped, err := store.ReapStale(ctx)
	if err != nil {
		log.Fatalf("Failed to reap stale sessions: %v", err)
	}
	if reaped > 0 {
		log.Printf("Cleaned up %d stale sessions", reaped)
	}

	newServer := &Server{
		port:        port,
		db:          dbService,
		store:       store,
		rooms:       world.NewManager(store, world.Config{ChatRadius: chatRadius}),
		rateLimiter: NewRateLimiter(60, time.Second),
		tlsEnabled:  os.Getenv("TLS_ENABLED") == "true",
		certFile:    os.Getenv("TLS_CERT_FILE"),
		keyFile:     os.Getenv("TLS_KEY_FILE"),
	}

	// Start background tasks
	go newServer.rateLimiterCleanupTask()

	// Declare Server config
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", newServer.port),
		Handler:      newServer.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return newServer, httpServer
}

// TLS reports whether the listener should serve TLS, and with which key pair.
func (s *Server) TLS() (enabled bool, certFile, keyFile string) {
	return s.tlsEnabled, s.certFile, s.keyFile
}

// Shutdown stops the rooms and releases the database pool. The HTTP server
// is shut down separately by the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.rooms.Shutdown(ctx); err != nil {
		return fmt.Errorf("room shutdown: %w", err)
	}
	s.db.Close()
	return nil
}

// rateLimiterCleanupTask periodically drops rate limit state for idle
// connections so the map does not grow without bound.
func (s *Server) rateLimiterCleanupTask() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		s.rateLimiter.Cleanup()
	}
}
