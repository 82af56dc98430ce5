package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"pokeworld-server/internal/session"
	"pokeworld-server/internal/world"
)

// DefaultRoomName is joined when the client does not name a room.
const DefaultRoomName = "poke_world"

func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()

	// Register routes
	mux.HandleFunc("/health", s.healthHandler)

	mux.HandleFunc("/api/login", s.loginHandler)
	mux.HandleFunc("/api/logout", s.logoutHandler)

	mux.HandleFunc("/websocket", s.websocketHandler)

	// Wrap the mux with CORS middleware
	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers
		w.Header().Set("Access-Control-Allow-Origin", "*") // Replace "*" with specific origins if needed
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Credentials", "false")

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Proceed with the next handler
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := json.Marshal(s.db.Health())
	if err != nil {
		http.Error(w, "Failed to marshal health check response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

// loginHandler is the admission gate. A successful login updates the durable
// record and issues the session id the client must present on the realtime
// join; a rejected login never reaches a room.
func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, LoginResponse{Success: false, Error: "Method not allowed"})
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, LoginResponse{Success: false, Error: "Invalid request body"})
		return
	}

	sessionID := uuid.New().String()

	user, newUser, err := s.store.Login(r.Context(), req.Name, sessionID)
	switch {
	case errors.Is(err, session.ErrNameRequired), errors.Is(err, session.ErrNameTooLong):
		writeJSON(w, http.StatusBadRequest, LoginResponse{Success: false, Error: err.Error()})
		return
	case errors.Is(err, session.ErrAlreadyOnline):
		writeJSON(w, http.StatusConflict, LoginResponse{Success: false, Error: err.Error()})
		return
	case err != nil:
		log.Printf("Login error: %v", err)
		writeJSON(w, http.StatusInternalServerError, LoginResponse{Success: false, Error: "Server error during login"})
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		Success:   true,
		SessionID: user.SessionID,
		Username:  user.Name,
		NewUser:   newUser,
	})
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, LogoutResponse{Success: false, Error: "Method not allowed"})
		return
	}

	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, LogoutResponse{Success: false, Error: "Session ID is required"})
		return
	}

	if err := s.store.Logout(r.Context(), req.SessionID); err != nil {
		log.Printf("Logout error: %v", err)
		writeJSON(w, http.StatusInternalServerError, LogoutResponse{Success: false, Error: "Server error during logout"})
		return
	}

	writeJSON(w, http.StatusOK, LogoutResponse{Success: true})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

// websocketHandler runs one client's realtime connection. The first message
// must be a join envelope carrying the credential issued at login; it is
// validated against the store once, then bound to the connection for its
// lifetime. Every later envelope is posted to the room's event queue.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // TODO: make environment-specific
	})
	if err != nil {
		http.Error(w, "Failed to open websocket", http.StatusInternalServerError)
		return
	}
	defer socket.Close(websocket.StatusGoingAway, "Server closing")

	ctx := r.Context()

	connectionID := uuid.New().String()
	log.Printf("New connection: %s", connectionID)
	defer s.rateLimiter.RemoveConnection(connectionID)

	opts, ok := s.readJoin(ctx, socket)
	if !ok {
		return
	}

	roomName := r.URL.Query().Get("room")
	if roomName == "" {
		roomName = DefaultRoomName
	}
	room := s.rooms.Get(roomName)

	client := newWSClient(socket)
	go client.writeLoop(ctx)
	defer client.close()

	room.Join(client, opts)
	defer room.Leave(opts.SessionID, client)

	for {
		// Read from client
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			log.Printf("Connection %s read error: %v", connectionID, err)
			return
		}

		if msgType != websocket.MessageText {
			log.Printf("Non-text input from %s", connectionID)
			continue
		}

		if !s.rateLimiter.Allow(connectionID) {
			log.Printf("Rate limit exceeded for %s", connectionID)
			continue
		}

		var msg world.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Invalid JSON from %s: %v", connectionID, err)
			continue
		}

		room.Dispatch(opts.SessionID, msg)
	}
}

// readJoin consumes and validates the join handshake. The credential must
// reference an online session; the username is taken from the store, not
// from the client's claim.
func (s *Server) readJoin(ctx context.Context, socket *websocket.Conn) (world.JoinOptions, bool) {
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	msgType, data, err := socket.Read(readCtx)
	if err != nil || msgType != websocket.MessageText {
		socket.Close(websocket.StatusPolicyViolation, "Expected join message")
		return world.JoinOptions{}, false
	}

	var msg world.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != world.MsgJoin {
		socket.Close(websocket.StatusPolicyViolation, "Expected join message")
		return world.JoinOptions{}, false
	}

	var opts world.JoinOptions
	if err := json.Unmarshal(msg.Payload, &opts); err != nil || opts.SessionID == "" {
		socket.Close(websocket.StatusPolicyViolation, "Invalid join payload")
		return world.JoinOptions{}, false
	}

	user, err := s.store.FindBySessionID(ctx, opts.SessionID)
	if err != nil || !user.IsOnline {
		socket.Close(websocket.StatusPolicyViolation, "Invalid session")
		return world.JoinOptions{}, false
	}

	opts.Username = user.Name
	return opts, true
}
