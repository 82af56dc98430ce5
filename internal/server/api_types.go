package server

// ============================================================================
// LOGIN (POST /api/login)
// ============================================================================
// tygo:generate
type LoginRequest struct {
	Name string `json:"name"`
}

// tygo:generate
type LoginResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId,omitempty"`
	Username  string `json:"username,omitempty"`
	NewUser   bool   `json:"newUser,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ============================================================================
// LOGOUT (POST /api/logout)
// ============================================================================
// tygo:generate
type LogoutRequest struct {
	SessionID string `json:"sessionId"`
}

// tygo:generate
type LogoutResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
