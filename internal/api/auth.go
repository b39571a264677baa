package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"tsbridge/internal/auth"
	"tsbridge/internal/events"
)

// rememberDuration is the token lifetime when "remember me" is checked
const rememberDuration = 30 * 24 * time.Hour

// PasswordSetter stores a new admin password hash (satisfied by *config.Config)
type PasswordSetter interface {
	SetAdminPasswordHash(hash string) error
}

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	passwordAuth *auth.PasswordAuth
	jwtManager   *auth.JWTManager
	wsTokenStore *auth.WSTokenStore
	eventStore   *events.Store
	rateLimiter  *auth.LoginRateLimiter
	passwords    PasswordSetter
}

// NewAuthHandler creates new auth handler
func NewAuthHandler(passwordAuth *auth.PasswordAuth, jwtManager *auth.JWTManager, wsTokenStore *auth.WSTokenStore, eventStore *events.Store, passwords PasswordSetter) *AuthHandler {
	return &AuthHandler{
		passwordAuth: passwordAuth,
		jwtManager:   jwtManager,
		wsTokenStore: wsTokenStore,
		eventStore:   eventStore,
		rateLimiter:  auth.NewLoginRateLimiter(),
		passwords:    passwords,
	}
}

// LoginRequest represents login request body
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

// LoginResponse represents login response
type LoginResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	User    *auth.User `json:"user,omitempty"`
	Token   string     `json:"token,omitempty"`
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	// Check rate limit first
	if allowed, retry := h.rateLimiter.Allow(clientIP); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusTooManyRequests, LoginResponse{
			Success: false,
			Message: "Too many login attempts",
		})
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, LoginResponse{
			Success: false,
			Message: "Invalid request body",
		})
		return
	}

	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, LoginResponse{
			Success: false,
			Message: "Username and password are required",
		})
		return
	}

	user, err := h.passwordAuth.Authenticate(req.Username, req.Password)
	if errors.Is(err, auth.ErrNoPassword) {
		writeJSON(w, http.StatusServiceUnavailable, LoginResponse{
			Success: false,
			Message: "No admin password configured, run 'tsbridge passwd'",
		})
		return
	}
	if err != nil {
		h.eventStore.Add(events.EventLoginFailed, req.Username, clientIP, false, "")
		writeJSON(w, http.StatusUnauthorized, LoginResponse{
			Success: false,
			Message: "Invalid username or password",
		})
		return
	}

	h.rateLimiter.Reset(clientIP)

	tokenDuration := h.jwtManager.TokenDuration()
	if req.Remember {
		tokenDuration = rememberDuration
	}

	token, err := h.jwtManager.GenerateTokenWithDuration(user, tokenDuration)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, LoginResponse{
			Success: false,
			Message: "Failed to generate token",
		})
		return
	}

	// Secure flag is set for HTTPS
	auth.SetAuthCookie(w, r, token, int(tokenDuration/time.Second))

	h.eventStore.Add(events.EventLogin, user.Username, clientIP, true, "")

	writeJSON(w, http.StatusOK, LoginResponse{
		Success: true,
		User:    user,
		Token:   token,
	})
}

// Logout handles POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearAuthCookie(w)
	h.eventStore.Add(events.EventLogout, auth.UsernameFromContext(r.Context()), getClientIP(r), true, "")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Me handles GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": user,
	})
}

// Refresh handles POST /api/auth/refresh and issues a new token for the current one
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	token, err := h.jwtManager.GenerateToken(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	auth.SetAuthCookie(w, r, token, int(h.jwtManager.TokenDuration()/time.Second))
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// ChangePasswordRequest is the body of POST /api/auth/password
type ChangePasswordRequest struct {
	Current string `json:"currentPassword"`
	New     string `json:"newPassword"`
}

// ChangePassword handles POST /api/auth/password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	clientIP := getClientIP(r)

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if _, err := h.passwordAuth.Authenticate(user.Username, req.Current); err != nil {
		h.eventStore.Add(events.EventPassword, user.Username, clientIP, false, "wrong current password")
		writeError(w, http.StatusForbidden, "Current password is wrong")
		return
	}

	hash, err := auth.HashPassword(req.New)
	if errors.Is(err, auth.ErrWeakPassword) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	if err := h.passwords.SetAdminPasswordHash(hash); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save password")
		return
	}

	h.eventStore.Add(events.EventPassword, user.Username, clientIP, true, "")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// WSToken handles GET /api/auth/ws-token
// Returns a one-time token for WebSocket connections
func (h *AuthHandler) WSToken(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	token, err := h.wsTokenStore.Generate(user.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
