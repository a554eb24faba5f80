package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/cblk-core/internal/audit"
	"github.com/nerrad567/cblk-core/internal/auth"
)

// ticketTTL is how long a WebSocket ticket is valid.
const ticketTTL = 60 * time.Second

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse is the response body for POST /auth/login.
type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// ticketStore holds pending WebSocket authentication tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	tickets map[string]ticketEntry
	mu      sync.Mutex
}

type ticketEntry struct {
	userID    string
	expiresAt time.Time
}

// handleLogin authenticates the operator and returns a JWT access token.
// Failures are audited without revealing which check failed to the client.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	op := s.secCfg.Operator
	match := false
	if req.Username == op.Username {
		ok, err := auth.VerifyPassword(req.Password, op.PasswordHash)
		if err != nil {
			s.logger.Error("verifying operator password", "error", err)
			writeInternalError(w, "authentication failed")
			return
		}
		match = ok
	}

	if !match {
		s.auditLog(audit.ActionLogin, "session", "", req.Username, audit.OutcomeDenied, nil)
		writeUnauthorized(w, "invalid credentials")
		return
	}

	ttl := s.secCfg.JWT.AccessTokenTTL
	if ttl <= 0 {
		ttl = 15 // default 15 minutes
	}

	token, err := auth.GenerateAccessToken(req.Username, s.secCfg.JWT.Secret, ttl)
	if err != nil {
		s.logger.Error("generating access token", "error", err)
		writeInternalError(w, "failed to generate token")
		return
	}

	s.auditLog(audit.ActionLogin, "session", "", req.Username, audit.OutcomeSuccess, nil)

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   ttl * 60, // seconds
	})
}

// handleWSTicket generates a single-use WebSocket authentication ticket.
// The client uses this ticket to authenticate the WebSocket connection
// without exposing the JWT in the URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	ticket := generateTicket()

	var userID string
	if claims := claimsFromContext(r.Context()); claims != nil {
		userID = claims.Subject
	}

	wsTickets.mu.Lock()
	wsTickets.tickets[ticket] = ticketEntry{
		userID:    userID,
		expiresAt: time.Now().Add(ticketTTL),
	}
	wsTickets.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// wsTickets is the process-wide ticket store.
var wsTickets = &ticketStore{
	tickets: make(map[string]ticketEntry),
}

// validateTicket checks if a ticket is valid and consumes it (single-use).
func (s *Server) validateTicket(ticket string) (ticketEntry, bool) {
	wsTickets.mu.Lock()
	defer wsTickets.mu.Unlock()

	entry, ok := wsTickets.tickets[ticket]
	if !ok {
		return ticketEntry{}, false
	}

	// Remove ticket (single-use)
	delete(wsTickets.tickets, ticket)

	// Check expiry
	if time.Now().After(entry.expiresAt) {
		return ticketEntry{}, false
	}
	return entry, true
}

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32

// generateTicket creates a cryptographically random ticket string.
func generateTicket() string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}

// cleanExpiredTickets removes expired tickets from the store.
func cleanExpiredTickets() {
	wsTickets.mu.Lock()
	defer wsTickets.mu.Unlock()

	now := time.Now()
	for ticket, entry := range wsTickets.tickets {
		if now.After(entry.expiresAt) {
			delete(wsTickets.tickets, ticket)
		}
	}
}

// cleanTicketsLoop runs cleanExpiredTickets periodically until the context is cancelled.
func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanExpiredTickets()
		}
	}
}
