package auth

import "errors"

// Sentinel errors for authentication failures. API handlers map these to
// HTTP status codes without leaking which check failed to the client.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenExpired       = errors.New("auth: token has expired")
	ErrTokenInvalid       = errors.New("auth: invalid token")
)
