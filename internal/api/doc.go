// Package api implements the HTTP REST API and WebSocket server for the
// cblk daemon.
//
// This package provides:
//   - REST endpoints for device attributes, stats, and lifecycle control
//   - WebSocket hub streaming live counter snapshots
//   - JWT authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS)
//   - TLS support for production deployments
//
// # Architecture
//
// The API server is the operator's control surface over the device set.
// Attribute reads and writes use text/plain bodies carrying decimal
// integers, mirroring the one-value-per-attribute convention the rest of
// the system follows; structured views (device lists, stats, audit) are
// JSON.
//
// # Security
//
// Reads are unauthenticated. Attribute writes — capacity sizing and device
// reset — require a Bearer token obtained from POST /api/v1/auth/login.
// WebSocket connections use single-use tickets to keep tokens out of URLs.
package api
