// Package auth provides operator authentication for the cblk control plane.
//
// The model is deliberately small: a single operator credential loaded from
// configuration, with:
//   - Argon2id password hashing (OWASP 2025 recommendation)
//   - Short-lived JWT access tokens (HS256, signature-only validation)
//
// There is no user database and no role hierarchy. A device control surface
// has exactly one class of caller: the operator who may change capacity and
// reset devices. Reads are unauthenticated; writes require a valid token.
package auth
