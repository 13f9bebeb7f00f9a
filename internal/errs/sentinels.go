// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (base version mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates the upstream gateway rejected our credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates a client is temporarily throttled for upstream calls.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., message id reused).
	ErrAlreadyExists = errors.New("already exists")

	// ErrTransportExhausted indicates no permitted, reachable transport has budget left.
	ErrTransportExhausted = errors.New("transport exhausted")

	// ErrInvalidTransition indicates a state change not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrUpstreamUnavailable indicates a transient upstream failure (5xx, network).
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUnknownClient indicates no credentials are configured for a client id.
	ErrUnknownClient = errors.New("unknown client")
)
