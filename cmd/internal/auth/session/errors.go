package session

import "errors"

var (
	// ErrSessionNotFound is returned when no live session matches a token.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTokenCollision is returned when a freshly minted token digest already exists.
	// It signals a broken token generator and must not be retried.
	ErrTokenCollision = errors.New("refresh token collision")

	// ErrConfig is returned for invalid store configuration.
	ErrConfig = errors.New("invalid session config")
)
