package server

import "errors"

// Server-specific errors
var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerNotRunning     = errors.New("server is not running")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrMaxPeersReached      = errors.New("maximum peers reached")
	ErrDuplicatePeer        = errors.New("peer id already connected")
	ErrHandshakeFailed      = errors.New("peer handshake failed")
	ErrSenderMismatch       = errors.New("envelope sender does not match session")
	ErrPeerTooSlow          = errors.New("peer outbox overflow")
	ErrListenerFailed       = errors.New("failed to create listener")
)
