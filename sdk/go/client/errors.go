package client

import "errors"

// Client-specific errors
var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected")
	ErrMissingPeerID    = errors.New("client has no peer id")
	ErrHandlerExists    = errors.New("handler already registered for message type")
)
