package peer

import "errors"

var (
	ErrOwnerMismatch = errors.New("message owner does not match sender")
	ErrOutboxFull    = errors.New("outbound queue full")
	ErrNoPeerAhead   = errors.New("no peer is ahead of the local clock")
)
