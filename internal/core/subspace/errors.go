package subspace

import "errors"

var (
	ErrUnknownPeer  = errors.New("no time reported by peer")
	ErrSelfSync     = errors.New("cannot sync to the local peer")
	ErrNotAhead     = errors.New("peer is not ahead of the local clock")
	ErrNoControlled = errors.New("no controlled entity to reproject")
	ErrUnknownBody  = errors.New("parent body of controlled entity not found")
)
