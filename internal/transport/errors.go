package transport

import "errors"

var (
	ErrInvalidHandle = errors.New("invalid handle")
	ErrInvalidState  = errors.New("connection in invalid state")
	ErrNoListener    = errors.New("no listener on address")
	ErrAddrInUse     = errors.New("address already in use")
	ErrClosed        = errors.New("transport closed")
)
