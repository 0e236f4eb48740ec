package peer

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyInUse    = errors.New("peer already in use")
	ErrUnconfigured    = errors.New("peer not configured")
	ErrCantCreate      = errors.New("can't create")
	ErrCantConnect     = errors.New("can't connect")
	ErrUnavailable     = errors.New("unavailable")
)
