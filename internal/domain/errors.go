package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrLockHeld          = errors.New("lock already held")
	ErrAlreadyStarted    = errors.New("watcher already started")
	ErrStreamDropped     = errors.New("event stream dropped")
	ErrBothSourcesFailed = errors.New("all trade sources failed to start")
)
