package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyDecided is returned when an approval request has already left
	// pending.
	ErrAlreadyDecided = errors.New("storage: approval already decided")

	// ErrWatchResolved is returned when a draft watch was resolved by the
	// other side of the sent/deleted race.
	ErrWatchResolved = errors.New("storage: draft watch already resolved")

	// ErrDraftIDBound is returned when an action's draft id was already set.
	ErrDraftIDBound = errors.New("storage: draft id already bound")
)
