package genderodds

import "errors"

var (
	ErrEmptyInput        = errors.New("name is empty")
	ErrDuplicateName     = errors.New("name already used this game")
	ErrLookupFailed      = errors.New("name lookup failed")
	ErrInvalidSelection  = errors.New("invalid bucket selection")
	ErrRewardUnavailable = errors.New("reward unavailable")

	ErrQuestionPending = errors.New("a question is already waiting for an answer")
	ErrNoQuestion      = errors.New("no question is waiting for an answer")
	ErrLookupInFlight  = errors.New("a lookup is already in progress")
	ErrGameOver        = errors.New("game is over")
	ErrGameNotOver     = errors.New("game is not over yet")

	// ErrSuperseded is returned when a lookup completes after the session
	// was reset. The result has been discarded.
	ErrSuperseded = errors.New("lookup superseded by a newer game")
)
