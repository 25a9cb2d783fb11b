package services

import (
	"errors"
	"fmt"
)

// Error kinds. Handlers classify with errors.Is against these.
var (
	ErrValidation      = errors.New("validation error")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrCapacity        = errors.New("capacity reached")
	ErrConflict        = errors.New("conflict")
	ErrNotFound        = errors.New("not found")
	ErrDisqualified    = errors.New("disqualified")
)

var (
	ErrMissingUser        = fmt.Errorf("%w: user id is required", ErrValidation)
	ErrGameFull           = fmt.Errorf("%w: game is full", ErrCapacity)
	ErrAlreadyRegistered  = fmt.Errorf("%w: user is already registered in a game", ErrConflict)
	ErrCardCollision      = fmt.Errorf("%w: could not issue a unique card", ErrConflict)
	ErrAlreadyWon         = fmt.Errorf("%w: another player already won this game", ErrConflict)
	ErrNoActiveGame       = fmt.Errorf("%w: no active game", ErrNotFound)
	ErrNotInGame          = fmt.Errorf("%w: user is not in a game", ErrNotFound)
	ErrNotAWin            = fmt.Errorf("%w: card does not win, player removed from the game", ErrDisqualified)
	ErrInvalidCredentials = fmt.Errorf("%w: invalid username or password", ErrUnauthenticated)
	ErrInvalidToken       = fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	ErrUsernameTaken      = fmt.Errorf("%w: username already exists", ErrConflict)
)
