package model

import (
	"errors"
	"fmt"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrNotParticipant         = errors.New("not a participant of this conversation")
	ErrNotFound               = errors.New("not found")
	ErrInvalidContent         = errors.New("invalid message content")
	ErrInvalidConversation    = errors.New("invalid conversation")
	ErrNotOpen                = errors.New("no conversation is open")
	ErrSuperseded             = errors.New("conversation is no longer open")
	ErrSessionClosed          = errors.New("session closed")
	ErrPersistence            = errors.New("persistence failure")
	ErrAnomalousUpdate        = errors.New("update for unknown message")
)

// PersistenceError wraps a gateway failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPersistence) hold for every PersistenceError.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence wraps err unless it already carries a domain meaning.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotParticipant),
		errors.Is(err, ErrAuthenticationRequired),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidContent),
		errors.Is(err, ErrPersistence):
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
