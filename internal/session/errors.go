package session

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned by operations on an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionCompleted is returned when a stage change is attempted on a completed session.
var ErrSessionCompleted = errors.New("session is completed; stage is fixed")

// ErrUnsupportedLanguage is returned by SetLanguage for languages without prompts.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// InvalidStageError is returned by SetStage for ids the registry rejects.
type InvalidStageError struct {
	ID  string
	Err error
}

func (e *InvalidStageError) Error() string {
	return fmt.Sprintf("invalid stage %q: %v", e.ID, e.Err)
}

func (e *InvalidStageError) Unwrap() error { return e.Err }

// PersistenceError reports a failed snapshot read or write.
type PersistenceError struct {
	SessionID string
	Op        string // "load" | "save" | "list"
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
