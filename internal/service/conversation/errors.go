package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy 表示上一条消息仍在等待回复。
	ErrBusy            = errors.New("conversation is awaiting a reply")
	ErrNoActiveSession = errors.New("no active session")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrEmptyImage      = errors.New("image is empty")
)

// PersistenceError reports a store write that still failed after one retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
