package config

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownIdentity 表示 user key 不在身份表中。
	ErrUnknownIdentity = errors.New("unknown identity")
	// ErrUnknownEmotion 表示情绪标签不在配置的标签集中。
	ErrUnknownEmotion = errors.New("unknown emotion")
	// ErrInvalidValue 表示配置值格式不合法。
	ErrInvalidValue = errors.New("invalid value")
)

// Error reports a value that does not match the loaded configuration. It is
// fatal to the call that produced it, never to the process.
type Error struct {
	Field string
	Value string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
