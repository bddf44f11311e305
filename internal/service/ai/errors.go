package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Reply is a usable completion returned by the LLM service.
type Reply struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

var (
	// ErrEmptyReply 表示服务返回 200 但 response 字段为空或只有空白。
	ErrEmptyReply = errors.New("llm returned an empty reply")
	// ErrCircuitOpen 表示熔断器打开，请求未发出。
	ErrCircuitOpen = errors.New("circuit open")
)

// TransportError covers timeouts, connection failures, non-200 statuses and
// undecodable bodies.
type TransportError struct {
	Reason     string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *TransportError) Error() string {
	msg := "llm transport failure: " + e.Reason
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError is delivered as a stream item for a line that is not valid JSON.
// The stream keeps going after it.
type DecodeError struct {
	Line int
	Raw  string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("stream line %d: cannot decode %q: %v", e.Line, e.Raw, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Outcome labels for metrics and logs.
const (
	OutcomeSuccess     = "success"
	OutcomeEmpty       = "empty"
	OutcomeTimeout     = "timeout"
	OutcomeTransport   = "transport"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeCanceled    = "canceled"
	OutcomeUnknown     = "unknown"
)

// Outcome classifies the error returned by Generate.
func Outcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, ErrEmptyReply) {
		return OutcomeEmpty
	}
	if errors.Is(err, ErrCircuitOpen) {
		return OutcomeCircuitOpen
	}
	var te *TransportError
	if errors.As(err, &te) {
		if te.Timeout {
			return OutcomeTimeout
		}
		if errors.Is(te.Err, context.Canceled) {
			return OutcomeCanceled
		}
		return OutcomeTransport
	}
	return OutcomeUnknown
}

// transportFailure wraps a client.Do or body read error.
func transportFailure(err error) *TransportError {
	te := &TransportError{Reason: "request failed", Err: err}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		te.Reason = "timeout"
		te.Timeout = true
	}
	return te
}
