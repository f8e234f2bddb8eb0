package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNetworkUnavailable is returned when an operation needs the network and
// the reachability monitor reports the device offline. Outbox entries stay
// queued; nothing is surfaced to the user.
var ErrNetworkUnavailable = errors.New("chatsync: network unavailable")

// ErrClosed is returned by operations on a stopped component.
var ErrClosed = errors.New("chatsync: closed")

// TransportFault is a channel join or stream failure. It is always retried by
// the ChannelManager and surfaces only as a degraded channel status.
type TransportFault struct {
	Op    string // "open", "join", "stream", "leave"
	Topic string
	Err   error
}

func (e *TransportFault) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportFault) Unwrap() error { return e.Err }

// DecodeFault reports a payload that could not be turned into an event. The
// raw record is kept for diagnosis; the event is dropped.
type DecodeFault struct {
	Raw    RawEvent
	Reason string
}

func (e *DecodeFault) Error() string {
	return fmt.Sprintf("decode %s/%s: %s", e.Raw.Topic, e.Raw.Table, e.Reason)
}

// SendRejected is a terminal, server-validated send failure. It is never
// retried automatically.
type SendRejected struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

func (e *SendRejected) Error() string {
	return fmt.Sprintf("send rejected: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsRejected reports whether err carries a *SendRejected.
func IsRejected(err error) bool {
	var rejected *SendRejected
	return errors.As(err, &rejected)
}

// IsTransient reports whether err should be retried with backoff. Everything
// that is not a rejection or a caller cancellation is transient.
func IsTransient(err error) bool {
	if err == nil || IsRejected(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// APIError is a non-success response from the backend HTTP API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Permanent reports whether retrying the same request cannot succeed.
// Timeouts, rate limits and server errors are worth retrying; other client
// errors are not.
func (e *APIError) Permanent() bool {
	switch {
	case e.StatusCode == 408 || e.StatusCode == 429:
		return false
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return true
	case e.StatusCode >= 500:
		return false
	}
	return !strings.Contains(e.Code, "TIMEOUT") && !strings.Contains(e.Code, "NETWORK")
}
