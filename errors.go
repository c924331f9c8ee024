package xferdisk

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrReadOnly = errors.New("device opened read-only")
	ErrClosed   = errors.New("device already closed")
)

// ConfigError reports missing or invalid configuration. It is always
// returned before any remote call is made.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// RemoteAPIError wraps a failure reported by the management API.
type RemoteAPIError struct {
	Op  string
	Err error
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RemoteAPIError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that a polling deadline elapsed before the remote
// object reached the expected state.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.Timeout, e.Op)
}

type UnsupportedOperationError struct {
	Op     string
	Reason string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s not supported: %s", e.Op, e.Reason)
}

// ProtocolError is returned when the transfer endpoint answers capability
// negotiation with an unexpected status or body.
type ProtocolError struct {
	Status int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("could not use OPTIONS request: %d: %s", e.Status, e.Reason)
}

// IOError is returned for an unexpected status on a data path request.
// Status is 0 when the request failed before a response was received, in
// which case Err holds the transport error.
type IOError struct {
	Op     string
	Offset int64
	Count  int64
	Status int
	Reason string
	Err    error
}

func (e *IOError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not %s (%d, %d): %s", e.Op, e.Offset, e.Count, e.Err)
	}

	return fmt.Sprintf("could not %s (%d, %d): %d: %s", e.Op, e.Offset, e.Count, e.Status, e.Reason)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
