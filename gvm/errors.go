// Package gvm speaks the Greenbone Management Protocol (GMP): XML
// request/response over TLS, one command in flight per connection.
package gvm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Engine error kinds. Workers and handlers match these with errors.Is.
var (
	// ErrEngineUnavailable covers refused connections, resets and EOFs.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrAuthFailed means the engine rejected the configured credentials.
	ErrAuthFailed = errors.New("engine authentication failed")

	// ErrEngineProtocol means the engine answered, but not with what the
	// protocol promises (bad status, missing id, unparseable XML).
	ErrEngineProtocol = errors.New("engine protocol error")

	// ErrTimeout means the operation deadline elapsed.
	ErrTimeout = errors.New("engine timeout")
)

// classifyTransportError maps low-level I/O failures onto the engine error
// kinds. Anything transport-shaped is retryable.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
}

// retryable reports whether an operation that failed with err is worth
// another attempt on a fresh connection.
func retryable(err error) bool {
	return errors.Is(err, ErrEngineUnavailable) || errors.Is(err, ErrTimeout)
}
