package sync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrUnresolvedDependency rejects an enqueue whose dependency is not
	// currently pending in the log.
	ErrUnresolvedDependency = errors.New("operation has unresolved dependencies")

	// ErrDuplicateOperation rejects an enqueue with an id already present.
	ErrDuplicateOperation = errors.New("operation id already enqueued")

	// ErrOperationNotFound is returned for status transitions on unknown ids.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrSyncAlreadyRunning guards against overlapping sync runs.
	ErrSyncAlreadyRunning = errors.New("sync already running")
)

// NetworkError marks a batch-level transport failure. It opens the
// executor's circuit and selects the delayed full-resync recovery path.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ErrorClass buckets failures for the recovery scheduler.
type ErrorClass string

const (
	ErrorClassTimeout      ErrorClass = "timeout"
	ErrorClassNetwork      ErrorClass = "network"
	ErrorClassUnclassified ErrorClass = "unclassified"
)

// ClassifyError maps a failure to its recovery class. Timeout-class errors
// schedule a reduced sync, network-class a delayed full resync, everything
// else an immediate retry.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnclassified
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	var syncNetErr *NetworkError
	if errors.As(err, &syncNetErr) || errors.As(err, &netErr) {
		return ErrorClassNetwork
	}

	// Fall back to message sniffing for errors crossing the sink boundary
	// as plain strings.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return ErrorClassTimeout
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"), strings.Contains(msg, "unreachable"):
		return ErrorClassNetwork
	default:
		return ErrorClassUnclassified
	}
}
