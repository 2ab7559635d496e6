package hooks

import (
	"fmt"
	"time"
)

// NotFoundError indicates a requested item (RPC method, event) doesn't exist.
// The bridge reports it to the client as NOT_FOUND.
type NotFoundError struct {
	Type string // "method", "event"
	Name string // identifier that wasn't found
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Type, e.Name)
}

// InvalidParamsError indicates that the provided parameters are invalid.
// The bridge reports it to the client as INVALID_PAYLOAD.
type InvalidParamsError struct {
	Field  string // which field is invalid
	Reason string // why it's invalid
}

func (e *InvalidParamsError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid parameters: %s", e.Reason)
}

// UnsupportedOperationError indicates that the requested operation is not supported.
// The bridge reports it to the client as INVALID_MESSAGE.
type UnsupportedOperationError struct {
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("operation not supported: %s", e.Operation)
}

// BusyError tells the client the engine cannot take the call right now and
// may be retried. The bridge reports it as CAPACITY_EXCEEDED.
type BusyError struct {
	RetryAfter time.Duration
}

func (e *BusyError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("engine busy, retry after %s", e.RetryAfter)
	}
	return "engine busy"
}
