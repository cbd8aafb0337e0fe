package inspect

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/flightctl/internal/thenable"
)

var (
	ErrTimeout           = errors.New("inspect: request timed out")
	ErrTransportShutdown = errors.New("inspect: failed to inspect element, the bridge shut down")
	ErrPollingCancelled  = errors.New("inspect: element polling cancelled")
	ErrNoRenderer        = errors.New("inspect: no renderer found for element")
	ErrElementNotFound   = errors.New("inspect: element not found")
	ErrNoBaseElement     = errors.New("inspect: partial response without a cached element")
	ErrBadResponse       = errors.New("inspect: unexpected response")
)

// TimeoutError reports a request that got no answer in time.
type TimeoutError struct {
	ElementID int
	RequestID uint64
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("inspect: timed out after %s while inspecting element %d (request %d)", e.After, e.ElementID, e.RequestID)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// BackendError is an error response produced by the backend while it
// inspected an element.
type BackendError struct {
	ElementID int
	Type      string
	Message   string
	Stack     string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("inspect: backend %s error for element %d: %s", e.Type, e.ElementID, e.Message)
}

// SuspendedError is returned by reads that hit a request still in flight.
// It matches thenable.ErrNotReady.
type SuspendedError struct {
	Element  *Element
	Wakeable *thenable.Thenable
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("inspect: inspecting %s", e.Element.label())
}

func (e *SuspendedError) Is(target error) bool {
	return target == thenable.ErrNotReady
}
