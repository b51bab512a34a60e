package verify

import (
	"fmt"
	"time"
)

// LaunchError means the browser runtime could not be started. It is never
// handled by the recovery boundary.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string { return "failed to launch browser: " + e.Err.Error() }
func (e *LaunchError) Unwrap() error { return e.Err }

// NavigationError means the target URL could not be loaded
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("failed to navigate to %s: %v", e.URL, e.Err)
}
func (e *NavigationError) Unwrap() error { return e.Err }

// TimeoutError means a bounded wait elapsed before its condition held
type TimeoutError struct {
	Selector string // Selector or JS predicate that was awaited
	Timeout  time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.Timeout, e.Selector)
}
func (e *TimeoutError) Unwrap() error { return e.Err }

// ElementNotFoundError means a selector resolved to nothing
type ElementNotFoundError struct {
	Selector string
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element not found: %s", e.Selector)
}

// BoundingBoxUnavailableError means the element exists but has no renderable geometry
type BoundingBoxUnavailableError struct {
	Selector string
	Err      error
}

func (e *BoundingBoxUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bounding box unavailable for %s: %v", e.Selector, e.Err)
	}
	return fmt.Sprintf("bounding box unavailable for %s", e.Selector)
}
func (e *BoundingBoxUnavailableError) Unwrap() error { return e.Err }

// CaptureError means a screenshot could not be taken or persisted
type CaptureError struct {
	Path string
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("failed to capture %s: %v", e.Path, e.Err)
}
func (e *CaptureError) Unwrap() error { return e.Err }
