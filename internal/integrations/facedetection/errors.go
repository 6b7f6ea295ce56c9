package facedetection

import (
	"errors"
	"fmt"
)

// Initialization stages reported in InitializationError
const (
	StageResolveAssets  = "resolve assets"
	StageCreateDetector = "create detector"
)

// ErrServiceClosed is returned by calls made after Close
var ErrServiceClosed = errors.New("face detection service is closed")

// InitializationError reports a failed detector construction. The service
// keeps no detector after such a failure and retries on the next call.
type InitializationError struct {
	Engine string
	Stage  string
	Err    error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("face detector initialization failed (%s, %s): %v", e.Engine, e.Stage, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// IsInitializationError reports whether err is or wraps an InitializationError
func IsInitializationError(err error) bool {
	var initErr *InitializationError
	return errors.As(err, &initErr)
}

// OutcomeKind tags the result of Service.Detect
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeInitializationFailed
	OutcomeDetectionFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeInitializationFailed:
		return "initialization_failed"
	case OutcomeDetectionFailed:
		return "detection_failed"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the tagged result of a detection call. Boxes is set for
// OutcomeOK, Err for the two failure kinds.
type Outcome struct {
	Kind  OutcomeKind
	Boxes []BoundingBox
	Err   error
}

// OK reports whether the detection succeeded
func (o Outcome) OK() bool {
	return o.Kind == OutcomeOK
}
