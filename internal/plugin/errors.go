package plugin

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateName = errors.New("plugin name already registered")
	ErrNotFound      = errors.New("plugin not registered")
)

// FaultKind classifies a failure returned by a plugin's Execute.
type FaultKind string

const (
	FaultInvalidPayload      FaultKind = "invalid_payload"
	FaultUpstreamUnavailable FaultKind = "upstream_unavailable"
	FaultTimeout             FaultKind = "timeout"
	FaultInternal            FaultKind = "internal_fault"
)

// Fault wraps a plugin failure with its classification.
//
// Plugins wrap their errors with the constructors below so the engine can
// record the kind and decide retry eligibility:
//
//	return nil, plugin.InvalidPayload(fmt.Errorf("missing %q field", "protocol"))
type Fault struct {
	Kind FaultKind
	err  error
}

func (f Fault) Error() string {
	if f.err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.err)
}

func (f Fault) Unwrap() error { return f.err }

// InvalidPayload marks a failure caused by the task payload itself.
// These are never retried: the payload will not get better.
func InvalidPayload(err error) error { return wrapFault(FaultInvalidPayload, err) }

// UpstreamUnavailable marks a failure of a dependency the plugin talks to.
func UpstreamUnavailable(err error) error { return wrapFault(FaultUpstreamUnavailable, err) }

// ExecTimeout marks a failure where the plugin gave up on its own deadline.
// The engine also produces this kind when its per-task timeout fires.
func ExecTimeout(err error) error { return wrapFault(FaultTimeout, err) }

// Internal marks every other failure. Uncaught panics and untyped errors
// are classified as internal by the engine.
func Internal(err error) error { return wrapFault(FaultInternal, err) }

func wrapFault(kind FaultKind, err error) error {
	if err == nil {
		return nil
	}
	return Fault{Kind: kind, err: err}
}

// KindOf extracts the fault kind of err, defaulting to FaultInternal for
// untyped errors.
func KindOf(err error) FaultKind {
	if err == nil {
		return ""
	}
	var f Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultInternal
}

// Retryable reports whether a fault kind is worth another attempt.
func Retryable(kind FaultKind) bool {
	return kind != FaultInvalidPayload
}
