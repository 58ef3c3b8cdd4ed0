// Package errkind classifies librats errors per spec.md §7, so the mesh
// engine and the DHT can decide whether to close a session, blacklist an
// endpoint, or just absorb the failure and keep going.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is the top-level error classification.
type Kind int

const (
	Transport Kind = iota
	Protocol
	Identity
	Policy
	Timeout
	Cancelled
	Resource
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Identity:
		return "identity"
	case Policy:
		return "policy"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	case Resource:
		return "resource"
	default:
		return "unknown"
	}
}

// Classified wraps an error with an Op (what was being attempted) and a
// Kind, mirroring the teacher's per-package {Op, Err, Message} error type.
type Classified struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Classified) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Classified) Unwrap() error { return e.Err }

// New classifies err under op/kind. A nil err classifies to nil.
func New(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is a
// *Classified. ok is false for unclassified errors.
func KindOf(err error) (Kind, bool) {
	var c *Classified
	if !errors.As(err, &c) {
		return 0, false
	}
	return c.Kind, true
}
