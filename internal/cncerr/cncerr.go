// Package cncerr classifies the runtime's error kinds per the coordination
// core's error-handling design: flow control, programmer error, assertion
// violation, exhaustion, and distributed protocol error. These are kinds,
// not a type hierarchy callers are meant to switch on broadly — most kinds
// never leave the package that produces them.
package cncerr

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/cnc-go/cnc/internal/log"
)

// ErrDataNotReady is the flow-control sentinel a step's get deposits to
// signal the scheduler to replay the step. It is never returned to user
// code and never logged as an error.
var ErrDataNotReady = fmt.Errorf("cncerr: data not ready")

// ProgrammerError reports a recoverable misuse of the API: duplicate puts,
// stale get-counts. It is logged as a warning and does not abort the
// process.
type ProgrammerError struct {
	Op  string
	Msg string
}

func (e *ProgrammerError) Error() string { return fmt.Sprintf("cncerr: %s: %s", e.Op, e.Msg) }

// Warn logs a ProgrammerError as a warning. The caller drops the offending
// operation (e.g. the second put) and continues.
func Warn(op, format string, args ...interface{}) {
	e := &ProgrammerError{Op: op, Msg: fmt.Sprintf(format, args...)}
	log.GetLogger().Warn(e.Error())
}

// AssertionViolation indicates corrupt runtime state: a negative get-count
// on a non-owner gone out of bounds, an invalid message kind, cleanup of a
// non-owner cell without the creator flag. These abort the process.
type AssertionViolation struct {
	Op  string
	Msg string
}

func (e *AssertionViolation) Error() string {
	return fmt.Sprintf("cncerr: assertion violation in %s: %s", e.Op, e.Msg)
}

// Abort logs the violation at Error level and panics. Recovered only at the
// worker-pool boundary, which turns it into a fatal process exit — there is
// no partial-failure recovery for corrupt coordination state.
func Abort(op, format string, args ...interface{}) {
	e := &AssertionViolation{Op: op, Msg: fmt.Sprintf(format, args...)}
	log.GetLogger().Error(e.Error())
	panic(e)
}

// ProtocolError indicates an unexpected message kind on the wire. The wire
// protocol is closed and fully enumerated, so this always aborts.
type ProtocolError struct {
	Kind byte
	Op   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cncerr: unexpected message kind %d in %s", e.Kind, e.Op)
}

// AbortProtocol logs and panics on an unrecognized wire message kind.
func AbortProtocol(op string, kind byte) {
	e := &ProtocolError{Kind: kind, Op: op}
	log.GetLogger().Error(e.Error())
	panic(e)
}

// Exhausted reports that an environment-side get gave up after quiescence
// without finding a value. It is a warning, never an abort, and leaves the
// caller's output undefined.
type Exhausted struct {
	Op string
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("cncerr: %s: exhausted retries after quiescence with no value", e.Op)
}

// WarnExhausted logs an Exhausted condition and returns it so callers can
// propagate "no value" without treating it as a hard failure.
func WarnExhausted(op string) error {
	e := &Exhausted{Op: op}
	log.GetLogger().Warn(e.Error())
	return e
}

// Combine aggregates independent failures collected during the global wait
// protocol (per-process PONG timeouts, transport errors) into one error.
func Combine(errs ...error) error {
	return multierr.Combine(errs...)
}
