package scenario

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a scenario failure.
type Kind int

const (
	KindConnection Kind = iota
	KindTimeout
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "ConnectionError"
	case KindTimeout:
		return "TimeoutError"
	case KindProtocol:
		return "ProtocolAssertionError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Protocol assertion errors.
var (
	ErrUnexpectedHello   = errors.New("first message is not HELLO")
	ErrUnexpectedWelcome = errors.New("second message does not start with WELCOME")
	ErrNotText           = errors.New("expected text frame")
)

// Failure is the single error type a scenario iteration reports.
type Failure struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// KindOf returns the failure kind carried by err, or false when err is not
// a *Failure.
func KindOf(err error) (Kind, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return 0, false
}

func protocolFailure(msg string, err error) *Failure {
	return &Failure{Kind: KindProtocol, Msg: msg, Err: err}
}

// classify maps a lower level I/O error onto the failure taxonomy.
func classify(step string, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: KindTimeout, Msg: step, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Failure{Kind: KindTimeout, Msg: step, Err: err}
	}
	return &Failure{Kind: KindConnection, Msg: step, Err: err}
}
