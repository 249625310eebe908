package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindTransport  Kind = "transport"
	KindValidation Kind = "validation"
	KindAllocation Kind = "allocation"
	KindStorage    Kind = "storage"
	KindFatal      Kind = "fatal"
)

var (
	ErrTimeout      = NewErr(KindTransport, "TIMEOUT", "timed out waiting for data")
	ErrAborted      = NewErr(KindTransport, "ABORTED", "connection aborted")
	ErrProxyHeader  = NewErr(KindTransport, "PROXY_HEADER", "invalid proxy protocol header")
	ErrEmpty        = NewErr(KindValidation, "EMPTY", "empty paste")
	ErrInvalidUTF8  = NewErr(KindValidation, "INVALID_UTF8", "invalid utf-8")
	ErrTooLarge     = NewErr(KindValidation, "TOO_LARGE", "paste too large")
	ErrIDExhausted  = NewErr(KindAllocation, "ID_EXHAUSTED", "could not allocate an id")
	ErrStorage      = NewErr(KindStorage, "STORAGE", "storage failure")
	ErrShuttingDown = NewErr(KindStorage, "SHUTTING_DOWN", "server shutting down")
)

// Err is a classified failure. Msg is safe to show to a client.
type Err struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Err) Error() string { return e.Msg }

func NewErr(kind Kind, code, msg string) *Err {
	return &Err{Kind: kind, Code: code, Msg: msg}
}

// WithMsg returns a copy of e carrying a more specific client message.
func (e *Err) WithMsg(format string, args ...interface{}) *Err {
	return &Err{Kind: e.Kind, Code: e.Code, Msg: fmt.Sprintf(format, args...)}
}

// Is matches on Code so copies made by WithMsg still satisfy errors.Is.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func asErr(err error) (*Err, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Err); ok {
		return e, true
	}
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if e, ok := asErr(err); ok {
		return e.Kind
	}
	return KindStorage
}

func CodeOf(err error) string {
	if e, ok := asErr(err); ok {
		return e.Code
	}
	return "INTERNAL"
}

// Reply renders err as the single diagnostic line sent back over the socket.
func Reply(err error) string {
	if e, ok := asErr(err); ok {
		return "error: " + e.Msg + "\n"
	}
	return "error: internal error\n"
}
