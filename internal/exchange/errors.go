package exchange

import (
	"errors"
	"fmt"
)

// Kind tags an engine failure so the caller can map it to a response
// without string matching.
type Kind int

const (
	KindUnknownAccount Kind = iota + 1
	KindUnknownOrder
	KindUnknownPosition
	KindInsufficientFunds
	KindInsufficientShares
	KindNotCancellable
	KindInvalidRequest
	KindStorage
)

// Error is the tagged failure returned by every engine operation.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func storageErr(err error) *Error {
	return &Error{Kind: KindStorage, Msg: "storage failure", Err: err}
}

// KindOf extracts the kind of an engine error, or KindStorage when the
// error did not originate in the engine.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}
