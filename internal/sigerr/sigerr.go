// Package sigerr defines the error-kind taxonomy shared across the signer
// core and its external collaborators (zone I/O, XFR, control API).
package sigerr

import "fmt"

// Kind classifies an error for the purposes of propagation policy: which
// ones are retried silently, which ones surface as a DNS rcode or HTTP
// status, and which ones abort a stage.
type Kind uint8

const (
	KindNone Kind = iota
	KindNotFound
	KindConflict
	KindCorrupt
	KindCryptoFailure
	KindUnauthorized
	KindMalformed
	KindIOError
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindCorrupt:
		return "Corrupt"
	case KindCryptoFailure:
		return "CryptoFailure"
	case KindUnauthorized:
		return "Unauthorized"
	case KindMalformed:
		return "Malformed"
	case KindIOError:
		return "IOError"
	case KindTimeout:
		return "Timeout"
	default:
		return "None"
	}
}

// Error wraps an underlying error with a Kind so that callers at a
// boundary (DNS responder, HTTP handler, pipeline stage) can switch on
// kind without string-matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Is(err error, kind Kind) bool {
	var se *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			se = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return se != nil && se.Kind == kind
}

func NotFound(op string, err error) *Error      { return New(KindNotFound, op, err) }
func Conflict(op string) *Error                 { return New(KindConflict, op, nil) }
func Corrupt(op string, err error) *Error       { return New(KindCorrupt, op, err) }
func CryptoFailure(op string, err error) *Error { return New(KindCryptoFailure, op, err) }
func Unauthorized(op string, err error) *Error  { return New(KindUnauthorized, op, err) }
func Malformed(op string, err error) *Error     { return New(KindMalformed, op, err) }
func IOError(op string, err error) *Error       { return New(KindIOError, op, err) }
func Timeout(op string, err error) *Error       { return New(KindTimeout, op, err) }
