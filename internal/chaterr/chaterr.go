// Package chaterr defines the error kinds surfaced by the sync core.
//
// Every failure returned to callers is either one of the sentinels below or
// an *Error that matches exactly one of them under errors.Is.
package chaterr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindAuth
	KindStoreUnavailable
	KindPermission
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAuth:
		return "auth"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindPermission:
		return "permission"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String. Unrecognized names are
// KindUnknown.
func ParseKind(name string) Kind {
	for k := KindValidation; k <= KindPermission; k++ {
		if k.String() == name {
			return k
		}
	}
	return KindUnknown
}

var (
	ErrValidation       = &kindError{KindValidation}
	ErrNotFound         = &kindError{KindNotFound}
	ErrConflict         = &kindError{KindConflict}
	ErrAuth             = &kindError{KindAuth}
	ErrStoreUnavailable = &kindError{KindStoreUnavailable}
	ErrPermission       = &kindError{KindPermission}

	// ErrSelfPairing rejects a conversation between a user and themselves.
	ErrSelfPairing = New(KindValidation, "", "cannot start a conversation with yourself")
	// ErrNotSignedIn is returned when an operation needs a principal and there is none.
	ErrNotSignedIn = New(KindAuth, "", "not signed in")
)

type kindError struct{ kind Kind }

func (e *kindError) Error() string { return e.kind.String() }

// Error is a classified failure. Op names the operation that failed and Err
// carries the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err as kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...any) error {
	return New(KindValidation, op, fmt.Sprintf(format, args...))
}

func NotFound(op, format string, args ...any) error {
	return New(KindNotFound, op, fmt.Sprintf(format, args...))
}

func Permission(op, format string, args ...any) error {
	return New(KindPermission, op, fmt.Sprintf(format, args...))
}

func Unavailable(op string, err error) error {
	return Wrap(KindStoreUnavailable, op, err)
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel, plus identity for the named sentinels.
func (e *Error) Is(target error) bool {
	if k, ok := target.(*kindError); ok {
		return k.kind == e.Kind
	}
	return false
}

// KindOf reports the kind of err. Errors the core did not classify are
// KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// Message maps err to the short text shown to the user.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Msg != "" && ce.Kind == KindValidation {
		return capitalize(ce.Msg)
	}
	switch KindOf(err) {
	case KindValidation:
		return "Please check your input and try again."
	case KindNotFound:
		return "No user found with that phone number."
	case KindConflict:
		if ce != nil && ce.Msg != "" {
			return capitalize(ce.Msg)
		}
		return "That already exists."
	case KindAuth:
		return "Your session has ended. Please sign in again."
	case KindStoreUnavailable:
		return "Can't reach the server right now. Please try again."
	case KindPermission:
		return "You don't have permission to do that."
	default:
		return "Something went wrong."
	}
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
