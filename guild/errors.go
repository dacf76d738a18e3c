package guild

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Kind classifies why an operation failed.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation covers duplicates, capacity and state-machine rejections.
	KindValidation
	// KindPermission means the caller's role or ownership check failed.
	KindPermission
	// KindNotFound means a referenced guild, member or request is absent.
	KindNotFound
	// KindStorage is an I/O or driver failure from the store.
	KindStorage
	// KindConflict is a uniqueness violation or busy player lock caused by a
	// concurrent operation on the same entity.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_rejected"
	case KindPermission:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindStorage:
		return "storage_failure"
	case KindConflict:
		return "concurrency_conflict"
	}
	return "unknown"
}

// Error is the error type returned by every Service operation.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
	// Partial is set when an earlier step of a composed operation already
	// committed before this failure.
	Partial bool
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("guild")
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can test against the
// sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrValidation = &Error{Kind: KindValidation, Msg: "validation rejected"}
	ErrPermission = &Error{Kind: KindPermission, Msg: "permission denied"}
	ErrNotFound   = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrStorage    = &Error{Kind: KindStorage, Msg: "storage failure"}
	ErrConflict   = &Error{Kind: KindConflict, Msg: "concurrency conflict"}
)

// KindOf returns the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsPartial reports whether err comes from a composed operation whose earlier
// steps were already committed and may need reconciliation.
func IsPartial(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Partial
}

func rejectf(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func deny(op, msg string) error {
	return &Error{Kind: KindPermission, Op: op, Msg: msg}
}

func notFound(op, what string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: what + " not found"}
}

func conflict(op, msg string, cause error) error {
	return &Error{Kind: KindConflict, Op: op, Msg: msg, Err: cause}
}

// partial marks err as the failing last step of a composed operation.
func partial(op, committed string, err error) error {
	e := &Error{Op: op, Msg: committed + " but the follow-up step failed", Err: err, Partial: true}
	e.Kind = KindOf(err)
	if e.Kind == KindUnknown {
		e.Kind = KindStorage
	}
	return e
}

// storeErr classifies an error returned by gorm. Record-not-found becomes
// NotFound, duplicate keys become Conflict and everything else is Storage.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &Error{Kind: KindNotFound, Op: op, Msg: "record not found", Err: err}
	case isUniqueViolation(err):
		return conflict(op, "unique constraint violated", err)
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// isUniqueViolation recognizes duplicate-key errors from drivers that do not
// go through gorm's error translation.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "already exists")
}
