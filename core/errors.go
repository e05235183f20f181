package core

import (
	"errors"
	"fmt"
)

// Kind classifies a hub error for the wire surface. Every error frame sent
// to a client carries exactly one Kind.
type Kind string

const (
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not_found"
	KindBadFrame          Kind = "bad_frame"
	KindConflict          Kind = "conflict"
	KindRateLimited       Kind = "rate_limited"
	KindTimeout           Kind = "timeout"
	KindUnavailable       Kind = "unavailable"
	KindSlowConsumer      Kind = "slow_consumer"
	KindPolicyRejected    Kind = "policy_rejected"
	KindPersistenceFailed Kind = "persistence_failed"
	KindUndeliverable     Kind = "undeliverable"
)

// Error is the hub's wire-visible error. Sensitive errors keep their message
// out of client frames; the Kind is always safe to send.
type Error struct {
	Kind Kind
	msg  string
	// Sensitive indicates the message must not be returned to the client.
	Sensitive bool
	// RetryAfterMS carries the retry hint on RateLimited errors.
	RetryAfterMS int64
	cause        error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Public returns the message safe to place in an error frame.
func (e *Error) Public() string {
	if e.Sensitive {
		return string(e.Kind)
	}
	return e.msg
}

func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func NewErrorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error. The wrapped cause is
// treated as sensitive.
func WrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, cause: cause, Sensitive: true}
}

// KindOf extracts the Kind from err, or KindUnavailable if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

var (
	ErrNotMember     = NewError(KindForbidden, "not a room member")
	ErrBlocked       = NewError(KindForbidden, "blocked")
	ErrBanned        = NewError(KindForbidden, "banned")
	ErrMuted         = NewError(KindForbidden, "muted")
	ErrNotModerator  = NewError(KindForbidden, "not a moderator")
	ErrNotHost       = NewError(KindForbidden, "not the host")
	ErrRoomNotFound  = NewError(KindNotFound, "room not found")
	ErrMsgNotFound   = NewError(KindNotFound, "message not found")
	ErrPeerOffline   = NewError(KindUndeliverable, "peer has no live connection")
	ErrEditWindow    = NewError(KindForbidden, "edit window elapsed")
	ErrStreamState   = NewError(KindConflict, "invalid stream state transition")
	ErrChatDisabled  = NewError(KindPolicyRejected, "chat disabled")
	ErrDMNotAllowed  = NewError(KindForbidden, "recipient does not accept direct messages")
	ErrFrameTooLarge = NewError(KindBadFrame, "frame exceeds size limit")
)
