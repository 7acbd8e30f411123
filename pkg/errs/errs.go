// Package errs defines the tagged error taxonomy shared by the pipeline.
//
// Errors are tagged at the boundary where they originate and callers branch
// on Kind.
package errs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Kind classifies an error by how the caller should react to it.
type Kind string

const (
	// KindTransient is safe to retry with backoff.
	KindTransient Kind = "transient"
	// KindDuplicate is a unique-constraint hit on an idempotency key.
	KindDuplicate Kind = "duplicate"
	// KindPermanent fails fast with no retry.
	KindPermanent Kind = "permanent"
	// KindTimeout is the explicit cancellation of a bounded operation.
	KindTimeout Kind = "timeout"
)

// Error is a tagged pipeline error.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by kind so errors.Is(err, errs.Duplicate) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Op == "" && other.Detail == "" && other.Err == nil && other.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	Transient = &Error{Kind: KindTransient}
	Duplicate = &Error{Kind: KindDuplicate}
	Permanent = &Error{Kind: KindPermanent}
	Timeout   = &Error{Kind: KindTimeout}
)

// New builds a tagged error without an underlying cause.
func New(kind Kind, op string, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Newf builds a tagged error with a formatted detail.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the tag of the outermost tagged error in the chain.
// Untagged errors are classified with Classify.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return Classify(err)
}

// IsDuplicate reports whether err signals an idempotency-key collision.
func IsDuplicate(err error) bool { return err != nil && KindOf(err) == KindDuplicate }

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsTimeout reports whether err is an exceeded deadline.
func IsTimeout(err error) bool { return err != nil && KindOf(err) == KindTimeout }

// Classify tags an untagged error from its shape. Driver specific codes are
// handled by the packages owning the driver; this covers the standard library.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint"),
		strings.Contains(msg, "duplicate key"):
		return KindDuplicate
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "too many connections"):
		return KindTransient
	}

	return KindPermanent
}
