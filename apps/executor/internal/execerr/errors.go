// Package execerr defines the error taxonomy shared by the execution core.
// The Kind of an error, not the site that caught it, decides whether the
// operation may be retried.
package execerr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindBuild
	KindEndpointUnavailable
	KindRemoteCall
	KindAllMethodsExhausted
	KindOrderTimeout
	KindDuplicateOrder
	KindInvalidTransition
	KindPersistence
	KindCancelled
	KindNotFound
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindValidation:          "validation",
	KindBuild:               "build",
	KindEndpointUnavailable: "endpoint_unavailable",
	KindRemoteCall:          "remote_call",
	KindAllMethodsExhausted: "all_methods_exhausted",
	KindOrderTimeout:        "order_timeout",
	KindDuplicateOrder:      "duplicate_order",
	KindInvalidTransition:   "invalid_transition",
	KindPersistence:         "persistence",
	KindCancelled:           "cancelled",
	KindNotFound:            "not_found",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether an order that failed with this kind may be
// re-queued for another attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindEndpointUnavailable, KindRemoteCall, KindAllMethodsExhausted, KindOrderTimeout:
		return true
	}
	return false
}

type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
	// OrderID is the existing order a DuplicateOrder error points at.
	OrderID string
}

func (e *Error) Error() string {
	parts := make([]string, 0, 4)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	parts = append(parts, e.Kind.String())
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so the sentinels below work with
// errors.Is regardless of Op and Detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrBuild               = &Error{Kind: KindBuild}
	ErrEndpointUnavailable = &Error{Kind: KindEndpointUnavailable}
	ErrRemoteCall          = &Error{Kind: KindRemoteCall}
	ErrAllMethodsExhausted = &Error{Kind: KindAllMethodsExhausted}
	ErrOrderTimeout        = &Error{Kind: KindOrderTimeout}
	ErrDuplicateOrder      = &Error{Kind: KindDuplicateOrder}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrPersistence         = &Error{Kind: KindPersistence}
	ErrCancelled           = &Error{Kind: KindCancelled}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// OrderIDOf returns the order id carried by the first *Error in err's chain.
func OrderIDOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.OrderID
	}
	return ""
}

func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
