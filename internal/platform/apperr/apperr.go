// Package apperr defines the failure taxonomy shared by the allocation and
// relationship code. Expected conditions are returned as *Error values so
// the request layer can map them to a status without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindInvalid              Kind = "invalid"
	KindInvalidRelationship  Kind = "invalid_relationship"
	KindHasDependents        Kind = "has_dependents"
	KindHasAssignedMembers   Kind = "has_assigned_members"
	KindDuplicateKey         Kind = "duplicate_key"
	KindCorruptSequenceState Kind = "corrupt_sequence_state"
)

// Error is a typed failure carrying the offending ids.
type Error struct {
	Kind Kind
	Op   string
	IDs  []string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if len(e.IDs) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.IDs, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op, msg string, ids ...string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, IDs: ids}
}

func Wrap(kind Kind, op string, err error, ids ...string) *Error {
	return &Error{Kind: kind, Op: op, Err: err, IDs: ids}
}

func NotFound(op, what string, id string) *Error {
	return New(KindNotFound, op, what+" not found", id)
}

func InvalidRelationship(op, msg string, ids ...string) *Error {
	return New(KindInvalidRelationship, op, msg, ids...)
}

func Invalid(op, msg string) *Error {
	return New(KindInvalid, op, msg)
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// carries no taxonomy information.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IDsOf returns the ids attached to the first *Error in err's chain.
func IDsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.IDs
	}
	return nil
}

// HTTPStatus maps a failure to the status code the request layer returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalid:
		return http.StatusBadRequest
	case KindInvalidRelationship:
		return http.StatusUnprocessableEntity
	case KindHasDependents, KindHasAssignedMembers:
		return http.StatusConflict
	case KindDuplicateKey:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
