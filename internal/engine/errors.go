package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"theatrum/internal/domain"
	"theatrum/internal/schema"
)

// ErrorKind is a stable error code. Zero is reserved for unclassified errors.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	Internal
	NotYetImplemented
	UnknownMethod
	InvalidEntity
	InvalidActor
	UnsupportedActor
	AccessDenied
	InvalidParams
	NotFound
)

var kindNames = [...]string{
	Unknown:           "UNKNOWN",
	Internal:          "INTERNAL",
	NotYetImplemented: "NOT_YET_IMPLEMENTED",
	UnknownMethod:     "UNKNOWN_METHOD",
	InvalidEntity:     "INVALID_ENTITY",
	InvalidActor:      "INVALID_ACTOR",
	UnsupportedActor:  "UNSUPPORTED_ACTOR",
	AccessDenied:      "ACCESS_DENIED",
	InvalidParams:     "INVALID_PARAMS",
	NotFound:          "NOT_FOUND",
}

func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
	return kindNames[k]
}

// Error is a framework error. It is safe to hand to callers as is.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Body returns the caller-facing payload.
func (e *Error) Body() domain.ErrorBody {
	return domain.ErrorBody{Code: int(e.Kind), Message: e.Message}
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Body())
}

// KindOf returns the kind of a framework error in err's chain, or Unknown.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// AsError returns the framework error in err's chain.
func AsError(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}

func ErrInternal() *Error {
	return &Error{Kind: Internal, Message: "Internal error"}
}

func ErrNotYetImplemented() *Error {
	return &Error{Kind: NotYetImplemented, Message: "Not yet implemented"}
}

func ErrUnknownMethod() *Error {
	return &Error{Kind: UnknownMethod, Message: "Unknown method"}
}

func ErrInvalidEntity() *Error {
	return &Error{Kind: InvalidEntity, Message: "Invalid entity"}
}

func ErrInvalidActor(entity string) *Error {
	return &Error{Kind: InvalidActor, Message: fmt.Sprintf("Invalid actor data for %q entity", entity)}
}

func ErrUnsupportedActor() *Error {
	return &Error{Kind: UnsupportedActor, Message: "Unsupported actor for this method"}
}

func ErrAccessDenied() *Error {
	return &Error{Kind: AccessDenied, Message: "Access denied"}
}

// ErrInvalidParams names the first failing field when the validator reports one.
func ErrInvalidParams(cause error) *Error {
	var ve *schema.ValidationError
	if errors.As(cause, &ve) {
		if is, ok := ve.First(); ok {
			return &Error{Kind: InvalidParams, Message: fmt.Sprintf("Invalid param '%s': %s", is.Path, is.Message)}
		}
	}
	return &Error{Kind: InvalidParams, Message: "Invalid params"}
}

func ErrNotFound(thing string) *Error {
	if thing == "" {
		return &Error{Kind: NotFound, Message: "Not found"}
	}
	return &Error{Kind: NotFound, Message: thing + " not found"}
}
