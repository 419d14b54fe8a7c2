package status

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// InvalidInput indicates a malformed or missing argument, rejected before any side effect
	InvalidInput Type = 1

	// NotAuthorized indicates that the caller does not administer the organization
	NotAuthorized Type = 2

	// NotFound indicates that the referenced record does not exist
	NotFound Type = 3

	// Conflict indicates that the record already exists
	Conflict Type = 4

	// ExternalFailure indicates that DNS, the ACME client or the proxy failed
	ExternalFailure Type = 5

	// PreconditionFailed indicates that the record is not in a state that allows the operation
	PreconditionFailed Type = 6

	// Internal indicates some generic internal error
	Internal Type = 7
)

// Type is a type of the Error
type Type int32

func (t Type) String() string {
	switch t {
	case InvalidInput:
		return "invalid_input"
	case NotAuthorized:
		return "not_authorized"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case ExternalFailure:
		return "external_failure"
	case PreconditionFailed:
		return "precondition_failed"
	default:
		return "internal"
	}
}

// HTTPStatus maps the error type to the response code used by the HTTP surface.
// A duplicate is a 400 like any other rejected input; the body carries the type.
func (t Type) HTTPStatus() int {
	switch t {
	case InvalidInput, PreconditionFailed, Conflict:
		return http.StatusBadRequest
	case NotAuthorized:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case ExternalFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is an error with a type the callers can branch on
type Error struct {
	ErrorType Type
	Message   string
}

// Type returns the Type of the error
func (e *Error) Type() Type {
	return e.ErrorType
}

func (e *Error) Error() string {
	return e.Message
}

// Errorf returns Error(ErrorType, fmt.Sprintf(format, a...)).
func Errorf(errorType Type, format string, a ...interface{}) error {
	return &Error{
		ErrorType: errorType,
		Message:   fmt.Sprintf(format, a...),
	}
}

// FromError returns Error, true if the provided error is of type of Error. nil, false otherwise
func FromError(err error) (s *Error, ok bool) {
	if err == nil {
		return nil, true
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries the given type.
func Is(err error, t Type) bool {
	e, ok := FromError(err)
	return ok && e != nil && e.ErrorType == t
}

func NewDomainNotFoundError(id string) error {
	return Errorf(NotFound, "domain not found: %s", id)
}

func NewOrganizationNotFoundError(id string) error {
	return Errorf(NotFound, "organization not found: %s", id)
}

func NewDomainExistsError(domain string) error {
	return Errorf(Conflict, "domain %s is already registered", domain)
}

func NewNotOrganizationAdminError(orgID string) error {
	return Errorf(NotAuthorized, "caller does not administer organization %s", orgID)
}

func NewDomainNotVerifiedError(domain string) error {
	return Errorf(PreconditionFailed, "domain %s has not been verified yet", domain)
}
