package fhir

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fhirvault/fhirvault/internal/platform/couch"
)

// ErrorKind is the stable error taxonomy. Handlers translate internal errors
// to a kind exactly once, at the HTTP boundary.
type ErrorKind int

const (
	KindBadRequest ErrorKind = iota
	KindNotFound
	KindGone
	KindPreconditionFailed
	KindUnprocessable
	KindConflict
	KindDatabaseUnavailable
	KindInternal
)

// Error carries an error kind, an OperationOutcome issue code, and a
// diagnostic message for the response body.
type Error struct {
	Kind        ErrorKind
	IssueCode   string
	Diagnostics string
	cause       error
}

func (e *Error) Error() string { return e.Diagnostics }
func (e *Error) Unwrap() error { return e.cause }

// StatusCode maps the kind to its HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindGone:
		return http.StatusGone
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindUnprocessable:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindDatabaseUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Outcome renders the error as a FHIR OperationOutcome.
func (e *Error) Outcome() *OperationOutcome {
	severity := IssueSeverityError
	if e.Kind == KindInternal {
		severity = IssueSeverityFatal
	}
	return NewOperationOutcome(severity, e.IssueCode, e.Diagnostics)
}

func BadRequest(format string, args ...interface{}) *Error {
	return &Error{Kind: KindBadRequest, IssueCode: IssueTypeInvalid, Diagnostics: fmt.Sprintf(format, args...)}
}

func NotFound(resourceType, id string) *Error {
	return &Error{Kind: KindNotFound, IssueCode: IssueTypeNotFound, Diagnostics: resourceType + "/" + id + " not found"}
}

func Gone(resourceType, id string) *Error {
	return &Error{Kind: KindGone, IssueCode: IssueTypeDeleted, Diagnostics: resourceType + "/" + id + " has been deleted"}
}

func PreconditionFailed(format string, args ...interface{}) *Error {
	return &Error{Kind: KindPreconditionFailed, IssueCode: IssueTypeConflict, Diagnostics: fmt.Sprintf(format, args...)}
}

func MultipleMatches(diagnostics string) *Error {
	return &Error{Kind: KindPreconditionFailed, IssueCode: IssueTypeMultipleMatches, Diagnostics: diagnostics}
}

func Unprocessable(diagnostics string) *Error {
	return &Error{Kind: KindUnprocessable, IssueCode: IssueTypeInvalid, Diagnostics: diagnostics}
}

func Conflict(diagnostics string) *Error {
	return &Error{Kind: KindConflict, IssueCode: IssueTypeConflict, Diagnostics: diagnostics}
}

func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, IssueCode: IssueTypeException, Diagnostics: "internal server error", cause: cause}
}

func Unavailable(cause error) *Error {
	return &Error{Kind: KindDatabaseUnavailable, IssueCode: IssueTypeTransient, Diagnostics: "database unavailable", cause: cause}
}

// Translate maps any error into the taxonomy. Storage sentinels become their
// FHIR kinds; everything unrecognized is Internal.
func Translate(err error, resourceType, id string) *Error {
	var fe *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &fe):
		return fe
	case errors.Is(err, couch.ErrDatabaseUnavailable):
		return Unavailable(err)
	case errors.Is(err, couch.ErrNotFound):
		return NotFound(resourceType, id)
	case errors.Is(err, couch.ErrExists):
		return Conflict(resourceType + "/" + id + " already exists")
	case errors.Is(err, couch.ErrCasMismatch):
		return PreconditionFailed("%s/%s was modified concurrently", resourceType, id)
	default:
		return Internal(err)
	}
}
