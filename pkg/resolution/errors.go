package resolution

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

// Kind classifies a resolution error
type Kind string

const (
	KindUnidentifiable   Kind = "unidentifiable"    // record carries no usable identifier
	KindAmbiguous        Kind = "ambiguous"         // score landed in the review band
	KindConstraintRace   Kind = "constraint_race"   // lost a uniqueness claim to a concurrent writer
	KindMalformedGeocode Kind = "malformed_geocode" // geocode failed validation and was ignored
	KindPolicyViolation  Kind = "policy_violation"  // forbidden signal combination reached a merge
	KindNotFound         Kind = "not_found"
	KindCorruptChain     Kind = "corrupt_chain" // merged_into chain loops or exceeds the hop bound
	KindInvalidInput     Kind = "invalid_input"
	KindConflict         Kind = "conflict"
	KindInternal         Kind = "internal"
)

// Error is the typed error every resolver returns to its caller
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Meta    map[string]any
}

func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func NewErrorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to a lower level error
func WrapError(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: err}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// AddMeta attaches a key/value that is surfaced in HTTP error responses
func (e *Error) AddMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta[key] = value
	return e
}

func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindUnidentifiable, KindInvalidInput, KindMalformedGeocode:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindConstraintRace:
		return http.StatusConflict
	case KindAmbiguous:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func (e *Error) ToHTTPError() *httperror.HTTPError {
	httpErr := httperror.NewHTTPError(e.StatusCode(), e.Message).AddMetaValue("kind", string(e.Kind))
	for k, v := range e.Meta {
		httpErr = httpErr.AddMetaValue(k, v)
	}
	return httpErr
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal
func KindOf(err error) Kind {
	var resErr *Error
	if errors.As(err, &resErr) {
		return resErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	var resErr *Error
	return errors.As(err, &resErr) && resErr.Kind == kind
}

// ToHTTPError converts resolution errors for the echo error handler and passes other errors through
func ToHTTPError(err error) error {
	var resErr *Error
	if errors.As(err, &resErr) {
		return resErr.ToHTTPError()
	}
	return err
}
