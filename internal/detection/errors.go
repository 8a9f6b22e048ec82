package detection

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/osamashannak/siren-detection-service/internal/audio"
)

// UnexpectedPrefix starts the public message of internal errors
const UnexpectedPrefix = "An unexpected error occurred: "

// Kind classifies a failure for the HTTP boundary
type Kind int

const (
	// KindValidation is a bad request: missing file or disallowed extension
	KindValidation Kind = iota
	// KindDecode is an upload that could not be turned into a waveform
	KindDecode
	// KindInternal is anything else, including model failures
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDecode:
		return "decode"
	default:
		return "internal"
	}
}

// Error is the single error type leaving the detection pipeline
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the kind to a response status
func (e *Error) HTTPStatus() int {
	if e.Kind == KindValidation {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// PublicMessage is the text returned to the caller
func (e *Error) PublicMessage() string {
	if e.Kind == KindInternal {
		return UnexpectedPrefix + e.Message
	}
	return e.Message
}

// ValidationError builds a KindValidation error with a fixed message
func ValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// Classify maps any error into an *Error. Existing *Error values pass through,
// audio processing failures become KindDecode and the rest KindInternal.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var de *Error
	if errors.As(err, &de) {
		return de
	}

	var pe *audio.ProcessingError
	if errors.As(err, &pe) {
		return &Error{Kind: KindDecode, Message: pe.Error(), Err: err}
	}

	return &Error{Kind: KindInternal, Message: err.Error(), Err: err}
}
