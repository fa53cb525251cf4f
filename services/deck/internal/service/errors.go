package service

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// ErrDeckNotFound is returned when the requested deck does not exist.
var ErrDeckNotFound = errors.New("deck not found")

// ValidationError reports the first invalid field of an input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	field := fe.Field()
	var msg string
	switch fe.Tag() {
	case "required":
		msg = "must not be empty"
	case "max":
		msg = fmt.Sprintf("cannot be longer than %s characters", fe.Param())
	case "len":
		msg = fmt.Sprintf("must be %s characters long", fe.Param())
	case "cover_url":
		msg = "must be a valid URL"
	default:
		msg = "is invalid"
	}
	return &ValidationError{Field: field, Message: msg}
}
