package service

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var (
	// ErrDeckNotFound covers both a deck the deck service denies and one it
	// could not be asked about.
	ErrDeckNotFound      = errors.New("deck not found")
	ErrCardNotFound      = errors.New("card not found")
	ErrSearchUnavailable = errors.New("card search is not enabled")
)

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
	msg := "is invalid"
	if fe.Tag() == "required" {
		msg = "must not be blank"
	}
	return &ValidationError{Field: fe.Field(), Message: msg}
}
