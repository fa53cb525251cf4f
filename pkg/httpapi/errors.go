package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrorResponse defines the structure of an error response
type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error represents an API error
type Error struct {
	Message    string
	StatusCode int
	Code       string
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// Common API errors
var (
	ErrInvalidRequest     = &Error{Message: "Invalid request", StatusCode: http.StatusBadRequest, Code: "INVALID_REQUEST"}
	ErrNotFound           = &Error{Message: "Resource not found", StatusCode: http.StatusNotFound, Code: "NOT_FOUND"}
	ErrInternalServer     = &Error{Message: "Internal server error", StatusCode: http.StatusInternalServerError, Code: "INTERNAL_ERROR"}
	ErrServiceUnavailable = &Error{Message: "Service unavailable", StatusCode: http.StatusServiceUnavailable, Code: "SERVICE_UNAVAILABLE"}
)

// NewValidationError creates a new validation error with a custom message
func NewValidationError(message string) *Error {
	return &Error{
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Code:       "VALIDATION_ERROR",
	}
}

// NewNotFoundError creates a 404 with a custom message
func NewNotFoundError(message string) *Error {
	return &Error{
		Message:    message,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
	}
}

// WriteError aborts the request with err rendered as an ErrorResponse.
// Errors that are not *Error are logged and reported as 500.
func WriteError(c *gin.Context, err error) {
	var apiError *Error
	if errors.As(err, &apiError) {
		c.AbortWithStatusJSON(apiError.StatusCode, ErrorResponse{
			Message: apiError.Message,
			Code:    apiError.Code,
		})
		return
	}

	log.Error().Err(err).
		Str("path", c.Request.URL.Path).
		Str("request_id", RequestID(c)).
		Msg("Unhandled error")
	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
		Message: ErrInternalServer.Message,
		Code:    ErrInternalServer.Code,
	})
}
