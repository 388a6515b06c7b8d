package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// RetryAfterSeconds is sent with every 503 so clients back off before retrying.
const RetryAfterSeconds = 5

// Error represents an application error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so a wrapped
// instance still matches its sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// JSON returns the error as a JSON string
func (e *Error) JSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// New creates a new Error
func New(code int, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Wrap returns a copy of base carrying err as its cause. Sentinels are never mutated.
func Wrap(base *Error, err error) *Error {
	return &Error{Code: base.Code, Message: base.Message, Err: err}
}

// Checkout and storage errors
var (
	ErrEmptyBasket        = New(http.StatusBadRequest, "Basket is empty", nil)
	ErrChannelUnavailable = New(http.StatusServiceUnavailable, "Checkout temporarily unavailable", nil)
	ErrStorageUnavailable = New(http.StatusServiceUnavailable, "Storage unavailable", nil)
	ErrDuplicateKey       = New(http.StatusConflict, "Duplicate key", nil)
)

// Common error types
var (
	ErrBadRequest      = New(http.StatusBadRequest, "Bad request", nil)
	ErrInvalidInput    = New(http.StatusBadRequest, "Invalid input", nil)
	ErrUnauthorized    = New(http.StatusUnauthorized, "Unauthorized", nil)
	ErrNotFound        = New(http.StatusNotFound, "Not found", nil)
	ErrTooManyRequests = New(http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.", nil)
	ErrInternalServer  = New(http.StatusInternalServerError, "Internal server error", nil)
)

// From converts any error into an *Error, defaulting to a 500.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrInternalServer, err)
}

// Respond writes err as a JSON body and aborts the request.
func Respond(c *gin.Context, err error) {
	appErr := From(err)
	if appErr.Code == http.StatusServiceUnavailable {
		c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	c.AbortWithStatusJSON(appErr.Code, gin.H{"error": appErr.Message})
}

// ErrorMiddleware renders the last error attached to the gin context.
func ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			Respond(c, c.Errors.Last().Err)
		}
	}
}
