package response

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the envelope used by the admin and flag endpoints.
// Auth endpoints answer with flat bodies the mobile clients already parse.
type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// AppError carries the HTTP status and public message for a failure.
// Cause is kept for logs only and never serialized.
type AppError struct {
	HTTPStatus int
	Code       int
	Message    string
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

func newAppError(status int, msg string) *AppError {
	return &AppError{HTTPStatus: status, Code: status, Message: msg}
}

func NewBadRequest(msg string) *AppError { return newAppError(http.StatusBadRequest, msg) }

func NewUnauthorized(msg string) *AppError { return newAppError(http.StatusUnauthorized, msg) }

func NewForbidden(msg string) *AppError { return newAppError(http.StatusForbidden, msg) }

func NewNotFound(msg string) *AppError { return newAppError(http.StatusNotFound, msg) }

func NewConflict(msg string) *AppError { return newAppError(http.StatusConflict, msg) }

func NewTooManyRequests(msg string) *AppError {
	return newAppError(http.StatusTooManyRequests, msg)
}

func NewServerError(msg string) *AppError { return newAppError(http.StatusInternalServerError, msg) }

// Wrap attaches an underlying cause to an AppError.
func (e *AppError) Wrap(cause error) *AppError {
	cp := *e
	cp.Cause = cause
	return &cp
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// Success sends a 200 OK response with data.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: 0, Message: "ok", Data: data, Timestamp: now()})
}

// Created sends a 201 Created response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Code: 0, Message: "created", Data: data, Timestamp: now()})
}

// Error sends an error response. If err is an *AppError its status and
// message are used; anything else becomes an opaque 500.
func Error(c *gin.Context, err error) {
	_ = c.Error(err)

	var appErr *AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, Response{Code: appErr.Code, Message: appErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, Response{Code: 500, Message: "internal server error"})
}

// Abort is Error for middleware: it also stops the handler chain.
func Abort(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}

func BadRequest(c *gin.Context, msg string) { Error(c, NewBadRequest(msg)) }

func Unauthorized(c *gin.Context, msg string) { Error(c, NewUnauthorized(msg)) }

func Forbidden(c *gin.Context, msg string) { Error(c, NewForbidden(msg)) }

func NotFound(c *gin.Context, msg string) { Error(c, NewNotFound(msg)) }

func ServerError(c *gin.Context, msg string) { Error(c, NewServerError(msg)) }
