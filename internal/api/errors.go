package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"evalgo.org/graphdeploy/internal/errdefs"
)

// APIError represents a structured API error with HTTP status code.
type APIError struct {
	Code       int               `json:"code"`
	Message    string            `json:"message"`
	Details    string            `json:"details,omitempty"`
	FieldError map[string]string `json:"field_errors,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// NewAPIError creates a new API error.
func NewAPIError(code int, message string, details string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Common error constructors
func BadRequestError(message, details string) *APIError {
	return NewAPIError(http.StatusBadRequest, message, details)
}

func ValidationError(message string, fieldErrors map[string]string) *APIError {
	return &APIError{
		Code:       http.StatusBadRequest,
		Message:    message,
		FieldError: fieldErrors,
	}
}

func InternalError(message, details string) *APIError {
	return NewAPIError(http.StatusInternalServerError, message, details)
}

func ConflictError(message, details string) *APIError {
	return NewAPIError(http.StatusConflict, message, details)
}

func UnavailableError(message, details string) *APIError {
	return NewAPIError(http.StatusServiceUnavailable, message, details)
}

// FromError maps a domain error onto its HTTP representation. Classified
// errors win over the sentinels they wrap.
func FromError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch errdefs.KindOf(err) {
	case errdefs.KindValidation:
		return BadRequestError("Validation failed", err.Error())
	case errdefs.KindUnavailable:
		return UnavailableError("Service unavailable", err.Error())
	}

	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return NewAPIError(http.StatusNotFound, "Resource not found", err.Error())
	case errors.Is(err, errdefs.ErrAlreadyExists):
		return ConflictError("Resource already exists", err.Error())
	case errors.Is(err, errdefs.ErrInvalidArgument):
		return BadRequestError("Invalid argument", err.Error())
	}
	return InternalError("Internal server error", err.Error())
}

// NewHTTPErrorHandler renders every error as an APIError. Server errors are
// logged with the request id and their details are hidden unless echo runs
// in debug mode.
func NewHTTPErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *APIError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			apiErr = &APIError{Code: he.Code, Message: getHTTPMessage(he.Code), Details: fmt.Sprintf("%v", he.Message)}
		} else {
			apiErr = FromError(err)
		}

		if apiErr.Code >= http.StatusInternalServerError {
			logger.Error("Request failed",
				"method", c.Request().Method,
				"path", c.Path(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"status", apiErr.Code,
				"error", err,
			)
			if apiErr.Code == http.StatusInternalServerError && !c.Echo().Debug {
				apiErr.Details = "An internal error occurred. Please try again later."
			}
		}

		if err := c.JSON(apiErr.Code, apiErr); err != nil {
			logger.Warn("Failed to write error response", "error", err)
		}
	}
}

// getHTTPMessage returns a user-friendly message for HTTP status codes.
func getHTTPMessage(code int) string {
	messages := map[int]string{
		http.StatusBadRequest:          "Bad request",
		http.StatusUnauthorized:        "Unauthorized",
		http.StatusForbidden:           "Forbidden",
		http.StatusNotFound:            "Resource not found",
		http.StatusMethodNotAllowed:    "Method not allowed",
		http.StatusConflict:            "Conflict",
		http.StatusUnprocessableEntity: "Unprocessable entity",
		http.StatusTooManyRequests:     "Too many requests",
		http.StatusInternalServerError: "Internal server error",
		http.StatusBadGateway:          "Bad gateway",
		http.StatusServiceUnavailable:  "Service unavailable",
	}

	if msg, ok := messages[code]; ok {
		return msg
	}
	return http.StatusText(code)
}
