package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"evalgo.org/graphdeploy/models"
)

const (
	minIDLength = 3
	maxIDLength = 128
)

// ValidateContentType rejects request bodies that are not JSON.
// Bodiless POSTs (cancel, rollback to the previous snapshot) pass through.
func ValidateContentType(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		switch req.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			return next(c)
		}
		if req.ContentLength == 0 {
			return next(c)
		}

		if ct := req.Header.Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
			return BadRequestError("Invalid Content-Type", "Content-Type must be 'application/json'. Got: "+ct)
		}
		return next(c)
	}
}

// ValidateAcceptHeader rejects clients that cannot read JSON. A missing
// header counts as */*.
func ValidateAcceptHeader(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		accept := c.Request().Header.Get(echo.HeaderAccept)
		if accept == "" {
			return next(c)
		}

		for _, ok := range []string{echo.MIMEApplicationJSON, "application/*", "*/*"} {
			if strings.Contains(accept, ok) {
				return next(c)
			}
		}
		return BadRequestError("Invalid Accept header",
			"API only returns JSON. Accept header must include 'application/json' or '*/*'. Got: "+accept)
	}
}

// ValidateIDFormat checks the :id path parameter of deployment and job routes.
// Deployment ids are UUIDs and job ids reuse them, but any id made of
// letters, digits and "-_.:" is accepted so externally created jobs resolve.
func ValidateIDFormat(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if id == "" {
			return next(c)
		}
		if err := checkID(id); err != nil {
			return BadRequestError("Invalid ID format", err.Error())
		}
		return next(c)
	}
}

func checkID(id string) error {
	if len(id) < minIDLength {
		return fmt.Errorf("ID must be at least %d characters long", minIDLength)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("ID must not exceed %d characters", maxIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return fmt.Errorf("ID contains invalid character %q", r)
		}
	}
	return nil
}

// ValidateQueryParams checks the paging and status filters of list routes.
func ValidateQueryParams(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		for _, name := range []string{"limit", "offset"} {
			raw := c.QueryParam(name)
			if raw == "" {
				continue
			}
			if n, err := strconv.Atoi(raw); err != nil || n < 0 {
				return BadRequestError("Invalid "+name+" parameter", name+" must be a non-negative integer. Got: "+raw)
			}
		}

		if status := c.QueryParam("status"); status != "" && !models.DeploymentStatus(status).Valid() {
			return BadRequestError("Invalid status parameter",
				"Status must be one of: pending, in_progress, success, failed, rolling_back, rolled_back. Got: "+status)
		}
		return next(c)
	}
}

// SecurityHeaders adds the standard hardening headers to every response.
func SecurityHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Response().Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		return next(c)
	}
}
