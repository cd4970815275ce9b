package api

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// parsePagination reads limit and offset from the query string. Values that
// do not parse fall back to the defaults; limit is capped at maxPageSize.
func parsePagination(c echo.Context) (limit, offset int) {
	limit = queryInt(c, "limit", defaultPageSize)
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	offset = max(queryInt(c, "offset", 0), 0)
	return limit, offset
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// Pagination describes one page of a listing.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

func newPagination(total, limit, offset int) Pagination {
	return Pagination{Total: total, Limit: limit, Offset: offset, HasMore: offset+limit < total}
}

// paginate returns the window of items selected by limit and offset.
func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	return items[offset:min(offset+limit, len(items))]
}
