// Package pagination reads list paging from query strings and wraps list
// results in the API's success envelope.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Without an offset, a 1-based
// ?page= is turned into one. Out of range values are clamped.
func FromContext(c echo.Context) Params {
	p := Params{Limit: DefaultLimit}
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 {
		p.Limit = min(n, MaxLimit)
	}

	if n, err := strconv.Atoi(c.QueryParam("offset")); err == nil {
		p.Offset = max(n, 0)
	} else if page, err := strconv.Atoi(c.QueryParam("page")); err == nil && page > 1 {
		p.Offset = (page - 1) * p.Limit
	}
	return p
}

// HasNext reports whether rows remain after this page.
func (p Params) HasNext(total int) bool { return p.NextOffset() < total }

func (p Params) NextOffset() int { return p.Offset + p.Limit }

// Response is one page of a list endpoint.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Next    *int        `json:"next_offset,omitempty"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	p := Params{Limit: limit, Offset: offset}
	resp := &Response{Success: true, Data: data, Total: total, Limit: limit, Offset: offset}
	if p.HasNext(total) {
		next := p.NextOffset()
		resp.HasMore, resp.Next = true, &next
	}
	return resp
}
