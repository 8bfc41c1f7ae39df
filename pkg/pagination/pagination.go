package pagination

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and offset from the query string, clamping both.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Response wraps one page of results.
type Response[T any] struct {
	Data    []T    `json:"data"`
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"hasMore"`
	Links   []Link `json:"links,omitempty"`
}

// Link is a navigation link for a page.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// NewResponse wraps a page that was already cut by the data source.
func NewResponse[T any](data []T, total int, p Params) *Response[T] {
	if data == nil {
		data = []T{}
	}
	return &Response[T]{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
}

// Page cuts an in-memory result down to the requested window.
func Page[T any](all []T, p Params) *Response[T] {
	start := min(p.Offset, len(all))
	end := min(start+p.Limit, len(all))
	return NewResponse(all[start:end], len(all), p)
}

// WithLinks adds self, next and previous links built from the request URL.
// Other query parameters are preserved.
func (r *Response[T]) WithLinks(u *url.URL) *Response[T] {
	p := Params{Limit: r.Limit, Offset: r.Offset}
	r.Links = []Link{{Relation: "self", URL: p.link(u, p.Offset)}}
	if p.HasNext(r.Total) {
		r.Links = append(r.Links, Link{Relation: "next", URL: p.link(u, p.NextOffset())})
	}
	if p.HasPrevious() {
		r.Links = append(r.Links, Link{Relation: "previous", URL: p.link(u, p.PreviousOffset())})
	}
	return r
}

func (p Params) link(u *url.URL, offset int) string {
	q := u.Query()
	q.Set("limit", strconv.Itoa(p.Limit))
	q.Set("offset", strconv.Itoa(offset))
	return fmt.Sprintf("%s?%s", u.Path, q.Encode())
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}
