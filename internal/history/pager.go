// Package history pages through past attendance sessions. It is read-only
// and has no offline behavior: a failed fetch is returned to the caller.
package history

import (
	"context"
	"fmt"
	"sync"

	"fieldtrack/internal/attendance"
)

const (
	DefaultPageSize  = 20
	DefaultSortBy    = "checkInTime"
	DefaultSortOrder = "desc"
)

// Query selects one page of the attendance list.
type Query struct {
	Page       int
	Limit      int
	SortBy     string
	SortOrder  string
	EmployeeID string
}

// Pagination is the server's paging block.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// Fetcher lists attendance records. apiclient.Client implements it.
type Fetcher interface {
	ListAttendance(ctx context.Context, q Query) ([]attendance.Record, Pagination, error)
}

// Page is one fetched page.
type Page struct {
	Records    []attendance.Record `json:"records"`
	Page       int                 `json:"page"`
	TotalPages int                 `json:"totalPages"`
	HasMore    bool                `json:"hasMore"`
}

// Pager accumulates pages for a scrolling list.
type Pager struct {
	fetcher    Fetcher
	employeeID string

	mu      sync.Mutex
	query   Query
	records []attendance.Record
	page    int
	total   int
	hasMore bool
	loading bool
}

// NewPager returns an empty pager scoped to employeeID (all employees when
// empty).
func NewPager(f Fetcher, employeeID string) *Pager {
	return &Pager{
		fetcher:    f,
		employeeID: employeeID,
		query:      Query{Limit: DefaultPageSize, SortBy: DefaultSortBy, SortOrder: DefaultSortOrder},
	}
}

// Fetch loads one page and replaces the accumulated list with it. Zero
// values fall back to the defaults.
func (p *Pager) Fetch(ctx context.Context, page, pageSize int, sortBy, sortOrder string) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if sortBy == "" {
		sortBy = DefaultSortBy
	}
	if sortOrder == "" {
		sortOrder = DefaultSortOrder
	}
	q := Query{Page: page, Limit: pageSize, SortBy: sortBy, SortOrder: sortOrder, EmployeeID: p.employeeID}

	if !p.startLoading() {
		return p.Current(), nil
	}
	res, err := p.fetch(ctx, q)
	p.finish(q, res, err, false)
	return res, err
}

// LoadMore appends the next page. It is a no-op while a fetch is running or
// when there is nothing more to load.
func (p *Pager) LoadMore(ctx context.Context) error {
	p.mu.Lock()
	if p.loading || !p.hasMore {
		p.mu.Unlock()
		return nil
	}
	p.loading = true
	q := p.query
	q.Page = p.page + 1
	p.mu.Unlock()

	res, err := p.fetch(ctx, q)
	p.finish(q, res, err, true)
	return err
}

// Refresh re-fetches the first page with the current sort and replaces the
// list.
func (p *Pager) Refresh(ctx context.Context) error {
	p.mu.Lock()
	q := p.query
	p.mu.Unlock()
	_, err := p.Fetch(ctx, 1, q.Limit, q.SortBy, q.SortOrder)
	return err
}

// Records returns a copy of everything loaded so far.
func (p *Pager) Records() []attendance.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]attendance.Record(nil), p.records...)
}

// HasMore reports whether another page exists.
func (p *Pager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// Current returns the accumulated list as a Page.
func (p *Pager) Current() Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Page{
		Records:    append([]attendance.Record(nil), p.records...),
		Page:       p.page,
		TotalPages: p.total,
		HasMore:    p.hasMore,
	}
}

func (p *Pager) startLoading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loading {
		return false
	}
	p.loading = true
	return true
}

func (p *Pager) fetch(ctx context.Context, q Query) (Page, error) {
	records, pg, err := p.fetcher.ListAttendance(ctx, q)
	if err != nil {
		return Page{}, fmt.Errorf("fetch attendance page %d: %w", q.Page, err)
	}
	page := pg.Page
	if page == 0 {
		page = q.Page
	}
	return Page{
		Records:    records,
		Page:       page,
		TotalPages: pg.TotalPages,
		HasMore:    page < pg.TotalPages,
	}, nil
}

func (p *Pager) finish(q Query, res Page, err error, appendPage bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loading = false
	if err != nil {
		return
	}
	p.query = q
	if appendPage {
		p.records = append(p.records, res.Records...)
	} else {
		p.records = append([]attendance.Record(nil), res.Records...)
	}
	p.page = res.Page
	p.total = res.TotalPages
	p.hasMore = res.HasMore
}
