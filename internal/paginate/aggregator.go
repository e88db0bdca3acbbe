package paginate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dgellow/salla-proxy/internal/log"
	"github.com/dgellow/salla-proxy/internal/metrics"
	"github.com/dgellow/salla-proxy/internal/retry"
	"github.com/dgellow/salla-proxy/internal/servicecontext"
	"github.com/dgellow/salla-proxy/internal/upstream"
)

// DefaultMaxPages caps the pages fetched for one aggregated listing
const DefaultMaxPages = 50

// Fetch loads one page
type Fetch func(ctx context.Context, url string) (*upstream.Response, error)

// Aggregator walks a paginated listing and concatenates its items
type Aggregator struct {
	MaxPages int
	// Retry wraps every page fetch when set
	Retry   *retry.Policy
	Metrics *metrics.Metrics
}

// NewAggregator creates an aggregator stopping after maxPages pages
func NewAggregator(maxPages int, policy *retry.Policy, m *metrics.Metrics) *Aggregator {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Aggregator{MaxPages: maxPages, Retry: policy, Metrics: m}
}

// Result is the outcome of one aggregation
type Result struct {
	Items        []any
	PagesFetched int
	LimitedTo    int
	// HasMore is set when the page cap stopped a cursor that still pointed on
	HasMore bool
	// Last is the pagination metadata of the last page fetched
	Last map[string]any
	// Failure is the first page response with status >= 400. Items are
	// discarded when it is set.
	Failure *upstream.Response
	// Single is a first page that is neither a list nor points to a next
	// page, such as a single resource or a Non-JSON body. It is returned
	// unchanged.
	Single *upstream.Response
}

// Summary is the pagination block of an aggregated listing
type Summary struct {
	PagesFetched int            `json:"pages_fetched"`
	LimitedTo    int            `json:"limited_to"`
	HasMore      bool           `json:"has_more"`
	Last         map[string]any `json:"last"`
}

// Aggregate is the JSON body of a successful aggregation
type Aggregate struct {
	Success    bool    `json:"success"`
	Count      int     `json:"count"`
	Data       []any   `json:"data"`
	Pagination Summary `json:"pagination"`
}

// Aggregate returns the combined listing
func (r *Result) Aggregate() Aggregate {
	return Aggregate{
		Success: true,
		Count:   len(r.Items),
		Data:    r.Items,
		Pagination: Summary{
			PagesFetched: r.PagesFetched,
			LimitedTo:    r.LimitedTo,
			HasMore:      r.HasMore,
			Last:         r.Last,
		},
	}
}

// Response returns the failing or single page, or the aggregate as a 200
// response
func (r *Result) Response() (*upstream.Response, error) {
	if r.Failure != nil {
		return r.Failure, nil
	}
	if r.Single != nil {
		return r.Single, nil
	}
	body, err := json.Marshal(r.Aggregate())
	if err != nil {
		return nil, fmt.Errorf("encoding aggregate: %w", err)
	}
	return &upstream.Response{Status: http.StatusOK, Body: body}, nil
}

// Run fetches pages starting at firstURL until no cursor remains or the cap
// is reached. Transport errors abort the run.
func (a *Aggregator) Run(ctx context.Context, firstURL string, fetch Fetch) (*Result, error) {
	result := &Result{Items: []any{}, LimitedTo: a.MaxPages}
	url := firstURL
	page := pageParam(firstURL, 1)

	for url != "" {
		if result.PagesFetched >= a.MaxPages {
			result.HasMore = true
			break
		}

		resp, err := a.fetchPage(ctx, url, fetch)
		if err != nil {
			return nil, fmt.Errorf("fetching page %d: %w", result.PagesFetched+1, err)
		}
		result.PagesFetched++

		log.LogDebugWithFields("paginate", "Fetched page", map[string]any{
			"debug_id": servicecontext.DebugID(ctx),
			"page":     page,
			"fetched":  result.PagesFetched,
			"status":   resp.Status,
		})

		if resp.Failed() {
			return &Result{
				Items:        nil,
				PagesFetched: result.PagesFetched,
				LimitedTo:    a.MaxPages,
				Failure:      resp,
			}, nil
		}

		payload := resp.Object()
		items := Items(payload)
		next := NextPage(url, page, payload)
		if result.PagesFetched == 1 && items == nil && next == "" {
			a.Metrics.PagesFetched(result.PagesFetched)
			return &Result{
				PagesFetched: result.PagesFetched,
				LimitedTo:    a.MaxPages,
				Single:       resp,
			}, nil
		}

		result.Items = append(result.Items, items...)
		result.Last = Meta(payload)

		if next == "" {
			break
		}
		page = pageParam(next, page+1)
		url = next
	}

	a.Metrics.PagesFetched(result.PagesFetched)
	return result, nil
}

func (a *Aggregator) fetchPage(ctx context.Context, url string, fetch Fetch) (*upstream.Response, error) {
	call := func(ctx context.Context) (*upstream.Response, error) {
		return fetch(ctx, url)
	}
	if a.Retry == nil {
		return call(ctx)
	}
	return a.Retry.Do(ctx, upstream.OpPage, call)
}
