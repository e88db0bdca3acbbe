package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dgellow/salla-proxy/internal/config"
	jsonwriter "github.com/dgellow/salla-proxy/internal/json"
	"github.com/dgellow/salla-proxy/internal/log"
	"github.com/dgellow/salla-proxy/internal/paginate"
	"github.com/dgellow/salla-proxy/internal/refresh"
	"github.com/dgellow/salla-proxy/internal/servicecontext"
	"github.com/dgellow/salla-proxy/internal/upstream"
)

// StoreHandlers serves the fixed store endpoints used by the app's
// connection check and product listing.
type StoreHandlers struct {
	cfg         config.Config
	client      *upstream.Client
	store       SessionStore
	coordinator *refresh.Coordinator
	aggregator  *paginate.Aggregator
}

// NewStoreHandlers creates the store handlers
func NewStoreHandlers(
	cfg config.Config,
	client *upstream.Client,
	store SessionStore,
	coordinator *refresh.Coordinator,
	aggregator *paginate.Aggregator,
) *StoreHandlers {
	return &StoreHandlers{
		cfg:         cfg,
		client:      client,
		store:       store,
		coordinator: coordinator,
		aggregator:  aggregator,
	}
}

// upstreamReply wraps an upstream status and body
type upstreamReply struct {
	Status  int             `json:"status"`
	Body    json.RawMessage `json:"body"`
	DebugID string          `json:"debug_id"`
}

// productsReply is the aggregated product listing
type productsReply struct {
	paginate.Aggregate
	DebugID   string `json:"debug_id"`
	FirstItem any    `json:"first_item"`
}

// ProductsHandler returns every product page merged into one listing
func (h *StoreHandlers) ProductsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	debugID := servicecontext.DebugID(ctx)

	sess, ok := requireSession(h.cfg, h.store, w, r)
	if !ok {
		return
	}

	var last *paginate.Result
	exec := func(ctx context.Context, accessToken string) (*upstream.Response, error) {
		result, err := h.aggregator.Run(ctx, h.client.ProductsURL(1, 0), func(ctx context.Context, pageURL string) (*upstream.Response, error) {
			return h.client.Do(ctx, upstream.Request{
				URL:       pageURL,
				Method:    http.MethodGet,
				Token:     accessToken,
				Operation: upstream.OpPage,
			})
		})
		if err != nil {
			return nil, err
		}
		last = result
		return result.Response()
	}

	resp, err := h.coordinator.Do(ctx, w, sess, exec)
	if err != nil {
		writeUpstreamError(w, err, debugID)
		return
	}

	if resp.Failed() || last == nil || last.Single != nil {
		_ = jsonwriter.WriteResponse(w, resp.Status, upstreamReply{
			Status:  resp.Status,
			Body:    resp.Body,
			DebugID: debugID,
		})
		return
	}

	reply := productsReply{
		Aggregate: last.Aggregate(),
		DebugID:   debugID,
	}
	if len(last.Items) > 0 {
		reply.FirstItem = last.Items[0]
	}

	log.LogInfoWithFields("store", "Products listed", map[string]any{
		"debug_id": debugID,
		"count":    reply.Count,
		"pages":    last.PagesFetched,
		"has_more": last.HasMore,
	})
	_ = jsonwriter.Write(w, reply)
}

// TestTokenHandler checks the session against the store info endpoint
func (h *StoreHandlers) TestTokenHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	debugID := servicecontext.DebugID(ctx)

	sess, ok := requireSession(h.cfg, h.store, w, r)
	if !ok {
		return
	}

	exec := func(ctx context.Context, accessToken string) (*upstream.Response, error) {
		return h.client.Do(ctx, upstream.Request{
			URL:       h.client.StoreInfoURL(),
			Method:    http.MethodGet,
			Token:     accessToken,
			Operation: upstream.OpStoreInfo,
		})
	}

	resp, err := h.coordinator.Do(ctx, w, sess, exec)
	if err != nil {
		writeUpstreamError(w, err, debugID)
		return
	}

	_ = jsonwriter.WriteResponse(w, resp.Status, upstreamReply{
		Status:  resp.Status,
		Body:    resp.Body,
		DebugID: debugID,
	})
}
