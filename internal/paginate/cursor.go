package paginate

import (
	"math"
	"net/url"
	"strconv"

	"github.com/dgellow/salla-proxy/internal/urlutil"
)

// Lookup tables, first match wins
var (
	metaPaths        = [][]string{{"pagination"}, {"meta", "pagination"}, {"meta"}}
	nextLinkPaths    = [][]string{{"links", "next"}, {"next_page_url"}, {"next"}}
	currentPageKeys  = []string{"currentPage", "current_page", "page"}
	totalPagesKeys   = []string{"total_pages", "totalPages", "last_page", "lastPage", "pages"}
	rootNextLinkPath = []string{"links", "next"}
)

// Meta returns the pagination metadata object of a page payload
func Meta(payload map[string]any) map[string]any {
	for _, p := range metaPaths {
		if m, ok := lookup(payload, p...).(map[string]any); ok {
			return m
		}
	}
	return nil
}

// Items returns the item array of a page payload: data, data.data or items
func Items(payload map[string]any) []any {
	if items, ok := payload["data"].([]any); ok {
		return items
	}
	if items, ok := lookup(payload, "data", "data").([]any); ok {
		return items
	}
	if items, ok := payload["items"].([]any); ok {
		return items
	}
	return nil
}

// NextLink returns the explicit next page link, or ""
func NextLink(payload map[string]any) string {
	if meta := Meta(payload); meta != nil {
		for _, p := range nextLinkPaths {
			if s, ok := lookup(meta, p...).(string); ok && s != "" {
				return s
			}
		}
	}
	if s, ok := lookup(payload, rootNextLinkPath...).(string); ok && s != "" {
		return s
	}
	return ""
}

// CurrentPage returns the page number the payload reports, or requested
// when it reports none.
func CurrentPage(meta map[string]any, requested int) int {
	for _, key := range currentPageKeys {
		if n, ok := positiveNumber(meta[key]); ok {
			return int(n)
		}
	}
	return requested
}

// TotalPages returns the first positive finite page count, or 0
func TotalPages(meta map[string]any) int {
	for _, key := range totalPagesKeys {
		if n, ok := positiveNumber(meta[key]); ok {
			return int(n)
		}
	}
	return 0
}

// NextPage computes the URL of the page after currentURL from its
// payload. A next link is preferred, then a current/total page
// comparison. It returns "" when no further page exists.
func NextPage(currentURL string, page int, payload map[string]any) string {
	if link := NextLink(payload); link != "" {
		next, err := urlutil.Resolve(currentURL, link)
		if err != nil || next == currentURL {
			return ""
		}
		return next
	}

	meta := Meta(payload)
	if meta == nil {
		return ""
	}
	current := CurrentPage(meta, page)
	total := TotalPages(meta)
	if total == 0 || current >= total {
		return ""
	}
	if pageParam(currentURL, 0) == current+1 {
		return ""
	}
	next, err := urlutil.SetQuery(currentURL, "page", strconv.Itoa(current+1))
	if err != nil || next == currentURL {
		return ""
	}
	return next
}

// pageParam reads the page query parameter of raw, or fallback
func pageParam(raw string, fallback int) int {
	u, err := url.Parse(raw)
	if err != nil {
		return fallback
	}
	if n, ok := positiveNumber(u.Query().Get("page")); ok {
		return int(n)
	}
	return fallback
}

func lookup(obj map[string]any, path ...string) any {
	var cur any = obj
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

// positiveNumber accepts JSON numbers and numeric strings
func positiveNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0, false
	}
	return f, true
}
