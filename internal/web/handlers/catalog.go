package handlers

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/streamhaus/crunchyd/internal/catalog"
)

const defaultPageSize = 50

func pageSize(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			return n
		}
	}
	return defaultPageSize
}

func (h *Handlers) respondItems(w http.ResponseWriter, items []catalog.Item, err error) {
	if err != nil {
		status, msg := authStatus(err)
		respondError(w, status, msg)
		return
	}
	if items == nil {
		items = []catalog.Item{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

// CatalogBrowse lists catalog entries, passing sort and filter parameters
// straight through.
func (h *Handlers) CatalogBrowse(w http.ResponseWriter, r *http.Request) {
	q := url.Values{}
	for _, key := range []string{"sort_by", "seasonal_tag", "categories", "ratings"} {
		if v := r.URL.Query().Get(key); v != "" {
			q.Set(key, v)
		}
	}
	items, err := h.catalog.Browse(r.Context(), q, pageSize(r))
	h.respondItems(w, items, err)
}

// CatalogSearch runs a full text search over series, episodes and movies.
func (h *Handlers) CatalogSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	items, err := h.catalog.Search(r.Context(), query, pageSize(r))
	h.respondItems(w, items, err)
}

// CatalogWatchlist returns the profile's watchlist.
func (h *Handlers) CatalogWatchlist(w http.ResponseWriter, r *http.Request) {
	items, err := h.catalog.Watchlist(r.Context(), pageSize(r))
	h.respondItems(w, items, err)
}

// CatalogHistory returns the watch history.
func (h *Handlers) CatalogHistory(w http.ResponseWriter, r *http.Request) {
	items, err := h.catalog.History(r.Context(), pageSize(r))
	h.respondItems(w, items, err)
}

// CatalogResume returns episodes to continue watching.
func (h *Handlers) CatalogResume(w http.ResponseWriter, r *http.Request) {
	items, err := h.catalog.Resume(r.Context(), pageSize(r))
	h.respondItems(w, items, err)
}

// CatalogObjects resolves a comma separated list of content ids.
func (h *Handlers) CatalogObjects(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query().Get("ids")
	if ids == "" {
		respondError(w, http.StatusBadRequest, "ids is required")
		return
	}
	items, err := h.catalog.Objects(r.Context(), ids)
	h.respondItems(w, items, err)
}

// CatalogSeasonalTags lists the current simulcast seasons.
func (h *Handlers) CatalogSeasonalTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.catalog.SeasonalTags(r.Context())
	if err != nil {
		status, msg := authStatus(err)
		respondError(w, status, msg)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"seasonal_tags": tags})
}

// CatalogCategories lists the browse categories.
func (h *Handlers) CatalogCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.catalog.Categories(r.Context())
	if err != nil {
		status, msg := authStatus(err)
		respondError(w, status, msg)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"categories": cats})
}
