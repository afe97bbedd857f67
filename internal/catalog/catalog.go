// Package catalog is a thin client for the discovery endpoints: browse,
// search, watchlist, history and resume listings. Everything here is plain
// request/response on top of the session's authorized transport.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/streamhaus/crunchyd/internal/api"
)

type requester interface {
	AuthorizedRequest(ctx context.Context, req api.Request, out any) error
	AccountID() string
}

// Client issues catalog queries for one account session.
type Client struct {
	session requester
	locale  string
}

// New builds a catalog client using the session's locale for all queries.
func New(session requester, locale string) *Client {
	if locale == "" {
		locale = "en-US"
	}
	return &Client{session: session, locale: locale}
}

// Item is one catalog entry. Metadata beyond the common fields is kept raw;
// panels differ per type and the frontend renders them as is.
type Item struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Panel       json.RawMessage `json:"-"`
}

// listing is the common response envelope of the content/v2 endpoints.
type listing struct {
	Total int               `json:"total"`
	Data  []json.RawMessage `json:"data"`
}

func (c *Client) items(ctx context.Context, u string, q url.Values) ([]Item, error) {
	if q == nil {
		q = url.Values{}
	}
	q.Set("locale", c.locale)

	var resp listing
	if err := c.session.AuthorizedRequest(ctx, api.Request{URL: u, Query: q}, &resp); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(resp.Data))
	for _, raw := range resp.Data {
		var it Item
		if err := json.Unmarshal(raw, &it); err != nil {
			continue
		}
		it.Panel = raw
		items = append(items, it)
	}
	return items, nil
}

// Browse lists catalog entries sorted and filtered per the query values
// (sort_by, categories, seasonal_tag and friends).
func (c *Client) Browse(ctx context.Context, q url.Values, limit int) ([]Item, error) {
	if q == nil {
		q = url.Values{}
	}
	if limit > 0 {
		q.Set("n", strconv.Itoa(limit))
	}
	return c.items(ctx, api.BrowseEndpoint, q)
}

// Search runs a free-text search across the given result types.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("type", "series,episode,movie_listing")
	if limit > 0 {
		q.Set("n", strconv.Itoa(limit))
	}
	return c.items(ctx, api.SearchEndpoint, q)
}

// Watchlist lists the account's watchlist entries.
func (c *Client) Watchlist(ctx context.Context, limit int) ([]Item, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("n", strconv.Itoa(limit))
	}
	return c.items(ctx, fmt.Sprintf(api.WatchlistEndpoint, c.session.AccountID()), q)
}

// History lists recently watched episodes.
func (c *Client) History(ctx context.Context, limit int) ([]Item, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("page_size", strconv.Itoa(limit))
	}
	return c.items(ctx, fmt.Sprintf(api.HistoryEndpoint, c.session.AccountID()), q)
}

// Resume lists partially watched episodes, most recent first.
func (c *Client) Resume(ctx context.Context, limit int) ([]Item, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("n", strconv.Itoa(limit))
	}
	return c.items(ctx, fmt.Sprintf(api.ResumeEndpoint, c.session.AccountID()), q)
}

// SeasonalTag names one simulcast season usable as a browse filter.
type SeasonalTag struct {
	ID    string `json:"id"`
	Title string `json:"localization,omitempty"`
}

// SeasonalTags lists the simulcast seasons.
func (c *Client) SeasonalTags(ctx context.Context) ([]SeasonalTag, error) {
	var resp struct {
		Data []struct {
			ID           string `json:"id"`
			Localization struct {
				Title string `json:"title"`
			} `json:"localization"`
		} `json:"data"`
	}
	q := url.Values{}
	q.Set("locale", c.locale)
	err := c.session.AuthorizedRequest(ctx, api.Request{URL: api.SeasonalTagsEndpoint, Query: q}, &resp)
	if err != nil {
		return nil, err
	}
	tags := make([]SeasonalTag, 0, len(resp.Data))
	for _, d := range resp.Data {
		tags = append(tags, SeasonalTag{ID: d.ID, Title: d.Localization.Title})
	}
	return tags, nil
}

// Category is one tenant category usable as a browse filter.
type Category struct {
	ID    string `json:"tenant_category"`
	Title string `json:"title"`
}

// Categories lists the tenant categories (genres).
func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	var resp struct {
		Items []struct {
			Tenant       string `json:"tenant_category"`
			Localization struct {
				Title string `json:"title"`
			} `json:"localization"`
		} `json:"items"`
	}
	q := url.Values{}
	q.Set("locale", c.locale)
	q.Set("include_subcategories", "false")
	err := c.session.AuthorizedRequest(ctx, api.Request{URL: api.CategoriesEndpoint, Query: q}, &resp)
	if err != nil {
		return nil, err
	}
	cats := make([]Category, 0, len(resp.Items))
	for _, it := range resp.Items {
		cats = append(cats, Category{ID: it.Tenant, Title: it.Localization.Title})
	}
	return cats, nil
}

// Objects fetches CMS metadata for a comma-separated list of content ids.
func (c *Client) Objects(ctx context.Context, ids string) ([]Item, error) {
	q := url.Values{}
	return c.items(ctx, fmt.Sprintf(api.ObjectsEndpoint, ids), q)
}
