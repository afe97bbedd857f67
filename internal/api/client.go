package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// Client is the low-level HTTP layer shared by the session, playback and
// catalog packages. It owns header defaults, anti-bot cookie injection and
// the mapping of error bodies onto typed errors. It holds no tokens; callers
// supply authorization per request.
type Client struct {
	http   *http.Client
	solver *ChallengeSolver
}

// NewClient wraps httpClient. solver may be nil when the caller never touches
// the www host.
func NewClient(httpClient *http.Client, solver *ChallengeSolver) *Client {
	return &Client{http: httpClient, solver: solver}
}

// Solver exposes the shared challenge solver, for callers that need to
// invalidate or pre-warm it.
func (c *Client) Solver() *ChallengeSolver { return c.solver }

// Request describes one API call. Exactly one of Form and JSON may be set.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header

	Form url.Values
	JSON any

	// Bearer and BasicAuth fill the Authorization header; Bearer wins when
	// both are set.
	Bearer    string
	BasicAuth string

	UserAgent string
}

// Do executes req and decodes a 2xx JSON body into out when out is non-nil.
// Non-2xx responses become *APIError or *AuthError, network failures become
// *TransportError.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if c.solver != nil && httpReq.URL.Host == wwwHost {
		c.solver.Store(resp.Cookies())
	}
	return decodeResponse(resp, out)
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	u := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + req.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.JSON != nil:
		buf, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(buf)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Accept-Charset", "UTF-8")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Set(k, v)
		}
	}
	switch {
	case req.Bearer != "":
		httpReq.Header.Set("Authorization", req.Bearer)
	case req.BasicAuth != "":
		httpReq.Header.Set("Authorization", "Basic "+req.BasicAuth)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}

	// Requests to the www host carry the cached gate cookies when present.
	// A missing cookie is not fatal; the gate frequently waves plain API
	// traffic through.
	if c.solver != nil && httpReq.URL.Host == wwwHost && httpReq.Header.Get("Cookie") == "" {
		cookie, err := c.solver.Cookie(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("challenge solve failed, proceeding without cookies")
		} else if cookie != "" {
			httpReq.Header.Set("Cookie", cookie)
		}
	}

	return httpReq, nil
}

// decodeResponse maps a response onto out or onto a typed error. Error bodies
// are parsed best effort; an unparseable body still yields an APIError with
// the status attached.
func decodeResponse(resp *http.Response, out any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &TransportError{Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	}

	var eb errorBody
	_ = json.Unmarshal(raw, &eb)

	if eb.Error == "invalid_grant" {
		return &AuthError{Kind: InvalidCredentials, Status: resp.StatusCode, Msg: "invalid_grant"}
	}

	apiErr := &APIError{Status: resp.StatusCode, Code: eb.Code, Message: eb.Message}
	if apiErr.Code == "" && apiErr.Message == "" {
		if eb.Error != "" {
			apiErr.Code = eb.Error
		} else if len(raw) > 0 && len(raw) <= 256 {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
	}
	return apiErr
}
