package api

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// challengeTTL is how long a solved anti-bot cookie set stays usable before a
// fresh priming request is made.
const challengeTTL = 600 * time.Second

// challengeCookies are the cookie names the www host hands out once the
// anti-bot gate lets a client through. Only these are forwarded on follow-up
// requests.
var challengeCookies = []string{"__cf_bm", "SSID_GuUe", "SSSC_GuUe", "SSRT_GuUe", "cr_exp"}

// ChallengeSolver primes the anti-bot gate on the www host and caches the
// resulting cookie header. A single instance is shared across the whole
// client; solving is serialized so concurrent callers do not stampede the
// gate.
type ChallengeSolver struct {
	newClient func() *http.Client
	userAgent string
	now       func() time.Time

	mu       sync.Mutex
	cookie   string
	solvedAt time.Time
}

// NewChallengeSolver returns a solver that issues priming requests with the
// given user agent. base supplies the transport; each solve gets a fresh
// cookie jar so stale cookies never leak into a new attempt.
func NewChallengeSolver(base http.RoundTripper, userAgent string) *ChallengeSolver {
	return &ChallengeSolver{
		newClient: func() *http.Client {
			jar, _ := cookiejar.New(nil)
			return &http.Client{Transport: base, Jar: jar, Timeout: 15 * time.Second}
		},
		userAgent: userAgent,
		now:       time.Now,
	}
}

// Cookie returns the cached cookie header, solving the challenge first when
// the cache is empty or older than the TTL. An empty string with nil error
// means the gate handed out no recognizable cookies; callers proceed without.
func (s *ChallengeSolver) Cookie(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cookie != "" && s.now().Sub(s.solvedAt) < challengeTTL {
		return s.cookie, nil
	}
	cookie, err := s.solve(ctx)
	if err != nil {
		return "", err
	}
	s.cookie = cookie
	s.solvedAt = s.now()
	return cookie, nil
}

// Store records cookies observed on a response from the www host, refreshing
// the cache without a dedicated priming round trip.
func (s *ChallengeSolver) Store(cookies []*http.Cookie) {
	header := buildCookieHeader(cookies)
	if header == "" {
		return
	}
	s.mu.Lock()
	s.cookie = header
	s.solvedAt = s.now()
	s.mu.Unlock()
}

// Invalidate drops the cached cookies so the next Cookie call re-solves.
func (s *ChallengeSolver) Invalidate() {
	s.mu.Lock()
	s.cookie = ""
	s.mu.Unlock()
}

// solve issues an unauthenticated browse request. The response body is
// irrelevant; the gate sets its cookies on the way through regardless of the
// 401 the API itself returns.
func (s *ChallengeSolver) solve(ctx context.Context) (string, error) {
	client := s.newClient()

	q := url.Values{}
	q.Set("locale", "en-US")
	q.Set("sort_by", "popularity")
	q.Set("n", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, BrowseEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Charset", "UTF-8")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	resp.Body.Close()

	u, _ := url.Parse("https://" + wwwHost + "/")
	header := buildCookieHeader(client.Jar.Cookies(u))
	if header == "" {
		log.Debug().Int("status", resp.StatusCode).Msg("challenge solve returned no gate cookies")
	}
	return header, nil
}

func buildCookieHeader(cookies []*http.Cookie) string {
	byName := make(map[string]string, len(cookies))
	for _, c := range cookies {
		byName[c.Name] = c.Value
	}
	var parts []string
	for _, name := range challengeCookies {
		if v, ok := byName[name]; ok && v != "" {
			parts = append(parts, name+"="+v)
		}
	}
	return strings.Join(parts, "; ")
}
