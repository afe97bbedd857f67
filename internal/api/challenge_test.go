package api

import (
	"net/http"
	"testing"
	"time"
)

func TestBuildCookieHeader(t *testing.T) {
	tests := []struct {
		name    string
		cookies []*http.Cookie
		want    string
	}{
		{
			name: "full set keeps gate order",
			cookies: []*http.Cookie{
				{Name: "cr_exp", Value: "3"},
				{Name: "__cf_bm", Value: "1"},
				{Name: "SSID_GuUe", Value: "2"},
			},
			want: "__cf_bm=1; SSID_GuUe=2; cr_exp=3",
		},
		{
			name: "unknown cookies dropped",
			cookies: []*http.Cookie{
				{Name: "__cf_bm", Value: "1"},
				{Name: "session_id", Value: "nope"},
			},
			want: "__cf_bm=1",
		},
		{
			name:    "nothing usable",
			cookies: []*http.Cookie{{Name: "other", Value: "x"}},
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildCookieHeader(tt.cookies); got != tt.want {
				t.Errorf("buildCookieHeader = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChallengeSolverTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	s := &ChallengeSolver{now: func() time.Time { return now }}

	s.Store([]*http.Cookie{{Name: "__cf_bm", Value: "fresh"}})

	s.mu.Lock()
	cookie, solvedAt := s.cookie, s.solvedAt
	s.mu.Unlock()
	if cookie != "__cf_bm=fresh" {
		t.Fatalf("cookie = %q", cookie)
	}
	if !solvedAt.Equal(now) {
		t.Errorf("solvedAt = %v", solvedAt)
	}

	// Inside the TTL the cache is considered fresh.
	now = now.Add(challengeTTL - time.Second)
	s.mu.Lock()
	fresh := s.cookie != "" && s.now().Sub(s.solvedAt) < challengeTTL
	s.mu.Unlock()
	if !fresh {
		t.Error("cache should still be fresh inside TTL")
	}

	// Past the TTL it must re-solve.
	now = now.Add(2 * time.Second)
	s.mu.Lock()
	fresh = s.cookie != "" && s.now().Sub(s.solvedAt) < challengeTTL
	s.mu.Unlock()
	if fresh {
		t.Error("cache should be stale past TTL")
	}
}

func TestChallengeSolverStoreIgnoresEmpty(t *testing.T) {
	s := &ChallengeSolver{now: time.Now}
	s.Store([]*http.Cookie{{Name: "__cf_bm", Value: "keep"}})
	s.Store([]*http.Cookie{{Name: "irrelevant", Value: "x"}})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cookie != "__cf_bm=keep" {
		t.Errorf("cookie = %q, want existing value kept", s.cookie)
	}
}
