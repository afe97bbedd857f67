package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestDoDecodesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q, want application/json", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"abc","expires_in":300}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil)
	var tok TokenResponse
	err := c.Do(context.Background(), Request{URL: srv.URL, Bearer: "Bearer tok"}, &tok)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if tok.AccessToken != "abc" || tok.ExpiresIn != 300 {
		t.Errorf("decoded %+v", tok)
	}
}

func TestDoSendsForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		r.ParseForm()
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Basic YWJjOmRlZg==" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	c := NewClient(srv.Client(), nil)
	err := c.Do(context.Background(), Request{
		Method:    http.MethodPost,
		URL:       srv.URL,
		Form:      form,
		BasicAuth: "YWJjOmRlZg==",
	}, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestDoErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "invalid grant",
			status: 400,
			body:   `{"error":"invalid_grant"}`,
			check: func(t *testing.T, err error) {
				var ae *AuthError
				if !errors.As(err, &ae) {
					t.Fatalf("want AuthError, got %T: %v", err, err)
				}
				if ae.Kind != InvalidCredentials {
					t.Errorf("kind = %v", ae.Kind)
				}
				if HTTPStatus(err) != 400 {
					t.Errorf("status = %d", HTTPStatus(err))
				}
			},
		},
		{
			name:   "structured api error",
			status: 404,
			body:   `{"code":"not_found","message":"no such episode"}`,
			check: func(t *testing.T, err error) {
				var ae *APIError
				if !errors.As(err, &ae) {
					t.Fatalf("want APIError, got %T: %v", err, err)
				}
				if ae.Code != "not_found" || ae.Message != "no such episode" || ae.Status != 404 {
					t.Errorf("got %+v", ae)
				}
			},
		},
		{
			name:   "too many active streams",
			status: 420,
			body:   `{"error":"TOO_MANY_ACTIVE_STREAMS"}`,
			check: func(t *testing.T, err error) {
				if !IsTooManyActiveStreams(err) {
					t.Errorf("IsTooManyActiveStreams = false for %v", err)
				}
			},
		},
		{
			name:   "bare status",
			status: 500,
			body:   ``,
			check: func(t *testing.T, err error) {
				if HTTPStatus(err) != 500 {
					t.Errorf("status = %d", HTTPStatus(err))
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.Client(), nil)
			err := c.Do(context.Background(), Request{URL: srv.URL}, nil)
			if err == nil {
				t.Fatal("want error, got nil")
			}
			tt.check(t, err)
		})
	}
}

func TestDoQueryAppend(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	q := url.Values{}
	q.Set("locale", "en-US")
	c := NewClient(srv.Client(), nil)
	if err := c.Do(context.Background(), Request{URL: srv.URL + "?n=1", Query: q}, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotQuery.Get("n") != "1" || gotQuery.Get("locale") != "en-US" {
		t.Errorf("query = %v", gotQuery)
	}
}
