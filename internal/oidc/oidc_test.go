package oidc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/rs/zerolog"
)

func newTokenServer(t *testing.T, status int, body string, seen *url.Values) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if seen != nil {
			*seen = r.PostForm
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthorizeURL(t *testing.T) {
	p := New(zerolog.Nop(), Config{
		AuthURL:     "https://idp.example/realms/hive/protocol/openid-connect/auth",
		TokenURL:    "https://idp.example/realms/hive/protocol/openid-connect/token",
		ClientID:    "public_client",
		RedirectURL: "https://dash.example/auth/callback",
	}, nil)

	raw := p.AuthorizeURL("state-1")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	checks := map[string]string{
		"client_id":     "public_client",
		"response_type": "code",
		"redirect_uri":  "https://dash.example/auth/callback",
		"scope":         "openid",
		"state":         "state-1",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Fatalf("expected %s=%q, got %q (url=%s)", k, want, got, raw)
		}
	}
}

func TestExchange_OK(t *testing.T) {
	var form url.Values
	srv := newTokenServer(t, http.StatusOK, `{"access_token":"abc","token_type":"Bearer","expires_in":300}`, &form)
	p := New(zerolog.Nop(), Config{TokenURL: srv.URL, ClientID: "public_client", RedirectURL: "https://dash.example/auth/callback"}, srv.Client())

	tok, err := p.Exchange(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "abc" {
		t.Fatalf("expected token abc, got %q", tok)
	}
	if form.Get("grant_type") != "authorization_code" || form.Get("code") != "code-1" || form.Get("client_id") != "public_client" {
		t.Fatalf("unexpected token request form: %v", form)
	}
}

func TestExchange_ProviderRejects(t *testing.T) {
	srv := newTokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant"}`, nil)
	p := New(zerolog.Nop(), Config{TokenURL: srv.URL, ClientID: "public_client"}, srv.Client())

	_, err := p.Exchange(context.Background(), "used-code")
	if !errors.Is(err, ErrExchange) {
		t.Fatalf("expected ErrExchange, got %v", err)
	}
}

func TestExchange_EmptyCode(t *testing.T) {
	p := New(zerolog.Nop(), Config{TokenURL: "http://127.0.0.1:1", ClientID: "c"}, nil)
	if _, err := p.Exchange(context.Background(), " "); !errors.Is(err, ErrExchange) {
		t.Fatalf("expected ErrExchange, got %v", err)
	}
}

func TestNewState_Unique(t *testing.T) {
	if NewState() == NewState() {
		t.Fatalf("expected distinct states")
	}
}
