package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGitHub struct {
	user   map[string]any
	emails []map[string]any
}

func (f fakeGitHub) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad_verification_code"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "gho_x", "token_type": "bearer"})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gho_x" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(f.user)
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(f.emails)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *httptest.Server) *GitHubClient {
	t.Helper()
	c, err := NewGitHub(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/auth/github/callback",
		AuthURL:      srv.URL + "/login/oauth/authorize",
		TokenURL:     srv.URL + "/login/oauth/access_token",
		APIBaseURL:   srv.URL,
	})
	require.NoError(t, err)
	return c
}

func TestNewGitHub_Disabled(t *testing.T) {
	_, err := NewGitHub(Config{ClientID: "id"})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestLoginURL(t *testing.T) {
	srv := fakeGitHub{}.server(t)
	c := newClient(t, srv)

	u, err := url.Parse(c.LoginURL("st4te"))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "st4te", q.Get("state"))
	assert.Equal(t, "id", q.Get("client_id"))
	assert.Equal(t, "http://localhost/auth/github/callback", q.Get("redirect_uri"))
}

func TestVerify_PublicEmail(t *testing.T) {
	srv := fakeGitHub{user: map[string]any{
		"id": 42, "login": "octo", "name": "Octo Cat", "email": "octo@x.com", "avatar_url": "https://a/1.png",
	}}.server(t)

	id, err := newClient(t, srv).Verify(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, ExternalIdentity{ID: "42", Email: "octo@x.com", DisplayName: "Octo Cat", AvatarURL: "https://a/1.png"}, id)
}

func TestVerify_PrivateEmailFallsBackToEmailsEndpoint(t *testing.T) {
	srv := fakeGitHub{
		user: map[string]any{"id": 7, "login": "octo"},
		emails: []map[string]any{
			{"email": "old@x.com", "primary": false, "verified": true},
			{"email": "main@x.com", "primary": true, "verified": true},
		},
	}.server(t)

	id, err := newClient(t, srv).Verify(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "main@x.com", id.Email)
	assert.Equal(t, "octo", id.DisplayName)
}

func TestVerify_NoVerifiedEmail(t *testing.T) {
	srv := fakeGitHub{
		user:   map[string]any{"id": 7, "login": "octo"},
		emails: []map[string]any{{"email": "x@x.com", "primary": true, "verified": false}},
	}.server(t)

	_, err := newClient(t, srv).Verify(context.Background(), "good-code")
	assert.ErrorIs(t, err, ErrNoEmail)
}

func TestVerify_BadCode(t *testing.T) {
	srv := fakeGitHub{}.server(t)

	_, err := newClient(t, srv).Verify(context.Background(), "bad-code")
	assert.Error(t, err)

	_, err = newClient(t, srv).Verify(context.Background(), " ")
	assert.Error(t, err)
}
