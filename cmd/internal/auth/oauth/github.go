// Package oauth verifies GitHub logins with the authorization-code flow.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// ErrDisabled is returned when no client credentials are configured.
var ErrDisabled = errors.New("oauth: github login is not configured")

// ErrNoEmail is returned when GitHub exposes no verified email for the account.
var ErrNoEmail = errors.New("oauth: github account has no verified email")

// Config holds GitHub app credentials. The URL overrides exist for tests.
type Config struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`

	AuthURL    string `mapstructure:"auth_url"`
	TokenURL   string `mapstructure:"token_url"`
	APIBaseURL string `mapstructure:"api_base_url"`
}

// Enabled reports whether credentials are present.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

// ExternalIdentity is what the provider vouches for.
type ExternalIdentity struct {
	ID          string
	Email       string
	DisplayName string
	AvatarURL   string
}

// GitHubClient is stateless; the caller keeps the state value.
type GitHubClient struct {
	conf *oauth2.Config
	api  string
}

// NewGitHub builds a client from cfg.
func NewGitHub(cfg Config) (*GitHubClient, error) {
	if !cfg.Enabled() {
		return nil, ErrDisabled
	}
	ep := github.Endpoint
	if cfg.AuthURL != "" {
		ep.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		ep.TokenURL = cfg.TokenURL
	}
	api := strings.TrimRight(cfg.APIBaseURL, "/")
	if api == "" {
		api = "https://api.github.com"
	}

	return &GitHubClient{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     ep,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"read:user", "user:email"},
		},
		api: api,
	}, nil
}

// LoginURL returns the provider consent URL carrying state.
func (c *GitHubClient) LoginURL(state string) string {
	return c.conf.AuthCodeURL(state)
}

type ghUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type ghEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// Verify exchanges code and loads the GitHub account behind it.
func (c *GitHubClient) Verify(ctx context.Context, code string) (ExternalIdentity, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return ExternalIdentity{}, errors.New("oauth: empty code")
	}

	tok, err := c.conf.Exchange(ctx, code)
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("oauth: exchange: %w", err)
	}
	hc := c.conf.Client(ctx, tok)

	var u ghUser
	if err := c.getJSON(ctx, hc, "/user", &u); err != nil {
		return ExternalIdentity{}, err
	}
	if u.ID == 0 {
		return ExternalIdentity{}, errors.New("oauth: github user without id")
	}

	email := strings.TrimSpace(u.Email)
	if email == "" {
		var emails []ghEmail
		if err := c.getJSON(ctx, hc, "/user/emails", &emails); err != nil {
			return ExternalIdentity{}, err
		}
		email = pickEmail(emails)
	}
	if email == "" {
		return ExternalIdentity{}, ErrNoEmail
	}

	name := strings.TrimSpace(u.Name)
	if name == "" {
		name = u.Login
	}
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}

	return ExternalIdentity{
		ID:          strconv.FormatInt(u.ID, 10),
		Email:       email,
		DisplayName: name,
		AvatarURL:   u.AvatarURL,
	}, nil
}

func pickEmail(list []ghEmail) string {
	for _, e := range list {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	for _, e := range list {
		if e.Verified {
			return e.Email
		}
	}
	return ""
}

func (c *GitHubClient) getJSON(ctx context.Context, hc *http.Client, path string, dst any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.api+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("oauth: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("oauth: GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(dst); err != nil {
		return fmt.Errorf("oauth: decode %s: %w", path, err)
	}
	return nil
}
