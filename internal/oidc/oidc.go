// Package oidc drives the authorization-code login against the external
// identity provider. The access token it returns is treated as an opaque
// credential: it is never parsed, verified, or refreshed here.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// ErrExchange means the code exchange did not yield a credential.
var ErrExchange = errors.New("authorization code exchange failed")

type Config struct {
	AuthURL     string
	TokenURL    string
	ClientID    string
	RedirectURL string
	Scopes      []string
}

// Provider builds authorization redirects and exchanges returned codes.
type Provider struct {
	log   zerolog.Logger
	oauth oauth2.Config
	http  *http.Client
}

func New(log zerolog.Logger, cfg Config, hc *http.Client) *Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Provider{
		log: log.With().Str("component", "oidc").Logger(),
		oauth: oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      scopes,
		},
		http: hc,
	}
}

// NewState returns a fresh value for the state parameter.
func NewState() string {
	return uuid.NewString()
}

// AuthorizeURL is where the browser is sent to log in.
func (p *Provider) AuthorizeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for an access token.
func (p *Provider) Exchange(ctx context.Context, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("%w: empty code", ErrExchange)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.http)
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		p.log.Warn().Err(err).Msg("token exchange failed")
		return "", fmt.Errorf("%w: %v", ErrExchange, err)
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return "", fmt.Errorf("%w: no access token in response", ErrExchange)
	}
	return tok.AccessToken, nil
}
