// Package qqconnect talks to the QQ Connect (graph.qq.com) OAuth2 endpoints.
//
// The provider deviates from RFC 6749 in two ways that this package absorbs:
// the token endpoint answers with an application/x-www-form-urlencoded body,
// and the open id endpoint wraps its JSON in a "callback( ... );" JSONP shell.
package qqconnect

import (
	"context"
	"time"

	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/transport"
	"golang.org/x/oauth2"
)

// DefaultScope is requested when neither the caller nor the configuration names one
const DefaultScope = "get_user_info"

// Endpoint lists the provider URLs
type Endpoint struct {
	AuthURL     string
	TokenURL    string
	OpenIDURL   string
	UserInfoURL string
}

// DefaultEndpoint is the production QQ Connect endpoint set
var DefaultEndpoint = Endpoint{
	AuthURL:     "https://graph.qq.com/oauth2.0/authorize",
	TokenURL:    "https://graph.qq.com/oauth2.0/token",
	OpenIDURL:   "https://graph.qq.com/oauth2.0/me",
	UserInfoURL: "https://graph.qq.com/user/get_user_info",
}

// Per-operation timeouts
const (
	tokenTimeout    = 30 * time.Second
	openIDTimeout   = 10 * time.Second
	userInfoTimeout = 15 * time.Second
)

// Getter is the transport capability the client needs
type Getter interface {
	Get(ctx context.Context, operation, rawURL string, opts transport.Options) (*transport.Response, error)
}

// Client implements the token exchange and profile calls
type Client struct {
	transport      Getter
	endpoint       Endpoint
	requestUnionID bool
}

type Option func(*Client)

// WithEndpoint points the client at another endpoint set (tests, proxies)
func WithEndpoint(e Endpoint) Option {
	return func(c *Client) { c.endpoint = e }
}

// WithUnionID asks the open id endpoint to include the union id
func WithUnionID(enabled bool) Option {
	return func(c *Client) { c.requestUnionID = enabled }
}

func NewClient(t Getter, opts ...Option) *Client {
	c := &Client{
		transport: t,
		endpoint:  DefaultEndpoint,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthCodeURL builds the URL the user agent is redirected to. An empty scope
// falls back to DefaultScope.
func (c *Client) AuthCodeURL(appID, redirectURI, scope, state string) string {
	if scope == "" {
		scope = DefaultScope
	}
	cfg := &oauth2.Config{
		ClientID:    appID,
		RedirectURL: redirectURI,
		Scopes:      []string{scope},
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.endpoint.AuthURL,
			TokenURL: c.endpoint.TokenURL,
		},
	}
	return cfg.AuthCodeURL(state)
}
