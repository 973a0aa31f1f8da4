package qqconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/transport"
	"golang.org/x/oauth2"
)

// DefaultExpiresIn is assumed when the provider omits expires_in
const DefaultExpiresIn = 7200

// TokenResult is a successful token endpoint answer. RefreshToken is empty
// when the provider did not rotate it.
type TokenResult struct {
	AccessToken  string
	ExpiresIn    int
	RefreshToken string
}

// OAuth2Token converts the result, treating issuedAt as the start of its lifetime
func (r *TokenResult) OAuth2Token(issuedAt time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: r.RefreshToken,
		Expiry:       issuedAt.Add(time.Duration(r.ExpiresIn) * time.Second),
		ExpiresIn:    int64(r.ExpiresIn),
	}
}

// ExchangeCodeForToken exchanges an authorization code for an access token
func (c *Client) ExchangeCodeForToken(ctx context.Context, code, appID, appSecret, redirectURI string) (*TokenResult, error) {
	return c.requestToken(ctx, "exchange_code", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {appID},
		"client_secret": {appSecret},
		"code":          {code},
		"redirect_uri":  {redirectURI},
	})
}

// RefreshToken obtains a new access token. The returned RefreshToken is
// whatever the provider sent, possibly empty; keeping the previous one is the
// caller's decision.
func (c *Client) RefreshToken(ctx context.Context, refreshToken, appID, appSecret string) (*TokenResult, error) {
	return c.requestToken(ctx, "refresh_token", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {appID},
		"client_secret": {appSecret},
		"refresh_token": {refreshToken},
	})
}

func (c *Client) requestToken(ctx context.Context, operation string, query url.Values) (*TokenResult, error) {
	resp, err := c.transport.Get(ctx, operation, c.endpoint.TokenURL, transport.Options{
		Query:   query,
		Timeout: tokenTimeout,
	})
	if err != nil {
		return nil, err
	}
	return ParseTokenResponse(resp.Content)
}

// ParseTokenResponse decodes a token endpoint body.
//
// Success bodies are form encoded: access_token=...&expires_in=...&refresh_token=...
// Errors come back either form encoded (error=...&error_description=...) or,
// for some failures, as a JSONP callback.
func ParseTokenResponse(body string) (*TokenResult, error) {
	body = strings.TrimSpace(body)

	if obj, ok, err := unwrapCallback(body); ok {
		if err != nil {
			return nil, err
		}
		if code, present := obj["error"]; present {
			return nil, &TokenError{Code: stringify(code), Description: stringify(obj["error_description"])}
		}
		return nil, fmt.Errorf("%w: unexpected JSONP token response", ErrInvalidResponseFormat)
	}

	values, err := url.ParseQuery(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponseFormat, err)
	}

	if values.Has("error") {
		return nil, &TokenError{Code: values.Get("error"), Description: values.Get("error_description")}
	}

	accessToken := values.Get("access_token")
	if accessToken == "" {
		return nil, ErrMissingAccessToken
	}

	expiresIn, err := strconv.Atoi(values.Get("expires_in"))
	if err != nil {
		expiresIn = DefaultExpiresIn
	}

	return &TokenResult{
		AccessToken:  accessToken,
		ExpiresIn:    expiresIn,
		RefreshToken: values.Get("refresh_token"),
	}, nil
}

// unwrapCallback extracts the object from a "callback( {...} );" body. ok is
// false when body does not have that shape at all.
func unwrapCallback(body string) (obj map[string]any, ok bool, err error) {
	m := callbackPattern.FindStringSubmatch(body)
	if m == nil {
		return nil, false, nil
	}
	if err := json.Unmarshal([]byte(m[1]), &obj); err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrInvalidResponseFormat, err)
	}
	return obj, true, nil
}
