package qqconnect

import (
	"context"
	"fmt"
	"net/url"
	"regexp"

	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/transport"
)

var callbackPattern = regexp.MustCompile(`(?s)^\s*callback\(\s*(\{.*\})\s*\)\s*;?\s*$`)

// OpenIDResult identifies the user an access token belongs to
type OpenIDResult struct {
	OpenID   string
	ClientID string
	UnionID  string
}

// GetOpenID resolves the open id of accessToken
func (c *Client) GetOpenID(ctx context.Context, accessToken string) (*OpenIDResult, error) {
	query := url.Values{"access_token": {accessToken}}
	if c.requestUnionID {
		query.Set("unionid", "1")
	}

	resp, err := c.transport.Get(ctx, "get_openid", c.endpoint.OpenIDURL, transport.Options{
		Query:   query,
		Timeout: openIDTimeout,
	})
	if err != nil {
		return nil, err
	}
	return ParseOpenIDResponse(resp.Content)
}

// ParseOpenIDResponse decodes a body of the form callback( {"openid":"...","client_id":"..."} );
func ParseOpenIDResponse(body string) (*OpenIDResult, error) {
	obj, ok, err := unwrapCallback(body)
	if !ok {
		return nil, fmt.Errorf("%w: open id response is not a callback wrapper", ErrInvalidResponseFormat)
	}
	if err != nil {
		return nil, err
	}

	if code, present := obj["error"]; present {
		return nil, &OpenIDError{Code: stringify(code), Description: stringify(obj["error_description"])}
	}

	openID := stringify(obj["openid"])
	if openID == "" {
		return nil, fmt.Errorf("%w: open id response missing openid", ErrInvalidResponseFormat)
	}

	return &OpenIDResult{
		OpenID:   openID,
		ClientID: stringify(obj["client_id"]),
		UnionID:  stringify(obj["unionid"]),
	}, nil
}
