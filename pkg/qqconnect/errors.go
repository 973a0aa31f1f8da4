package qqconnect

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrMissingAccessToken means the token endpoint answered without an access_token
	ErrMissingAccessToken = errors.New("provider response missing access_token")

	// ErrInvalidResponseFormat means a body did not match its documented encoding
	ErrInvalidResponseFormat = errors.New("invalid provider response format")

	// ErrInvalidJSONResponse means a JSON body could not be decoded
	ErrInvalidJSONResponse = errors.New("invalid JSON in provider response")
)

// TokenError is an error reported by the token endpoint
type TokenError struct {
	Code        string
	Description string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token exchange failed: %s: %s", e.Code, e.Description)
}

// OpenIDError is an error reported by the open id endpoint
type OpenIDError struct {
	Code        string
	Description string
}

func (e *OpenIDError) Error() string {
	return fmt.Sprintf("open id lookup failed: %s: %s", e.Code, e.Description)
}

// ProfileError is a non-zero ret from the profile endpoint
type ProfileError struct {
	Ret int
	Msg string
}

func (e *ProfileError) Error() string {
	return fmt.Sprintf("profile fetch failed: ret=%d: %s", e.Ret, e.Msg)
}

// IsProviderError reports whether err is an application-level error the
// provider returned, as opposed to a transport or parsing fault.
func IsProviderError(err error) bool {
	var (
		te *TokenError
		oe *OpenIDError
		pe *ProfileError
	)
	return errors.As(err, &te) || errors.As(err, &oe) || errors.As(err, &pe)
}

// stringify renders a decoded JSON scalar as text
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// intValue reads a JSON number or numeric string
func intValue(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	default:
		return 0, false
	}
}
