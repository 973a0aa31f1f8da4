package handlerutils

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/connect"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/qqconnect"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/session"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/state"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/transport"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/types"
	"go.uber.org/zap"
)

func JSON(w http.ResponseWriter, statusCode int, obj any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if obj != nil {
		// Headers are already sent; nothing useful can be done on failure.
		_ = json.NewEncoder(w).Encode(obj)
	}
}

// BadRequest writes an invalid_request error
func BadRequest(w http.ResponseWriter, description string) {
	JSON(w, http.StatusBadRequest, types.OAuthError{
		Error:            "invalid_request",
		ErrorDescription: description,
	})
}

// WriteError maps err to a status code and a generic OAuth error body.
// The detail only goes to the log.
func WriteError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status, body := classify(err)
	if logger != nil {
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", zap.Int("status", status), zap.Error(err))
		} else {
			logger.Info("request rejected", zap.Int("status", status), zap.Error(err))
		}
	}
	JSON(w, status, body)
}

func classify(err error) (int, types.OAuthError) {
	var apiErr *transport.APIError

	switch {
	case errors.Is(err, state.ErrInvalidOrExpiredState):
		return http.StatusUnauthorized, types.OAuthError{Error: "access_denied", ErrorDescription: "Invalid or expired state"}
	case qqconnect.IsProviderError(err):
		return http.StatusUnauthorized, types.OAuthError{Error: "access_denied", ErrorDescription: "QQ rejected the authorization"}
	case errors.Is(err, session.ErrInvalidSession):
		return http.StatusUnauthorized, types.OAuthError{Error: "invalid_token", ErrorDescription: "Invalid or expired session"}
	case errors.Is(err, connect.ErrUserNotFound), errors.Is(err, connect.ErrUserNotFoundAfterRefresh):
		return http.StatusNotFound, types.OAuthError{Error: "not_found", ErrorDescription: "User not found"}
	case errors.As(err, &apiErr),
		errors.Is(err, qqconnect.ErrInvalidResponseFormat),
		errors.Is(err, qqconnect.ErrInvalidJSONResponse),
		errors.Is(err, qqconnect.ErrMissingAccessToken):
		return http.StatusBadGateway, types.OAuthError{Error: "provider_unavailable", ErrorDescription: "QQ Connect is unavailable"}
	default:
		return http.StatusInternalServerError, types.OAuthError{Error: "server_error", ErrorDescription: "Internal server error"}
	}
}

// GetClientIP returns the IP of the peer. The X-Forwarded-For and X-Real-IP
// headers are honoured only when trustProxyHeaders is set, i.e. when a proxy
// in front of the service overwrites them.
func GetClientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ifs := strings.Split(xff, ",")
			return strings.TrimSpace(ifs[0])
		}

		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GetBaseURL returns the URL of the request without the path and
// infers the scheme (http or https)
func GetBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

// CallbackURL returns the absolute callback URL. publicURL wins over the
// request's own host when set.
func CallbackURL(r *http.Request, publicURL, path string) string {
	base := strings.TrimRight(publicURL, "/")
	if base == "" {
		base = GetBaseURL(r)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// BearerToken returns the token of an "Authorization: Bearer" header, or ""
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
