package profile

import (
	"context"
	"net/http"
	"strconv"

	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/handlerutils"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/qqconnect"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/session"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/types"
	"go.uber.org/zap"
)

type Service interface {
	GetProfile(ctx context.Context, openID string, forceRefresh bool) (*qqconnect.UserInfo, error)
}

type SessionVerifier interface {
	Verify(token string) (*session.Claims, error)
}

type Handler struct {
	svc      Service
	sessions SessionVerifier
	logger   *zap.Logger
}

// Response is the normalized profile returned to the client
type Response struct {
	OpenID         string `json:"open_id"`
	Nickname       string `json:"nickname"`
	Gender         string `json:"gender,omitempty"`
	Province       string `json:"province,omitempty"`
	City           string `json:"city,omitempty"`
	Year           string `json:"year,omitempty"`
	Avatar         string `json:"avatar,omitempty"`
	VIP            bool   `json:"vip"`
	Level          int    `json:"level,omitempty"`
	YellowVIPLevel int    `json:"yellow_vip_level,omitempty"`
}

func NewHandler(svc Service, sessions SessionVerifier, logger *zap.Logger) http.Handler {
	return &Handler{
		svc:      svc,
		sessions: sessions,
		logger:   logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := handlerutils.BearerToken(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="qqconnect"`)
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "invalid_token",
			ErrorDescription: "Missing bearer token",
		})
		return
	}

	claims, err := h.sessions.Verify(token)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="qqconnect", error="invalid_token"`)
		handlerutils.WriteError(w, h.logger, err)
		return
	}

	force := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		force, err = strconv.ParseBool(v)
		if err != nil {
			handlerutils.BadRequest(w, "refresh must be a boolean")
			return
		}
	}

	info, err := h.svc.GetProfile(r.Context(), claims.OpenID(), force)
	if err != nil {
		handlerutils.WriteError(w, h.logger, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, Response{
		OpenID:         claims.OpenID(),
		Nickname:       info.Nickname,
		Gender:         info.Gender,
		Province:       info.Province,
		City:           info.City,
		Year:           info.Year,
		Avatar:         info.Avatar(),
		VIP:            info.IsVIP(),
		Level:          info.Level,
		YellowVIPLevel: info.YellowVIPLevel,
	})
}
