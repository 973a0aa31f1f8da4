package callback

import (
	"context"
	"net/http"

	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/handlerutils"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/types"
	"go.uber.org/zap"
)

type Service interface {
	HandleCallback(ctx context.Context, code, state string) (*types.TokenRecord, error)
}

// SessionIssuer creates the bearer token returned to the client
type SessionIssuer interface {
	Issue(openID, sessionID string) (string, error)
}

type Handler struct {
	svc      Service
	sessions SessionIssuer
	logger   *zap.Logger
}

// Response is the body of a successful callback
type Response struct {
	OpenID       string `json:"open_id"`
	UnionID      string `json:"union_id,omitempty"`
	Nickname     string `json:"nickname"`
	Avatar       string `json:"avatar,omitempty"`
	SessionToken string `json:"session_token"`
	TokenType    string `json:"token_type"`
}

func NewHandler(svc Service, sessions SessionIssuer, logger *zap.Logger) http.Handler {
	return &Handler{
		svc:      svc,
		sessions: sessions,
		logger:   logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	state := q.Get("state")

	// The user declined on the QQ consent page
	if errCode := q.Get("error"); errCode != "" {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "access_denied",
			ErrorDescription: "Authorization was not granted",
		})
		return
	}

	if code == "" {
		handlerutils.BadRequest(w, "Missing authorization code")
		return
	}
	if state == "" {
		handlerutils.BadRequest(w, "Missing state parameter")
		return
	}

	record, err := h.svc.HandleCallback(r.Context(), code, state)
	if err != nil {
		handlerutils.WriteError(w, h.logger, err)
		return
	}

	token, err := h.sessions.Issue(record.OpenID, "")
	if err != nil {
		handlerutils.WriteError(w, h.logger, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, Response{
		OpenID:       record.OpenID,
		UnionID:      record.UnionID,
		Nickname:     record.Nickname,
		Avatar:       record.Avatar,
		SessionToken: token,
		TokenType:    "Bearer",
	})
}
