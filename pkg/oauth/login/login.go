package login

import (
	"context"
	"net/http"

	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/connect"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/handlerutils"
	"go.uber.org/zap"
)

type Service interface {
	BeginLogin(ctx context.Context, opts connect.LoginOptions) (string, error)
}

type Handler struct {
	svc          Service
	publicURL    string
	callbackPath string
	logger       *zap.Logger
}

func NewHandler(svc Service, publicURL, callbackPath string, logger *zap.Logger) http.Handler {
	return &Handler{
		svc:          svc,
		publicURL:    publicURL,
		callbackPath: callbackPath,
		logger:       logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	redirect, err := h.svc.BeginLogin(r.Context(), connect.LoginOptions{
		SessionID:   q.Get("session_id"),
		Scope:       q.Get("scope"),
		RedirectURI: handlerutils.CallbackURL(r, h.publicURL, h.callbackPath),
	})
	if err != nil {
		handlerutils.WriteError(w, h.logger, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}
