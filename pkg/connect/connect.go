// Package connect composes state handling, the provider client and token
// storage into the login, callback, profile and refresh flows.
package connect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/logging"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/qqconnect"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/state"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/types"
	"go.uber.org/zap"
)

var (
	ErrNoValidConfiguration     = errors.New("no enabled QQ Connect configuration")
	ErrConfigurationMissing     = errors.New("configuration for this login no longer exists")
	ErrUserNotFound             = errors.New("user not found")
	ErrUserNotFoundAfterRefresh = errors.New("user not found after token refresh")
)

type Store interface {
	ActiveConfiguration(ctx context.Context) (*types.Configuration, error)
	GetConfiguration(ctx context.Context, id string) (*types.Configuration, error)
	GetUserByOpenID(ctx context.Context, openID string) (*types.TokenRecord, error)
	SaveUser(ctx context.Context, record *types.TokenRecord) error
	UpdateProfile(ctx context.Context, record *types.TokenRecord) error
}

type StateManager interface {
	BeginAuthorization(ctx context.Context, cfg *types.Configuration, opts state.AuthorizationOptions) (string, *types.AuthorizationState, error)
	ValidateAndConsume(ctx context.Context, token string) (*types.AuthorizationState, error)
}

// Provider is the subset of the QQ Connect client the flows call
type Provider interface {
	ExchangeCodeForToken(ctx context.Context, code, appID, appSecret, redirectURI string) (*qqconnect.TokenResult, error)
	GetOpenID(ctx context.Context, accessToken string) (*qqconnect.OpenIDResult, error)
	FetchUserInfo(ctx context.Context, accessToken, appID, openID string) (*qqconnect.UserInfo, error)
}

type TokenRefresher interface {
	RefreshOne(ctx context.Context, openID string) (bool, error)
}

// LoginOptions carry the optional inputs of BeginLogin
type LoginOptions struct {
	SessionID   string
	Scope       string
	RedirectURI string
	Metadata    map[string]any
}

type Service struct {
	store    Store
	states   StateManager
	provider Provider
	tokens   TokenRefresher
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(l) }
}

func NewService(store Store, states StateManager, provider Provider, tokens TokenRefresher, opts ...Option) *Service {
	s := &Service{
		store:    store,
		states:   states,
		provider: provider,
		tokens:   tokens,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BeginLogin starts a login against the active configuration and returns the
// provider authorization URL.
func (s *Service) BeginLogin(ctx context.Context, opts LoginOptions) (string, error) {
	cfg, err := s.store.ActiveConfiguration(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg == nil {
		return "", ErrNoValidConfiguration
	}

	redirect, _, err := s.states.BeginAuthorization(ctx, cfg, state.AuthorizationOptions{
		SessionID:   opts.SessionID,
		Scope:       opts.Scope,
		RedirectURI: opts.RedirectURI,
		Metadata:    opts.Metadata,
	})
	if err != nil {
		return "", err
	}
	return redirect, nil
}

// HandleCallback completes a login: it consumes the state, exchanges the code,
// resolves the open id, loads the profile and upserts the token record.
func (s *Service) HandleCallback(ctx context.Context, code, stateToken string) (*types.TokenRecord, error) {
	st, err := s.states.ValidateAndConsume(ctx, stateToken)
	if err != nil {
		return nil, err
	}

	cfg, err := s.store.GetConfiguration(ctx, st.ConfigurationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg == nil {
		return nil, ErrConfigurationMissing
	}

	redirectURI := st.Metadata.GetString(state.MetadataRedirectURI)

	token, err := s.provider.ExchangeCodeForToken(ctx, code, cfg.AppID, cfg.AppSecret, redirectURI)
	if err != nil {
		return nil, err
	}
	issuedAt := s.now()

	ident, err := s.provider.GetOpenID(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}
	if ident.ClientID != "" && ident.ClientID != cfg.AppID {
		s.logger.Warn("open id issued to a different application",
			zap.String("expected", cfg.AppID),
			zap.String("client_id", ident.ClientID),
		)
	}

	profile, err := s.provider.FetchUserInfo(ctx, token.AccessToken, cfg.AppID, ident.OpenID)
	if err != nil {
		return nil, err
	}

	record, err := s.store.GetUserByOpenID(ctx, ident.OpenID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if record == nil {
		record = &types.TokenRecord{OpenID: ident.OpenID}
	}

	record.ConfigurationID = cfg.ID
	record.SetAccessToken(token.AccessToken, token.ExpiresIn, issuedAt)
	if token.RefreshToken != "" {
		record.RefreshToken = token.RefreshToken
	}
	if ident.UnionID != "" {
		record.UnionID = ident.UnionID
	}
	record.RawData = mergeRaw(ident, profile)
	applyProfile(record, profile)

	if err := s.store.SaveUser(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save user: %w", err)
	}

	s.logger.Info("login completed",
		zap.String("open_id", record.OpenID),
		zap.String("configuration_id", cfg.ID),
		zap.String("session_id", st.SessionID),
	)
	return record, nil
}

// GetProfile returns the profile of openID, from cache when the token is
// still valid and a cached payload exists, otherwise from the provider.
func (s *Service) GetProfile(ctx context.Context, openID string, forceRefresh bool) (*qqconnect.UserInfo, error) {
	record, err := s.store.GetUserByOpenID(ctx, openID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if record == nil {
		return nil, ErrUserNotFound
	}

	expired := record.IsExpired(s.now())
	if !forceRefresh && !expired && len(record.RawData) > 0 {
		if info, err := qqconnect.UserInfoFromMap(record.RawData); err == nil {
			return info, nil
		}
	}

	refreshed := false
	if expired && record.HasRefreshToken() {
		refreshed, err = s.tokens.RefreshOne(ctx, openID)
		if err != nil {
			return nil, err
		}
		record, err = s.store.GetUserByOpenID(ctx, openID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload user: %w", err)
		}
		if record == nil {
			return nil, ErrUserNotFoundAfterRefresh
		}
	}

	cfg, err := s.store.GetConfiguration(ctx, record.ConfigurationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg == nil {
		return nil, ErrConfigurationMissing
	}

	profile, err := s.provider.FetchUserInfo(ctx, record.AccessToken, cfg.AppID, record.OpenID)
	if err != nil {
		// A dead token with a cached payload still serves the last known profile.
		if expired && !refreshed && len(record.RawData) > 0 {
			if info, cacheErr := qqconnect.UserInfoFromMap(record.RawData); cacheErr == nil {
				s.logger.Warn("serving cached profile", zap.String("open_id", openID), zap.Error(err))
				return info, nil
			}
		}
		return nil, err
	}

	raw := types.JSON{}
	for k, v := range record.RawData {
		raw[k] = v
	}
	for k, v := range profile.Raw {
		raw[k] = v
	}
	record.RawData = raw
	applyProfile(record, profile)

	// The token may have been rotated while the fetch was in flight.
	if err := s.store.UpdateProfile(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	return profile, nil
}

// Refresh refreshes the access token of openID; see tokens.Manager.RefreshOne
func (s *Service) Refresh(ctx context.Context, openID string) (bool, error) {
	return s.tokens.RefreshOne(ctx, openID)
}

// mergeRaw flattens the identity and profile answers; profile keys win.
// Token values are never part of the cached payload.
func mergeRaw(ident *qqconnect.OpenIDResult, profile *qqconnect.UserInfo) types.JSON {
	raw := types.JSON{
		"openid":    ident.OpenID,
		"client_id": ident.ClientID,
	}
	if ident.UnionID != "" {
		raw["unionid"] = ident.UnionID
	}
	for k, v := range profile.Raw {
		raw[k] = v
	}
	return raw
}

func applyProfile(record *types.TokenRecord, profile *qqconnect.UserInfo) {
	record.Nickname = profile.Nickname
	record.Avatar = profile.Avatar()
	record.Gender = profile.Gender
	record.Province = profile.Province
	record.City = profile.City
}
