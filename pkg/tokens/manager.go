// Package tokens keeps stored provider access tokens fresh.
package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/logging"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/metrics"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/qqconnect"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BatchSize is how many bulk updates are persisted per flush
const BatchSize = 100

// RefreshInterval paces consecutive provider refresh calls
const RefreshInterval = 100 * time.Millisecond

// Store interface for token record operations
type Store interface {
	GetUserByOpenID(ctx context.Context, openID string) (*types.TokenRecord, error)
	GetConfiguration(ctx context.Context, id string) (*types.Configuration, error)
	UpdateAccessToken(ctx context.Context, openID, accessToken string, expiresIn int, refreshToken string, issuedAt time.Time) error
	ListRefreshableUsers(ctx context.Context, now time.Time) ([]types.TokenRecord, error)
	SaveUsers(ctx context.Context, records []*types.TokenRecord) error
}

// Refresher exchanges a refresh token for a new access token
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken, appID, appSecret string) (*qqconnect.TokenResult, error)
}

type Manager struct {
	store     Store
	refresher Refresher
	limiter   *rate.Limiter
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

type Option func(*Manager)

// WithLimiter replaces the pacing limiter used by RefreshAllExpired
func WithLimiter(l *rate.Limiter) Option {
	return func(m *Manager) { m.limiter = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func NewManager(store Store, refresher Refresher, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		refresher: refresher,
		limiter:   rate.NewLimiter(rate.Every(RefreshInterval), 1),
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RefreshOne refreshes the access token of openID.
//
// It returns false without an error when there is nothing to do (no record,
// no refresh token, no configuration) and when the provider declines the
// refresh. Storage faults and failures to reach the provider are returned.
func (m *Manager) RefreshOne(ctx context.Context, openID string) (bool, error) {
	log := m.logger.With(zap.String("open_id", openID))

	record, err := m.store.GetUserByOpenID(ctx, openID)
	if err != nil {
		return false, fmt.Errorf("failed to load token record: %w", err)
	}
	if record == nil || !record.HasRefreshToken() {
		m.metrics.ObserveRefresh("skipped")
		return false, nil
	}

	cfg, err := m.store.GetConfiguration(ctx, record.ConfigurationID)
	if err != nil {
		return false, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg == nil {
		log.Warn("token record references a missing configuration", zap.String("configuration_id", record.ConfigurationID))
		m.metrics.ObserveRefresh("skipped")
		return false, nil
	}

	result, err := m.refresher.RefreshToken(ctx, record.RefreshToken, cfg.AppID, cfg.AppSecret)
	if err != nil {
		m.metrics.ObserveRefresh("failed")
		if qqconnect.IsProviderError(err) {
			log.Warn("provider declined token refresh", zap.Error(err))
			return false, nil
		}
		return false, fmt.Errorf("failed to refresh token: %w", err)
	}

	// An empty refresh token in the result keeps the stored one.
	if err := m.store.UpdateAccessToken(ctx, openID, result.AccessToken, result.ExpiresIn, result.RefreshToken, m.now()); err != nil {
		return false, fmt.Errorf("failed to store refreshed token: %w", err)
	}

	log.Info("token refreshed", zap.Int("expires_in", result.ExpiresIn), zap.Bool("rotated", result.RefreshToken != ""))
	m.metrics.ObserveRefresh("success")
	return true, nil
}

// RefreshAllExpired refreshes every expired record that holds a refresh
// token, one provider call per RefreshInterval, and returns how many succeeded.
// Failures of single records are logged and skipped.
func (m *Manager) RefreshAllExpired(ctx context.Context) (int, error) {
	records, err := m.store.ListRefreshableUsers(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired tokens: %w", err)
	}

	refreshed := 0
	for _, record := range records {
		if err := m.limiter.Wait(ctx); err != nil {
			return refreshed, err
		}

		ok, err := m.RefreshOne(ctx, record.OpenID)
		if err != nil {
			m.logger.Error("token refresh failed", zap.String("open_id", record.OpenID), zap.Error(err))
			continue
		}
		if ok {
			refreshed++
		}
	}

	m.logger.Info("expired token refresh finished", zap.Int("candidates", len(records)), zap.Int("refreshed", refreshed))
	return refreshed, nil
}

// BulkUpdateTokens overwrites the tokens of existing records, persisting in
// batches of BatchSize. Unknown open ids are skipped. It returns the number of
// records updated; on a flush error it returns the number durably written.
func (m *Manager) BulkUpdateTokens(ctx context.Context, updates []types.TokenUpdate) (int, error) {
	var (
		pending = make([]*types.TokenRecord, 0, BatchSize)
		flushed int
		now     = m.now()
	)

	flush := func() error {
		if err := m.store.SaveUsers(ctx, pending); err != nil {
			return fmt.Errorf("failed to flush token batch: %w", err)
		}
		flushed += len(pending)
		pending = pending[:0]
		return nil
	}

	for _, update := range updates {
		if update.OpenID == "" || update.AccessToken == "" {
			m.logger.Warn("skipping incomplete token update", zap.String("open_id", update.OpenID))
			continue
		}

		record, err := m.store.GetUserByOpenID(ctx, update.OpenID)
		if err != nil {
			m.logger.Warn("failed to load token record", zap.String("open_id", update.OpenID), zap.Error(err))
			continue
		}
		if record == nil {
			continue
		}

		expiresIn := update.ExpiresIn
		if expiresIn <= 0 {
			expiresIn = qqconnect.DefaultExpiresIn
		}
		record.SetAccessToken(update.AccessToken, expiresIn, now)
		if update.RefreshToken != "" {
			record.RefreshToken = update.RefreshToken
		}

		pending = append(pending, record)
		if len(pending) >= BatchSize {
			if err := flush(); err != nil {
				return flushed, err
			}
		}
	}

	if err := flush(); err != nil {
		return flushed, err
	}
	return flushed, nil
}
