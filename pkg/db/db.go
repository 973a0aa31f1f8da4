package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store represents the database connection and operations.
//
// Lookups return a nil record and a nil error when nothing matches.
type Store struct {
	db     *gorm.DB
	dbType string // "postgres" or "sqlite"
}

// New creates a new database connection and sets up the schema
func New(dsn string) (*Store, error) {
	var gormDB *gorm.DB
	var dbType string
	var err error

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	switch {
	case dsn == "":
		dataDir := "data"
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		gormDB, err = gorm.Open(sqlite.Open(filepath.Join(dataDir, "qqconnect.db")), gormConfig)
		dbType = "sqlite"
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		gormDB, err = gorm.Open(postgres.Open(dsn), gormConfig)
		dbType = "postgres"
	default:
		gormDB, err = gorm.Open(sqlite.Open(dsn), gormConfig)
		dbType = "sqlite"
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbType == "sqlite" {
		// A single connection serializes writers and avoids SQLITE_BUSY.
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	store := &Store{db: gormDB, dbType: dbType}
	if err := store.setupSchema(); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return store, nil
}

func (s *Store) setupSchema() error {
	err := s.db.AutoMigrate(
		&types.Configuration{},
		&types.AuthorizationState{},
		&types.TokenRecord{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database schema: %w", err)
	}
	return nil
}

// Type returns "postgres" or "sqlite"
func (s *Store) Type() string {
	return s.dbType
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func first[T any](tx *gorm.DB, query string, args ...any) (*T, error) {
	var out T
	err := tx.Where(query, args...).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateConfiguration stores a new application registration
func (s *Store) CreateConfiguration(ctx context.Context, cfg *types.Configuration) error {
	return s.db.WithContext(ctx).Create(cfg).Error
}

// UpdateConfiguration saves every field of cfg
func (s *Store) UpdateConfiguration(ctx context.Context, cfg *types.Configuration) error {
	result := s.db.WithContext(ctx).Model(&types.Configuration{}).Where("id = ?", cfg.ID).Updates(map[string]any{
		"name":       cfg.Name,
		"app_id":     cfg.AppID,
		"app_secret": cfg.AppSecret,
		"scope":      cfg.Scope,
		"enabled":    cfg.Enabled,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("configuration not found: id=%s", cfg.ID)
	}
	return nil
}

// GetConfiguration retrieves a configuration by ID
func (s *Store) GetConfiguration(ctx context.Context, id string) (*types.Configuration, error) {
	return first[types.Configuration](s.db.WithContext(ctx), "id = ?", id)
}

// ConfigurationByName retrieves a configuration by its unique name
func (s *Store) ConfigurationByName(ctx context.Context, name string) (*types.Configuration, error) {
	return first[types.Configuration](s.db.WithContext(ctx), "name = ?", name)
}

// ActiveConfiguration returns the most recently created enabled configuration
func (s *Store) ActiveConfiguration(ctx context.Context) (*types.Configuration, error) {
	return first[types.Configuration](s.db.WithContext(ctx).Order("created_at DESC, id DESC"), "enabled = ?", true)
}

// ListConfigurations returns all configurations, newest first
func (s *Store) ListConfigurations(ctx context.Context) ([]types.Configuration, error) {
	var configs []types.Configuration
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&configs).Error
	return configs, err
}

// DeleteConfiguration removes a configuration together with its states and
// token records in one transaction.
func (s *Store) DeleteConfiguration(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("configuration_id = ?", id).Delete(&types.AuthorizationState{}).Error; err != nil {
			return fmt.Errorf("failed to delete states: %w", err)
		}
		if err := tx.Where("configuration_id = ?", id).Delete(&types.TokenRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete token records: %w", err)
		}
		result := tx.Where("id = ?", id).Delete(&types.Configuration{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("configuration not found: id=%s", id)
		}
		return nil
	})
}

// CreateState stores a pending authorization state
func (s *Store) CreateState(ctx context.Context, state *types.AuthorizationState) error {
	// SQLite compares timestamps as text, so every stored instant is UTC.
	state.ExpireTime = state.ExpireTime.UTC()
	return s.db.WithContext(ctx).Create(state).Error
}

// GetState retrieves a state by token regardless of its validity
func (s *Store) GetState(ctx context.Context, token string) (*types.AuthorizationState, error) {
	return first[types.AuthorizationState](s.db.WithContext(ctx), "token = ?", token)
}

// ConsumeState marks the state used if, and only if, it is unused and
// unexpired at now. It returns nil when no state qualified, so concurrent
// callers racing on one token see exactly one winner.
func (s *Store) ConsumeState(ctx context.Context, token string, now time.Time) (*types.AuthorizationState, error) {
	db := s.db.WithContext(ctx)
	now = now.UTC()

	result := db.Model(&types.AuthorizationState{}).
		Where("token = ? AND used = ? AND expire_time > ?", token, false, now).
		Update("used", true)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to consume state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	return first[types.AuthorizationState](db, "token = ?", token)
}

// DeleteExpiredStates removes every state that expired before now, used or not
func (s *Store) DeleteExpiredStates(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("expire_time < ?", now.UTC()).Delete(&types.AuthorizationState{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to cleanup expired states: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// GetUserByOpenID retrieves a token record by open id
func (s *Store) GetUserByOpenID(ctx context.Context, openID string) (*types.TokenRecord, error) {
	return first[types.TokenRecord](s.db.WithContext(ctx), "open_id = ?", openID)
}

// SaveUser inserts the record, or updates every column when the open id exists
func (s *Store) SaveUser(ctx context.Context, record *types.TokenRecord) error {
	if record.ID != 0 {
		return s.db.WithContext(ctx).Save(record).Error
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "open_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"union_id", "configuration_id",
			"access_token", "refresh_token", "expires_in", "token_issued_at", "expires_at",
			"nickname", "avatar", "gender", "province", "city", "raw_data",
			"updated_at",
		}),
	}).Create(record).Error
}

// SaveUsers writes a batch of existing records in one transaction
func (s *Store) SaveUsers(ctx context.Context, records []*types.TokenRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range records {
			if err := tx.Save(record).Error; err != nil {
				return fmt.Errorf("failed to save token record %s: %w", record.OpenID, err)
			}
		}
		return nil
	})
}

// UpdateAccessToken replaces the access token, its lifetime and issue time in
// a single statement. refreshToken is written only when non-empty.
func (s *Store) UpdateAccessToken(ctx context.Context, openID, accessToken string, expiresIn int, refreshToken string, issuedAt time.Time) error {
	var record types.TokenRecord
	record.SetAccessToken(accessToken, expiresIn, issuedAt)

	updates := map[string]any{
		"access_token":    record.AccessToken,
		"expires_in":      record.ExpiresIn,
		"token_issued_at": record.TokenIssuedAt,
		"expires_at":      record.ExpiresAt,
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}

	result := s.db.WithContext(ctx).Model(&types.TokenRecord{}).Where("open_id = ?", openID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("token record not found: open_id=%s", openID)
	}
	return nil
}

// UpdateProfile writes only the cached profile columns of record, leaving the
// token columns to UpdateAccessToken
func (s *Store) UpdateProfile(ctx context.Context, record *types.TokenRecord) error {
	result := s.db.WithContext(ctx).Model(&types.TokenRecord{}).Where("open_id = ?", record.OpenID).Updates(map[string]any{
		"nickname": record.Nickname,
		"avatar":   record.Avatar,
		"gender":   record.Gender,
		"province": record.Province,
		"city":     record.City,
		"raw_data": record.RawData,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("token record not found: open_id=%s", record.OpenID)
	}
	return nil
}

// ListRefreshableUsers returns records whose access token expired before now
// and that still hold a refresh token
func (s *Store) ListRefreshableUsers(ctx context.Context, now time.Time) ([]types.TokenRecord, error) {
	var records []types.TokenRecord
	err := s.db.WithContext(ctx).
		Where("expires_at < ? AND refresh_token IS NOT NULL AND refresh_token <> ''", now.UTC()).
		Order("expires_at").
		Find(&records).Error
	return records, err
}

// CountUsers returns the number of token records
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&types.TokenRecord{}).Count(&n).Error
	return n, err
}
