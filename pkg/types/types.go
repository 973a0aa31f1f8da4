package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Config holds all configuration values for the QQ Connect service
type Config struct {
	Port            string
	Host            string
	DatabaseDSN     string
	PublicURL       string
	CallbackPath    string
	SessionSecret   string
	RedisURL        string
	TrustProxy      bool
	StateTTL        time.Duration
	RefreshSchedule string
	CleanupSchedule string
	LogLevel        string
	LogFormat       string
}

// Configuration is an operator-managed QQ Connect application registration.
type Configuration struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	AppID     string    `gorm:"not null" json:"app_id"`
	AppSecret string    `gorm:"not null" json:"-"`
	Scope     string    `json:"scope,omitempty"`
	Enabled   bool      `gorm:"not null;index" json:"enabled"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Configuration) TableName() string {
	return "qq_oauth2_configs"
}

// BeforeCreate assigns a UUID when the caller did not set one
func (c *Configuration) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// AuthorizationState is a pending anti-CSRF state token for a login in flight
type AuthorizationState struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	Token           string    `gorm:"uniqueIndex;size:64;not null"`
	ConfigurationID string    `gorm:"not null;index"`
	SessionID       string    `gorm:"index"`
	Metadata        JSON      `gorm:"type:text"`
	ExpireTime      time.Time `gorm:"not null;index"`
	Used            bool      `gorm:"not null"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

func (AuthorizationState) TableName() string {
	return "qq_oauth2_states"
}

// IsValid reports whether the state can still be consumed at now.
// A state whose expiry equals now is already expired.
func (s *AuthorizationState) IsValid(now time.Time) bool {
	return !s.Used && now.Before(s.ExpireTime)
}

// TokenRecord is the per-user token and profile cache, keyed by open id
type TokenRecord struct {
	ID              uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	OpenID          string `gorm:"uniqueIndex;size:64;not null" json:"open_id"`
	UnionID         string `gorm:"index" json:"union_id,omitempty"`
	ConfigurationID string `gorm:"not null;index" json:"configuration_id"`

	AccessToken  string `gorm:"not null" json:"-"`
	RefreshToken string `json:"-"`
	ExpiresIn    int    `gorm:"not null" json:"expires_in"`
	// TokenIssuedAt and AccessToken are always written together, see SetAccessToken.
	TokenIssuedAt time.Time `gorm:"not null" json:"token_issued_at"`
	// ExpiresAt is derived from TokenIssuedAt+ExpiresIn so expiry can be queried.
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`

	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Gender   string `json:"gender,omitempty"`
	Province string `json:"province,omitempty"`
	City     string `json:"city,omitempty"`
	RawData  JSON   `gorm:"type:text" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TokenRecord) TableName() string {
	return "qq_oauth2_users"
}

// SetAccessToken replaces the access token together with its lifetime and issue time.
// Times are kept in UTC.
func (r *TokenRecord) SetAccessToken(accessToken string, expiresIn int, issuedAt time.Time) {
	issuedAt = issuedAt.UTC()
	r.AccessToken = accessToken
	r.ExpiresIn = expiresIn
	r.TokenIssuedAt = issuedAt
	r.ExpiresAt = issuedAt.Add(time.Duration(expiresIn) * time.Second)
}

// IsExpired reports whether now is past issue time plus lifetime
func (r *TokenRecord) IsExpired(now time.Time) bool {
	return now.After(r.TokenIssuedAt.Add(time.Duration(r.ExpiresIn) * time.Second))
}

func (r *TokenRecord) HasRefreshToken() bool {
	return r.RefreshToken != ""
}

// Location joins province and city the way the provider displays them
func (r *TokenRecord) Location() string {
	switch {
	case r.Province == "":
		return r.City
	case r.City == "":
		return r.Province
	default:
		return r.Province + " " + r.City
	}
}

// TokenUpdate is one entry of a bulk token import
type TokenUpdate struct {
	OpenID       string `json:"open_id"`
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// OAuthError represents OAuth error response
type OAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}
