package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Provider record kinds sharing the oidc_db table.
const (
	KindOIDC = "oidc"
	KindAPI  = "api"
)

// ProviderConfig holds the OAuth2/OIDC endpoints and client credentials for
// one identity provider.
type ProviderConfig struct {
	Issuer                string `json:"issuer,omitempty"`
	JWKSURI               string `json:"jwks_uri,omitempty"`
	AuthorizationEndpoint string `json:"authorization_endpoint" validate:"required,url"`
	TokenEndpoint         string `json:"token_endpoint" validate:"required,url"`
	RevocationEndpoint    string `json:"revocation_endpoint" validate:"required,url"`
	EndSessionEndpoint    string `json:"end_session_endpoint" validate:"required,url"`
	ClientID              string `json:"client_id" validate:"required"`
	ClientSecret          string `json:"client_secret"`
	RedirectURI           string `json:"redirect_uri" validate:"required,url"`
}

// APIProviderConfig holds Management API credentials for profile edits.
type APIProviderConfig struct {
	Domain       string `json:"api_domain" validate:"required,hostname|url"`
	ClientID     string `json:"api_client_id" validate:"required"`
	ClientSecret string `json:"api_client_secret" validate:"required"`
	Audience     string `json:"api_audience" validate:"required"`
}

// ProviderRecord is one row of the oidc_db store.
type ProviderRecord struct {
	Name       string    `gorm:"primaryKey" json:"name"`
	Kind       string    `gorm:"not null;index" json:"kind"`
	ID         string    `gorm:"not null" json:"id"`
	Config     string    `gorm:"type:text;not null" json:"config"`
	InsertedAt time.Time `json:"inserted_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
}

// TableName maps ProviderRecord to the providers table.
func (ProviderRecord) TableName() string { return "providers" }

// Providers is the oidc_db store. Registration is write-once per name.
type Providers struct {
	db     *gorm.DB
	logger *slog.Logger
	now    Clock
}

// OpenProviders opens the provider database at path.
func OpenProviders(ctx context.Context, path string, logger *slog.Logger) (*Providers, error) {
	db, err := Open(ctx, path, &ProviderRecord{})
	if err != nil {
		return nil, fmt.Errorf("provider store: %w", err)
	}
	return NewProviders(db, logger), nil
}

// NewProviders wraps an already migrated database handle.
func NewProviders(db *gorm.DB, logger *slog.Logger) *Providers {
	return &Providers{db: db, logger: logger, now: defaultClock}
}

// Close releases the database handle.
func (p *Providers) Close() error { return Close(p.db) }

// Lookup returns the record stored under name.
func (p *Providers) Lookup(ctx context.Context, name string) (*ProviderRecord, error) {
	var rec ProviderRecord
	err := p.db.WithContext(ctx).Where("name = ?", name).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		p.logger.Info("provider not found", "name", name)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup provider: %w", err)
	}
	return &rec, nil
}

// Insert stores config under name unless a record already exists. It reports
// whether a row was written.
func (p *Providers) Insert(ctx context.Context, name, kind string, config any) (bool, error) {
	if name == "" {
		return false, errors.New("provider name required")
	}
	doc, err := json.Marshal(config)
	if err != nil {
		return false, fmt.Errorf("encode provider config: %w", err)
	}
	now := p.now()
	rec := ProviderRecord{
		Name:       name,
		Kind:       kind,
		ID:         uuid.NewString(),
		Config:     string(doc),
		InsertedAt: now,
		UpdatedAt:  now,
	}

	res := p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return false, fmt.Errorf("insert provider: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		p.logger.Info("provider already registered, ignoring", "name", name, "kind", kind)
		return false, nil
	}
	p.logger.Debug("provider registered", "name", name, "kind", kind, "id", rec.ID)
	return true, nil
}

// LoadOIDC decodes the OIDC provider config stored under name.
func (p *Providers) LoadOIDC(ctx context.Context, name string) (ProviderConfig, error) {
	var cfg ProviderConfig
	err := p.load(ctx, name, KindOIDC, &cfg)
	return cfg, err
}

// LoadAPI decodes the Management API config stored under name.
func (p *Providers) LoadAPI(ctx context.Context, name string) (APIProviderConfig, error) {
	var cfg APIProviderConfig
	err := p.load(ctx, name, KindAPI, &cfg)
	return cfg, err
}

func (p *Providers) load(ctx context.Context, name, kind string, out any) error {
	rec, err := p.Lookup(ctx, name)
	if err != nil {
		return err
	}
	if rec.Kind != kind {
		return fmt.Errorf("provider %s is %s, not %s: %w", name, rec.Kind, kind, ErrNotFound)
	}
	if err := json.Unmarshal([]byte(rec.Config), out); err != nil {
		return fmt.Errorf("decode provider %s: %w", name, err)
	}
	return nil
}
