package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AppConfigKey is the fixed key of the singleton application record.
const AppConfigKey = "authnyc"

// AppConfig records which providers the application was set up with.
type AppConfig struct {
	Name                   string    `gorm:"primaryKey" json:"name"`
	ID                     string    `gorm:"not null" json:"id"`
	OIDCProviderConfigured bool      `gorm:"column:oidc_provider_configured" json:"oidc_provider_configured"`
	OIDCProviderKey        string    `gorm:"column:oidc_provider_key" json:"oidc_provider_key"`
	OIDCAPIProviderKey     string    `gorm:"column:oidc_api_provider_key" json:"oidc_api_provider_key"`
	RedirectURI            string    `gorm:"column:redirect_uri" json:"redirect_uri"`
	InsertedAt             time.Time `gorm:"column:inserted_at" json:"inserted_at"`
	UpdatedAt              time.Time `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
}

// TableName maps AppConfig to the app_configs table.
func (AppConfig) TableName() string { return "app_configs" }

// AppConfigs is the config_db store.
type AppConfigs struct {
	db     *gorm.DB
	logger *slog.Logger
	now    Clock
}

// OpenAppConfigs opens the configuration database at path.
func OpenAppConfigs(ctx context.Context, path string, logger *slog.Logger) (*AppConfigs, error) {
	db, err := Open(ctx, path, &AppConfig{})
	if err != nil {
		return nil, fmt.Errorf("config store: %w", err)
	}
	return &AppConfigs{db: db, logger: logger, now: defaultClock}, nil
}

// Close releases the database handle.
func (a *AppConfigs) Close() error { return Close(a.db) }

// Find returns the singleton record or ErrNotFound.
func (a *AppConfigs) Find(ctx context.Context) (*AppConfig, error) {
	var rec AppConfig
	err := a.db.WithContext(ctx).Where("name = ?", AppConfigKey).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		a.logger.Info("application configuration not found")
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find app config: %w", err)
	}
	return &rec, nil
}

// appConfigMutable lists the columns an upsert may overwrite; id and
// inserted_at keep the values of the first insert.
var appConfigMutable = []string{
	"oidc_provider_configured",
	"oidc_provider_key",
	"oidc_api_provider_key",
	"redirect_uri",
	"updated_at",
}

// Save writes the singleton record, keeping id and inserted_at of an existing one.
func (a *AppConfigs) Save(ctx context.Context, cfg AppConfig) (*AppConfig, error) {
	now := a.now()
	cfg.Name = AppConfigKey
	cfg.ID = uuid.NewString()
	cfg.InsertedAt = now
	cfg.UpdatedAt = now

	var saved AppConfig
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns(appConfigMutable),
		}
		if err := tx.Clauses(upsert).Create(&cfg).Error; err != nil {
			return fmt.Errorf("upsert app config: %w", err)
		}
		if err := tx.Where("name = ?", AppConfigKey).Take(&saved).Error; err != nil {
			return fmt.Errorf("reload app config: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}
