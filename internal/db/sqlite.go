package db

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/glebarez/sqlite"
	"github.com/pysugar/checkin-nexus/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const apiKeyConfigKey = "api_key"

// InitDB opens the SQLite database, runs migrations and makes sure an admin
// API key exists.
func InitDB(dbPath string, lg *log.Logger) (*gorm.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(withPragmas(dbPath)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", dbPath, err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	// Ensure API key exists (generate on first run)
	created, err := ensureAPIKey(db)
	if err != nil {
		return nil, err
	}
	if created != "" {
		lg.Info("🔑 Generated new API key", "key", created)
	}

	return db, nil
}

// Migrate creates or updates all tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Account{}, &models.CheckinLog{}, &models.BalanceRecord{}, &models.Config{}); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// ensureAPIKey generates the API key if it does not exist yet and returns it.
func ensureAPIKey(db *gorm.DB) (string, error) {
	var config models.Config
	err := db.Where("key = ?", apiKeyConfigKey).First(&config).Error
	if err == nil {
		return "", nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("loading API key: %w", err)
	}

	apiKey, err := newAPIKey()
	if err != nil {
		return "", err
	}
	if err := db.Create(&models.Config{Key: apiKeyConfigKey, Value: apiKey}).Error; err != nil {
		return "", fmt.Errorf("storing API key: %w", err)
	}
	return apiKey, nil
}

// GetAPIKey retrieves the API key from database
func GetAPIKey(db *gorm.DB) string {
	var config models.Config
	db.Where("key = ?", apiKeyConfigKey).First(&config)
	return config.Value
}

// RegenerateAPIKey replaces the API key and returns the new value.
func RegenerateAPIKey(db *gorm.DB) (string, error) {
	apiKey, err := newAPIKey()
	if err != nil {
		return "", err
	}
	res := db.Model(&models.Config{}).Where("key = ?", apiKeyConfigKey).Update("value", apiKey)
	if res.Error != nil {
		return "", fmt.Errorf("updating API key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := db.Create(&models.Config{Key: apiKeyConfigKey, Value: apiKey}).Error; err != nil {
			return "", fmt.Errorf("storing API key: %w", err)
		}
	}
	return apiKey, nil
}

// newAPIKey returns sk-<32 hex chars>.
func newAPIKey() (string, error) {
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("generating API key: %w", err)
	}
	return "sk-" + hex.EncodeToString(keyBytes), nil
}
