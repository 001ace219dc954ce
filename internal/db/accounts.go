package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/checkin-nexus/internal/accounts"
	"github.com/pysugar/checkin-nexus/internal/db/models"
	"github.com/pysugar/checkin-nexus/internal/session"
	"gorm.io/gorm"
)

// ErrAccountNotFound is returned when no account has the requested ID.
var ErrAccountNotFound = errors.New("account not found")

// Sealer encrypts secrets before they reach the database.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(ciphertext string) ([]byte, error)
}

// AccountStore persists account records, check-in logs and balance history.
type AccountStore struct {
	db     *gorm.DB
	sealer Sealer
	now    func() time.Time
}

// NewAccountStore creates a store over an initialized database.
func NewAccountStore(db *gorm.DB, sealer Sealer) *AccountStore {
	return &AccountStore{db: db, sealer: sealer, now: time.Now}
}

// CreateAccount validates and inserts rec, assigning a new ID.
func (s *AccountStore) CreateAccount(ctx context.Context, rec accounts.Record) (accounts.Record, error) {
	if err := rec.Validate(); err != nil {
		return accounts.Record{}, err
	}

	row := models.Account{
		ID:            uuid.New().String(),
		DisplayName:   strings.TrimSpace(rec.DisplayName),
		Provider:      strings.ToLower(strings.TrimSpace(rec.Provider)),
		AuthMode:      string(rec.AuthMode),
		LoginUsername: strings.TrimSpace(rec.LoginUsername),
		NotifyEmail:   rec.NotifyEmail,
		Enabled:       rec.Enabled,
		CreatedAt:     s.now(),
	}

	var err error
	if row.SealedPassword, err = s.sealString(rec.Password); err != nil {
		return accounts.Record{}, err
	}
	if rec.Artifacts != nil {
		if row.SealedArtifacts, err = s.sealArtifacts(*rec.Artifacts); err != nil {
			return accounts.Record{}, err
		}
		now := s.now()
		row.ArtifactsUpdatedAt = &now
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return accounts.Record{}, fmt.Errorf("creating account: %w", err)
	}
	rec.ID = row.ID
	rec.Provider = row.Provider
	return rec, nil
}

// ListAccounts returns every account ordered by creation time.
func (s *AccountStore) ListAccounts(ctx context.Context) ([]accounts.Record, error) {
	return s.list(s.db.WithContext(ctx))
}

// ListEnabledAccounts returns a snapshot of the enabled accounts. A row whose
// secrets cannot be opened is returned with SecretErr set rather than failing
// the whole listing.
func (s *AccountStore) ListEnabledAccounts(ctx context.Context) ([]accounts.Record, error) {
	return s.list(s.db.WithContext(ctx).Where("enabled = ?", true))
}

func (s *AccountStore) list(q *gorm.DB) ([]accounts.Record, error) {
	var rows []models.Account
	if err := q.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	out := make([]accounts.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.toRecord(row))
	}
	return out, nil
}

// GetAccount loads one account by ID.
func (s *AccountStore) GetAccount(ctx context.Context, id string) (accounts.Record, error) {
	var row models.Account
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return accounts.Record{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return accounts.Record{}, fmt.Errorf("loading account %s: %w", id, err)
	}
	rec := s.toRecord(row)
	if rec.SecretErr != nil {
		return rec, rec.SecretErr
	}
	return rec, nil
}

// ReplaceArtifacts swaps the stored session artifacts for a in one update.
func (s *AccountStore) ReplaceArtifacts(ctx context.Context, id string, a session.Artifacts) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("refusing to store artifacts: %w", err)
	}
	sealedArtifacts, err := s.sealArtifacts(a)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(map[string]interface{}{
		"sealed_artifacts":     sealedArtifacts,
		"artifacts_updated_at": s.now(),
	})
	if res.Error != nil {
		return fmt.Errorf("replacing artifacts for %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return nil
}

// SetEnabled toggles whether the account takes part in cycles.
func (s *AccountStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Update("enabled", enabled)
	if res.Error != nil {
		return fmt.Errorf("updating account %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return nil
}

// DeleteAccount removes the account together with its history.
func (s *AccountStore) DeleteAccount(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&models.Account{})
		if res.Error != nil {
			return fmt.Errorf("deleting account %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		if err := tx.Where("account_id = ?", id).Delete(&models.CheckinLog{}).Error; err != nil {
			return fmt.Errorf("deleting check-in logs: %w", err)
		}
		if err := tx.Where("account_id = ?", id).Delete(&models.BalanceRecord{}).Error; err != nil {
			return fmt.Errorf("deleting balance history: %w", err)
		}
		return nil
	})
}

// AppendCheckinLog records the outcome of one run.
func (s *AccountStore) AppendCheckinLog(ctx context.Context, accountID string, succeeded bool, reason, message string) error {
	entry := models.CheckinLog{
		AccountID: accountID,
		Succeeded: succeeded,
		Reason:    reason,
		Message:   message,
		CreatedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("appending check-in log: %w", err)
	}
	return nil
}

// AppendBalanceRecord records the balance observed by a successful run.
func (s *AccountStore) AppendBalanceRecord(ctx context.Context, accountID string, quota, usedQuota float64) error {
	entry := models.BalanceRecord{
		AccountID: accountID,
		Quota:     quota,
		UsedQuota: usedQuota,
		CreatedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("appending balance record: %w", err)
	}
	return nil
}

// CheckinLogs returns the newest log entries, optionally for one account.
func (s *AccountStore) CheckinLogs(ctx context.Context, accountID string, limit int) ([]models.CheckinLog, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(clampLimit(limit))
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	var logs []models.CheckinLog
	if err := q.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("listing check-in logs: %w", err)
	}
	return logs, nil
}

// CheckinStats counts log entries since the given time.
func (s *AccountStore) CheckinStats(ctx context.Context, since time.Time) (models.CheckinStats, error) {
	var stats models.CheckinStats
	q := s.db.WithContext(ctx).Model(&models.CheckinLog{}).Where("created_at >= ?", since)
	if err := q.Count(&stats.Total).Error; err != nil {
		return stats, fmt.Errorf("counting check-in logs: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.CheckinLog{}).
		Where("created_at >= ? AND succeeded = ?", since, true).
		Count(&stats.SuccessCount).Error; err != nil {
		return stats, fmt.Errorf("counting successful check-ins: %w", err)
	}
	stats.FailureCount = stats.Total - stats.SuccessCount
	return stats, nil
}

// BalanceHistory returns the newest balance records for one account.
func (s *AccountStore) BalanceHistory(ctx context.Context, accountID string, limit int) ([]models.BalanceRecord, error) {
	var records []models.BalanceRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Limit(clampLimit(limit)).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("listing balance history: %w", err)
	}
	return records, nil
}

func (s *AccountStore) toRecord(row models.Account) accounts.Record {
	rec := accounts.Record{
		ID:            row.ID,
		DisplayName:   row.DisplayName,
		Provider:      row.Provider,
		AuthMode:      accounts.AuthMode(row.AuthMode),
		Enabled:       row.Enabled,
		LoginUsername: row.LoginUsername,
		NotifyEmail:   row.NotifyEmail,
	}

	password, err := s.sealer.Open(row.SealedPassword)
	if err != nil {
		rec.SecretErr = fmt.Errorf("opening password for %s: %w", row.ID, err)
		return rec
	}
	rec.Password = string(password)

	if row.SealedArtifacts != "" {
		raw, err := s.sealer.Open(row.SealedArtifacts)
		if err != nil {
			rec.SecretErr = fmt.Errorf("opening session artifacts for %s: %w", row.ID, err)
			return rec
		}
		var a session.Artifacts
		if err := json.Unmarshal(raw, &a); err != nil {
			rec.SecretErr = fmt.Errorf("decoding session artifacts for %s: %w", row.ID, err)
			return rec
		}
		rec.Artifacts = &a
	}
	return rec
}

func (s *AccountStore) sealString(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	out, err := s.sealer.Seal([]byte(v))
	if err != nil {
		return "", fmt.Errorf("sealing password: %w", err)
	}
	return out, nil
}

func (s *AccountStore) sealArtifacts(a session.Artifacts) (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encoding session artifacts: %w", err)
	}
	out, err := s.sealer.Seal(raw)
	if err != nil {
		return "", fmt.Errorf("sealing session artifacts: %w", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}
