package models

import "time"

// CheckinLog is appended exactly once per account run.
type CheckinLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AccountID string    `gorm:"index;not null" json:"account_id"`
	Succeeded bool      `json:"succeeded"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// BalanceRecord is appended after every successful run.
type BalanceRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AccountID string    `gorm:"index;not null" json:"account_id"`
	Quota     float64   `json:"quota"`
	UsedQuota float64   `json:"used_quota"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// CheckinStats aggregates check-in log rows.
type CheckinStats struct {
	Total        int64 `json:"total"`
	SuccessCount int64 `json:"success_count"`
	FailureCount int64 `json:"failure_count"`
}
