package models

import "time"

// Account stores one provider account. Password and session artifacts are
// held only as age ciphertext.
type Account struct {
	ID                 string `gorm:"primaryKey"` // UUID
	DisplayName        string `gorm:"not null"`
	Provider           string `gorm:"index;not null"` // catalog profile name, e.g. "anyrouter"
	AuthMode           string `gorm:"not null"`       // "password" or "cookie"
	LoginUsername      string
	SealedPassword     string `gorm:"type:text"`
	SealedArtifacts    string `gorm:"type:text"` // JSON session.Artifacts, sealed as one unit
	ArtifactsUpdatedAt *time.Time
	NotifyEmail        string
	Enabled            bool `gorm:"index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
