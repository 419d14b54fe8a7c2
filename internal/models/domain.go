package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
)

type SSLStatus string

const (
	SSLPending SSLStatus = "pending"
	SSLIssued  SSLStatus = "issued"
	SSLFailed  SSLStatus = "failed"
	SSLExpired SSLStatus = "expired"
)

// Domain is a custom domain attached to an organization. The row is the source of
// truth; proxy configuration and certificates on disk are derived from it.
type Domain struct {
	ID                 string             `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID     string             `gorm:"size:36;not null;index" json:"organization_id"`
	Name               string             `gorm:"column:domain;size:255;not null;uniqueIndex" json:"domain"`
	VerificationToken  string             `gorm:"size:64;not null" json:"verification_token"`
	VerificationStatus VerificationStatus `gorm:"size:16;not null;default:'pending'" json:"verification_status"`
	VerifiedAt         *time.Time         `json:"verified_at"`
	IsPrimary          bool               `gorm:"not null;default:false" json:"is_primary"`
	SSLStatus          SSLStatus          `gorm:"column:ssl_status;size:16;not null;default:'pending'" json:"ssl_status"`
	SSLIssuedAt        *time.Time         `gorm:"column:ssl_issued_at" json:"ssl_issued_at"`
	SSLExpiresAt       *time.Time         `gorm:"column:ssl_expires_at" json:"ssl_expires_at"`
	LastCheckedAt      *time.Time         `json:"last_checked_at"`
	LastError          string             `gorm:"type:text" json:"last_error,omitempty"`
	Version            int64              `gorm:"not null;default:1" json:"-"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

func (d *Domain) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.VerificationStatus == "" {
		d.VerificationStatus = VerificationPending
	}
	if d.SSLStatus == "" {
		d.SSLStatus = SSLPending
	}
	if d.Version == 0 {
		d.Version = 1
	}
	return nil
}

func (d *Domain) IsVerified() bool {
	return d.VerificationStatus == VerificationVerified
}
