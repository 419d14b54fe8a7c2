package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Organization mirrors the tenant table owned by the membership application.
// This service only reads it, apart from seeding development databases.
type Organization struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Slug      string    `gorm:"size:63;not null;uniqueIndex" json:"slug"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (o *Organization) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}
