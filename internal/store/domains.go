package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"tenantdomains/internal/models"
	"tenantdomains/internal/status"
)

// ErrStaleRecord is returned by Update when the row changed since it was read.
var ErrStaleRecord = errors.New("domain record was modified concurrently")

const maxMutateAttempts = 5

// MutateFunc applies a change to a freshly read record. Returning false skips the write.
type MutateFunc func(d *models.Domain) (bool, error)

type DomainStore struct {
	db *gorm.DB
}

func NewDomainStore(db *gorm.DB) *DomainStore {
	return &DomainStore{db: db}
}

func (s *DomainStore) Create(ctx context.Context, d *models.Domain) error {
	err := s.db.WithContext(ctx).Create(d).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return status.NewDomainExistsError(d.Name)
	}
	if err != nil {
		return fmt.Errorf("insert domain %s: %w", d.Name, err)
	}
	return nil
}

func (s *DomainStore) Get(ctx context.Context, id string) (*models.Domain, error) {
	var d models.Domain
	err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, status.NewDomainNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get domain %s: %w", id, err)
	}
	return &d, nil
}

func (s *DomainStore) GetByName(ctx context.Context, name string) (*models.Domain, error) {
	var d models.Domain
	err := s.db.WithContext(ctx).First(&d, "domain = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, status.NewDomainNotFoundError(name)
	}
	if err != nil {
		return nil, fmt.Errorf("get domain %s: %w", name, err)
	}
	return &d, nil
}

// FindVerified returns the domain only if its ownership has been proven.
func (s *DomainStore) FindVerified(ctx context.Context, name string) (*models.Domain, error) {
	var d models.Domain
	err := s.db.WithContext(ctx).
		Where("domain = ? AND verification_status = ?", name, models.VerificationVerified).
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, status.NewDomainNotFoundError(name)
	}
	if err != nil {
		return nil, fmt.Errorf("find verified domain %s: %w", name, err)
	}
	return &d, nil
}

func (s *DomainStore) ListByOrganization(ctx context.Context, orgID string) ([]models.Domain, error) {
	var domains []models.Domain
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("created_at").
		Find(&domains).Error
	if err != nil {
		return nil, fmt.Errorf("list domains of %s: %w", orgID, err)
	}
	return domains, nil
}

// Update writes d if nobody else wrote the row since d was read.
// On success d.Version is advanced to the stored value.
func (s *DomainStore) Update(ctx context.Context, d *models.Domain) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.Domain{}).
		Where("id = ? AND version = ?", d.ID, d.Version).
		Updates(map[string]interface{}{
			"verification_status": d.VerificationStatus,
			"verified_at":         d.VerifiedAt,
			"ssl_status":          d.SSLStatus,
			"ssl_issued_at":       d.SSLIssuedAt,
			"ssl_expires_at":      d.SSLExpiresAt,
			"last_checked_at":     d.LastCheckedAt,
			"last_error":          d.LastError,
			"version":             d.Version + 1,
			"updated_at":          now,
		})
	if res.Error != nil {
		return fmt.Errorf("update domain %s: %w", d.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleRecord
	}
	d.Version++
	d.UpdatedAt = now
	return nil
}

// Mutate reads the record, applies fn and writes it back with a version check,
// re-reading and re-applying fn when another writer got there first.
func (s *DomainStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*models.Domain, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		d, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		write, err := fn(d)
		if err != nil {
			return nil, err
		}
		if !write {
			return d, nil
		}

		err = s.Update(ctx, d)
		if errors.Is(err, ErrStaleRecord) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("update domain %s: %w after %d attempts", id, ErrStaleRecord, maxMutateAttempts)
}

// SetPrimary makes id the only primary domain of orgID in a single transaction.
func (s *DomainStore) SetPrimary(ctx context.Context, orgID, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target models.Domain
		err := tx.First(&target, "id = ? AND organization_id = ?", id, orgID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return status.NewDomainNotFoundError(id)
		}
		if err != nil {
			return err
		}
		if target.IsPrimary {
			return nil
		}

		now := time.Now().UTC()
		err = tx.Model(&models.Domain{}).
			Where("organization_id = ? AND is_primary = ?", orgID, true).
			Updates(map[string]interface{}{
				"is_primary": false,
				"version":    gorm.Expr("version + 1"),
				"updated_at": now,
			}).Error
		if err != nil {
			return fmt.Errorf("clear primary of %s: %w", orgID, err)
		}

		err = tx.Model(&models.Domain{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"is_primary": true,
				"version":    gorm.Expr("version + 1"),
				"updated_at": now,
			}).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return status.Errorf(status.Conflict, "organization %s already has a primary domain", orgID)
		}
		if err != nil {
			return fmt.Errorf("set primary %s: %w", id, err)
		}
		return nil
	})
}

// Delete removes the record only; generated proxy config and certificates stay.
func (s *DomainStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.Domain{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete domain %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return status.NewDomainNotFoundError(id)
	}
	return nil
}
