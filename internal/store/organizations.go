package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"tenantdomains/internal/models"
	"tenantdomains/internal/status"
)

type OrganizationStore struct {
	db *gorm.DB
}

func NewOrganizationStore(db *gorm.DB) *OrganizationStore {
	return &OrganizationStore{db: db}
}

func (s *OrganizationStore) Get(ctx context.Context, id string) (*models.Organization, error) {
	var org models.Organization
	err := s.db.WithContext(ctx).First(&org, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, status.NewOrganizationNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get organization %s: %w", id, err)
	}
	return &org, nil
}

func (s *OrganizationStore) GetBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	var org models.Organization
	err := s.db.WithContext(ctx).First(&org, "slug = ?", slug).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, status.NewOrganizationNotFoundError(slug)
	}
	if err != nil {
		return nil, fmt.Errorf("get organization %s: %w", slug, err)
	}
	return &org, nil
}

func (s *OrganizationStore) List(ctx context.Context) ([]models.Organization, error) {
	var orgs []models.Organization
	if err := s.db.WithContext(ctx).Order("name").Find(&orgs).Error; err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	return orgs, nil
}

func (s *OrganizationStore) Create(ctx context.Context, org *models.Organization) error {
	err := s.db.WithContext(ctx).Create(org).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return status.Errorf(status.Conflict, "organization slug %s is taken", org.Slug)
	}
	if err != nil {
		return fmt.Errorf("insert organization %s: %w", org.Slug, err)
	}
	return nil
}
