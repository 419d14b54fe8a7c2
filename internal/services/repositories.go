package services

import (
	"context"

	"tenantdomains/internal/models"
	"tenantdomains/internal/store"
)

// DomainRepository is the persistence the services need; *store.DomainStore implements it.
type DomainRepository interface {
	Create(ctx context.Context, d *models.Domain) error
	Get(ctx context.Context, id string) (*models.Domain, error)
	GetByName(ctx context.Context, name string) (*models.Domain, error)
	FindVerified(ctx context.Context, name string) (*models.Domain, error)
	ListByOrganization(ctx context.Context, orgID string) ([]models.Domain, error)
	Mutate(ctx context.Context, id string, fn store.MutateFunc) (*models.Domain, error)
	SetPrimary(ctx context.Context, orgID, id string) error
	Delete(ctx context.Context, id string) error
}

type OrganizationRepository interface {
	Get(ctx context.Context, id string) (*models.Organization, error)
	GetBySlug(ctx context.Context, slug string) (*models.Organization, error)
	List(ctx context.Context) ([]models.Organization, error)
}

// RouteActivator is the part of the routing generator other services drive.
type RouteActivator interface {
	EnableDomain(ctx context.Context, domain string, withTLS bool) error
	State(domain string) RouteState
}
