package services

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"tenantdomains/internal/metrics"
	"tenantdomains/internal/models"
	"tenantdomains/internal/status"
)

type ResolutionRule string

const (
	RuleHint         ResolutionRule = "hint"
	RuleCustomDomain ResolutionRule = "custom_domain"
	RuleSubdomain    ResolutionRule = "subdomain"
)

type TenantResolution struct {
	Organization *models.Organization
	Rule         ResolutionRule
}

type TenantResolverConfig struct {
	PlatformDomain     string
	ReservedSubdomains []string
	// CacheTTL bounds how long the organization of a custom-domain match is
	// reused. Zero disables caching.
	CacheTTL time.Duration
}

// TenantResolver maps an inbound host, or an explicit tenant hint, to an organization.
type TenantResolver struct {
	domains        DomainRepository
	orgs           OrganizationRepository
	platformSuffix string
	reserved       map[string]struct{}
	// domain name -> organization, positive custom-domain matches only
	cache   *cache.Cache
	metrics *metrics.Metrics
}

func NewTenantResolver(domains DomainRepository, orgs OrganizationRepository, cfg TenantResolverConfig, m *metrics.Metrics) *TenantResolver {
	r := &TenantResolver{
		domains:  domains,
		orgs:     orgs,
		reserved: make(map[string]struct{}, len(cfg.ReservedSubdomains)),
		metrics:  m,
	}
	if platform := NormalizeHost(cfg.PlatformDomain); platform != "" {
		r.platformSuffix = "." + platform
	}
	for _, sub := range cfg.ReservedSubdomains {
		r.reserved[strings.ToLower(strings.TrimSpace(sub))] = struct{}{}
	}
	if cfg.CacheTTL > 0 {
		r.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return r
}

// ResolveTenant applies, first match wins: the hint, a verified custom domain,
// a <slug>.<platform domain> subdomain. Anything else is NotFound; an unknown
// hint does not fall through to the host.
func (r *TenantResolver) ResolveTenant(ctx context.Context, host, hint string) (*TenantResolution, error) {
	if hint = strings.TrimSpace(hint); hint != "" {
		org, err := r.byHint(ctx, hint)
		if err != nil {
			return nil, err
		}
		return r.resolved(org, RuleHint), nil
	}

	name := NormalizeHost(host)
	if name == "" || IsIPHost(name) {
		return nil, status.Errorf(status.NotFound, "no tenant for host %q", host)
	}

	org, err := r.byCustomDomain(ctx, name)
	if err != nil {
		return nil, err
	}
	if org != nil {
		return r.resolved(org, RuleCustomDomain), nil
	}

	if slug, ok := r.subdomainSlug(name); ok {
		org, err := r.orgs.GetBySlug(ctx, slug)
		switch {
		case err == nil:
			return r.resolved(org, RuleSubdomain), nil
		case !status.Is(err, status.NotFound):
			return nil, err
		}
	}

	return nil, status.Errorf(status.NotFound, "no tenant for host %q", name)
}

// Forget drops a cached custom-domain match, e.g. after the record is deleted.
func (r *TenantResolver) Forget(domain string) {
	if r.cache != nil {
		r.cache.Delete(NormalizeHost(domain))
	}
}

func (r *TenantResolver) resolved(org *models.Organization, rule ResolutionRule) *TenantResolution {
	r.metrics.TenantResolution(string(rule))
	return &TenantResolution{Organization: org, Rule: rule}
}

func (r *TenantResolver) byHint(ctx context.Context, hint string) (*models.Organization, error) {
	org, err := r.orgs.Get(ctx, hint)
	if err == nil || !status.Is(err, status.NotFound) {
		return org, err
	}
	org, err = r.orgs.GetBySlug(ctx, strings.ToLower(hint))
	if status.Is(err, status.NotFound) {
		return nil, status.Errorf(status.NotFound, "unknown tenant %q", hint)
	}
	return org, err
}

func (r *TenantResolver) byCustomDomain(ctx context.Context, name string) (*models.Organization, error) {
	d, err := r.domains.FindVerified(ctx, name)
	if status.Is(err, status.NotFound) {
		r.Forget(name)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// The verified record is always read so a domain deleted or reassigned by
	// another instance stops routing at once; the cache only saves the
	// organization lookup.
	if r.cache != nil {
		if cached, ok := r.cache.Get(name); ok {
			if org := cached.(*models.Organization); org.ID == d.OrganizationID {
				return org, nil
			}
			r.cache.Delete(name)
		}
	}

	org, err := r.orgs.Get(ctx, d.OrganizationID)
	if status.Is(err, status.NotFound) {
		log.WithFields(log.Fields{"domain": name, "organization_id": d.OrganizationID}).
			Warn("verified domain points at a missing organization")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.SetDefault(name, org)
	}
	return org, nil
}

func (r *TenantResolver) subdomainSlug(name string) (string, bool) {
	if r.platformSuffix == "" || !strings.HasSuffix(name, r.platformSuffix) {
		return "", false
	}
	slug := strings.TrimSuffix(name, r.platformSuffix)
	if slug == "" || strings.Contains(slug, ".") {
		return "", false
	}
	if _, reserved := r.reserved[slug]; reserved {
		return "", false
	}
	return slug, true
}
