package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantdomains/internal/models"
	"tenantdomains/internal/status"
)

type tenantFixture struct {
	st       testStores
	acme     *models.Organization
	globex   *models.Organization
	resolver *TenantResolver
	domains  *DomainService
	dns      *fakeDNS
}

func newTenantFixture(t *testing.T, ttl time.Duration) tenantFixture {
	t.Helper()
	st := newTestStores(t)
	dns := newFakeDNS()
	return tenantFixture{
		st:     st,
		acme:   st.addOrg(t, "acme"),
		globex: st.addOrg(t, "globex"),
		resolver: NewTenantResolver(st.domains, st.orgs, TenantResolverConfig{
			PlatformDomain:     "members.example.net",
			ReservedSubdomains: []string{"www", "admin"},
			CacheTTL:           ttl,
		}, nil),
		domains: NewDomainService(st.domains, st.orgs, dns, fixedToken("tok")),
		dns:     dns,
	}
}

func (f tenantFixture) addDomain(t *testing.T, org *models.Organization, name string, verify bool) *models.Domain {
	t.Helper()
	ctx := context.Background()
	d, err := f.domains.CreateDomain(ctx, admin(org.ID), org.ID, name)
	require.NoError(t, err)
	if verify {
		f.dns.setTXT(VerificationRecordName(name), "tok")
		res, err := f.domains.VerifyDomain(ctx, d.ID)
		require.NoError(t, err)
		require.True(t, res.Verified)
	}
	return d
}

func TestResolveTenantPrecedence(t *testing.T) {
	f := newTenantFixture(t, 0)
	f.addDomain(t, f.acme, "acme.example.org", true)
	// a verified custom domain that happens to look like another tenant's subdomain
	f.addDomain(t, f.acme, "globex.members.example.net", true)
	f.addDomain(t, f.globex, "pending.example.org", false)

	tests := []struct {
		name     string
		host     string
		hint     string
		wantSlug string
		wantRule ResolutionRule
	}{
		{"custom domain", "acme.example.org", "", "acme", RuleCustomDomain},
		{"custom domain with port and case", "ACME.example.org:443", "", "acme", RuleCustomDomain},
		{"custom domain beats subdomain", "globex.members.example.net", "", "acme", RuleCustomDomain},
		{"plain subdomain", "acme.members.example.net", "", "acme", RuleSubdomain},
		{"hint by slug beats host", "acme.example.org", "globex", "globex", RuleHint},
		{"hint on ip host", "127.0.0.1:8080", "acme", "acme", RuleHint},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.resolver.ResolveTenant(context.Background(), tc.host, tc.hint)
			require.NoError(t, err)
			assert.Equal(t, tc.wantSlug, res.Organization.Slug)
			assert.Equal(t, tc.wantRule, res.Rule)
		})
	}

	res, err := f.resolver.ResolveTenant(context.Background(), "unrelated.example.com", f.globex.ID)
	require.NoError(t, err)
	assert.Equal(t, "globex", res.Organization.Slug, "hint by id")
}

func TestResolveTenantNotFound(t *testing.T) {
	f := newTenantFixture(t, 0)
	f.addDomain(t, f.globex, "pending.example.org", false)

	tests := []struct {
		name string
		host string
		hint string
	}{
		{"unverified domain never routes", "pending.example.org", ""},
		{"unknown host", "nobody.example.com", ""},
		{"reserved subdomain", "www.members.example.net", ""},
		{"nested subdomain", "a.acme.members.example.net", ""},
		{"bare platform domain", "members.example.net", ""},
		{"unknown slug", "ghost.members.example.net", ""},
		{"ip host", "10.0.0.5", ""},
		{"ipv6 host", "[::1]:8080", ""},
		{"empty host", "", ""},
		{"unknown hint does not fall through", "acme.members.example.net", "ghost"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.resolver.ResolveTenant(context.Background(), tc.host, tc.hint)
			assert.True(t, status.Is(err, status.NotFound), "got %v", err)
		})
	}
}

func TestResolveTenantCache(t *testing.T) {
	f := newTenantFixture(t, time.Minute)
	ctx := context.Background()
	d := f.addDomain(t, f.acme, "acme.example.org", true)

	res, err := f.resolver.ResolveTenant(ctx, "acme.example.org", "")
	require.NoError(t, err)
	assert.Equal(t, f.acme.ID, res.Organization.ID)
	_, cached := f.resolver.cache.Get("acme.example.org")
	assert.True(t, cached)

	res, err = f.resolver.ResolveTenant(ctx, "acme.example.org", "")
	require.NoError(t, err)
	assert.Equal(t, f.acme.ID, res.Organization.ID)

	f.resolver.Forget("ACME.example.org")
	_, cached = f.resolver.cache.Get("acme.example.org")
	assert.False(t, cached)

	_, err = f.domains.DeleteDomain(ctx, admin(f.acme.ID), d.ID)
	require.NoError(t, err)
	_, err = f.resolver.ResolveTenant(ctx, "acme.example.org", "")
	assert.True(t, status.Is(err, status.NotFound))
}

func TestResolveTenantCacheSeesDeleteByAnotherInstance(t *testing.T) {
	f := newTenantFixture(t, time.Hour)
	ctx := context.Background()
	d := f.addDomain(t, f.acme, "acme.example.org", true)

	_, err := f.resolver.ResolveTenant(ctx, "acme.example.org", "")
	require.NoError(t, err)

	// removed straight from the shared store, as another server process would,
	// so this resolver's Forget never runs
	require.NoError(t, f.st.domains.Delete(ctx, d.ID))

	_, err = f.resolver.ResolveTenant(ctx, "acme.example.org", "")
	assert.True(t, status.Is(err, status.NotFound), "got %v", err)
	_, cached := f.resolver.cache.Get("acme.example.org")
	assert.False(t, cached, "stale match is dropped")
}

func TestResolveTenantCacheFollowsReassignment(t *testing.T) {
	f := newTenantFixture(t, time.Hour)
	ctx := context.Background()
	d := f.addDomain(t, f.acme, "shared.example.org", true)

	_, err := f.resolver.ResolveTenant(ctx, "shared.example.org", "")
	require.NoError(t, err)

	require.NoError(t, f.st.domains.Delete(ctx, d.ID))
	f.addDomain(t, f.globex, "shared.example.org", true)

	res, err := f.resolver.ResolveTenant(ctx, "shared.example.org", "")
	require.NoError(t, err)
	assert.Equal(t, f.globex.ID, res.Organization.ID)
}
