package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantdomains/internal/models"
	"tenantdomains/internal/status"
)

type fakeIssuer struct {
	mu       sync.Mutex
	requests []IssueRequest
	output   string
	err      error
	// onIssue runs for successful requests, e.g. to drop a certificate on disk.
	onIssue func(req IssueRequest)
}

func (f *fakeIssuer) Issue(_ context.Context, req IssueRequest) (IssueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return IssueOutput{Output: f.output}, f.err
	}
	if f.onIssue != nil {
		f.onIssue(req)
	}
	return IssueOutput{Output: f.output}, nil
}

func writeTestCertificate(t *testing.T, certDir, domain string, notAfter time.Time) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	dir := filepath.Join(certDir, domain)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fullchain.pem"), pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
}

func verifiedDomain(t *testing.T, st testStores, name string) *models.Domain {
	t.Helper()
	org := st.addOrg(t, "org-"+name)
	dns := newFakeDNS()
	svc := NewDomainService(st.domains, st.orgs, dns, fixedToken("tok"))
	ctx := context.Background()

	d, err := svc.CreateDomain(ctx, admin(org.ID), org.ID, name)
	require.NoError(t, err)
	dns.setTXT(VerificationRecordName(name), "tok")
	res, err := svc.VerifyDomain(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, res.Verified)
	return d
}

func TestIssueCertificateRequiresVerification(t *testing.T) {
	st := newTestStores(t)
	org := st.addOrg(t, "acme")
	issuer := &fakeIssuer{}
	routes := newFakeRoutes()
	certs := NewCertificateService(st.domains, issuer, t.TempDir(), time.Second, WithCertificateRoutes(routes))
	ctx := context.Background()

	d, err := NewDomainService(st.domains, st.orgs, newFakeDNS()).CreateDomain(ctx, admin(org.ID), org.ID, "example.org")
	require.NoError(t, err)

	_, err = certs.IssueCertificate(ctx, d.ID)
	assert.True(t, status.Is(err, status.PreconditionFailed), "got %v", err)
	assert.Empty(t, issuer.requests)
	assert.Empty(t, routes.calls)

	_, err = certs.IssueCertificate(ctx, "missing")
	assert.True(t, status.Is(err, status.NotFound))
}

func TestIssueCertificate(t *testing.T) {
	st := newTestStores(t)
	certDir := t.TempDir()
	expires := time.Now().Add(90 * 24 * time.Hour).UTC().Truncate(time.Second)
	issuer := &fakeIssuer{
		output: "Successfully received certificate.",
		onIssue: func(req IssueRequest) {
			writeTestCertificate(t, certDir, req.Domain, expires)
		},
	}
	routes := newFakeRoutes()
	certs := NewCertificateService(st.domains, issuer, certDir, time.Second, WithCertificateRoutes(routes))
	ctx := context.Background()

	d := verifiedDomain(t, st, "example.org")

	res, err := certs.IssueCertificate(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Successfully received certificate.", res.Output)
	assert.Empty(t, res.RoutingError)

	assert.Equal(t, []IssueRequest{{Domain: "example.org"}}, issuer.requests)
	assert.Equal(t, []string{"example.org", "example.org+tls"}, routes.calls, "base config precedes issuance, TLS follows it")

	rec, err := st.domains.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SSLIssued, rec.SSLStatus)
	require.NotNil(t, rec.SSLIssuedAt)
	require.NotNil(t, rec.SSLExpiresAt)
	assert.True(t, expires.Equal(*rec.SSLExpiresAt))

	_, err = certs.IssueCertificate(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, issuer.requests, 2)
	assert.True(t, issuer.requests[1].Renew, "reissue forces renewal")
	assert.Equal(t, []string{"example.org", "example.org+tls", "example.org+tls"}, routes.calls)
}

func TestIssueCertificateFailure(t *testing.T) {
	st := newTestStores(t)
	issuer := &fakeIssuer{
		output: "Challenge failed for domain example.org",
		err:    errors.New("certbot failed: exit status 1"),
	}
	routes := newFakeRoutes()
	certs := NewCertificateService(st.domains, issuer, t.TempDir(), time.Second, WithCertificateRoutes(routes))
	ctx := context.Background()

	d := verifiedDomain(t, st, "example.org")

	res, err := certs.IssueCertificate(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "exit status 1")
	assert.Equal(t, "Challenge failed for domain example.org", res.Output)
	assert.Len(t, issuer.requests, 1, "failures are not retried")
	assert.Equal(t, []string{"example.org"}, routes.calls)

	rec, err := st.domains.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SSLFailed, rec.SSLStatus)
	assert.Nil(t, rec.SSLIssuedAt)
	assert.Equal(t, "Challenge failed for domain example.org", rec.LastError)
}

func TestIssueCertificateBaseRouteFailure(t *testing.T) {
	st := newTestStores(t)
	issuer := &fakeIssuer{}
	routes := newFakeRoutes()
	routes.failOn[false] = errors.New("nginx: configuration file test failed")
	certs := NewCertificateService(st.domains, issuer, t.TempDir(), time.Second, WithCertificateRoutes(routes))

	d := verifiedDomain(t, st, "example.org")

	_, err := certs.IssueCertificate(context.Background(), d.ID)
	assert.True(t, status.Is(err, status.ExternalFailure), "got %v", err)
	assert.Empty(t, issuer.requests)
}

func TestIssueCertificateTLSRoutingFailureKeepsCertificate(t *testing.T) {
	st := newTestStores(t)
	issuer := &fakeIssuer{}
	routes := newFakeRoutes()
	routes.failOn[true] = errors.New("nginx: cannot load certificate")
	certs := NewCertificateService(st.domains, issuer, t.TempDir(), time.Second, WithCertificateRoutes(routes))
	ctx := context.Background()

	d := verifiedDomain(t, st, "example.org")

	res, err := certs.IssueCertificate(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.RoutingError, "cannot load certificate")

	rec, err := st.domains.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SSLIssued, rec.SSLStatus)
	assert.Nil(t, rec.SSLExpiresAt, "no certificate on disk to read")
}

func TestIssueCertificateTimeout(t *testing.T) {
	st := newTestStores(t)
	d := verifiedDomain(t, st, "example.org")

	runner := &blockingRunner{}
	issuer := NewExecIssuer(ExecIssuerConfig{Webroot: "/var/www/acme"}, runner)
	certs := NewCertificateService(st.domains, issuer, t.TempDir(), 20*time.Millisecond)

	res, err := certs.IssueCertificate(context.Background(), d.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "timed out")

	rec, err := st.domains.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SSLFailed, rec.SSLStatus)
}

func TestCheckExpiry(t *testing.T) {
	st := newTestStores(t)
	certDir := t.TempDir()
	issuer := &fakeIssuer{}
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	certs := NewCertificateService(st.domains, issuer, certDir, time.Second, WithCertificateClock(clock))
	ctx := context.Background()

	d := verifiedDomain(t, st, "example.org")

	_, err := certs.CheckExpiry(ctx, d.ID)
	assert.True(t, status.Is(err, status.PreconditionFailed), "nothing issued yet")

	_, err = certs.IssueCertificate(ctx, d.ID)
	require.NoError(t, err)

	_, err = certs.CheckExpiry(ctx, d.ID)
	assert.True(t, status.Is(err, status.ExternalFailure), "certificate missing on disk")

	writeTestCertificate(t, certDir, "example.org", now.Add(-time.Hour))
	rec, err := certs.CheckExpiry(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SSLExpired, rec.SSLStatus)

	writeTestCertificate(t, certDir, "example.org", now.Add(60*24*time.Hour))
	rec, err = certs.CheckExpiry(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SSLIssued, rec.SSLStatus)
	require.NotNil(t, rec.SSLExpiresAt)
	assert.True(t, rec.SSLExpiresAt.After(now))
}

// TestExampleOrgOnboarding walks a domain from registration to an issued certificate.
func TestExampleOrgOnboarding(t *testing.T) {
	st := newTestStores(t)
	org := st.addOrg(t, "acme")
	dns := newFakeDNS()
	routes := newFakeRoutes()
	issuer := &fakeIssuer{}
	domains := NewDomainService(st.domains, st.orgs, dns, fixedToken("abc123"), WithRouteActivator(routes))
	certs := NewCertificateService(st.domains, issuer, t.TempDir(), time.Second, WithCertificateRoutes(routes))
	ctx := context.Background()

	d, err := domains.CreateDomain(ctx, admin(org.ID), org.ID, "Example.org")
	require.NoError(t, err)
	assert.Equal(t, "example.org", d.Name)

	res, err := domains.VerifyDomain(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, res.Verified)

	dns.setTXT("_verification.example.org", "abc123")
	res, err = domains.VerifyDomain(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, res.Verified)

	issued, err := certs.IssueCertificate(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, issued.Success)
	require.Len(t, issuer.requests, 1)
	assert.Equal(t, "example.org", issuer.requests[0].Domain)

	rec, err := st.domains.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SSLIssued, rec.SSLStatus)
	assert.Equal(t, RouteActive, routes.State("example.org"))
}
