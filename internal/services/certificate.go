package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	log "github.com/sirupsen/logrus"

	"tenantdomains/internal/metrics"
	"tenantdomains/internal/models"
	"tenantdomains/internal/status"
)

type IssueResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Output  string `json:"output,omitempty"`
	// RoutingError is set when the certificate was issued but the TLS config
	// could not be activated.
	RoutingError string `json:"routing_error,omitempty"`
}

type CertificateService struct {
	domains DomainRepository
	issuer  CertificateIssuer
	routes  RouteActivator
	certDir string
	timeout time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

type CertificateServiceOption func(*CertificateService)

// WithCertificateRoutes ties issuance to the proxy: the base config is ensured
// before the ACME run and the TLS config is activated after it.
func WithCertificateRoutes(routes RouteActivator) CertificateServiceOption {
	return func(s *CertificateService) {
		s.routes = routes
	}
}

func WithCertificateMetrics(m *metrics.Metrics) CertificateServiceOption {
	return func(s *CertificateService) {
		s.metrics = m
	}
}

func WithCertificateClock(now func() time.Time) CertificateServiceOption {
	return func(s *CertificateService) {
		s.now = now
	}
}

func NewCertificateService(domains DomainRepository, issuer CertificateIssuer, certDir string, timeout time.Duration, opts ...CertificateServiceOption) *CertificateService {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	s := &CertificateService{
		domains: domains,
		issuer:  issuer,
		certDir: certDir,
		timeout: timeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueCertificate obtains or refreshes the certificate of a verified domain.
// A failed ACME run is reported in the result, not as an error.
func (s *CertificateService) IssueCertificate(ctx context.Context, id string) (*IssueResult, error) {
	d, err := s.domains.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.IsVerified() {
		return nil, status.NewDomainNotVerifiedError(d.Name)
	}

	logger := log.WithFields(log.Fields{"domain_id": d.ID, "domain": d.Name})

	if s.routes != nil && s.routes.State(d.Name) != RouteActive {
		if err := s.routes.EnableDomain(ctx, d.Name, false); err != nil {
			logger.Warnf("base routing config not active, skipping issuance: %v", err)
			return nil, status.Errorf(status.ExternalFailure, "routing config for %s could not be activated before issuance: %v", d.Name, err)
		}
	}

	renew := d.SSLStatus == models.SSLIssued || d.SSLStatus == models.SSLExpired
	issueCtx, cancel := context.WithTimeout(ctx, s.timeout)
	out, issueErr := s.issuer.Issue(issueCtx, IssueRequest{Domain: d.Name, Renew: renew})
	cancel()

	now := s.now().UTC()
	var expiresAt *time.Time
	if issueErr == nil {
		if notAfter, err := s.readNotAfter(d.Name); err == nil {
			expiresAt = &notAfter
		} else {
			logger.Debugf("certificate expiry unavailable: %v", err)
		}
	}

	_, err = s.domains.Mutate(ctx, id, func(rec *models.Domain) (bool, error) {
		if issueErr != nil {
			rec.SSLStatus = models.SSLFailed
			rec.LastError = diagnostic([]byte(out.Output), issueErr)
			return true, nil
		}
		rec.SSLStatus = models.SSLIssued
		rec.SSLIssuedAt = &now
		rec.SSLExpiresAt = expiresAt
		rec.LastError = ""
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if issueErr != nil {
		s.metrics.Issuance("failed")
		logger.Warnf("certificate issuance failed: %v", issueErr)
		return &IssueResult{
			Success: false,
			Message: fmt.Sprintf("Certificate issuance failed: %v", issueErr),
			Output:  out.Output,
		}, nil
	}

	s.metrics.Issuance("issued")
	logger.Info("certificate issued")
	result := &IssueResult{
		Success: true,
		Message: "SSL certificate issued successfully",
		Output:  out.Output,
	}
	if s.routes != nil {
		if err := s.routes.EnableDomain(ctx, d.Name, true); err != nil {
			logger.Errorf("activate TLS routing config: %v", err)
			result.RoutingError = err.Error()
			result.Message += ", but the TLS routing config was not activated"
		}
	}
	return result, nil
}

// CheckExpiry refreshes ssl_expires_at from the certificate on disk and marks
// the domain expired once NotAfter has passed. A certificate renewed by the
// ACME client's own scheduler moves the domain back to issued.
func (s *CertificateService) CheckExpiry(ctx context.Context, id string) (*models.Domain, error) {
	d, err := s.domains.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.SSLStatus != models.SSLIssued && d.SSLStatus != models.SSLExpired {
		return nil, status.Errorf(status.PreconditionFailed, "no certificate has been issued for %s", d.Name)
	}

	notAfter, err := s.readNotAfter(d.Name)
	if err != nil {
		return nil, status.Errorf(status.ExternalFailure, "read certificate for %s: %v", d.Name, err)
	}
	now := s.now().UTC()

	return s.domains.Mutate(ctx, id, func(rec *models.Domain) (bool, error) {
		if rec.SSLStatus != models.SSLIssued && rec.SSLStatus != models.SSLExpired {
			return false, nil
		}
		rec.SSLExpiresAt = &notAfter
		if now.After(notAfter) {
			rec.SSLStatus = models.SSLExpired
		} else {
			rec.SSLStatus = models.SSLIssued
		}
		return true, nil
	})
}

func (s *CertificateService) readNotAfter(domain string) (time.Time, error) {
	raw, err := os.ReadFile(filepath.Join(s.certDir, domain, "fullchain.pem"))
	if err != nil {
		return time.Time{}, err
	}
	cert, err := certcrypto.ParsePEMCertificate(raw)
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter.UTC(), nil
}
