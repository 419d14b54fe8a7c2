package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tenantdomains/internal/auth"
	"tenantdomains/internal/metrics"
	"tenantdomains/internal/models"
	"tenantdomains/internal/status"
)

const verificationLabel = "_verification"

// DNSLookup is everything the verification engine and the DNS diagnostics query.
type DNSLookup interface {
	TXTResolver
	LookupA(ctx context.Context, name string) ([]string, error)
	LookupAAAA(ctx context.Context, name string) ([]string, error)
	LookupCNAME(ctx context.Context, name string) ([]string, error)
}

type VerificationResult struct {
	Verified   bool     `json:"verified"`
	Message    string   `json:"message"`
	RecordName string   `json:"record_name"`
	Found      []string `json:"found,omitempty"`
	Expected   string   `json:"expected,omitempty"`
}

// DNSSnapshot is a read-only view of what resolvers currently answer for a domain.
type DNSSnapshot struct {
	Domain             string                    `json:"domain"`
	A                  []string                  `json:"a"`
	AAAA               []string                  `json:"aaaa"`
	CNAME              []string                  `json:"cname"`
	TXTRecordName      string                    `json:"txt_record_name"`
	TXT                []string                  `json:"txt"`
	Errors             map[string]string         `json:"errors,omitempty"`
	Registered         bool                      `json:"registered"`
	VerificationStatus models.VerificationStatus `json:"verification_status,omitempty"`
	Expected           string                    `json:"expected,omitempty"`
	TokenPresent       bool                      `json:"token_present"`
}

type DomainService struct {
	domains  DomainRepository
	orgs     OrganizationRepository
	resolver DNSLookup
	routes   RouteActivator
	metrics  *metrics.Metrics
	newToken func() (string, error)
	now      func() time.Time
}

type DomainServiceOption func(*DomainService)

// WithRouteActivator emits the base proxy config once a domain is verified.
func WithRouteActivator(routes RouteActivator) DomainServiceOption {
	return func(s *DomainService) {
		s.routes = routes
	}
}

func WithDomainMetrics(m *metrics.Metrics) DomainServiceOption {
	return func(s *DomainService) {
		s.metrics = m
	}
}

// WithTokenGenerator replaces the random verification token source.
func WithTokenGenerator(fn func() (string, error)) DomainServiceOption {
	return func(s *DomainService) {
		s.newToken = fn
	}
}

func WithDomainClock(now func() time.Time) DomainServiceOption {
	return func(s *DomainService) {
		s.now = now
	}
}

func NewDomainService(domains DomainRepository, orgs OrganizationRepository, resolver DNSLookup, opts ...DomainServiceOption) *DomainService {
	s := &DomainService{
		domains:  domains,
		orgs:     orgs,
		resolver: resolver,
		newToken: randomToken,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VerificationRecordName is the TXT name that must carry a domain's token.
func VerificationRecordName(domain string) string {
	return verificationLabel + "." + domain
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate verification token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CreateDomain registers rawDomain for orgID in the pending state with a fresh token.
func (s *DomainService) CreateDomain(ctx context.Context, p auth.Principal, orgID, rawDomain string) (*models.Domain, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, status.Errorf(status.InvalidInput, "organizationId is required")
	}
	name, err := CanonicalDomain(rawDomain)
	if err != nil {
		return nil, err
	}
	if !p.CanAdminister(orgID) {
		return nil, status.NewNotOrganizationAdminError(orgID)
	}
	if _, err := s.orgs.Get(ctx, orgID); err != nil {
		return nil, err
	}

	token, err := s.newToken()
	if err != nil {
		return nil, err
	}

	d := &models.Domain{
		OrganizationID:     orgID,
		Name:               name,
		VerificationToken:  token,
		VerificationStatus: models.VerificationPending,
		SSLStatus:          models.SSLPending,
	}
	if err := s.domains.Create(ctx, d); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"domain_id":       d.ID,
		"domain":          d.Name,
		"organization_id": orgID,
		"actor":           p.Subject,
	}).Info("custom domain registered")
	return d, nil
}

// VerifyDomain checks the domain's TXT challenge and records the outcome. An
// absent or unreadable record is a normal, non-error result.
func (s *DomainService) VerifyDomain(ctx context.Context, id string) (*VerificationResult, error) {
	d, err := s.domains.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	recordName := VerificationRecordName(d.Name)
	if d.IsVerified() {
		return &VerificationResult{
			Verified:   true,
			Message:    "Domain is already verified",
			RecordName: recordName,
		}, nil
	}

	logger := log.WithFields(log.Fields{"domain_id": d.ID, "domain": d.Name})

	values, lookupErr := s.resolver.LookupTXT(ctx, recordName)
	matched := lookupErr == nil && slices.Contains(values, d.VerificationToken)
	reason := mismatchReason(recordName, values, d.VerificationToken, lookupErr)
	now := s.now().UTC()

	updated, err := s.domains.Mutate(ctx, id, func(rec *models.Domain) (bool, error) {
		if rec.IsVerified() {
			// a concurrent check already proved ownership; never downgrade it
			return false, nil
		}
		rec.LastCheckedAt = &now
		if matched {
			rec.VerificationStatus = models.VerificationVerified
			rec.VerifiedAt = &now
			rec.LastError = ""
		} else {
			rec.VerificationStatus = models.VerificationFailed
			rec.LastError = reason
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if !updated.IsVerified() {
		s.metrics.Verification("failed")
		logger.Infof("verification failed: %s", reason)
		return &VerificationResult{
			Verified:   false,
			Message:    reason,
			RecordName: recordName,
			Found:      values,
			Expected:   d.VerificationToken,
		}, nil
	}

	s.metrics.Verification("verified")
	logger.Info("domain ownership verified")
	result := &VerificationResult{
		Verified:   true,
		Message:    "Domain verified successfully",
		RecordName: recordName,
	}
	if matched {
		if routeErr := s.activateBaseRoute(ctx, updated); routeErr != nil {
			result.Message += "; routing config was not activated: " + routeErr.Error()
		}
	}
	return result, nil
}

func mismatchReason(recordName string, values []string, token string, lookupErr error) string {
	switch {
	case errors.Is(lookupErr, ErrNXDomain):
		return fmt.Sprintf("No TXT record found at %s", recordName)
	case lookupErr != nil:
		return fmt.Sprintf("DNS lookup for %s failed: %v", recordName, lookupErr)
	case len(values) == 0:
		return fmt.Sprintf("No TXT record found at %s", recordName)
	default:
		return fmt.Sprintf("TXT record found but value does not match (Found: %s, Expected: %s)", strings.Join(values, ", "), token)
	}
}

// activateBaseRoute emits the HTTP-only config for a freshly verified domain so
// the ACME HTTP challenge can reach it. An already active config is left alone.
func (s *DomainService) activateBaseRoute(ctx context.Context, d *models.Domain) error {
	if s.routes == nil || s.routes.State(d.Name) == RouteActive {
		return nil
	}
	if err := s.routes.EnableDomain(ctx, d.Name, false); err != nil {
		log.WithFields(log.Fields{"domain_id": d.ID, "domain": d.Name}).Warnf("activate base routing config: %v", err)
		return err
	}
	return nil
}

// GetDomain returns the record if the principal administers its organization.
func (s *DomainService) GetDomain(ctx context.Context, p auth.Principal, id string) (*models.Domain, error) {
	d, err := s.domains.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.CanAdminister(d.OrganizationID) {
		return nil, status.NewNotOrganizationAdminError(d.OrganizationID)
	}
	return d, nil
}

func (s *DomainService) ListDomains(ctx context.Context, p auth.Principal, orgID string) ([]models.Domain, error) {
	if orgID == "" {
		return nil, status.Errorf(status.InvalidInput, "organizationId is required")
	}
	if !p.CanAdminister(orgID) {
		return nil, status.NewNotOrganizationAdminError(orgID)
	}
	return s.domains.ListByOrganization(ctx, orgID)
}

// DeleteDomain removes the record. Proxy config and certificates are kept;
// removing them is a separate, explicit step.
func (s *DomainService) DeleteDomain(ctx context.Context, p auth.Principal, id string) (*models.Domain, error) {
	d, err := s.GetDomain(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if err := s.domains.Delete(ctx, id); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"domain_id": d.ID, "domain": d.Name, "actor": p.Subject}).Info("custom domain deleted")
	return d, nil
}

// SetPrimary makes a verified domain the organization's canonical address.
func (s *DomainService) SetPrimary(ctx context.Context, p auth.Principal, id string) (*models.Domain, error) {
	d, err := s.GetDomain(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if !d.IsVerified() {
		return nil, status.NewDomainNotVerifiedError(d.Name)
	}
	if err := s.domains.SetPrimary(ctx, d.OrganizationID, d.ID); err != nil {
		return nil, err
	}
	return s.domains.Get(ctx, id)
}

// CheckDNS reports the current A, AAAA, CNAME and challenge TXT answers for a
// domain. It never changes stored state.
func (s *DomainService) CheckDNS(ctx context.Context, p auth.Principal, rawDomain string) (*DNSSnapshot, error) {
	name, err := CanonicalDomain(rawDomain)
	if err != nil {
		return nil, err
	}

	snap := &DNSSnapshot{
		Domain:        name,
		TXTRecordName: VerificationRecordName(name),
		A:             []string{},
		AAAA:          []string{},
		CNAME:         []string{},
		TXT:           []string{},
	}

	var mu sync.Mutex
	record := func(kind string, dst *[]string, values []string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if snap.Errors == nil {
				snap.Errors = map[string]string{}
			}
			snap.Errors[kind] = err.Error()
			return
		}
		if values != nil {
			*dst = values
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		values, err := s.resolver.LookupA(ctx, name)
		record("a", &snap.A, values, err)
		return nil
	})
	g.Go(func() error {
		values, err := s.resolver.LookupAAAA(ctx, name)
		record("aaaa", &snap.AAAA, values, err)
		return nil
	})
	g.Go(func() error {
		values, err := s.resolver.LookupCNAME(ctx, name)
		record("cname", &snap.CNAME, values, err)
		return nil
	})
	g.Go(func() error {
		values, err := s.resolver.LookupTXT(ctx, snap.TXTRecordName)
		record("txt", &snap.TXT, values, err)
		return nil
	})
	_ = g.Wait()

	d, err := s.domains.GetByName(ctx, name)
	switch {
	case err == nil:
		if p.CanAdminister(d.OrganizationID) {
			snap.Registered = true
			snap.VerificationStatus = d.VerificationStatus
			snap.Expected = d.VerificationToken
			snap.TokenPresent = slices.Contains(snap.TXT, d.VerificationToken)
		}
	case status.Is(err, status.NotFound):
	default:
		return nil, err
	}
	return snap, nil
}
