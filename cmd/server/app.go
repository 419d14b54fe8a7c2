package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tenantdomains/internal/config"
	"tenantdomains/internal/database"
	"tenantdomains/internal/metrics"
	"tenantdomains/internal/services"
	"tenantdomains/internal/store"
)

// app is the wired service graph shared by the server and the one-shot commands.
type app struct {
	db       *gorm.DB
	registry *prometheus.Registry
	orgs     *store.OrganizationStore
	domains  *services.DomainService
	certs    *services.CertificateService
	routes   *services.RoutingService
	resolver *services.TenantResolver
}

func newApp(cfg *config.Config) (*app, error) {
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	domainStore := store.NewDomainStore(db)
	orgStore := store.NewOrganizationStore(db)
	runner := services.ExecRunner{}

	routes, err := services.NewRoutingService(services.RoutingConfig{
		Binary:       cfg.ProxyBinary,
		StagingDir:   cfg.ProxyStagingDir,
		AvailableDir: cfg.ProxyAvailableDir,
		EnabledDir:   cfg.ProxyEnabledDir,
		Upstream:     cfg.ProxyUpstream,
		Webroot:      cfg.ACMEWebroot,
		CertDir:      cfg.CertDir,
		Timeout:      cfg.ProxyTimeout,

		ValidateIncludes: cfg.ProxyValidateIncludes,
	}, runner, m)
	if err != nil {
		return nil, err
	}

	issuer, err := newIssuer(cfg, runner)
	if err != nil {
		return nil, err
	}

	resolver := services.NewDNSClient(cfg.DNSNameservers, cfg.DNSTimeout)
	log.Debugf("dns client configured with timeout %s", cfg.DNSTimeout)

	return &app{
		db:       db,
		registry: reg,
		orgs:     orgStore,
		domains: services.NewDomainService(domainStore, orgStore, resolver,
			services.WithRouteActivator(routes),
			services.WithDomainMetrics(m),
		),
		certs: services.NewCertificateService(domainStore, issuer, cfg.CertDir, cfg.ACMETimeout,
			services.WithCertificateRoutes(routes),
			services.WithCertificateMetrics(m),
		),
		routes: routes,
		resolver: services.NewTenantResolver(domainStore, orgStore, services.TenantResolverConfig{
			PlatformDomain:     cfg.PlatformDomain,
			ReservedSubdomains: cfg.ReservedSubdomains,
			CacheTTL:           cfg.ResolverCacheTTL,
		}, m),
	}, nil
}

func newIssuer(cfg *config.Config, runner services.CommandRunner) (services.CertificateIssuer, error) {
	switch cfg.ACMEIssuer {
	case "exec", "":
		return services.NewExecIssuer(services.ExecIssuerConfig{
			Command:      cfg.ACMECommand,
			Webroot:      cfg.ACMEWebroot,
			Email:        cfg.ACMEEmail,
			DirectoryURL: cfg.ACMEDirectoryURL,
		}, runner), nil
	case "lego":
		return services.NewLegoIssuer(services.LegoIssuerConfig{
			Email:        cfg.ACMEEmail,
			DirectoryURL: cfg.ACMEDirectoryURL,
			Webroot:      cfg.ACMEWebroot,
			CertDir:      cfg.CertDir,
		})
	default:
		return nil, fmt.Errorf("unsupported ACME issuer %q", cfg.ACMEIssuer)
	}
}

func (a *app) ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (a *app) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Warnf("close database: %v", err)
		}
	}
}
