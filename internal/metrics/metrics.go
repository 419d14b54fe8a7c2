package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters of the onboarding flow. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	verifications     *prometheus.CounterVec
	issuances         *prometheus.CounterVec
	proxyReloads      *prometheus.CounterVec
	tenantResolutions *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantdomains",
			Name:      "domain_verifications_total",
			Help:      "DNS ownership checks by outcome.",
		}, []string{"result"}),
		issuances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantdomains",
			Name:      "certificate_issuances_total",
			Help:      "ACME certificate requests by outcome.",
		}, []string{"result"}),
		proxyReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantdomains",
			Name:      "proxy_config_changes_total",
			Help:      "Proxy configuration activations by outcome.",
		}, []string{"result"}),
		tenantResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantdomains",
			Name:      "tenant_resolutions_total",
			Help:      "Tenant resolutions by the rule that matched.",
		}, []string{"rule"}),
	}
}

func (m *Metrics) Verification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) Issuance(result string) {
	if m == nil {
		return
	}
	m.issuances.WithLabelValues(result).Inc()
}

func (m *Metrics) ProxyChange(result string) {
	if m == nil {
		return
	}
	m.proxyReloads.WithLabelValues(result).Inc()
}

func (m *Metrics) TenantResolution(rule string) {
	if m == nil {
		return
	}
	m.tenantResolutions.WithLabelValues(rule).Inc()
}
