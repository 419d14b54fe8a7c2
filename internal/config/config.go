package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr  string `mapstructure:"LISTEN_ADDR"`
	Environment string `mapstructure:"ENVIRONMENT"` // development, production

	DatabaseDriver string `mapstructure:"DB_DRIVER"` // sqlite, postgres
	DatabaseDSN    string `mapstructure:"DB_DSN"`

	// PlatformDomain is the shared parent of tenant subdomains, e.g. "members.example.net".
	PlatformDomain     string   `mapstructure:"PLATFORM_DOMAIN"`
	ReservedSubdomains []string `mapstructure:"RESERVED_SUBDOMAINS"`

	DNSNameservers []string      `mapstructure:"DNS_NAMESERVERS"`
	DNSTimeout     time.Duration `mapstructure:"DNS_TIMEOUT"`

	ACMEIssuer       string        `mapstructure:"ACME_ISSUER"` // exec, lego
	ACMECommand      string        `mapstructure:"ACME_COMMAND"`
	ACMEEmail        string        `mapstructure:"ACME_EMAIL"`
	ACMEDirectoryURL string        `mapstructure:"ACME_DIRECTORY_URL"`
	ACMEWebroot      string        `mapstructure:"ACME_WEBROOT"`
	ACMETimeout      time.Duration `mapstructure:"ACME_TIMEOUT"`
	CertDir          string        `mapstructure:"CERT_DIR"`

	ProxyBinary       string        `mapstructure:"PROXY_BINARY"`
	ProxyStagingDir   string        `mapstructure:"PROXY_STAGING_DIR"`
	ProxyAvailableDir string        `mapstructure:"PROXY_AVAILABLE_DIR"`
	ProxyEnabledDir   string        `mapstructure:"PROXY_ENABLED_DIR"`
	ProxyUpstream     string        `mapstructure:"PROXY_UPSTREAM"`
	ProxyTimeout      time.Duration `mapstructure:"PROXY_TIMEOUT"`

	// ProxyValidateIncludes are the http-level includes of the live nginx.conf
	// other than the enabled sites; candidate configs are tested with them.
	ProxyValidateIncludes []string `mapstructure:"PROXY_VALIDATE_INCLUDES"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	TenantQueryHint  bool          `mapstructure:"TENANT_QUERY_HINT"`
	TenantHeaderHint bool          `mapstructure:"TENANT_HEADER_HINT"`
	ResolverCacheTTL time.Duration `mapstructure:"RESOLVER_CACHE_TTL"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"` // text, json
}

// IsDevelopment reports whether development-only behaviour (tenant chooser, hints) applies.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("ENVIRONMENT", "production")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_DSN", "tenantdomains.db?_busy_timeout=5000")
	v.SetDefault("PLATFORM_DOMAIN", "localhost")
	v.SetDefault("RESERVED_SUBDOMAINS", []string{"www", "app", "api", "admin"})
	v.SetDefault("DNS_NAMESERVERS", []string{})
	v.SetDefault("DNS_TIMEOUT", 5*time.Second)
	v.SetDefault("ACME_ISSUER", "exec")
	v.SetDefault("ACME_COMMAND", "certbot")
	v.SetDefault("ACME_EMAIL", "")
	v.SetDefault("ACME_DIRECTORY_URL", "")
	v.SetDefault("ACME_WEBROOT", "/var/www/acme")
	v.SetDefault("ACME_TIMEOUT", 3*time.Minute)
	v.SetDefault("CERT_DIR", "/etc/letsencrypt/live")
	v.SetDefault("PROXY_BINARY", "nginx")
	v.SetDefault("PROXY_STAGING_DIR", "/etc/nginx/tenantdomains-staging")
	v.SetDefault("PROXY_AVAILABLE_DIR", "/etc/nginx/sites-available")
	v.SetDefault("PROXY_ENABLED_DIR", "/etc/nginx/sites-enabled")
	v.SetDefault("PROXY_UPSTREAM", "127.0.0.1:8080")
	v.SetDefault("PROXY_VALIDATE_INCLUDES", []string{"/etc/nginx/mime.types", "/etc/nginx/conf.d/*.conf"})
	v.SetDefault("PROXY_TIMEOUT", 30*time.Second)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("TENANT_QUERY_HINT", false)
	v.SetDefault("TENANT_HEADER_HINT", false)
	v.SetDefault("RESOLVER_CACHE_TTL", 30*time.Second)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	v.SetEnvPrefix("TENANTDOMAINS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Optional local overrides; a missing .env is fine.
	v.SetConfigFile(".env")
	_ = v.ReadInConfig()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
