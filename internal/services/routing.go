package services

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	log "github.com/sirupsen/logrus"

	"tenantdomains/internal/metrics"
	"tenantdomains/internal/status"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const (
	siteTemplate     = "site.conf.tmpl"
	validateTemplate = "validate.conf.tmpl"
)

type RouteState string

const (
	RouteAbsent RouteState = "absent"
	RouteStaged RouteState = "staged"
	RouteActive RouteState = "active"
)

type RoutingConfig struct {
	Binary       string
	StagingDir   string
	AvailableDir string
	EnabledDir   string
	Upstream     string
	Webroot      string
	CertDir      string
	Timeout      time.Duration

	// ValidateIncludes are the http-context files the live main config loads
	// besides the enabled sites, e.g. mime.types. The candidate tree includes
	// them so it is tested in the same context.
	ValidateIncludes []string
}

// RoutingService generates one nginx server file per custom domain. Every change
// is first tested as a candidate tree under the staging dir and only then swapped
// into the live configuration, so a rejected config is never in the enabled set.
type RoutingService struct {
	// mu serializes every change to the proxy configuration.
	mu      sync.Mutex
	cfg     RoutingConfig
	runner  CommandRunner
	tmpl    *template.Template
	metrics *metrics.Metrics
}

type validateData struct {
	Includes []string
	SitesDir string
}

type siteData struct {
	Domain   string
	TLS      bool
	Webroot  string
	CertDir  string
	Upstream string
}

func NewRoutingService(cfg RoutingConfig, runner CommandRunner, m *metrics.Metrics) (*RoutingService, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse proxy template: %w", err)
	}
	if cfg.Binary == "" {
		cfg.Binary = "nginx"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	// nginx resolves symlinks and -c relative to its own prefix, so every path
	// handed to it is absolute.
	for _, dir := range []*string{&cfg.StagingDir, &cfg.AvailableDir, &cfg.EnabledDir} {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("resolve proxy config dir %q: %w", *dir, err)
		}
		*dir = abs
	}
	return &RoutingService{cfg: cfg, runner: runner, tmpl: tmpl, metrics: m}, nil
}

func (r *RoutingService) paths(domain string) (staged, available, enabled string) {
	file := domain + ".conf"
	return filepath.Join(r.cfg.StagingDir, file),
		filepath.Join(r.cfg.AvailableDir, file),
		filepath.Join(r.cfg.EnabledDir, file)
}

// Render produces the server config for a canonical domain.
func (r *RoutingService) Render(domain string, withTLS bool) ([]byte, error) {
	var buf bytes.Buffer
	err := r.tmpl.ExecuteTemplate(&buf, siteTemplate, siteData{
		Domain:   domain,
		TLS:      withTLS,
		Webroot:  r.cfg.Webroot,
		CertDir:  r.cfg.CertDir,
		Upstream: r.cfg.Upstream,
	})
	if err != nil {
		return nil, fmt.Errorf("render proxy config for %s: %w", domain, err)
	}
	return buf.Bytes(), nil
}

// State reports where the domain's config is in absent -> staged -> active.
func (r *RoutingService) State(domain string) RouteState {
	staged, _, enabled := r.paths(domain)
	if _, err := os.Lstat(enabled); err == nil {
		return RouteActive
	}
	if _, err := os.Stat(staged); err == nil {
		return RouteStaged
	}
	return RouteAbsent
}

// EnableDomain renders and stages the domain's config, tests it together with
// every other enabled site, and only then installs, links and reloads it. A
// rejected candidate leaves the live files untouched.
func (r *RoutingService) EnableDomain(ctx context.Context, domain string, withTLS bool) error {
	name, err := canonicalRouteDomain(domain)
	if err != nil {
		return err
	}
	content, err := r.Render(name, withTLS)
	if err != nil {
		return err
	}

	logger := log.WithFields(log.Fields{"domain": name, "tls": withTLS})
	staged, available, enabled := r.paths(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureDirs(); err != nil {
		return err
	}

	if err := writeFileAtomic(staged, content); err != nil {
		return fmt.Errorf("stage proxy config for %s: %w", name, err)
	}
	defer os.Remove(staged)

	if err := r.validateCandidate(ctx, name, staged); err != nil {
		logger.Warnf("proxy rejected candidate config: %v", err)
		return err
	}

	prev, err := snapshotSite(available, enabled)
	if err != nil {
		return err
	}
	if err := os.Rename(staged, available); err != nil {
		return fmt.Errorf("install proxy config for %s: %w", name, err)
	}
	if err := linkAtomic(available, enabled); err != nil {
		linkErr := fmt.Errorf("link proxy config for %s: %w", name, err)
		if rerr := restore(available, enabled, prev); rerr != nil {
			logger.Errorf("restore previous proxy config: %v", rerr)
			return errors.Join(linkErr, fmt.Errorf("restore previous proxy config: %w", rerr))
		}
		return linkErr
	}

	if err := r.reload(ctx); err != nil {
		return err
	}

	r.metrics.ProxyChange("activated")
	logger.Info("proxy config activated")
	return nil
}

// DisableDomain removes the domain from the active set once the remaining sites
// test clean. The rendered file and any certificate stay on disk.
func (r *RoutingService) DisableDomain(ctx context.Context, domain string) error {
	name, err := canonicalRouteDomain(domain)
	if err != nil {
		return err
	}
	_, _, enabled := r.paths(name)
	logger := log.WithField("domain", name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Lstat(enabled); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("read current proxy link: %w", err)
	}

	if err := r.ensureDirs(); err != nil {
		return err
	}
	if err := r.validateCandidate(ctx, name, ""); err != nil {
		return err
	}

	if err := os.Remove(enabled); err != nil {
		return fmt.Errorf("unlink proxy config for %s: %w", name, err)
	}
	if err := r.reload(ctx); err != nil {
		return err
	}

	r.metrics.ProxyChange("deactivated")
	logger.Info("proxy config deactivated")
	return nil
}

func (r *RoutingService) ensureDirs() error {
	for _, dir := range []string{r.cfg.StagingDir, r.cfg.AvailableDir, r.cfg.EnabledDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create proxy config dir: %w", err)
		}
	}
	return nil
}

func (r *RoutingService) candidateRoot() string {
	return filepath.Join(r.cfg.StagingDir, "candidate")
}

// candidateMainConfig is the file nginx is pointed at with -c when testing.
func (r *RoutingService) candidateMainConfig() string {
	return filepath.Join(r.candidateRoot(), "nginx.conf")
}

// validateCandidate builds <staging>/candidate with every enabled site except
// domain, plus siteFile as domain's config when set, and runs nginx -t on it.
func (r *RoutingService) validateCandidate(ctx context.Context, domain, siteFile string) error {
	root := r.candidateRoot()
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("clear candidate proxy config: %w", err)
	}
	defer os.RemoveAll(root)

	sites := filepath.Join(root, "sites")
	if err := os.MkdirAll(sites, 0o755); err != nil {
		return fmt.Errorf("create candidate proxy config: %w", err)
	}

	entries, err := os.ReadDir(r.cfg.EnabledDir)
	if err != nil {
		return fmt.Errorf("read enabled proxy configs: %w", err)
	}
	own := domain + ".conf"
	for _, e := range entries {
		if e.Name() == own || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := os.Symlink(filepath.Join(r.cfg.EnabledDir, e.Name()), filepath.Join(sites, e.Name())); err != nil {
			return fmt.Errorf("mirror enabled proxy config %s: %w", e.Name(), err)
		}
	}
	if siteFile != "" {
		if err := os.Symlink(siteFile, filepath.Join(sites, own)); err != nil {
			return fmt.Errorf("add candidate proxy config for %s: %w", domain, err)
		}
	}

	var main bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&main, validateTemplate, validateData{
		Includes: r.cfg.ValidateIncludes,
		SitesDir: sites,
	}); err != nil {
		return fmt.Errorf("render candidate main config: %w", err)
	}
	if err := os.WriteFile(r.candidateMainConfig(), main.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write candidate main config: %w", err)
	}

	if out, err := r.run(ctx, "-t", "-c", r.candidateMainConfig()); err != nil {
		r.metrics.ProxyChange("rejected")
		return status.Errorf(status.ExternalFailure, "proxy configuration for %s failed validation: %s", domain, diagnostic(out, err))
	}
	return nil
}

func (r *RoutingService) reload(ctx context.Context) error {
	if out, err := r.run(ctx, "-s", "reload"); err != nil {
		r.metrics.ProxyChange("reload_failed")
		return status.Errorf(status.ExternalFailure, "proxy reload failed: %s", diagnostic(out, err))
	}
	return nil
}

func (r *RoutingService) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return r.runner.Run(ctx, r.cfg.Binary, args...)
}

type siteSnapshot struct {
	content    []byte
	hadFile    bool
	linkTarget string
	hadLink    bool
}

func snapshotSite(available, enabled string) (siteSnapshot, error) {
	var snap siteSnapshot

	content, err := os.ReadFile(available)
	switch {
	case err == nil:
		snap.content, snap.hadFile = content, true
	case !errors.Is(err, fs.ErrNotExist):
		return snap, fmt.Errorf("read current proxy config: %w", err)
	}

	target, err := os.Readlink(enabled)
	switch {
	case err == nil:
		snap.linkTarget, snap.hadLink = target, true
	case !errors.Is(err, fs.ErrNotExist):
		return snap, fmt.Errorf("read current proxy link: %w", err)
	}
	return snap, nil
}

// restore puts back the file and link captured by snapshotSite.
func restore(available, enabled string, prev siteSnapshot) error {
	var errs []error
	if prev.hadFile {
		errs = append(errs, writeFileAtomic(available, prev.content))
	} else {
		errs = append(errs, removeIfExists(available))
	}
	if prev.hadLink {
		errs = append(errs, linkAtomic(prev.linkTarget, enabled))
	} else {
		errs = append(errs, removeIfExists(enabled))
	}
	return errors.Join(errs...)
}

func canonicalRouteDomain(domain string) (string, error) {
	name, err := CanonicalDomain(domain)
	if err != nil {
		return "", err
	}
	if name != domain {
		return "", status.Errorf(status.InvalidInput, "domain %q is not in canonical form", domain)
	}
	return name, nil
}

func diagnostic(out []byte, err error) string {
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		return err.Error()
	}
	return msg
}

func writeFileAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// linkAtomic points link at target, replacing any existing link in one rename.
func linkAtomic(target, link string) error {
	dir, base := filepath.Split(link)
	tmp := filepath.Join(dir, "."+base+".tmp")
	if err := removeIfExists(tmp); err != nil {
		return err
	}
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
