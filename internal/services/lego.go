package services

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/http/webroot"
	"github.com/go-acme/lego/v4/registration"
	log "github.com/sirupsen/logrus"
)

type LegoIssuerConfig struct {
	Email        string
	DirectoryURL string
	Webroot      string
	// CertDir receives <domain>/fullchain.pem and <domain>/privkey.pem, the
	// layout certbot uses under /etc/letsencrypt/live. The ACME account lives
	// in .account/<directory host>/ beneath it.
	CertDir string
}

const (
	accountKeyFile          = "key.pem"
	accountRegistrationFile = "registration.json"
)

// LegoIssuer obtains certificates in-process over ACME HTTP-01, serving the
// challenge files from the same webroot the proxy config exposes.
type LegoIssuer struct {
	cfg             LegoIssuerConfig
	clientFactory   acmeClientFactory
	accountKeyMaker func() (crypto.PrivateKey, error)
	// accountMu is held from loading the account until its registration is
	// saved, so concurrent first issuances register once.
	accountMu sync.Mutex
}

func NewLegoIssuer(cfg LegoIssuerConfig) (*LegoIssuer, error) {
	cfg.Email = strings.TrimSpace(cfg.Email)
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = lego.LEDirectoryProduction
	}
	if cfg.Webroot == "" {
		return nil, errors.New("acme webroot is required")
	}
	if cfg.CertDir == "" {
		return nil, errors.New("certificate directory is required")
	}
	return &LegoIssuer{
		cfg:           cfg,
		clientFactory: newLegoClient,
		accountKeyMaker: func() (crypto.PrivateKey, error) {
			return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		},
	}, nil
}

// Issue always requests a fresh certificate, so Renew needs no special handling.
// The ACME account is registered on first use and reused afterwards.
func (l *LegoIssuer) Issue(ctx context.Context, req IssueRequest) (IssueOutput, error) {
	if err := ctx.Err(); err != nil {
		return IssueOutput{}, err
	}

	user, err := l.account(ctx)
	if err != nil {
		return IssueOutput{Output: err.Error()}, err
	}

	client, err := l.newClient(user)
	if err != nil {
		return IssueOutput{}, err
	}

	provider, err := webroot.NewHTTPProvider(l.cfg.Webroot)
	if err != nil {
		return IssueOutput{}, fmt.Errorf("configure webroot provider: %w", err)
	}
	if err := client.SetHTTP01Provider(provider); err != nil {
		return IssueOutput{}, fmt.Errorf("configure http-01 provider: %w", err)
	}

	type obtained struct {
		res *certificate.Resource
		err error
	}
	done := make(chan obtained, 1)

	// lego calls are not context-aware; the buffered channel lets an abandoned
	// run finish without leaking the goroutine on a blocked send.
	go func() {
		res, err := client.Obtain(certificate.ObtainRequest{Domains: []string{req.Domain}, Bundle: true})
		if err != nil {
			err = fmt.Errorf("obtain certificate: %w", err)
		}
		done <- obtained{res: res, err: err}
	}()

	var got obtained
	select {
	case <-ctx.Done():
		return IssueOutput{}, fmt.Errorf("acme issuance for %s abandoned: %w", req.Domain, ctx.Err())
	case got = <-done:
	}
	if got.err != nil {
		return IssueOutput{Output: got.err.Error()}, got.err
	}

	dir, err := l.writeArtifacts(req.Domain, got.res)
	if err != nil {
		return IssueOutput{}, err
	}

	log.WithField("domain", req.Domain).Infof("certificate written to %s", dir)
	return IssueOutput{Output: fmt.Sprintf("certificate for %s saved to %s", req.Domain, dir)}, nil
}

func (l *LegoIssuer) newClient(user *acmeUser) (acmeClient, error) {
	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = l.cfg.DirectoryURL
	legoCfg.Certificate.KeyType = certcrypto.EC256

	client, err := l.clientFactory(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("create acme client: %w", err)
	}
	return client, nil
}

func (l *LegoIssuer) accountDir() string {
	host := "default"
	if u, err := url.Parse(l.cfg.DirectoryURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return filepath.Join(l.cfg.CertDir, ".account", host)
}

// account returns the persisted ACME account, creating the key and
// registering it with the directory on first use.
func (l *LegoIssuer) account(ctx context.Context) (*acmeUser, error) {
	l.accountMu.Lock()

	user, err := l.loadAccount()
	if err != nil || user.registration != nil {
		l.accountMu.Unlock()
		return user, err
	}

	client, err := l.newClient(user)
	if err != nil {
		l.accountMu.Unlock()
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		defer l.accountMu.Unlock()
		reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			done <- fmt.Errorf("register account: %w", err)
			return
		}
		if err := l.saveRegistration(reg); err != nil {
			done <- err
			return
		}
		user.registration = reg
		log.WithField("account", reg.URI).Info("acme account registered")
		done <- nil
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("acme account registration abandoned: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, err
		}
	}
	return user, nil
}

func (l *LegoIssuer) loadAccount() (*acmeUser, error) {
	dir := l.accountDir()
	keyPath := filepath.Join(dir, accountKeyFile)

	var key crypto.PrivateKey
	keyPEM, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		key, err = certcrypto.ParsePEMPrivateKey(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse acme account key %s: %w", keyPath, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		key, err = l.accountKeyMaker()
		if err != nil {
			return nil, fmt.Errorf("generate account key: %w", err)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("ensure acme account directory: %w", err)
		}
		if err := os.WriteFile(keyPath, certcrypto.PEMEncode(key), 0o600); err != nil {
			return nil, fmt.Errorf("write acme account key: %w", err)
		}
	default:
		return nil, fmt.Errorf("read acme account key: %w", err)
	}

	user := &acmeUser{email: l.cfg.Email, key: key}

	raw, err := os.ReadFile(filepath.Join(dir, accountRegistrationFile))
	switch {
	case err == nil:
		var reg registration.Resource
		if err := json.Unmarshal(raw, &reg); err != nil {
			return nil, fmt.Errorf("parse acme account registration: %w", err)
		}
		user.registration = &reg
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read acme account registration: %w", err)
	}
	return user, nil
}

func (l *LegoIssuer) saveRegistration(reg *registration.Resource) error {
	raw, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode acme account registration: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.accountDir(), accountRegistrationFile), raw, 0o600); err != nil {
		return fmt.Errorf("write acme account registration: %w", err)
	}
	return nil
}

func (l *LegoIssuer) writeArtifacts(domain string, res *certificate.Resource) (string, error) {
	if res == nil || len(res.Certificate) == 0 {
		return "", errors.New("empty certificate payload received from ACME server")
	}
	if len(res.PrivateKey) == 0 {
		return "", errors.New("empty private key received from ACME server")
	}

	dir := filepath.Join(l.cfg.CertDir, domain)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure certificate directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "privkey.pem"), res.PrivateKey, 0o600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "fullchain.pem"), res.Certificate, 0o644); err != nil {
		return "", fmt.Errorf("write certificate: %w", err)
	}
	return dir, nil
}

type acmeClientFactory func(*lego.Config) (acmeClient, error)

type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
}

func newLegoClient(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoClient{client: client}, nil
}

type legoClient struct {
	client *lego.Client
}

func (l *legoClient) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoClient) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoClient) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return l.client.Certificate.Obtain(request)
}

type acmeUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string {
	return u.email
}

func (u *acmeUser) GetRegistration() *registration.Resource {
	return u.registration
}

func (u *acmeUser) GetPrivateKey() crypto.PrivateKey {
	return u.key
}
