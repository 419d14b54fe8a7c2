package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type IssueRequest struct {
	Domain string
	// Renew forces a new certificate even if the current one is still valid.
	Renew bool
}

type IssueOutput struct {
	Output string
}

// CertificateIssuer obtains a certificate for one domain. Implementations must
// honour ctx cancellation; a deadline is how the provisioner bounds a run.
type CertificateIssuer interface {
	Issue(ctx context.Context, req IssueRequest) (IssueOutput, error)
}

type ExecIssuerConfig struct {
	Command      string
	Webroot      string
	Email        string
	DirectoryURL string
}

// ExecIssuer runs an external certbot-compatible ACME client.
type ExecIssuer struct {
	cfg    ExecIssuerConfig
	runner CommandRunner
}

func NewExecIssuer(cfg ExecIssuerConfig, runner CommandRunner) *ExecIssuer {
	if cfg.Command == "" {
		cfg.Command = "certbot"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &ExecIssuer{cfg: cfg, runner: runner}
}

// Args builds the client's argument list. The domain is always a separate
// argument and never passes through a shell.
func (e *ExecIssuer) Args(req IssueRequest) []string {
	args := []string{
		"certonly",
		"--webroot", "-w", e.cfg.Webroot,
		"--cert-name", req.Domain,
		"-d", req.Domain,
		"--non-interactive",
		"--agree-tos",
	}
	if e.cfg.Email != "" {
		args = append(args, "-m", e.cfg.Email)
	} else {
		args = append(args, "--register-unsafely-without-email")
	}
	if e.cfg.DirectoryURL != "" {
		args = append(args, "--server", e.cfg.DirectoryURL)
	}
	if req.Renew {
		args = append(args, "--force-renewal")
	}
	return args
}

func (e *ExecIssuer) Issue(ctx context.Context, req IssueRequest) (IssueOutput, error) {
	if req.Domain == "" || strings.HasPrefix(req.Domain, "-") {
		return IssueOutput{}, fmt.Errorf("invalid certificate domain %q", req.Domain)
	}

	out, err := e.runner.Run(ctx, e.cfg.Command, e.Args(req)...)
	result := IssueOutput{Output: strings.TrimSpace(string(out))}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("%s timed out: %w", e.cfg.Command, ctx.Err())
		}
		return result, fmt.Errorf("%s failed: %w", e.cfg.Command, err)
	}
	return result, nil
}
