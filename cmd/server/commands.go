package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tenantdomains/internal/auth"
	"tenantdomains/internal/models"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp wires the service graph for a one-shot command.
func withApp(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd, a, args)
	}
}

var verifyCmd = &cobra.Command{
	Use:   "verify <domain-id>",
	Short: "Check a domain's DNS TXT challenge; suitable for periodic re-verification",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		res, err := a.domains.VerifyDomain(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	}),
}

var issueCmd = &cobra.Command{
	Use:   "issue <domain-id>",
	Short: "Obtain or refresh the TLS certificate of a verified domain",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		res, err := a.certs.IssueCertificate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("certificate issuance failed")
		}
		return nil
	}),
}

var expiryCmd = &cobra.Command{
	Use:   "expiry <domain-id>",
	Short: "Record the certificate expiry of a domain and mark it expired when past",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		d, err := a.certs.CheckExpiry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(d)
	}),
}

var dnsCheckCmd = &cobra.Command{
	Use:   "dns-check <domain>",
	Short: "Show the A, AAAA, CNAME and challenge TXT records of a domain",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		snap, err := a.domains.CheckDNS(cmd.Context(), auth.System, args[0])
		if err != nil {
			return err
		}
		return printJSON(snap)
	}),
}

var routingCmd = &cobra.Command{
	Use:   "routing",
	Short: "Enable or disable the proxy config of a domain",
}

var routingTLS bool

var routingEnableCmd = &cobra.Command{
	Use:   "enable <domain>",
	Short: "Render, validate and activate the proxy config of a domain",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		if err := a.routes.EnableDomain(cmd.Context(), args[0], routingTLS); err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", args[0], a.routes.State(args[0]))
		return nil
	}),
}

var routingDisableCmd = &cobra.Command{
	Use:   "disable <domain>",
	Short: "Remove a domain from the active proxy config; the certificate is kept",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		if err := a.routes.DisableDomain(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", args[0], a.routes.State(args[0]))
		return nil
	}),
}

var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "Manage the local organization table (development databases)",
}

var orgSlug, orgName string

var orgAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an organization",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		org := &models.Organization{Slug: orgSlug, Name: orgName}
		if org.Name == "" {
			org.Name = orgSlug
		}
		if err := a.orgs.Create(cmd.Context(), org); err != nil {
			return err
		}
		return printJSON(org)
	}),
}

var orgListCmd = &cobra.Command{
	Use:   "list",
	Short: "List organizations",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		orgs, err := a.orgs.List(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(orgs)
	}),
}

func init() {
	routingEnableCmd.Flags().BoolVar(&routingTLS, "tls", false, "include the TLS server block; the certificate must already exist")
	routingCmd.AddCommand(routingEnableCmd, routingDisableCmd)

	orgAddCmd.Flags().StringVar(&orgSlug, "slug", "", "subdomain label of the organization")
	orgAddCmd.Flags().StringVar(&orgName, "name", "", "display name")
	_ = orgAddCmd.MarkFlagRequired("slug")
	orgCmd.AddCommand(orgAddCmd, orgListCmd)
}
