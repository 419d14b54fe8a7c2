package main

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tenantdomains/internal/config"
)

const exitSetupFailed = 1

var (
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:           "tenantdomains",
		Short:         "Custom domain onboarding for tenant organizations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return setupLogging(cfg.LogLevel, cfg.LogFormat)
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd, verifyCmd, issueCmd, expiryCmd, dnsCheckCmd, routingCmd, orgCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(exitSetupFailed)
	}
}

func setupLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	log.SetOutput(os.Stdout)
	return nil
}
