package main

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantdomains/internal/config"
	"tenantdomains/internal/services"
)

func TestSetupLogging(t *testing.T) {
	t.Cleanup(func() {
		log.SetLevel(log.InfoLevel)
		log.SetFormatter(&log.TextFormatter{})
	})

	require.NoError(t, setupLogging("debug", "json"))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	assert.Error(t, setupLogging("loud", "text"))
	assert.Error(t, setupLogging("info", "xml"))
}

func TestNewIssuer(t *testing.T) {
	issuer, err := newIssuer(&config.Config{ACMEIssuer: "exec", ACMEWebroot: "/var/www/acme"}, services.ExecRunner{})
	require.NoError(t, err)
	assert.IsType(t, &services.ExecIssuer{}, issuer)

	issuer, err = newIssuer(&config.Config{ACMEIssuer: "lego", ACMEWebroot: t.TempDir(), CertDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &services.LegoIssuer{}, issuer)

	_, err = newIssuer(&config.Config{ACMEIssuer: "acme.sh"}, nil)
	assert.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"serve"}, {"verify"}, {"issue"}, {"expiry"}, {"dns-check"},
		{"routing", "enable"}, {"routing", "disable"}, {"org", "add"}, {"org", "list"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
