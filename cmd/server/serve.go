package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tenantdomains/internal/auth"
	"tenantdomains/internal/handlers"
	"tenantdomains/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the domain API and tenant resolution HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.JWTSecret == "" {
			return errors.New("TENANTDOMAINS_JWT_SECRET must be set")
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		e := echo.New()
		e.HideBanner = true
		e.HTTPErrorHandler = handlers.ErrorHandler(e)
		e.Use(middleware.Logger())
		e.Use(middleware.Recover())

		renderer, err := web.NewRenderer()
		if err != nil {
			return err
		}
		e.Renderer = renderer

		tenant := handlers.TenantMiddleware(a.resolver, a.orgs, handlers.TenantOptions{
			QueryHint:  cfg.TenantQueryHint,
			HeaderHint: cfg.TenantHeaderHint,
			Chooser:    cfg.IsDevelopment(),
		})
		h := handlers.NewHandler(a.domains, a.certs, a.routes, a.resolver, a.ping)
		handlers.RegisterRoutes(e, h, auth.NewVerifier(cfg.JWTSecret), tenant, a.registry)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			log.Infof("tenantdomains starting on %s (platform domain %s)", cfg.ListenAddr, cfg.PlatformDomain)
			if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	},
}
