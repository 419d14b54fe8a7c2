package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"tenantdomains/internal/auth"
	"tenantdomains/internal/services"
	"tenantdomains/internal/status"
)

type Handler struct {
	domains  *services.DomainService
	certs    *services.CertificateService
	routes   *services.RoutingService
	resolver *services.TenantResolver
	ping     func(ctx context.Context) error
}

func NewHandler(domains *services.DomainService, certs *services.CertificateService, routes *services.RoutingService, resolver *services.TenantResolver, ping func(ctx context.Context) error) *Handler {
	return &Handler{
		domains:  domains,
		certs:    certs,
		routes:   routes,
		resolver: resolver,
		ping:     ping,
	}
}

// RegisterRoutes mounts the admin API behind bearer authentication, the
// tenant-scoped routes behind tenant resolution, and the operational endpoints.
func RegisterRoutes(e *echo.Echo, h *Handler, verifier *auth.Verifier, tenant echo.MiddlewareFunc, gatherer prometheus.Gatherer) {
	e.GET("/healthz", h.Healthz)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := e.Group("/domains", RequireAdmin(verifier))
	api.POST("", h.CreateDomain)
	api.GET("", h.ListDomains)
	api.GET("/:id", h.GetDomain)
	api.DELETE("/:id", h.DeleteDomain)
	api.POST("/:id/verify", h.VerifyDomain)
	api.POST("/:id/ssl", h.IssueCertificate)
	api.POST("/:id/primary", h.SetPrimary)
	api.POST("/:id/routing", h.EnableRouting)
	api.DELETE("/:id/routing", h.DisableRouting)
	api.GET("/:domain/dns-check", h.CheckDNS)

	e.GET("/tenant", h.GetTenant, tenant)
}

func (h *Handler) Healthz(c echo.Context) error {
	if h.ping != nil {
		if err := h.ping(c.Request().Context()); err != nil {
			log.Warnf("health check: database unreachable: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ErrorHandler renders status errors with their mapped code. Internal errors are
// logged and hidden behind a generic message.
func ErrorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			e.DefaultHTTPErrorHandler(err, c)
			return
		}

		code := http.StatusInternalServerError
		msg := http.StatusText(code)
		errType := status.Internal
		if s, ok := status.FromError(err); ok && s != nil && s.Type() != status.Internal {
			code = s.Type().HTTPStatus()
			msg = s.Message
			errType = s.Type()
		} else {
			log.WithFields(log.Fields{
				"method": c.Request().Method,
				"path":   c.Path(),
			}).Errorf("request failed: %v", err)
		}

		var respErr error
		if c.Request().Method == http.MethodHead {
			respErr = c.NoContent(code)
		} else {
			respErr = c.JSON(code, map[string]string{"error": msg, "type": errType.String()})
		}
		if respErr != nil {
			log.Errorf("write error response: %v", respErr)
		}
	}
}
