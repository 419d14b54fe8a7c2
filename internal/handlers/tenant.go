package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tenantdomains/internal/models"
	"tenantdomains/internal/services"
	"tenantdomains/internal/status"
)

const (
	organizationKey = "organization"
	resolutionKey   = "tenant_rule"

	TenantQueryParam = "tenant"
	TenantHeader     = "X-Tenant"
)

type TenantOptions struct {
	// QueryHint and HeaderHint accept ?tenant= and X-Tenant as an explicit tenant selector.
	QueryHint  bool
	HeaderHint bool
	// Chooser renders an organization picker instead of a 404 when nothing matches.
	Chooser bool
}

type organizationLister interface {
	List(ctx context.Context) ([]models.Organization, error)
}

// TenantMiddleware resolves the organization a request belongs to before any
// tenant-scoped handler runs and stores it on the request context.
func TenantMiddleware(resolver *services.TenantResolver, orgs organizationLister, opts TenantOptions) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var hint string
			if opts.QueryHint {
				hint = c.QueryParam(TenantQueryParam)
			}
			if hint == "" && opts.HeaderHint {
				hint = c.Request().Header.Get(TenantHeader)
			}

			ctx := c.Request().Context()
			res, err := resolver.ResolveTenant(ctx, c.Request().Host, hint)
			switch {
			case err == nil:
			case status.Is(err, status.NotFound) && opts.Chooser:
				list, listErr := orgs.List(ctx)
				if listErr != nil {
					return listErr
				}
				return c.Render(http.StatusNotFound, "chooser.html", map[string]interface{}{
					"Host":          c.Request().Host,
					"Organizations": list,
					"QueryParam":    TenantQueryParam,
				})
			default:
				return err
			}

			log.WithFields(log.Fields{
				"host":            c.Request().Host,
				"organization_id": res.Organization.ID,
				"rule":            res.Rule,
			}).Debug("tenant resolved")
			c.Set(organizationKey, res.Organization)
			c.Set(resolutionKey, res.Rule)
			return next(c)
		}
	}
}

// OrganizationFrom returns the organization TenantMiddleware resolved.
func OrganizationFrom(c echo.Context) (*models.Organization, bool) {
	org, ok := c.Get(organizationKey).(*models.Organization)
	return org, ok && org != nil
}

func (h *Handler) GetTenant(c echo.Context) error {
	org, ok := OrganizationFrom(c)
	if !ok {
		return status.Errorf(status.NotFound, "no tenant resolved")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"organization": org,
		"rule":         c.Get(resolutionKey),
	})
}
