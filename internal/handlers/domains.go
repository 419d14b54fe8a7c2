package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tenantdomains/internal/models"
	"tenantdomains/internal/status"
)

type createDomainRequest struct {
	OrganizationID string `json:"organizationId"`
	Domain         string `json:"domain"`
}

func (h *Handler) CreateDomain(c echo.Context) error {
	var req createDomainRequest
	if err := c.Bind(&req); err != nil {
		return status.Errorf(status.InvalidInput, "invalid request body")
	}

	d, err := h.domains.CreateDomain(c.Request().Context(), principalFrom(c), req.OrganizationID, req.Domain)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) ListDomains(c echo.Context) error {
	domains, err := h.domains.ListDomains(c.Request().Context(), principalFrom(c), c.QueryParam("organizationId"))
	if err != nil {
		return err
	}
	if domains == nil {
		domains = []models.Domain{}
	}
	return c.JSON(http.StatusOK, domains)
}

func (h *Handler) GetDomain(c echo.Context) error {
	d, err := h.domains.GetDomain(c.Request().Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// DeleteDomain removes the record only. Proxy config and certificate stay until
// routing is disabled explicitly.
func (h *Handler) DeleteDomain(c echo.Context) error {
	d, err := h.domains.DeleteDomain(c.Request().Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	h.resolver.Forget(d.Name)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) VerifyDomain(c echo.Context) error {
	ctx := c.Request().Context()
	d, err := h.domains.GetDomain(ctx, principalFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	res, err := h.domains.VerifyDomain(ctx, d.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// IssueCertificate answers 502 with the ACME client's diagnostic output when
// issuance fails.
func (h *Handler) IssueCertificate(c echo.Context) error {
	ctx := c.Request().Context()
	d, err := h.domains.GetDomain(ctx, principalFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	res, err := h.certs.IssueCertificate(ctx, d.ID)
	if err != nil {
		return err
	}
	if !res.Success {
		return c.JSON(http.StatusBadGateway, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SetPrimary(c echo.Context) error {
	d, err := h.domains.SetPrimary(c.Request().Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// EnableRouting (re)activates the domain's proxy config, with TLS once a
// certificate has been issued.
func (h *Handler) EnableRouting(c echo.Context) error {
	ctx := c.Request().Context()
	d, err := h.domains.GetDomain(ctx, principalFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	if !d.IsVerified() {
		return status.NewDomainNotVerifiedError(d.Name)
	}

	withTLS := d.SSLStatus == models.SSLIssued
	if err := h.routes.EnableDomain(ctx, d.Name, withTLS); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"domain": d.Name,
		"state":  h.routes.State(d.Name),
		"tls":    withTLS,
	})
}

// DisableRouting takes the domain out of the proxy. The certificate is kept.
func (h *Handler) DisableRouting(c echo.Context) error {
	ctx := c.Request().Context()
	p := principalFrom(c)
	d, err := h.domains.GetDomain(ctx, p, c.Param("id"))
	if err != nil {
		return err
	}

	if err := h.routes.DisableDomain(ctx, d.Name); err != nil {
		return err
	}
	log.WithFields(log.Fields{"domain_id": d.ID, "domain": d.Name, "actor": p.Subject}).Info("routing disabled")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"domain": d.Name,
		"state":  h.routes.State(d.Name),
	})
}

func (h *Handler) CheckDNS(c echo.Context) error {
	snap, err := h.domains.CheckDNS(c.Request().Context(), principalFrom(c), c.Param("domain"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}
