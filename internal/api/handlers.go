// Package api contains the REST handlers for bridge administration:
// health, template definitions, asset lookups, and webhook management.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"comfy-mcp/server/internal/asset"
	"comfy-mcp/server/internal/repository"
	"comfy-mcp/server/internal/template"
	"comfy-mcp/server/internal/webhook"
)

// Handler contains HTTP handlers for the bridge REST API.
type Handler struct {
	resolver   *template.Resolver
	registry   *asset.Registry
	dispatcher *webhook.Dispatcher
}

// NewHandler creates a new Handler with required dependencies.
func NewHandler(resolver *template.Resolver, registry *asset.Registry, dispatcher *webhook.Dispatcher) *Handler {
	return &Handler{resolver: resolver, registry: registry, dispatcher: dispatcher}
}

// RegisterRoutes mounts all REST routes on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/health", h.HandleHealth)
	g.GET("/templates", h.HandleListTemplates)
	g.GET("/assets", h.HandleListAssets)
	g.GET("/assets/:id", h.HandleGetAsset)
	g.GET("/webhooks", h.HandleListWebhooks)
	g.POST("/webhooks", h.HandleRegisterWebhook)
	g.GET("/webhooks/:id", h.HandleGetWebhook)
	g.PATCH("/webhooks/:id", h.HandleUpdateWebhook)
	g.DELETE("/webhooks/:id", h.HandleUnregisterWebhook)
	g.GET("/webhooks/deliveries", h.HandleDeliveryLog)
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Templates int       `json:"templates"`
	Assets    int       `json:"assets"`
}

// HandleHealth returns basic health status (always returns 200 OK).
func (h *Handler) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "comfy-mcp",
		Version:   "1.0.0",
		Templates: len(h.resolver.Definitions()),
		Assets:    h.registry.Count(),
	}
	return c.JSON(http.StatusOK, status)
}

// HandleListTemplates returns every loaded template's parameter schema.
func (h *Handler) HandleListTemplates(c echo.Context) error {
	return c.JSON(http.StatusOK, h.resolver.Definitions())
}

// HandleListAssets returns tracked assets, newest first.
func (h *Handler) HandleListAssets(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	return c.JSON(http.StatusOK, h.registry.List(limit, c.QueryParam("template_id")))
}

// HandleGetAsset returns one asset record by id.
func (h *Handler) HandleGetAsset(c echo.Context) error {
	rec, ok := h.registry.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "asset not found or expired")
	}
	return c.JSON(http.StatusOK, rec)
}

// webhookRequest is the registration/update request body.
type webhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
	Active *bool    `json:"active"`
}

// HandleRegisterWebhook registers a new webhook.
func (h *Handler) HandleRegisterWebhook(c echo.Context) error {
	var req webhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	reg, err := h.dispatcher.Register(c.Request().Context(), req.URL, req.Events, req.Secret)
	if err != nil {
		var urlErr *webhook.InvalidWebhookURLError
		var eventErr *webhook.UnsupportedEventError
		if errors.As(err, &urlErr) || errors.As(err, &eventErr) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, reg)
}

// HandleListWebhooks returns all registrations.
func (h *Handler) HandleListWebhooks(c echo.Context) error {
	regs, err := h.dispatcher.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, regs)
}

// HandleGetWebhook returns one registration by id.
func (h *Handler) HandleGetWebhook(c echo.Context) error {
	reg, err := h.dispatcher.GetRegistration(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrWebhookNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "webhook not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, reg)
}

// HandleUpdateWebhook toggles the active flag and/or replaces the event set.
func (h *Handler) HandleUpdateWebhook(c echo.Context) error {
	var req webhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	ctx := c.Request().Context()
	id := c.Param("id")

	if req.Active != nil {
		if err := h.dispatcher.SetActive(ctx, id, *req.Active); err != nil {
			return webhookUpdateError(err)
		}
	}
	if len(req.Events) > 0 {
		if err := h.dispatcher.UpdateEvents(ctx, id, req.Events); err != nil {
			return webhookUpdateError(err)
		}
	}

	reg, err := h.dispatcher.GetRegistration(ctx, id)
	if err != nil {
		return webhookUpdateError(err)
	}
	return c.JSON(http.StatusOK, reg)
}

func webhookUpdateError(err error) error {
	if errors.Is(err, repository.ErrWebhookNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "webhook not found")
	}
	var eventErr *webhook.UnsupportedEventError
	if errors.As(err, &eventErr) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// HandleUnregisterWebhook deletes a registration.
func (h *Handler) HandleUnregisterWebhook(c echo.Context) error {
	existed, err := h.dispatcher.Unregister(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !existed {
		return echo.NewHTTPError(http.StatusNotFound, "webhook not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleDeliveryLog returns delivery attempts, newest first.
func (h *Handler) HandleDeliveryLog(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	entries := h.dispatcher.GetDeliveryLog(c.QueryParam("webhook_id"), c.QueryParam("event"), limit)
	return c.JSON(http.StatusOK, entries)
}
