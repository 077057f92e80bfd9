// Package server exposes the operational HTTP API: manual sync triggers,
// device inventory refreshes, subscription management and capability
// discovery.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/openhealth/exchange/internal/device"
	"github.com/openhealth/exchange/internal/queue"
	"github.com/openhealth/exchange/internal/registry"
	"github.com/openhealth/exchange/internal/syncer"
	"github.com/openhealth/exchange/internal/webhook"
)

// Handler serves the operational API.
type Handler struct {
	jobs    webhook.Enqueuer
	subs    *webhook.Manager
	devices *device.Service
	logger  zerolog.Logger
}

func NewHandler(jobs webhook.Enqueuer, subs *webhook.Manager, devices *device.Service, logger zerolog.Logger) *Handler {
	return &Handler{
		jobs:    jobs,
		subs:    subs,
		devices: devices,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes mounts the operational endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/sync", h.triggerSync)
	g.POST("/devices/sync", h.triggerDeviceSync)
	g.GET("/devices/:userID/stats", h.deviceStats)
	g.POST("/subscriptions", h.subscribe)
	g.DELETE("/subscriptions", h.unsubscribe)
	g.GET("/subscriptions/:userID", h.listSubscriptions)
	g.GET("/providers/:provider/capabilities", h.capabilities)
}

type syncRequest struct {
	UserID    string              `json:"user_id"`
	Provider  registry.Provider   `json:"provider"`
	DataTypes []registry.DataType `json:"data_types"`
	Start     *time.Time          `json:"start"`
	End       *time.Time          `json:"end"`
}

// triggerSync queues a manual sync run.
func (h *Handler) triggerSync(c echo.Context) error {
	var body syncRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed request body"})
	}
	if body.UserID == "" || !body.Provider.Valid() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id and a valid provider are required"})
	}

	req := syncer.Request{
		UserID:    body.UserID,
		Provider:  body.Provider,
		DataTypes: body.DataTypes,
		Trigger:   syncer.TriggerManual,
	}
	if body.Start != nil && body.End != nil {
		req.Window = &syncer.Range{Start: *body.Start, End: *body.End}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	job := queue.Job{
		Name:       queue.JobSyncManual,
		Payload:    payload,
		Priority:   int(syncer.PriorityMedium),
		MaxRetries: 1,
	}
	if err := h.jobs.Enqueue(job); err != nil {
		h.logger.Error().Err(err).Msg("could not queue manual sync")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, echo.Map{"status": "queued", "job": job.Name})
}

type deviceSyncRequest struct {
	UserID   string            `json:"user_id"`
	Provider registry.Provider `json:"provider"`
}

// triggerDeviceSync queues a device inventory refresh.
func (h *Handler) triggerDeviceSync(c echo.Context) error {
	var body deviceSyncRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed request body"})
	}
	if body.UserID == "" || !body.Provider.Valid() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id and a valid provider are required"})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	job := queue.Job{
		Name:       queue.JobDevicesSync,
		Payload:    payload,
		Priority:   int(syncer.PriorityLow),
		MaxRetries: 2,
	}
	if err := h.jobs.Enqueue(job); err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, echo.Map{"status": "queued", "job": job.Name})
}

// deviceStats reports device and association counts for a user.
func (h *Handler) deviceStats(c echo.Context) error {
	stats, err := h.devices.Statistics(c.Request().Context(), c.Param("userID"))
	if err != nil {
		h.logger.Error().Err(err).Msg("device statistics lookup failed")
		return c.JSON(http.StatusBadGateway, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}

type subscriptionRequest struct {
	UserID    string              `json:"user_id"`
	Provider  registry.Provider   `json:"provider"`
	DataTypes []registry.DataType `json:"data_types"`
}

func (h *Handler) subscribe(c echo.Context) error {
	return h.runSubscription(c, true)
}

func (h *Handler) unsubscribe(c echo.Context) error {
	return h.runSubscription(c, false)
}

func (h *Handler) runSubscription(c echo.Context, subscribe bool) error {
	var body subscriptionRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed request body"})
	}
	if body.UserID == "" || !body.Provider.Valid() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id and a valid provider are required"})
	}

	ctx := c.Request().Context()
	var result *webhook.SubscriptionResult
	var err error
	if subscribe {
		result, err = h.subs.Subscribe(ctx, body.UserID, body.Provider, body.DataTypes)
	} else {
		result, err = h.subs.Unsubscribe(ctx, body.UserID, body.Provider, body.DataTypes)
	}
	if err != nil {
		return c.JSON(http.StatusBadGateway, echo.Map{"error": err.Error()})
	}
	status := http.StatusOK
	if len(result.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	return c.JSON(status, result)
}

func (h *Handler) listSubscriptions(c echo.Context) error {
	userID := c.Param("userID")
	prov := registry.Provider(c.QueryParam("provider"))
	if !prov.Valid() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "a valid provider query parameter is required"})
	}

	subs, err := h.subs.List(c.Request().Context(), userID, prov)
	if err != nil {
		return c.JSON(http.StatusBadGateway, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"user_id": userID, "provider": prov, "subscriptions": subs})
}

type capabilityEntry struct {
	DataType    registry.DataType `json:"data_type"`
	DisplayName string            `json:"display_name"`
	Categories  []string          `json:"subscription_categories"`
	Description string            `json:"description"`
}

// capabilities reports which data types a provider supports.
func (h *Handler) capabilities(c echo.Context) error {
	prov := registry.Provider(c.Param("provider"))
	if !prov.Valid() {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown provider"})
	}

	types := registry.SupportedTypes(prov)
	entries := make([]capabilityEntry, 0, len(types))
	for _, dt := range types {
		cfg, _ := registry.Lookup(prov, dt)
		entries = append(entries, capabilityEntry{
			DataType:    dt,
			DisplayName: cfg.DisplayName,
			Categories:  cfg.SubscriptionCategories,
			Description: cfg.Description,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"provider": prov, "data_types": entries})
}
