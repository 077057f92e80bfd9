package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/openhealth/exchange/internal/queue"
	"github.com/openhealth/exchange/internal/syncer"
)

// Enqueuer is the slice of the task queue the handler pushes work into.
type Enqueuer interface {
	Enqueue(job queue.Job) error
}

// Handler exposes the provider notification endpoints.
type Handler struct {
	secrets          Secrets
	fitbitVerifyCode string
	processor        *Processor
	jobs             Enqueuer
	logger           zerolog.Logger
}

func NewHandler(secrets Secrets, fitbitVerifyCode string, processor *Processor, jobs Enqueuer, logger zerolog.Logger) *Handler {
	return &Handler{
		secrets:          secrets,
		fitbitVerifyCode: fitbitVerifyCode,
		processor:        processor,
		jobs:             jobs,
		logger:           logger.With().Str("component", "webhook_handler").Logger(),
	}
}

// RegisterRoutes mounts the notification endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/withings", h.withingsChallenge)
	g.HEAD("/withings", h.reachable)
	g.POST("/withings", h.withingsNotify)

	g.GET("/fitbit", h.fitbitVerify)
	g.HEAD("/fitbit", h.reachable)
	g.POST("/fitbit", h.fitbitNotify)
}

// reachable answers provider liveness probes.
func (h *Handler) reachable(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// withingsChallenge echoes the challenge token back during endpoint
// registration.
func (h *Handler) withingsChallenge(c echo.Context) error {
	return c.String(http.StatusOK, c.QueryParam("challenge"))
}

// fitbitVerify implements the subscriber verification handshake: the expected
// code gets 204, anything else 404.
func (h *Handler) fitbitVerify(c echo.Context) error {
	if code := c.QueryParam("verify"); code != "" && code == h.fitbitVerifyCode {
		return c.NoContent(http.StatusNoContent)
	}
	return c.NoContent(http.StatusNotFound)
}

func (h *Handler) withingsNotify(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	if status := h.verify(c, VerifyWithings, h.secrets.Withings, body, HeaderWithingsSignature); status != 0 {
		return c.NoContent(status)
	}

	req, err := h.processor.Withings(body)
	if err != nil {
		h.logger.Warn().Err(err).Msg("withings notification rejected")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	queued := 0
	if req != nil {
		if err := h.enqueueSync(*req); err != nil {
			h.logger.Error().Err(err).Msg("could not queue sync")
		} else {
			queued = 1
		}
	}
	return c.JSON(http.StatusAccepted, echo.Map{"status": "received", "queued": queued})
}

func (h *Handler) fitbitNotify(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	if status := h.verify(c, VerifyFitbit, h.secrets.Fitbit, body, HeaderFitbitSignature); status != 0 {
		return c.NoContent(status)
	}

	requests, problems := h.processor.Fitbit(body)
	for _, p := range problems {
		h.logger.Warn().Str("problem", p).Msg("fitbit notification entry skipped")
	}

	queued := 0
	for _, req := range requests {
		if err := h.enqueueSync(req); err != nil {
			h.logger.Error().Err(err).Str("user_id", req.UserID).Msg("could not queue sync")
			continue
		}
		queued++
	}
	return c.JSON(http.StatusAccepted, echo.Map{"status": "received", "queued": queued})
}

// verify runs the provider signature check. Returns 0 when the request may
// proceed, otherwise the HTTP status to respond with.
func (h *Handler) verify(c echo.Context, fn func(string, []byte, string) error, secret string, body []byte, header string) int {
	err := fn(secret, body, c.Request().Header.Get(header))
	switch {
	case err == nil:
		return 0
	case err == ErrMissingSignature && h.secrets.AllowUnsigned:
		h.logger.Warn().Msg("accepting unsigned notification")
		return 0
	default:
		h.logger.Warn().Err(err).Msg("notification signature rejected")
		return http.StatusUnauthorized
	}
}

func (h *Handler) enqueueSync(req syncer.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return h.jobs.Enqueue(queue.Job{
		Name:       queue.JobSyncWebhook,
		Payload:    payload,
		Priority:   int(syncer.PriorityHigh),
		MaxRetries: 3,
	})
}
