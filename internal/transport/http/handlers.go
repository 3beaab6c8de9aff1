// internal/transport/http/handlers.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"crm-sheet-sync/internal/conflict"
	"crm-sheet-sync/internal/engine"
	"crm-sheet-sync/internal/ingest"
	"crm-sheet-sync/internal/resolve"
	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/pkg/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SyncEngine is the part of the engine the API exposes.
type SyncEngine interface {
	HandleSheet(ctx context.Context, eventID string, ev ingest.SheetEvent, payload []byte) error
	HandleCRM(ctx context.Context, eventID string, ev ingest.CRMEvent, payload []byte) error
	ListConflicts(ctx context.Context, configID uuid.UUID) ([]conflict.RowConflict, error)
	ResolveConflict(ctx context.Context, configID uuid.UUID, row int, field string, strategy conflict.Strategy) (*models.SyncLogEntry, error)
	GetSyncHistory(ctx context.Context, configID uuid.UUID, limit int) ([]models.SyncLogEntry, error)
	RetryFailed(ctx context.Context, configID uuid.UUID) (int, error)
	RefreshRow(ctx context.Context, configID uuid.UUID, row int) ([]*resolve.Accepted, error)
	DisableConfig(ctx context.Context, configID uuid.UUID) error
	EnableConfig(ctx context.Context, configID uuid.UUID) error
	TeardownConfig(ctx context.Context, configID uuid.UUID) error
}

type Handler struct {
	engine SyncEngine
	log    *logrus.Logger
}

func NewHandler(e SyncEngine, log *logrus.Logger) *Handler {
	return &Handler{engine: e, log: log}
}

// SheetWebhook receives a row edit from the spreadsheet script.
func (h *Handler) SheetWebhook(c *fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)
	var ev ingest.SheetEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return syncerr.Validation("sheet.webhook", "body", "invalid JSON: %v", err)
	}
	id := ingest.EventID(ev.EventID, c.Get("X-Event-ID"), body)
	return h.accepted(c, id, h.engine.HandleSheet(c.UserContext(), id, ev, body))
}

// CRMWebhook receives a field update notification from the CRM.
func (h *Handler) CRMWebhook(c *fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)
	var ev ingest.CRMEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return syncerr.Validation("crm.webhook", "body", "invalid JSON: %v", err)
	}
	id := ingest.EventID(ev.EventID, c.Get("X-Event-ID"), body)
	return h.accepted(c, id, h.engine.HandleCRM(c.UserContext(), id, ev, body))
}

func (h *Handler) accepted(c *fiber.Ctx, id string, err error) error {
	if errors.Is(err, ingest.ErrDuplicateEvent) {
		h.log.WithField("event_id", id).Info("[WEBHOOK] ℹ️ duplicate delivery ignored")
		return c.JSON(fiber.Map{"status": "duplicate", "event_id": id})
	}
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted", "event_id": id})
}

func (h *Handler) ListConflicts(c *fiber.Ctx) error {
	id, err := configID(c)
	if err != nil {
		return err
	}
	conflicts, err := h.engine.ListConflicts(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conflicts": conflicts, "count": len(conflicts)})
}

type resolveRequest struct {
	Row      int               `json:"row"`
	Field    string            `json:"field"`
	Strategy conflict.Strategy `json:"strategy"`
}

func (h *Handler) ResolveConflict(c *fiber.Ctx) error {
	id, err := configID(c)
	if err != nil {
		return err
	}
	var req resolveRequest
	if err := c.BodyParser(&req); err != nil {
		return syncerr.Validation("resolve", "body", "invalid request body")
	}
	if req.Row < 1 {
		return syncerr.Validation("resolve", "row", "must be a sheet row number")
	}
	if req.Field == "" {
		req.Field = resolve.AllFields
	}
	entry, err := h.engine.ResolveConflict(c.UserContext(), id, req.Row, req.Field, req.Strategy)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "resolved", "entry": entry})
}

func (h *Handler) History(c *fiber.Ctx) error {
	id, err := configID(c)
	if err != nil {
		return err
	}
	limit := c.QueryInt("limit", 50)
	entries, err := h.engine.GetSyncHistory(c.UserContext(), id, limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"entries": entries, "count": len(entries)})
}

func (h *Handler) Retry(c *fiber.Ctx) error {
	id, err := configID(c)
	if err != nil {
		return err
	}
	n, err := h.engine.RetryFailed(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "success", "retried": n})
}

func (h *Handler) RefreshRow(c *fiber.Ctx) error {
	id, err := configID(c)
	if err != nil {
		return err
	}
	row, err := strconv.Atoi(c.Params("row"))
	if err != nil || row < 1 {
		return syncerr.Validation("refresh", "row", "must be a sheet row number")
	}
	accepted, err := h.engine.RefreshRow(c.UserContext(), id, row)
	if err != nil {
		return err
	}
	conflicts := []string{}
	writes := 0
	for _, a := range accepted {
		conflicts = append(conflicts, a.Plan.HardFields()...)
		writes += len(a.Pending)
	}
	return c.JSON(fiber.Map{"status": "success", "deltas": len(accepted), "writes": writes, "conflicts": conflicts})
}

func (h *Handler) Disable(c *fiber.Ctx) error {
	id, err := configID(c)
	if err != nil {
		return err
	}
	if err := h.engine.DisableConfig(c.UserContext(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "disabled"})
}

func (h *Handler) Enable(c *fiber.Ctx) error {
	id, err := configID(c)
	if err != nil {
		return err
	}
	if err := h.engine.EnableConfig(c.UserContext(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "enabled"})
}

// Teardown deletes a config and everything synced under it.
func (h *Handler) Teardown(c *fiber.Ctx) error {
	id, err := configID(c)
	if err != nil {
		return err
	}
	if err := h.engine.TeardownConfig(c.UserContext(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "deleted"})
}

func configID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, syncerr.Validation("config", "id", "invalid config id")
	}
	return id, nil
}

// ErrorHandler maps error kinds to status codes.
func ErrorHandler(log *logrus.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := StatusFor(err)
		msg := err.Error()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code, msg = fe.Code, fe.Message
		}
		entry := log.WithFields(logrus.Fields{
			"status": code,
			"method": c.Method(),
			"path":   c.Path(),
			"ip":     c.IP(),
		})
		if code >= fiber.StatusInternalServerError {
			entry.Errorf("🔥 [ERROR] %v", err)
			return c.Status(code).JSON(fiber.Map{
				"error":      "something went wrong",
				"request_id": c.Get("X-Request-ID"),
			})
		}
		entry.Infof("[HTTP] request rejected: %v", err)
		body := fiber.Map{"error": msg}
		var se *syncerr.Error
		if errors.As(err, &se) {
			body["kind"] = se.Kind
			if se.Field != "" {
				body["field"] = se.Field
			}
		}
		return c.Status(code).JSON(body)
	}
}

func StatusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrConfigDisabled):
		return fiber.StatusConflict
	case errors.Is(err, engine.ErrShuttingDown):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	}
	var se *syncerr.Error
	if !errors.As(err, &se) {
		return fiber.StatusInternalServerError
	}
	switch se.Kind {
	case syncerr.KindValidation:
		return fiber.StatusBadRequest
	case syncerr.KindConflict:
		return fiber.StatusConflict
	case syncerr.KindNotFound:
		return fiber.StatusNotFound
	}
	return fiber.StatusInternalServerError
}

// Register mounts the API under /svc/v1 behind auth and adds /health.
func Register(app *fiber.App, h *Handler, auth fiber.Handler, started time.Time) {
	svc := app.Group("/svc/v1", auth)
	svc.Post("/webhooks/sheet", h.SheetWebhook)
	svc.Post("/webhooks/crm", h.CRMWebhook)

	cfg := svc.Group("/configs/:id")
	cfg.Get("/conflicts", h.ListConflicts)
	cfg.Post("/conflicts/resolve", h.ResolveConflict)
	cfg.Get("/history", h.History)
	cfg.Post("/retry", h.Retry)
	cfg.Post("/rows/:row/refresh", h.RefreshRow)
	cfg.Post("/disable", h.Disable)
	cfg.Post("/enable", h.Enable)
	cfg.Delete("", h.Teardown)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "ok",
			"service":   "crm-sheet-sync",
			"uptime":    time.Since(started).Round(time.Second).String(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
}
