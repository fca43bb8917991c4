package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/labstack/echo/v4"

	"modelref/internal/backend"
	"modelref/internal/core"
	"modelref/internal/metadata"
)

// Handler holds the HTTP handlers
type Handler struct {
	backend backend.Backend
	tracker *metadata.Tracker
}

// NewHandler creates a handler over b. tracker may be nil.
func NewHandler(b backend.Backend, tracker *metadata.Tracker) *Handler {
	return &Handler{
		backend: b,
		tracker: tracker,
	}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	body := map[string]any{
		"status":  "ok",
		"backend": h.backend.Name(),
		"mode":    h.backend.Mode(),
	}
	if h.backend.Capabilities().HealthChecks {
		if err := h.backend.HealthCheck(c.Request().Context()); err != nil {
			slog.Warn("health check failed", "backend", h.backend.Name(), "error", err)
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
	}
	return c.JSON(http.StatusOK, body)
}

// Statistics handles GET /api/model_references/stats
func (h *Handler) Statistics(c echo.Context) error {
	if !h.backend.Capabilities().Statistics {
		return handleError(c, core.NewUnsupportedError(h.backend.Name(), backend.OpStatistics))
	}
	stats, err := h.backend.Statistics(c.Request().Context())
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// ListCategories handles GET /api/model_references/v2.
// Categories without data are listed as null.
func (h *Handler) ListCategories(c echo.Context) error {
	all := h.backend.FetchAllCategories(c.Request().Context(), false)
	out := make(map[string]core.Payload, len(all))
	for cat, payload := range all {
		out[string(cat)] = payload
	}
	return c.JSON(http.StatusOK, out)
}

// GetCategory handles GET /api/model_references/v2/:category
func (h *Handler) GetCategory(c echo.Context) error {
	cat, err := categoryParam(c)
	if err != nil {
		return handleError(c, err)
	}
	payload := h.backend.FetchCategory(c.Request().Context(), cat, false)
	if payload == nil {
		return handleError(c, core.NewNotFoundError(cat, "no reference data for category"))
	}
	return c.JSON(http.StatusOK, payload)
}

// GetModel handles GET /api/model_references/v2/:category/:model
func (h *Handler) GetModel(c echo.Context) error {
	cat, err := categoryParam(c)
	if err != nil {
		return handleError(c, err)
	}
	name := c.Param("model")
	record, ok := h.backend.FetchCategory(c.Request().Context(), cat, false)[name]
	if !ok {
		return handleError(c, core.NewNotFoundError(cat, fmt.Sprintf("model %q not found", name)))
	}
	return c.JSON(http.StatusOK, record)
}

// GetLegacy handles GET /api/model_references/v1/:category. The body is the
// legacy document byte for byte, tagged with a content digest ETag.
func (h *Handler) GetLegacy(c echo.Context) error {
	cat, err := categoryParam(c)
	if err != nil {
		return handleError(c, err)
	}
	raw, ok := h.backend.LegacyJSONString(c.Request().Context(), cat, false)
	if !ok {
		return handleError(c, core.NewNotFoundError(cat, "no legacy reference data for category"))
	}

	etag := fmt.Sprintf(`"%016x"`, xxhash.Sum64String(raw))
	c.Response().Header().Set("ETag", etag)
	if c.Request().Header.Get("If-None-Match") == etag {
		return c.NoContent(http.StatusNotModified)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(raw))
}

// UpdateModel handles PUT /api/model_references/v2/:category/:model
func (h *Handler) UpdateModel(c echo.Context) error {
	return h.write(c, false, func(cat core.Category, name string, record core.Record) error {
		return h.backend.UpdateModel(c.Request().Context(), cat, name, record)
	})
}

// UpdateModelLegacy handles PUT /api/model_references/v1/:category/:model
func (h *Handler) UpdateModelLegacy(c echo.Context) error {
	return h.write(c, true, func(cat core.Category, name string, record core.Record) error {
		return h.backend.UpdateModelLegacy(c.Request().Context(), cat, name, record)
	})
}

// DeleteModel handles DELETE /api/model_references/v2/:category/:model
func (h *Handler) DeleteModel(c echo.Context) error {
	return h.remove(c, false, h.backend.DeleteModel)
}

// DeleteModelLegacy handles DELETE /api/model_references/v1/:category/:model
func (h *Handler) DeleteModelLegacy(c echo.Context) error {
	return h.remove(c, true, h.backend.DeleteModelLegacy)
}

func (h *Handler) write(c echo.Context, legacy bool, update func(core.Category, string, core.Record) error) error {
	if err := h.requireWrites(legacy); err != nil {
		return handleError(c, err)
	}
	cat, err := categoryParam(c)
	if err != nil {
		return handleError(c, err)
	}
	// only the body is decoded; path params must not leak into the record
	var record map[string]any
	if err := (&echo.DefaultBinder{}).BindBody(c, &record); err != nil || record == nil {
		return handleError(c, &core.Error{
			Kind:     core.ErrorKindMalformedData,
			Category: cat,
			Message:  "request body must be a JSON object",
		})
	}
	name := c.Param("model")
	if err := update(cat, name, record); err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"category": cat, "model": name, "status": "saved"})
}

func (h *Handler) remove(c echo.Context, legacy bool, del func(ctx context.Context, cat core.Category, name string) error) error {
	if err := h.requireWrites(legacy); err != nil {
		return handleError(c, err)
	}
	cat, err := categoryParam(c)
	if err != nil {
		return handleError(c, err)
	}
	if err := del(c.Request().Context(), cat, c.Param("model")); err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) requireWrites(legacy bool) error {
	caps := h.backend.Capabilities()
	if legacy && !caps.LegacyWrites {
		return core.NewUnsupportedError(h.backend.Name(), backend.OpUpdateModelLegacy)
	}
	if !legacy && !caps.Writes {
		return core.NewUnsupportedError(h.backend.Name(), backend.OpUpdateModel)
	}
	return nil
}

// MarkStale handles POST /api/model_references/v2/:category/mark_stale
func (h *Handler) MarkStale(c echo.Context) error {
	cat, err := categoryParam(c)
	if err != nil {
		return handleError(c, err)
	}
	h.backend.MarkStale(cat)
	return c.JSON(http.StatusOK, map[string]any{"category": cat, "status": "stale"})
}

// ListMetadata handles GET /api/model_references/{v1,v2}/metadata
func (h *Handler) ListMetadata(c echo.Context) error {
	list, err := h.tracker.List(c.Request().Context(), formatOf(c))
	if err != nil {
		return handleError(c, err)
	}
	if list == nil {
		list = []metadata.CategoryMetadata{}
	}
	return c.JSON(http.StatusOK, list)
}

// Metadata handles GET /api/model_references/{v1,v2}/metadata/:category
func (h *Handler) Metadata(c echo.Context) error {
	cat, err := categoryParam(c)
	if err != nil {
		return handleError(c, err)
	}
	md, err := h.tracker.Get(c.Request().Context(), formatOf(c), cat)
	if err != nil {
		return handleError(c, metadataError(cat, err))
	}
	return c.JSON(http.StatusOK, md)
}

// LastUpdated handles GET /api/model_references/v2/metadata/:category/last_updated.
// The value is a Unix timestamp, or null when the category was never written.
func (h *Handler) LastUpdated(c echo.Context) error {
	cat, err := categoryParam(c)
	if err != nil {
		return handleError(c, err)
	}
	md, err := h.tracker.Get(c.Request().Context(), metadata.FormatV2, cat)
	if errors.Is(err, metadata.ErrNotFound) {
		return c.JSON(http.StatusOK, map[string]any{"last_updated": nil})
	}
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"last_updated": md.LastUpdated.Unix()})
}

func formatOf(c echo.Context) metadata.Format {
	if strings.HasPrefix(c.Path(), APIPrefix+"/v1/") {
		return metadata.FormatLegacy
	}
	return metadata.FormatV2
}

func categoryParam(c echo.Context) (core.Category, error) {
	name := c.Param("category")
	cat, err := core.ParseCategory(name)
	if err != nil {
		return "", core.NewNotFoundError(core.Category(name), err.Error())
	}
	return cat, nil
}

func metadataError(cat core.Category, err error) error {
	if errors.Is(err, metadata.ErrNotFound) {
		return core.NewNotFoundError(cat, "no recorded operations for category")
	}
	return err
}

// handleError converts backend errors to HTTP responses
func handleError(c echo.Context, err error) error {
	var refErr *core.Error
	if errors.As(err, &refErr) {
		return c.JSON(refErr.HTTPStatusCode(), refErr.ToJSON())
	}

	slog.Error("unexpected handler error", "path", c.Path(), "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
