package group

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/platform/fhir"
)

// Handler exposes the group admin endpoints.
type Handler struct {
	engine *Engine
	log    zerolog.Logger
}

func NewHandler(engine *Engine, log zerolog.Logger) *Handler {
	return &Handler{engine: engine, log: log}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/:bucket/groups", h.Create)
	g.POST("/:bucket/groups/:id/refresh", h.Refresh)
	g.DELETE("/:bucket/groups/:id/members", h.RemoveMember)
}

type createRequest struct {
	Name         string `json:"name"`
	ResourceType string `json:"resourceType"`
	Filter       string `json:"filter"`
	CreatedBy    string `json:"createdBy"`
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return h.respondError(c, fhir.BadRequest("invalid request body"))
	}
	res, err := h.engine.Create(c.Request().Context(), c.Param("bucket"),
		req.Name, req.ResourceType, req.Filter, req.CreatedBy)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.Blob(http.StatusCreated, "application/fhir+json", res.Body)
}

func (h *Handler) Refresh(c echo.Context) error {
	res, err := h.engine.Refresh(c.Request().Context(), c.Param("bucket"), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.Blob(http.StatusOK, "application/fhir+json", res.Body)
}

type removeMemberRequest struct {
	Reference string `json:"reference"`
}

func (h *Handler) RemoveMember(c echo.Context) error {
	var req removeMemberRequest
	if err := c.Bind(&req); err != nil || req.Reference == "" {
		return h.respondError(c, fhir.BadRequest("member reference is required"))
	}
	res, err := h.engine.RemoveMember(c.Request().Context(), c.Param("bucket"), c.Param("id"), req.Reference)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.Blob(http.StatusOK, "application/fhir+json", res.Body)
}

func (h *Handler) respondError(c echo.Context, err error) error {
	fe := fhir.TranslateErr(err)
	if fe.Kind == fhir.KindInternal {
		h.log.Error().Err(fe.Unwrap()).Str("path", c.Request().URL.Path).Msg("internal error")
	}
	raw, merr := json.Marshal(fe.Outcome())
	if merr != nil {
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.Blob(fe.StatusCode(), "application/fhir+json", raw)
}
