package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Handler exposes token issue and revoke admin endpoints.
type Handler struct {
	svc *Service
	log zerolog.Logger
}

func NewHandler(svc *Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/:bucket/tokens", h.Issue)
	g.DELETE("/:bucket/tokens/:jti", h.Revoke)
}

type issueRequest struct {
	Subject string `json:"subject"`
}

type issueResponse struct {
	Token  string       `json:"token"`
	Record *TokenRecord `json:"record"`
}

func (h *Handler) Issue(c echo.Context) error {
	var req issueRequest
	if err := c.Bind(&req); err != nil || req.Subject == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject is required")
	}
	token, record, err := h.svc.Issue(c.Request().Context(), c.Param("bucket"), req.Subject)
	if err != nil {
		h.log.Error().Err(err).Msg("token issue failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "token issue failed")
	}
	return c.JSON(http.StatusCreated, issueResponse{Token: token, Record: record})
}

func (h *Handler) Revoke(c echo.Context) error {
	if err := h.svc.Revoke(c.Request().Context(), c.Param("bucket"), c.Param("jti")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown token")
	}
	return c.NoContent(http.StatusNoContent)
}
