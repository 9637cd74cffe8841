package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// BucketSettings is the per-bucket configuration resolved by the tenancy
// layer before a request reaches the handlers.
type BucketSettings struct {
	Name            string   `json:"name"`
	FHIREnabled     bool     `json:"fhirEnabled"`
	ValidationMode  string   `json:"validationMode"`
	Profiles        []string `json:"profiles,omitempty"`
	FastpathEnabled bool     `json:"fastpathEnabled"`
}

// TenancyResolver maps a bucket path segment to its settings.
type TenancyResolver interface {
	Resolve(ctx context.Context, bucket string) (*BucketSettings, error)
}

// Validator checks a resource body against the bucket's validation mode
// before it is written. A validation failure is an *Error carrying 400/422.
type Validator interface {
	Validate(resourceType string, body []byte, settings *BucketSettings) error
}

// Handler exposes the FHIR REST surface. All resource types share the same
// generic routes; the bucket path segment selects the tenant.
type Handler struct {
	engine    *Engine
	writer    *Writer
	history   *History
	txproc    *TxProcessor
	tenancy   TenancyResolver
	validator Validator
	log       zerolog.Logger
	maxCount  int
}

func NewHandler(engine *Engine, writer *Writer, history *History, txproc *TxProcessor,
	tenancy TenancyResolver, validator Validator, log zerolog.Logger, maxCount int) *Handler {
	return &Handler{
		engine:    engine,
		writer:    writer,
		history:   history,
		txproc:    txproc,
		tenancy:   tenancy,
		validator: validator,
		log:       log,
		maxCount:  maxCount,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.Use(h.tenantMiddleware)

	g.GET("/metadata", h.Metadata)
	g.POST("", h.ProcessBundle)
	g.POST("/", h.ProcessBundle)
	g.GET("/_history", h.SystemHistory)

	g.GET("/:type", h.Search)
	g.POST("/:type/_search", h.SearchPost)
	g.GET("/:type/_history", h.TypeHistory)
	g.POST("/:type", h.Create)
	g.PUT("/:type", h.ConditionalUpdate)
	g.DELETE("/:type", h.ConditionalDelete)

	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.PATCH("/:type/:id", h.Patch)
	g.DELETE("/:type/:id", h.Delete)
	g.GET("/:type/:id/_history", h.InstanceHistory)
	g.GET("/:type/:id/_history/:vid", h.VRead)
}

const settingsContextKey = "fhir.bucket.settings"

// tenantMiddleware resolves the bucket segment and rejects buckets that are
// unknown or not FHIR-enabled. Settings ride on the echo context.
func (h *Handler) tenantMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		bucket := c.Param("bucket")
		settings, err := h.tenancy.Resolve(c.Request().Context(), bucket)
		if err != nil {
			return h.respondError(c, err)
		}
		if !settings.FHIREnabled {
			return h.respondError(c, BadRequest("bucket %q is not FHIR-enabled", bucket))
		}
		c.Set(settingsContextKey, settings)

		ctx, perf := WithPerf(c.Request().Context())
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Before(func() {
			if timing := perf.Header(); timing != "" {
				c.Response().Header().Set("Server-Timing", timing)
			}
		})
		return next(c)
	}
}

func (h *Handler) settings(c echo.Context) *BucketSettings {
	settings, _ := c.Get(settingsContextKey).(*BucketSettings)
	return settings
}

func (h *Handler) bucket(c echo.Context) string {
	return c.Param("bucket")
}

func (h *Handler) baseURL(c echo.Context) string {
	scheme := c.Scheme()
	return scheme + "://" + c.Request().Host + "/fhir/" + c.Param("bucket")
}

// Search handles GET /:type with the full search grammar.
func (h *Handler) Search(c echo.Context) error {
	return h.search(c, c.Request().URL.RawQuery)
}

// SearchPost handles POST /:type/_search with form-encoded parameters.
func (h *Handler) SearchPost(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.respondError(c, BadRequest("cannot read request body"))
	}
	query := c.Request().URL.RawQuery
	if len(body) > 0 {
		if query != "" {
			query += "&"
		}
		query += string(body)
	}
	return h.search(c, query)
}

func (h *Handler) search(c echo.Context, rawQuery string) error {
	resourceType := c.Param("type")
	if !KnownResourceType(resourceType) {
		return h.respondError(c, NotFound(resourceType, ""))
	}
	req, err := ParseSearch(resourceType, rawQuery, h.maxCount)
	if err != nil {
		return h.respondError(c, err)
	}

	result, err := h.engine.Search(c.Request().Context(), h.bucket(c), req)
	if err != nil {
		return h.respondError(c, err)
	}

	if FastpathEligible(req, h.settings(c).FastpathEnabled) {
		raw := FastSearchSet(req, result, h.baseURL(c))
		return c.Blob(http.StatusOK, ContentTypeFHIRJSON, raw)
	}
	bundle, err := BuildSearchBundle(req, result, h.baseURL(c))
	if err != nil {
		return h.respondError(c, err)
	}
	return h.respondJSON(c, http.StatusOK, bundle)
}

// Read handles GET /:type/:id.
func (h *Handler) Read(c echo.Context) error {
	body, version, err := h.writer.Read(c.Request().Context(), h.bucket(c), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	SetVersionHeaders(c, version, jsonStringAt(body, "meta", "lastUpdated"))
	return c.Blob(http.StatusOK, ContentTypeFHIRJSON, body)
}

// VRead handles GET /:type/:id/_history/:vid.
func (h *Handler) VRead(c echo.Context) error {
	body, err := h.writer.VRead(c.Request().Context(), h.bucket(c), c.Param("type"), c.Param("id"), c.Param("vid"))
	if err != nil {
		return h.respondError(c, err)
	}
	SetVersionHeaders(c, c.Param("vid"), jsonStringAt(body, "meta", "lastUpdated"))
	return c.Blob(http.StatusOK, ContentTypeFHIRJSON, body)
}

// Create handles POST /:type, honoring If-None-Exist.
func (h *Handler) Create(c echo.Context) error {
	resourceType := c.Param("type")
	body, err := h.readResource(c, resourceType)
	if err != nil {
		return h.respondError(c, err)
	}

	var res *WriteResult
	if criteria := c.Request().Header.Get("If-None-Exist"); criteria != "" {
		res, err = h.writer.ConditionalCreate(c.Request().Context(), h.bucket(c), resourceType, criteria, body)
	} else {
		res, err = h.writer.Create(c.Request().Context(), h.bucket(c), resourceType, body)
	}
	if err != nil {
		return h.respondError(c, err)
	}
	return h.respondWrite(c, res)
}

// Update handles PUT /:type/:id with optional If-Match.
func (h *Handler) Update(c echo.Context) error {
	resourceType := c.Param("type")
	body, err := h.readResource(c, resourceType)
	if err != nil {
		return h.respondError(c, err)
	}
	res, err := h.writer.Update(c.Request().Context(), h.bucket(c), resourceType, c.Param("id"), body,
		c.Request().Header.Get("If-Match"))
	if err != nil {
		return h.respondError(c, err)
	}
	return h.respondWrite(c, res)
}

// ConditionalUpdate handles PUT /:type?criteria.
func (h *Handler) ConditionalUpdate(c echo.Context) error {
	resourceType := c.Param("type")
	body, err := h.readResource(c, resourceType)
	if err != nil {
		return h.respondError(c, err)
	}
	res, err := h.writer.ConditionalUpdate(c.Request().Context(), h.bucket(c), resourceType,
		c.Request().URL.RawQuery, body)
	if err != nil {
		return h.respondError(c, err)
	}
	return h.respondWrite(c, res)
}

// Patch handles PATCH /:type/:id with JSON Patch or FHIR Patch bodies. The
// patched document is validated before it is committed, so a rejected result
// never becomes the current version.
func (h *Handler) Patch(c echo.Context) error {
	patchBody, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.respondError(c, BadRequest("cannot read request body"))
	}
	resourceType := c.Param("type")
	patched, err := h.writer.ApplyPatch(c.Request().Context(), h.bucket(c), resourceType, c.Param("id"),
		c.Request().Header.Get(echo.HeaderContentType), patchBody)
	if err != nil {
		return h.respondError(c, err)
	}
	if err := h.validate(c, resourceType, patched); err != nil {
		return h.respondError(c, err)
	}
	res, err := h.writer.Update(c.Request().Context(), h.bucket(c), resourceType, c.Param("id"), patched,
		c.Request().Header.Get("If-Match"))
	if err != nil {
		return h.respondError(c, err)
	}
	return h.respondWrite(c, res)
}

// Delete handles DELETE /:type/:id.
func (h *Handler) Delete(c echo.Context) error {
	res, err := h.writer.Delete(c.Request().Context(), h.bucket(c), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	if res.VersionID != "" {
		c.Response().Header().Set("ETag", FormatETag(res.VersionID))
	}
	return c.NoContent(http.StatusNoContent)
}

// ConditionalDelete handles DELETE /:type?criteria.
func (h *Handler) ConditionalDelete(c echo.Context) error {
	_, err := h.writer.ConditionalDelete(c.Request().Context(), h.bucket(c), c.Param("type"),
		c.Request().URL.RawQuery)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ProcessBundle handles POST / with a transaction or batch Bundle.
func (h *Handler) ProcessBundle(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.respondError(c, BadRequest("cannot read request body"))
	}
	if err := h.validateBundleEntries(c, raw); err != nil {
		return h.respondError(c, err)
	}
	response, err := h.txproc.Process(c.Request().Context(), h.bucket(c), raw)
	if err != nil {
		return h.respondError(c, err)
	}
	return h.respondJSON(c, http.StatusOK, response)
}

// InstanceHistory handles GET /:type/:id/_history.
func (h *Handler) InstanceHistory(c echo.Context) error {
	q, err := ParseHistoryQuery(c.Request().URL.RawQuery, h.maxCount)
	if err != nil {
		return h.respondError(c, err)
	}
	bundle, err := h.history.Instance(c.Request().Context(), h.bucket(c), c.Param("type"), c.Param("id"), q)
	if err != nil {
		return h.respondError(c, err)
	}
	return h.respondJSON(c, http.StatusOK, bundle)
}

// TypeHistory handles GET /:type/_history.
func (h *Handler) TypeHistory(c echo.Context) error {
	q, err := ParseHistoryQuery(c.Request().URL.RawQuery, h.maxCount)
	if err != nil {
		return h.respondError(c, err)
	}
	bundle, err := h.history.Type(c.Request().Context(), h.bucket(c), c.Param("type"), q)
	if err != nil {
		return h.respondError(c, err)
	}
	return h.respondJSON(c, http.StatusOK, bundle)
}

// SystemHistory handles GET /_history.
func (h *Handler) SystemHistory(c echo.Context) error {
	q, err := ParseHistoryQuery(c.Request().URL.RawQuery, h.maxCount)
	if err != nil {
		return h.respondError(c, err)
	}
	bundle, err := h.history.System(c.Request().Context(), h.bucket(c), q)
	if err != nil {
		return h.respondError(c, err)
	}
	return h.respondJSON(c, http.StatusOK, bundle)
}

// readResource reads and validates a write body.
func (h *Handler) readResource(c echo.Context, resourceType string) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, BadRequest("cannot read request body")
	}
	if len(body) == 0 {
		return nil, BadRequest("request body is required")
	}
	if err := h.validate(c, resourceType, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (h *Handler) validate(c echo.Context, resourceType string, body []byte) error {
	if h.validator == nil {
		return nil
	}
	return h.validator.Validate(resourceType, body, h.settings(c))
}

// validateBundleEntries runs validation on every entry body before the
// bundle is processed, so a transaction never starts with a doomed entry.
func (h *Handler) validateBundleEntries(c echo.Context, raw []byte) error {
	if h.validator == nil {
		return nil
	}
	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return BadRequest("request body is not a valid Bundle: %s", err.Error())
	}
	for i, entry := range bundle.Entry {
		if entry.Resource == nil || entry.Request == nil {
			continue
		}
		if entry.Request.Method == "PATCH" {
			continue
		}
		resourceType, _, _, err := splitEntryURL(entry.Request.URL)
		if err != nil {
			return err
		}
		if err := h.validate(c, resourceType, entry.Resource); err != nil {
			if fe, ok := err.(*Error); ok {
				fe.Diagnostics = fmt.Sprintf("entry %d: %s", i, fe.Diagnostics)
				return fe
			}
			return err
		}
	}
	return nil
}

func (h *Handler) respondWrite(c echo.Context, res *WriteResult) error {
	SetVersionHeaders(c, res.VersionID, res.LastUpdated)
	c.Response().Header().Set("Location", h.baseURL(c)+"/"+res.ResourceType+"/"+res.ID+"/_history/"+res.VersionID)
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	return c.Blob(status, ContentTypeFHIRJSON, res.Body)
}

func (h *Handler) respondJSON(c echo.Context, status int, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return h.respondError(c, Internal(err))
	}
	return c.Blob(status, ContentTypeFHIRJSON, raw)
}

// respondError renders any error as an OperationOutcome with its mapped
// status. Internal errors log the cause but never leak it.
func (h *Handler) respondError(c echo.Context, err error) error {
	fe := TranslateErr(err)
	if fe.Kind == KindInternal {
		h.log.Error().Err(fe.Unwrap()).Str("path", c.Request().URL.Path).Msg("internal error")
	}
	raw, merr := json.Marshal(fe.Outcome())
	if merr != nil {
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.Blob(fe.StatusCode(), ContentTypeFHIRJSON, raw)
}
