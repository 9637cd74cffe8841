package fhir

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type fakeTenancy struct {
	settings map[string]*BucketSettings
}

func (f *fakeTenancy) Resolve(_ context.Context, bucket string) (*BucketSettings, error) {
	s, ok := f.settings[bucket]
	if !ok {
		return nil, NotFound("Bucket", bucket)
	}
	return s, nil
}

type fakeValidator struct {
	rejected     string
	rejectedBody string
}

func (f *fakeValidator) Validate(resourceType string, body []byte, _ *BucketSettings) error {
	if f.rejected != "" && resourceType == f.rejected {
		return Unprocessable(resourceType + " failed validation")
	}
	if f.rejectedBody != "" && strings.Contains(string(body), f.rejectedBody) {
		return Unprocessable(resourceType + " failed validation")
	}
	return nil
}

func testServer(store *fakeStore, validator Validator) *echo.Echo {
	log := zerolog.Nop()
	engine := NewEngine(store, log, 50, 100)
	writer := testWriter(store)
	history := NewHistory(store, log, 50)
	txproc := NewTxProcessor(store, writer, log, 100)
	tenancy := &fakeTenancy{settings: map[string]*BucketSettings{
		"bkt": {Name: "bkt", FHIREnabled: true, ValidationMode: "lenient", FastpathEnabled: true},
		"off": {Name: "off", FHIREnabled: false},
	}}

	h := NewHandler(engine, writer, history, txproc, tenancy, validator, log, 50)
	e := echo.New()
	h.RegisterRoutes(e.Group("/fhir/:bucket"))
	return e
}

func do(t *testing.T, e *echo.Echo, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, ContentTypeFHIRJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateReadRoundTrip(t *testing.T) {
	store := newFakeStore()
	e := testServer(store, nil)

	rec := do(t, e, http.MethodPost, "/fhir/bkt/Patient", `{"resourceType":"Patient","name":[{"family":"Smith"}]}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"1"` {
		t.Errorf("ETag = %q", etag)
	}
	loc := rec.Header().Get("Location")
	if !strings.Contains(loc, "/fhir/bkt/Patient/fixed-id/_history/1") {
		t.Errorf("Location = %q", loc)
	}

	rec = do(t, e, http.MethodGet, "/fhir/bkt/Patient/fixed-id", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read status = %d", rec.Code)
	}
	if got := jsonStringAt(rec.Body.Bytes(), "meta", "versionId"); got != "1" {
		t.Errorf("meta.versionId = %q", got)
	}
}

func TestHandlerReadMissingAndDeleted(t *testing.T) {
	store := newFakeStore()
	e := testServer(store, nil)

	rec := do(t, e, http.MethodGet, "/fhir/bkt/Patient/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing read status = %d", rec.Code)
	}
	var outcome OperationOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("body is not an OperationOutcome: %v", err)
	}
	if outcome.ResourceType != "OperationOutcome" {
		t.Errorf("resourceType = %s", outcome.ResourceType)
	}

	do(t, e, http.MethodPost, "/fhir/bkt/Patient", `{"resourceType":"Patient"}`, nil)
	rec = do(t, e, http.MethodDelete, "/fhir/bkt/Patient/fixed-id", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = do(t, e, http.MethodGet, "/fhir/bkt/Patient/fixed-id", "", nil)
	if rec.Code != http.StatusGone {
		t.Errorf("deleted read status = %d, want 410", rec.Code)
	}
}

func TestHandlerUpdateIfMatch(t *testing.T) {
	store := newFakeStore()
	e := testServer(store, nil)

	do(t, e, http.MethodPost, "/fhir/bkt/Patient", `{"resourceType":"Patient"}`, nil)

	rec := do(t, e, http.MethodPut, "/fhir/bkt/Patient/fixed-id",
		`{"resourceType":"Patient","active":true}`, map[string]string{"If-Match": `W/"9"`})
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("stale If-Match status = %d", rec.Code)
	}

	rec = do(t, e, http.MethodPut, "/fhir/bkt/Patient/fixed-id",
		`{"resourceType":"Patient","active":true}`, map[string]string{"If-Match": `W/"1"`})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"2"` {
		t.Errorf("ETag = %q", etag)
	}
}

func TestHandlerUpdateAsCreate(t *testing.T) {
	store := newFakeStore()
	e := testServer(store, nil)

	rec := do(t, e, http.MethodPut, "/fhir/bkt/Patient/client-id", `{"resourceType":"Patient"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("update-as-create status = %d", rec.Code)
	}
	if store.resource("Patient/client-id") == nil {
		t.Error("resource not stored under client id")
	}
}

func TestHandlerSearchFastpath(t *testing.T) {
	store := newFakeStore()
	e := testServer(store, nil)

	do(t, e, http.MethodPost, "/fhir/bkt/Patient", `{"resourceType":"Patient","gender":"male"}`, nil)
	store.pages["fts-bkt-Patient"] = pageOf("Patient/fixed-id")

	rec := do(t, e, http.MethodGet, "/fhir/bkt/Patient?gender=male", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var bundle Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if bundle.Type != BundleTypeSearchSet || bundle.Total == nil || *bundle.Total != 1 {
		t.Fatalf("bundle = %+v", bundle)
	}
	if timing := rec.Header().Get("Server-Timing"); !strings.Contains(timing, "fts") {
		t.Errorf("Server-Timing = %q, want fts span", timing)
	}
}

func TestHandlerSearchPost(t *testing.T) {
	store := newFakeStore()
	e := testServer(store, nil)

	do(t, e, http.MethodPost, "/fhir/bkt/Patient", `{"resourceType":"Patient","gender":"female"}`, nil)
	store.pages["fts-bkt-Patient"] = pageOf("Patient/fixed-id")

	req := httptest.NewRequest(http.MethodPost, "/fhir/bkt/Patient/_search", strings.NewReader("gender=female"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(store.searches) == 0 || !strings.Contains(store.searches[len(store.searches)-1].query, "female") {
		t.Error("posted parameter did not reach the FTS query")
	}
}

func TestHandlerSearchUnknownParam(t *testing.T) {
	e := testServer(newFakeStore(), nil)
	rec := do(t, e, http.MethodGet, "/fhir/bkt/Patient?favorite-color=blue", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerSearchUnknownType(t *testing.T) {
	e := testServer(newFakeStore(), nil)
	rec := do(t, e, http.MethodGet, "/fhir/bkt/NotAType?x=1", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandlerVReadAndHistory(t *testing.T) {
	store := newFakeStore()
	e := testServer(store, nil)

	do(t, e, http.MethodPost, "/fhir/bkt/Patient", `{"resourceType":"Patient","active":true}`, nil)
	do(t, e, http.MethodPut, "/fhir/bkt/Patient/fixed-id", `{"resourceType":"Patient","active":false}`, nil)

	rec := do(t, e, http.MethodGet, "/fhir/bkt/Patient/fixed-id/_history/1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("vread status = %d", rec.Code)
	}
	if got := jsonStringAt(rec.Body.Bytes(), "meta", "versionId"); got != "1" {
		t.Errorf("vread version = %q", got)
	}

	rec = do(t, e, http.MethodGet, "/fhir/bkt/Patient/fixed-id/_history", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var bundle Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if bundle.Type != BundleTypeHistory || len(bundle.Entry) != 2 {
		t.Fatalf("history bundle = %+v", bundle)
	}
}

func TestHandlerPatch(t *testing.T) {
	store := newFakeStore()
	e := testServer(store, nil)

	do(t, e, http.MethodPost, "/fhir/bkt/Patient", `{"resourceType":"Patient","active":true}`, nil)

	rec := do(t, e, http.MethodPatch, "/fhir/bkt/Patient/fixed-id",
		`[{"op":"replace","path":"/active","value":false}]`,
		map[string]string{echo.HeaderContentType: ContentTypeJSONPatch})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"2"` {
		t.Errorf("ETag = %q", etag)
	}
}

func TestHandlerPatchRejectedNotStored(t *testing.T) {
	store := newFakeStore()
	e := testServer(store, &fakeValidator{rejectedBody: "not-a-gender"})

	do(t, e, http.MethodPost, "/fhir/bkt/Patient", `{"resourceType":"Patient","active":true}`, nil)

	rec := do(t, e, http.MethodPatch, "/fhir/bkt/Patient/fixed-id",
		`[{"op":"add","path":"/gender","value":"not-a-gender"}]`,
		map[string]string{echo.HeaderContentType: ContentTypeJSONPatch})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("patch status = %d, want 422", rec.Code)
	}

	// The stored document must still be version 1 without the patched field.
	rec = do(t, e, http.MethodGet, "/fhir/bkt/Patient/fixed-id", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read status = %d", rec.Code)
	}
	if got := jsonStringAt(rec.Body.Bytes(), "meta", "versionId"); got != "1" {
		t.Errorf("meta.versionId = %q, want 1", got)
	}
	if strings.Contains(rec.Body.String(), "not-a-gender") {
		t.Error("rejected patch result must not be stored")
	}
}

func TestHandlerTransactionEndpoint(t *testing.T) {
	store := newFakeStore()
	e := testServer(store, nil)

	bundle := `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [
			{"resource": {"resourceType": "Patient"}, "request": {"method": "POST", "url": "Patient"}}
		]
	}`
	rec := do(t, e, http.MethodPost, "/fhir/bkt", bundle, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("transaction status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var response Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("response: %v", err)
	}
	if response.Type != BundleTypeTransactionResponse {
		t.Errorf("type = %s", response.Type)
	}
}

func TestHandlerBucketGating(t *testing.T) {
	e := testServer(newFakeStore(), nil)

	rec := do(t, e, http.MethodGet, "/fhir/off/Patient/x", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("disabled bucket status = %d, want 400", rec.Code)
	}
	rec = do(t, e, http.MethodGet, "/fhir/ghost/Patient/x", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown bucket status = %d, want 404", rec.Code)
	}
}

func TestHandlerValidationRejects(t *testing.T) {
	store := newFakeStore()
	e := testServer(store, &fakeValidator{rejected: "Patient"})

	rec := do(t, e, http.MethodPost, "/fhir/bkt/Patient", `{"resourceType":"Patient"}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if store.resource("Patient/fixed-id") != nil {
		t.Error("rejected resource must not be stored")
	}
}

func TestHandlerMetadata(t *testing.T) {
	e := testServer(newFakeStore(), nil)

	rec := do(t, e, http.MethodGet, "/fhir/bkt/metadata", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metadata status = %d", rec.Code)
	}
	var cs map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &cs); err != nil {
		t.Fatalf("capability statement: %v", err)
	}
	if cs["resourceType"] != "CapabilityStatement" {
		t.Errorf("resourceType = %v", cs["resourceType"])
	}
	rest := cs["rest"].([]interface{})[0].(map[string]interface{})
	resources := rest["resource"].([]interface{})
	if len(resources) < 20 {
		t.Errorf("resource count = %d, want the full registry", len(resources))
	}
}

func TestHandlerConditionalCreateHeader(t *testing.T) {
	store := newFakeStore()
	e := testServer(store, nil)

	do(t, e, http.MethodPost, "/fhir/bkt/Patient", `{"resourceType":"Patient","identifier":[{"system":"mrn","value":"7"}]}`, nil)
	store.pages["fts-bkt-Patient"] = pageOf("Patient/fixed-id")

	rec := do(t, e, http.MethodPost, "/fhir/bkt/Patient",
		`{"resourceType":"Patient","identifier":[{"system":"mrn","value":"7"}]}`,
		map[string]string{"If-None-Exist": "identifier=mrn|7"})
	if rec.Code != http.StatusOK {
		t.Fatalf("If-None-Exist hit status = %d, want 200", rec.Code)
	}
}
