package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/platform/couch"
)

func testWriter(store couch.Store) *Writer {
	w := NewWriter(store, testEngine(store), zerolog.Nop())
	w.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	w.newID = func() string { return "fixed-id" }
	return w
}

func TestWriterCreate(t *testing.T) {
	store := newFakeStore()
	w := testWriter(store)

	res, err := w.Create(context.Background(), "bkt", "Patient", []byte(`{"resourceType":"Patient","name":[{"family":"Smith"}]}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !res.Created || res.ID != "fixed-id" || res.VersionID != "1" {
		t.Fatalf("result = %+v", res)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(store.resource("Patient/fixed-id"), &doc); err != nil {
		t.Fatalf("stored doc: %v", err)
	}
	meta := doc["meta"].(map[string]interface{})
	if meta["versionId"] != "1" || meta["lastUpdated"] != "2026-03-01T12:00:00Z" {
		t.Errorf("meta = %v", meta)
	}
	if store.version("Patient/fixed-id/_history/1") == nil {
		t.Error("history entry missing")
	}
}

func TestWriterCreateRejectsTypeMismatch(t *testing.T) {
	w := testWriter(newFakeStore())
	_, err := w.Create(context.Background(), "bkt", "Patient", []byte(`{"resourceType":"Observation"}`))
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindBadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestWriterUpdateIncrementsVersion(t *testing.T) {
	store := newFakeStore()
	w := testWriter(store)

	if _, err := w.Create(context.Background(), "bkt", "Patient", []byte(`{"resourceType":"Patient"}`)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := w.Update(context.Background(), "bkt", "Patient", "fixed-id", []byte(`{"resourceType":"Patient","active":true}`), "")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.VersionID != "2" || res.Created {
		t.Fatalf("result = %+v", res)
	}
	if store.version("Patient/fixed-id/_history/2") == nil {
		t.Error("second history entry missing")
	}
}

func TestWriterUpdateAsCreate(t *testing.T) {
	store := newFakeStore()
	w := testWriter(store)

	res, err := w.Update(context.Background(), "bkt", "Patient", "client-id", []byte(`{"resourceType":"Patient"}`), "")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !res.Created || res.VersionID != "1" || res.ID != "client-id" {
		t.Fatalf("result = %+v", res)
	}
}

func TestWriterUpdateIfMatchMismatch(t *testing.T) {
	store := newFakeStore()
	w := testWriter(store)

	if _, err := w.Create(context.Background(), "bkt", "Patient", []byte(`{"resourceType":"Patient"}`)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := w.Update(context.Background(), "bkt", "Patient", "fixed-id", []byte(`{"resourceType":"Patient"}`), `W/"9"`)
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindPreconditionFailed {
		t.Fatalf("expected 412, got %v", err)
	}
}

func TestWriterUpdateIfMatchOnMissingResource(t *testing.T) {
	w := testWriter(newFakeStore())
	_, err := w.Update(context.Background(), "bkt", "Patient", "nope", []byte(`{"resourceType":"Patient"}`), `W/"1"`)
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindPreconditionFailed {
		t.Fatalf("expected 412, got %v", err)
	}
}

func TestWriterDeleteThenReadGone(t *testing.T) {
	store := newFakeStore()
	w := testWriter(store)
	ctx := context.Background()

	if _, err := w.Create(ctx, "bkt", "Patient", []byte(`{"resourceType":"Patient"}`)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := w.Delete(ctx, "bkt", "Patient", "fixed-id")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res.VersionID != "2" {
		t.Errorf("tombstone version = %s, want 2", res.VersionID)
	}

	_, _, err = w.Read(ctx, "bkt", "Patient", "fixed-id")
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindGone {
		t.Fatalf("expected 410, got %v", err)
	}

	// The tombstone version itself reads as gone too.
	_, err = w.VRead(ctx, "bkt", "Patient", "fixed-id", "2")
	if !errors.As(err, &fe) || fe.Kind != KindGone {
		t.Fatalf("expected 410 for tombstone vread, got %v", err)
	}
}

func TestWriterDeleteUnknownID(t *testing.T) {
	w := testWriter(newFakeStore())
	_, err := w.Delete(context.Background(), "bkt", "Patient", "nope")
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestWriterDeleteIsIdempotent(t *testing.T) {
	store := newFakeStore()
	w := testWriter(store)
	ctx := context.Background()

	if _, err := w.Create(ctx, "bkt", "Patient", []byte(`{"resourceType":"Patient"}`)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Delete(ctx, "bkt", "Patient", "fixed-id"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	res, err := w.Delete(ctx, "bkt", "Patient", "fixed-id")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if !res.NoOp {
		t.Error("second delete should be a no-op")
	}
}

func TestWriterRecreateContinuesVersionSequence(t *testing.T) {
	store := newFakeStore()
	w := testWriter(store)
	ctx := context.Background()

	if _, err := w.Create(ctx, "bkt", "Patient", []byte(`{"resourceType":"Patient"}`)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Delete(ctx, "bkt", "Patient", "fixed-id"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	res, err := w.Update(ctx, "bkt", "Patient", "fixed-id", []byte(`{"resourceType":"Patient"}`), "")
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if res.VersionID != "3" {
		t.Errorf("recreated version = %s, want 3", res.VersionID)
	}
}

func TestWriterVRead(t *testing.T) {
	store := newFakeStore()
	w := testWriter(store)
	ctx := context.Background()

	if _, err := w.Create(ctx, "bkt", "Patient", []byte(`{"resourceType":"Patient","active":true}`)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Update(ctx, "bkt", "Patient", "fixed-id", []byte(`{"resourceType":"Patient","active":false}`), ""); err != nil {
		t.Fatalf("Update: %v", err)
	}

	v1, err := w.VRead(ctx, "bkt", "Patient", "fixed-id", "1")
	if err != nil {
		t.Fatalf("VRead: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(v1, &doc); err != nil {
		t.Fatalf("v1 body: %v", err)
	}
	if doc["active"] != true {
		t.Errorf("v1 active = %v, want true", doc["active"])
	}

	_, err = w.VRead(ctx, "bkt", "Patient", "fixed-id", "9")
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindNotFound {
		t.Fatalf("expected 404 for missing version, got %v", err)
	}
}

func TestWriterConditionalCreate(t *testing.T) {
	store := newFakeStore()
	w := testWriter(store)
	ctx := context.Background()
	body := []byte(`{"resourceType":"Patient","identifier":[{"system":"mrn","value":"42"}]}`)

	// No match creates.
	res, err := w.ConditionalCreate(ctx, "bkt", "Patient", "identifier=mrn|42", body)
	if err != nil {
		t.Fatalf("ConditionalCreate: %v", err)
	}
	if !res.Created {
		t.Fatal("expected create on zero matches")
	}

	// One match is a no-op returning the existing resource.
	store.pages["fts-bkt-Patient"] = &couch.SearchPage{IDs: []string{"Patient/fixed-id"}, Total: 1}
	res, err = w.ConditionalCreate(ctx, "bkt", "Patient", "identifier=mrn|42", body)
	if err != nil {
		t.Fatalf("ConditionalCreate: %v", err)
	}
	if !res.NoOp || res.ID != "fixed-id" {
		t.Fatalf("result = %+v", res)
	}

	// Several matches fail with 412.
	store.put("Patient/other", `{"resourceType":"Patient","id":"other","meta":{"versionId":"1"}}`)
	store.pages["fts-bkt-Patient"] = &couch.SearchPage{IDs: []string{"Patient/fixed-id", "Patient/other"}, Total: 2}
	_, err = w.ConditionalCreate(ctx, "bkt", "Patient", "identifier=mrn|42", body)
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindPreconditionFailed || fe.IssueCode != IssueTypeMultipleMatches {
		t.Fatalf("expected multiple-matches 412, got %v", err)
	}
}

func TestWriterConditionalUpdateIDMismatch(t *testing.T) {
	store := newFakeStore()
	w := testWriter(store)
	store.put("Patient/p1", `{"resourceType":"Patient","id":"p1","meta":{"versionId":"1"}}`)
	store.pages["fts-bkt-Patient"] = &couch.SearchPage{IDs: []string{"Patient/p1"}, Total: 1}

	_, err := w.ConditionalUpdate(context.Background(), "bkt", "Patient", "identifier=mrn|42",
		[]byte(`{"resourceType":"Patient","id":"different"}`))
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindBadRequest {
		t.Fatalf("expected 400 for id mismatch, got %v", err)
	}
}

func TestWriterConditionalRequiresCriteria(t *testing.T) {
	w := testWriter(newFakeStore())
	_, err := w.ConditionalUpdate(context.Background(), "bkt", "Patient", "", []byte(`{"resourceType":"Patient"}`))
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindBadRequest {
		t.Fatalf("expected 400 for empty criteria, got %v", err)
	}
}
