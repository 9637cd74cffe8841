package bucket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/couchbase/gocb/v2/search"
	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/platform/couch"
	"github.com/fhirvault/fhirvault/internal/platform/fhir"
)

// configStore is the minimal couch.Store for config document access. Only
// Get, Insert and Replace are exercised by the service.
type configStore struct {
	docs map[string][]byte
	gets int
}

func newConfigStore() *configStore {
	return &configStore{docs: make(map[string][]byte)}
}

func (f *configStore) key(loc couch.Location, key string) string {
	return loc.Bucket + "." + loc.Scope + "." + loc.Collection + "|" + key
}

func (f *configStore) Get(_ context.Context, loc couch.Location, key string) ([]byte, uint64, error) {
	f.gets++
	doc, ok := f.docs[f.key(loc, key)]
	if !ok {
		return nil, 0, couch.ErrNotFound
	}
	return doc, 1, nil
}

func (f *configStore) Insert(_ context.Context, loc couch.Location, key string, body []byte) error {
	k := f.key(loc, key)
	if _, ok := f.docs[k]; ok {
		return couch.ErrExists
	}
	f.docs[k] = body
	return nil
}

func (f *configStore) Replace(_ context.Context, loc couch.Location, key string, body []byte, _ uint64) error {
	k := f.key(loc, key)
	if _, ok := f.docs[k]; !ok {
		return couch.ErrNotFound
	}
	f.docs[k] = body
	return nil
}

func (f *configStore) Remove(_ context.Context, loc couch.Location, key string) error {
	delete(f.docs, f.key(loc, key))
	return nil
}

func (f *configStore) Search(context.Context, string, search.Query, couch.SearchOptions) (*couch.SearchPage, error) {
	return &couch.SearchPage{}, nil
}

func (f *configStore) QueryIDs(context.Context, string, ...interface{}) ([]string, error) {
	return nil, nil
}

func (f *configStore) InTransaction(context.Context, func(tx couch.Tx) error) error {
	return nil
}

func seedConfig(t *testing.T, store *configStore, bucket, doc string) {
	t.Helper()
	loc := fhir.RouteAdmin(bucket, fhir.CollectionConfig)
	store.docs[store.key(loc, ConfigDocKey)] = []byte(doc)
}

func TestResolveReadsConfig(t *testing.T) {
	store := newConfigStore()
	seedConfig(t, store, "tenant-a", `{"isFHIR":true,"validationMode":"strict","profile":"us-core"}`)
	svc := NewService(store, zerolog.Nop(), time.Minute, true)

	settings, err := svc.Resolve(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !settings.FHIREnabled {
		t.Error("bucket should be FHIR-enabled")
	}
	if settings.ValidationMode != "strict" {
		t.Errorf("validation mode = %s", settings.ValidationMode)
	}
	if len(settings.Profiles) != 1 || settings.Profiles[0] != "us-core" {
		t.Errorf("profiles = %v", settings.Profiles)
	}
	if !settings.FastpathEnabled {
		t.Error("fastpath should follow the server default")
	}
}

func TestResolveCaches(t *testing.T) {
	store := newConfigStore()
	seedConfig(t, store, "tenant-a", `{"isFHIR":true}`)
	svc := NewService(store, zerolog.Nop(), time.Minute, true)

	ctx := context.Background()
	if _, err := svc.Resolve(ctx, "tenant-a"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := svc.Resolve(ctx, "tenant-a"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if store.gets != 1 {
		t.Errorf("store gets = %d, want 1 (second resolve must hit the cache)", store.gets)
	}

	svc.Invalidate("tenant-a")
	if _, err := svc.Resolve(ctx, "tenant-a"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if store.gets != 2 {
		t.Errorf("store gets = %d, want 2 after invalidation", store.gets)
	}
}

func TestResolveExpiredEntryReloads(t *testing.T) {
	store := newConfigStore()
	seedConfig(t, store, "tenant-a", `{"isFHIR":true}`)
	svc := NewService(store, zerolog.Nop(), 0, true)

	ctx := context.Background()
	svc.Resolve(ctx, "tenant-a")
	svc.Resolve(ctx, "tenant-a")
	if store.gets != 2 {
		t.Errorf("store gets = %d, want 2 with a zero TTL", store.gets)
	}
}

func TestResolveUnknownBucket(t *testing.T) {
	svc := NewService(newConfigStore(), zerolog.Nop(), time.Minute, true)
	_, err := svc.Resolve(context.Background(), "ghost")
	var fe *fhir.Error
	if !errors.As(err, &fe) || fe.Kind != fhir.KindNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestResolveNonFHIRBucket(t *testing.T) {
	store := newConfigStore()
	seedConfig(t, store, "plain", `{"isFHIR":false}`)
	svc := NewService(store, zerolog.Nop(), time.Minute, true)

	settings, err := svc.Resolve(context.Background(), "plain")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if settings.FHIREnabled {
		t.Error("bucket must not be FHIR-enabled")
	}
}

func TestResolveFastpathOverride(t *testing.T) {
	store := newConfigStore()
	seedConfig(t, store, "tenant-a", `{"isFHIR":true,"fastpathEnabled":false}`)
	svc := NewService(store, zerolog.Nop(), time.Minute, true)

	settings, err := svc.Resolve(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if settings.FastpathEnabled {
		t.Error("per-bucket override should win over the server default")
	}
}

func TestWriteConfigInsertThenReplace(t *testing.T) {
	store := newConfigStore()
	svc := NewService(store, zerolog.Nop(), time.Minute, true)
	ctx := context.Background()

	if err := svc.WriteConfig(ctx, "tenant-a", Config{IsFHIR: true, ValidationMode: "lenient"}); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	settings, err := svc.Resolve(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if settings.ValidationMode != "lenient" {
		t.Errorf("mode = %s", settings.ValidationMode)
	}

	if err := svc.WriteConfig(ctx, "tenant-a", Config{IsFHIR: true, ValidationMode: "strict"}); err != nil {
		t.Fatalf("WriteConfig replace: %v", err)
	}
	settings, err = svc.Resolve(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if settings.ValidationMode != "strict" {
		t.Errorf("mode after replace = %s, write must invalidate the cache", settings.ValidationMode)
	}
}
