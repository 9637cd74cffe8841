package bucket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/platform/couch"
	"github.com/fhirvault/fhirvault/internal/platform/fhir"
)

// ConfigDocKey is the well-known key of the per-bucket configuration document
// in Admin.config.
const ConfigDocKey = "fhir-config"

// Config is the persisted shape of the fhir-config document.
type Config struct {
	IsFHIR               bool      `json:"isFHIR"`
	CreatedAt            time.Time `json:"createdAt"`
	ValidationMode       string    `json:"validationMode"`
	Profile              string    `json:"profile,omitempty"`
	AllowUnknownElements bool      `json:"allowUnknownElements"`
	FastpathEnabled      *bool     `json:"fastpathEnabled,omitempty"`
}

// Service resolves bucket settings with a TTL cache in front of the config
// document. It implements fhir.TenancyResolver.
type Service struct {
	store           couch.Store
	log             zerolog.Logger
	ttl             time.Duration
	fastpathDefault bool

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	settings *fhir.BucketSettings
	expires  time.Time
}

func NewService(store couch.Store, log zerolog.Logger, ttl time.Duration, fastpathDefault bool) *Service {
	return &Service{
		store:           store,
		log:             log,
		ttl:             ttl,
		fastpathDefault: fastpathDefault,
		cache:           make(map[string]cacheEntry),
	}
}

// Resolve returns the settings for a bucket, consulting the cache first. An
// unknown bucket or one without a fhir-config document is a 404.
func (s *Service) Resolve(ctx context.Context, bucket string) (*fhir.BucketSettings, error) {
	s.mu.RLock()
	entry, ok := s.cache[bucket]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.settings, nil
	}

	settings, err := s.load(ctx, bucket)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[bucket] = cacheEntry{settings: settings, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return settings, nil
}

// Invalidate drops the cached settings for a bucket, used after provisioning
// or config updates.
func (s *Service) Invalidate(bucket string) {
	s.mu.Lock()
	delete(s.cache, bucket)
	s.mu.Unlock()
}

func (s *Service) load(ctx context.Context, bucket string) (*fhir.BucketSettings, error) {
	raw, _, err := s.store.Get(ctx, fhir.RouteAdmin(bucket, fhir.CollectionConfig), ConfigDocKey)
	if err != nil {
		if errors.Is(err, couch.ErrNotFound) {
			return nil, fhir.NotFound("Bucket", bucket)
		}
		return nil, fhir.TranslateErr(err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		s.log.Error().Err(err).Str("bucket", bucket).Msg("malformed fhir-config document")
		return nil, fhir.Internal(err)
	}

	fastpath := s.fastpathDefault
	if cfg.FastpathEnabled != nil {
		fastpath = *cfg.FastpathEnabled
	}
	mode := cfg.ValidationMode
	if mode == "" {
		mode = "lenient"
	}

	settings := &fhir.BucketSettings{
		Name:            bucket,
		FHIREnabled:     cfg.IsFHIR,
		ValidationMode:  mode,
		FastpathEnabled: fastpath,
	}
	if cfg.Profile != "" {
		settings.Profiles = []string{cfg.Profile}
	}
	return settings, nil
}

// WriteConfig persists the fhir-config document for a bucket, creating or
// replacing it, and drops any cached copy.
func (s *Service) WriteConfig(ctx context.Context, bucket string, cfg Config) error {
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	loc := fhir.RouteAdmin(bucket, fhir.CollectionConfig)
	_, cas, err := s.store.Get(ctx, loc, ConfigDocKey)
	switch {
	case err == nil:
		err = s.store.Replace(ctx, loc, ConfigDocKey, raw, cas)
	case errors.Is(err, couch.ErrNotFound):
		err = s.store.Insert(ctx, loc, ConfigDocKey, raw)
	}
	if err != nil {
		return err
	}
	s.Invalidate(bucket)
	return nil
}
