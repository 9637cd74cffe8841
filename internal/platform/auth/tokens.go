// Package auth issues and verifies API tokens. Tokens are HMAC-signed JWTs
// whose JTI is persisted per bucket in Admin.tokens, so revocation survives
// restarts; a TTL cache keeps verification off the store for the common case.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/platform/couch"
	"github.com/fhirvault/fhirvault/internal/platform/fhir"
)

// ErrInvalidToken covers every verification failure the caller should treat
// as a 401.
var ErrInvalidToken = errors.New("invalid token")

// TokenRecord is the persisted shape of an issued token in Admin.tokens,
// keyed by JTI.
type TokenRecord struct {
	JTI       string    `json:"jti"`
	Subject   string    `json:"subject"`
	Bucket    string    `json:"bucket"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked"`
	RevokedAt time.Time `json:"revokedAt,omitempty"`
}

// Service issues, verifies and revokes API tokens.
type Service struct {
	store    couch.Store
	log      zerolog.Logger
	secret   []byte
	validity time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	record  TokenRecord
	expires time.Time
}

func NewService(store couch.Store, log zerolog.Logger, secret string, validity, cacheTTL time.Duration) *Service {
	return &Service{
		store:    store,
		log:      log,
		secret:   []byte(secret),
		validity: validity,
		cacheTTL: cacheTTL,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
}

// Issue creates a signed token for a subject scoped to one bucket and
// persists its record.
func (s *Service) Issue(ctx context.Context, bucket, subject string) (string, *TokenRecord, error) {
	now := s.now().UTC()
	record := TokenRecord{
		JTI:       uuid.NewString(),
		Subject:   subject,
		Bucket:    bucket,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.validity),
	}

	claims := jwt.MapClaims{
		"sub": subject,
		"jti": record.JTI,
		"bkt": bucket,
		"iat": now.Unix(),
		"exp": record.ExpiresAt.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, err
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return "", nil, err
	}
	loc := fhir.RouteAdmin(bucket, fhir.CollectionTokens)
	if err := s.store.Insert(ctx, loc, record.JTI, raw); err != nil {
		return "", nil, err
	}
	return signed, &record, nil
}

// Verify checks signature and expiry, then confirms the JTI is known and not
// revoked. Verification consults the cache before the store.
func (s *Service) Verify(ctx context.Context, bucket, token string) (*TokenRecord, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	jti, _ := claims["jti"].(string)
	tokenBucket, _ := claims["bkt"].(string)
	if jti == "" || tokenBucket != bucket {
		return nil, ErrInvalidToken
	}

	record, err := s.lookup(ctx, bucket, jti)
	if err != nil {
		return nil, err
	}
	if record.Revoked || s.now().After(record.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	return record, nil
}

// Revoke marks a token record revoked and drops it from the cache.
func (s *Service) Revoke(ctx context.Context, bucket, jti string) error {
	loc := fhir.RouteAdmin(bucket, fhir.CollectionTokens)
	raw, cas, err := s.store.Get(ctx, loc, jti)
	if err != nil {
		if errors.Is(err, couch.ErrNotFound) {
			return fhir.NotFound("Token", jti)
		}
		return err
	}
	var record TokenRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return err
	}
	record.Revoked = true
	record.RevokedAt = s.now().UTC()

	updated, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.store.Replace(ctx, loc, jti, updated, cas); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, jti)
	s.mu.Unlock()
	return nil
}

// lookup returns the token record from the cache or the store. Expired cache
// entries are evicted lazily on access.
func (s *Service) lookup(ctx context.Context, bucket, jti string) (*TokenRecord, error) {
	s.mu.RLock()
	entry, ok := s.cache[jti]
	s.mu.RUnlock()
	if ok {
		if s.now().Before(entry.expires) {
			record := entry.record
			return &record, nil
		}
		s.mu.Lock()
		delete(s.cache, jti)
		s.mu.Unlock()
	}

	raw, _, err := s.store.Get(ctx, fhir.RouteAdmin(bucket, fhir.CollectionTokens), jti)
	if err != nil {
		if errors.Is(err, couch.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	var record TokenRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, ErrInvalidToken
	}

	s.mu.Lock()
	s.cache[jti] = cacheEntry{record: record, expires: s.now().Add(s.cacheTTL)}
	s.mu.Unlock()
	return &record, nil
}
