package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buger/jsonparser"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/platform/couch"
)

// Writer owns the resource write path: create, update, delete, and their
// conditional variants. Every mutation lands a version entry in the history
// collection before touching the live document, so history never misses a
// version even when the second write fails.
type Writer struct {
	store  couch.Store
	engine *Engine
	log    zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// NewWriter creates a Writer. The engine resolves conditional criteria.
func NewWriter(store couch.Store, engine *Engine, log zerolog.Logger) *Writer {
	return &Writer{
		store:  store,
		engine: engine,
		log:    log,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// WriteResult reports the stored state after a mutation.
type WriteResult struct {
	ResourceType string
	ID           string
	VersionID    string
	LastUpdated  string
	Body         []byte
	Created      bool
	// NoOp marks conditional creates that matched an existing resource.
	NoOp bool
}

// versionIndex is the per-resource marker in the history collection, keyed
// Type/id. It survives deletion so reads can distinguish 410 from 404 and
// recreates continue the version sequence.
type versionIndex struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	VersionID    string `json:"versionId"`
	Deleted      bool   `json:"deleted"`
	LastUpdated  string `json:"lastUpdated"`
}

func docKey(resourceType, id string) string {
	return resourceType + "/" + id
}

func versionKey(resourceType, id, version string) string {
	return resourceType + "/" + id + "/_history/" + version
}

// Read fetches the current version of a resource. Deleted resources return
// 410, never-existing ones 404.
func (w *Writer) Read(ctx context.Context, bucket, resourceType, id string) ([]byte, string, error) {
	body, _, err := w.store.Get(ctx, RouteResource(bucket, resourceType), docKey(resourceType, id))
	if err == nil {
		return body, versionOf(body), nil
	}
	translated := Translate(err, resourceType, id)
	if translated.Kind != KindNotFound {
		return nil, "", translated
	}

	idx, ierr := w.loadIndex(ctx, bucket, resourceType, id)
	if ierr == nil && idx.Deleted {
		return nil, "", Gone(resourceType, id)
	}
	return nil, "", NotFound(resourceType, id)
}

// VRead fetches one historical version.
func (w *Writer) VRead(ctx context.Context, bucket, resourceType, id, version string) ([]byte, error) {
	body, _, err := w.store.Get(ctx, RouteVersions(bucket), versionKey(resourceType, id, version))
	if err != nil {
		translated := Translate(err, resourceType, id)
		if translated.Kind == KindNotFound {
			return nil, NotFound(resourceType, id+"/_history/"+version)
		}
		return nil, translated
	}
	entry, err := decodeVersionEntry(body)
	if err != nil {
		return nil, Internal(err)
	}
	if entry.Deleted {
		return nil, Gone(resourceType, id)
	}
	return entry.Resource, nil
}

// Create stores a new resource under a server-assigned id.
func (w *Writer) Create(ctx context.Context, bucket, resourceType string, body []byte) (*WriteResult, error) {
	return w.createWithID(ctx, bucket, resourceType, w.newID(), body, "1")
}

// ConditionalCreate honors If-None-Exist: no match creates, one match is a
// no-op returning the existing resource, several matches fail with 412.
func (w *Writer) ConditionalCreate(ctx context.Context, bucket, resourceType, criteria string, body []byte) (*WriteResult, error) {
	keys, err := w.matchCriteria(ctx, bucket, resourceType, criteria)
	if err != nil {
		return nil, err
	}
	switch len(keys) {
	case 0:
		return w.Create(ctx, bucket, resourceType, body)
	case 1:
		existing, _, err := w.store.Get(ctx, RouteResource(bucket, resourceType), keys[0])
		if err != nil {
			return nil, Translate(err, resourceType, keys[0])
		}
		return &WriteResult{
			ResourceType: resourceType,
			ID:           idOf(existing),
			VersionID:    versionOf(existing),
			LastUpdated:  lastUpdatedOf(existing),
			Body:         existing,
			NoOp:         true,
		}, nil
	default:
		return nil, MultipleMatches(fmt.Sprintf("If-None-Exist criteria matched %d resources", len(keys)))
	}
}

// Update replaces a resource at a known id, creating it when absent
// (update-as-create). ifMatch, when non-empty, must name the current version.
func (w *Writer) Update(ctx context.Context, bucket, resourceType, id string, body []byte, ifMatch string) (*WriteResult, error) {
	current, cas, err := w.store.Get(ctx, RouteResource(bucket, resourceType), docKey(resourceType, id))
	if err != nil {
		translated := Translate(err, resourceType, id)
		if translated.Kind != KindNotFound {
			return nil, translated
		}
		if ifMatch != "" {
			return nil, PreconditionFailed("If-Match given but %s/%s does not exist", resourceType, id)
		}
		// Recreate after delete continues the version sequence.
		next := "1"
		if idx, ierr := w.loadIndex(ctx, bucket, resourceType, id); ierr == nil {
			next = NextVersion(idx.VersionID)
		}
		return w.createWithID(ctx, bucket, resourceType, id, body, next)
	}

	currentVersion := versionOf(current)
	if ifMatch != "" {
		expected, perr := ParseETag(ifMatch)
		if perr != nil {
			return nil, BadRequest("invalid If-Match header: %s", perr.Error())
		}
		if expected != currentVersion {
			return nil, PreconditionFailed("version conflict: If-Match expected %s but resource is at %s", expected, currentVersion)
		}
	}

	version := NextVersion(currentVersion)
	stamped, updated, err := w.stamp(body, resourceType, id, version)
	if err != nil {
		return nil, err
	}
	if err := w.recordVersion(ctx, bucket, resourceType, id, version, updated, stamped, false); err != nil {
		return nil, err
	}
	if err := w.store.Replace(ctx, RouteResource(bucket, resourceType), docKey(resourceType, id), stamped, cas); err != nil {
		return nil, Translate(err, resourceType, id)
	}
	return &WriteResult{
		ResourceType: resourceType,
		ID:           id,
		VersionID:    version,
		LastUpdated:  updated,
		Body:         stamped,
	}, nil
}

// ConditionalUpdate resolves criteria to a target: no match creates, one
// match updates it, several fail with 412. A body id conflicting with the
// matched resource is a 400.
func (w *Writer) ConditionalUpdate(ctx context.Context, bucket, resourceType, criteria string, body []byte) (*WriteResult, error) {
	keys, err := w.matchCriteria(ctx, bucket, resourceType, criteria)
	if err != nil {
		return nil, err
	}
	switch len(keys) {
	case 0:
		if id := idOf(body); id != "" {
			return w.Update(ctx, bucket, resourceType, id, body, "")
		}
		return w.Create(ctx, bucket, resourceType, body)
	case 1:
		matchedID := keys[0][len(resourceType)+1:]
		if id := idOf(body); id != "" && id != matchedID {
			return nil, BadRequest("resource id %q does not match the resource selected by the criteria (%s)", id, matchedID)
		}
		return w.Update(ctx, bucket, resourceType, matchedID, body, "")
	default:
		return nil, MultipleMatches(fmt.Sprintf("conditional update criteria matched %d resources", len(keys)))
	}
}

// Delete removes a resource, landing a tombstone version first. Deleting an
// already-deleted resource is a no-op; deleting an unknown id is a 404.
func (w *Writer) Delete(ctx context.Context, bucket, resourceType, id string) (*WriteResult, error) {
	current, _, err := w.store.Get(ctx, RouteResource(bucket, resourceType), docKey(resourceType, id))
	if err != nil {
		translated := Translate(err, resourceType, id)
		if translated.Kind != KindNotFound {
			return nil, translated
		}
		idx, ierr := w.loadIndex(ctx, bucket, resourceType, id)
		if ierr == nil && idx.Deleted {
			return &WriteResult{ResourceType: resourceType, ID: id, VersionID: idx.VersionID, NoOp: true}, nil
		}
		return nil, NotFound(resourceType, id)
	}

	version := NextVersion(versionOf(current))
	updated := w.now().UTC().Format(time.RFC3339)
	if err := w.recordVersion(ctx, bucket, resourceType, id, version, updated, nil, true); err != nil {
		return nil, err
	}
	if err := w.store.Remove(ctx, RouteResource(bucket, resourceType), docKey(resourceType, id)); err != nil {
		return nil, Translate(err, resourceType, id)
	}
	return &WriteResult{ResourceType: resourceType, ID: id, VersionID: version}, nil
}

// ConditionalDelete resolves criteria to at most one resource.
func (w *Writer) ConditionalDelete(ctx context.Context, bucket, resourceType, criteria string) (*WriteResult, error) {
	keys, err := w.matchCriteria(ctx, bucket, resourceType, criteria)
	if err != nil {
		return nil, err
	}
	switch len(keys) {
	case 0:
		return &WriteResult{ResourceType: resourceType, NoOp: true}, nil
	case 1:
		return w.Delete(ctx, bucket, resourceType, keys[0][len(resourceType)+1:])
	default:
		return nil, MultipleMatches(fmt.Sprintf("conditional delete criteria matched %d resources", len(keys)))
	}
}

func (w *Writer) createWithID(ctx context.Context, bucket, resourceType, id string, body []byte, version string) (*WriteResult, error) {
	stamped, updated, err := w.stamp(body, resourceType, id, version)
	if err != nil {
		return nil, err
	}
	if err := w.recordVersion(ctx, bucket, resourceType, id, version, updated, stamped, false); err != nil {
		return nil, err
	}
	if err := w.store.Insert(ctx, RouteResource(bucket, resourceType), docKey(resourceType, id), stamped); err != nil {
		return nil, Translate(err, resourceType, id)
	}
	return &WriteResult{
		ResourceType: resourceType,
		ID:           id,
		VersionID:    version,
		LastUpdated:  updated,
		Body:         stamped,
		Created:      true,
	}, nil
}

// matchCriteria runs conditional criteria as a search and returns document keys.
func (w *Writer) matchCriteria(ctx context.Context, bucket, resourceType, criteria string) ([]string, error) {
	req, err := ParseSearch(resourceType, criteria, 2)
	if err != nil {
		return nil, err
	}
	if len(req.Filters) == 0 && len(req.Chains) == 0 {
		return nil, BadRequest("conditional operation requires search criteria")
	}
	// Two hits are enough to prove ambiguity.
	req.Count = 2
	result, err := w.engine.Search(ctx, bucket, req)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(result.Entries))
	for _, e := range result.Entries {
		keys = append(keys, e.Key)
	}
	if len(keys) < 2 && result.Total > int64(len(keys)) {
		// The index claims more matches than the page returned.
		return nil, MultipleMatches(fmt.Sprintf("criteria matched %d resources", result.Total))
	}
	return keys, nil
}

// stamp rewrites id and meta on a resource body and returns the canonical
// bytes the server stores.
func (w *Writer) stamp(body []byte, resourceType, id, version string) ([]byte, string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, "", Unprocessable("resource body is not a JSON object")
	}
	if rt := rawString(doc["resourceType"]); rt != resourceType {
		return nil, "", BadRequest("resource type %q does not match endpoint %s", rt, resourceType)
	}

	updated := w.now().UTC().Format(time.RFC3339)
	idRaw, _ := json.Marshal(id)
	doc["id"] = idRaw

	meta := map[string]json.RawMessage{}
	if raw, ok := doc["meta"]; ok {
		// Malformed meta was already rejected by validation.
		_ = json.Unmarshal(raw, &meta)
	}
	versionRaw, _ := json.Marshal(version)
	updatedRaw, _ := json.Marshal(updated)
	meta["versionId"] = versionRaw
	meta["lastUpdated"] = updatedRaw
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return nil, "", Internal(err)
	}
	doc["meta"] = metaRaw

	stamped, err := json.Marshal(doc)
	if err != nil {
		return nil, "", Internal(err)
	}
	return stamped, updated, nil
}

// versionEntry is one record in the history collection.
type versionEntry struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	VersionID    string          `json:"versionId"`
	LastUpdated  string          `json:"lastUpdated"`
	Deleted      bool            `json:"deleted,omitempty"`
	Resource     json.RawMessage `json:"resource,omitempty"`
}

func decodeVersionEntry(body []byte) (*versionEntry, error) {
	var entry versionEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("decode version entry: %w", err)
	}
	return &entry, nil
}

// recordVersion lands the version entry and refreshes the index marker.
func (w *Writer) recordVersion(ctx context.Context, bucket, resourceType, id, version, updated string, resource []byte, deleted bool) error {
	entry := versionEntry{
		ResourceType: resourceType,
		ID:           id,
		VersionID:    version,
		LastUpdated:  updated,
		Deleted:      deleted,
		Resource:     resource,
	}
	entryRaw, err := json.Marshal(entry)
	if err != nil {
		return Internal(err)
	}
	loc := RouteVersions(bucket)
	if err := w.store.Insert(ctx, loc, versionKey(resourceType, id, version), entryRaw); err != nil {
		return Translate(err, resourceType, id)
	}

	idx := versionIndex{
		ResourceType: resourceType,
		ID:           id,
		VersionID:    version,
		Deleted:      deleted,
		LastUpdated:  updated,
	}
	idxRaw, err := json.Marshal(idx)
	if err != nil {
		return Internal(err)
	}
	if err := w.store.Replace(ctx, loc, docKey(resourceType, id), idxRaw, 0); err != nil {
		// First version: the marker does not exist yet.
		if TranslateErr(err).Kind == KindNotFound {
			err = w.store.Insert(ctx, loc, docKey(resourceType, id), idxRaw)
		}
		if err != nil {
			return Translate(err, resourceType, id)
		}
	}
	return nil
}

func (w *Writer) loadIndex(ctx context.Context, bucket, resourceType, id string) (*versionIndex, error) {
	body, _, err := w.store.Get(ctx, RouteVersions(bucket), docKey(resourceType, id))
	if err != nil {
		return nil, Translate(err, resourceType, id)
	}
	var idx versionIndex
	if err := json.Unmarshal(body, &idx); err != nil {
		return nil, Internal(fmt.Errorf("decode version index %s/%s: %w", resourceType, id, err))
	}
	return &idx, nil
}

// rawString unquotes a raw JSON string value; non-strings yield "".
func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// jsonStringAt reads a string field out of raw bytes without a full decode.
func jsonStringAt(body []byte, path ...string) string {
	s, err := jsonparser.GetString(body, path...)
	if err != nil {
		return ""
	}
	return s
}

func idOf(body []byte) string {
	return jsonStringAt(body, "id")
}

func versionOf(body []byte) string {
	return jsonStringAt(body, "meta", "versionId")
}

func lastUpdatedOf(body []byte) string {
	return jsonStringAt(body, "meta", "lastUpdated")
}
