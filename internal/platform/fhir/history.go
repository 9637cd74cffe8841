package fhir

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/platform/couch"
)

// History serves _history at instance, type and system level. Instance
// history walks the version sequence by key; the wider scopes resolve keys
// through N1QL over the history collection first.
type History struct {
	store    couch.Store
	log      zerolog.Logger
	maxCount int
}

func NewHistory(store couch.Store, log zerolog.Logger, maxCount int) *History {
	return &History{store: store, log: log, maxCount: maxCount}
}

// HistoryQuery carries the paging knobs of a _history request.
type HistoryQuery struct {
	Count  int
	Offset int
	Since  string
}

// ParseHistoryQuery reads _count, _offset and _since.
func ParseHistoryQuery(rawQuery string, maxCount int) (HistoryQuery, error) {
	hq := HistoryQuery{Count: maxCount}
	pairs, err := splitQueryOrdered(rawQuery)
	if err != nil {
		return hq, BadRequest("malformed query string: %s", err.Error())
	}
	for _, pair := range pairs {
		switch pair[0] {
		case "_count":
			n, err := strconv.Atoi(pair[1])
			if err != nil || n < 0 {
				return hq, BadRequest("_count must be a non-negative integer, got %q", pair[1])
			}
			if n > maxCount {
				n = maxCount
			}
			hq.Count = n
		case "_offset":
			n, err := strconv.Atoi(pair[1])
			if err != nil || n < 0 {
				return hq, BadRequest("_offset must be a non-negative integer, got %q", pair[1])
			}
			hq.Offset = n
		case "_since":
			if _, _, err := datePrecisionWindow(pair[1]); err != nil {
				return hq, BadRequest("invalid _since value %q", pair[1])
			}
			hq.Since = pair[1]
		}
	}
	return hq, nil
}

// Instance lists the versions of one resource, newest first.
func (h *History) Instance(ctx context.Context, bucket, resourceType, id string, q HistoryQuery) (*Bundle, error) {
	idxBody, _, err := h.store.Get(ctx, RouteVersions(bucket), docKey(resourceType, id))
	if err != nil {
		translated := Translate(err, resourceType, id)
		if translated.Kind == KindNotFound {
			return nil, NotFound(resourceType, id)
		}
		return nil, translated
	}
	latest, err := strconv.Atoi(jsonStringAt(idxBody, "versionId"))
	if err != nil {
		return nil, Internal(fmt.Errorf("corrupt version index for %s/%s", resourceType, id))
	}

	bundle := &Bundle{ResourceType: "Bundle", Type: BundleTypeHistory}
	total := int64(latest)
	bundle.Total = &total

	taken := 0
	for v := latest - q.Offset; v >= 1 && taken < q.Count; v-- {
		body, _, err := h.store.Get(ctx, RouteVersions(bucket), versionKey(resourceType, id, strconv.Itoa(v)))
		if err != nil {
			if TranslateErr(err).Kind == KindNotFound {
				continue
			}
			return nil, Translate(err, resourceType, id)
		}
		entry, err := decodeVersionEntry(body)
		if err != nil {
			return nil, Internal(err)
		}
		if q.Since != "" && entry.LastUpdated < q.Since {
			break
		}
		bundle.Entry = append(bundle.Entry, historyEntry(entry))
		taken++
	}
	return bundle, nil
}

// Type lists recent versions across one resource type.
func (h *History) Type(ctx context.Context, bucket, resourceType string, q HistoryQuery) (*Bundle, error) {
	statement := fmt.Sprintf(
		"SELECT META(v).id AS id FROM `%s`.`%s`.`%s` v "+
			"WHERE v.resourceType = $1 AND META(v).id LIKE $2 AND v.lastUpdated >= $3 "+
			"ORDER BY v.lastUpdated DESC LIMIT $4 OFFSET $5",
		bucket, ScopeAdmin, CollectionVersions)
	since := q.Since
	if since == "" {
		since = "0"
	}
	keys, err := h.store.QueryIDs(ctx, statement,
		resourceType, resourceType+"/%/_history/%", since, q.Count, q.Offset)
	if err != nil {
		return nil, TranslateErr(err)
	}
	return h.hydrate(ctx, bucket, keys)
}

// System lists recent versions across the whole bucket.
func (h *History) System(ctx context.Context, bucket string, q HistoryQuery) (*Bundle, error) {
	statement := fmt.Sprintf(
		"SELECT META(v).id AS id FROM `%s`.`%s`.`%s` v "+
			"WHERE META(v).id LIKE $1 AND v.lastUpdated >= $2 "+
			"ORDER BY v.lastUpdated DESC LIMIT $3 OFFSET $4",
		bucket, ScopeAdmin, CollectionVersions)
	since := q.Since
	if since == "" {
		since = "0"
	}
	keys, err := h.store.QueryIDs(ctx, statement, "%/_history/%", since, q.Count, q.Offset)
	if err != nil {
		return nil, TranslateErr(err)
	}
	return h.hydrate(ctx, bucket, keys)
}

func (h *History) hydrate(ctx context.Context, bucket string, keys []string) (*Bundle, error) {
	bundle := &Bundle{ResourceType: "Bundle", Type: BundleTypeHistory}
	total := int64(len(keys))
	bundle.Total = &total
	for _, key := range keys {
		body, _, err := h.store.Get(ctx, RouteVersions(bucket), key)
		if err != nil {
			if TranslateErr(err).Kind == KindNotFound {
				continue
			}
			return nil, TranslateErr(err)
		}
		entry, err := decodeVersionEntry(body)
		if err != nil {
			return nil, Internal(err)
		}
		bundle.Entry = append(bundle.Entry, historyEntry(entry))
	}
	return bundle, nil
}

// historyEntry renders one version as a history bundle entry. The request
// method is reconstructed from the version shape: first version POST,
// tombstone DELETE, everything else PUT.
func historyEntry(entry *versionEntry) BundleEntry {
	ref := entry.ResourceType + "/" + entry.ID
	method := "PUT"
	switch {
	case entry.Deleted:
		method = "DELETE"
	case entry.VersionID == "1":
		method = "POST"
	}
	be := BundleEntry{
		FullURL: ref,
		Request: &BundleRequest{Method: method, URL: ref},
		Response: &BundleResponse{
			Status:       historyStatus(method),
			Etag:         FormatETag(entry.VersionID),
			LastModified: entry.LastUpdated,
		},
	}
	if !entry.Deleted {
		be.Resource = entry.Resource
	}
	return be
}

func historyStatus(method string) string {
	switch method {
	case "POST":
		return "201 Created"
	case "DELETE":
		return "204 No Content"
	default:
		return "200 OK"
	}
}
