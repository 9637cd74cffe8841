package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/platform/couch"
)

// TxProcessor executes transaction and batch Bundles. Transactions apply all
// entries inside one storage transaction after conditional criteria and
// urn:uuid placeholders are resolved; batches run entries independently.
type TxProcessor struct {
	store      couch.Store
	writer     *Writer
	log        zerolog.Logger
	maxEntries int
}

func NewTxProcessor(store couch.Store, writer *Writer, log zerolog.Logger, maxEntries int) *TxProcessor {
	return &TxProcessor{store: store, writer: writer, log: log, maxEntries: maxEntries}
}

// txOp is one planned mutation, resolved and ordered, still pointing back at
// its original entry index for response assembly.
type txOp struct {
	index        int
	method       string
	resourceType string
	id           string
	body         []byte
	ifMatch      string
	// noop marks entries satisfied without a write (If-None-Exist hit,
	// delete of an absent resource).
	noop     bool
	existing []byte
}

// methodOrder fixes execution order inside a transaction: creates first so
// their ids exist, then updates, then deletes.
var methodOrder = map[string]int{"POST": 0, "PUT": 1, "PATCH": 2, "DELETE": 3}

// Process runs a transaction or batch Bundle and returns the response Bundle.
func (p *TxProcessor) Process(ctx context.Context, bucket string, raw []byte) (*Bundle, error) {
	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, BadRequest("request body is not a valid Bundle: %s", err.Error())
	}
	if bundle.ResourceType != "Bundle" {
		return nil, BadRequest("transaction endpoint requires a Bundle, got %q", bundle.ResourceType)
	}
	switch bundle.Type {
	case BundleTypeTransaction:
		return p.transaction(ctx, bucket, &bundle)
	case BundleTypeBatch:
		return p.batch(ctx, bucket, &bundle)
	default:
		return nil, BadRequest("Bundle.type must be transaction or batch, got %q", bundle.Type)
	}
}

func (p *TxProcessor) transaction(ctx context.Context, bucket string, bundle *Bundle) (*Bundle, error) {
	if len(bundle.Entry) > p.maxEntries {
		return nil, BadRequest("transaction Bundle has %d entries, limit is %d", len(bundle.Entry), p.maxEntries)
	}

	ops, err := p.plan(ctx, bucket, bundle)
	if err != nil {
		return nil, err
	}

	results := make([]*WriteResult, len(bundle.Entry))
	err = p.store.InTransaction(ctx, func(tx couch.Tx) error {
		for _, op := range ops {
			res, err := p.apply(tx, bucket, op)
			if err != nil {
				return err
			}
			results[op.index] = res
		}
		return nil
	})
	if err != nil {
		return nil, TranslateErr(err)
	}

	response := &Bundle{ResourceType: "Bundle", Type: BundleTypeTransactionResponse}
	for i := range bundle.Entry {
		response.Entry = append(response.Entry, responseEntry(results[i]))
	}
	return response, nil
}

// batch runs each entry on the regular write path; one failure does not
// disturb the others.
func (p *TxProcessor) batch(ctx context.Context, bucket string, bundle *Bundle) (*Bundle, error) {
	if len(bundle.Entry) > p.maxEntries {
		return nil, BadRequest("batch Bundle has %d entries, limit is %d", len(bundle.Entry), p.maxEntries)
	}

	response := &Bundle{ResourceType: "Bundle", Type: BundleTypeBatchResponse}
	for i, entry := range bundle.Entry {
		res, err := p.batchEntry(ctx, bucket, entry)
		if err != nil {
			fe := TranslateErr(err)
			outcome, _ := json.Marshal(fe.Outcome())
			response.Entry = append(response.Entry, BundleEntry{
				Response: &BundleResponse{
					Status:  fmt.Sprintf("%d", fe.StatusCode()),
					Outcome: outcome,
				},
			})
			p.log.Warn().Int("entry", i).Str("kind", fmt.Sprint(fe.Kind)).Msg("batch entry failed")
			continue
		}
		response.Entry = append(response.Entry, responseEntry(res))
	}
	return response, nil
}

func (p *TxProcessor) batchEntry(ctx context.Context, bucket string, entry BundleEntry) (*WriteResult, error) {
	if entry.Request == nil {
		return nil, BadRequest("Bundle entry is missing its request")
	}
	resourceType, id, criteria, err := splitEntryURL(entry.Request.URL)
	if err != nil {
		return nil, err
	}
	switch strings.ToUpper(entry.Request.Method) {
	case "POST":
		if entry.Request.IfNoneExist != "" {
			return p.writer.ConditionalCreate(ctx, bucket, resourceType, entry.Request.IfNoneExist, entry.Resource)
		}
		return p.writer.Create(ctx, bucket, resourceType, entry.Resource)
	case "PUT":
		if criteria != "" {
			return p.writer.ConditionalUpdate(ctx, bucket, resourceType, criteria, entry.Resource)
		}
		return p.writer.Update(ctx, bucket, resourceType, id, entry.Resource, entry.Request.IfMatch)
	case "PATCH":
		return p.writer.Patch(ctx, bucket, resourceType, id, ContentTypeFHIRJSON, entry.Resource, entry.Request.IfMatch)
	case "DELETE":
		if criteria != "" {
			return p.writer.ConditionalDelete(ctx, bucket, resourceType, criteria)
		}
		return p.writer.Delete(ctx, bucket, resourceType, id)
	default:
		return nil, BadRequest("unsupported Bundle entry method %q", entry.Request.Method)
	}
}

// plan resolves every entry into a concrete op: ids assigned, urn:uuid
// placeholders rewritten, conditionals resolved, execution order fixed.
func (p *TxProcessor) plan(ctx context.Context, bucket string, bundle *Bundle) ([]txOp, error) {
	ops := make([]txOp, 0, len(bundle.Entry))
	placeholders := map[string]string{}

	for i, entry := range bundle.Entry {
		if entry.Request == nil {
			return nil, BadRequest("Bundle entry %d is missing its request", i)
		}
		method := strings.ToUpper(entry.Request.Method)
		resourceType, id, criteria, err := splitEntryURL(entry.Request.URL)
		if err != nil {
			return nil, err
		}

		op := txOp{index: i, method: method, resourceType: resourceType, id: id, body: entry.Resource, ifMatch: entry.Request.IfMatch}
		switch method {
		case "POST":
			op.id = p.writer.newID()
			if entry.Request.IfNoneExist != "" {
				keys, err := p.writer.matchCriteria(ctx, bucket, resourceType, entry.Request.IfNoneExist)
				if err != nil {
					return nil, err
				}
				switch len(keys) {
				case 0:
				case 1:
					op.noop = true
					op.id = keys[0][len(resourceType)+1:]
				default:
					return nil, MultipleMatches(fmt.Sprintf("entry %d If-None-Exist matched %d resources", i, len(keys)))
				}
			}
		case "PUT", "PATCH", "DELETE":
			if criteria != "" {
				keys, err := p.writer.matchCriteria(ctx, bucket, resourceType, criteria)
				if err != nil {
					return nil, err
				}
				switch len(keys) {
				case 0:
					if method != "PUT" {
						op.noop = true
					} else if op.id = idOf(entry.Resource); op.id == "" {
						op.id = p.writer.newID()
					}
				case 1:
					op.id = keys[0][len(resourceType)+1:]
				default:
					return nil, MultipleMatches(fmt.Sprintf("entry %d criteria matched %d resources", i, len(keys)))
				}
			}
			if op.id == "" && !op.noop {
				return nil, BadRequest("Bundle entry %d (%s) requires an id or search criteria", i, method)
			}
		default:
			return nil, BadRequest("unsupported Bundle entry method %q", entry.Request.Method)
		}

		if strings.HasPrefix(entry.FullURL, "urn:uuid:") {
			placeholders[entry.FullURL] = resourceType + "/" + op.id
		}
		ops = append(ops, op)
	}

	// Placeholder references resolve across every entry body.
	for i := range ops {
		if ops[i].body == nil {
			continue
		}
		body := ops[i].body
		for placeholder, target := range placeholders {
			body = bytes.ReplaceAll(body,
				[]byte(`"`+placeholder+`"`),
				[]byte(`"`+target+`"`))
		}
		ops[i].body = body
	}

	sort.SliceStable(ops, func(a, b int) bool {
		return methodOrder[ops[a].method] < methodOrder[ops[b].method]
	})
	return ops, nil
}

// apply executes one op against the transaction attempt.
func (p *TxProcessor) apply(tx couch.Tx, bucket string, op txOp) (*WriteResult, error) {
	loc := RouteResource(bucket, op.resourceType)
	key := docKey(op.resourceType, op.id)

	switch op.method {
	case "POST":
		if op.noop {
			existing, err := tx.Get(loc, key)
			if err != nil {
				return nil, Translate(err, op.resourceType, op.id)
			}
			return &WriteResult{
				ResourceType: op.resourceType,
				ID:           op.id,
				VersionID:    versionOf(existing),
				LastUpdated:  lastUpdatedOf(existing),
				Body:         existing,
				NoOp:         true,
			}, nil
		}
		return p.txWrite(tx, bucket, op, "1", true)

	case "PUT", "PATCH":
		if op.noop {
			return &WriteResult{ResourceType: op.resourceType, NoOp: true}, nil
		}
		current, err := tx.Get(loc, key)
		if err != nil {
			if Translate(err, op.resourceType, op.id).Kind != KindNotFound {
				return nil, Translate(err, op.resourceType, op.id)
			}
			if op.method == "PATCH" {
				return nil, NotFound(op.resourceType, op.id)
			}
			if op.ifMatch != "" {
				return nil, PreconditionFailed("If-Match given but %s does not exist", key)
			}
			// Recreate after delete continues the version sequence.
			version := "1"
			if idxBody, ierr := tx.Get(RouteVersions(bucket), key); ierr == nil {
				version = NextVersion(jsonStringAt(idxBody, "versionId"))
			}
			return p.txWrite(tx, bucket, op, version, true)
		}

		currentVersion := versionOf(current)
		if op.ifMatch != "" {
			expected, perr := ParseETag(op.ifMatch)
			if perr != nil {
				return nil, BadRequest("invalid ifMatch on entry %d: %s", op.index, perr.Error())
			}
			if expected != currentVersion {
				return nil, PreconditionFailed("entry %d: ifMatch expected %s but %s is at %s", op.index, expected, key, currentVersion)
			}
		}
		if op.method == "PATCH" {
			patched, err := applyFHIRPatchOrJSONPatch(current, op.body)
			if err != nil {
				return nil, err
			}
			op.body = patched
		}
		return p.txWrite(tx, bucket, op, NextVersion(currentVersion), false)

	case "DELETE":
		if op.noop {
			return &WriteResult{ResourceType: op.resourceType, ID: op.id, NoOp: true}, nil
		}
		current, err := tx.Get(loc, key)
		if err != nil {
			if Translate(err, op.resourceType, op.id).Kind == KindNotFound {
				return &WriteResult{ResourceType: op.resourceType, ID: op.id, NoOp: true}, nil
			}
			return nil, Translate(err, op.resourceType, op.id)
		}
		version := NextVersion(versionOf(current))
		updated := p.writer.now().UTC().Format(time.RFC3339)
		if err := p.txRecordVersion(tx, bucket, op.resourceType, op.id, version, updated, nil, true); err != nil {
			return nil, err
		}
		if err := tx.Remove(loc, key); err != nil {
			return nil, Translate(err, op.resourceType, op.id)
		}
		return &WriteResult{ResourceType: op.resourceType, ID: op.id, VersionID: version}, nil
	}
	return nil, BadRequest("unsupported method %q", op.method)
}

// txWrite stamps and lands one create or update inside the transaction,
// history entry first.
func (p *TxProcessor) txWrite(tx couch.Tx, bucket string, op txOp, version string, create bool) (*WriteResult, error) {
	stamped, updated, err := p.writer.stamp(op.body, op.resourceType, op.id, version)
	if err != nil {
		return nil, err
	}
	if err := p.txRecordVersion(tx, bucket, op.resourceType, op.id, version, updated, stamped, false); err != nil {
		return nil, err
	}
	loc := RouteResource(bucket, op.resourceType)
	key := docKey(op.resourceType, op.id)
	if create {
		err = tx.Insert(loc, key, stamped)
	} else {
		err = tx.Replace(loc, key, stamped)
	}
	if err != nil {
		return nil, Translate(err, op.resourceType, op.id)
	}
	return &WriteResult{
		ResourceType: op.resourceType,
		ID:           op.id,
		VersionID:    version,
		LastUpdated:  updated,
		Body:         stamped,
		Created:      create,
	}, nil
}

func (p *TxProcessor) txRecordVersion(tx couch.Tx, bucket, resourceType, id, version, updated string, resource []byte, deleted bool) error {
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
	if err := tx.Insert(loc, versionKey(resourceType, id, version), entryRaw); err != nil {
		return Translate(err, resourceType, id)
	}

	idxRaw, err := json.Marshal(versionIndex{
		ResourceType: resourceType,
		ID:           id,
		VersionID:    version,
		Deleted:      deleted,
		LastUpdated:  updated,
	})
	if err != nil {
		return Internal(err)
	}
	if err := tx.Replace(loc, docKey(resourceType, id), idxRaw); err != nil {
		if TranslateErr(err).Kind == KindNotFound {
			err = tx.Insert(loc, docKey(resourceType, id), idxRaw)
		}
		if err != nil {
			return Translate(err, resourceType, id)
		}
	}
	return nil
}

// applyFHIRPatchOrJSONPatch sniffs the patch shape: arrays are RFC 6902,
// objects are FHIR Patch Parameters.
func applyFHIRPatchOrJSONPatch(doc, patch []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(patch)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return applyJSONPatch(doc, patch)
	}
	return applyFHIRPatch(doc, patch)
}

// splitEntryURL parses a Bundle entry url into type, id and criteria.
// Accepted shapes: Type, Type/id, Type?criteria.
func splitEntryURL(entryURL string) (resourceType, id, criteria string, err error) {
	if entryURL == "" {
		return "", "", "", BadRequest("Bundle entry request.url is required")
	}
	entryURL = strings.TrimPrefix(entryURL, "/")
	if q := strings.Index(entryURL, "?"); q >= 0 {
		criteria = entryURL[q+1:]
		entryURL = entryURL[:q]
	}
	parts := strings.Split(entryURL, "/")
	switch len(parts) {
	case 1:
		resourceType = parts[0]
	case 2:
		resourceType, id = parts[0], parts[1]
	default:
		return "", "", "", BadRequest("unsupported Bundle entry url %q", entryURL)
	}
	if resourceType == "" {
		return "", "", "", BadRequest("Bundle entry url %q is missing a resource type", entryURL)
	}
	return resourceType, id, criteria, nil
}

// responseEntry renders one entry of the response Bundle.
func responseEntry(res *WriteResult) BundleEntry {
	if res == nil {
		return BundleEntry{Response: &BundleResponse{Status: "200 OK"}}
	}
	status := "200 OK"
	switch {
	case res.Created:
		status = "201 Created"
	case res.VersionID != "" && res.Body == nil:
		status = "204 No Content"
	}
	entry := BundleEntry{
		Response: &BundleResponse{
			Status:       status,
			LastModified: res.LastUpdated,
		},
	}
	if res.VersionID != "" {
		entry.Response.Etag = FormatETag(res.VersionID)
	}
	if res.ID != "" {
		entry.Response.Location = res.ResourceType + "/" + res.ID
		if res.VersionID != "" {
			entry.Response.Location += "/_history/" + res.VersionID
		}
	}
	return entry
}
