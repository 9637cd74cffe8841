package fhir

import (
	"context"
	"strings"

	"github.com/buger/jsonparser"

	"github.com/fhirvault/fhirvault/internal/platform/couch"
)

// applyIncludes joins one hop of referenced resources into the result.
// _include follows references out of the matches; _revinclude searches for
// resources pointing back at them. The bundle cap truncates included entries
// before matched ones.
func (e *Engine) applyIncludes(ctx context.Context, bucket string, req *SearchRequest, result *Result) error {
	seen := make(map[string]bool, len(result.Entries))
	for _, entry := range result.Entries {
		seen[entry.Key] = true
	}

	var includeKeys []string
	for _, spec := range req.Includes {
		keys, err := e.includeKeys(req.ResourceType, spec, result.Entries)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				includeKeys = append(includeKeys, k)
			}
		}
	}

	for _, spec := range req.RevIncludes {
		keys, err := e.revIncludeKeys(ctx, bucket, spec, result.Entries)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				includeKeys = append(includeKeys, k)
			}
		}
	}

	budget := e.maxBundle - len(result.Entries)
	if budget < 0 {
		budget = 0
	}
	if len(includeKeys) > budget {
		includeKeys = includeKeys[:budget]
		result.Truncated = true
	}

	included, err := e.fetchKeys(ctx, bucket, includeKeys, "include")
	if err != nil {
		return err
	}
	result.Entries = append(result.Entries, included...)
	return nil
}

// includeKeys collects the reference targets named by one _include spec from
// the matched resources.
func (e *Engine) includeKeys(baseType string, spec IncludeSpec, entries []ResultEntry) ([]string, error) {
	if spec.Source != baseType {
		return nil, BadRequest("_include source %q does not match searched type %s", spec.Source, baseType)
	}
	def, err := ResolveParam(spec.Source, spec.Param)
	if err != nil {
		return nil, err
	}
	if def.Type != ParamReference {
		return nil, BadRequest("_include parameter %q is not a reference", spec.Param)
	}

	var keys []string
	for _, entry := range entries {
		if entry.Mode != "match" {
			continue
		}
		for _, ref := range extractReferences(entry.Body, def.FieldPath) {
			if spec.Target != "" && !strings.HasPrefix(ref, spec.Target+"/") {
				continue
			}
			if isLocalReference(ref) {
				keys = append(keys, ref)
			}
		}
	}
	return keys, nil
}

// revIncludeKeys searches the include source type for resources referencing
// any of the matched keys.
func (e *Engine) revIncludeKeys(ctx context.Context, bucket string, spec IncludeSpec, entries []ResultEntry) ([]string, error) {
	def, err := ResolveParam(spec.Source, spec.Param)
	if err != nil {
		return nil, err
	}
	if def.Type != ParamReference {
		return nil, BadRequest("_revinclude parameter %q is not a reference", spec.Param)
	}

	var matchKeys []string
	for _, entry := range entries {
		if entry.Mode == "match" {
			matchKeys = append(matchKeys, entry.Key)
		}
	}
	if len(matchKeys) == 0 {
		return nil, nil
	}

	inner := &SearchRequest{
		ResourceType: spec.Source,
		Count:        e.maxBundle,
		Filters: []Filter{{
			Def: def,
			Raw: strings.Join(matchKeys, ","),
		}},
	}
	plan, err := TranslateQuery(inner, bucket)
	if err != nil {
		return nil, err
	}
	page, err := e.store.Search(ctx, plan.Index, plan.Query, couch.SearchOptions{Limit: plan.Limit})
	if err != nil {
		return nil, TranslateErr(err)
	}
	return page.IDs, nil
}

// extractReferences pulls every reference string reachable through a dotted
// field path like "subject.reference", descending into arrays at any level.
func extractReferences(body []byte, fieldPath string) []string {
	var refs []string
	walkPath(body, strings.Split(fieldPath, "."), func(value []byte, dataType jsonparser.ValueType) {
		if dataType == jsonparser.String {
			refs = append(refs, string(value))
		}
	})
	return refs
}

// walkPath descends one path segment at a time, fanning out over arrays.
func walkPath(data []byte, path []string, visit func([]byte, jsonparser.ValueType)) {
	value, dataType, _, err := jsonparser.Get(data, path[0])
	if err != nil {
		return
	}

	if len(path) == 1 {
		if dataType == jsonparser.Array {
			jsonparser.ArrayEach(value, func(item []byte, itemType jsonparser.ValueType, _ int, _ error) {
				visit(item, itemType)
			})
			return
		}
		visit(value, dataType)
		return
	}

	switch dataType {
	case jsonparser.Array:
		jsonparser.ArrayEach(value, func(item []byte, _ jsonparser.ValueType, _ int, _ error) {
			walkPath(item, path[1:], visit)
		})
	case jsonparser.Object:
		walkPath(value, path[1:], visit)
	}
}

// isLocalReference reports whether a reference can resolve against local
// storage. Absolute URLs and fragments cannot.
func isLocalReference(ref string) bool {
	if ref == "" || strings.HasPrefix(ref, "#") || strings.Contains(ref, "://") {
		return false
	}
	return strings.Count(ref, "/") == 1
}
