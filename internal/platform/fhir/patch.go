package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Content types the PATCH endpoint accepts.
const (
	ContentTypeJSONPatch = "application/json-patch+json"
	ContentTypeFHIRJSON  = "application/fhir+json"
	ContentTypeJSON      = "application/json"
)

// ApplyPatch computes the patched document without persisting it, so callers
// can validate the result before committing it through Update.
func (w *Writer) ApplyPatch(ctx context.Context, bucket, resourceType, id, contentType string, patchBody []byte) ([]byte, error) {
	current, _, err := w.Read(ctx, bucket, resourceType, id)
	if err != nil {
		return nil, err
	}

	switch normalizeContentType(contentType) {
	case ContentTypeJSONPatch:
		return applyJSONPatch(current, patchBody)
	case ContentTypeFHIRJSON, ContentTypeJSON, "":
		return applyFHIRPatch(current, patchBody)
	default:
		return nil, &Error{
			Kind:        KindBadRequest,
			IssueCode:   IssueTypeNotSupported,
			Diagnostics: fmt.Sprintf("unsupported patch content type %q", contentType),
		}
	}
}

// Patch applies a patch document to the current version and writes the
// result through the normal update path, so versioning and history behave
// exactly as a PUT.
func (w *Writer) Patch(ctx context.Context, bucket, resourceType, id, contentType string, patchBody []byte, ifMatch string) (*WriteResult, error) {
	patched, err := w.ApplyPatch(ctx, bucket, resourceType, id, contentType, patchBody)
	if err != nil {
		return nil, err
	}
	return w.Update(ctx, bucket, resourceType, id, patched, ifMatch)
}

func normalizeContentType(ct string) string {
	if semi := strings.Index(ct, ";"); semi >= 0 {
		ct = ct[:semi]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

// applyJSONPatch applies an RFC 6902 patch document.
func applyJSONPatch(doc, patchBody []byte) ([]byte, error) {
	patch, err := jsonpatch.DecodePatch(patchBody)
	if err != nil {
		return nil, Unprocessable("invalid JSON Patch document: " + err.Error())
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, Unprocessable("JSON Patch failed to apply: " + err.Error())
	}
	return patched, nil
}

// fhirPatchParameters is the Parameters shape FHIR Patch arrives in.
type fhirPatchParameters struct {
	ResourceType string `json:"resourceType"`
	Parameter    []struct {
		Name string          `json:"name"`
		Part json.RawMessage `json:"part"`
	} `json:"parameter"`
}

type fhirPatchPart struct {
	Name        string `json:"name"`
	ValueCode   string `json:"valueCode,omitempty"`
	ValueString string `json:"valueString,omitempty"`
}

// applyFHIRPatch translates a FHIR Patch Parameters resource into RFC 6902
// operations and applies them. Supported operation types are add, replace
// and delete; insert and move are rejected.
func applyFHIRPatch(doc, patchBody []byte) ([]byte, error) {
	var params fhirPatchParameters
	if err := json.Unmarshal(patchBody, &params); err != nil {
		return nil, Unprocessable("invalid FHIR Patch body: " + err.Error())
	}
	if params.ResourceType != "Parameters" {
		return nil, Unprocessable("FHIR Patch body must be a Parameters resource")
	}

	var ops []map[string]interface{}
	for _, p := range params.Parameter {
		if p.Name != "operation" {
			continue
		}
		op, err := translatePatchOperation(p.Part)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if len(ops) == 0 {
		return nil, Unprocessable("FHIR Patch contains no operations")
	}

	rfc, err := json.Marshal(ops)
	if err != nil {
		return nil, Internal(err)
	}
	return applyJSONPatch(doc, rfc)
}

// translatePatchOperation converts one operation parameter into an RFC 6902
// op. FHIR Patch paths are FHIRPath expressions; the supported subset is
// dotted paths rooted at the resource type, e.g. Patient.active or
// Patient.name[0].family.
func translatePatchOperation(parts json.RawMessage) (map[string]interface{}, error) {
	var decoded []json.RawMessage
	if err := json.Unmarshal(parts, &decoded); err != nil {
		return nil, Unprocessable("malformed FHIR Patch operation parts")
	}

	var opType, path, name string
	var value interface{}
	haveValue := false
	for _, rawPart := range decoded {
		var part fhirPatchPart
		if err := json.Unmarshal(rawPart, &part); err != nil {
			return nil, Unprocessable("malformed FHIR Patch operation part")
		}
		switch part.Name {
		case "type":
			opType = part.ValueCode
		case "path":
			path = part.ValueString
		case "name":
			name = part.ValueString
		case "value":
			v, err := extractPatchValue(rawPart)
			if err != nil {
				return nil, err
			}
			value = v
			haveValue = true
		}
	}

	pointer, err := fhirPathToPointer(path)
	if err != nil {
		return nil, err
	}

	switch opType {
	case "add":
		if name == "" {
			return nil, Unprocessable("FHIR Patch add requires a name part")
		}
		if !haveValue {
			return nil, Unprocessable("FHIR Patch add requires a value part")
		}
		return map[string]interface{}{"op": "add", "path": pointer + "/" + name, "value": value}, nil
	case "replace":
		if !haveValue {
			return nil, Unprocessable("FHIR Patch replace requires a value part")
		}
		return map[string]interface{}{"op": "replace", "path": pointer, "value": value}, nil
	case "delete":
		return map[string]interface{}{"op": "remove", "path": pointer}, nil
	case "insert", "move":
		return nil, &Error{
			Kind:        KindUnprocessable,
			IssueCode:   IssueTypeNotSupported,
			Diagnostics: fmt.Sprintf("FHIR Patch operation %q is not supported", opType),
		}
	default:
		return nil, Unprocessable(fmt.Sprintf("unknown FHIR Patch operation type %q", opType))
	}
}

// extractPatchValue pulls whichever value[x] field the part carries.
func extractPatchValue(rawPart json.RawMessage) (interface{}, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(rawPart, &generic); err != nil {
		return nil, Unprocessable("malformed FHIR Patch value part")
	}
	for key, raw := range generic {
		if !strings.HasPrefix(key, "value") {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, Unprocessable("malformed FHIR Patch value")
		}
		return v, nil
	}
	return nil, Unprocessable("FHIR Patch value part carries no value[x]")
}

// fhirPathToPointer converts a dotted FHIRPath subset into a JSON pointer.
// The leading resource type segment is dropped; [n] indexes map to pointer
// segments.
func fhirPathToPointer(path string) (string, error) {
	if path == "" {
		return "", Unprocessable("FHIR Patch operation requires a path part")
	}
	segments := strings.Split(path, ".")
	if len(segments) < 1 {
		return "", Unprocessable(fmt.Sprintf("unsupported FHIR Patch path %q", path))
	}
	// First segment names the resource type.
	segments = segments[1:]
	var pointer strings.Builder
	for _, seg := range segments {
		field := seg
		index := ""
		if open := strings.Index(seg, "["); open >= 0 {
			end := strings.Index(seg, "]")
			if end < open {
				return "", Unprocessable(fmt.Sprintf("unsupported FHIR Patch path segment %q", seg))
			}
			field = seg[:open]
			index = seg[open+1 : end]
		}
		pointer.WriteByte('/')
		pointer.WriteString(field)
		if index != "" {
			pointer.WriteByte('/')
			pointer.WriteString(index)
		}
	}
	return pointer.String(), nil
}
