// Package validate checks resource bodies before they reach the write path.
// Three modes apply per bucket: disabled skips everything, lenient runs the
// structural R4 checks, and strict additionally rejects unknown elements.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/platform/fhir"
)

// Validation modes stored in the bucket config.
const (
	ModeDisabled = "disabled"
	ModeLenient  = "lenient"
	ModeStrict   = "strict"
)

// ProfileUSCore marks buckets validated against US Core 6.1.0 in addition to
// base R4.
const ProfileUSCore = "us-core"

// Pipeline implements fhir.Validator.
type Pipeline struct {
	log zerolog.Logger

	// SkipValidation bypasses every check. It is settable only in code, for
	// internal seeders; nothing binds it from HTTP.
	SkipValidation bool
}

func NewPipeline(log zerolog.Logger) *Pipeline {
	return &Pipeline{log: log}
}

// Validate checks a resource body against the bucket's validation mode. A
// failing check returns a 422 with every collected issue in the diagnostics.
func (p *Pipeline) Validate(resourceType string, body []byte, settings *fhir.BucketSettings) error {
	if p.SkipValidation || settings == nil || settings.ValidationMode == ModeDisabled {
		return nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return &fhir.Error{
			Kind:        fhir.KindBadRequest,
			IssueCode:   fhir.IssueTypeStructure,
			Diagnostics: "resource body is not a JSON object: " + err.Error(),
		}
	}

	var issues []string
	issues = append(issues, checkBase(resourceType, doc)...)
	if settings.ValidationMode == ModeStrict {
		issues = append(issues, checkUnknownElements(resourceType, doc)...)
	}
	for _, profile := range settings.Profiles {
		if profile == ProfileUSCore {
			issues = append(issues, checkUSCore(resourceType, doc)...)
		}
	}

	if len(issues) > 0 {
		return &fhir.Error{
			Kind:        fhir.KindUnprocessable,
			IssueCode:   fhir.IssueTypeInvalid,
			Diagnostics: strings.Join(issues, "; "),
		}
	}
	return nil
}

var (
	idPattern       = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)
	datePattern     = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2})?)?$`)
	dateTimePattern = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2}(T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2}))?)?)?$`)
	codePattern     = regexp.MustCompile(`^[^\s]+( [^\s]+)*$`)
)

// checkBase runs the structural R4 checks every mode above disabled shares.
func checkBase(resourceType string, doc map[string]json.RawMessage) []string {
	var issues []string

	declared, err := stringField(doc, "resourceType")
	if err != nil || declared == "" {
		return append(issues, "resourceType is required and must be a string")
	}
	if declared != resourceType {
		issues = append(issues, fmt.Sprintf("resourceType %q does not match the request target %s", declared, resourceType))
	}
	if !fhir.KnownResourceType(declared) && declared != "Bundle" && declared != "Parameters" {
		issues = append(issues, fmt.Sprintf("unknown resource type %q", declared))
	}

	if raw, ok := doc["id"]; ok {
		id, err := decodeString(raw)
		if err != nil {
			issues = append(issues, "id must be a string")
		} else if !idPattern.MatchString(id) {
			issues = append(issues, fmt.Sprintf("id %q violates the FHIR id grammar", id))
		}
	}

	if raw, ok := doc["meta"]; ok {
		issues = append(issues, checkMeta(raw)...)
	}

	for _, field := range requiredElements[declared] {
		if _, ok := doc[field]; !ok {
			issues = append(issues, fmt.Sprintf("%s.%s is required", declared, field))
		}
	}

	for _, pf := range primitiveFields[declared] {
		raw, ok := doc[pf.name]
		if !ok {
			continue
		}
		value, err := decodeString(raw)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s.%s must be a string", declared, pf.name))
			continue
		}
		if !pf.pattern.MatchString(value) {
			issues = append(issues, fmt.Sprintf("%s.%s value %q is not a valid %s", declared, pf.name, value, pf.kind))
		}
		if len(pf.allowed) > 0 && !contains(pf.allowed, value) {
			issues = append(issues, fmt.Sprintf("%s.%s value %q is not in the required value set", declared, pf.name, value))
		}
	}

	return issues
}

func checkMeta(raw json.RawMessage) []string {
	var meta struct {
		VersionID   json.RawMessage `json:"versionId"`
		LastUpdated json.RawMessage `json:"lastUpdated"`
		Profile     json.RawMessage `json:"profile"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return []string{"meta must be an object"}
	}

	var issues []string
	if meta.VersionID != nil {
		if _, err := decodeString(meta.VersionID); err != nil {
			issues = append(issues, "meta.versionId must be a string")
		}
	}
	if meta.LastUpdated != nil {
		value, err := decodeString(meta.LastUpdated)
		if err != nil || !dateTimePattern.MatchString(value) {
			issues = append(issues, "meta.lastUpdated must be a FHIR instant")
		}
	}
	if meta.Profile != nil {
		var profiles []string
		if err := json.Unmarshal(meta.Profile, &profiles); err != nil {
			issues = append(issues, "meta.profile must be an array of canonical URIs")
		}
	}
	return issues
}

// checkUnknownElements rejects top-level elements outside the known set for
// the type. Types without an element table only get the common-element check
// skipped, not failed.
func checkUnknownElements(resourceType string, doc map[string]json.RawMessage) []string {
	allowed, ok := knownElements[resourceType]
	if !ok {
		return nil
	}
	var issues []string
	for field := range doc {
		if commonElements[field] || allowed[field] {
			continue
		}
		issues = append(issues, fmt.Sprintf("unknown element %s.%s", resourceType, field))
	}
	return issues
}

// checkUSCore enforces the must-support presence rules for the recognized US
// Core 6.1.0 profiles.
func checkUSCore(resourceType string, doc map[string]json.RawMessage) []string {
	required, ok := usCoreRequired[resourceType]
	if !ok {
		return nil
	}
	var issues []string
	for _, field := range required {
		if _, present := doc[field]; !present {
			issues = append(issues, fmt.Sprintf("US Core %s requires %s", resourceType, field))
		}
	}
	return issues
}

func stringField(doc map[string]json.RawMessage, field string) (string, error) {
	raw, ok := doc[field]
	if !ok {
		return "", nil
	}
	return decodeString(raw)
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	err := json.Unmarshal(raw, &s)
	return s, err
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
