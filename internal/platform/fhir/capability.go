package fhir

import (
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	serverName  = "FHIRVault"
	fhirVersion = "4.0.1"
)

// Metadata serves the CapabilityStatement for the bucket. The statement is
// derived from the search parameter registry so it always reflects what the
// server actually supports.
func (h *Handler) Metadata(c echo.Context) error {
	return h.respondJSON(c, http.StatusOK, BuildCapabilityStatement(h.baseURL(c)))
}

// BuildCapabilityStatement assembles a CapabilityStatement covering every
// resource type with registered search parameters. Resource types without a
// dedicated parameter set are still served through the generic endpoints but
// are not advertised individually.
func BuildCapabilityStatement(baseURL string) map[string]interface{} {
	types := ResourceTypesWithParams()
	resources := make([]map[string]interface{}, 0, len(types))
	for _, rt := range types {
		resources = append(resources, resourceCapability(rt))
	}

	rest := map[string]interface{}{
		"mode":     "server",
		"resource": resources,
		"interaction": []map[string]string{
			{"code": "transaction"},
			{"code": "batch"},
			{"code": "history-system"},
		},
	}

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format("2006-01-02"),
		"kind":         "instance",
		"fhirVersion":  fhirVersion,
		"format":       []string{ContentTypeFHIRJSON},
		"software": map[string]string{
			"name": serverName,
		},
		"implementation": map[string]string{
			"description": "FHIR R4 server backed by Couchbase",
			"url":         baseURL,
		},
		"rest": []map[string]interface{}{rest},
	}
}

func resourceCapability(resourceType string) map[string]interface{} {
	defs := SearchParamsFor(resourceType)
	params := make([]map[string]string, 0, len(defs)+len(commonParams))
	for _, def := range defs {
		params = append(params, map[string]string{
			"name": def.Name,
			"type": def.Type.String(),
		})
	}
	names := make([]string, 0, len(commonParams))
	for name := range commonParams {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def := commonParams[name]
		params = append(params, map[string]string{
			"name": def.Name,
			"type": def.Type.String(),
		})
	}

	interactions := []string{
		"read", "vread", "update", "patch", "delete",
		"create", "search-type", "history-instance", "history-type",
	}
	ia := make([]map[string]string, len(interactions))
	for i, code := range interactions {
		ia[i] = map[string]string{"code": code}
	}

	return map[string]interface{}{
		"type":              resourceType,
		"versioning":        "versioned",
		"readHistory":       true,
		"updateCreate":      true,
		"conditionalCreate": true,
		"conditionalUpdate": true,
		"conditionalDelete": "single",
		"interaction":       ia,
		"searchParam":       params,
		"patchFormats": []string{
			ContentTypeJSONPatch,
			ContentTypeFHIRJSON,
		},
	}
}
