package fhir

import (
	"sort"

	"github.com/fhirvault/fhirvault/internal/platform/couch"
)

// Scope and collection names for the physical layout of a FHIR bucket.
const (
	ScopeResources = "Resources"
	ScopeAdmin     = "Admin"

	CollectionGeneral    = "General"
	CollectionConfig     = "config"
	CollectionVersions   = "versions"
	CollectionTokens     = "tokens"
	CollectionBulkGroups = "bulk_groups"
)

// dedicatedCollections lists the high-volume resource types that get their
// own collection. Everything else routes to Resources.General and is
// discriminated by its resourceType field.
var dedicatedCollections = map[string]bool{
	"Patient":              true,
	"Practitioner":         true,
	"PractitionerRole":     true,
	"Organization":         true,
	"Location":             true,
	"Encounter":            true,
	"Observation":          true,
	"Condition":            true,
	"Procedure":            true,
	"MedicationRequest":    true,
	"Medication":           true,
	"Immunization":         true,
	"AllergyIntolerance":   true,
	"DiagnosticReport":     true,
	"DocumentReference":    true,
	"ServiceRequest":       true,
	"CarePlan":             true,
	"CareTeam":             true,
	"Goal":                 true,
	"Device":               true,
	"Coverage":             true,
	"Claim":                true,
	"ExplanationOfBenefit": true,
	"RelatedPerson":        true,
	"Specimen":             true,
	"Provenance":           true,
}

// RouteResource maps a resource type to its physical collection within a
// bucket. It is a pure function so the search engine, write path and
// transaction processor route identically.
func RouteResource(bucket, resourceType string) couch.Location {
	collection := CollectionGeneral
	if dedicatedCollections[resourceType] {
		collection = resourceType
	}
	return couch.Location{Bucket: bucket, Scope: ScopeResources, Collection: collection}
}

// RouteAdmin maps an admin collection name to its location.
func RouteAdmin(bucket, collection string) couch.Location {
	return couch.Location{Bucket: bucket, Scope: ScopeAdmin, Collection: collection}
}

// RouteVersions is the location of the version history collection.
func RouteVersions(bucket string) couch.Location {
	return RouteAdmin(bucket, CollectionVersions)
}

// SearchIndexName returns the FTS index covering a resource type in a bucket.
// Types sharing the General collection share one index.
func SearchIndexName(bucket, resourceType string) string {
	if dedicatedCollections[resourceType] {
		return "fts-" + bucket + "-" + resourceType
	}
	return "fts-" + bucket + "-General"
}

// ResourceScopeLayout returns the scope/collection layout used when
// provisioning a FHIR bucket.
func ResourceScopeLayout() []couch.ScopeLayout {
	resources := []string{CollectionGeneral}
	for rt := range dedicatedCollections {
		resources = append(resources, rt)
	}
	return []couch.ScopeLayout{
		{Scope: ScopeResources, Collections: resources},
		{Scope: ScopeAdmin, Collections: []string{
			CollectionConfig, CollectionVersions, CollectionTokens, CollectionBulkGroups,
		}},
	}
}

// IndexDefinitions returns the FTS index set for a bucket: one index per
// dedicated collection plus one covering General. Field mappings are dynamic
// with a keyword default analyzer so token and reference params match exactly.
func IndexDefinitions(bucket string) []couch.IndexDefinition {
	collections := []string{CollectionGeneral}
	for rt := range dedicatedCollections {
		collections = append(collections, rt)
	}
	sort.Strings(collections)

	defs := make([]couch.IndexDefinition, 0, len(collections))
	for _, col := range collections {
		defs = append(defs, couch.IndexDefinition{
			Name: "fts-" + bucket + "-" + col,
			Params: map[string]interface{}{
				"doc_config": map[string]interface{}{
					"mode":       "scope.collection.type_field",
					"type_field": "resourceType",
				},
				"mapping": map[string]interface{}{
					"default_analyzer": "keyword",
					"default_mapping":  map[string]interface{}{"enabled": false},
					"types": map[string]interface{}{
						ScopeResources + "." + col: map[string]interface{}{
							"enabled": true,
							"dynamic": true,
						},
					},
				},
			},
		})
	}
	return defs
}
