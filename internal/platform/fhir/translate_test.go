package fhir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// queryJSON marshals an FTS query into a generic map for shape assertions.
func queryJSON(t *testing.T, req *SearchRequest) map[string]interface{} {
	t.Helper()
	plan, err := TranslateQuery(req, "tenant-a")
	require.NoError(t, err)
	raw, err := json.Marshal(plan.Query)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func parse(t *testing.T, resourceType, query string) *SearchRequest {
	t.Helper()
	req, err := ParseSearch(resourceType, query, 50)
	require.NoError(t, err)
	return req
}

func TestTranslateTokenBareCode(t *testing.T) {
	m := queryJSON(t, parse(t, "Patient", "gender=male"))
	require.Equal(t, "male", m["term"])
	require.Equal(t, "gender", m["field"])
}

func TestTranslateTokenSystemAndCode(t *testing.T) {
	m := queryJSON(t, parse(t, "Observation", "code=http://loinc.org|8480-6"))
	conjuncts := m["conjuncts"].([]interface{})
	require.Len(t, conjuncts, 2)
	system := conjuncts[0].(map[string]interface{})
	code := conjuncts[1].(map[string]interface{})
	require.Equal(t, "http://loinc.org", system["term"])
	require.Equal(t, "code.coding.system", system["field"])
	require.Equal(t, "8480-6", code["term"])
	require.Equal(t, "code.coding.code", code["field"])
}

func TestTranslateTokenCodeOnlyPipe(t *testing.T) {
	m := queryJSON(t, parse(t, "Observation", "code=|8480-6"))
	require.Equal(t, "8480-6", m["term"])
	require.Equal(t, "code.coding.code", m["field"])
}

func TestTranslateTokenImpliedSystem(t *testing.T) {
	// phone=555 means telecom.system=phone AND telecom.value=555.
	m := queryJSON(t, parse(t, "Patient", "phone=555-0100"))
	conjuncts := m["conjuncts"].([]interface{})
	require.Len(t, conjuncts, 2)
	system := conjuncts[0].(map[string]interface{})
	require.Equal(t, "phone", system["term"])
	require.Equal(t, "telecom.system", system["field"])
}

func TestTranslateTokenOrList(t *testing.T) {
	m := queryJSON(t, parse(t, "Patient", "gender=male,female"))
	disjuncts := m["disjuncts"].([]interface{})
	require.Len(t, disjuncts, 2)
}

func TestTranslateTokenNot(t *testing.T) {
	m := queryJSON(t, parse(t, "Observation", "status:not=final"))
	require.Contains(t, m, "must_not")
	require.Contains(t, m, "must")
}

func TestTranslateStringDefaultPrefix(t *testing.T) {
	m := queryJSON(t, parse(t, "Patient", "name=Smi"))
	require.Equal(t, "smi", m["prefix"])
	require.Equal(t, "name.family", m["field"])
}

func TestTranslateStringExact(t *testing.T) {
	m := queryJSON(t, parse(t, "Patient", "name:exact=Smith"))
	require.Equal(t, "Smith", m["term"])
}

func TestTranslateStringContains(t *testing.T) {
	m := queryJSON(t, parse(t, "Patient", "name:contains=MIT"))
	require.Equal(t, "*mit*", m["wildcard"])
}

func TestTranslateDateRange(t *testing.T) {
	m := queryJSON(t, parse(t, "Patient", "birthdate=ge1990-01-01"))
	require.Equal(t, "1990-01-01T00:00:00Z", m["start"])
	require.Equal(t, true, m["inclusive_start"])
	require.Equal(t, "birthDate", m["field"])
	require.NotContains(t, m, "end")
}

func TestTranslateDateDayWindow(t *testing.T) {
	// An unprefixed day value covers the whole day.
	m := queryJSON(t, parse(t, "Patient", "birthdate=1990-06-15"))
	require.Equal(t, "1990-06-15T00:00:00Z", m["start"])
	require.Equal(t, "1990-06-15T23:59:59Z", m["end"])
	require.Equal(t, true, m["inclusive_start"])
	require.Equal(t, true, m["inclusive_end"])
}

func TestTranslateReferenceTyped(t *testing.T) {
	m := queryJSON(t, parse(t, "Observation", "subject=Patient/p1"))
	require.Equal(t, "Patient/p1", m["term"])
	require.Equal(t, "subject.reference", m["field"])
}

func TestTranslateReferenceBareIDSingleTarget(t *testing.T) {
	m := queryJSON(t, parse(t, "Observation", "patient=p1"))
	require.Equal(t, "Patient/p1", m["term"])
}

func TestTranslateReferenceTypeQualifier(t *testing.T) {
	// subject:Patient=p1 restricts the target type.
	m := queryJSON(t, parse(t, "Observation", "subject:Patient=p1"))
	require.Equal(t, "Patient/p1", m["term"])
	require.Equal(t, "subject.reference", m["field"])
}

func TestTranslateQuantity(t *testing.T) {
	m := queryJSON(t, parse(t, "Observation", "value-quantity=gt5.4|http://unitsofmeasure.org|mg"))
	conjuncts := m["conjuncts"].([]interface{})
	require.Len(t, conjuncts, 2)
	numeric := conjuncts[0].(map[string]interface{})
	require.InDelta(t, 5.4, numeric["min"], 0.001)
	require.Equal(t, false, numeric["inclusive_min"])
	unit := conjuncts[1].(map[string]interface{})
	require.Equal(t, "mg", unit["term"])
	require.Equal(t, "valueQuantity.code", unit["field"])
}

func TestTranslateMissing(t *testing.T) {
	m := queryJSON(t, parse(t, "Patient", "gender:missing=true"))
	require.Contains(t, m, "must_not")

	m = queryJSON(t, parse(t, "Patient", "gender:missing=false"))
	require.Equal(t, "*", m["wildcard"])
}

func TestTranslateMissingBadValue(t *testing.T) {
	req := parse(t, "Patient", "gender:missing=maybe")
	_, err := TranslateQuery(req, "tenant-a")
	require.Error(t, err)
}

func TestTranslateConjunctionAcrossParams(t *testing.T) {
	m := queryJSON(t, parse(t, "Patient", "gender=male&birthdate=ge1990-01-01"))
	conjuncts := m["conjuncts"].([]interface{})
	require.Len(t, conjuncts, 2)
}

func TestTranslateGeneralCollectionDiscriminator(t *testing.T) {
	// Types without a dedicated collection get a resourceType conjunct.
	m := queryJSON(t, parse(t, "Basic", "_id=b1"))
	conjuncts := m["conjuncts"].([]interface{})
	require.Len(t, conjuncts, 2)
	disc := conjuncts[0].(map[string]interface{})
	require.Equal(t, "Basic", disc["term"])
	require.Equal(t, "resourceType", disc["field"])
}

func TestTranslateEmptySearchMatchesAll(t *testing.T) {
	m := queryJSON(t, parse(t, "Patient", ""))
	require.Contains(t, m, "match_all")
}

func TestTranslatePlanPagingAndIndex(t *testing.T) {
	req := parse(t, "Patient", "_count=10&_offset=30&_sort=-birthdate")
	plan, err := TranslateQuery(req, "tenant-a")
	require.NoError(t, err)
	require.Equal(t, 10, plan.Limit)
	require.Equal(t, 30, plan.Skip)
	require.Equal(t, []string{"-birthDate"}, plan.Sort)
	require.Equal(t, "fts-tenant-a-Patient", plan.Index)
}

func TestTranslateRejectsUnresolvedChains(t *testing.T) {
	req := parse(t, "Observation", "patient.name=smith")
	_, err := TranslateQuery(req, "tenant-a")
	require.Error(t, err)
}
