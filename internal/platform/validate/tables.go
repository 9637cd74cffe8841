package validate

import "regexp"

// commonElements appear on every resource.
var commonElements = map[string]bool{
	"resourceType":      true,
	"id":                true,
	"meta":              true,
	"implicitRules":     true,
	"language":          true,
	"text":              true,
	"contained":         true,
	"extension":         true,
	"modifierExtension": true,
}

// requiredElements lists the base R4 cardinality-1 elements per supported
// type. Only elements representable at the top level are checked here.
var requiredElements = map[string][]string{
	"Observation":         {"status", "code"},
	"Encounter":           {"status", "class"},
	"Condition":           {"subject"},
	"Procedure":           {"status", "subject"},
	"MedicationRequest":   {"status", "intent", "subject"},
	"Immunization":        {"status", "vaccineCode", "patient"},
	"AllergyIntolerance":  {"patient"},
	"DiagnosticReport":    {"status", "code"},
	"ServiceRequest":      {"status", "intent", "subject"},
	"DocumentReference":   {"status", "content"},
	"CarePlan":            {"status", "intent", "subject"},
	"CareTeam":            {"subject"},
	"Goal":                {"lifecycleStatus", "description", "subject"},
	"Coverage":            {"status", "beneficiary", "payor"},
	"Claim":               {"status", "type", "use", "patient", "created", "provider", "priority", "insurance"},
	"Specimen":            {"subject"},
	"Provenance":          {"target", "recorded", "agent"},
	"Group":               {"type", "actual"},
	"ExplanationOfBenefit": {"status", "type", "use", "patient", "created", "insurer", "provider", "outcome", "insurance"},
}

type primitiveField struct {
	name    string
	kind    string
	pattern *regexp.Regexp
	allowed []string
}

var genderCodes = []string{"male", "female", "other", "unknown"}

// primitiveFields lists top-level primitives whose grammar is checked when
// present.
var primitiveFields = map[string][]primitiveField{
	"Patient": {
		{name: "birthDate", kind: "date", pattern: datePattern},
		{name: "gender", kind: "code", pattern: codePattern, allowed: genderCodes},
	},
	"Practitioner": {
		{name: "birthDate", kind: "date", pattern: datePattern},
		{name: "gender", kind: "code", pattern: codePattern, allowed: genderCodes},
	},
	"RelatedPerson": {
		{name: "birthDate", kind: "date", pattern: datePattern},
		{name: "gender", kind: "code", pattern: codePattern, allowed: genderCodes},
	},
	"Observation": {
		{name: "status", kind: "code", pattern: codePattern},
		{name: "effectiveDateTime", kind: "dateTime", pattern: dateTimePattern},
		{name: "issued", kind: "instant", pattern: dateTimePattern},
	},
	"Encounter": {
		{name: "status", kind: "code", pattern: codePattern},
	},
	"Condition": {
		{name: "onsetDateTime", kind: "dateTime", pattern: dateTimePattern},
		{name: "recordedDate", kind: "dateTime", pattern: dateTimePattern},
	},
	"Procedure": {
		{name: "status", kind: "code", pattern: codePattern},
		{name: "performedDateTime", kind: "dateTime", pattern: dateTimePattern},
	},
	"MedicationRequest": {
		{name: "status", kind: "code", pattern: codePattern},
		{name: "intent", kind: "code", pattern: codePattern},
		{name: "authoredOn", kind: "dateTime", pattern: dateTimePattern},
	},
	"Immunization": {
		{name: "status", kind: "code", pattern: codePattern},
		{name: "occurrenceDateTime", kind: "dateTime", pattern: dateTimePattern},
	},
	"DiagnosticReport": {
		{name: "status", kind: "code", pattern: codePattern},
		{name: "effectiveDateTime", kind: "dateTime", pattern: dateTimePattern},
	},
	"Goal": {
		{name: "lifecycleStatus", kind: "code", pattern: codePattern},
	},
}

// knownElements are the full top-level element sets used by strict mode's
// unknown-element rejection. Maintained for the dedicated high-volume types.
var knownElements = map[string]map[string]bool{
	"Patient": set(
		"identifier", "active", "name", "telecom", "gender", "birthDate",
		"deceasedBoolean", "deceasedDateTime", "address", "maritalStatus",
		"multipleBirthBoolean", "multipleBirthInteger", "photo", "contact",
		"communication", "generalPractitioner", "managingOrganization", "link",
	),
	"Practitioner": set(
		"identifier", "active", "name", "telecom", "address", "gender",
		"birthDate", "photo", "qualification", "communication",
	),
	"PractitionerRole": set(
		"identifier", "active", "period", "practitioner", "organization",
		"code", "specialty", "location", "healthcareService", "telecom",
		"availableTime", "notAvailable", "availabilityExceptions", "endpoint",
	),
	"Organization": set(
		"identifier", "active", "type", "name", "alias", "telecom", "address",
		"partOf", "contact", "endpoint",
	),
	"Location": set(
		"identifier", "status", "operationalStatus", "name", "alias",
		"description", "mode", "type", "telecom", "address", "physicalType",
		"position", "managingOrganization", "partOf", "hoursOfOperation",
		"availabilityExceptions", "endpoint",
	),
	"Encounter": set(
		"identifier", "status", "statusHistory", "class", "classHistory",
		"type", "serviceType", "priority", "subject", "episodeOfCare",
		"basedOn", "participant", "appointment", "period", "length",
		"reasonCode", "reasonReference", "diagnosis", "account",
		"hospitalization", "location", "serviceProvider", "partOf",
	),
	"Observation": set(
		"identifier", "basedOn", "partOf", "status", "category", "code",
		"subject", "focus", "encounter", "effectiveDateTime", "effectivePeriod",
		"effectiveTiming", "effectiveInstant", "issued", "performer",
		"valueQuantity", "valueCodeableConcept", "valueString", "valueBoolean",
		"valueInteger", "valueRange", "valueRatio", "valueSampledData",
		"valueTime", "valueDateTime", "valuePeriod", "dataAbsentReason",
		"interpretation", "note", "bodySite", "method", "specimen", "device",
		"referenceRange", "hasMember", "derivedFrom", "component",
	),
	"Condition": set(
		"identifier", "clinicalStatus", "verificationStatus", "category",
		"severity", "code", "bodySite", "subject", "encounter",
		"onsetDateTime", "onsetAge", "onsetPeriod", "onsetRange", "onsetString",
		"abatementDateTime", "abatementAge", "abatementPeriod", "abatementRange",
		"abatementString", "recordedDate", "recorder", "asserter", "stage",
		"evidence", "note",
	),
	"MedicationRequest": set(
		"identifier", "status", "statusReason", "intent", "category",
		"priority", "doNotPerform", "reportedBoolean", "reportedReference",
		"medicationCodeableConcept", "medicationReference", "subject",
		"encounter", "supportingInformation", "authoredOn", "requester",
		"performer", "performerType", "recorder", "reasonCode",
		"reasonReference", "instantiatesCanonical", "instantiatesUri",
		"basedOn", "groupIdentifier", "courseOfTherapyType", "insurance",
		"note", "dosageInstruction", "dispenseRequest", "substitution",
		"priorPrescription", "detectedIssue", "eventHistory",
	),
	"Group": set(
		"identifier", "active", "type", "actual", "code", "name", "quantity",
		"managingEntity", "characteristic", "member",
	),
}

// usCoreRequired lists the must-support presence rules from the recognized
// US Core 6.1.0 profiles.
var usCoreRequired = map[string][]string{
	"Patient":            {"identifier", "name", "gender"},
	"Observation":        {"status", "category", "code", "subject"},
	"Condition":          {"category", "code", "subject"},
	"Encounter":          {"status", "class", "type", "subject"},
	"Procedure":          {"status", "code", "subject"},
	"MedicationRequest":  {"status", "intent", "subject"},
	"Immunization":       {"status", "vaccineCode", "patient", "occurrenceDateTime"},
	"AllergyIntolerance": {"patient", "code"},
	"DiagnosticReport":   {"status", "category", "code", "subject"},
	"DocumentReference":  {"status", "type", "category", "subject", "content"},
	"CarePlan":           {"status", "intent", "category", "subject"},
	"CareTeam":           {"status", "subject", "participant"},
	"Goal":               {"lifecycleStatus", "description", "subject"},
}

func set(fields ...string) map[string]bool {
	m := make(map[string]bool, len(fields))
	for _, f := range fields {
		m[f] = true
	}
	return m
}
