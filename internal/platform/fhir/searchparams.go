package fhir

import "sort"

// ParamType is the closed set of FHIR search parameter types. The translator
// switches exhaustively over it; adding a variant without a translation arm
// is a compile-time-visible omission in translate.go.
type ParamType int

const (
	ParamToken ParamType = iota
	ParamString
	ParamDate
	ParamNumber
	ParamReference
	ParamQuantity
	ParamURI
	ParamComposite
	ParamSpecial
)

func (t ParamType) String() string {
	switch t {
	case ParamToken:
		return "token"
	case ParamString:
		return "string"
	case ParamDate:
		return "date"
	case ParamNumber:
		return "number"
	case ParamReference:
		return "reference"
	case ParamQuantity:
		return "quantity"
	case ParamURI:
		return "uri"
	case ParamComposite:
		return "composite"
	default:
		return "special"
	}
}

// ParamDef maps a search parameter to the fields the FTS index covers.
//
// Token parameters over CodeableConcept fields index <p>.coding.code with a
// sibling <p>.coding.system; simple token fields index <p>.value with a
// sibling <p>.system. System-filtered variants (e.g. phone =
// telecom.where(system='phone')) carry the implied system in SystemValue.
type ParamDef struct {
	Name        string
	Type        ParamType
	FieldPath   string
	SystemField string
	SystemValue string
	HasSystem   bool
	// Targets lists allowed target types for reference parameters, used by
	// chained search and _include.
	Targets []string
}

// tokenCC builds a token definition over a CodeableConcept field.
func tokenCC(name, field string) ParamDef {
	return ParamDef{
		Name:        name,
		Type:        ParamToken,
		FieldPath:   field + ".coding.code",
		SystemField: field + ".coding.system",
		HasSystem:   true,
	}
}

// tokenSimple builds a token definition over a value/system pair field.
func tokenSimple(name, field string) ParamDef {
	return ParamDef{
		Name:        name,
		Type:        ParamToken,
		FieldPath:   field + ".value",
		SystemField: field + ".system",
		HasSystem:   true,
	}
}

// tokenFiltered builds a token definition over a value/system pair with an
// implied system, e.g. phone -> telecom.where(system='phone').
func tokenFiltered(name, field, system string) ParamDef {
	def := tokenSimple(name, field)
	def.SystemValue = system
	return def
}

// tokenCode builds a token definition over a bare code primitive.
func tokenCode(name, field string) ParamDef {
	return ParamDef{Name: name, Type: ParamToken, FieldPath: field}
}

func str(name, field string) ParamDef {
	return ParamDef{Name: name, Type: ParamString, FieldPath: field}
}

func date(name, field string) ParamDef {
	return ParamDef{Name: name, Type: ParamDate, FieldPath: field}
}

func ref(name, field string, targets ...string) ParamDef {
	return ParamDef{Name: name, Type: ParamReference, FieldPath: field + ".reference", Targets: targets}
}

func num(name, field string) ParamDef {
	return ParamDef{Name: name, Type: ParamNumber, FieldPath: field}
}

func qty(name, field string) ParamDef {
	return ParamDef{Name: name, Type: ParamQuantity, FieldPath: field + ".value"}
}

func uri(name, field string) ParamDef {
	return ParamDef{Name: name, Type: ParamURI, FieldPath: field}
}

// commonParams apply to every resource type.
var commonParams = map[string]ParamDef{
	"_id":          {Name: "_id", Type: ParamToken, FieldPath: "id"},
	"_lastUpdated": date("_lastUpdated", "meta.lastUpdated"),
	"_profile":     uri("_profile", "meta.profile"),
	"_tag":         tokenSimple("_tag", "meta.tag"),
	"_text":        {Name: "_text", Type: ParamSpecial, FieldPath: "_all"},
}

// paramRegistry holds the per-type search parameter definitions the server
// recognizes, including the US Core extension parameters it supports
// explicitly.
var paramRegistry = map[string]map[string]ParamDef{
	"Patient": {
		"name":                 str("name", "name.family"),
		"family":               str("family", "name.family"),
		"given":                str("given", "name.given"),
		"birthdate":            date("birthdate", "birthDate"),
		"gender":               tokenCode("gender", "gender"),
		"identifier":           tokenSimple("identifier", "identifier"),
		"telecom":              tokenSimple("telecom", "telecom"),
		"phone":                tokenFiltered("phone", "telecom", "phone"),
		"email":                tokenFiltered("email", "telecom", "email"),
		"address-city":         str("address-city", "address.city"),
		"address-state":        str("address-state", "address.state"),
		"address-postalcode":   str("address-postalcode", "address.postalCode"),
		"general-practitioner": ref("general-practitioner", "generalPractitioner", "Practitioner", "Organization", "PractitionerRole"),
		"organization":         ref("organization", "managingOrganization", "Organization"),
		"active":               tokenCode("active", "active"),
		// US Core 6.1.0 extension parameters recognized explicitly.
		"race":      tokenCC("race", "extension.valueCodeableConcept"),
		"ethnicity": tokenCC("ethnicity", "extension.valueCodeableConcept"),
	},
	"Practitioner": {
		"name":       str("name", "name.family"),
		"family":     str("family", "name.family"),
		"given":      str("given", "name.given"),
		"identifier": tokenSimple("identifier", "identifier"),
		"telecom":    tokenSimple("telecom", "telecom"),
	},
	"PractitionerRole": {
		"practitioner": ref("practitioner", "practitioner", "Practitioner"),
		"organization": ref("organization", "organization", "Organization"),
		"specialty":    tokenCC("specialty", "specialty"),
	},
	"Organization": {
		"name":       str("name", "name"),
		"identifier": tokenSimple("identifier", "identifier"),
		"type":       tokenCC("type", "type"),
		"active":     tokenCode("active", "active"),
	},
	"Location": {
		"name":   str("name", "name"),
		"status": tokenCode("status", "status"),
	},
	"Encounter": {
		"patient":      ref("patient", "subject", "Patient"),
		"subject":      ref("subject", "subject", "Patient", "Group"),
		"status":       tokenCode("status", "status"),
		"class":        {Name: "class", Type: ParamToken, FieldPath: "class.code", SystemField: "class.system", HasSystem: true},
		"date":         date("date", "period.start"),
		"type":         tokenCC("type", "type"),
		"practitioner": ref("practitioner", "participant.individual", "Practitioner"),
		"identifier":   tokenSimple("identifier", "identifier"),
	},
	"Observation": {
		"patient":        ref("patient", "subject", "Patient"),
		"subject":        ref("subject", "subject", "Patient", "Group", "Device", "Location"),
		"encounter":      ref("encounter", "encounter", "Encounter"),
		"performer":      ref("performer", "performer", "Practitioner", "Organization"),
		"status":         tokenCode("status", "status"),
		"category":       tokenCC("category", "category"),
		"code":           tokenCC("code", "code"),
		"date":           date("date", "effectiveDateTime"),
		"value-quantity": qty("value-quantity", "valueQuantity"),
		"identifier":     tokenSimple("identifier", "identifier"),
	},
	"Condition": {
		"patient":         ref("patient", "subject", "Patient"),
		"subject":         ref("subject", "subject", "Patient", "Group"),
		"encounter":       ref("encounter", "encounter", "Encounter"),
		"clinical-status": tokenCC("clinical-status", "clinicalStatus"),
		"category":        tokenCC("category", "category"),
		"code":            tokenCC("code", "code"),
		"onset-date":      date("onset-date", "onsetDateTime"),
		"recorded-date":   date("recorded-date", "recordedDate"),
	},
	"Procedure": {
		"patient": ref("patient", "subject", "Patient"),
		"subject": ref("subject", "subject", "Patient", "Group"),
		"status":  tokenCode("status", "status"),
		"code":    tokenCC("code", "code"),
		"date":    date("date", "performedDateTime"),
	},
	"MedicationRequest": {
		"patient":    ref("patient", "subject", "Patient"),
		"subject":    ref("subject", "subject", "Patient", "Group"),
		"encounter":  ref("encounter", "encounter", "Encounter"),
		"status":     tokenCode("status", "status"),
		"intent":     tokenCode("intent", "intent"),
		"medication": ref("medication", "medicationReference", "Medication"),
		"authoredon": date("authoredon", "authoredOn"),
	},
	"Medication": {
		"code":   tokenCC("code", "code"),
		"status": tokenCode("status", "status"),
	},
	"Immunization": {
		"patient":      ref("patient", "patient", "Patient"),
		"status":       tokenCode("status", "status"),
		"vaccine-code": tokenCC("vaccine-code", "vaccineCode"),
		"date":         date("date", "occurrenceDateTime"),
	},
	"AllergyIntolerance": {
		"patient":         ref("patient", "patient", "Patient"),
		"clinical-status": tokenCC("clinical-status", "clinicalStatus"),
		"code":            tokenCC("code", "code"),
		"criticality":     tokenCode("criticality", "criticality"),
	},
	"DiagnosticReport": {
		"patient":  ref("patient", "subject", "Patient"),
		"subject":  ref("subject", "subject", "Patient", "Group"),
		"status":   tokenCode("status", "status"),
		"category": tokenCC("category", "category"),
		"code":     tokenCC("code", "code"),
		"date":     date("date", "effectiveDateTime"),
	},
	"ServiceRequest": {
		"patient":  ref("patient", "subject", "Patient"),
		"status":   tokenCode("status", "status"),
		"category": tokenCC("category", "category"),
		"code":     tokenCC("code", "code"),
		"authored": date("authored", "authoredOn"),
	},
	"DocumentReference": {
		"patient": ref("patient", "subject", "Patient"),
		"status":  tokenCode("status", "status"),
		"type":    tokenCC("type", "type"),
		"date":    date("date", "date"),
	},
	"CarePlan": {
		"patient":  ref("patient", "subject", "Patient"),
		"status":   tokenCode("status", "status"),
		"category": tokenCC("category", "category"),
		"date":     date("date", "period.start"),
	},
	"CareTeam": {
		"patient": ref("patient", "subject", "Patient"),
		"status":  tokenCode("status", "status"),
	},
	"Goal": {
		"patient":          ref("patient", "subject", "Patient"),
		"lifecycle-status": tokenCode("lifecycle-status", "lifecycleStatus"),
	},
	"Device": {
		"patient": ref("patient", "patient", "Patient"),
		"status":  tokenCode("status", "status"),
		"type":    tokenCC("type", "type"),
	},
	"Coverage": {
		"patient":     ref("patient", "beneficiary", "Patient"),
		"beneficiary": ref("beneficiary", "beneficiary", "Patient"),
		"status":      tokenCode("status", "status"),
	},
	"Claim": {
		"patient": ref("patient", "patient", "Patient"),
		"status":  tokenCode("status", "status"),
	},
	"ExplanationOfBenefit": {
		"patient": ref("patient", "patient", "Patient"),
		"status":  tokenCode("status", "status"),
	},
	"RelatedPerson": {
		"patient": ref("patient", "patient", "Patient"),
		"name":    str("name", "name.family"),
	},
	"Specimen": {
		"patient": ref("patient", "subject", "Patient"),
		"type":    tokenCC("type", "type"),
	},
	"Provenance": {
		"target": ref("target", "target", "Patient", "Observation", "Condition"),
		"agent":  ref("agent", "agent.who", "Practitioner", "Organization"),
	},
	"Group": {
		"identifier": tokenSimple("identifier", "identifier"),
		"type":       tokenCode("type", "type"),
		"member":     ref("member", "member.entity", "Patient"),
	},
}

// ResolveParam looks up a search parameter definition for a resource type.
// Common parameters (_id, _lastUpdated, ...) are recognized for every type.
func ResolveParam(resourceType, name string) (ParamDef, error) {
	if def, ok := commonParams[name]; ok {
		return def, nil
	}
	params, ok := paramRegistry[resourceType]
	if ok {
		if def, ok := params[name]; ok {
			return def, nil
		}
	}
	return ParamDef{}, BadRequest("unknown search parameter %q for resource type %s", name, resourceType)
}

// KnownResourceType reports whether the server recognizes a resource type in
// its search parameter registry or routes it to the General collection.
func KnownResourceType(resourceType string) bool {
	if _, ok := paramRegistry[resourceType]; ok {
		return true
	}
	return dedicatedCollections[resourceType]
}

// SearchParamsFor lists the registered parameter definitions for a type in
// name order, used by the CapabilityStatement builder.
func SearchParamsFor(resourceType string) []ParamDef {
	params := paramRegistry[resourceType]
	defs := make([]ParamDef, 0, len(params))
	for _, def := range params {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ResourceTypesWithParams lists every resource type in the registry,
// alphabetically.
func ResourceTypesWithParams() []string {
	types := make([]string, 0, len(paramRegistry))
	for rt := range paramRegistry {
		types = append(types, rt)
	}
	sort.Strings(types)
	return types
}

// ValidateChainTarget checks that a chained parameter's target type is
// permitted by the reference definition.
func ValidateChainTarget(def ParamDef, target string) error {
	if def.Type != ParamReference {
		return BadRequest("parameter %q is not a reference and cannot be chained", def.Name)
	}
	if target == "" {
		if len(def.Targets) == 1 {
			return nil
		}
		return BadRequest("chained parameter %q is ambiguous; qualify the target type (%v)", def.Name, def.Targets)
	}
	for _, t := range def.Targets {
		if t == target {
			return nil
		}
	}
	return BadRequest("type %q is not a valid target for parameter %q", target, def.Name)
}
