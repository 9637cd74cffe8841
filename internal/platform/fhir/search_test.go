package fhir

import (
	"errors"
	"testing"
)

func TestParseSearchValue(t *testing.T) {
	tests := []struct {
		raw    string
		prefix SearchPrefix
		value  string
	}{
		{"gt2023-01-01", PrefixGt, "2023-01-01"},
		{"le100", PrefixLe, "100"},
		{"2023-01-01", PrefixEq, "2023-01-01"},
		{"100", PrefixEq, "100"},
		{"ne5", PrefixNe, "5"},
		{"sa2024-06-01", PrefixSa, "2024-06-01"},
		{"eb2024-06-01", PrefixEb, "2024-06-01"},
		// A leading prefix-looking pair followed by letters is a plain value.
		{"lead", PrefixEq, "lead"},
		{"new", PrefixEq, "new"},
		{"", PrefixEq, ""},
	}
	for _, tt := range tests {
		got := ParseSearchValue(tt.raw)
		if got.Prefix != tt.prefix || got.Value != tt.value {
			t.Errorf("ParseSearchValue(%q) = (%s, %q), want (%s, %q)",
				tt.raw, got.Prefix, got.Value, tt.prefix, tt.value)
		}
	}
}

func TestParseParamModifier(t *testing.T) {
	tests := []struct {
		raw      string
		name     string
		modifier SearchModifier
	}{
		{"name:exact", "name", ModifierExact},
		{"code:not", "code", ModifierNot},
		{"birthdate", "birthdate", ModifierNone},
		{"identifier:missing", "identifier", ModifierMissing},
	}
	for _, tt := range tests {
		name, mod := ParseParamModifier(tt.raw)
		if name != tt.name || mod != tt.modifier {
			t.Errorf("ParseParamModifier(%q) = (%q, %q), want (%q, %q)",
				tt.raw, name, mod, tt.name, tt.modifier)
		}
	}
}

func TestParseSearchFilters(t *testing.T) {
	req, err := ParseSearch("Patient", "name=smith&gender=male&birthdate=ge1990-01-01", 50)
	if err != nil {
		t.Fatalf("ParseSearch: %v", err)
	}
	if len(req.Filters) != 3 {
		t.Fatalf("expected 3 filters, got %d", len(req.Filters))
	}
	// Order follows the URL.
	if req.Filters[0].Def.Name != "name" || req.Filters[1].Def.Name != "gender" || req.Filters[2].Def.Name != "birthdate" {
		t.Errorf("filters out of order: %+v", req.Filters)
	}
	if req.Count != 50 {
		t.Errorf("default count = %d, want 50", req.Count)
	}
}

func TestParseSearchUnknownParam(t *testing.T) {
	_, err := ParseSearch("Patient", "favorite-color=blue", 50)
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindBadRequest {
		t.Fatalf("expected bad request for unknown parameter, got %v", err)
	}
}

func TestParseSearchCountClamped(t *testing.T) {
	req, err := ParseSearch("Patient", "_count=500", 50)
	if err != nil {
		t.Fatalf("ParseSearch: %v", err)
	}
	if req.Count != 50 {
		t.Errorf("count = %d, want clamped to 50", req.Count)
	}
}

func TestParseSearchControlParams(t *testing.T) {
	req, err := ParseSearch("Patient", "_count=10&_offset=20&_sort=-birthdate,family&_summary=count", 50)
	if err != nil {
		t.Fatalf("ParseSearch: %v", err)
	}
	if req.Count != 10 || req.Offset != 20 {
		t.Errorf("paging = (%d, %d), want (10, 20)", req.Count, req.Offset)
	}
	if len(req.Sort) != 2 || !req.Sort[0].Desc || req.Sort[0].Field != "birthDate" || req.Sort[1].Field != "name.family" {
		t.Errorf("sort = %+v", req.Sort)
	}
	if req.Summary != "count" {
		t.Errorf("summary = %q", req.Summary)
	}
}

func TestParseSearchInclude(t *testing.T) {
	req, err := ParseSearch("Encounter", "_include=Encounter:patient&_revinclude=Observation:encounter", 50)
	if err != nil {
		t.Fatalf("ParseSearch: %v", err)
	}
	if len(req.Includes) != 1 || req.Includes[0].Param != "patient" {
		t.Errorf("includes = %+v", req.Includes)
	}
	if len(req.RevIncludes) != 1 || req.RevIncludes[0].Source != "Observation" {
		t.Errorf("revincludes = %+v", req.RevIncludes)
	}
}

func TestParseSearchIncludeIterateRejected(t *testing.T) {
	_, err := ParseSearch("Encounter", "_include=Encounter:patient:iterate", 50)
	var fe *Error
	if !errors.As(err, &fe) || fe.IssueCode != IssueTypeNotSupported {
		t.Fatalf("expected not-supported for :iterate, got %v", err)
	}
}

func TestParseSearchChain(t *testing.T) {
	req, err := ParseSearch("Observation", "subject:Patient.name=smith", 50)
	if err != nil {
		t.Fatalf("ParseSearch: %v", err)
	}
	if len(req.Chains) != 1 {
		t.Fatalf("expected 1 chain, got %d", len(req.Chains))
	}
	ch := req.Chains[0]
	if ch.TargetType != "Patient" || ch.Rest != "name" || ch.Raw != "smith" {
		t.Errorf("chain = %+v", ch)
	}
}

func TestParseSearchChainAmbiguousTarget(t *testing.T) {
	// Observation.subject allows several targets, so an unqualified chain
	// is ambiguous.
	_, err := ParseSearch("Observation", "subject.name=smith", 50)
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindBadRequest {
		t.Fatalf("expected bad request for ambiguous chain, got %v", err)
	}
}

func TestParseSearchChainSingleTargetImplied(t *testing.T) {
	req, err := ParseSearch("Observation", "patient.name=smith", 50)
	if err != nil {
		t.Fatalf("ParseSearch: %v", err)
	}
	if req.Chains[0].TargetType != "Patient" {
		t.Errorf("target = %q, want Patient", req.Chains[0].TargetType)
	}
}

func TestParseSearchChainTooDeep(t *testing.T) {
	_, err := ParseSearch("Observation", "subject:Patient.organization.partof.name=acme", 50)
	if err == nil {
		t.Fatal("expected error for chain deeper than two levels")
	}
}

func TestParseSearchModifierMismatch(t *testing.T) {
	tests := []string{
		"birthdate:exact=1990-01-01",
		"name:not=smith",
		"gender:contains=male",
	}
	for _, q := range tests {
		if _, err := ParseSearch("Patient", q, 50); err == nil {
			t.Errorf("ParseSearch(%q): expected modifier mismatch error", q)
		}
	}
}

func TestParseSearchDuplicateDateBounds(t *testing.T) {
	rejected := []struct {
		name  string
		query string
	}{
		{"two unqualified", "date=2023-01-01&date=2024-01-01"},
		{"two lower", "date=ge2023-01-01&date=gt2023-06-01"},
		{"two upper", "date=le2024-01-01&date=lt2023-06-01"},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSearch("Observation", tt.query, 50)
			var fe *Error
			if !errors.As(err, &fe) || fe.Kind != KindBadRequest {
				t.Fatalf("ParseSearch(%q) err = %v, want bad request", tt.query, err)
			}
		})
	}

	// One lower plus one upper bound is a window, not a contradiction.
	if _, err := ParseSearch("Observation", "date=ge2023-01-01&date=le2023-12-31", 50); err != nil {
		t.Fatalf("range query rejected: %v", err)
	}
}

func TestResolveDateBounds(t *testing.T) {
	tests := []struct {
		raw            string
		start, end     string
		incStart, incEnd bool
	}{
		{"2023", "2023-01-01T00:00:00Z", "2023-12-31T23:59:59Z", true, true},
		{"2023-05", "2023-05-01T00:00:00Z", "2023-05-31T23:59:59Z", true, true},
		{"2023-05-10", "2023-05-10T00:00:00Z", "2023-05-10T23:59:59Z", true, true},
		{"ge2023-05-10", "2023-05-10T00:00:00Z", "", true, false},
		{"gt2023-05-10", "2023-05-10T23:59:59Z", "", false, false},
		{"lt2023-05-10", "", "2023-05-10T00:00:00Z", false, false},
		{"le2023-05-10", "", "2023-05-10T23:59:59Z", false, true},
	}
	for _, tt := range tests {
		bounds, err := ResolveDateBounds(ParseSearchValue(tt.raw))
		if err != nil {
			t.Errorf("ResolveDateBounds(%q): %v", tt.raw, err)
			continue
		}
		if bounds.Start != tt.start || bounds.End != tt.end ||
			bounds.InclusiveStart != tt.incStart || bounds.InclusiveEnd != tt.incEnd {
			t.Errorf("ResolveDateBounds(%q) = %+v, want start=%q end=%q", tt.raw, bounds, tt.start, tt.end)
		}
	}
}

func TestResolveDateBoundsInvalid(t *testing.T) {
	if _, err := ResolveDateBounds(ParseSearchValue("not-a-date")); err == nil {
		t.Fatal("expected error for invalid date")
	}
}
