package fhir

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SearchPrefix represents a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa" // starts after
	PrefixEb SearchPrefix = "eb" // ends before
	PrefixAp SearchPrefix = "ap" // approximately
)

// SearchModifier represents a FHIR search modifier.
type SearchModifier string

const (
	ModifierNone     SearchModifier = ""
	ModifierExact    SearchModifier = "exact"
	ModifierContains SearchModifier = "contains"
	ModifierText     SearchModifier = "text"
	ModifierNot      SearchModifier = "not"
	ModifierMissing  SearchModifier = "missing"
	ModifierIn       SearchModifier = "in"
	ModifierOfType   SearchModifier = "of-type"
)

// ParsedValue holds a parsed search value with its prefix.
type ParsedValue struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the prefix from a FHIR search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "100" -> (eq, "100")
func ParseSearchValue(raw string) ParsedValue {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			// A prefix must be followed by a value that does not continue the
			// word, so "lead" stays a string and "le2023" parses as le+2023.
			rest := raw[2:]
			if rest != "" && !isLetter(rest[0]) {
				return ParsedValue{Prefix: prefix, Value: rest}
			}
		}
	}
	return ParsedValue{Prefix: PrefixEq, Value: raw}
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// ParseParamModifier splits a parameter name from its modifier.
// Examples: "name:exact" -> ("name", "exact"), "code" -> ("code", "")
func ParseParamModifier(paramName string) (string, SearchModifier) {
	parts := strings.SplitN(paramName, ":", 2)
	if len(parts) == 2 {
		return parts[0], SearchModifier(parts[1])
	}
	return parts[0], ModifierNone
}

// Filter is one search predicate against the base resource type. Raw may hold
// a comma-separated OR list; the translator expands it to disjuncts.
type Filter struct {
	Def      ParamDef
	Modifier SearchModifier
	Raw      string
}

// ChainFilter is a predicate against a referenced resource, e.g.
// subject:Patient.name=smith. Rest is the remaining chain expression.
type ChainFilter struct {
	Def        ParamDef
	TargetType string
	Rest       string
	Modifier   SearchModifier
	Raw        string
}

// IncludeSpec is one _include or _revinclude directive.
type IncludeSpec struct {
	Source string
	Param  string
	Target string
}

// SortKey is one _sort component, already resolved to its index field.
type SortKey struct {
	Field string
	Desc  bool
}

// SearchRequest is a fully parsed search, ready for translation. Filter
// order follows the URL so query plans are deterministic.
type SearchRequest struct {
	ResourceType string
	Filters      []Filter
	Chains       []ChainFilter
	Count        int
	Offset       int
	Sort         []SortKey
	Includes     []IncludeSpec
	RevIncludes  []IncludeSpec
	Summary      string
	Elements     []string
	Total        string
}

// controlParams are handled outside the parameter registry.
var controlParams = map[string]bool{
	"_count": true, "_offset": true, "_sort": true, "_include": true,
	"_revinclude": true, "_summary": true, "_elements": true, "_total": true,
	"_format": true, "_pretty": true,
}

// ParseSearch parses a raw query string into a SearchRequest. maxCount caps
// _count; requests above the cap are clamped, not rejected.
func ParseSearch(resourceType, rawQuery string, maxCount int) (*SearchRequest, error) {
	req := &SearchRequest{
		ResourceType: resourceType,
		Count:        maxCount,
	}

	pairs, err := splitQueryOrdered(rawQuery)
	if err != nil {
		return nil, BadRequest("malformed query string: %s", err.Error())
	}

	for _, pair := range pairs {
		key, value := pair[0], pair[1]
		if controlParams[key] {
			if err := req.applyControl(key, value, maxCount); err != nil {
				return nil, err
			}
			continue
		}

		// Chained parameter: reference param, optional :Type qualifier, then
		// a dotted path into the target resource.
		if dot := strings.Index(key, "."); dot >= 0 {
			if err := req.addChain(key[:dot], key[dot+1:], value); err != nil {
				return nil, err
			}
			continue
		}

		name, modifier := ParseParamModifier(key)
		def, err := ResolveParam(resourceType, name)
		if err != nil {
			return nil, err
		}
		// A type qualifier on a reference param (subject:Patient=...) is a
		// modifier syntactically but a target restriction semantically.
		if def.Type == ParamReference && modifier != ModifierNone && modifier != ModifierMissing {
			if err := ValidateChainTarget(def, string(modifier)); err != nil {
				return nil, err
			}
			req.Filters = append(req.Filters, Filter{Def: def, Modifier: ModifierNone, Raw: string(modifier) + "/" + value})
			continue
		}
		if err := validateModifier(def, modifier); err != nil {
			return nil, err
		}
		req.Filters = append(req.Filters, Filter{Def: def, Modifier: modifier, Raw: value})
	}

	if err := validateDateBounds(req.Filters); err != nil {
		return nil, err
	}
	return req, nil
}

// validateDateBounds rejects contradictory repeats of one date parameter.
// Repeated filters AND together, so two unqualified values, two lower bounds
// or two upper bounds can never both hold.
func validateDateBounds(filters []Filter) error {
	type boundCount struct{ point, lower, upper int }
	counts := make(map[string]*boundCount)
	for _, f := range filters {
		if f.Def.Type != ParamDate || f.Modifier == ModifierMissing {
			continue
		}
		if strings.Contains(f.Raw, ",") {
			// A comma list is one disjunct, not an extra bound.
			continue
		}
		bc := counts[f.Def.Name]
		if bc == nil {
			bc = &boundCount{}
			counts[f.Def.Name] = bc
		}
		switch ParseSearchValue(f.Raw).Prefix {
		case PrefixGt, PrefixGe, PrefixSa:
			bc.lower++
		case PrefixLt, PrefixLe, PrefixEb:
			bc.upper++
		case PrefixNe, PrefixAp:
			// Exclusions and approximations stay satisfiable when repeated.
		default:
			bc.point++
		}
		switch {
		case bc.point > 1:
			return BadRequest("multiple unqualified date values for parameter %q", f.Def.Name)
		case bc.lower > 1:
			return BadRequest("multiple lower date bounds for parameter %q", f.Def.Name)
		case bc.upper > 1:
			return BadRequest("multiple upper date bounds for parameter %q", f.Def.Name)
		}
	}
	return nil
}

func (r *SearchRequest) applyControl(key, value string, maxCount int) error {
	switch key {
	case "_count":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return BadRequest("_count must be a non-negative integer, got %q", value)
		}
		if n > maxCount {
			n = maxCount
		}
		r.Count = n
	case "_offset":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return BadRequest("_offset must be a non-negative integer, got %q", value)
		}
		r.Offset = n
	case "_sort":
		for _, field := range strings.Split(value, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			desc := strings.HasPrefix(field, "-")
			name := strings.TrimPrefix(field, "-")
			def, err := ResolveParam(r.ResourceType, name)
			if err != nil {
				return BadRequest("cannot sort by unknown parameter %q", name)
			}
			r.Sort = append(r.Sort, SortKey{Field: def.FieldPath, Desc: desc})
		}
	case "_include":
		spec, err := parseIncludeSpec(value)
		if err != nil {
			return err
		}
		r.Includes = append(r.Includes, spec)
	case "_revinclude":
		spec, err := parseIncludeSpec(value)
		if err != nil {
			return err
		}
		r.RevIncludes = append(r.RevIncludes, spec)
	case "_summary":
		switch value {
		case "true", "false", "count", "data", "text":
			r.Summary = value
		default:
			return BadRequest("_summary must be one of true|false|count|data|text, got %q", value)
		}
	case "_elements":
		for _, el := range strings.Split(value, ",") {
			if el = strings.TrimSpace(el); el != "" {
				r.Elements = append(r.Elements, el)
			}
		}
	case "_total":
		r.Total = value
	case "_format", "_pretty":
		// JSON only; accepted and ignored.
	}
	return nil
}

func (r *SearchRequest) addChain(head, rest, value string) error {
	name, qualifier := ParseParamModifier(head)
	def, err := ResolveParam(r.ResourceType, name)
	if err != nil {
		return err
	}
	if err := ValidateChainTarget(def, string(qualifier)); err != nil {
		return err
	}
	target := string(qualifier)
	if target == "" {
		target = def.Targets[0]
	}
	if strings.Count(rest, ".") > 1 {
		return BadRequest("chained search deeper than two levels is not supported: %s.%s", head, rest)
	}
	modifier := ModifierNone
	if !strings.Contains(rest, ".") {
		rest, modifier = ParseParamModifier(rest)
	}
	r.Chains = append(r.Chains, ChainFilter{
		Def:        def,
		TargetType: target,
		Rest:       rest,
		Modifier:   modifier,
		Raw:        value,
	})
	return nil
}

// parseIncludeSpec parses "Encounter:patient" or "Encounter:patient:Patient".
// The :iterate modifier is recognized and rejected.
func parseIncludeSpec(value string) (IncludeSpec, error) {
	parts := strings.Split(value, ":")
	for _, p := range parts {
		if p == "iterate" || p == "recurse" {
			return IncludeSpec{}, &Error{
				Kind:        KindBadRequest,
				IssueCode:   IssueTypeNotSupported,
				Diagnostics: "_include:iterate is not supported",
			}
		}
	}
	switch len(parts) {
	case 2:
		return IncludeSpec{Source: parts[0], Param: parts[1]}, nil
	case 3:
		return IncludeSpec{Source: parts[0], Param: parts[1], Target: parts[2]}, nil
	default:
		return IncludeSpec{}, BadRequest("malformed include specification %q; expected Type:parameter[:Target]", value)
	}
}

func validateModifier(def ParamDef, modifier SearchModifier) error {
	switch modifier {
	case ModifierNone, ModifierMissing:
		return nil
	case ModifierExact, ModifierContains:
		if def.Type != ParamString {
			return BadRequest("modifier :%s applies only to string parameters, not %s %q", modifier, def.Type, def.Name)
		}
		return nil
	case ModifierText, ModifierNot:
		if def.Type != ParamToken {
			return BadRequest("modifier :%s applies only to token parameters, not %s %q", modifier, def.Type, def.Name)
		}
		return nil
	case ModifierIn, ModifierOfType:
		return &Error{
			Kind:        KindBadRequest,
			IssueCode:   IssueTypeNotSupported,
			Diagnostics: fmt.Sprintf("modifier :%s is not supported", modifier),
		}
	default:
		return BadRequest("unsupported search modifier :%s on parameter %q", modifier, def.Name)
	}
}

// splitQueryOrdered splits a raw query string preserving parameter order,
// which url.Values discards.
func splitQueryOrdered(rawQuery string) ([][2]string, error) {
	if rawQuery == "" {
		return nil, nil
	}
	var pairs [][2]string
	for _, segment := range strings.Split(rawQuery, "&") {
		if segment == "" {
			continue
		}
		var key, value string
		if eq := strings.Index(segment, "="); eq >= 0 {
			key, value = segment[:eq], segment[eq+1:]
		} else {
			key = segment
		}
		k, err := url.QueryUnescape(key)
		if err != nil {
			return nil, fmt.Errorf("parameter name %q: %w", key, err)
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("parameter %q value: %w", k, err)
		}
		pairs = append(pairs, [2]string{k, v})
	}
	return pairs, nil
}

// DateBounds resolves a prefixed date value to an inclusive [start, end]
// window honoring FHIR date precision: "2023" covers the year, "2023-05"
// the month, "2023-05-10" the day.
type DateBounds struct {
	Start          string
	End            string
	InclusiveStart bool
	InclusiveEnd   bool
}

// ResolveDateBounds converts one parsed date value into range bounds.
func ResolveDateBounds(parsed ParsedValue) (DateBounds, error) {
	start, end, err := datePrecisionWindow(parsed.Value)
	if err != nil {
		return DateBounds{}, BadRequest("invalid date value %q: %s", parsed.Value, err.Error())
	}
	switch parsed.Prefix {
	case PrefixEq:
		return DateBounds{Start: start, End: end, InclusiveStart: true, InclusiveEnd: true}, nil
	case PrefixGt, PrefixSa:
		return DateBounds{Start: end, InclusiveStart: false}, nil
	case PrefixGe:
		return DateBounds{Start: start, InclusiveStart: true}, nil
	case PrefixLt, PrefixEb:
		return DateBounds{End: start, InclusiveEnd: false}, nil
	case PrefixLe:
		return DateBounds{End: end, InclusiveEnd: true}, nil
	case PrefixAp:
		// Approximate widens the window by a day on each side.
		s, _ := time.Parse(time.RFC3339, start)
		e, _ := time.Parse(time.RFC3339, end)
		return DateBounds{
			Start:          s.Add(-24 * time.Hour).Format(time.RFC3339),
			End:            e.Add(24 * time.Hour).Format(time.RFC3339),
			InclusiveStart: true,
			InclusiveEnd:   true,
		}, nil
	case PrefixNe:
		// ne is handled by the translator as a negated eq window.
		return DateBounds{Start: start, End: end, InclusiveStart: true, InclusiveEnd: true}, nil
	default:
		return DateBounds{}, BadRequest("prefix %q is not valid for date parameters", parsed.Prefix)
	}
}

// datePrecisionWindow expands a partial date to the RFC3339 window it covers.
func datePrecisionWindow(s string) (string, string, error) {
	type layout struct {
		format string
		step   func(time.Time) time.Time
	}
	layouts := []layout{
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{time.RFC3339, func(t time.Time) time.Time { return t.Add(time.Second) }},
	}
	for _, l := range layouts {
		t, err := time.Parse(l.format, s)
		if err != nil {
			continue
		}
		start := t.UTC()
		end := l.step(start).Add(-time.Second)
		return start.Format(time.RFC3339), end.Format(time.RFC3339), nil
	}
	return "", "", fmt.Errorf("unrecognized date format")
}
