package fhir

import (
	"strconv"
	"strings"

	"github.com/couchbase/gocb/v2/search"
)

// QueryPlan is the translated form of a SearchRequest: one FTS index, one
// conjunction query, paging and sort ready to hand to the cluster.
type QueryPlan struct {
	Index string
	Query search.Query
	Limit int
	Skip  int
	Sort  []string
}

// TranslateQuery compiles a parsed search into an FTS query plan. Filters
// combine as conjuncts; comma-separated values within one filter become
// disjuncts. Chained filters must already be rewritten into plain filters by
// the engine.
func TranslateQuery(req *SearchRequest, bucket string) (*QueryPlan, error) {
	if len(req.Chains) > 0 {
		return nil, BadRequest("unresolved chained parameters in query plan")
	}

	conjuncts := make([]search.Query, 0, len(req.Filters)+1)
	// Types sharing the General collection need a discriminator conjunct.
	if !dedicatedCollections[req.ResourceType] {
		conjuncts = append(conjuncts, search.NewTermQuery(req.ResourceType).Field("resourceType"))
	}

	for _, f := range req.Filters {
		q, err := translateFilter(f)
		if err != nil {
			return nil, err
		}
		conjuncts = append(conjuncts, q)
	}

	var query search.Query
	switch len(conjuncts) {
	case 0:
		query = search.NewMatchAllQuery()
	case 1:
		query = conjuncts[0]
	default:
		query = search.NewConjunctionQuery(conjuncts...)
	}

	plan := &QueryPlan{
		Index: SearchIndexName(bucket, req.ResourceType),
		Query: query,
		Limit: req.Count,
		Skip:  req.Offset,
	}
	for _, s := range req.Sort {
		if s.Desc {
			plan.Sort = append(plan.Sort, "-"+s.Field)
		} else {
			plan.Sort = append(plan.Sort, s.Field)
		}
	}
	return plan, nil
}

// translateFilter compiles one filter. The OR list expands first so prefixes
// and modifiers apply per value.
func translateFilter(f Filter) (search.Query, error) {
	if f.Modifier == ModifierMissing {
		return missingQuery(f)
	}

	values := strings.Split(f.Raw, ",")
	queries := make([]search.Query, 0, len(values))
	for _, v := range values {
		q, err := translateValue(f, v)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}

	var q search.Query
	if len(queries) == 1 {
		q = queries[0]
	} else {
		q = search.NewDisjunctionQuery(queries...)
	}

	if f.Modifier == ModifierNot {
		return negate(q), nil
	}
	return q, nil
}

func translateValue(f Filter, value string) (search.Query, error) {
	switch f.Def.Type {
	case ParamToken:
		return tokenQuery(f, value)
	case ParamString:
		return stringQuery(f, value), nil
	case ParamDate:
		return dateQuery(f.Def, value)
	case ParamNumber:
		return numberQuery(f.Def.FieldPath, value)
	case ParamQuantity:
		return quantityQuery(f.Def, value)
	case ParamReference:
		return referenceQuery(f.Def, value), nil
	case ParamURI:
		return search.NewTermQuery(value).Field(f.Def.FieldPath), nil
	case ParamSpecial:
		// _text searches the default field across the document.
		return search.NewMatchQuery(value), nil
	default:
		return nil, &Error{
			Kind:        KindBadRequest,
			IssueCode:   IssueTypeNotSupported,
			Diagnostics: "composite search parameters are not supported",
		}
	}
}

// tokenQuery handles system|code forms. "system|code" constrains both
// fields, "system|" the system only, "|code" the code only, a bare value
// the code only. Definitions with an implied system add it as a conjunct.
func tokenQuery(f Filter, value string) (search.Query, error) {
	def := f.Def

	if f.Modifier == ModifierText {
		return search.NewMatchQuery(value).Field(tokenTextField(def)), nil
	}

	system, code := "", value
	if strings.Contains(value, "|") {
		parts := strings.SplitN(value, "|", 2)
		system, code = parts[0], parts[1]
	}
	if def.SystemValue != "" {
		system = def.SystemValue
	}

	var parts []search.Query
	if system != "" {
		if !def.HasSystem {
			return nil, BadRequest("parameter %q does not carry a system", def.Name)
		}
		parts = append(parts, search.NewTermQuery(system).Field(def.SystemField))
	}
	if code != "" {
		parts = append(parts, search.NewTermQuery(code).Field(def.FieldPath))
	}
	switch len(parts) {
	case 0:
		return nil, BadRequest("empty token value for parameter %q", def.Name)
	case 1:
		return parts[0], nil
	default:
		return search.NewConjunctionQuery(parts...), nil
	}
}

// tokenTextField is the human-readable sibling of a coded field.
func tokenTextField(def ParamDef) string {
	if strings.HasSuffix(def.FieldPath, ".coding.code") {
		return strings.TrimSuffix(def.FieldPath, ".coding.code") + ".text"
	}
	return def.FieldPath
}

func stringQuery(f Filter, value string) search.Query {
	field := f.Def.FieldPath
	switch f.Modifier {
	case ModifierExact:
		return search.NewTermQuery(value).Field(field)
	case ModifierContains:
		// Wildcard terms are not analyzed, so fold case here.
		return search.NewWildcardQuery("*" + strings.ToLower(value) + "*").Field(field)
	default:
		return search.NewPrefixQuery(strings.ToLower(value)).Field(field)
	}
}

func dateQuery(def ParamDef, value string) (search.Query, error) {
	parsed := ParseSearchValue(value)
	bounds, err := ResolveDateBounds(parsed)
	if err != nil {
		return nil, err
	}
	q := search.NewDateRangeQuery().Field(def.FieldPath)
	if bounds.Start != "" {
		q = q.Start(bounds.Start, bounds.InclusiveStart)
	}
	if bounds.End != "" {
		q = q.End(bounds.End, bounds.InclusiveEnd)
	}
	if parsed.Prefix == PrefixNe {
		return negate(q), nil
	}
	return q, nil
}

func numberQuery(field, value string) (search.Query, error) {
	parsed := ParseSearchValue(value)
	n, err := strconv.ParseFloat(parsed.Value, 64)
	if err != nil {
		return nil, BadRequest("invalid numeric value %q", parsed.Value)
	}
	v := float32(n)
	q := search.NewNumericRangeQuery().Field(field)
	switch parsed.Prefix {
	case PrefixEq:
		return q.Min(v, true).Max(v, true), nil
	case PrefixNe:
		return negate(q.Min(v, true).Max(v, true)), nil
	case PrefixGt, PrefixSa:
		return q.Min(v, false), nil
	case PrefixGe:
		return q.Min(v, true), nil
	case PrefixLt, PrefixEb:
		return q.Max(v, false), nil
	case PrefixLe:
		return q.Max(v, true), nil
	case PrefixAp:
		delta := float32(0.1) * v
		if delta < 0 {
			delta = -delta
		}
		return q.Min(v-delta, true).Max(v+delta, true), nil
	default:
		return nil, BadRequest("prefix %q is not valid for number parameters", parsed.Prefix)
	}
}

// quantityQuery handles value[|system|code] forms. The numeric part follows
// number semantics; a unit code adds a conjunct on the sibling code field.
func quantityQuery(def ParamDef, value string) (search.Query, error) {
	parts := strings.Split(value, "|")
	numeric, err := numberQuery(def.FieldPath, parts[0])
	if err != nil {
		return nil, err
	}
	if len(parts) < 3 || parts[2] == "" {
		return numeric, nil
	}
	codeField := strings.TrimSuffix(def.FieldPath, ".value") + ".code"
	return search.NewConjunctionQuery(
		numeric,
		search.NewTermQuery(parts[2]).Field(codeField),
	), nil
}

// referenceQuery matches the literal reference string. Bare ids expand to
// Type/id over the allowed targets.
func referenceQuery(def ParamDef, value string) search.Query {
	if strings.Contains(value, "/") || len(def.Targets) == 0 {
		return search.NewTermQuery(value).Field(def.FieldPath)
	}
	if len(def.Targets) == 1 {
		return search.NewTermQuery(def.Targets[0] + "/" + value).Field(def.FieldPath)
	}
	queries := make([]search.Query, 0, len(def.Targets))
	for _, t := range def.Targets {
		queries = append(queries, search.NewTermQuery(t+"/"+value).Field(def.FieldPath))
	}
	return search.NewDisjunctionQuery(queries...)
}

// missingQuery tests field presence via a wildcard-any term. missing=true
// means no indexed value exists for the field.
func missingQuery(f Filter) (search.Query, error) {
	exists := search.NewWildcardQuery("*").Field(f.Def.FieldPath)
	switch f.Raw {
	case "true":
		return negate(exists), nil
	case "false":
		return exists, nil
	default:
		return nil, BadRequest(":missing requires true or false, got %q", f.Raw)
	}
}

// negate wraps a query so only non-matching documents qualify. The must
// clause keeps the boolean query valid when must_not stands alone.
func negate(q search.Query) search.Query {
	return search.NewBooleanQuery().
		Must(search.NewMatchAllQuery()).
		MustNot(q)
}
