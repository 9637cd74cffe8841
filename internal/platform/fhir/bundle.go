package fhir

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Bundle is the FHIR Bundle resource, used for search results, history and
// transactions. Resource bodies stay as raw JSON end to end.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int64        `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
	IfMatch     string `json:"ifMatch,omitempty"`
}

type BundleResponse struct {
	Status       string          `json:"status"`
	Location     string          `json:"location,omitempty"`
	Etag         string          `json:"etag,omitempty"`
	LastModified string          `json:"lastModified,omitempty"`
	Outcome      json.RawMessage `json:"outcome,omitempty"`
}

const (
	BundleTypeSearchSet           = "searchset"
	BundleTypeHistory             = "history"
	BundleTypeTransaction         = "transaction"
	BundleTypeBatch               = "batch"
	BundleTypeTransactionResponse = "transaction-response"
	BundleTypeBatchResponse       = "batch-response"
)

// BuildSearchBundle assembles a searchset from a hydrated result via the
// parsed path. The fastpath in fastpath.go produces the same shape from raw
// bytes; this path handles _elements and other cases that need the parse.
func BuildSearchBundle(req *SearchRequest, result *Result, baseURL string) (*Bundle, error) {
	bundle := &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeSearchSet,
		Total:        &result.Total,
		Link:         PagingLinks(req, result.Total, baseURL),
	}
	if req.Summary == "count" {
		return bundle, nil
	}

	for _, entry := range result.Entries {
		body := entry.Body
		if len(req.Elements) > 0 && entry.Mode == "match" {
			filtered, err := applyElements(body, req.Elements)
			if err != nil {
				return nil, Internal(fmt.Errorf("filter elements of %s: %w", entry.Key, err))
			}
			body = filtered
		}
		bundle.Entry = append(bundle.Entry, BundleEntry{
			FullURL:  baseURL + "/" + entry.Key,
			Resource: body,
			Search:   &BundleSearch{Mode: entry.Mode},
		})
	}
	return bundle, nil
}

// PagingLinks builds self/next/previous links from the page window.
func PagingLinks(req *SearchRequest, total int64, baseURL string) []BundleLink {
	self := searchURL(req, baseURL, req.Offset)
	links := []BundleLink{{Relation: "self", URL: self}}
	if req.Count == 0 {
		return links
	}
	if int64(req.Offset+req.Count) < total {
		links = append(links, BundleLink{Relation: "next", URL: searchURL(req, baseURL, req.Offset+req.Count)})
	}
	if req.Offset > 0 {
		prev := req.Offset - req.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, BundleLink{Relation: "previous", URL: searchURL(req, baseURL, prev)})
	}
	return links
}

// searchURL renders the canonical URL of a page. Filters render in request
// order so self links are stable.
func searchURL(req *SearchRequest, baseURL string, offset int) string {
	q := url.Values{}
	var order []string
	add := func(key, value string) {
		if _, seen := q[key]; !seen {
			order = append(order, key)
		}
		q.Add(key, value)
	}
	for _, f := range req.Filters {
		key := f.Def.Name
		if f.Modifier != ModifierNone {
			key += ":" + string(f.Modifier)
		}
		add(key, f.Raw)
	}
	for _, inc := range req.Includes {
		add("_include", includeValue(inc))
	}
	for _, inc := range req.RevIncludes {
		add("_revinclude", includeValue(inc))
	}
	if len(req.Sort) > 0 {
		sorts := make([]string, len(req.Sort))
		for i, s := range req.Sort {
			if s.Desc {
				sorts[i] = "-" + s.Field
			} else {
				sorts[i] = s.Field
			}
		}
		add("_sort", strings.Join(sorts, ","))
	}
	if req.Summary != "" {
		add("_summary", req.Summary)
	}
	if len(req.Elements) > 0 {
		add("_elements", strings.Join(req.Elements, ","))
	}
	add("_count", strconv.Itoa(req.Count))
	if offset > 0 {
		add("_offset", strconv.Itoa(offset))
	}

	var buf []byte
	for _, key := range order {
		for _, v := range q[key] {
			if len(buf) > 0 {
				buf = append(buf, '&')
			}
			buf = append(buf, url.QueryEscape(key)...)
			buf = append(buf, '=')
			buf = append(buf, url.QueryEscape(v)...)
		}
	}
	return baseURL + "/" + req.ResourceType + "?" + string(buf)
}

func includeValue(spec IncludeSpec) string {
	v := spec.Source + ":" + spec.Param
	if spec.Target != "" {
		v += ":" + spec.Target
	}
	return v
}

// elementsAlwaysKept are mandatory regardless of the _elements selection.
var elementsAlwaysKept = map[string]bool{
	"resourceType": true,
	"id":           true,
	"meta":         true,
}

// applyElements prunes a resource to the requested top-level elements.
func applyElements(body []byte, elements []string) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	keep := make(map[string]bool, len(elements))
	for _, el := range elements {
		keep[el] = true
	}
	for field := range doc {
		if !elementsAlwaysKept[field] && !keep[field] {
			delete(doc, field)
		}
	}
	return json.Marshal(doc)
}
