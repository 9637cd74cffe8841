// Package group maintains materialized cohorts: Group resources whose
// membership is the snapshot result of a stored search filter.
package group

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/platform/fhir"
)

// Extension URLs carried on materialized Group resources.
const (
	ExtCreationFilter     = "https://fhirvault.dev/fhir/StructureDefinition/group-creation-filter"
	ExtCreatedBy          = "https://fhirvault.dev/fhir/StructureDefinition/group-created-by"
	ExtLastRefreshed      = "https://fhirvault.dev/fhir/StructureDefinition/group-last-refreshed"
	ExtMemberResourceType = "https://fhirvault.dev/fhir/StructureDefinition/group-member-resource-type"
)

// Searcher is the slice of the search engine the group engine needs.
type Searcher interface {
	Search(ctx context.Context, bucket string, req *fhir.SearchRequest) (*fhir.Result, error)
}

// Writer is the slice of the versioned write path the group engine needs.
type Writer interface {
	Create(ctx context.Context, bucket, resourceType string, body []byte) (*fhir.WriteResult, error)
	Read(ctx context.Context, bucket, resourceType, id string) ([]byte, string, error)
	Update(ctx context.Context, bucket, resourceType, id string, body []byte, ifMatch string) (*fhir.WriteResult, error)
}

// Engine builds and refreshes materialized groups on top of the search engine
// and the versioned write path.
type Engine struct {
	search     Searcher
	writer     Writer
	log        zerolog.Logger
	maxMembers int
	now        func() time.Time
}

func NewEngine(search Searcher, writer Writer, log zerolog.Logger, maxMembers int) *Engine {
	return &Engine{
		search:     search,
		writer:     writer,
		log:        log,
		maxMembers: maxMembers,
		now:        time.Now,
	}
}

type extension struct {
	URL           string `json:"url"`
	ValueString   string `json:"valueString,omitempty"`
	ValueCode     string `json:"valueCode,omitempty"`
	ValueDateTime string `json:"valueDateTime,omitempty"`
}

type member struct {
	Entity reference `json:"entity"`
}

type reference struct {
	Reference string `json:"reference"`
}

type groupResource struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id,omitempty"`
	Meta         json.RawMessage `json:"meta,omitempty"`
	Type         string          `json:"type"`
	Actual       bool            `json:"actual"`
	Name         string          `json:"name,omitempty"`
	Quantity     int             `json:"quantity"`
	Extension    []extension     `json:"extension,omitempty"`
	Member       []member        `json:"member,omitempty"`
}

// Create materializes a new group from a search filter. The filter must match
// at least one resource; membership is capped at the configured maximum.
func (e *Engine) Create(ctx context.Context, bucket, name, resourceType, filter, createdBy string) (*fhir.WriteResult, error) {
	if name == "" {
		return nil, fhir.BadRequest("group name is required")
	}
	if !fhir.KnownResourceType(resourceType) {
		return nil, fhir.BadRequest("unknown member resource type %q", resourceType)
	}

	members, err := e.evaluate(ctx, bucket, resourceType, filter)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fhir.BadRequest("filter %q matches no %s resources; groups cannot be empty", filter, resourceType)
	}

	group := groupResource{
		ResourceType: "Group",
		Type:         "person",
		Actual:       true,
		Name:         name,
		Quantity:     len(members),
		Member:       members,
		Extension: []extension{
			{URL: ExtCreationFilter, ValueString: filter},
			{URL: ExtCreatedBy, ValueString: createdBy},
			{URL: ExtLastRefreshed, ValueDateTime: e.now().UTC().Format(time.RFC3339)},
			{URL: ExtMemberResourceType, ValueCode: resourceType},
		},
	}
	body, err := json.Marshal(group)
	if err != nil {
		return nil, fhir.Internal(err)
	}
	return e.writer.Create(ctx, bucket, "Group", body)
}

// Refresh re-runs the creation filter and replaces the membership snapshot.
// The creation filter itself is immutable.
func (e *Engine) Refresh(ctx context.Context, bucket, id string) (*fhir.WriteResult, error) {
	group, err := e.load(ctx, bucket, id)
	if err != nil {
		return nil, err
	}
	filter := extensionValue(group.Extension, ExtCreationFilter)
	resourceType := extensionValue(group.Extension, ExtMemberResourceType)
	if resourceType == "" {
		return nil, fhir.BadRequest("Group/%s carries no member-resource-type extension and cannot be refreshed", id)
	}

	members, err := e.evaluate(ctx, bucket, resourceType, filter)
	if err != nil {
		return nil, err
	}

	group.Member = members
	group.Quantity = len(members)
	setExtension(group.Extension, ExtLastRefreshed, e.now().UTC().Format(time.RFC3339))
	return e.save(ctx, bucket, id, group)
}

// RemoveMember drops one member by its reference. A reference that is not a
// member is a 400.
func (e *Engine) RemoveMember(ctx context.Context, bucket, id, ref string) (*fhir.WriteResult, error) {
	group, err := e.load(ctx, bucket, id)
	if err != nil {
		return nil, err
	}

	kept := group.Member[:0]
	found := false
	for _, m := range group.Member {
		if m.Entity.Reference == ref {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	if !found {
		return nil, fhir.BadRequest("%s is not a member of Group/%s", ref, id)
	}

	group.Member = kept
	group.Quantity = len(kept)
	return e.save(ctx, bucket, id, group)
}

// evaluate runs the filter and converts matches to member references.
func (e *Engine) evaluate(ctx context.Context, bucket, resourceType, filter string) ([]member, error) {
	req, err := fhir.ParseSearch(resourceType, filter, e.maxMembers)
	if err != nil {
		return nil, err
	}
	req.Count = e.maxMembers
	req.Summary = ""
	req.Includes = nil
	req.RevIncludes = nil

	result, err := e.search.Search(ctx, bucket, req)
	if err != nil {
		return nil, err
	}
	if result.Total > int64(e.maxMembers) {
		e.log.Warn().
			Str("bucket", bucket).
			Str("resourceType", resourceType).
			Int64("total", result.Total).
			Int("cap", e.maxMembers).
			Msg("group membership truncated at cap")
	}

	members := make([]member, 0, len(result.Entries))
	for _, entry := range result.Entries {
		members = append(members, member{Entity: reference{Reference: entry.Key}})
	}
	return members, nil
}

func (e *Engine) load(ctx context.Context, bucket, id string) (*groupResource, error) {
	body, _, err := e.writer.Read(ctx, bucket, "Group", id)
	if err != nil {
		return nil, err
	}
	var group groupResource
	if err := json.Unmarshal(body, &group); err != nil {
		return nil, fhir.Internal(err)
	}
	return &group, nil
}

func (e *Engine) save(ctx context.Context, bucket, id string, group *groupResource) (*fhir.WriteResult, error) {
	body, err := json.Marshal(group)
	if err != nil {
		return nil, fhir.Internal(err)
	}
	return e.writer.Update(ctx, bucket, "Group", id, body, "")
}

func extensionValue(exts []extension, url string) string {
	for _, ext := range exts {
		if ext.URL != url {
			continue
		}
		if ext.ValueString != "" {
			return ext.ValueString
		}
		if ext.ValueCode != "" {
			return ext.ValueCode
		}
		return ext.ValueDateTime
	}
	return ""
}

func setExtension(exts []extension, url, dateTime string) {
	for i := range exts {
		if exts[i].URL == url {
			exts[i].ValueDateTime = dateTime
			return
		}
	}
}
