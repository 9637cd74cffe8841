package fhir

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fhirvault/fhirvault/internal/platform/couch"
)

// kvFetchConcurrency bounds the parallel KV reads hydrating one result page.
const kvFetchConcurrency = 8

// Engine executes searches: FTS resolves matching document keys, KV hydrates
// them in parallel, then includes join one hop of referenced resources.
type Engine struct {
	store     couch.Store
	log       zerolog.Logger
	maxCount  int
	maxBundle int
}

// NewEngine creates a search engine over a store. maxCount caps page size,
// maxBundle caps the total entries in one response bundle.
func NewEngine(store couch.Store, log zerolog.Logger, maxCount, maxBundle int) *Engine {
	return &Engine{store: store, log: log, maxCount: maxCount, maxBundle: maxBundle}
}

// ResultEntry is one hydrated resource in a result set. Key is the document
// key (Type/id); Mode distinguishes matches from included resources.
type ResultEntry struct {
	Key  string
	Body []byte
	Mode string
}

// Result is a hydrated search result page.
type Result struct {
	Entries   []ResultEntry
	Total     int64
	Truncated bool
}

// Search runs a parsed search end to end.
func (e *Engine) Search(ctx context.Context, bucket string, req *SearchRequest) (*Result, error) {
	perf := PerfFrom(ctx)

	if len(req.Chains) > 0 {
		stop := perf.Track("chain")
		empty, err := e.resolveChains(ctx, bucket, req)
		stop()
		if err != nil {
			return nil, err
		}
		if empty {
			return &Result{}, nil
		}
	}

	plan, err := TranslateQuery(req, bucket)
	if err != nil {
		return nil, err
	}

	stop := perf.Track("fts")
	page, err := e.store.Search(ctx, plan.Index, plan.Query, couch.SearchOptions{
		Limit: plan.Limit,
		Skip:  plan.Skip,
		Sort:  plan.Sort,
	})
	stop()
	if err != nil {
		return nil, TranslateErr(err)
	}

	result := &Result{Total: page.Total}
	// _count=0 asks for the total alone, same as _summary=count. The FTS
	// service substitutes its default page size for a zero limit, so the
	// hydration step must not run.
	if req.Summary == "count" || req.Count == 0 {
		return result, nil
	}

	stop = perf.Track("kv")
	matches, err := e.fetchKeys(ctx, bucket, page.IDs, "match")
	stop()
	if err != nil {
		return nil, err
	}
	result.Entries = matches

	if len(req.Includes) > 0 || len(req.RevIncludes) > 0 {
		stop = perf.Track("include")
		err = e.applyIncludes(ctx, bucket, req, result)
		stop()
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// resolveChains rewrites each chained filter into a plain reference filter by
// searching the target type first. Returns true when a chain matched nothing,
// which makes the whole search empty.
func (e *Engine) resolveChains(ctx context.Context, bucket string, req *SearchRequest) (bool, error) {
	for _, chain := range req.Chains {
		keys, err := e.chainTargetKeys(ctx, bucket, chain)
		if err != nil {
			return false, err
		}
		if len(keys) == 0 {
			return true, nil
		}
		// Keys already carry the Type/id form references use.
		req.Filters = append(req.Filters, Filter{
			Def: chain.Def,
			Raw: strings.Join(keys, ","),
		})
	}
	req.Chains = nil
	return false, nil
}

// chainTargetKeys runs the inner search of one chain level. A nested chain
// (subject:Patient.organization.name) recurses one level deeper.
func (e *Engine) chainTargetKeys(ctx context.Context, bucket string, chain ChainFilter) ([]string, error) {
	inner := &SearchRequest{
		ResourceType: chain.TargetType,
		Count:        e.maxBundle,
	}

	if dot := strings.Index(chain.Rest, "."); dot >= 0 {
		if err := inner.addChain(chain.Rest[:dot], chain.Rest[dot+1:], chain.Raw); err != nil {
			return nil, err
		}
		empty, err := e.resolveChains(ctx, bucket, inner)
		if err != nil {
			return nil, err
		}
		if empty {
			return nil, nil
		}
	} else {
		def, err := ResolveParam(chain.TargetType, chain.Rest)
		if err != nil {
			return nil, err
		}
		if err := validateModifier(def, chain.Modifier); err != nil {
			return nil, err
		}
		inner.Filters = []Filter{{Def: def, Modifier: chain.Modifier, Raw: chain.Raw}}
	}

	plan, err := TranslateQuery(inner, bucket)
	if err != nil {
		return nil, err
	}
	page, err := e.store.Search(ctx, plan.Index, plan.Query, couch.SearchOptions{Limit: plan.Limit})
	if err != nil {
		return nil, TranslateErr(err)
	}
	return page.IDs, nil
}

// fetchKeys hydrates document keys from KV in parallel, preserving the FTS
// ranking order. Keys that vanished between index and fetch are skipped.
func (e *Engine) fetchKeys(ctx context.Context, bucket string, keys []string, mode string) ([]ResultEntry, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	bodies := make([][]byte, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(kvFetchConcurrency)

	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			loc, ok := locationForKey(bucket, key)
			if !ok {
				return nil
			}
			body, _, err := e.store.Get(gctx, loc, key)
			if err != nil {
				if TranslateErr(err).Kind == KindNotFound {
					return nil
				}
				return err
			}
			bodies[i] = body
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, TranslateErr(err)
	}

	entries := make([]ResultEntry, 0, len(keys))
	for i, key := range keys {
		if bodies[i] == nil {
			e.log.Warn().Str("key", key).Msg("indexed document missing from kv, skipped")
			continue
		}
		entries = append(entries, ResultEntry{Key: key, Body: bodies[i], Mode: mode})
	}
	return entries, nil
}

// locationForKey routes a Type/id document key to its collection.
func locationForKey(bucket, key string) (couch.Location, bool) {
	slash := strings.Index(key, "/")
	if slash <= 0 {
		return couch.Location{}, false
	}
	return RouteResource(bucket, key[:slash]), true
}

// TranslateErr adapts a bare storage error into the taxonomy without resource
// context, used where no single Type/id applies.
func TranslateErr(err error) *Error {
	return Translate(err, "", "")
}
