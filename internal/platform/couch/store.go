package couch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/couchbase/gocb/v2"
	"github.com/couchbase/gocb/v2/search"
)

// Location addresses a physical collection inside a bucket.
type Location struct {
	Bucket     string
	Scope      string
	Collection string
}

func (l Location) String() string {
	return l.Bucket + "." + l.Scope + "." + l.Collection
}

// SearchOptions carries pagination and ordering for an FTS query. The limit
// is embedded in the FTS request itself rather than applied client-side.
type SearchOptions struct {
	Limit int
	Skip  int
	Sort  []string
}

// SearchPage is the outcome of an FTS query: ordered primary document keys
// plus the index's total hit count.
type SearchPage struct {
	IDs   []string
	Total int64
}

// Store is the narrow storage surface the FHIR engine depends on. The
// production implementation wraps gocb through the Gateway; tests substitute
// an in-memory fake.
type Store interface {
	// Get returns the raw document bytes and its CAS value.
	Get(ctx context.Context, loc Location, key string) ([]byte, uint64, error)
	Insert(ctx context.Context, loc Location, key string, body []byte) error
	// Replace overwrites a document. A zero cas is unconditional.
	Replace(ctx context.Context, loc Location, key string, body []byte, cas uint64) error
	Remove(ctx context.Context, loc Location, key string) error
	// Search runs an FTS query against the named index.
	Search(ctx context.Context, index string, q search.Query, opts SearchOptions) (*SearchPage, error)
	// QueryIDs runs a N1QL statement whose rows project a single "id" field.
	QueryIDs(ctx context.Context, statement string, params ...interface{}) ([]string, error)
	// InTransaction runs fn inside one multi-document transaction. Any error
	// from fn aborts and rolls back every mutation.
	InTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes KV operations bound to an in-flight transaction attempt.
type Tx interface {
	Get(loc Location, key string) ([]byte, error)
	Insert(loc Location, key string, body []byte) error
	Replace(loc Location, key string, body []byte) error
	Remove(loc Location, key string) error
}

// ClusterStore is the gocb-backed Store. All operations are routed through
// the Gateway so the circuit breaker sees every call.
type ClusterStore struct {
	gw   *Gateway
	conn string
}

// NewClusterStore creates a Store bound to a named gateway connection.
func NewClusterStore(gw *Gateway, conn string) *ClusterStore {
	return &ClusterStore{gw: gw, conn: conn}
}

// rawTranscoder stores and retrieves documents verbatim, preserving the byte
// order produced by the validated write path.
var rawTranscoder = gocb.NewRawJSONTranscoder()

func (s *ClusterStore) Get(ctx context.Context, loc Location, key string) ([]byte, uint64, error) {
	var raw []byte
	var cas uint64
	err := s.gw.WithCluster(s.conn, func(cluster *gocb.Cluster) error {
		col := cluster.Bucket(loc.Bucket).Scope(loc.Scope).Collection(loc.Collection)
		res, err := col.Get(key, &gocb.GetOptions{
			Transcoder: rawTranscoder,
			Context:    ctx,
		})
		if err != nil {
			return mapKVError(err)
		}
		if err := res.Content(&raw); err != nil {
			return fmt.Errorf("decode %s/%s: %w", loc, key, err)
		}
		cas = uint64(res.Cas())
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return raw, cas, nil
}

func (s *ClusterStore) Insert(ctx context.Context, loc Location, key string, body []byte) error {
	return s.gw.WithCluster(s.conn, func(cluster *gocb.Cluster) error {
		col := cluster.Bucket(loc.Bucket).Scope(loc.Scope).Collection(loc.Collection)
		_, err := col.Insert(key, body, &gocb.InsertOptions{
			Transcoder: rawTranscoder,
			Context:    ctx,
		})
		return mapKVError(err)
	})
}

func (s *ClusterStore) Replace(ctx context.Context, loc Location, key string, body []byte, cas uint64) error {
	return s.gw.WithCluster(s.conn, func(cluster *gocb.Cluster) error {
		col := cluster.Bucket(loc.Bucket).Scope(loc.Scope).Collection(loc.Collection)
		_, err := col.Replace(key, body, &gocb.ReplaceOptions{
			Transcoder: rawTranscoder,
			Cas:        gocb.Cas(cas),
			Context:    ctx,
		})
		return mapKVError(err)
	})
}

func (s *ClusterStore) Remove(ctx context.Context, loc Location, key string) error {
	return s.gw.WithCluster(s.conn, func(cluster *gocb.Cluster) error {
		col := cluster.Bucket(loc.Bucket).Scope(loc.Scope).Collection(loc.Collection)
		_, err := col.Remove(key, &gocb.RemoveOptions{Context: ctx})
		return mapKVError(err)
	})
}

func (s *ClusterStore) Search(ctx context.Context, index string, q search.Query, opts SearchOptions) (*SearchPage, error) {
	searchOpts := &gocb.SearchOptions{
		Limit: uint32(opts.Limit),
		Skip:  uint32(opts.Skip),
	}
	if len(opts.Sort) > 0 {
		searchOpts.Sort = searchSorts(opts.Sort)
	}

	var page SearchPage
	result, err := s.gw.SearchQuery(ctx, s.conn, index, q, searchOpts)
	if err != nil {
		return nil, err
	}
	for result.Next() {
		page.IDs = append(page.IDs, result.Row().ID)
	}
	meta, err := result.MetaData()
	if err != nil {
		return nil, fmt.Errorf("search metadata: %w", err)
	}
	page.Total = int64(meta.Metrics.TotalRows)
	if err := result.Err(); err != nil {
		return nil, err
	}
	return &page, nil
}

// searchSorts converts "field"/"-field" sort keys into FTS sort clauses.
func searchSorts(keys []string) []search.Sort {
	sorts := make([]search.Sort, len(keys))
	for i, key := range keys {
		field, desc := key, false
		if strings.HasPrefix(key, "-") {
			field, desc = key[1:], true
		}
		sorts[i] = search.NewSearchSortField(field).Descending(desc)
	}
	return sorts
}

func (s *ClusterStore) QueryIDs(ctx context.Context, statement string, params ...interface{}) ([]string, error) {
	result, err := s.gw.Query(ctx, s.conn, statement, params)
	if err != nil {
		return nil, err
	}

	var ids []string
	for result.Next() {
		var row struct {
			ID string `json:"id"`
		}
		if err := result.Row(&row); err != nil {
			return nil, fmt.Errorf("scan query row: %w", err)
		}
		ids = append(ids, row.ID)
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *ClusterStore) InTransaction(ctx context.Context, fn func(tx Tx) error) error {
	cluster, err := s.gw.ClusterForTransaction(s.conn)
	if err != nil {
		return err
	}

	_, err = cluster.Transactions().Run(func(tac *gocb.TransactionAttemptContext) error {
		return fn(&clusterTx{cluster: cluster, tac: tac})
	}, nil)
	return s.gw.ReportError(err)
}

type clusterTx struct {
	cluster *gocb.Cluster
	tac     *gocb.TransactionAttemptContext
}

func (t *clusterTx) collection(loc Location) *gocb.Collection {
	return t.cluster.Bucket(loc.Bucket).Scope(loc.Scope).Collection(loc.Collection)
}

func (t *clusterTx) Get(loc Location, key string) ([]byte, error) {
	res, err := t.tac.Get(t.collection(loc), key)
	if err != nil {
		return nil, mapKVError(err)
	}
	var raw json.RawMessage
	if err := res.Content(&raw); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", loc, key, err)
	}
	return raw, nil
}

func (t *clusterTx) Insert(loc Location, key string, body []byte) error {
	_, err := t.tac.Insert(t.collection(loc), key, json.RawMessage(body))
	return mapKVError(err)
}

func (t *clusterTx) Replace(loc Location, key string, body []byte) error {
	res, err := t.tac.Get(t.collection(loc), key)
	if err != nil {
		return mapKVError(err)
	}
	_, err = t.tac.Replace(res, json.RawMessage(body))
	return mapKVError(err)
}

func (t *clusterTx) Remove(loc Location, key string) error {
	res, err := t.tac.Get(t.collection(loc), key)
	if err != nil {
		return mapKVError(err)
	}
	return mapKVError(t.tac.Remove(res))
}
