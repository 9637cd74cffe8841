package couch

import (
	"errors"
	"fmt"

	"github.com/couchbase/gocb/v2"
)

// ScopeLayout describes the collections to create inside one scope.
type ScopeLayout struct {
	Scope       string
	Collections []string
}

// IndexDefinition describes one FTS index to upsert for a resource
// collection. Params follows the bleve index definition format the search
// service accepts.
type IndexDefinition struct {
	Name   string
	Params map[string]interface{}
}

// Provision creates the scopes and collections for a FHIR bucket and upserts
// its FTS indexes. It is idempotent: already-existing scopes and collections
// are skipped.
func (g *Gateway) Provision(conn, bucket string, layout []ScopeLayout, indexes []IndexDefinition) error {
	return g.WithCluster(conn, func(cluster *gocb.Cluster) error {
		mgr := cluster.Bucket(bucket).Collections()

		for _, scope := range layout {
			if err := mgr.CreateScope(scope.Scope, nil); err != nil && !errors.Is(err, gocb.ErrScopeExists) {
				return fmt.Errorf("create scope %s.%s: %w", bucket, scope.Scope, err)
			}
			for _, col := range scope.Collections {
				err := mgr.CreateCollection(gocb.CollectionSpec{
					Name:      col,
					ScopeName: scope.Scope,
				}, nil)
				if err != nil && !errors.Is(err, gocb.ErrCollectionExists) {
					return fmt.Errorf("create collection %s.%s.%s: %w", bucket, scope.Scope, col, err)
				}
			}
		}

		searchMgr := cluster.SearchIndexes()
		for _, idx := range indexes {
			err := searchMgr.UpsertIndex(gocb.SearchIndex{
				Name:       idx.Name,
				Type:       "fulltext-index",
				SourceName: bucket,
				SourceType: "couchbase",
				Params:     idx.Params,
			}, nil)
			if err != nil {
				return fmt.Errorf("upsert search index %s: %w", idx.Name, err)
			}
		}
		return nil
	})
}
