package couch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/couchbase/gocb/v2/search"
	"github.com/rs/zerolog"
)

// Gateway is the single entry point for all database operations. Every KV,
// N1QL and FTS call in the server flows through it, so the circuit breaker
// observes every connectivity failure and can fail the whole process fast.
type Gateway struct {
	mu      sync.RWMutex
	conns   map[string]*gocb.Cluster
	breaker *Breaker
	log     zerolog.Logger
}

// NewGateway creates a Gateway with an empty connection registry.
func NewGateway(resetTimeout time.Duration, log zerolog.Logger) *Gateway {
	return &Gateway{
		conns:   make(map[string]*gocb.Cluster),
		breaker: NewBreaker(resetTimeout),
		log:     log,
	}
}

// Connect opens a named cluster connection and registers it. Connections are
// process-wide singletons; Connect replaces any previous cluster under the
// same name.
func (g *Gateway) Connect(name, connStr, username, password string) error {
	cluster, err := gocb.Connect(connStr, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: username,
			Password: password,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout: 10 * time.Second,
			KVTimeout:      5 * time.Second,
			QueryTimeout:   30 * time.Second,
			SearchTimeout:  30 * time.Second,
		},
	})
	if err != nil {
		return fmt.Errorf("connect cluster %q: %w", name, err)
	}

	g.mu.Lock()
	g.conns[name] = cluster
	g.mu.Unlock()
	return nil
}

// Register adds an already-connected cluster under a name. Used by tests and
// by provisioning code that builds its own connection.
func (g *Gateway) Register(name string, cluster *gocb.Cluster) {
	g.mu.Lock()
	g.conns[name] = cluster
	g.mu.Unlock()
}

// Close shuts down every registered connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, cluster := range g.conns {
		if err := cluster.Close(nil); err != nil {
			g.log.Warn().Err(err).Str("connection", name).Msg("close cluster")
		}
		delete(g.conns, name)
	}
}

// Breaker exposes the circuit state for health probes.
func (g *Gateway) Breaker() *Breaker { return g.breaker }

// HasConnection reports whether a named connection is registered.
func (g *Gateway) HasConnection(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conns[name]
	return ok
}

// WithCluster executes fn against the named cluster, gated by the circuit
// breaker. It fails with ErrDatabaseUnavailable when the circuit is open,
// when the connection does not exist, or when fn fails with a connectivity
// error. Application errors returned by fn pass through unchanged.
func (g *Gateway) WithCluster(name string, fn func(*gocb.Cluster) error) error {
	if !g.breaker.Allow() {
		return ErrDatabaseUnavailable
	}

	g.mu.RLock()
	cluster, ok := g.conns[name]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s: %w", ErrDatabaseUnavailable, name, ErrNoConnection)
	}

	err := fn(cluster)
	if IsConnectivityError(err) {
		g.breaker.OnFailure()
		g.log.Error().Str("connection", name).Msg("database connectivity failure, circuit opened")
		return fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
	}
	g.breaker.OnSuccess()
	return err
}

// Query runs a N1QL statement through the breaker.
func (g *Gateway) Query(ctx context.Context, name, statement string, params []interface{}) (*gocb.QueryResult, error) {
	var result *gocb.QueryResult
	err := g.WithCluster(name, func(cluster *gocb.Cluster) error {
		var err error
		result, err = cluster.Query(statement, &gocb.QueryOptions{
			PositionalParameters: params,
			Context:              ctx,
		})
		return err
	})
	return result, err
}

// SearchQuery runs an FTS query against the named index through the breaker.
func (g *Gateway) SearchQuery(ctx context.Context, name, index string, q search.Query, opts *gocb.SearchOptions) (*gocb.SearchResult, error) {
	if opts == nil {
		opts = &gocb.SearchOptions{}
	}
	opts.Context = ctx

	var result *gocb.SearchResult
	err := g.WithCluster(name, func(cluster *gocb.Cluster) error {
		var err error
		result, err = cluster.SearchQuery(index, q, opts)
		return err
	})
	return result, err
}

// Collection returns a collection handle, still gated by the breaker so a
// lookup during an outage fails fast.
func (g *Gateway) Collection(name, bucket, scope, collection string) (*gocb.Collection, error) {
	var col *gocb.Collection
	err := g.WithCluster(name, func(cluster *gocb.Cluster) error {
		col = cluster.Bucket(bucket).Scope(scope).Collection(collection)
		return nil
	})
	return col, err
}

// ClusterForTransaction returns the raw cluster for use with the transactions
// API. The breaker gates entry; connectivity failures inside the transaction
// are classified by the caller via ReportError.
func (g *Gateway) ClusterForTransaction(name string) (*gocb.Cluster, error) {
	var cluster *gocb.Cluster
	err := g.WithCluster(name, func(c *gocb.Cluster) error {
		cluster = c
		return nil
	})
	return cluster, err
}

// ReportError lets transaction drivers feed failures back into the breaker.
// Returns ErrDatabaseUnavailable when the error was a connectivity failure,
// the original error otherwise.
func (g *Gateway) ReportError(err error) error {
	if err == nil {
		g.breaker.OnSuccess()
		return nil
	}
	if IsConnectivityError(err) {
		g.breaker.OnFailure()
		g.log.Error().Msg("database connectivity failure, circuit opened")
		return fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
	}
	return err
}
