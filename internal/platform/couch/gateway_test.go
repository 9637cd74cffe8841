package couch

import (
	"errors"
	"testing"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/rs/zerolog"
)

func newTestGateway() *Gateway {
	return NewGateway(30*time.Second, zerolog.Nop())
}

func TestWithClusterUnknownConnection(t *testing.T) {
	gw := newTestGateway()
	err := gw.WithCluster("missing", func(*gocb.Cluster) error { return nil })
	if !errors.Is(err, ErrDatabaseUnavailable) {
		t.Fatalf("expected ErrDatabaseUnavailable, got %v", err)
	}
	if !errors.Is(err, ErrNoConnection) {
		t.Fatalf("expected ErrNoConnection in chain, got %v", err)
	}
}

func TestWithClusterFailsFastWhileOpen(t *testing.T) {
	gw := newTestGateway()
	gw.Register("main", &gocb.Cluster{})
	gw.Breaker().OnFailure()

	calls := 0
	for i := 0; i < 10; i++ {
		err := gw.WithCluster("main", func(*gocb.Cluster) error {
			calls++
			return nil
		})
		if !errors.Is(err, ErrDatabaseUnavailable) {
			t.Fatalf("request %d: expected ErrDatabaseUnavailable, got %v", i, err)
		}
	}
	if calls != 0 {
		t.Fatalf("expected zero cluster round trips while open, got %d", calls)
	}
}

func TestWithClusterConnectivityErrorOpensCircuit(t *testing.T) {
	gw := newTestGateway()
	gw.Register("main", &gocb.Cluster{})

	err := gw.WithCluster("main", func(*gocb.Cluster) error {
		return gocb.ErrTimeout
	})
	if !errors.Is(err, ErrDatabaseUnavailable) {
		t.Fatalf("expected ErrDatabaseUnavailable, got %v", err)
	}
	if !gw.Breaker().Open() {
		t.Fatal("circuit should be open after connectivity failure")
	}
}

func TestWithClusterApplicationErrorPassesThrough(t *testing.T) {
	gw := newTestGateway()
	gw.Register("main", &gocb.Cluster{})

	appErr := errors.New("bad search parameter")
	err := gw.WithCluster("main", func(*gocb.Cluster) error {
		return appErr
	})
	if !errors.Is(err, appErr) {
		t.Fatalf("expected application error to pass through, got %v", err)
	}
	if gw.Breaker().Open() {
		t.Fatal("application errors must not open the circuit")
	}
}

func TestReportError(t *testing.T) {
	gw := newTestGateway()

	if err := gw.ReportError(nil); err != nil {
		t.Fatalf("ReportError(nil) = %v", err)
	}

	appErr := errors.New("conflict")
	if err := gw.ReportError(appErr); !errors.Is(err, appErr) {
		t.Fatalf("expected app error back, got %v", err)
	}
	if gw.Breaker().Open() {
		t.Fatal("application error must not open circuit")
	}

	err := gw.ReportError(gocb.ErrServiceNotAvailable)
	if !errors.Is(err, ErrDatabaseUnavailable) {
		t.Fatalf("expected ErrDatabaseUnavailable, got %v", err)
	}
	if !gw.Breaker().Open() {
		t.Fatal("connectivity error should open circuit")
	}
}
