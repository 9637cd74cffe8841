package fhir

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Perf accumulates named spans for one request. The handler attaches it to
// the request context and renders it as a Server-Timing header; the engine
// and write path record into whatever they find there.
type Perf struct {
	mu    sync.Mutex
	spans []perfSpan
}

type perfSpan struct {
	name     string
	duration time.Duration
}

type perfKey struct{}

// WithPerf attaches a fresh timing bag to the context.
func WithPerf(ctx context.Context) (context.Context, *Perf) {
	p := &Perf{}
	return context.WithValue(ctx, perfKey{}, p), p
}

// PerfFrom returns the timing bag on the context, or nil when absent.
func PerfFrom(ctx context.Context) *Perf {
	p, _ := ctx.Value(perfKey{}).(*Perf)
	return p
}

// Track starts a span and returns its stop function. Safe on a nil receiver
// so callers never guard.
func (p *Perf) Track(name string) func() {
	if p == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		p.mu.Lock()
		p.spans = append(p.spans, perfSpan{name: name, duration: time.Since(start)})
		p.mu.Unlock()
	}
}

// Header renders the collected spans as a Server-Timing header value.
func (p *Perf) Header() string {
	if p == nil {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	parts := make([]string, 0, len(p.spans))
	for _, s := range p.spans {
		parts = append(parts, fmt.Sprintf("%s;dur=%.1f", s.name, float64(s.duration.Microseconds())/1000))
	}
	return strings.Join(parts, ", ")
}
