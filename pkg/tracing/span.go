// Package tracing times the nested steps of one request. Spans are carried in
// the context; ending a root span logs its tree at debug level.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/logger"
	"github.com/google/uuid"
)

type contextKey struct{}

type Span struct {
	Name     string
	TraceID  string
	Start    time.Time
	Duration time.Duration

	root     bool
	logger   *slog.Logger
	mu       sync.Mutex
	children []*Span
	attrs    []any
}

// Start opens a span under the one carried by ctx, or a root span whose
// trace id is the request id when there is one.
func Start(ctx context.Context, name string) (context.Context, *Span) {
	s := &Span{Name: name, Start: time.Now()}
	if parent := FromContext(ctx); parent != nil {
		s.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, s)
		parent.mu.Unlock()
	} else {
		s.root = true
		s.logger = logger.FromContext(ctx)
		s.TraceID = logger.RequestID(ctx)
		if s.TraceID == "" {
			s.TraceID = uuid.NewString()
		}
	}
	return context.WithValue(ctx, contextKey{}, s), s
}

func FromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(contextKey{}).(*Span)
	return s
}

func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, key, value)
	s.mu.Unlock()
}

func (s *Span) End() {
	s.Duration = time.Since(s.Start)
	if s.root && s.logger.Enabled(context.Background(), slog.LevelDebug) {
		s.Walk(func(depth int, span *Span) {
			args := append([]any{
				"trace_id", s.TraceID,
				"span", span.Name,
				"depth", depth,
				"duration_ms", float64(span.Duration.Microseconds()) / 1000,
			}, span.Attrs()...)
			s.logger.Debug("span", args...)
		})
	}
}

// Walk visits the tree depth first, s at depth 0.
func (s *Span) Walk(fn func(depth int, span *Span)) {
	s.walk(0, fn)
}

func (s *Span) walk(depth int, fn func(int, *Span)) {
	fn(depth, s)
	for _, c := range s.Children() {
		c.walk(depth+1, fn)
	}
}

func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

// Attrs returns the attributes as alternating keys and values.
func (s *Span) Attrs() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.attrs...)
}
