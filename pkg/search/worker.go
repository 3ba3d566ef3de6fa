// Package search runs cancellable full-text queries over committed vertex
// texts. Queries only read the storage engine, so they can run on their
// own goroutine while the tree is being edited.
package search

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orneryd/mindtree/pkg/logging"
	"github.com/orneryd/mindtree/pkg/metrics"
	"github.com/orneryd/mindtree/pkg/storage"
)

// Defaults for Options.
const (
	DefaultProperty = "x"
	DefaultLimit    = 50
)

// Property key of the trashed flag, see package tree.
const trashedProperty = "_isTrashed"

const tracerName = "github.com/orneryd/mindtree/pkg/search"

// Match is one search hit.
type Match struct {
	ID    storage.VertexID `json:"id"`
	Text  string           `json:"text"`
	Score float64          `json:"score"`
}

// Options configures a Worker.
type Options struct {
	// Property holds the searchable text. Default "x".
	Property string
	// Limit caps the matches per query. Default 50.
	Limit int

	Logger         *log.Logger
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
}

// Worker answers queries against an engine.
type Worker struct {
	engine   storage.Engine
	property string
	limit    int
	log      *log.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// NewWorker creates a worker over engine.
func NewWorker(engine storage.Engine, opts Options) *Worker {
	if opts.Property == "" {
		opts.Property = DefaultProperty
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Worker{
		engine:   engine,
		property: opts.Property,
		limit:    opts.Limit,
		log:      logging.OrDiscard(opts.Logger).With("component", "search"),
		metrics:  opts.Metrics,
		tracer:   tp.Tracer(tracerName),
	}
}

// Query ranks the live vertices whose text matches query and passes them
// to emit, best first. It checks ctx while scanning and before every
// emitted match. An error from emit stops the query and is returned.
func (w *Worker) Query(ctx context.Context, query string, emit func(Match) error) (err error) {
	start := time.Now()
	ctx, span := w.tracer.Start(ctx, "search.query", trace.WithAttributes(attribute.String("search.query", query)))
	emitted := 0
	defer func() {
		if err != nil && !errors.Is(err, context.Canceled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("search.matches", emitted))
		span.End()
		w.metrics.Query(err, emitted)
		w.log.Debug("query finished", "query", query, "matches", emitted, "took", time.Since(start), "err", err)
	}()

	idx := newFulltextIndex()
	err = storage.StreamVerticesWithFallback(ctx, w.engine, func(v *storage.Vertex) error {
		if trashed, _ := v.Properties[trashedProperty].(bool); trashed {
			return nil
		}
		if text, ok := v.Properties[w.property].(string); ok && text != "" {
			idx.add(v.ID, text)
		}
		return nil
	})
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("search.documents", idx.count()))

	for _, hit := range idx.search(query, w.limit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(Match{ID: hit.id, Text: idx.documents[hit.id], Score: hit.score}); err != nil {
			return err
		}
		emitted++
	}
	return nil
}

// Run is one submitted query.
type Run struct {
	Matches <-chan Match

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Wait blocks until the query ends and returns its error. A query
// replaced by a newer one returns context.Canceled.
func (r *Run) Wait() error {
	<-r.done
	return r.err
}

// Cancel stops the query.
func (r *Run) Cancel() {
	r.cancel()
}

// Searcher keeps at most one query in flight: submitting a new query
// cancels the previous one, as an autocomplete box does on every
// keystroke.
type Searcher struct {
	worker *Worker

	mu      sync.Mutex
	current *Run
	wg      sync.WaitGroup
}

// NewSearcher creates a searcher running queries on worker.
func NewSearcher(worker *Worker) *Searcher {
	return &Searcher{worker: worker}
}

// Submit cancels the running query, if any, and starts query. Matches
// arrive on the returned run's channel, which is closed when the query
// ends. Consumers must drain it or cancel the run.
func (s *Searcher) Submit(ctx context.Context, query string) *Run {
	ctx, cancel := context.WithCancel(ctx)
	matches := make(chan Match)
	run := &Run{Matches: matches, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.current != nil {
		s.current.cancel()
	}
	s.current = run
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(run.done)
		defer close(matches)
		defer cancel()

		run.err = s.worker.Query(ctx, query, func(m Match) error {
			select {
			case matches <- m:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return run
}

// Close cancels the running query and waits for it to finish.
func (s *Searcher) Close() {
	s.mu.Lock()
	if s.current != nil {
		s.current.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
