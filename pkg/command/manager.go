package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orneryd/mindtree/pkg/logging"
	"github.com/orneryd/mindtree/pkg/metrics"
	"github.com/orneryd/mindtree/pkg/tree"
)

// Errors returned by the manager.
var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
	ErrGroupOpen     = errors.New("command group already open")
	ErrNoGroup       = errors.New("no command group open")
)

// DefaultMaxHistory bounds the undo stack.
const DefaultMaxHistory = 256

const tracerName = "github.com/orneryd/mindtree/pkg/command"

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	MaxHistory     int
	Logger         *log.Logger
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
}

// entry is one undoable unit: a single operator or a closed group.
type entry struct {
	name string
	ops  []Operator
}

// Manager performs operators against a tree store and keeps the history.
// It is not safe for concurrent use.
type Manager struct {
	store      *tree.Store
	undo       []*entry
	redo       []*entry
	group      *entry
	maxHistory int

	log     *log.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewManager creates a manager over store.
func NewManager(store *tree.Store, opts ManagerOptions) *Manager {
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Manager{
		store:      store,
		maxHistory: maxHistory,
		log:        logging.OrDiscard(opts.Logger).With("component", "command"),
		metrics:    opts.Metrics,
		tracer:     tp.Tracer(tracerName),
	}
}

// Store returns the tree store the manager edits.
func (m *Manager) Store() *tree.Store {
	return m.store
}

// Do performs op and commits. On error, or when op reports it does not
// apply, the transaction is rolled back and op is discarded.
func (m *Manager) Do(ctx context.Context, op Operator) (applied bool, err error) {
	start := time.Now()
	_, span := m.tracer.Start(ctx, "command.do", trace.WithAttributes(attribute.String("command.op", op.Name())))
	defer func() {
		m.finish(span, "do_"+op.Name(), start, err)
	}()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	applied, err = op.Perform()
	if err != nil || !applied {
		m.store.Rollback()
		if err != nil {
			m.log.Warn("command failed", "op", op.Name(), "err", err)
		}
		return false, err
	}
	if _, err := m.store.Commit(); err != nil {
		m.store.Rollback()
		return false, err
	}

	if m.group != nil {
		m.group.ops = append(m.group.ops, op)
	} else {
		m.push(&entry{name: op.Name(), ops: []Operator{op}})
	}
	m.redo = nil
	span.SetAttributes(attribute.Int("command.undo_depth", len(m.undo)))
	return true, nil
}

func (m *Manager) push(e *entry) {
	m.undo = append(m.undo, e)
	if len(m.undo) > m.maxHistory {
		m.undo = m.undo[len(m.undo)-m.maxHistory:]
	}
}

// Undo reverses the latest entry. Operators of a group are undone in
// reverse order and committed together.
func (m *Manager) Undo(ctx context.Context) (err error) {
	start := time.Now()
	_, span := m.tracer.Start(ctx, "command.undo")
	defer func() { m.finish(span, "undo", start, err) }()

	if m.group != nil {
		return fmt.Errorf("undo: %w", ErrGroupOpen)
	}
	if len(m.undo) == 0 {
		return ErrNothingToUndo
	}
	e := m.undo[len(m.undo)-1]
	span.SetAttributes(attribute.String("command.entry", e.name))

	for i := len(e.ops) - 1; i >= 0; i-- {
		if err := e.ops[i].Undo(); err != nil {
			m.store.Rollback()
			return fmt.Errorf("undo %s: %w", e.ops[i].Name(), err)
		}
	}
	if _, err := m.store.Commit(); err != nil {
		m.store.Rollback()
		return err
	}

	m.undo = m.undo[:len(m.undo)-1]
	m.redo = append(m.redo, e)
	return nil
}

// Redo re-applies the latest undone entry.
func (m *Manager) Redo(ctx context.Context) (err error) {
	start := time.Now()
	_, span := m.tracer.Start(ctx, "command.redo")
	defer func() { m.finish(span, "redo", start, err) }()

	if m.group != nil {
		return fmt.Errorf("redo: %w", ErrGroupOpen)
	}
	if len(m.redo) == 0 {
		return ErrNothingToRedo
	}
	e := m.redo[len(m.redo)-1]
	span.SetAttributes(attribute.String("command.entry", e.name))

	for _, op := range e.ops {
		if err := op.Redo(); err != nil {
			m.store.Rollback()
			return fmt.Errorf("redo %s: %w", op.Name(), err)
		}
	}
	if _, err := m.store.Commit(); err != nil {
		m.store.Rollback()
		return err
	}

	m.redo = m.redo[:len(m.redo)-1]
	m.push(e)
	return nil
}

// BeginGroup starts collecting operators into one undo entry.
func (m *Manager) BeginGroup(name string) error {
	if m.group != nil {
		return ErrGroupOpen
	}
	m.group = &entry{name: name}
	return nil
}

// EndGroup closes the open group. An empty group leaves no entry.
func (m *Manager) EndGroup() error {
	if m.group == nil {
		return ErrNoGroup
	}
	g := m.group
	m.group = nil
	if len(g.ops) > 0 {
		m.push(g)
	}
	return nil
}

// CanUndo reports whether Undo has something to do.
func (m *Manager) CanUndo() bool { return m.group == nil && len(m.undo) > 0 }

// CanRedo reports whether Redo has something to do.
func (m *Manager) CanRedo() bool { return m.group == nil && len(m.redo) > 0 }

// History returns the names of the undo entries, oldest first.
func (m *Manager) History() []string {
	names := make([]string, len(m.undo))
	for i, e := range m.undo {
		names[i] = e.name
	}
	return names
}

func (m *Manager) finish(span trace.Span, op string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	m.metrics.Observe("command", op, start, err)
}
