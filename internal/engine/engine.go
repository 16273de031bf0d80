// Package engine executes nested mutations: it parses the payload, plans the
// writes, runs them in one storage session and reads the result back before
// committing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"nestwrite/internal/fkresolve"
	"nestwrite/internal/logging"
	"nestwrite/internal/mutationerr"
	"nestwrite/internal/nested"
	"nestwrite/internal/observability"
	"nestwrite/internal/pipeline"
	"nestwrite/internal/planner"
	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

// State is the lifecycle stage of one mutation.
type State int

const (
	StatePlanned State = iota
	StateExecuting
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StatePlanned:
		return "planned"
	case StateExecuting:
		return "executing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Observer is told about every state a mutation enters.
type Observer func(ctx context.Context, model string, state State)

// Request is one top-level mutation.
type Request struct {
	Model string
	// Operation holds exactly one of "create", "update" or "delete".
	Operation map[string]any
	// Include names extra relations to read back, as nested maps whose
	// leaves are true.
	Include map[string]any
}

// MutationResult is the read-back of a committed mutation.
type MutationResult struct {
	Record storage.Record
	// Affected counts records created, updated or deleted, including
	// cascades.
	Affected int
}

// Engine runs nested mutations against one storage adapter.
type Engine struct {
	reg      *schema.Registry
	adapter  storage.Adapter
	parser   *nested.Parser
	planner  *planner.Planner
	metrics  *observability.MutationMetrics
	observer Observer

	includeWritten bool
	maxDepth       int
	limits         planner.Limits
	hooks          pipeline.Chain
}

// Option configures an Engine.
type Option func(*Engine)

// WithHook appends a value hook run on every written scalar field.
func WithHook(h pipeline.Hook) Option {
	return func(e *Engine) {
		e.hooks = append(e.hooks, h)
	}
}

// WithMaxDepth bounds relation nesting in payloads.
func WithMaxDepth(depth int) Option {
	return func(e *Engine) {
		e.maxDepth = depth
	}
}

// WithLimits bounds plan size.
func WithLimits(l planner.Limits) Option {
	return func(e *Engine) {
		e.limits = l
	}
}

// WithMetrics records mutation metrics.
func WithMetrics(m *observability.MutationMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithObserver installs a state observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithIncludeWritten controls whether relations touched by a mutation are
// read back by default. It is on unless disabled.
func WithIncludeWritten(on bool) Option {
	return func(e *Engine) {
		e.includeWritten = on
	}
}

// New creates an engine.
func New(reg *schema.Registry, adapter storage.Adapter, opts ...Option) *Engine {
	e := &Engine{
		reg:            reg,
		adapter:        adapter,
		includeWritten: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	var parserOpts []nested.Option
	if e.maxDepth > 0 {
		parserOpts = append(parserOpts, nested.WithMaxDepth(e.maxDepth))
	}
	e.parser = nested.NewParser(reg, parserOpts...)
	plannerOpts := []planner.Option{planner.WithLimits(e.limits)}
	if len(e.hooks) > 0 {
		plannerOpts = append(plannerOpts, planner.WithHook(e.hooks))
	}
	e.planner = planner.New(reg, plannerOpts...)
	return e
}

// Registry returns the registry the engine validates against.
func (e *Engine) Registry() *schema.Registry {
	return e.reg
}

// Plan parses and plans a request without touching storage.
func (e *Engine) Plan(ctx context.Context, req Request) (*nested.Root, *planner.Plan, error) {
	root, err := e.parser.ParseRoot(req.Model, req.Operation)
	if err != nil {
		return nil, nil, err
	}
	plan, err := e.planner.Build(ctx, root)
	if err != nil {
		return nil, nil, err
	}
	return root, plan, nil
}

// ExecuteMutation runs req atomically. On error nothing it wrote is visible.
func (e *Engine) ExecuteMutation(ctx context.Context, req Request) (result *MutationResult, err error) {
	start := time.Now()
	ctx, span := startEngineSpan(ctx, "engine.ExecuteMutation", attribute.String("nestwrite.model", req.Model))
	logger := logging.FromContext(ctx).WithFields(slog.String("model", req.Model))

	operation := operationName(req.Operation)
	defer func() {
		outcome := "committed"
		if err != nil {
			outcome = string(mutationerr.KindOf(err))
		}
		finishEngineSpan(span, err, outcome)
		e.metrics.RecordMutation(ctx, time.Since(start), req.Model, operation, outcome)
	}()

	root, plan, err := e.Plan(ctx, req)
	if err != nil {
		logger.Debug("mutation rejected", slog.String("error", err.Error()))
		return nil, err
	}
	include, err := e.resolveInclude(root, req.Include)
	if err != nil {
		return nil, err
	}
	e.notify(ctx, req.Model, StatePlanned)
	e.metrics.RecordPlanSteps(ctx, plan.Len(), req.Model)
	span.SetAttributes(attribute.Int("nestwrite.plan.steps", plan.Len()))

	e.metrics.IncrementActiveMutations(ctx)
	defer e.metrics.DecrementActiveMutations(ctx)

	e.notify(ctx, req.Model, StateExecuting)
	sess, err := e.adapter.Begin(ctx)
	if err != nil {
		e.notify(ctx, req.Model, StateRolledBack)
		return nil, mutationerr.Wrap(mutationerr.KindInternal, "", fmt.Errorf("begin session: %w", err))
	}
	tx := newTxn(sess)

	x := &execution{
		engine:  e,
		sess:    sess,
		caps:    e.adapter.Capabilities(),
		results: make(map[*planner.PendingWrite]*stepResult, plan.Len()),
		deleted: make(map[string]bool),
		logger:  logger,
	}
	result, err = x.run(ctx, plan, include)
	if err != nil {
		tx.markError()
	}
	if ferr := tx.finalize(ctx); ferr != nil && err == nil {
		err = classify(ferr, "")
	}
	if err != nil {
		e.metrics.RecordRollback(ctx, req.Model)
		e.notify(ctx, req.Model, StateRolledBack)
		logger.Warn("mutation rolled back",
			slog.String("kind", string(mutationerr.KindOf(err))),
			slog.String("path", mutationerr.PathOf(err)),
			slog.String("error", err.Error()))
		return nil, err
	}
	e.notify(ctx, req.Model, StateCommitted)
	logger.Info("mutation committed",
		slog.String("operation", operation),
		slog.Int("steps", plan.Len()),
		slog.Int("affected", result.Affected),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

// FindMany reads records of model matching where, with relations loaded per
// include, in a session of its own.
func (e *Engine) FindMany(ctx context.Context, modelName string, where storage.Filter, include map[string]any) ([]storage.Record, error) {
	ctx, span := startEngineSpan(ctx, "engine.FindMany", attribute.String("nestwrite.model", modelName))
	var err error
	defer func() { finishEngineSpan(span, err, "") }()

	model, err := e.reg.Model(modelName)
	if err != nil {
		return nil, mutationerr.Wrap(mutationerr.KindUnknownRelation, "", err)
	}
	inc, err := ParseInclude(e.reg, modelName, include)
	if err != nil {
		return nil, err
	}
	sess, err := e.adapter.Begin(ctx)
	if err != nil {
		return nil, mutationerr.Wrap(mutationerr.KindInternal, "", fmt.Errorf("begin session: %w", err))
	}
	defer func() {
		_ = sess.Rollback(context.WithoutCancel(ctx))
	}()

	recs, err := sess.FindMany(ctx, model, where)
	if err != nil {
		return nil, classify(err, "")
	}
	r := &reader{reg: e.reg, sess: sess}
	out := make([]storage.Record, 0, len(recs))
	for _, rec := range recs {
		loaded, lerr := r.load(ctx, model, rec, inc)
		if lerr != nil {
			err = lerr
			return nil, classify(err, "")
		}
		out = append(out, loaded)
	}
	return out, nil
}

// Ping checks the adapter when it supports health checks.
func (e *Engine) Ping(ctx context.Context) error {
	if p, ok := e.adapter.(storage.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, model string, s State) {
	if e.observer != nil {
		e.observer(ctx, model, s)
	}
}

func operationName(op map[string]any) string {
	for _, key := range []string{"create", "update", "delete"} {
		if _, ok := op[key]; ok {
			return key
		}
	}
	return "unknown"
}

// classify maps adapter and resolver failures onto mutation error kinds.
func classify(err error, path string) error {
	if err == nil {
		return nil
	}
	var me *mutationerr.Error
	if errors.As(err, &me) {
		return err
	}
	var partial *fkresolve.PartialForeignKeyError
	var unique *storage.UniqueConstraintError
	var fk *storage.ForeignKeyError
	var notNull *storage.NotNullError
	switch {
	case errors.As(err, &partial):
		return mutationerr.Wrap(mutationerr.KindPartialForeignKey, path, err)
	case errors.As(err, &unique):
		return mutationerr.Wrap(mutationerr.KindUniqueConstraintViolation, path, err)
	case errors.As(err, &fk):
		return mutationerr.Wrap(mutationerr.KindRequiredRelationViolation, path, err)
	case errors.As(err, &notNull):
		return mutationerr.Wrap(mutationerr.KindValidationFailed, path, err)
	case errors.Is(err, storage.ErrNotFound):
		return mutationerr.Wrap(mutationerr.KindRelatedRecordNotFound, path, err)
	default:
		return mutationerr.Wrap(mutationerr.KindInternal, path, err)
	}
}
