package codelist

import (
	"context"
	"runtime"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config configures an Evaluator.
type Config struct {
	// Parallelism bounds the number of specification branches evaluated
	// concurrently. Defaults to runtime.NumCPU(), minimum 2.
	Parallelism int
	// DisableHistoric turns off historical-equivalence inclusion for
	// expression-language expansion (and for the expressions the drug
	// translator emits). Diagnosis-leaf historical expansion is fixed and
	// unaffected. Off by default: callers get historic inclusion unless
	// they opt out.
	DisableHistoric bool
	Logger          *zap.Logger
}

// DefaultConfig returns sensible evaluator defaults.
func DefaultConfig() Config {
	return Config{
		Parallelism: runtime.NumCPU(),
	}
}

// Evaluator resolves specification trees into concept sets. It is stateless
// between calls and safe for concurrent use; collaborator handles are shared
// and read-only.
type Evaluator struct {
	graph           Graph
	drugs           DrugService
	translator      *Translator
	parallelism     int
	includeHistoric bool
	logger          *zap.Logger
	tracer          trace.Tracer
}

// New creates an Evaluator over the two collaborator handles.
func New(graph Graph, drugs DrugService, cfg Config) *Evaluator {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.NumCPU()
	}
	if cfg.Parallelism < 2 {
		cfg.Parallelism = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Evaluator{
		graph:           graph,
		drugs:           drugs,
		translator:      NewTranslator(graph, drugs, cfg.Logger),
		parallelism:     cfg.Parallelism,
		includeHistoric: !cfg.DisableHistoric,
		logger:          cfg.Logger,
		tracer:          otel.Tracer("codelist-evaluator"),
	}
}

// Release returns the collaborator's release descriptor, used to stamp
// results for reproducibility.
func (e *Evaluator) Release(ctx context.Context) (string, error) {
	release, err := e.graph.ReleaseMetadata(ctx)
	if err != nil {
		return "", collaboratorErr("ReleaseMetadata", nil, err)
	}
	return release, nil
}

// EvaluateJSON parses the JSON wire form of a specification and evaluates it.
func (e *Evaluator) EvaluateJSON(ctx context.Context, data []byte) (ConceptSet, error) {
	expr, err := ParseSpec(data)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, expr)
}

// Evaluate resolves a specification tree into a concept set. The tree is
// validated before any collaborator call; a structurally invalid tree fails
// with *ValidationError and no side effects. Any collaborator failure aborts
// the whole evaluation: there is no partial result.
func (e *Evaluator) Evaluate(ctx context.Context, expr Expression) (ConceptSet, error) {
	ctx, span := e.tracer.Start(ctx, "evaluate_codelist")
	defer span.End()

	if err := Validate(expr); err != nil {
		span.RecordError(err)
		return nil, err
	}
	sem := make(chan struct{}, e.parallelism)
	set, err := e.eval(ctx, expr, sem)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("concept_count", set.Len()))
	e.logger.Debug("evaluated codelist", zap.Int("concepts", set.Len()))
	return set, nil
}

func (e *Evaluator) eval(ctx context.Context, expr Expression, sem chan struct{}) (ConceptSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch n := expr.(type) {
	case *Leaf:
		return e.evalLeaf(ctx, n)
	case *And:
		sets, err := e.evalBranches(ctx, n.Children, sem)
		if err != nil {
			return nil, err
		}
		return IntersectAll(sets), nil
	case *Or:
		sets, err := e.evalBranches(ctx, n.Children, sem)
		if err != nil {
			return nil, err
		}
		return UnionAll(sets), nil
	case *Difference:
		sets, err := e.evalBranches(ctx, []Expression{n.Positive, n.Negative}, sem)
		if err != nil {
			return nil, err
		}
		return sets[0].Difference(sets[1]), nil
	}
	return nil, validationf("unsupported expression node %T", expr)
}

// evalBranches resolves sibling branches, fanning out onto goroutines while
// pool slots are available and falling back to inline evaluation otherwise,
// so a deep tree can never deadlock on its own semaphore. The first failure
// cancels the remaining branches; partial results are discarded.
func (e *Evaluator) evalBranches(ctx context.Context, children []Expression, sem chan struct{}) ([]ConceptSet, error) {
	if len(children) == 0 {
		return nil, nil
	}
	if len(children) == 1 {
		set, err := e.eval(ctx, children[0], sem)
		if err != nil {
			return nil, err
		}
		return []ConceptSet{set}, nil
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	results := make([]ConceptSet, len(children))
	for i := range children {
		mu.Lock()
		failed := firstErr != nil
		mu.Unlock()
		if failed {
			break
		}
		select {
		case sem <- struct{}{}:
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				set, err := e.eval(branchCtx, children[i], sem)
				if err != nil {
					fail(err)
					return
				}
				results[i] = set
			}(i)
		default:
			set, err := e.eval(branchCtx, children[i], sem)
			if err != nil {
				fail(err)
			} else {
				results[i] = set
			}
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func (e *Evaluator) evalLeaf(ctx context.Context, leaf *Leaf) (ConceptSet, error) {
	ctx, span := e.tracer.Start(ctx, "resolve_leaf",
		trace.WithAttributes(
			attribute.String("system", leaf.System.String()),
			attribute.Int("patterns", len(leaf.Patterns)),
		))
	defer span.End()

	var set ConceptSet
	var err error
	switch leaf.System {
	case SystemECL:
		set, err = e.evalECL(ctx, leaf)
	case SystemICD10:
		set, err = e.evalICD10(ctx, leaf)
	case SystemATC:
		set, err = e.evalATC(ctx, leaf)
	default:
		err = validationf("unsupported leaf system %d", leaf.System)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("concept_count", set.Len()))
	return set, nil
}

func (e *Evaluator) evalECL(ctx context.Context, leaf *Leaf) (ConceptSet, error) {
	set, err := e.graph.ExpandExpression(ctx, leaf.Patterns[0], e.includeHistoric)
	if err != nil {
		return nil, collaboratorErr("ExpandExpression", leaf, err)
	}
	return set, nil
}

// evalICD10 unions the raw cross-map matches for every pattern, then closes
// the union under historical equivalence. The historical step is fixed for
// diagnosis leaves and not configurable.
func (e *Evaluator) evalICD10(ctx context.Context, leaf *Leaf) (ConceptSet, error) {
	if len(leaf.Patterns) == 0 {
		return make(ConceptSet), nil
	}
	raw := make(ConceptSet)
	for _, pattern := range leaf.Patterns {
		matches, err := e.graph.ReverseMapWildcard(ctx, RefsetICD10ComplexMap, FieldMapTarget, pattern)
		if err != nil {
			return nil, collaboratorErr("ReverseMapWildcard", leaf, err)
		}
		for id := range matches {
			raw[id] = struct{}{}
		}
	}
	set, err := e.graph.WithHistorical(ctx, raw)
	if err != nil {
		return nil, collaboratorErr("WithHistorical", leaf, err)
	}
	return set, nil
}

// evalATC translates each drug-classification pattern into an expression
// string and expands it. A pattern with no matching products translates to
// the empty-string sentinel and contributes the empty set; that is a miss,
// not a failure.
func (e *Evaluator) evalATC(ctx context.Context, leaf *Leaf) (ConceptSet, error) {
	out := make(ConceptSet)
	for _, pattern := range leaf.Patterns {
		expr, err := e.translator.Translate(ctx, pattern)
		if err != nil {
			return nil, err
		}
		if expr == "" {
			continue
		}
		set, err := e.graph.ExpandExpression(ctx, expr, e.includeHistoric)
		if err != nil {
			return nil, collaboratorErr("ExpandExpression", leaf, err)
		}
		for id := range set {
			out[id] = struct{}{}
		}
	}
	return out, nil
}
