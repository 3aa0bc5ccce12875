// Package federation fans a search out over several memories and merges the
// ranked results.
package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DatanoiseTV/brainvault/internal/errs"
	"github.com/DatanoiseTV/brainvault/internal/logging"
	"github.com/DatanoiseTV/brainvault/internal/metrics"
	"github.com/DatanoiseTV/brainvault/internal/namespace"
	"github.com/DatanoiseTV/brainvault/internal/search"
)

const (
	DefaultLimit             = 20
	MaxLimit                 = 100
	DefaultWorkers           = 4
	DefaultPerArchiveTimeout = 5 * time.Second

	// AllMemories selects every registered memory.
	AllMemories = "all"
)

// Catalog lists and resolves memories.
type Catalog interface {
	namespace.Resolver
	Names(ctx context.Context) ([]string, error)
}

// Options tunes the coordinator. Zero values take the defaults.
type Options struct {
	Workers           int
	PerArchiveTimeout time.Duration
	DefaultLimit      int
	MaxLimit          int
	Tracer            trace.Tracer
	Metrics           metrics.Collector
	Logger            *slog.Logger
}

// Request is a federated search.
type Request struct {
	Query    string
	Memories []string
	Limit    int
	Mode     search.Mode
}

// Hit is a search hit labeled with its memory.
type Hit struct {
	search.Hit
	MemoryName string `json:"memory_name"`
}

// Failure describes a memory whose search did not complete.
type Failure struct {
	MemoryName string    `json:"memory_name"`
	Kind       errs.Kind `json:"kind"`
	Message    string    `json:"message"`
}

// Result is the merged outcome.
type Result struct {
	Results          []Hit     `json:"results"`
	MemoriesSearched int       `json:"memories_searched"`
	Failed           []Failure `json:"failed"`
}

// Coordinator runs federated searches.
type Coordinator struct {
	catalog  Catalog
	searcher search.Searcher
	opts     Options
}

// New creates a coordinator.
func New(catalog Catalog, searcher search.Searcher, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.PerArchiveTimeout <= 0 {
		opts.PerArchiveTimeout = DefaultPerArchiveTimeout
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = MaxLimit
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	if opts.DefaultLimit > opts.MaxLimit {
		opts.DefaultLimit = opts.MaxLimit
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/DatanoiseTV/brainvault/internal/federation")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopCollector()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Coordinator{catalog: catalog, searcher: searcher, opts: opts}
}

type outcome struct {
	memory string
	hits   []search.Hit
	err    error
}

// Search runs req against every selected memory and merges the hits by
// score, then memory name, then note ID. Memories that fail are reported in
// Failed; the call itself fails with Unavailable only when every memory
// failed.
func (c *Coordinator) Search(ctx context.Context, req Request) (Result, error) {
	const op = "federation.Search"
	start := time.Now()

	ctx, span := c.opts.Tracer.Start(ctx, "federation.Search",
		trace.WithAttributes(attribute.String("search.mode", string(req.Mode))))
	defer span.End()

	if strings.TrimSpace(req.Query) == "" {
		return Result{}, c.fail(ctx, span, start, errs.Validation(op, "query cannot be empty"))
	}

	limit := req.Limit
	if limit <= 0 {
		limit = c.opts.DefaultLimit
	}
	if limit > c.opts.MaxLimit {
		limit = c.opts.MaxLimit
	}

	targets, err := c.targets(ctx, req.Memories)
	if err != nil {
		return Result{}, c.fail(ctx, span, start, err)
	}
	span.SetAttributes(
		attribute.Int("search.limit", limit),
		attribute.Int("search.memories", len(targets)),
	)

	q := search.Query{Text: req.Query, Limit: limit, Mode: req.Mode}
	outcomes := c.fanOut(ctx, targets, q)

	res := Result{Results: []Hit{}, Failed: []Failure{}}
	for _, o := range outcomes {
		if o.err != nil {
			res.Failed = append(res.Failed, Failure{
				MemoryName: o.memory,
				Kind:       errs.KindUnavailable,
				Message:    o.err.Error(),
			})
			continue
		}
		res.MemoriesSearched++
		for _, h := range o.hits {
			res.Results = append(res.Results, Hit{Hit: h, MemoryName: o.memory})
		}
	}

	if len(targets) > 0 && res.MemoriesSearched == 0 {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, c.fail(ctx, span, start, ctxErr)
		}
		return Result{}, c.fail(ctx, span, start,
			errs.Unavailable(op, "search failed in all %d memories", len(targets)))
	}

	sort.Slice(res.Results, func(i, j int) bool {
		a, b := res.Results[i], res.Results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.MemoryName != b.MemoryName {
			return a.MemoryName < b.MemoryName
		}
		return a.NoteID < b.NoteID
	})
	if len(res.Results) > limit {
		res.Results = res.Results[:limit]
	}
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].MemoryName < res.Failed[j].MemoryName })

	span.SetAttributes(
		attribute.Int("search.memories_searched", res.MemoriesSearched),
		attribute.Int("search.failed", len(res.Failed)),
		attribute.Int("search.results", len(res.Results)),
	)
	c.opts.Metrics.RecordOperation(ctx, "search_memories_federated", "success", time.Since(start).Milliseconds())
	return res, nil
}

func (c *Coordinator) fail(ctx context.Context, span trace.Span, start time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.opts.Metrics.RecordOperation(ctx, "search_memories_federated", "error", time.Since(start).Milliseconds())
	c.opts.Metrics.RecordError(ctx, "search_memories_federated", string(errs.KindOf(err)))
	return err
}

// targets expands the selector list into resolved namespaces. An empty list
// or "all" selects everything registered at query time. Names that came from
// "all" or a glob and disappear before they resolve are skipped; names given
// explicitly must resolve.
func (c *Coordinator) targets(ctx context.Context, selectors []string) ([]namespace.Namespace, error) {
	const op = "federation.targets"

	var (
		all      []string
		loadErr  error
		loadOnce sync.Once
	)
	names := func() ([]string, error) {
		loadOnce.Do(func() { all, loadErr = c.catalog.Names(ctx) })
		return all, loadErr
	}

	wantAll := len(selectors) == 0
	for _, s := range selectors {
		if strings.TrimSpace(s) == AllMemories {
			wantAll = true
		}
	}

	var selected []string
	seen := make(map[string]bool)
	explicit := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			selected = append(selected, name)
		}
	}

	if wantAll {
		list, err := names()
		if err != nil {
			return nil, err
		}
		for _, n := range list {
			add(n)
		}
	} else {
		var missing []string
		for _, s := range selectors {
			s = strings.TrimSpace(s)
			if !isPattern(s) {
				explicit[s] = true
				add(s)
				continue
			}

			g, err := glob.Compile(s)
			if err != nil {
				return nil, errs.Validation(op, "invalid memory pattern %q: %v", s, err)
			}
			list, err := names()
			if err != nil {
				return nil, err
			}
			matched := false
			for _, n := range list {
				if g.Match(n) {
					add(n)
					matched = true
				}
			}
			if !matched {
				missing = append(missing, s)
			}
		}
		if len(missing) > 0 {
			return nil, errs.NotFound(op, "no memories match %s", strings.Join(quoteAll(missing), ", "))
		}
	}

	targets := make([]namespace.Namespace, 0, len(selected))
	var missing []string
	for _, name := range selected {
		ns, err := c.catalog.Resolve(ctx, name)
		switch {
		case err == nil:
			targets = append(targets, ns)
		case !explicit[name] && (errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrUnavailable)):
			c.opts.Logger.Debug("skipping memory that vanished during expansion", "memory", name, "error", err)
		case errors.Is(err, errs.ErrNotFound):
			missing = append(missing, name)
		default:
			return nil, err
		}
	}
	if len(missing) > 0 {
		return nil, errs.NotFound(op, "unknown memories: %s", strings.Join(quoteAll(missing), ", "))
	}
	return targets, nil
}

// fanOut searches every target on a bounded pool of workers and returns one
// outcome per target.
func (c *Coordinator) fanOut(ctx context.Context, targets []namespace.Namespace, q search.Query) []outcome {
	tasks := make(chan namespace.Namespace, len(targets))
	for _, ns := range targets {
		tasks <- ns
	}
	close(tasks)

	results := make(chan outcome, len(targets))
	workers := min(c.opts.Workers, len(targets))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ns := range tasks {
				results <- c.searchOne(ctx, ns, q)
			}
		}()
	}
	wg.Wait()
	close(results)

	outcomes := make([]outcome, 0, len(targets))
	for o := range results {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// searchOne searches a single memory under the per-archive timeout. A
// searcher that ignores cancellation is abandoned when the timeout fires.
func (c *Coordinator) searchOne(ctx context.Context, ns namespace.Namespace, q search.Query) outcome {
	start := time.Now()
	ctx, span := c.opts.Tracer.Start(ctx, "federation.SearchMemory",
		trace.WithAttributes(attribute.String("memory.name", ns.Name)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.opts.PerArchiveTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		hits, err := c.searcher.Search(ctx, ns, q)
		done <- outcome{memory: ns.Name, hits: hits, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o = outcome{memory: ns.Name, err: fmt.Errorf("search in memory %q timed out: %w", ns.Name, ctx.Err())}
	}

	c.opts.Metrics.RecordStage(ctx, "search_memories_federated", "memory", time.Since(start).Milliseconds())
	if o.err != nil {
		span.RecordError(o.err)
		span.SetStatus(codes.Error, o.err.Error())
		c.opts.Logger.Warn("federated search failed in memory", "memory", ns.Name, "error", o.err)
		return o
	}
	span.SetAttributes(attribute.Int("search.hits", len(o.hits)))
	return o
}

func isPattern(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = fmt.Sprintf("%q", n)
	}
	return out
}
