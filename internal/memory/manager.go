// Package memory manages the lifecycle of memories and routes note
// operations to the caller's active memory.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DatanoiseTV/brainvault/internal/errs"
	"github.com/DatanoiseTV/brainvault/internal/logging"
	"github.com/DatanoiseTV/brainvault/internal/metrics"
	"github.com/DatanoiseTV/brainvault/internal/namespace"
	"github.com/DatanoiseTV/brainvault/internal/notes"
	"github.com/DatanoiseTV/brainvault/internal/registry"
	"github.com/DatanoiseTV/brainvault/internal/search"
	"github.com/DatanoiseTV/brainvault/internal/session"
)

// DefaultMaxMemories applies when Options.MaxMemories is not set.
const DefaultMaxMemories = 10

// Options tunes the manager.
type Options struct {
	// MaxMemories caps the number of registered memories.
	MaxMemories int
	// DefaultName is the memory created on first start.
	DefaultName string
	// RequireEmptyDelete refuses to delete a memory that still has notes
	// unless the caller forces it.
	RequireEmptyDelete bool
}

// Deps are the manager's collaborators.
type Deps struct {
	Registry *registry.Store
	Notes    *notes.Store
	Index    *search.Index
	Sessions *session.Registry
	Metrics  metrics.Collector
	Logger   *slog.Logger

	// Resolver maps names to namespaces for every per-memory operation.
	// Nil resolves through Registry.
	Resolver namespace.Resolver
}

// Manager owns every memory lifecycle transition.
type Manager struct {
	registry *registry.Store
	notes    *notes.Store
	index    *search.Index
	sessions *session.Registry
	resolver namespace.Resolver
	metrics  metrics.Collector
	logger   *slog.Logger
	opts     Options

	// pending holds clone targets that are registered but not yet filled.
	// They stay out of Resolve and Names until the copy commits.
	pendingMu sync.Mutex
	pending   map[string]bool

	// defaultMu orders default switches against session creation. Holders
	// of the read lock see a stable defaultName.
	defaultMu   sync.RWMutex
	defaultName string
}

// Memory is an archive record with its computed stats.
type Memory struct {
	registry.Archive
	NoteCount int   `json:"note_count"`
	SizeBytes int64 `json:"size_bytes"`
}

// Stats is the per-memory stats report.
type Stats struct {
	Name       string `json:"name"`
	NoteCount  int    `json:"note_count"`
	SizeBytes  int64  `json:"size_bytes"`
	SchemaName string `json:"schema_name"`
}

// New bootstraps the default memory and returns a ready manager.
func New(ctx context.Context, deps Deps, opts Options) (*Manager, error) {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopCollector()
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewRegistry()
	}
	if opts.MaxMemories <= 0 {
		opts.MaxMemories = DefaultMaxMemories
	}
	if opts.DefaultName == "" {
		opts.DefaultName = namespace.DefaultName
	}
	if err := namespace.Validate(opts.DefaultName); err != nil {
		return nil, err
	}

	def, err := deps.Registry.Bootstrap(ctx, opts.DefaultName)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		registry:    deps.Registry,
		notes:       deps.Notes,
		index:       deps.Index,
		sessions:    deps.Sessions,
		resolver:    deps.Resolver,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		opts:        opts,
		pending:     make(map[string]bool),
		defaultName: def.Name,
	}
	if m.resolver == nil {
		m.resolver = namespace.ResolverFunc(m.lookup)
	}

	m.logger.Info("memory manager ready", "default", def.Name, "max_memories", opts.MaxMemories)
	return m, nil
}

// MaxMemories is the configured capacity.
func (m *Manager) MaxMemories() int {
	return m.opts.MaxMemories
}

// DefaultName is the current default memory.
func (m *Manager) DefaultName() string {
	m.defaultMu.RLock()
	defer m.defaultMu.RUnlock()
	return m.defaultName
}

// Resolve maps a registered memory name to its namespace. A clone target
// whose copy has not committed yet is Unavailable.
func (m *Manager) Resolve(ctx context.Context, name string) (namespace.Namespace, error) {
	if err := namespace.Validate(name); err != nil {
		return namespace.Namespace{}, err
	}
	if err := m.pendingErr("memory.Resolve", name); err != nil {
		return namespace.Namespace{}, err
	}
	return m.resolver.Resolve(ctx, name)
}

func (m *Manager) lookup(ctx context.Context, name string) (namespace.Namespace, error) {
	a, err := m.registry.Get(ctx, name)
	if err != nil {
		return namespace.Namespace{}, err
	}
	return namespace.Namespace{Name: a.Name, Schema: a.SchemaName}, nil
}

// Names lists every usable memory name. Clone targets still being filled
// are left out.
func (m *Manager) Names(ctx context.Context) ([]string, error) {
	archives, err := m.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	names := make([]string, 0, len(archives))
	for _, a := range archives {
		if !m.pending[a.Name] {
			names = append(names, a.Name)
		}
	}
	return names, nil
}

// reserve marks name as a clone target in progress.
func (m *Manager) reserve(op, name string) error {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if m.pending[name] {
		return errs.Conflict(op, "memory %q is already being cloned", name)
	}
	m.pending[name] = true
	return nil
}

func (m *Manager) release(name string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	delete(m.pending, name)
}

func (m *Manager) pendingErr(op, name string) error {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if m.pending[name] {
		return errs.Unavailable(op, "memory %q is still being cloned; retry shortly", name)
	}
	return nil
}

// Create registers a new, empty memory.
func (m *Manager) Create(ctx context.Context, name string, description *string) (a registry.Archive, err error) {
	defer m.observe(ctx, "create_memory", time.Now(), &err)

	if err := namespace.Validate(name); err != nil {
		return registry.Archive{}, err
	}

	a, err = m.registry.Create(ctx, name, description, m.opts.MaxMemories)
	if err != nil {
		return registry.Archive{}, err
	}

	ns := namespace.Namespace{Name: a.Name, Schema: a.SchemaName}
	if err := m.initNamespace(ctx, ns); err != nil {
		m.rollback(ctx, ns)
		return registry.Archive{}, err
	}

	m.updateCount(ctx)
	m.logger.Info("memory created", "name", a.Name, "schema", a.SchemaName)
	return a, nil
}

// initNamespace prepares a freshly registered namespace. Records left behind
// by a failed drop under the same schema are cleared first.
func (m *Manager) initNamespace(ctx context.Context, ns namespace.Namespace) error {
	stats, err := m.notes.Stats(ctx, ns)
	if err != nil {
		return err
	}
	if stats.NoteCount > 0 {
		m.logger.Warn("clearing stale records for new memory", "name", ns.Name, "notes", stats.NoteCount)
		if err := m.notes.Drop(ctx, ns); err != nil {
			return err
		}
		if err := m.index.Drop(ctx, ns); err != nil {
			return errs.Wrap("memory.initNamespace", errs.KindInternal, err)
		}
	}
	if err := m.index.Ensure(ctx, ns); err != nil {
		return errs.Wrap("memory.initNamespace", errs.KindInternal, err)
	}
	return nil
}

// rollback deregisters a memory whose setup failed and drops its data.
func (m *Manager) rollback(ctx context.Context, ns namespace.Namespace) {
	// The caller's context may already be done.
	ctx = context.WithoutCancel(ctx)

	if err := m.registry.Delete(ctx, ns.Name); err != nil {
		m.logger.Error("rollback: failed to deregister memory", "name", ns.Name, "error", err)
	}
	if err := m.notes.Drop(ctx, ns); err != nil {
		m.logger.Error("rollback: failed to drop notes", "name", ns.Name, "error", err)
	}
	if err := m.index.Drop(ctx, ns); err != nil {
		m.logger.Error("rollback: failed to drop index", "name", ns.Name, "error", err)
	}
}

// Get returns a memory with its stats.
func (m *Manager) Get(ctx context.Context, name string) (mem Memory, err error) {
	defer m.observe(ctx, "get_memory", time.Now(), &err)

	if err := namespace.Validate(name); err != nil {
		return Memory{}, err
	}
	a, err := m.registry.Get(ctx, name)
	if err != nil {
		return Memory{}, err
	}
	return m.withStats(ctx, a)
}

// List returns every memory with its stats.
func (m *Manager) List(ctx context.Context) (mems []Memory, err error) {
	defer m.observe(ctx, "list_memories", time.Now(), &err)

	archives, err := m.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	mems = make([]Memory, 0, len(archives))
	for _, a := range archives {
		mem, err := m.withStats(ctx, a)
		if err != nil {
			return nil, err
		}
		mems = append(mems, mem)
	}
	return mems, nil
}

func (m *Manager) withStats(ctx context.Context, a registry.Archive) (Memory, error) {
	stats, err := m.notes.Stats(ctx, namespace.Namespace{Name: a.Name, Schema: a.SchemaName})
	if err != nil {
		return Memory{}, err
	}
	return Memory{Archive: a, NoteCount: stats.NoteCount, SizeBytes: stats.SizeBytes}, nil
}

// Update replaces a memory's description. Nil clears it.
func (m *Manager) Update(ctx context.Context, name string, description *string) (err error) {
	defer m.observe(ctx, "update_memory", time.Now(), &err)

	if err := namespace.Validate(name); err != nil {
		return err
	}
	return m.registry.UpdateDescription(ctx, name, description)
}

// Delete removes a memory and all of its notes. The default memory cannot
// be deleted.
func (m *Manager) Delete(ctx context.Context, name string, force bool) (err error) {
	const op = "memory.Delete"
	defer m.observe(ctx, "delete_memory", time.Now(), &err)

	if err := namespace.Validate(name); err != nil {
		return err
	}
	if err := m.pendingErr(op, name); err != nil {
		return err
	}
	a, err := m.registry.Get(ctx, name)
	if err != nil {
		return err
	}
	if a.IsDefault {
		return errs.Forbidden(op, "cannot delete the default memory %q; set another default first", name)
	}
	ns := namespace.Namespace{Name: a.Name, Schema: a.SchemaName}

	if m.opts.RequireEmptyDelete && !force {
		stats, err := m.notes.Stats(ctx, ns)
		if err != nil {
			return err
		}
		if stats.NoteCount > 0 {
			return errs.Conflict(op, "memory %q still has %d notes; pass force to delete it", name, stats.NoteCount)
		}
	}

	if err := m.registry.Delete(ctx, name); err != nil {
		return err
	}
	if err := m.notes.Drop(ctx, ns); err != nil {
		return err
	}
	if err := m.index.Drop(ctx, ns); err != nil {
		return errs.Wrap(op, errs.KindInternal, err)
	}

	m.updateCount(ctx)
	m.logger.Info("memory deleted", "name", name)
	return nil
}

// SetDefault makes name the default memory and moves every session that is
// not explicitly pinned over to it.
func (m *Manager) SetDefault(ctx context.Context, name string) (err error) {
	defer m.observe(ctx, "set_default_memory", time.Now(), &err)

	if err := namespace.Validate(name); err != nil {
		return err
	}

	m.defaultMu.Lock()
	defer m.defaultMu.Unlock()

	previous, err := m.registry.SetDefault(ctx, name)
	if err != nil {
		return err
	}
	m.defaultName = name
	m.sessions.BroadcastDefault(name)

	m.logger.Info("default memory changed", "from", previous, "to", name)
	return nil
}

// Stats reports note count and size for one memory and stamps its access
// time.
func (m *Manager) Stats(ctx context.Context, name string) (s Stats, err error) {
	defer m.observe(ctx, "get_archive_stats", time.Now(), &err)

	ns, err := m.Resolve(ctx, name)
	if err != nil {
		return Stats{}, err
	}
	st, err := m.notes.Stats(ctx, ns)
	if err != nil {
		return Stats{}, err
	}
	if err := m.registry.Touch(ctx, name); err != nil {
		m.logger.Warn("failed to stamp last access", "name", name, "error", err)
	}

	return Stats{
		Name:       ns.Name,
		NoteCount:  st.NoteCount,
		SizeBytes:  st.SizeBytes,
		SchemaName: ns.Schema,
	}, nil
}

// Reindex rebuilds the search collection of every memory whose indexed
// document count disagrees with its note count.
func (m *Manager) Reindex(ctx context.Context) error {
	archives, err := m.registry.List(ctx)
	if err != nil {
		return err
	}

	for _, a := range archives {
		ns := namespace.Namespace{Name: a.Name, Schema: a.SchemaName}
		stats, err := m.notes.Stats(ctx, ns)
		if err != nil {
			return err
		}
		if m.index.Count(ns) == stats.NoteCount {
			continue
		}

		all, err := m.notes.List(ctx, ns, notes.ListOptions{})
		if err != nil {
			return err
		}
		if err := m.index.Drop(ctx, ns); err != nil {
			return err
		}
		if err := m.index.Add(ctx, ns, all...); err != nil {
			return err
		}
		m.logger.Info("reindexed memory", "name", a.Name, "notes", len(all))
	}
	m.updateCount(ctx)
	return nil
}

func (m *Manager) updateCount(ctx context.Context) {
	n, err := m.registry.Count(ctx)
	if err != nil {
		return
	}
	m.metrics.SetStorageCount(ctx, "memories", int64(n))
}

func (m *Manager) observe(ctx context.Context, operation string, start time.Time, errp *error) {
	elapsed := time.Since(start).Milliseconds()
	if errp != nil && *errp != nil {
		kind := errs.KindOf(*errp)
		m.metrics.RecordOperation(ctx, operation, "error", elapsed)
		m.metrics.RecordError(ctx, operation, string(kind))
		m.logger.Debug("operation failed", "operation", operation, "kind", kind, "error", *errp)
		return
	}
	m.metrics.RecordOperation(ctx, operation, "success", elapsed)
}
