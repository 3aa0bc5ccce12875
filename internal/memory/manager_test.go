package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DatanoiseTV/brainvault/internal/errs"
	"github.com/DatanoiseTV/brainvault/internal/namespace"
	"github.com/DatanoiseTV/brainvault/internal/notes"
	"github.com/DatanoiseTV/brainvault/internal/registry"
	"github.com/DatanoiseTV/brainvault/internal/search"
	"github.com/DatanoiseTV/brainvault/internal/session"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()

	reg, err := registry.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	store, err := notes.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx, err := search.NewIndex(store, nil, "", nil)
	require.NoError(t, err)

	return Deps{
		Registry: reg,
		Notes:    store,
		Index:    idx,
		Sessions: session.NewRegistry(),
	}
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m, err := New(context.Background(), newTestDeps(t), opts)
	require.NoError(t, err)
	return m
}

func strPtr(s string) *string { return &s }

func TestNew_BootstrapsDefault(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	assert.Equal(t, namespace.DefaultName, m.DefaultName())
	assert.Equal(t, DefaultMaxMemories, m.MaxMemories())

	mems, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, "public", mems[0].Name)
	assert.Equal(t, "public", mems[0].SchemaName)
	assert.True(t, mems[0].IsDefault)
}

func TestCreate(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	a, err := m.Create(ctx, "valid-name", strPtr("desc"))
	require.NoError(t, err)
	assert.Equal(t, "archive_valid_name", a.SchemaName)

	_, err = m.Create(ctx, "bad name!", nil)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = m.Create(ctx, "valid-name", nil)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	mem, err := m.Get(ctx, "valid-name")
	require.NoError(t, err)
	assert.Equal(t, 0, mem.NoteCount)
	require.NotNil(t, mem.Description)
	assert.Equal(t, "desc", *mem.Description)
}

func TestCreate_Capacity(t *testing.T) {
	m := newTestManager(t, Options{MaxMemories: 3})
	ctx := context.Background()

	_, err := m.Create(ctx, "a", nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "b", nil)
	require.NoError(t, err)

	_, err = m.Create(ctx, "c", nil)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	assert.Contains(t, err.Error(), "Memory limit reached (3/3)")

	o, err := m.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, o.MemoryCount)
	assert.Equal(t, 0, o.RemainingSlots)
}

func TestCreate_ConcurrentRespectsCapacity(t *testing.T) {
	m := newTestManager(t, Options{MaxMemories: 5})
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Create(ctx, fmt.Sprintf("m-%d", i), nil); err == nil {
				wins.Add(1)
			} else {
				assert.Equal(t, errs.KindConflict, errs.KindOf(err))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(4), wins.Load())
	mems, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, mems, 5)
}

func TestUpdate(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	_, err := m.Create(ctx, "work", strPtr("old"))
	require.NoError(t, err)

	require.NoError(t, m.Update(ctx, "work", strPtr("new")))
	mem, err := m.Get(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "new", *mem.Description)

	require.NoError(t, m.Update(ctx, "work", nil))
	mem, err = m.Get(ctx, "work")
	require.NoError(t, err)
	assert.Nil(t, mem.Description)

	assert.Equal(t, errs.KindNotFound, errs.KindOf(m.Update(ctx, "missing", nil)))
}

func TestNotesAreIsolated(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		_, err := m.Create(ctx, name, nil)
		require.NoError(t, err)
	}

	n, err := m.CreateNote(ctx, "caller", "a", notes.Input{Content: "isolated secret"})
	require.NoError(t, err)
	assert.Equal(t, "a", n.MemoryName)

	hits, memName, err := m.SearchNotes(ctx, "caller", "b", search.Query{Text: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "b", memName)
	assert.Empty(t, hits)

	_, err = m.GetNote(ctx, "caller", "b", n.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	hits, _, err = m.SearchNotes(ctx, "caller", "a", search.Query{Text: "secret"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, n.ID, hits[0].NoteID)
}

func TestDelete(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	err := m.Delete(ctx, "public", true)
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))

	err = m.Delete(ctx, "missing", false)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	_, err = m.Create(ctx, "scratch", nil)
	require.NoError(t, err)
	_, err = m.CreateNote(ctx, "caller", "scratch", notes.Input{Content: "temporary"})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "scratch", false))
	_, err = m.Get(ctx, "scratch")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	// A new memory with the same name starts empty.
	_, err = m.Create(ctx, "scratch", nil)
	require.NoError(t, err)
	mem, err := m.Get(ctx, "scratch")
	require.NoError(t, err)
	assert.Equal(t, 0, mem.NoteCount)
}

func TestDelete_RequireEmpty(t *testing.T) {
	m := newTestManager(t, Options{RequireEmptyDelete: true})
	ctx := context.Background()

	_, err := m.Create(ctx, "full", nil)
	require.NoError(t, err)
	_, err = m.CreateNote(ctx, "caller", "full", notes.Input{Content: "keep me"})
	require.NoError(t, err)

	err = m.Delete(ctx, "full", false)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	require.NoError(t, m.Delete(ctx, "full", true))
}

func TestSetDefault_SessionSync(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	for _, name := range []string{"work", "pinned"} {
		_, err := m.Create(ctx, name, nil)
		require.NoError(t, err)
	}

	name, explicit := m.Active(ctx, "follower")
	assert.Equal(t, "public", name)
	assert.False(t, explicit)

	require.NoError(t, m.Select(ctx, "pinner", "pinned"))

	require.NoError(t, m.SetDefault(ctx, "work"))
	assert.Equal(t, "work", m.DefaultName())

	name, explicit = m.Active(ctx, "follower")
	assert.Equal(t, "work", name)
	assert.False(t, explicit)

	name, explicit = m.Active(ctx, "pinner")
	assert.Equal(t, "pinned", name)
	assert.True(t, explicit)

	name, _ = m.Active(ctx, "newcomer")
	assert.Equal(t, "work", name)

	assert.Equal(t, errs.KindNotFound, errs.KindOf(m.SetDefault(ctx, "missing")))
	assert.Equal(t, "work", m.DefaultName())

	// The old default can now be deleted; the new one cannot.
	require.NoError(t, m.Delete(ctx, "public", false))
	assert.Equal(t, errs.KindForbidden, errs.KindOf(m.Delete(ctx, "work", false)))
}

func TestSelect(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	err := m.Select(ctx, "caller", "missing")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	_, err = m.Create(ctx, "work", nil)
	require.NoError(t, err)
	require.NoError(t, m.Select(ctx, "caller", "work"))

	n, err := m.CreateNote(ctx, "caller", "", notes.Input{Content: "routed by session"})
	require.NoError(t, err)
	assert.Equal(t, "work", n.MemoryName)

	// Another caller is unaffected.
	other, err := m.CreateNote(ctx, "other", "", notes.Input{Content: "default route"})
	require.NoError(t, err)
	assert.Equal(t, "public", other.MemoryName)

	assert.Equal(t, "public", m.FollowDefault(ctx, "caller"))
	name, explicit := m.Active(ctx, "caller")
	assert.Equal(t, "public", name)
	assert.False(t, explicit)
}

func TestSelect_DeletedMemory(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	_, err := m.Create(ctx, "gone", nil)
	require.NoError(t, err)
	require.NoError(t, m.Select(ctx, "caller", "gone"))
	require.NoError(t, m.Delete(ctx, "gone", false))

	_, _, err = m.ListNotes(ctx, "caller", "", notes.ListOptions{})
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	assert.Contains(t, errs.MessageOf(err), "select another memory")

	m.Forget("caller")
	_, memName, err := m.ListNotes(ctx, "caller", "", notes.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, "public", memName)
}

func TestNoteLifecycle(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	n, err := m.CreateNote(ctx, "c", "", notes.Input{Title: "t", Content: "first draft", Tags: []string{"draft"}})
	require.NoError(t, err)

	content := "second draft"
	updated, err := m.UpdateNote(ctx, "c", "", n.ID, notes.Update{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, "second draft", updated.Content)

	tagged, err := m.TagNote(ctx, "c", "", n.ID, "review")
	require.NoError(t, err)
	assert.Equal(t, []string{"draft", "review"}, tagged.Tags)

	untagged, err := m.UntagNote(ctx, "c", "", n.ID, "draft")
	require.NoError(t, err)
	assert.Equal(t, []string{"review"}, untagged.Tags)

	tags, memName, err := m.ListTags(ctx, "c", "")
	require.NoError(t, err)
	assert.Equal(t, "public", memName)
	assert.Equal(t, []notes.TagCount{{Name: "review", NoteCount: 1}}, tags)

	hits, _, err := m.SearchNotes(ctx, "c", "", search.Query{Text: "second", Mode: search.ModeSemantic})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	_, err = m.DeleteNote(ctx, "c", "", n.ID)
	require.NoError(t, err)
	list, _, err := m.ListNotes(ctx, "c", "", notes.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = m.DeleteNote(ctx, "c", "", n.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestStats(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	_, err := m.CreateNote(ctx, "c", "", notes.Input{Content: "hello"})
	require.NoError(t, err)

	s, err := m.Stats(ctx, "public")
	require.NoError(t, err)
	assert.Equal(t, "public", s.Name)
	assert.Equal(t, "public", s.SchemaName)
	assert.Equal(t, 1, s.NoteCount)
	assert.Positive(t, s.SizeBytes)

	mem, err := m.Get(ctx, "public")
	require.NoError(t, err)
	assert.NotNil(t, mem.LastAccessed)

	_, err = m.Stats(ctx, "missing")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestOverview(t *testing.T) {
	m := newTestManager(t, Options{MaxMemories: 4})
	ctx := context.Background()

	_, err := m.Create(ctx, "work", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m.CreateNote(ctx, "c", "work", notes.Input{Content: fmt.Sprintf("note %d", i)})
		require.NoError(t, err)
	}
	_, err = m.CreateNote(ctx, "c", "", notes.Input{Content: "public note"})
	require.NoError(t, err)

	o, err := m.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, o.MemoryCount)
	assert.Equal(t, 4, o.MaxMemories)
	assert.Equal(t, 2, o.RemainingSlots)
	assert.Equal(t, 4, o.TotalNotes)
	require.Len(t, o.Memories, 2)

	var sum int64
	for _, e := range o.Memories {
		sum += e.SizeBytes
		if e.Name == "public" {
			assert.True(t, e.IsDefault)
			assert.Equal(t, 1, e.NoteCount)
		}
	}
	assert.Equal(t, sum, o.TotalSizeBytes)
}

func TestOverview_CapacityLoweredOnRestart(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	m, err := New(ctx, deps, Options{MaxMemories: 10})
	require.NoError(t, err)
	for _, name := range []string{"a", "b", "c"} {
		_, err := m.Create(ctx, name, nil)
		require.NoError(t, err)
	}

	// Same storage, smaller MAX_MEMORIES.
	m, err = New(ctx, deps, Options{MaxMemories: 2})
	require.NoError(t, err)

	o, err := m.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, o.MemoryCount)
	assert.Equal(t, 2, o.MaxMemories)
	assert.Equal(t, o.MaxMemories-o.MemoryCount, o.RemainingSlots)
	assert.Equal(t, -2, o.RemainingSlots)

	_, err = m.Create(ctx, "d", nil)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestInjectedResolver(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	var lookups atomic.Int32
	deps.Resolver = namespace.ResolverFunc(func(ctx context.Context, name string) (namespace.Namespace, error) {
		lookups.Add(1)
		if name == "sealed" {
			return namespace.Namespace{}, errs.Unavailable("test.Resolve", "memory %q is sealed", name)
		}
		a, err := deps.Registry.Get(ctx, name)
		if err != nil {
			return namespace.Namespace{}, err
		}
		return namespace.Namespace{Name: a.Name, Schema: a.SchemaName}, nil
	})

	m, err := New(ctx, deps, Options{})
	require.NoError(t, err)
	_, err = m.Create(ctx, "sealed", nil)
	require.NoError(t, err)

	n, err := m.CreateNote(ctx, "c", "", notes.Input{Content: "routed"})
	require.NoError(t, err)
	assert.Equal(t, "public", n.MemoryName)
	assert.Positive(t, lookups.Load())

	_, err = m.CreateNote(ctx, "c", "sealed", notes.Input{Content: "blocked"})
	assert.Equal(t, errs.KindUnavailable, errs.KindOf(err))
	assert.Equal(t, errs.KindUnavailable, errs.KindOf(m.Select(ctx, "c", "sealed")))
}

func TestReindex(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	n, err := m.CreateNote(ctx, "c", "", notes.Input{Content: "indexed later"})
	require.NoError(t, err)

	ns, err := m.Resolve(ctx, "public")
	require.NoError(t, err)
	require.NoError(t, m.index.Drop(ctx, ns))
	assert.Equal(t, 0, m.index.Count(ns))

	require.NoError(t, m.Reindex(ctx))
	assert.Equal(t, 1, m.index.Count(ns))

	hits, _, err := m.SearchNotes(ctx, "c", "", search.Query{Text: "indexed", Mode: search.ModeSemantic})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, n.ID, hits[0].NoteID)
}
