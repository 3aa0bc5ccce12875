package federation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DatanoiseTV/brainvault/internal/errs"
	"github.com/DatanoiseTV/brainvault/internal/memory"
	"github.com/DatanoiseTV/brainvault/internal/namespace"
	"github.com/DatanoiseTV/brainvault/internal/notes"
	"github.com/DatanoiseTV/brainvault/internal/registry"
	"github.com/DatanoiseTV/brainvault/internal/search"
)

// fakeCatalog serves a fixed set of memory names.
type fakeCatalog struct {
	names []string
}

func (f *fakeCatalog) Names(ctx context.Context) ([]string, error) {
	return f.names, nil
}

func (f *fakeCatalog) Resolve(ctx context.Context, name string) (namespace.Namespace, error) {
	if err := namespace.Validate(name); err != nil {
		return namespace.Namespace{}, err
	}
	for _, n := range f.names {
		if n == name {
			return namespace.For(name), nil
		}
	}
	return namespace.Namespace{}, errs.NotFound("fake.Resolve", "memory %q not found", name)
}

// vanishingCatalog lists names it can no longer resolve, as when a memory
// is deleted between Names and Resolve.
type vanishingCatalog struct {
	fakeCatalog
	gone map[string]error
}

func (v *vanishingCatalog) Resolve(ctx context.Context, name string) (namespace.Namespace, error) {
	if err, ok := v.gone[name]; ok {
		return namespace.Namespace{}, err
	}
	return v.fakeCatalog.Resolve(ctx, name)
}

// fakeSearcher returns canned hits per memory, or fails for listed memories.
type fakeSearcher struct {
	hits     map[string][]search.Hit
	failures map[string]error
	hang     map[string]bool
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeSearcher) Search(ctx context.Context, ns namespace.Namespace, q search.Query) ([]search.Hit, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if cur <= p || f.peak.CompareAndSwap(p, cur) {
			break
		}
	}

	if f.hang[ns.Name] {
		time.Sleep(time.Second)
		return nil, nil
	}
	time.Sleep(5 * time.Millisecond)
	if err := f.failures[ns.Name]; err != nil {
		return nil, err
	}
	hits := f.hits[ns.Name]
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func hitsFor(prefix string, n int, score float64) []search.Hit {
	hits := make([]search.Hit, n)
	for i := range hits {
		hits[i] = search.Hit{NoteID: fmt.Sprintf("%s-%03d", prefix, i), Score: score, Tags: []string{}}
	}
	return hits
}

func newTestManager(t *testing.T) *memory.Manager {
	t.Helper()
	reg, err := registry.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	store, err := notes.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx, err := search.NewIndex(store, nil, "", nil)
	require.NoError(t, err)

	m, err := memory.New(context.Background(), memory.Deps{Registry: reg, Notes: store, Index: idx}, memory.Options{})
	require.NoError(t, err)
	return m
}

func TestSearch_AcrossMemories(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	for _, name := range []string{"a", "b", "c"} {
		_, err := m.Create(ctx, name, nil)
		require.NoError(t, err)
		_, err = m.CreateNote(ctx, "t", name, notes.Input{Content: "fedword in " + name})
		require.NoError(t, err)
	}

	idx := searcherFromManager(m)
	c := New(m, idx, Options{})

	res, err := c.Search(ctx, Request{Query: "fedword", Memories: []string{"a", "b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.MemoriesSearched)
	assert.Empty(t, res.Failed)
	require.Len(t, res.Results, 3)

	var got []string
	for _, h := range res.Results {
		got = append(got, h.MemoryName)
	}
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	// Equal scores order by memory name.
	assert.Equal(t, "a", res.Results[0].MemoryName)

	all, err := c.Search(ctx, Request{Query: "fedword", Memories: []string{"all"}})
	require.NoError(t, err)
	assert.Equal(t, 4, all.MemoriesSearched)
	assert.Len(t, all.Results, 3)
}

// searcherFromManager adapts the manager's explicit-memory search to the
// Searcher interface.
func searcherFromManager(m *memory.Manager) search.Searcher {
	return searcherFunc(func(ctx context.Context, ns namespace.Namespace, q search.Query) ([]search.Hit, error) {
		hits, _, err := m.SearchNotes(ctx, "federation-test", ns.Name, q)
		return hits, err
	})
}

type searcherFunc func(ctx context.Context, ns namespace.Namespace, q search.Query) ([]search.Hit, error)

func (f searcherFunc) Search(ctx context.Context, ns namespace.Namespace, q search.Query) ([]search.Hit, error) {
	return f(ctx, ns, q)
}

func TestSearch_LimitBound(t *testing.T) {
	cat := &fakeCatalog{names: []string{"a", "b", "c"}}
	s := &fakeSearcher{hits: map[string][]search.Hit{
		"a": hitsFor("a", 50, 0.5),
		"b": hitsFor("b", 50, 0.7),
		"c": hitsFor("c", 50, 0.6),
	}}
	c := New(cat, s, Options{})
	ctx := context.Background()

	res, err := c.Search(ctx, Request{Query: "q"})
	require.NoError(t, err)
	assert.Len(t, res.Results, DefaultLimit)
	assert.Equal(t, "b", res.Results[0].MemoryName)

	res, err = c.Search(ctx, Request{Query: "q", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, res.Results, 5)

	res, err = c.Search(ctx, Request{Query: "q", Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, res.Results, MaxLimit)

	for i := 1; i < len(res.Results); i++ {
		assert.GreaterOrEqual(t, res.Results[i-1].Score, res.Results[i].Score)
	}
}

func TestSearch_UnknownMemory(t *testing.T) {
	c := New(&fakeCatalog{names: []string{"a"}}, &fakeSearcher{}, Options{})

	_, err := c.Search(context.Background(), Request{Query: "q", Memories: []string{"a", "nope", "gone"}})
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	assert.Contains(t, err.Error(), `"nope"`)
	assert.Contains(t, err.Error(), `"gone"`)

	_, err = c.Search(context.Background(), Request{Query: "q", Memories: []string{"Bad Name"}})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestSearch_EmptyQuery(t *testing.T) {
	c := New(&fakeCatalog{names: []string{"a"}}, &fakeSearcher{}, Options{})
	_, err := c.Search(context.Background(), Request{Query: " "})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestSearch_PartialFailure(t *testing.T) {
	cat := &fakeCatalog{names: []string{"a", "b", "c"}}
	s := &fakeSearcher{
		hits: map[string][]search.Hit{
			"a": hitsFor("a", 2, 0.9),
			"c": hitsFor("c", 2, 0.8),
		},
		failures: map[string]error{"b": errors.New("disk on fire")},
	}
	c := New(cat, s, Options{})

	res, err := c.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.MemoriesSearched)
	assert.Len(t, res.Results, 4)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "b", res.Failed[0].MemoryName)
	assert.Equal(t, errs.KindUnavailable, res.Failed[0].Kind)
	assert.Contains(t, res.Failed[0].Message, "disk on fire")
}

func TestSearch_AllFail(t *testing.T) {
	cat := &fakeCatalog{names: []string{"a", "b"}}
	s := &fakeSearcher{failures: map[string]error{
		"a": errors.New("down"),
		"b": errors.New("down"),
	}}
	c := New(cat, s, Options{})

	_, err := c.Search(context.Background(), Request{Query: "q"})
	assert.Equal(t, errs.KindUnavailable, errs.KindOf(err))
}

func TestSearch_Timeout(t *testing.T) {
	cat := &fakeCatalog{names: []string{"fast", "slow"}}
	s := &fakeSearcher{
		hits: map[string][]search.Hit{"fast": hitsFor("fast", 1, 1)},
		hang: map[string]bool{"slow": true},
	}
	c := New(cat, s, Options{PerArchiveTimeout: 50 * time.Millisecond})

	start := time.Now()
	res, err := c.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, 1, res.MemoriesSearched)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "slow", res.Failed[0].MemoryName)
}

func TestSearch_BoundedWorkers(t *testing.T) {
	names := make([]string, 12)
	for i := range names {
		names[i] = fmt.Sprintf("m%d", i)
	}
	s := &fakeSearcher{}
	c := New(&fakeCatalog{names: names}, s, Options{Workers: 3})

	res, err := c.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 12, res.MemoriesSearched)
	assert.LessOrEqual(t, s.peak.Load(), int32(3))
}

func TestSearch_GlobSelectors(t *testing.T) {
	cat := &fakeCatalog{names: []string{"proj-a", "proj-b", "personal"}}
	s := &fakeSearcher{hits: map[string][]search.Hit{
		"proj-a":   hitsFor("pa", 1, 0.5),
		"proj-b":   hitsFor("pb", 1, 0.5),
		"personal": hitsFor("pe", 1, 0.5),
	}}
	c := New(cat, s, Options{})
	ctx := context.Background()

	res, err := c.Search(ctx, Request{Query: "q", Memories: []string{"proj-*", "proj-a"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.MemoriesSearched, "duplicates collapse")

	_, err = c.Search(ctx, Request{Query: "q", Memories: []string{"zzz-*"}})
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	_, err = c.Search(ctx, Request{Query: "q", Memories: []string{"proj-[a"}})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestSearch_SkipsMemoriesDeletedDuringExpansion(t *testing.T) {
	cat := &vanishingCatalog{
		fakeCatalog: fakeCatalog{names: []string{"public", "grocery", "gone", "going"}},
		gone: map[string]error{
			"gone":  errs.NotFound("registry.Get", "memory %q not found", "gone"),
			"going": errs.Unavailable("memory.Resolve", "memory %q is still being cloned", "going"),
		},
	}
	s := &fakeSearcher{hits: map[string][]search.Hit{
		"public":  hitsFor("pu", 1, 0.5),
		"grocery": hitsFor("gr", 1, 0.4),
	}}
	c := New(cat, s, Options{})
	ctx := context.Background()

	res, err := c.Search(ctx, Request{Query: "q", Memories: []string{"all"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.MemoriesSearched)
	assert.Empty(t, res.Failed)
	assert.Len(t, res.Results, 2)

	res, err = c.Search(ctx, Request{Query: "q", Memories: []string{"g*"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.MemoriesSearched)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "grocery", res.Results[0].MemoryName)

	res, err = c.Search(ctx, Request{Query: "q", Memories: []string{"go*"}})
	require.NoError(t, err)
	assert.Zero(t, res.MemoriesSearched)
	assert.Empty(t, res.Results)

	// Names the caller spelled out still have to exist.
	_, err = c.Search(ctx, Request{Query: "q", Memories: []string{"grocery", "gone"}})
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	assert.Contains(t, err.Error(), `"gone"`)

	_, err = c.Search(ctx, Request{Query: "q", Memories: []string{"going"}})
	assert.Equal(t, errs.KindUnavailable, errs.KindOf(err))
}

func TestCatalogResolvesThroughManager(t *testing.T) {
	var cat Catalog = newTestManager(t)

	ns, err := cat.Resolve(context.Background(), "public")
	require.NoError(t, err)
	assert.Equal(t, namespace.For("public"), ns)
}
