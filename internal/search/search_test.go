package search

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DatanoiseTV/brainvault/internal/errs"
	"github.com/DatanoiseTV/brainvault/internal/namespace"
	"github.com/DatanoiseTV/brainvault/internal/notes"
)

func newTestIndex(t *testing.T) (*Index, *notes.Store) {
	t.Helper()
	store, err := notes.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx, err := NewIndex(store, nil, "", nil)
	require.NoError(t, err)
	return idx, store
}

func addNote(t *testing.T, idx *Index, store *notes.Store, ns namespace.Namespace, in notes.Input) notes.Note {
	t.Helper()
	n, err := store.Create(context.Background(), ns, in)
	require.NoError(t, err)
	require.NoError(t, idx.Add(context.Background(), ns, n))
	return n
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeText, m)

	m, err = ParseMode("Semantic")
	require.NoError(t, err)
	assert.Equal(t, ModeSemantic, m)

	_, err = ParseMode("fuzzy")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestSearchText(t *testing.T) {
	ctx := context.Background()
	idx, store := newTestIndex(t)
	ns := namespace.For("work")

	strong := addNote(t, idx, store, ns, notes.Input{Title: "deploy", Content: "deploy deploy the service", Tags: []string{"ops"}})
	weak := addNote(t, idx, store, ns, notes.Input{Content: "we might deploy the service one day after lunch"})
	addNote(t, idx, store, ns, notes.Input{Content: "unrelated grocery list"})

	hits, err := idx.Search(ctx, ns, Query{Text: "Deploy"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, strong.ID, hits[0].NoteID)
	assert.Equal(t, weak.ID, hits[1].NoteID)
	assert.Equal(t, []string{"ops"}, hits[0].Tags)
	assert.Equal(t, []string{}, hits[1].Tags)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	hits, err = idx.Search(ctx, ns, Query{Text: "deploy", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = idx.Search(ctx, ns, Query{Text: "nothing-matches-this"})
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
}

func TestSearch_EmptyQuery(t *testing.T) {
	idx, _ := newTestIndex(t)
	_, err := idx.Search(context.Background(), namespace.For("public"), Query{Text: "  "})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestSearch_StaysInNamespace(t *testing.T) {
	ctx := context.Background()
	idx, store := newTestIndex(t)
	a := namespace.For("a")
	b := namespace.For("b")

	addNote(t, idx, store, a, notes.Input{Content: "secret alpha"})

	for _, mode := range []Mode{ModeText, ModeSemantic} {
		hits, err := idx.Search(ctx, b, Query{Text: "secret alpha", Mode: mode})
		require.NoError(t, err)
		assert.Empty(t, hits, "mode %s", mode)
	}
}

func TestSearchSemantic(t *testing.T) {
	ctx := context.Background()
	idx, store := newTestIndex(t)
	ns := namespace.For("work")

	target := addNote(t, idx, store, ns, notes.Input{Title: "k8s", Content: "kubernetes deployment rollout", Tags: []string{"ops"}})
	addNote(t, idx, store, ns, notes.Input{Content: "banana bread recipe"})
	assert.Equal(t, 2, idx.Count(ns))

	hits, err := idx.Search(ctx, ns, Query{Text: "kubernetes rollout", Mode: ModeSemantic, Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, target.ID, hits[0].NoteID)
	assert.Equal(t, "k8s", hits[0].Title)
	assert.Equal(t, "kubernetes deployment rollout", hits[0].Snippet)
	assert.Equal(t, []string{"ops"}, hits[0].Tags)

	require.NoError(t, idx.Remove(ctx, ns, target.ID))
	assert.Equal(t, 1, idx.Count(ns))

	require.NoError(t, idx.Drop(ctx, ns))
	assert.Equal(t, 0, idx.Count(ns))
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "a b", Snippet("a\n\n b"))

	long := strings.Repeat("x", MaxSnippetLength+10)
	s := Snippet(long)
	assert.Len(t, []rune(s), MaxSnippetLength)
	assert.True(t, strings.HasSuffix(s, "..."))
}
