// Package search runs queries inside a single memory. Text mode scores the
// notes directly; semantic mode queries a chromem collection kept per
// namespace.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/DatanoiseTV/brainvault/internal/embed"
	"github.com/DatanoiseTV/brainvault/internal/errs"
	"github.com/DatanoiseTV/brainvault/internal/logging"
	"github.com/DatanoiseTV/brainvault/internal/namespace"
	"github.com/DatanoiseTV/brainvault/internal/notes"
)

// Mode selects the scoring strategy.
type Mode string

const (
	ModeText     Mode = "text"
	ModeSemantic Mode = "semantic"
)

// MaxSnippetLength bounds the snippet returned with each hit, in runes.
const MaxSnippetLength = 160

// ParseMode maps a request string to a Mode. Empty means text.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeText:
		return ModeText, nil
	case ModeSemantic:
		return ModeSemantic, nil
	default:
		return "", errs.Validation("search.ParseMode", "unknown search mode %q (use text or semantic)", s)
	}
}

// Hit is one matching note.
type Hit struct {
	NoteID  string   `json:"note_id"`
	Title   string   `json:"title,omitempty"`
	Snippet string   `json:"snippet"`
	Score   float64  `json:"score"`
	Tags    []string `json:"tags"`
}

// Query is a search inside one namespace.
type Query struct {
	Text  string
	Limit int
	Mode  Mode
}

// Searcher searches one namespace.
type Searcher interface {
	Search(ctx context.Context, ns namespace.Namespace, q Query) ([]Hit, error)
}

// Index owns the semantic collections and answers both search modes.
type Index struct {
	notes   *notes.Store
	db      *chromem.DB
	embFunc chromem.EmbeddingFunc
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewIndex creates the index. An empty dir keeps collections in memory.
func NewIndex(store *notes.Store, embFunc chromem.EmbeddingFunc, dir string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if embFunc == nil {
		embFunc = embed.NewHash(embed.Dimension)
	}

	db := chromem.NewDB()
	if dir != "" {
		var err error
		db, err = chromem.NewPersistentDB(dir, true)
		if err != nil {
			return nil, fmt.Errorf("failed to create chromem database: %w", err)
		}
	}

	return &Index{notes: store, db: db, embFunc: embFunc, logger: logger}, nil
}

func (x *Index) collection(ns namespace.Namespace) (*chromem.Collection, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	col, err := x.db.GetOrCreateCollection(ns.Collection(), nil, x.embFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", ns.Collection(), err)
	}
	return col, nil
}

// Ensure creates the namespace's collection if it does not exist.
func (x *Index) Ensure(ctx context.Context, ns namespace.Namespace) error {
	_, err := x.collection(ns)
	return err
}

// Drop deletes the namespace's collection.
func (x *Index) Drop(ctx context.Context, ns namespace.Namespace) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.db.DeleteCollection(ns.Collection()); err != nil {
		return fmt.Errorf("failed to delete collection %q: %w", ns.Collection(), err)
	}
	return nil
}

// Add indexes notes into the namespace's collection. A document with an
// existing ID replaces the earlier version.
func (x *Index) Add(ctx context.Context, ns namespace.Namespace, batch ...notes.Note) error {
	if len(batch) == 0 {
		return nil
	}
	col, err := x.collection(ns)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, len(batch))
	for i, n := range batch {
		docs[i] = chromem.Document{
			ID:       n.ID,
			Content:  documentText(n),
			Metadata: map[string]string{"title": n.Title, "tags": strings.Join(n.Tags, ",")},
		}
	}

	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to index notes: %w", err)
	}
	return nil
}

// Remove drops a note from the namespace's collection.
func (x *Index) Remove(ctx context.Context, ns namespace.Namespace, id string) error {
	col, err := x.collection(ns)
	if err != nil {
		return err
	}
	return col.Delete(ctx, nil, nil, id)
}

// Count returns the number of indexed documents in ns.
func (x *Index) Count(ns namespace.Namespace) int {
	col, err := x.collection(ns)
	if err != nil {
		return 0
	}
	return col.Count()
}

// Search runs q inside ns.
func (x *Index) Search(ctx context.Context, ns namespace.Namespace, q Query) ([]Hit, error) {
	const op = "search.Search"

	if strings.TrimSpace(q.Text) == "" {
		return nil, errs.Validation(op, "query cannot be empty")
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}

	switch q.Mode {
	case ModeSemantic:
		return x.searchSemantic(ctx, ns, q)
	default:
		return x.searchText(ctx, ns, q)
	}
}

// searchText scores each note by query term frequency, damped by note
// length.
func (x *Index) searchText(ctx context.Context, ns namespace.Namespace, q Query) ([]Hit, error) {
	terms := embed.Tokenize(q.Text)
	if len(terms) == 0 {
		return []Hit{}, nil
	}

	var hits []Hit
	err := x.notes.Scan(ctx, ns, func(n notes.Note) error {
		score := textScore(terms, embed.Tokenize(documentText(n)))
		if score > 0 {
			hits = append(hits, hitFor(n.ID, n.Title, n.Content, n.Tags, score))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortHits(hits)
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, nil
}

func (x *Index) searchSemantic(ctx context.Context, ns namespace.Namespace, q Query) ([]Hit, error) {
	col, err := x.collection(ns)
	if err != nil {
		return nil, err
	}

	n := q.Limit
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return []Hit{}, nil
	}

	results, err := col.Query(ctx, embed.Query(q.Text), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic query failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		var tags []string
		if t := r.Metadata["tags"]; t != "" {
			tags = strings.Split(t, ",")
		}
		title := r.Metadata["title"]
		content := strings.TrimPrefix(r.Content, title+"\n")
		hits = append(hits, hitFor(r.ID, title, content, tags, float64(r.Similarity)))
	}
	sortHits(hits)
	return hits, nil
}

func textScore(terms, doc []string) float64 {
	if len(doc) == 0 {
		return 0
	}
	freq := make(map[string]int, len(doc))
	for _, t := range doc {
		freq[t]++
	}

	var tf int
	for _, t := range terms {
		tf += freq[t]
	}
	if tf == 0 {
		return 0
	}
	return float64(tf) / math.Sqrt(float64(len(doc)))
}

func documentText(n notes.Note) string {
	if n.Title == "" {
		return n.Content
	}
	return n.Title + "\n" + n.Content
}

func hitFor(id, title, content string, tags []string, score float64) Hit {
	if tags == nil {
		tags = []string{}
	}
	return Hit{
		NoteID:  id,
		Title:   title,
		Snippet: Snippet(content),
		Score:   score,
		Tags:    tags,
	}
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].NoteID < hits[j].NoteID
	})
}

// Snippet shortens content to MaxSnippetLength runes.
func Snippet(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= MaxSnippetLength {
		return content
	}
	return string(runes[:MaxSnippetLength-3]) + "..."
}
