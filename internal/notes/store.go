// Package notes stores the notes of every memory in one Badger database,
// partitioned by namespace key prefix. All operations take the Namespace
// to act in; nothing here can address a record outside it.
package notes

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/DatanoiseTV/brainvault/internal/errs"
	"github.com/DatanoiseTV/brainvault/internal/logging"
	"github.com/DatanoiseTV/brainvault/internal/namespace"
)

// timeNow returns current time (allows for mock in tests)
var timeNow = time.Now

// Note is a single note inside one memory.
type Note struct {
	ID          string            `cbor:"id" json:"id"`
	Title       string            `cbor:"title" json:"title,omitempty"`
	Content     string            `cbor:"content" json:"content"`
	Tags        []string          `cbor:"tags" json:"tags"`
	Metadata    map[string]string `cbor:"metadata" json:"metadata,omitempty"`
	ContentHash string            `cbor:"content_hash" json:"content_hash"`
	CreatedAt   time.Time         `cbor:"created_at" json:"created_at"`
	UpdatedAt   time.Time         `cbor:"updated_at" json:"updated_at"`
}

// Input describes a note to create.
type Input struct {
	Title    string
	Content  string
	Tags     []string
	Metadata map[string]string
}

// Update describes a partial note update; nil fields are left alone.
type Update struct {
	Title    *string
	Content  *string
	Metadata map[string]string
}

// ListOptions filters List.
type ListOptions struct {
	Tag   string
	Limit int
}

// TagCount is a tag and the number of notes carrying it.
type TagCount struct {
	Name      string `json:"name"`
	NoteCount int    `json:"note_count"`
}

// Stats summarizes one namespace.
type Stats struct {
	NoteCount int   `json:"note_count"`
	SizeBytes int64 `json:"size_bytes"`
}

// Store is the Badger-backed note store.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens the note database under dir. An empty dir opens an in-memory
// database.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open note database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the Badger instance.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Create stores a new note in ns.
func (s *Store) Create(ctx context.Context, ns namespace.Namespace, in Input) (Note, error) {
	const op = "notes.Create"
	if err := ctx.Err(); err != nil {
		return Note{}, err
	}

	content := strings.TrimSpace(in.Content)
	if content == "" {
		return Note{}, errs.Validation(op, "note content cannot be empty")
	}

	now := timeNow().UTC()
	note := Note{
		ID:          newID(),
		Title:       strings.TrimSpace(in.Title),
		Content:     in.Content,
		Tags:        normalizeTags(in.Tags),
		Metadata:    in.Metadata,
		ContentHash: ContentHash(in.Content),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return putNote(txn, ns, note)
	})
	if err != nil {
		return Note{}, errs.Wrap(op, errs.KindInternal, err)
	}

	s.logger.Debug("note created", "memory", ns.Name, "id", note.ID)
	return note, nil
}

// Get retrieves a note by ID.
func (s *Store) Get(ctx context.Context, ns namespace.Namespace, id string) (Note, error) {
	if err := ctx.Err(); err != nil {
		return Note{}, err
	}

	var note Note
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		note, err = getNote(txn, ns, id)
		return err
	})
	return note, err
}

// List returns the notes of ns, newest first.
func (s *Store) List(ctx context.Context, ns namespace.Namespace, opts ListOptions) ([]Note, error) {
	tag := normalizeTag(opts.Tag)

	var notes []Note
	err := s.Scan(ctx, ns, func(n Note) error {
		if tag != "" && !hasTag(n.Tags, tag) {
			return nil
		}
		notes = append(notes, n)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(notes, func(i, j int) bool {
		if notes[i].CreatedAt.Equal(notes[j].CreatedAt) {
			return notes[i].ID > notes[j].ID
		}
		return notes[i].CreatedAt.After(notes[j].CreatedAt)
	})
	if opts.Limit > 0 && len(notes) > opts.Limit {
		notes = notes[:opts.Limit]
	}
	return notes, nil
}

// Update applies a partial update.
func (s *Store) Update(ctx context.Context, ns namespace.Namespace, id string, upd Update) (Note, error) {
	const op = "notes.Update"

	if upd.Content != nil && strings.TrimSpace(*upd.Content) == "" {
		return Note{}, errs.Validation(op, "note content cannot be empty")
	}

	return s.modify(ctx, ns, id, func(n *Note) {
		if upd.Title != nil {
			n.Title = strings.TrimSpace(*upd.Title)
		}
		if upd.Content != nil {
			n.Content = *upd.Content
			n.ContentHash = ContentHash(n.Content)
		}
		if upd.Metadata != nil {
			n.Metadata = upd.Metadata
		}
	})
}

// AddTag adds tag to a note. Adding a tag twice is a no-op.
func (s *Store) AddTag(ctx context.Context, ns namespace.Namespace, id, tag string) (Note, error) {
	tag = normalizeTag(tag)
	if tag == "" {
		return Note{}, errs.Validation("notes.AddTag", "tag cannot be empty")
	}
	return s.modify(ctx, ns, id, func(n *Note) {
		if !hasTag(n.Tags, tag) {
			n.Tags = append(n.Tags, tag)
			sort.Strings(n.Tags)
		}
	})
}

// RemoveTag removes tag from a note.
func (s *Store) RemoveTag(ctx context.Context, ns namespace.Namespace, id, tag string) (Note, error) {
	tag = normalizeTag(tag)
	return s.modify(ctx, ns, id, func(n *Note) {
		kept := n.Tags[:0]
		for _, t := range n.Tags {
			if t != tag {
				kept = append(kept, t)
			}
		}
		n.Tags = kept
	})
}

func (s *Store) modify(ctx context.Context, ns namespace.Namespace, id string, fn func(*Note)) (Note, error) {
	if err := ctx.Err(); err != nil {
		return Note{}, err
	}

	var note Note
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		note, err = getNote(txn, ns, id)
		if err != nil {
			return err
		}
		fn(&note)
		note.UpdatedAt = timeNow().UTC()
		return putNote(txn, ns, note)
	})
	return note, err
}

// Delete removes a note.
func (s *Store) Delete(ctx context.Context, ns namespace.Namespace, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := ns.Key("note", id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return errs.NotFound("notes.Delete", "note %q not found in memory %q", id, ns.Name)
			}
			return errs.Wrap("notes.Delete", errs.KindInternal, err)
		}
		return txn.Delete(key)
	})
}

// Scan calls fn for every note in ns in key order, inside one read
// snapshot. Returning an error from fn stops the scan.
func (s *Store) Scan(ctx context.Context, ns namespace.Namespace, fn func(Note) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return scanNotes(ctx, txn, ns, fn)
	})
}

// Tags counts tag usage in ns.
func (s *Store) Tags(ctx context.Context, ns namespace.Namespace) ([]TagCount, error) {
	counts := make(map[string]int)
	err := s.Scan(ctx, ns, func(n Note) error {
		for _, t := range n.Tags {
			counts[t]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tags := make([]TagCount, 0, len(counts))
	for name, n := range counts {
		tags = append(tags, TagCount{Name: name, NoteCount: n})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags, nil
}

// Stats counts notes and their stored bytes in ns. Computed on demand.
func (s *Store) Stats(ctx context.Context, ns namespace.Namespace) (Stats, error) {
	var stats Stats
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = ns.Key("note", "")

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			stats.NoteCount++
			stats.SizeBytes += int64(len(item.Key())) + item.ValueSize()
		}
		return nil
	})
	if err != nil {
		return Stats{}, errs.Wrap("notes.Stats", errs.KindInternal, err)
	}
	return stats, nil
}

// Copy snapshots every note in src and writes independent copies, with new
// IDs, into dst. The snapshot is a single read transaction and the write is
// a single update transaction, so dst receives either the whole snapshot or
// nothing. dst must be empty.
func (s *Store) Copy(ctx context.Context, src, dst namespace.Namespace) ([]Note, error) {
	const op = "notes.Copy"

	var snapshot []Note
	if err := s.Scan(ctx, src, func(n Note) error {
		snapshot = append(snapshot, n)
		return nil
	}); err != nil {
		return nil, errs.Wrap(op, errs.KindInternal, err)
	}

	copies := make([]Note, 0, len(snapshot))
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: dst.Prefix()})
		it.Rewind()
		occupied := it.Valid()
		it.Close()
		if occupied {
			return errs.Conflict(op, "target memory %q is not empty", dst.Name)
		}

		for _, n := range snapshot {
			if err := ctx.Err(); err != nil {
				return err
			}
			c := n
			c.ID = newID()
			c.Tags = append([]string(nil), n.Tags...)
			if n.Metadata != nil {
				c.Metadata = make(map[string]string, len(n.Metadata))
				for k, v := range n.Metadata {
					c.Metadata[k] = v
				}
			}
			if err := putNote(txn, dst, c); err != nil {
				return err
			}
			copies = append(copies, c)
		}
		return nil
	})
	if err != nil {
		return nil, copyError(op, src, err)
	}

	s.logger.Info("copied namespace", "from", src.Name, "to", dst.Name, "notes", len(copies))
	return copies, nil
}

// copyError classifies a failed copy. A snapshot that does not fit in one
// transaction is a storage limit, not a naming conflict.
func copyError(op string, src namespace.Namespace, err error) error {
	if errors.Is(err, badger.ErrTxnTooBig) {
		return errs.Wrap(op, errs.KindUnavailable,
			fmt.Errorf("memory %q is too large to clone in one transaction: %w", src.Name, err))
	}
	if errs.KindOf(err) != errs.KindInternal {
		return err
	}
	return errs.Wrap(op, errs.KindInternal, err)
}

// Drop removes every record in ns.
func (s *Store) Drop(ctx context.Context, ns namespace.Namespace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.DropPrefix(ns.Prefix()); err != nil {
		return errs.Wrap("notes.Drop", errs.KindInternal, err)
	}
	return nil
}

// ContentHash is the hex BLAKE3 digest of content.
func ContentHash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func scanNotes(ctx context.Context, txn *badger.Txn, ns namespace.Namespace, fn func(Note) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchSize = 10
	opts.Prefix = ns.Key("note", "")

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var note Note
		if err := it.Item().Value(func(val []byte) error {
			return unmarshal(val, &note)
		}); err != nil {
			return fmt.Errorf("failed to decode note %q: %w", it.Item().Key(), err)
		}
		if err := fn(note); err != nil {
			return err
		}
	}
	return nil
}

func getNote(txn *badger.Txn, ns namespace.Namespace, id string) (Note, error) {
	item, err := txn.Get(ns.Key("note", id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Note{}, errs.NotFound("notes.Get", "note %q not found in memory %q", id, ns.Name)
	}
	if err != nil {
		return Note{}, errs.Wrap("notes.Get", errs.KindInternal, err)
	}

	var note Note
	if err := item.Value(func(val []byte) error {
		return unmarshal(val, &note)
	}); err != nil {
		return Note{}, errs.Wrap("notes.Get", errs.KindInternal, fmt.Errorf("failed to decode note: %w", err))
	}
	return note, nil
}

func putNote(txn *badger.Txn, ns namespace.Namespace, note Note) error {
	data, err := marshal(note)
	if err != nil {
		return fmt.Errorf("failed to encode note %q: %w", note.ID, err)
	}
	return txn.Set(ns.Key("note", note.ID), data)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = normalizeTag(t)
		if t != "" && !hasTag(out, t) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
