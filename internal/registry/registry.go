// Package registry is the durable Archive Store: the list of memories, their
// schema names, and which one is the default.
//
// Name uniqueness, capacity and the single-default invariant are enforced
// by SQLite itself (a UNIQUE column, a conditional insert, and a partial
// unique index on is_default) so concurrent callers cannot race past a
// check-then-act window.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/DatanoiseTV/brainvault/internal/errs"
	"github.com/DatanoiseTV/brainvault/internal/logging"
	"github.com/DatanoiseTV/brainvault/internal/namespace"
)

// SchemaVersion is stamped on every archive record at creation.
const SchemaVersion = 1

// Archive is one registered memory.
type Archive struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	SchemaName    string     `json:"schema_name"`
	Description   *string    `json:"description"`
	IsDefault     bool       `json:"is_default"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAccessed  *time.Time `json:"last_accessed,omitempty"`
	SchemaVersion int        `json:"schema_version"`
}

// Store is the SQLite-backed archive registry.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) the registry at dbPath. ":memory:" gives a
// private in-memory registry, which is what the tests use.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	// One connection serializes every transition through SQLite and keeps
	// an in-memory database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS archive (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		schema_name TEXT NOT NULL UNIQUE,
		description TEXT,
		is_default INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_accessed TEXT,
		schema_version INTEGER NOT NULL DEFAULT 1
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_archive_single_default
		ON archive(is_default) WHERE is_default = 1;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Bootstrap makes sure a default archive exists. When the registry has no
// default, name is created (or promoted, if it already exists) as the
// default in a single transaction. It returns the current default.
func (s *Store) Bootstrap(ctx context.Context, name string) (Archive, error) {
	const op = "registry.Bootstrap"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Archive{}, errs.Wrap(op, errs.KindInternal, err)
	}
	defer tx.Rollback()

	var defaults int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive WHERE is_default = 1`).Scan(&defaults); err != nil {
		return Archive{}, errs.Wrap(op, errs.KindInternal, err)
	}

	if defaults == 0 {
		res, err := tx.ExecContext(ctx, `UPDATE archive SET is_default = 1 WHERE name = ?`, name)
		if err != nil {
			return Archive{}, errs.Wrap(op, errs.KindInternal, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO archive (id, name, schema_name, description, is_default, created_at, schema_version)
				VALUES (?, ?, ?, ?, 1, ?, ?)`,
				newID(), name, namespace.SchemaName(name), "Default memory", formatTime(s.now()), SchemaVersion)
			if err != nil {
				return Archive{}, errs.Wrap(op, errs.KindInternal, err)
			}
		}
		s.logger.Info("bootstrapped default memory", "name", name)
	}

	archive, err := scanArchive(tx.QueryRowContext(ctx, selectArchive+` WHERE is_default = 1`))
	if err != nil {
		return Archive{}, errs.Wrap(op, errs.KindInternal, err)
	}
	if err := tx.Commit(); err != nil {
		return Archive{}, errs.Wrap(op, errs.KindInternal, err)
	}
	return archive, nil
}

// Create registers a new non-default archive. The insert only happens when
// fewer than maxArchives archives exist (maxArchives <= 0 means unlimited),
// and the UNIQUE constraint on name decides between racing creators.
func (s *Store) Create(ctx context.Context, name string, description *string, maxArchives int) (Archive, error) {
	const op = "registry.Create"

	if maxArchives <= 0 {
		maxArchives = math.MaxInt32
	}

	archive := Archive{
		ID:            newID(),
		Name:          name,
		SchemaName:    namespace.SchemaName(name),
		Description:   description,
		CreatedAt:     s.now().UTC(),
		SchemaVersion: SchemaVersion,
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO archive (id, name, schema_name, description, is_default, created_at, schema_version)
		SELECT ?, ?, ?, ?, 0, ?, ?
		WHERE (SELECT COUNT(*) FROM archive) < ?`,
		archive.ID, archive.Name, archive.SchemaName, nullString(description),
		formatTime(archive.CreatedAt), archive.SchemaVersion, maxArchives)
	if err != nil {
		if isUniqueViolation(err) {
			return Archive{}, errs.Conflict(op, "memory %q already exists", name)
		}
		return Archive{}, errs.Wrap(op, errs.KindInternal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		count, _ := s.Count(ctx)
		return Archive{}, errs.Conflict(op,
			"Memory limit reached (%d/%d). Delete unused memories or increase MAX_MEMORIES.", count, maxArchives)
	}

	s.logger.Debug("registered memory", "name", name, "schema", archive.SchemaName)
	return archive, nil
}

// Get returns the archive called name.
func (s *Store) Get(ctx context.Context, name string) (Archive, error) {
	archive, err := scanArchive(s.db.QueryRowContext(ctx, selectArchive+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Archive{}, errs.NotFound("registry.Get", "memory %q not found", name)
	}
	if err != nil {
		return Archive{}, errs.Wrap("registry.Get", errs.KindInternal, err)
	}
	return archive, nil
}

// Default returns the current default archive.
func (s *Store) Default(ctx context.Context) (Archive, error) {
	archive, err := scanArchive(s.db.QueryRowContext(ctx, selectArchive+` WHERE is_default = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return Archive{}, errs.NotFound("registry.Default", "no default memory is set")
	}
	if err != nil {
		return Archive{}, errs.Wrap("registry.Default", errs.KindInternal, err)
	}
	return archive, nil
}

// List returns every archive, oldest first.
func (s *Store) List(ctx context.Context) ([]Archive, error) {
	rows, err := s.db.QueryContext(ctx, selectArchive+` ORDER BY created_at, name`)
	if err != nil {
		return nil, errs.Wrap("registry.List", errs.KindInternal, err)
	}
	defer rows.Close()

	var archives []Archive
	for rows.Next() {
		archive, err := scanArchive(rows)
		if err != nil {
			return nil, errs.Wrap("registry.List", errs.KindInternal, err)
		}
		archives = append(archives, archive)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap("registry.List", errs.KindInternal, err)
	}
	return archives, nil
}

// Count returns the number of registered archives.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive`).Scan(&n); err != nil {
		return 0, errs.Wrap("registry.Count", errs.KindInternal, err)
	}
	return n, nil
}

// UpdateDescription replaces the description; nil clears it. Name and
// schema are immutable.
func (s *Store) UpdateDescription(ctx context.Context, name string, description *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE archive SET description = ? WHERE name = ?`, nullString(description), name)
	if err != nil {
		return errs.Wrap("registry.UpdateDescription", errs.KindInternal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("registry.UpdateDescription", "memory %q not found", name)
	}
	return nil
}

// Touch stamps last_accessed.
func (s *Store) Touch(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE archive SET last_accessed = ? WHERE name = ?`, formatTime(s.now()), name)
	if err != nil {
		return errs.Wrap("registry.Touch", errs.KindInternal, err)
	}
	return nil
}

// Delete deregisters a non-default archive.
func (s *Store) Delete(ctx context.Context, name string) error {
	const op = "registry.Delete"

	res, err := s.db.ExecContext(ctx, `DELETE FROM archive WHERE name = ? AND is_default = 0`, name)
	if err != nil {
		return errs.Wrap(op, errs.KindInternal, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	archive, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if archive.IsDefault {
		return errs.Forbidden(op, "cannot delete the default memory %q", name)
	}
	// Deleted by someone else between the two statements.
	return errs.NotFound(op, "memory %q not found", name)
}

// SetDefault moves the default flag to name in one transaction. The
// previous default is cleared before the new one is set, so the partial
// unique index never sees two defaults, and a missing name rolls both
// statements back.
func (s *Store) SetDefault(ctx context.Context, name string) (previous string, err error) {
	const op = "registry.SetDefault"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errs.Wrap(op, errs.KindInternal, err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, `SELECT name FROM archive WHERE is_default = 1`).Scan(&previous); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", errs.Wrap(op, errs.KindInternal, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE archive SET is_default = 0 WHERE is_default = 1`); err != nil {
		return "", errs.Wrap(op, errs.KindInternal, err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE archive SET is_default = 1 WHERE name = ?`, name)
	if err != nil {
		return "", errs.Wrap(op, errs.KindInternal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", errs.NotFound(op, "memory %q not found", name)
	}

	if err := tx.Commit(); err != nil {
		return "", errs.Wrap(op, errs.KindInternal, err)
	}
	s.logger.Info("default memory changed", "from", previous, "to", name)
	return previous, nil
}

const selectArchive = `SELECT id, name, schema_name, description, is_default, created_at, last_accessed, schema_version FROM archive`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArchive(row rowScanner) (Archive, error) {
	var (
		a            Archive
		description  sql.NullString
		isDefault    int
		createdAt    string
		lastAccessed sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Name, &a.SchemaName, &description, &isDefault, &createdAt, &lastAccessed, &a.SchemaVersion); err != nil {
		return Archive{}, err
	}
	if description.Valid {
		d := description.String
		a.Description = &d
	}
	a.IsDefault = isDefault == 1
	a.CreatedAt = parseTime(createdAt)
	if lastAccessed.Valid {
		t := parseTime(lastAccessed.String)
		a.LastAccessed = &t
	}
	return a, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// timeLayout is fixed width so that created_at sorts correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "constraint failed: unique")
}
