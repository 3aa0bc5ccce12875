// Package namespace maps memory names to their isolated storage namespaces.
//
// Every per-memory read or write goes through a Namespace: Badger keys are
// built from Prefix and search collections are named by Collection. No other
// package derives storage locations from a memory name.
package namespace

import (
	"context"
	"regexp"
	"strings"

	"github.com/DatanoiseTV/brainvault/internal/errs"
)

const (
	// DefaultName is the memory created at bootstrap.
	DefaultName = "public"

	// SchemaPrefix is prepended to every non-default schema name.
	SchemaPrefix = "archive_"

	// MaxNameLength bounds memory names.
	MaxNameLength = 63
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Validate checks that name uses only lowercase letters, digits and
// hyphens, starts with a letter or digit, and fits MaxNameLength.
func Validate(name string) error {
	const op = "namespace.Validate"
	if strings.TrimSpace(name) == "" {
		return errs.Validation(op, "memory name cannot be empty")
	}
	if len(name) > MaxNameLength {
		return errs.Validation(op, "memory name %q is longer than %d characters", name, MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return errs.Validation(op, "memory name %q must contain only lowercase letters, digits and hyphens", name)
	}
	return nil
}

// SchemaName derives the storage schema for name. The default memory keeps
// the "public" schema; every other name becomes "archive_<name>" with
// hyphens turned into underscores. Names never contain underscores, so the
// mapping is injective.
func SchemaName(name string) string {
	if name == DefaultName {
		return DefaultName
	}
	return SchemaPrefix + strings.ReplaceAll(name, "-", "_")
}

// Namespace is the isolated storage partition backing one memory.
type Namespace struct {
	Name   string
	Schema string
}

// For returns the namespace for a validated name.
func For(name string) Namespace {
	return Namespace{Name: name, Schema: SchemaName(name)}
}

// Prefix is the key prefix under which all of this namespace's records live.
// The trailing separator keeps "archive_a/" from prefixing "archive_ab/".
func (n Namespace) Prefix() []byte {
	return []byte("ns/" + n.Schema + "/")
}

// Key joins parts under the namespace prefix.
func (n Namespace) Key(parts ...string) []byte {
	return append(n.Prefix(), strings.Join(parts, "/")...)
}

// Collection is the search collection name for this namespace.
func (n Namespace) Collection() string {
	return n.Schema
}

// Resolver maps a memory name to its namespace, failing with a NotFound
// error when the memory does not exist.
type Resolver interface {
	Resolve(ctx context.Context, name string) (Namespace, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, name string) (Namespace, error)

func (f ResolverFunc) Resolve(ctx context.Context, name string) (Namespace, error) {
	return f(ctx, name)
}
