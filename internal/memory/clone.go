package memory

import (
	"context"
	"errors"
	"time"

	"github.com/DatanoiseTV/brainvault/internal/errs"
	"github.com/DatanoiseTV/brainvault/internal/namespace"
	"github.com/DatanoiseTV/brainvault/internal/registry"
)

// Clone registers target as a copy of source. Notes are copied from a single
// snapshot of source with new IDs. Until the copy commits, target is held
// out of Resolve and Names, so no other write can land in it. If any step
// fails, target is removed again and no partial memory stays registered.
func (m *Manager) Clone(ctx context.Context, source, target string, description *string) (a registry.Archive, err error) {
	const op = "memory.Clone"
	defer m.observe(ctx, "clone_memory", time.Now(), &err)

	src, err := m.Resolve(ctx, source)
	if err != nil {
		return registry.Archive{}, err
	}
	if err := namespace.Validate(target); err != nil {
		return registry.Archive{}, err
	}
	if source == target {
		return registry.Archive{}, errs.Conflict(op, "memory %q already exists", target)
	}

	if _, err := m.registry.Get(ctx, target); err == nil {
		return registry.Archive{}, errs.Conflict(op, "memory %q already exists", target)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return registry.Archive{}, err
	}
	if err := m.reserve(op, target); err != nil {
		return registry.Archive{}, err
	}
	defer m.release(target)

	if description == nil {
		srcArchive, err := m.registry.Get(ctx, source)
		if err != nil {
			return registry.Archive{}, err
		}
		description = srcArchive.Description
	}

	a, err = m.registry.Create(ctx, target, description, m.opts.MaxMemories)
	if err != nil {
		return registry.Archive{}, err
	}
	dst := namespace.Namespace{Name: a.Name, Schema: a.SchemaName}

	if err := m.initNamespace(ctx, dst); err != nil {
		m.rollback(ctx, dst)
		return registry.Archive{}, err
	}

	copies, err := m.notes.Copy(ctx, src, dst)
	if err != nil {
		m.rollback(ctx, dst)
		return registry.Archive{}, err
	}

	if err := m.index.Add(ctx, dst, copies...); err != nil {
		m.rollback(ctx, dst)
		return registry.Archive{}, errs.Wrap(op, errs.KindInternal, err)
	}

	m.updateCount(ctx)
	m.logger.Info("memory cloned", "from", source, "to", target, "notes", len(copies))
	return a, nil
}
