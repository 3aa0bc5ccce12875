package memory

import (
	"context"
	"errors"
	"time"

	"github.com/DatanoiseTV/brainvault/internal/errs"
	"github.com/DatanoiseTV/brainvault/internal/namespace"
	"github.com/DatanoiseTV/brainvault/internal/notes"
	"github.com/DatanoiseTV/brainvault/internal/search"
)

// Note is a note together with the memory it lives in.
type Note struct {
	notes.Note
	MemoryName string `json:"memory_name"`
}

// Select pins the caller's session to name.
func (m *Manager) Select(ctx context.Context, caller, name string) (err error) {
	defer m.observe(ctx, "select_memory", time.Now(), &err)

	if _, err := m.Resolve(ctx, name); err != nil {
		return err
	}

	m.defaultMu.RLock()
	defer m.defaultMu.RUnlock()
	m.sessions.Get(caller, m.defaultName).Select(name)
	return nil
}

// FollowDefault drops the caller's explicit selection so the session tracks
// the default memory again. It returns the default.
func (m *Manager) FollowDefault(ctx context.Context, caller string) string {
	m.defaultMu.RLock()
	defer m.defaultMu.RUnlock()
	m.sessions.Get(caller, m.defaultName).Reset(m.defaultName)
	return m.defaultName
}

// Active reports the memory the caller's ambient operations route to.
func (m *Manager) Active(ctx context.Context, caller string) (name string, explicit bool) {
	m.defaultMu.RLock()
	defer m.defaultMu.RUnlock()
	name, explicit = m.sessions.Get(caller, m.defaultName).Active()
	if name == "" {
		name = m.defaultName
	}
	return name, explicit
}

// Forget drops the caller's session.
func (m *Manager) Forget(caller string) {
	m.sessions.Drop(caller)
}

// target resolves the namespace for an ambient operation. A non-empty
// override names the memory directly; otherwise the caller's session
// decides. The session's memory is re-resolved on every call so a deleted
// selection fails with NotFound.
func (m *Manager) target(ctx context.Context, caller, override string) (namespace.Namespace, error) {
	if override != "" {
		return m.Resolve(ctx, override)
	}

	name, explicit := m.Active(ctx, caller)
	ns, err := m.Resolve(ctx, name)
	if err != nil && explicit && errors.Is(err, errs.ErrNotFound) {
		return namespace.Namespace{}, errs.NotFound("memory.target",
			"selected memory %q no longer exists; select another memory", name)
	}
	return ns, err
}

// CreateNote stores a note in the caller's active memory, or in override
// when set.
func (m *Manager) CreateNote(ctx context.Context, caller, override string, in notes.Input) (n Note, err error) {
	defer m.observe(ctx, "create_note", time.Now(), &err)

	ns, err := m.target(ctx, caller, override)
	if err != nil {
		return Note{}, err
	}
	created, err := m.notes.Create(ctx, ns, in)
	if err != nil {
		return Note{}, err
	}
	m.indexNote(ctx, ns, created)
	return Note{Note: created, MemoryName: ns.Name}, nil
}

// GetNote fetches a note from the active memory.
func (m *Manager) GetNote(ctx context.Context, caller, override, id string) (n Note, err error) {
	defer m.observe(ctx, "get_note", time.Now(), &err)

	ns, err := m.target(ctx, caller, override)
	if err != nil {
		return Note{}, err
	}
	got, err := m.notes.Get(ctx, ns, id)
	if err != nil {
		return Note{}, err
	}
	return Note{Note: got, MemoryName: ns.Name}, nil
}

// ListNotes lists notes in the active memory.
func (m *Manager) ListNotes(ctx context.Context, caller, override string, opts notes.ListOptions) (list []notes.Note, memoryName string, err error) {
	defer m.observe(ctx, "list_notes", time.Now(), &err)

	ns, err := m.target(ctx, caller, override)
	if err != nil {
		return nil, "", err
	}
	list, err = m.notes.List(ctx, ns, opts)
	if err != nil {
		return nil, "", err
	}
	if list == nil {
		list = []notes.Note{}
	}
	return list, ns.Name, nil
}

// UpdateNote applies a partial update to a note in the active memory.
func (m *Manager) UpdateNote(ctx context.Context, caller, override, id string, upd notes.Update) (n Note, err error) {
	defer m.observe(ctx, "update_note", time.Now(), &err)

	ns, err := m.target(ctx, caller, override)
	if err != nil {
		return Note{}, err
	}
	updated, err := m.notes.Update(ctx, ns, id, upd)
	if err != nil {
		return Note{}, err
	}
	m.indexNote(ctx, ns, updated)
	return Note{Note: updated, MemoryName: ns.Name}, nil
}

// DeleteNote removes a note from the active memory.
func (m *Manager) DeleteNote(ctx context.Context, caller, override, id string) (memoryName string, err error) {
	defer m.observe(ctx, "delete_note", time.Now(), &err)

	ns, err := m.target(ctx, caller, override)
	if err != nil {
		return "", err
	}
	if err := m.notes.Delete(ctx, ns, id); err != nil {
		return "", err
	}
	if err := m.index.Remove(ctx, ns, id); err != nil {
		m.logger.Warn("failed to remove note from index", "memory", ns.Name, "id", id, "error", err)
	}
	return ns.Name, nil
}

// TagNote adds a tag to a note in the active memory.
func (m *Manager) TagNote(ctx context.Context, caller, override, id, tag string) (n Note, err error) {
	defer m.observe(ctx, "tag_note", time.Now(), &err)

	ns, err := m.target(ctx, caller, override)
	if err != nil {
		return Note{}, err
	}
	tagged, err := m.notes.AddTag(ctx, ns, id, tag)
	if err != nil {
		return Note{}, err
	}
	m.indexNote(ctx, ns, tagged)
	return Note{Note: tagged, MemoryName: ns.Name}, nil
}

// UntagNote removes a tag from a note in the active memory.
func (m *Manager) UntagNote(ctx context.Context, caller, override, id, tag string) (n Note, err error) {
	defer m.observe(ctx, "untag_note", time.Now(), &err)

	ns, err := m.target(ctx, caller, override)
	if err != nil {
		return Note{}, err
	}
	untagged, err := m.notes.RemoveTag(ctx, ns, id, tag)
	if err != nil {
		return Note{}, err
	}
	m.indexNote(ctx, ns, untagged)
	return Note{Note: untagged, MemoryName: ns.Name}, nil
}

// ListTags counts tag usage in the active memory.
func (m *Manager) ListTags(ctx context.Context, caller, override string) (tags []notes.TagCount, memoryName string, err error) {
	defer m.observe(ctx, "list_tags", time.Now(), &err)

	ns, err := m.target(ctx, caller, override)
	if err != nil {
		return nil, "", err
	}
	tags, err = m.notes.Tags(ctx, ns)
	if err != nil {
		return nil, "", err
	}
	return tags, ns.Name, nil
}

// SearchNotes searches the active memory.
func (m *Manager) SearchNotes(ctx context.Context, caller, override string, q search.Query) (hits []search.Hit, memoryName string, err error) {
	defer m.observe(ctx, "search_notes", time.Now(), &err)

	ns, err := m.target(ctx, caller, override)
	if err != nil {
		return nil, "", err
	}
	hits, err = m.index.Search(ctx, ns, q)
	if err != nil {
		return nil, "", err
	}
	return hits, ns.Name, nil
}

// indexNote keeps the semantic index in step with a stored note. The note
// store is authoritative, so failures are logged and Reindex repairs them.
func (m *Manager) indexNote(ctx context.Context, ns namespace.Namespace, n notes.Note) {
	if err := m.index.Add(ctx, ns, n); err != nil {
		m.logger.Warn("failed to index note", "memory", ns.Name, "id", n.ID, "error", err)
	}
}
