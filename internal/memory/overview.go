package memory

import (
	"context"
	"time"
)

// Overview summarizes capacity and usage across all memories.
type Overview struct {
	MemoryCount    int             `json:"memory_count"`
	MaxMemories    int             `json:"max_memories"`
	RemainingSlots int             `json:"remaining_slots"`
	TotalNotes     int             `json:"total_notes"`
	TotalSizeBytes int64           `json:"total_size_bytes"`
	Memories       []OverviewEntry `json:"memories"`
}

// OverviewEntry is one memory in an Overview.
type OverviewEntry struct {
	Name      string `json:"name"`
	NoteCount int    `json:"note_count"`
	SizeBytes int64  `json:"size_bytes"`
	IsDefault bool   `json:"is_default"`
}

// Overview reports capacity and per-memory usage. Counts are computed on
// every call.
func (m *Manager) Overview(ctx context.Context) (o Overview, err error) {
	defer m.observe(ctx, "get_memories_overview", time.Now(), &err)

	mems, err := m.List(ctx)
	if err != nil {
		return Overview{}, err
	}

	o = Overview{
		MemoryCount: len(mems),
		MaxMemories: m.opts.MaxMemories,
		Memories:    make([]OverviewEntry, 0, len(mems)),
	}
	for _, mem := range mems {
		o.TotalNotes += mem.NoteCount
		o.TotalSizeBytes += mem.SizeBytes
		o.Memories = append(o.Memories, OverviewEntry{
			Name:      mem.Name,
			NoteCount: mem.NoteCount,
			SizeBytes: mem.SizeBytes,
			IsDefault: mem.IsDefault,
		})
	}
	// Negative when the configured capacity was lowered below the number of
	// memories that already exist.
	o.RemainingSlots = o.MaxMemories - o.MemoryCount
	return o, nil
}
