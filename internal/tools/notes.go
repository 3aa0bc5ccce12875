package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/DatanoiseTV/brainvault/internal/errs"
	"github.com/DatanoiseTV/brainvault/internal/notes"
	"github.com/DatanoiseTV/brainvault/internal/search"
)

func memoryOverride(request mcp.CallToolRequest) string {
	if m := optionalString(request, "memory"); m != nil {
		return *m
	}
	return ""
}

// createNoteHandler stores a note in the active memory.
func (a *App) createNoteHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := requireString(request, "content")
	if err != nil {
		return a.errorResult("create_note", err)
	}
	metadata, err := stringMap(request, "metadata")
	if err != nil {
		return a.errorResult("create_note", err)
	}

	note, err := a.mgr.CreateNote(ctx, callerFrom(ctx), memoryOverride(request), notes.Input{
		Title:    request.GetString("title", ""),
		Content:  content,
		Tags:     request.GetStringSlice("tags", nil),
		Metadata: metadata,
	})
	if err != nil {
		return a.errorResult("create_note", err)
	}
	return jsonResult(note)
}

// getNoteHandler fetches one note.
func (a *App) getNoteHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "id")
	if err != nil {
		return a.errorResult("get_note", err)
	}

	note, err := a.mgr.GetNote(ctx, callerFrom(ctx), memoryOverride(request), id)
	if err != nil {
		return a.errorResult("get_note", err)
	}
	return jsonResult(note)
}

// updateNoteHandler applies a partial update.
func (a *App) updateNoteHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "id")
	if err != nil {
		return a.errorResult("update_note", err)
	}
	metadata, err := stringMap(request, "metadata")
	if err != nil {
		return a.errorResult("update_note", err)
	}

	upd := notes.Update{
		Title:    presentString(request, "title"),
		Content:  presentString(request, "content"),
		Metadata: metadata,
	}
	if upd.Title == nil && upd.Content == nil && upd.Metadata == nil {
		return a.errorResult("update_note", errs.Validation("tools", "nothing to update; pass title, content or metadata"))
	}

	note, err := a.mgr.UpdateNote(ctx, callerFrom(ctx), memoryOverride(request), id, upd)
	if err != nil {
		return a.errorResult("update_note", err)
	}
	return jsonResult(note)
}

// deleteNoteHandler removes a note.
func (a *App) deleteNoteHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "id")
	if err != nil {
		return a.errorResult("delete_note", err)
	}

	memoryName, err := a.mgr.DeleteNote(ctx, callerFrom(ctx), memoryOverride(request), id)
	if err != nil {
		return a.errorResult("delete_note", err)
	}
	return jsonResult(struct {
		Success    bool   `json:"success"`
		MemoryName string `json:"memory_name"`
	}{true, memoryName})
}

// listNotesHandler lists notes newest first.
func (a *App) listNotesHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, memoryName, err := a.mgr.ListNotes(ctx, callerFrom(ctx), memoryOverride(request), notes.ListOptions{
		Tag:   request.GetString("tag", ""),
		Limit: request.GetInt("limit", 0),
	})
	if err != nil {
		return a.errorResult("list_notes", err)
	}
	return jsonResult(struct {
		Notes      []notes.Note `json:"notes"`
		MemoryName string       `json:"memory_name"`
	}{list, memoryName})
}

// tagNoteHandler adds a tag.
func (a *App) tagNoteHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "id")
	if err != nil {
		return a.errorResult("tag_note", err)
	}
	tag, err := requireString(request, "tag")
	if err != nil {
		return a.errorResult("tag_note", err)
	}

	note, err := a.mgr.TagNote(ctx, callerFrom(ctx), memoryOverride(request), id, tag)
	if err != nil {
		return a.errorResult("tag_note", err)
	}
	return jsonResult(note)
}

// untagNoteHandler removes a tag.
func (a *App) untagNoteHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "id")
	if err != nil {
		return a.errorResult("untag_note", err)
	}
	tag, err := requireString(request, "tag")
	if err != nil {
		return a.errorResult("untag_note", err)
	}

	note, err := a.mgr.UntagNote(ctx, callerFrom(ctx), memoryOverride(request), id, tag)
	if err != nil {
		return a.errorResult("untag_note", err)
	}
	return jsonResult(note)
}

// listTagsHandler counts tags in the active memory.
func (a *App) listTagsHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tags, memoryName, err := a.mgr.ListTags(ctx, callerFrom(ctx), memoryOverride(request))
	if err != nil {
		return a.errorResult("list_tags", err)
	}
	return jsonResult(struct {
		Tags       []notes.TagCount `json:"tags"`
		MemoryName string           `json:"memory_name"`
	}{tags, memoryName})
}

// searchNotesHandler searches the active memory.
func (a *App) searchNotesHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, err := requireString(request, "q")
	if err != nil {
		return a.errorResult("search_notes", err)
	}
	mode, err := search.ParseMode(request.GetString("mode", ""))
	if err != nil {
		return a.errorResult("search_notes", err)
	}

	hits, memoryName, err := a.mgr.SearchNotes(ctx, callerFrom(ctx), memoryOverride(request), search.Query{
		Text:  q,
		Limit: request.GetInt("limit", 0),
		Mode:  mode,
	})
	if err != nil {
		return a.errorResult("search_notes", err)
	}
	return jsonResult(struct {
		Results    []search.Hit `json:"results"`
		MemoryName string       `json:"memory_name"`
	}{hits, memoryName})
}
