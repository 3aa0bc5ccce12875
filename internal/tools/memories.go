package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/DatanoiseTV/brainvault/internal/errs"
	"github.com/DatanoiseTV/brainvault/internal/federation"
	"github.com/DatanoiseTV/brainvault/internal/search"
)

type archiveRef struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SchemaName string `json:"schema_name"`
	ClonedFrom string `json:"cloned_from,omitempty"`
}

type successResult struct {
	Success bool `json:"success"`
}

// createMemoryHandler registers a new memory.
func (a *App) createMemoryHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireString(request, "name")
	if err != nil {
		return a.errorResult("create_memory", err)
	}

	archive, err := a.mgr.Create(ctx, name, optionalString(request, "description"))
	if err != nil {
		return a.errorResult("create_memory", err)
	}
	return jsonResult(archiveRef{ID: archive.ID, Name: archive.Name, SchemaName: archive.SchemaName})
}

// getMemoryHandler returns one memory with its stats.
func (a *App) getMemoryHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireString(request, "name")
	if err != nil {
		return a.errorResult("get_memory", err)
	}

	mem, err := a.mgr.Get(ctx, name)
	if err != nil {
		return a.errorResult("get_memory", err)
	}
	return jsonResult(mem)
}

// listMemoriesHandler lists every memory.
func (a *App) listMemoriesHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mems, err := a.mgr.List(ctx)
	if err != nil {
		return a.errorResult("list_memories", err)
	}
	return jsonResult(mems)
}

// updateMemoryHandler replaces or clears a memory's description.
func (a *App) updateMemoryHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireString(request, "name")
	if err != nil {
		return a.errorResult("update_memory", err)
	}

	if err := a.mgr.Update(ctx, name, optionalString(request, "description")); err != nil {
		return a.errorResult("update_memory", err)
	}
	return jsonResult(successResult{Success: true})
}

// deleteMemoryHandler removes a memory and its notes.
func (a *App) deleteMemoryHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireString(request, "name")
	if err != nil {
		return a.errorResult("delete_memory", err)
	}

	if err := a.mgr.Delete(ctx, name, request.GetBool("force", false)); err != nil {
		return a.errorResult("delete_memory", err)
	}
	return jsonResult(successResult{Success: true})
}

// setDefaultMemoryHandler switches the default memory.
func (a *App) setDefaultMemoryHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireString(request, "name")
	if err != nil {
		return a.errorResult("set_default_memory", err)
	}

	if err := a.mgr.SetDefault(ctx, name); err != nil {
		return a.errorResult("set_default_memory", err)
	}
	return jsonResult(struct {
		Success       bool   `json:"success"`
		DefaultMemory string `json:"default_memory"`
	}{true, name})
}

type activeResult struct {
	Success      bool   `json:"success"`
	ActiveMemory string `json:"active_memory"`
	Message      string `json:"message"`
}

// selectMemoryHandler pins the session to a memory, or releases the pin.
func (a *App) selectMemoryHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caller := callerFrom(ctx)

	if request.GetBool("follow_default", false) {
		def := a.mgr.FollowDefault(ctx, caller)
		return jsonResult(activeResult{
			Success:      true,
			ActiveMemory: def,
			Message:      fmt.Sprintf("Following the default memory '%s'.", def),
		})
	}

	name, err := requireString(request, "name")
	if err != nil {
		return a.errorResult("select_memory", err)
	}
	if err := a.mgr.Select(ctx, caller, name); err != nil {
		return a.errorResult("select_memory", err)
	}
	return jsonResult(activeResult{
		Success:      true,
		ActiveMemory: name,
		Message:      fmt.Sprintf("Switched to memory '%s'.", name),
	})
}

// getActiveMemoryHandler reports the session's active memory.
func (a *App) getActiveMemoryHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, explicit := a.mgr.Active(ctx, callerFrom(ctx))
	return jsonResult(struct {
		ActiveMemory string `json:"active_memory"`
		IsExplicit   bool   `json:"is_explicit"`
	}{name, explicit})
}

// cloneMemoryHandler copies a memory under a new name.
func (a *App) cloneMemoryHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := requireString(request, "source_name")
	if err != nil {
		return a.errorResult("clone_memory", err)
	}
	target, err := requireString(request, "new_name")
	if err != nil {
		return a.errorResult("clone_memory", err)
	}

	archive, err := a.mgr.Clone(ctx, source, target, optionalString(request, "description"))
	if err != nil {
		return a.errorResult("clone_memory", err)
	}
	return jsonResult(archiveRef{
		ID:         archive.ID,
		Name:       archive.Name,
		SchemaName: archive.SchemaName,
		ClonedFrom: source,
	})
}

// overviewHandler reports capacity across memories.
func (a *App) overviewHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	o, err := a.mgr.Overview(ctx)
	if err != nil {
		return a.errorResult("get_memories_overview", err)
	}
	return jsonResult(o)
}

// archiveStatsHandler reports one memory's stats.
func (a *App) archiveStatsHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireString(request, "name")
	if err != nil {
		return a.errorResult("get_archive_stats", err)
	}

	stats, err := a.mgr.Stats(ctx, name)
	if err != nil {
		return a.errorResult("get_archive_stats", err)
	}
	return jsonResult(stats)
}

// federatedSearchHandler searches several memories at once.
func (a *App) federatedSearchHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, err := requireString(request, "q")
	if err != nil {
		return a.errorResult("search_memories_federated", err)
	}
	mode, err := search.ParseMode(request.GetString("mode", ""))
	if err != nil {
		return a.errorResult("search_memories_federated", err)
	}
	limit := request.GetInt("limit", 0)
	if limit < 0 {
		return a.errorResult("search_memories_federated", errs.Validation("tools", "limit must not be negative"))
	}

	res, err := a.fed.Search(ctx, federation.Request{
		Query:    q,
		Memories: request.GetStringSlice("memories", nil),
		Limit:    limit,
		Mode:     mode,
	})
	if err != nil {
		return a.errorResult("search_memories_federated", err)
	}
	return jsonResult(res)
}
