// Package tools exposes brainvault over MCP.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/DatanoiseTV/brainvault/internal/errs"
	"github.com/DatanoiseTV/brainvault/internal/federation"
	"github.com/DatanoiseTV/brainvault/internal/logging"
	"github.com/DatanoiseTV/brainvault/internal/memory"
)

const (
	// ServerName is the MCP server name.
	ServerName = "brainvault"
	// ServerVersion follows semantic versioning.
	ServerVersion = "2.0.0"

	// StdioCaller identifies the single caller of a stdio or CLI session.
	StdioCaller = "stdio"
)

// App holds the handlers' collaborators.
type App struct {
	mgr    *memory.Manager
	fed    *federation.Coordinator
	logger *slog.Logger
}

// New creates the tool handlers.
func New(mgr *memory.Manager, fed *federation.Coordinator, logger *slog.Logger) *App {
	if logger == nil {
		logger = logging.Discard()
	}
	return &App{mgr: mgr, fed: fed, logger: logger}
}

// NewServer builds an MCP server with every tool registered and a hook that
// drops a caller's session when its MCP session ends.
func (a *App) NewServer() *server.MCPServer {
	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		a.mgr.Forget(session.SessionID())
		a.logger.Debug("session closed", "session", session.SessionID())
	})

	s := server.NewMCPServer(ServerName, ServerVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
	)
	s.AddTools(a.Tools()...)
	return s
}

// Tools lists every tool with its handler. Lifecycle tools are registered
// under both the *_memory and *_archive names with identical arguments.
func (a *App) Tools() []server.ServerTool {
	var tools []server.ServerTool
	add := func(handler server.ToolHandlerFunc, tool mcp.Tool) {
		tools = append(tools, server.ServerTool{Tool: tool, Handler: handler})
	}
	alias := func(handler server.ToolHandlerFunc, names []string, opts ...mcp.ToolOption) {
		for _, name := range names {
			add(handler, mcp.NewTool(name, opts...))
		}
	}

	// --- Memory lifecycle ---

	alias(a.createMemoryHandler, []string{"create_memory", "create_archive"},
		mcp.WithDescription("Creates a new isolated memory. Names use lowercase letters, digits and hyphens."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Unique memory name")),
		mcp.WithString("description", mcp.Description("Optional description")),
	)
	alias(a.getMemoryHandler, []string{"get_memory", "get_archive"},
		mcp.WithDescription("Returns a memory with its note count and size."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Memory name")),
	)
	alias(a.listMemoriesHandler, []string{"list_memories", "list_archives"},
		mcp.WithDescription("Lists every memory with note counts and sizes."),
	)
	alias(a.updateMemoryHandler, []string{"update_memory", "update_archive"},
		mcp.WithDescription("Replaces a memory's description. Omit or pass an empty description to clear it."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Memory name")),
		mcp.WithString("description", mcp.Description("New description")),
	)
	alias(a.deleteMemoryHandler, []string{"delete_memory", "delete_archive"},
		mcp.WithDescription("Deletes a memory and all of its notes. The default memory cannot be deleted."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Memory name")),
		mcp.WithBoolean("force", mcp.Description("Delete even if the memory still has notes")),
	)
	alias(a.setDefaultMemoryHandler, []string{"set_default_memory", "set_default_archive"},
		mcp.WithDescription("Makes a memory the default. Sessions without an explicit selection follow it."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Memory name")),
	)
	add(a.selectMemoryHandler, mcp.NewTool("select_memory",
		mcp.WithDescription("Selects the memory that note operations in this session use."),
		mcp.WithString("name", mcp.Description("Memory name")),
		mcp.WithBoolean("follow_default", mcp.Description("Drop the explicit selection and follow the default memory")),
	))
	add(a.getActiveMemoryHandler, mcp.NewTool("get_active_memory",
		mcp.WithDescription("Returns the memory this session's note operations use."),
	))
	add(a.cloneMemoryHandler, mcp.NewTool("clone_memory",
		mcp.WithDescription("Creates a new memory holding an independent copy of every note in another memory."),
		mcp.WithString("source_name", mcp.Required(), mcp.Description("Memory to copy")),
		mcp.WithString("new_name", mcp.Required(), mcp.Description("Name of the new memory")),
		mcp.WithString("description", mcp.Description("Description for the new memory; defaults to the source's")),
	))
	add(a.overviewHandler, mcp.NewTool("get_memories_overview",
		mcp.WithDescription("Reports capacity and per-memory usage."),
	))
	add(a.archiveStatsHandler, mcp.NewTool("get_archive_stats",
		mcp.WithDescription("Returns note count and size for one memory."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Memory name")),
	))
	add(a.federatedSearchHandler, mcp.NewTool("search_memories_federated",
		mcp.WithDescription("Searches several memories at once and merges the results."),
		mcp.WithString("q", mcp.Required(), mcp.Description("Search query")),
		mcp.WithArray("memories", mcp.Description(`Memory names or glob patterns; ["all"] or omitted searches every memory`), mcp.WithStringItems()),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 20, max 100)")),
		mcp.WithString("mode", mcp.Description("text (default) or semantic")),
	))

	// --- Notes in the active memory ---

	memoryArg := mcp.WithString("memory", mcp.Description("Memory to use instead of the session's active memory"))

	add(a.createNoteHandler, mcp.NewTool("create_note",
		mcp.WithDescription("Stores a note in the active memory."),
		mcp.WithString("content", mcp.Required(), mcp.Description("Note text")),
		mcp.WithString("title", mcp.Description("Optional title")),
		mcp.WithArray("tags", mcp.Description("Tags"), mcp.WithStringItems()),
		mcp.WithObject("metadata", mcp.Description("String key/value metadata")),
		memoryArg,
	))
	add(a.getNoteHandler, mcp.NewTool("get_note",
		mcp.WithDescription("Fetches a note by ID."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note ID")),
		memoryArg,
	))
	add(a.updateNoteHandler, mcp.NewTool("update_note",
		mcp.WithDescription("Updates a note's title, content or metadata."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note ID")),
		mcp.WithString("title", mcp.Description("New title")),
		mcp.WithString("content", mcp.Description("New content")),
		mcp.WithObject("metadata", mcp.Description("Replacement metadata")),
		memoryArg,
	))
	add(a.deleteNoteHandler, mcp.NewTool("delete_note",
		mcp.WithDescription("Deletes a note."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note ID")),
		memoryArg,
	))
	add(a.listNotesHandler, mcp.NewTool("list_notes",
		mcp.WithDescription("Lists notes in the active memory, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum notes to return")),
		mcp.WithString("tag", mcp.Description("Only notes with this tag")),
		memoryArg,
	))
	add(a.tagNoteHandler, mcp.NewTool("tag_note",
		mcp.WithDescription("Adds a tag to a note."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note ID")),
		mcp.WithString("tag", mcp.Required(), mcp.Description("Tag")),
		memoryArg,
	))
	add(a.untagNoteHandler, mcp.NewTool("untag_note",
		mcp.WithDescription("Removes a tag from a note."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note ID")),
		mcp.WithString("tag", mcp.Required(), mcp.Description("Tag")),
		memoryArg,
	))
	add(a.listTagsHandler, mcp.NewTool("list_tags",
		mcp.WithDescription("Lists tags in the active memory with note counts."),
		memoryArg,
	))
	add(a.searchNotesHandler, mcp.NewTool("search_notes",
		mcp.WithDescription("Searches the active memory."),
		mcp.WithString("q", mcp.Required(), mcp.Description("Search query")),
		mcp.WithNumber("limit", mcp.Description("Maximum results")),
		mcp.WithString("mode", mcp.Description("text (default) or semantic")),
		memoryArg,
	))

	return tools
}

type callerKey struct{}

// WithCaller pins the caller ID used for session routing.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// callerFrom identifies the session a request belongs to: an explicit
// caller, then the MCP client session, then the single stdio caller.
func callerFrom(ctx context.Context) string {
	if caller, ok := ctx.Value(callerKey{}).(string); ok && caller != "" {
		return caller
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		if id := session.SessionID(); id != "" {
			return id
		}
	}
	return StdioCaller
}

// jsonResult renders v as the text content of a tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// errorResult turns err into a tool error carrying its kind.
func (a *App) errorResult(tool string, err error) (*mcp.CallToolResult, error) {
	kind := errs.KindOf(err)
	if kind == errs.KindInternal {
		a.logger.Error("tool failed", "tool", tool, "error", err)
	}
	data, mErr := json.Marshal(errorBody{Error: errorDetail{Kind: kind, Message: errs.MessageOf(err)}})
	if mErr != nil {
		return nil, fmt.Errorf("failed to encode error: %w", mErr)
	}
	return mcp.NewToolResultError(string(data)), nil
}

// requireString returns a trimmed, non-empty string argument.
func requireString(req mcp.CallToolRequest, key string) (string, error) {
	s := strings.TrimSpace(req.GetString(key, ""))
	if s == "" {
		return "", errs.Validation("tools", "%s is required", key)
	}
	return s, nil
}

// optionalString returns nil when key is absent or blank.
func optionalString(req mcp.CallToolRequest, key string) *string {
	s := strings.TrimSpace(req.GetString(key, ""))
	if s == "" {
		return nil
	}
	return &s
}

// presentString distinguishes an absent argument from an empty one.
func presentString(req mcp.CallToolRequest, key string) *string {
	v, ok := req.GetArguments()[key]
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

// stringMap reads an object argument as string key/values.
func stringMap(req mcp.CallToolRequest, key string) (map[string]string, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errs.Validation("tools", "%s must be an object", key)
	}
	out := make(map[string]string, len(obj))
	for k, val := range obj {
		if s, ok := val.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}
