package tools

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	welcomeMsg = "brainvault interactive mode. Type 'help' for commands."
	helpMsg    = `Commands:
  memories                     list memories
  overview                     capacity and usage
  create <name> [description]  create a memory
  clone <source> <new-name>    copy a memory
  drop <name> [force]          delete a memory
  default <name>               set the default memory
  use <name>                   select a memory for this session
  follow                       follow the default memory again
  active                       show the active memory
  stats <name>                 note count and size
  add <content>                store a note in the active memory
  notes [tag]                  list notes
  get <id>                     show a note
  rm <id>                      delete a note
  tag <id> <tag>               add a tag
  untag <id> <tag>             remove a tag
  tags                         list tags
  search <query>               search the active memory
  fsearch <query>              search every memory
  exit`
	promptStr     = "brainvault> "
	unknownCmdMsg = "Unknown command. Type 'help' for commands."
)

type cliCommand struct {
	minArgs int
	usage   string
	handler server.ToolHandlerFunc
	args    func(parts []string) map[string]any
}

// RunCLI reads commands from in and prints tool results to out until EOF or
// "exit". It drives the same handlers the MCP server registers.
func (a *App) RunCLI(ctx context.Context, in io.Reader, out io.Writer) {
	ctx = WithCaller(ctx, StdioCaller)
	commands := a.cliCommands()

	fmt.Fprintln(out, welcomeMsg)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\n"+promptStr)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		name := strings.ToLower(parts[0])
		switch name {
		case "exit", "quit":
			return
		case "help":
			fmt.Fprintln(out, helpMsg)
			continue
		}

		cmd, ok := commands[name]
		if !ok {
			fmt.Fprintln(out, unknownCmdMsg)
			continue
		}
		if len(parts)-1 < cmd.minArgs {
			fmt.Fprintln(out, "Usage: "+cmd.usage)
			continue
		}

		req := mcp.CallToolRequest{}
		req.Params.Arguments = cmd.args(parts[1:])
		res, err := cmd.handler(ctx, req)
		printResult(out, res, err)
	}
}

func (a *App) cliCommands() map[string]cliCommand {
	none := func([]string) map[string]any { return map[string]any{} }
	rest := func(key string) func([]string) map[string]any {
		return func(p []string) map[string]any {
			return map[string]any{key: strings.Join(p, " ")}
		}
	}
	idTag := func(p []string) map[string]any {
		return map[string]any{"id": p[0], "tag": p[1]}
	}

	return map[string]cliCommand{
		"memories": {0, "memories", a.listMemoriesHandler, none},
		"overview": {0, "overview", a.overviewHandler, none},
		"create": {1, "create <name> [description]", a.createMemoryHandler, func(p []string) map[string]any {
			return map[string]any{"name": p[0], "description": strings.Join(p[1:], " ")}
		}},
		"clone": {2, "clone <source> <new-name>", a.cloneMemoryHandler, func(p []string) map[string]any {
			return map[string]any{"source_name": p[0], "new_name": p[1]}
		}},
		"drop": {1, "drop <name> [force]", a.deleteMemoryHandler, func(p []string) map[string]any {
			return map[string]any{"name": p[0], "force": len(p) > 1 && p[1] == "force"}
		}},
		"default": {1, "default <name>", a.setDefaultMemoryHandler, rest("name")},
		"use":     {1, "use <name>", a.selectMemoryHandler, rest("name")},
		"follow": {0, "follow", a.selectMemoryHandler, func([]string) map[string]any {
			return map[string]any{"follow_default": true}
		}},
		"active":  {0, "active", a.getActiveMemoryHandler, none},
		"stats":   {1, "stats <name>", a.archiveStatsHandler, rest("name")},
		"add":     {1, "add <content>", a.createNoteHandler, rest("content")},
		"notes":   {0, "notes [tag]", a.listNotesHandler, rest("tag")},
		"get":     {1, "get <id>", a.getNoteHandler, rest("id")},
		"rm":      {1, "rm <id>", a.deleteNoteHandler, rest("id")},
		"tag":     {2, "tag <id> <tag>", a.tagNoteHandler, idTag},
		"untag":   {2, "untag <id> <tag>", a.untagNoteHandler, idTag},
		"tags":    {0, "tags", a.listTagsHandler, none},
		"search":  {1, "search <query>", a.searchNotesHandler, rest("q")},
		"fsearch": {1, "fsearch <query>", a.federatedSearchHandler, rest("q")},
	}
}

func printResult(out io.Writer, res *mcp.CallToolResult, err error) {
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}
	if len(res.Content) == 0 {
		return
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		return
	}
	if res.IsError {
		fmt.Fprintf(out, "Error: %s\n", text.Text)
		return
	}
	fmt.Fprintln(out, text.Text)
}
