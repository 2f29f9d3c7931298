// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes custodian tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/custodian/internal/apperr"
	"github.com/starford/custodian/internal/fileservice"
)

const contractURI = "custodian://annotation-format"

// Server wraps the MCP server with custodian tools.
type Server struct {
	mcp *server.MCPServer
	svc *fileservice.Service
}

// New creates a new MCP server with all custodian tools registered.
func New(svc *fileservice.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Custodian",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_files",
		mcp.WithDescription("List tracked files, optionally filtered by state (active or missing)."),
		mcp.WithString("state", mcp.Description("Optional record state filter")),
	), s.listFiles)

	s.mcp.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Read a tracked file: its content, digest, purpose, dependencies and dependents."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Workspace path of the file (e.g. /docs/intro.txt)")),
	), s.readFile)

	s.mcp.AddTool(mcp.NewTool("register_file",
		mcp.WithDescription("Adopt an existing file into the registry. Annotations in the content are "+
			"added to the declared dependencies."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Workspace path of the file")),
		mcp.WithString("purpose", mcp.Description("Short statement of what the file is for")),
		mcp.WithArray("dependencies", mcp.Description("Paths this file depends on"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithBoolean("overwrite", mcp.Description("Re-register even if the registered content differs")),
	), s.registerFile)

	s.mcp.AddTool(mcp.NewTool("check_conflict",
		mcp.WithDescription("Check proposed content for a path against the registry before writing it. "+
			"Reports divergent content at the path or near-duplicate files with the same purpose."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Workspace path the content is meant for")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Proposed content")),
		mcp.WithString("purpose", mcp.Description("Purpose of the proposed file")),
	), s.checkConflict)

	s.mcp.AddTool(mcp.NewTool("create_file",
		mcp.WithDescription("Create a new tracked file. Declare dependencies with annotations as "+
			"described by the get_annotation_contract tool or the "+contractURI+" resource."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Workspace path for the new file")),
		mcp.WithString("content", mcp.Required(), mcp.Description("File content")),
		mcp.WithString("purpose", mcp.Description("Short statement of what the file is for")),
		mcp.WithBoolean("overwrite", mcp.Description("Replace an existing file at the path")),
	), s.createFile)

	s.mcp.AddTool(mcp.NewTool("edit_file",
		mcp.WithDescription("Replace the content of a tracked file. The previous content is backed up first."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Workspace path of the file")),
		mcp.WithString("content", mcp.Required(), mcp.Description("New content")),
		mcp.WithString("reason", mcp.Description("Why the file is being changed")),
		mcp.WithString("expected_digest", mcp.Description("Digest from read_file; the edit fails if the file changed since")),
	), s.editFile)

	s.mcp.AddTool(mcp.NewTool("delete_file",
		mcp.WithDescription("Delete a tracked file after backing it up. Refused while active files reference it unless force is set."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Workspace path of the file")),
		mcp.WithBoolean("force", mcp.Description("Delete even when other files reference it")),
	), s.deleteFile)

	s.mcp.AddTool(mcp.NewTool("file_history",
		mcp.WithDescription("Show the version history of a path, including deleted lives and their backups."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Workspace path of the file")),
	), s.fileHistory)

	s.mcp.AddTool(mcp.NewTool("restore_file",
		mcp.WithDescription("Restore a file from one of its backups (see file_history)."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Workspace path of the file")),
		mcp.WithString("backup_id", mcp.Required(), mcp.Description("Backup identifier")),
	), s.restoreFile)

	s.mcp.AddTool(mcp.NewTool("get_dependents",
		mcp.WithDescription("Find all tracked files that reference the specified file."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Workspace path of the file")),
	), s.getDependents)

	s.mcp.AddTool(mcp.NewTool("check_standards",
		mcp.WithDescription("Run the organization standards over every tracked file. With autofix, "+
			"registry-only repairs are applied; file content is never changed."),
		mcp.WithBoolean("autofix", mcp.Description("Apply registry-only repairs")),
	), s.checkStandards)

	s.mcp.AddTool(mcp.NewTool("get_annotation_contract",
		mcp.WithDescription("Returns the cross-reference annotation contract. "+
			"Call this before creating or editing files to declare dependencies correctly."),
	), s.getAnnotationContract)

	// Resource: annotation contract.
	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Annotation Contract",
			mcp.WithResourceDescription("Cross-reference annotation format for tracked files."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// errorResult renders a failure the model can act on.
func errorResult(err error) *mcp.CallToolResult {
	var ge *apperr.GuardianError
	if errors.As(err, &ge) {
		msg := fmt.Sprintf("%s: %s aborted at stage %s", ge.Kind, ge.Path, ge.Stage)
		if len(ge.Dependents) > 0 {
			msg += "; referenced by " + strings.Join(ge.Dependents, ", ")
		}
		if ge.Err != nil {
			msg += ": " + ge.Err.Error()
		}
		return mcp.NewToolResultError(msg)
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) listFiles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, _ := s.svc.ListFiles(ctx, req.GetString("state", ""), 0, 0)
	if len(items) == 0 {
		return mcp.NewToolResultText("no tracked files"), nil
	}
	lines := make([]string, 0, len(items))
	for _, it := range items {
		line := it.Path
		if it.State != "active" {
			line += " [" + string(it.State) + "]"
		}
		if it.Purpose != "" {
			line += " - " + it.Purpose
		}
		lines = append(lines, line)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) readFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := s.svc.GetFile(ctx, path, true)
	if err != nil {
		return errorResult(err), nil
	}
	d.History = nil
	d.Backups = nil
	return jsonResult(d)
}

func (s *Server) registerFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.svc.Register(ctx, path, req.GetString("purpose", ""),
		req.GetStringSlice("dependencies", nil), req.GetBool("overwrite", false))
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("registered: %s (%s)", rec.Path, rec.Digest)), nil
}

func (s *Server) checkConflict(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := s.svc.CheckConflict(ctx, path, []byte(content), req.GetString("purpose", ""))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(d)
}

func (s *Server) createFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := s.svc.CreateFile(ctx, path, []byte(content), req.GetString("purpose", ""), req.GetBool("overwrite", false))
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", d.Path)), nil
}

func (s *Server) editFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := s.svc.UpdateFile(ctx, path, []byte(content), req.GetString("reason", ""), req.GetString("expected_digest", ""))
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("edited: %s (%s)", d.Path, d.Digest)), nil
}

func (s *Server) deleteFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.svc.DeleteFile(ctx, path, req.GetBool("force", false))
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted: %s", rec.Path)), nil
}

func (s *Server) fileHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	hist, err := s.svc.History(ctx, path)
	if err != nil {
		return errorResult(err), nil
	}
	backups, err := s.svc.Backups(ctx, path)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"history": hist, "backups": backups})
}

func (s *Server) restoreFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("backup_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.svc.RestoreFile(ctx, path, id)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("restored: %s (%s)", rec.Path, rec.Digest)), nil
}

func (s *Server) getDependents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	deps, err := s.svc.Dependents(ctx, path)
	if err != nil {
		return errorResult(err), nil
	}
	if len(deps) == 0 {
		return mcp.NewToolResultText("no dependents found"), nil
	}
	return mcp.NewToolResultText(strings.Join(deps, "\n")), nil
}

func (s *Server) checkStandards(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rep, err := s.svc.CheckStandards(ctx, req.GetBool("autofix", false))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(rep)
}

func (s *Server) getAnnotationContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(AnnotationContract), nil
}

func (s *Server) readContractResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     AnnotationContract,
		},
	}, nil
}
