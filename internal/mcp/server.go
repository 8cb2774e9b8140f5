package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"comfy-mcp/server/internal/asset"
	"comfy-mcp/server/internal/comfy"
	"comfy-mcp/server/internal/defaults"
	"comfy-mcp/server/internal/logging"
	"comfy-mcp/server/internal/repository"
	"comfy-mcp/server/internal/template"
	"comfy-mcp/server/internal/webhook"
)

// Options bounds job execution on the tool-invocation path.
type Options struct {
	PollInterval time.Duration
	JobTimeout   time.Duration
}

// Server exposes every loaded workflow template as one MCP tool, plus
// management tools for assets, webhooks, and defaults.
type Server struct {
	mcpServer  *server.MCPServer
	resolver   *template.Resolver
	registry   *asset.Registry
	dispatcher *webhook.Dispatcher
	defaults   *defaults.Manager
	client     *comfy.Client
	logger     *logging.Logger
	opts       Options
}

// NewServer creates the MCP server and builds the tool table from the
// resolver's loaded definitions. The table is explicit: one entry per
// template, plus the fixed management tools.
func NewServer(
	resolver *template.Resolver,
	registry *asset.Registry,
	dispatcher *webhook.Dispatcher,
	dm *defaults.Manager,
	client *comfy.Client,
	opts Options,
	logger *logging.Logger,
) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"ComfyUI Agent Bridge",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		resolver:   resolver,
		registry:   registry,
		dispatcher: dispatcher,
		defaults:   dm,
		client:     client,
		logger:     logger,
		opts:       opts,
	}

	s.registerTemplateTools()
	s.registerAssetTools()
	s.registerWebhookTools()
	s.registerConfigTools()
	return s
}

// GetMCPServer returns the underlying MCP protocol server.
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTemplateTools() {
	for _, def := range s.resolver.Definitions() {
		opts := []mcp.ToolOption{
			mcp.WithDescription(fmt.Sprintf("Run the %s workflow (%s)", def.ToolName, def.Namespace)),
		}
		for _, p := range def.Parameters {
			var paramOpts []mcp.PropertyOption
			if p.Required {
				paramOpts = append(paramOpts, mcp.Required())
			}
			paramOpts = append(paramOpts, mcp.Description(fmt.Sprintf("%s parameter (%s)", p.Name, p.Type)))

			switch p.Type {
			case template.TypeInteger, template.TypeFloat:
				opts = append(opts, mcp.WithNumber(p.Name, paramOpts...))
			case template.TypeBoolean:
				opts = append(opts, mcp.WithBoolean(p.Name, paramOpts...))
			default:
				opts = append(opts, mcp.WithString(p.Name, paramOpts...))
			}
		}
		s.mcpServer.AddTool(mcp.NewTool(def.ToolName, opts...), s.handleTemplate(def.ToolName))
	}
}

// handleTemplate is the generic run path for every template tool: render,
// submit, wait, record the artifact, notify listeners. Notification outcome
// never affects the tool result.
func (s *Server) handleTemplate(toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})
		if args == nil {
			args = map[string]interface{}{}
		}

		graph, err := s.resolver.Render(toolName, args)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to render workflow: %v", err)), nil
		}

		jobID, err := s.client.QueuePrompt(ctx, graph)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to submit workflow: %v", err)), nil
		}
		s.notify(webhook.EventJobStarted, map[string]interface{}{
			"tool":   toolName,
			"job_id": jobID,
		})

		waitCtx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
		defer cancel()
		outputs, err := s.client.WaitForOutputs(waitCtx, jobID, s.opts.PollInterval)
		if err != nil {
			s.notify(webhook.EventJobFailed, map[string]interface{}{
				"tool":   toolName,
				"job_id": jobID,
				"error":  err.Error(),
			})
			if errors.Is(err, context.Canceled) {
				s.notify(webhook.EventJobCancelled, map[string]interface{}{
					"tool":   toolName,
					"job_id": jobID,
				})
			}
			return mcp.NewToolResultError(fmt.Sprintf("Workflow execution failed: %v", err)), nil
		}

		def, ok := s.resolver.Definition(toolName)
		if !ok {
			// Template table was refreshed mid-run; fall back to a generic
			// slot order so the finished job is not lost.
			def = &template.Definition{OutputPreferences: []string{"images", "gifs", "audio", "files"}}
		}
		out, slot, found := comfy.ExtractFirstAsset(outputs, def.OutputPreferences)
		if !found {
			s.notify(webhook.EventJobFailed, map[string]interface{}{
				"tool":   toolName,
				"job_id": jobID,
				"error":  "job produced no recognizable outputs",
			})
			return mcp.NewToolResultError("Workflow completed but produced no recognizable outputs"), nil
		}

		rec := s.registry.Register(asset.Record{
			Filename:   out.Filename,
			Subfolder:  out.Subfolder,
			Namespace:  out.Type,
			MimeType:   mimeForFilename(out.Filename),
			TemplateID: toolName,
			JobID:      jobID,
		}, 0)

		s.notify(webhook.EventGenerationCompleted, map[string]interface{}{
			"tool":     toolName,
			"job_id":   jobID,
			"asset_id": rec.ID,
			"filename": rec.Filename,
		})

		result := map[string]interface{}{
			"asset_id":    rec.ID,
			"filename":    rec.Filename,
			"subfolder":   rec.Subfolder,
			"namespace":   rec.Namespace,
			"mime_type":   rec.MimeType,
			"job_id":      jobID,
			"output_slot": slot,
		}
		jsonBytes, _ := json.Marshal(result)
		return mcp.NewToolResultText(string(jsonBytes)), nil
	}
}

// notify dispatches a lifecycle event, logging but never surfacing failures
// to the job that triggered them.
func (s *Server) notify(event webhook.Event, payload map[string]interface{}) {
	if _, err := s.dispatcher.Dispatch(event, payload); err != nil {
		s.logger.Error("failed to dispatch %q: %v", event, err)
	}
}

func (s *Server) registerAssetTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_assets",
			mcp.WithDescription("List recently generated assets, newest first"),
			mcp.WithNumber("limit", mcp.Description("Maximum assets to return (default 10)")),
			mcp.WithString("template_id", mcp.Description("Only assets produced by this workflow")),
		),
		s.handleListAssets,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_asset",
			mcp.WithDescription("Get a generated asset's record by id"),
			mcp.WithString("asset_id", mcp.Required(), mcp.Description("The asset id")),
		),
		s.handleGetAsset,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"resolve_asset_for_workflow",
			mcp.WithDescription("Resolve an asset id into an input filename usable as a parameter of the next workflow"),
			mcp.WithString("asset_id", mcp.Required(), mcp.Description("The asset id from a previous generation step")),
		),
		s.handleResolveAsset,
	)
}

func (s *Server) handleListAssets(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	limit := 10
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	templateID, _ := args["template_id"].(string)

	jsonBytes, _ := json.Marshal(s.registry.List(limit, templateID))
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetAsset(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	id, ok := args["asset_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: asset_id"), nil
	}

	rec, found := s.registry.Get(id)
	if !found {
		return mcp.NewToolResultError(fmt.Sprintf("Asset %s not found or expired", id)), nil
	}
	jsonBytes, _ := json.Marshal(rec)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleResolveAsset(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	id, ok := args["asset_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: asset_id"), nil
	}

	inputName, err := s.registry.ResolveForChaining(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Cannot chain this artifact: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(map[string]string{"input_filename": inputName})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) registerWebhookTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"register_webhook",
			mcp.WithDescription("Register an HTTP callback for job lifecycle events"),
			mcp.WithString("url", mcp.Required(), mcp.Description("The webhook URL (http or https)")),
			mcp.WithString("events", mcp.Description("Comma-separated event names; empty subscribes to all")),
			mcp.WithString("secret", mcp.Description("Optional secret for HMAC-SHA256 payload signing")),
		),
		s.handleRegisterWebhook,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"unregister_webhook",
			mcp.WithDescription("Remove a webhook registration"),
			mcp.WithString("webhook_id", mcp.Required(), mcp.Description("The webhook id")),
		),
		s.handleUnregisterWebhook,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_webhooks",
			mcp.WithDescription("List all webhook registrations"),
		),
		s.handleListWebhooks,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"set_webhook_active",
			mcp.WithDescription("Enable or disable delivery for a webhook without deleting it"),
			mcp.WithString("webhook_id", mcp.Required(), mcp.Description("The webhook id")),
			mcp.WithBoolean("active", mcp.Required(), mcp.Description("Whether delivery is enabled")),
		),
		s.handleSetWebhookActive,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_webhook_deliveries",
			mcp.WithDescription("Read the webhook delivery log, newest first"),
			mcp.WithString("webhook_id", mcp.Description("Filter by webhook id")),
			mcp.WithString("event", mcp.Description("Filter by event name")),
			mcp.WithNumber("limit", mcp.Description("Maximum entries to return")),
		),
		s.handleGetDeliveries,
	)
}

func (s *Server) handleRegisterWebhook(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	url, ok := args["url"].(string)
	if !ok || url == "" {
		return mcp.NewToolResultError("Missing required parameter: url"), nil
	}
	secret, _ := args["secret"].(string)

	var events []string
	if raw, ok := args["events"].(string); ok && raw != "" {
		for _, e := range strings.Split(raw, ",") {
			events = append(events, strings.TrimSpace(e))
		}
	}

	reg, err := s.dispatcher.Register(ctx, url, events, secret)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to register webhook: %v", err)), nil
	}
	jsonBytes, _ := json.Marshal(reg)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleUnregisterWebhook(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	id, ok := args["webhook_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: webhook_id"), nil
	}

	existed, err := s.dispatcher.Unregister(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to unregister webhook: %v", err)), nil
	}
	jsonBytes, _ := json.Marshal(map[string]bool{"removed": existed})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleListWebhooks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	regs, err := s.dispatcher.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list webhooks: %v", err)), nil
	}
	jsonBytes, _ := json.Marshal(regs)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleSetWebhookActive(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	id, ok := args["webhook_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: webhook_id"), nil
	}
	active, ok := args["active"].(bool)
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: active"), nil
	}

	if err := s.dispatcher.SetActive(ctx, id, active); err != nil {
		if errors.Is(err, repository.ErrWebhookNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("Webhook %s not found", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update webhook: %v", err)), nil
	}
	return mcp.NewToolResultText("Webhook updated"), nil
}

func (s *Server) handleGetDeliveries(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	webhookID, _ := args["webhook_id"].(string)
	event, _ := args["event"].(string)
	limit := 100
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	jsonBytes, _ := json.Marshal(s.dispatcher.GetDeliveryLog(webhookID, event, limit))
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) registerConfigTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_templates",
			mcp.WithDescription("List loaded workflow templates and their parameter schemas"),
		),
		s.handleListTemplates,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"set_defaults",
			mcp.WithDescription("Set runtime parameter defaults for a namespace (image, audio, video, mesh)"),
			mcp.WithString("namespace", mcp.Required(), mcp.Description("The parameter namespace")),
			mcp.WithString("values", mcp.Required(), mcp.Description("JSON object of parameter name to default value")),
		),
		s.handleSetDefaults,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_defaults",
			mcp.WithDescription("Get the merged parameter defaults per namespace"),
		),
		s.handleGetDefaults,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"health_check",
			mcp.WithDescription("Check the bridge and backend health"),
		),
		s.handleHealthCheck,
	)
}

func (s *Server) handleListTemplates(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jsonBytes, _ := json.Marshal(s.resolver.Definitions())
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleSetDefaults(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	namespace, ok := args["namespace"].(string)
	if !ok || namespace == "" {
		return mcp.NewToolResultError("Missing required parameter: namespace"), nil
	}
	raw, ok := args["values"].(string)
	if !ok || raw == "" {
		return mcp.NewToolResultError("Missing required parameter: values"), nil
	}

	var values map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("values is not a JSON object: %v", err)), nil
	}
	if err := s.defaults.Set(namespace, values); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	jsonBytes, _ := json.Marshal(map[string]interface{}{"updated": values})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetDefaults(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jsonBytes, _ := json.Marshal(s.defaults.All())
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleHealthCheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result := map[string]interface{}{
		"status":         "healthy",
		"templates":      len(s.resolver.Definitions()),
		"tracked_assets": s.registry.Count(),
	}

	if _, err := s.client.SystemStats(ctx); err != nil {
		result["status"] = "unhealthy"
		result["backend_error"] = err.Error()
	} else {
		result["backend_connected"] = true
	}
	if len(s.resolver.Definitions()) == 0 {
		result["status"] = "degraded"
		result["issue"] = "no workflow templates loaded"
	}

	jsonBytes, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// mimeForFilename guesses a MIME type from the artifact's extension.
// Formats the stdlib table misses get explicit entries.
func mimeForFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".glb":
		return "model/gltf-binary"
	case ".gltf":
		return "model/gltf+json"
	case ".obj":
		return "model/obj"
	case ".stl":
		return "model/stl"
	case ".fbx":
		return "model/fbx"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// MountHTTPHandlers exposes the MCP protocol over HTTP and SSE.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
