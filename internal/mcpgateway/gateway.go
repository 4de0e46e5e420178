// Package mcpgateway hosts the runner's embedded MCP HTTP endpoint:
// executors call it to spawn child agents, and the gateway enriches
// each call with the calling session's identity before forwarding to
// the coordinator's run-creation API.
package mcpgateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/agent-coordinator/internal/common/logger"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// SessionIDHeader carries the calling executor's own session id, set by
// the executor process on every MCP request it makes.
const SessionIDHeader = "X-Kandev-Session-Id"

type contextKey string

const sessionIDKey contextKey = "session_id"

// RunCreator is implemented by the supervisor's coordinator client.
type RunCreator interface {
	CreateRun(ctx context.Context, req *v1.CreateRunRequest) (*v1.CreateRunResponse, error)
	GetSession(ctx context.Context, sessionID string) (*v1.Session, error)
}

// Gateway is the embedded MCP server a runner exposes to its executor
// subprocesses on localhost.
type Gateway struct {
	port       int
	coordinator RunCreator
	logger     *logger.Logger

	httpServer *http.Server
	mu         sync.Mutex
	running    bool
}

// New constructs a Gateway. port 0 selects a free port; call URL after
// Start to learn which one was chosen.
func New(port int, coordinator RunCreator, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Default()
	}
	return &Gateway{
		port:        port,
		coordinator: coordinator,
		logger:      log.WithFields(zap.String("component", "mcpgateway")),
	}
}

// Start begins serving the MCP endpoint in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("mcpgateway: already running")
	}
	g.mu.Unlock()

	mcpServer := server.NewMCPServer("agent-coordinator-mcp-gateway", "1.0.0", server.WithToolCapabilities(true))
	registerTools(mcpServer, g)

	streamable := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/mcp", withSessionHeader(streamable))

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", g.port))
	if err != nil {
		return fmt.Errorf("mcpgateway: listen: %w", err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		g.port = tcpAddr.Port
	}

	g.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		g.mu.Lock()
		g.running = true
		g.mu.Unlock()
		close(ready)

		g.logger.Info("mcp gateway listening", zap.Int("port", g.port))
		if err := g.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			g.logger.Error("mcp gateway stopped unexpectedly", zap.Error(err))
		}

		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts the gateway down.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	running := g.running
	srv := g.httpServer
	g.mu.Unlock()
	if !running || srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// URL returns the gateway's own base URL, for resolving a blueprint's
// ${runner.orchestrator_mcp_url} placeholder.
func (g *Gateway) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", g.port)
}

// withSessionHeader stashes the calling session id header into the
// request context so the tool handler below can read it back; mcp-go's
// streamable HTTP transport is built on net/http and threads the
// request's own context through to tool invocation.
func withSessionHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get(SessionIDHeader)
		ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func registerTools(s *server.MCPServer, g *Gateway) {
	s.AddTool(
		mcp.NewTool("spawn_agent",
			mcp.WithDescription("Spawn a child agent session as a new run. The parent session is inferred from the calling context; use callback_strategy to be resumed when the child finishes."),
			mcp.WithString("agent_name", mcp.Required(), mcp.Description("Name of the agent blueprint to run")),
			mcp.WithString("prompt", mcp.Description("Prompt for an autonomous agent")),
			mcp.WithString("callback_strategy", mcp.Description("immediate, batch, or all; omit for fire-and-forget")),
		),
		spawnAgentHandler(g),
	)
}

func spawnAgentHandler(g *Gateway) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		parentSessionID, _ := ctx.Value(sessionIDKey).(string)
		if parentSessionID == "" {
			return mcp.NewToolResultError("missing calling session context"), nil
		}

		args := req.GetArguments()
		agentName, _ := args["agent_name"].(string)
		if agentName == "" {
			return mcp.NewToolResultError("agent_name is required"), nil
		}
		prompt, _ := args["prompt"].(string)
		strategy, _ := args["callback_strategy"].(string)

		createReq := &v1.CreateRunRequest{
			Type:             v1.RunStartSession,
			AgentName:        agentName,
			Prompt:           prompt,
			ParentSessionID:  parentSessionID,
			CallbackStrategy: v1.CallbackStrategy(strategy),
		}

		if strategy != "" {
			parent, err := g.coordinator.GetSession(ctx, parentSessionID)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("failed to resolve calling session: %v", err)), nil
			}
			createReq.ParentSessionName = parent.Name
			createReq.CreatedBy = parent.CreatedBy
		}

		resp, err := g.coordinator.CreateRun(ctx, createReq)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to spawn agent: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("spawned run %s for session %s", resp.RunID, resp.SessionID)), nil
	}
}
