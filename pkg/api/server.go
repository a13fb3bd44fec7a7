// Package api exposes the engine over HTTP: session queries, run
// submission and cancellation, MCP approval decisions, and a WebSocket
// event stream. Rendering is the client's concern — the API serves the raw
// event and session data only.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/devflow-ai/devflow/pkg/command"
	"github.com/devflow-ai/devflow/pkg/config"
	"github.com/devflow-ai/devflow/pkg/events"
	"github.com/devflow-ai/devflow/pkg/mcp"
	"github.com/devflow-ai/devflow/pkg/orchestrator"
	"github.com/devflow-ai/devflow/pkg/session"
	"github.com/devflow-ai/devflow/pkg/version"
)

// Server wires the HTTP surface over the engine's components.
type Server struct {
	router   *gin.Engine
	cfg      *config.Config
	store    session.Store
	runner   *orchestrator.Runner
	commands *command.Registry
	mcp      *mcp.Manager
	stream   *StreamManager
}

// NewServer builds the router. mcpManager may be nil when no servers are
// configured.
func NewServer(
	cfg *config.Config,
	store session.Store,
	runner *orchestrator.Runner,
	commands *command.Registry,
	mcpManager *mcp.Manager,
	stream *StreamManager,
) *Server {
	s := &Server{
		router:   gin.New(),
		cfg:      cfg,
		store:    store,
		runner:   runner,
		commands: commands,
		mcp:      mcpManager,
		stream:   stream,
	}
	s.router.Use(gin.Recovery())
	s.routes()
	return s
}

// Router returns the configured gin engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", gin.WrapF(s.stream.HandleHTTP))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/commands", s.handleListCommands)
		v1.GET("/sessions", s.handleListSessions)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.GET("/sessions/:id/events", s.handleGetSessionEvents)
		v1.POST("/sessions/:id/cancel", s.handleCancelSession)
		v1.POST("/runs", s.handleSubmitRun)
		v1.GET("/mcp/servers", s.handleMCPServers)
		v1.POST("/mcp/approvals", s.handleMCPApproval)
		v1.DELETE("/mcp/approvals/:server_id", s.handleMCPRevoke)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.cfg.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": version.Full(),
		"configuration": gin.H{
			"commands":      s.commands.Len(),
			"mcp_servers":   stats.MCPServers,
			"llm_providers": stats.Providers,
			"models":        stats.Models,
		},
		"active_sessions":    s.runner.ActiveSessions(),
		"stream_connections": s.stream.ActiveConnections(),
	})
}

func (s *Server) handleListCommands(c *gin.Context) {
	names := s.commands.Names()
	out := make([]gin.H, 0, len(names))
	for _, name := range names {
		cmd, _ := s.commands.Get(name)
		out = append(out, gin.H{
			"name":        name,
			"description": cmd.Description,
			"stages":      len(cmd.Stages),
		})
	}
	c.JSON(http.StatusOK, gin.H{"commands": out})
}

func (s *Server) handleListSessions(c *gin.Context) {
	if query := c.Query("query"); query != "" {
		summaries, err := s.store.Search(c.Request.Context(), query)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": summaries})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	summaries, err := s.store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": summaries})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          sess.ID,
		"command":     sess.Command,
		"args":        sess.Args,
		"state":       sess.State,
		"created_at":  sess.CreatedAt,
		"updated_at":  sess.UpdatedAt,
		"tokens":      sess.Tokens,
		"stages":      sess.Stages,
		"event_count": len(sess.Events),
	})
}

func (s *Server) handleGetSessionEvents(c *gin.Context) {
	sess, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	out := make([]events.Envelope, 0, len(sess.Events))
	for _, ev := range sess.Events {
		data, err := events.Marshal(ev)
		if err != nil {
			continue
		}
		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		out = append(out, env)
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

type submitRunRequest struct {
	Command   string            `json:"command" binding:"required"`
	Args      map[string]string `json:"args"`
	Resume    bool              `json:"resume"`
	SessionID string            `json:"session_id"`
	Model     string            `json:"model"`
}

func (s *Server) handleSubmitRun(c *gin.Context) {
	var req submitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID, err := s.runner.Submit(c.Request.Context(), req.Command, req.Args, orchestrator.RunOptions{
		Resume:    req.Resume,
		SessionID: req.SessionID,
		Model:     req.Model,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, command.ErrCommandNotFound) || errors.Is(err, session.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error(), "session_id": sessionID})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID})
}

func (s *Server) handleCancelSession(c *gin.Context) {
	sessionID := c.Param("id")
	if s.runner.Cancel(sessionID) {
		c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "cancelling": true})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "session is not executing", "session_id": sessionID})
}

func (s *Server) handleMCPServers(c *gin.Context) {
	if s.mcp == nil {
		c.JSON(http.StatusOK, gin.H{"servers": gin.H{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": s.mcp.CheckAll(c.Request.Context())})
}

type approvalRequest struct {
	ServerID     string   `json:"server_id" binding:"required"`
	Approved     bool     `json:"approved"`
	AllowedTools []string `json:"allowed_tools"`
	MemoryKind   string   `json:"memory_kind"`
}

func (s *Server) handleMCPApproval(c *gin.Context) {
	if s.mcp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no MCP servers configured"})
		return
	}

	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := mcp.MemoryKind(req.MemoryKind)
	if kind == "" {
		kind = mcp.MemorySession
	}
	if err := s.mcp.Approvals().Cache(req.ServerID, req.Approved, req.AllowedTools, kind); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"server_id": req.ServerID, "approved": req.Approved, "memory_kind": kind})
}

func (s *Server) handleMCPRevoke(c *gin.Context) {
	if s.mcp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no MCP servers configured"})
		return
	}
	serverID := c.Param("server_id")
	if err := s.mcp.Approvals().Revoke(serverID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"server_id": serverID, "revoked": true})
}
