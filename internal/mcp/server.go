package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradebridge/internal/agent"
)

// SessionHeader carries the server-assigned session id
const SessionHeader = "Mcp-Session-Id"

const protocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

// rpcRequest is a JSON-RPC 2.0 request envelope
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"params"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server exposes the agent registry as MCP tools over POST/GET/DELETE /mcp
type Server struct {
	sessions   *SessionManager
	dispatcher *agent.Dispatcher
	name       string
	version    string
	logger     zerolog.Logger
}

// NewServer wires the MCP endpoint over the dispatcher
func NewServer(sessions *SessionManager, dispatcher *agent.Dispatcher, version string) *Server {
	return &Server{
		sessions:   sessions,
		dispatcher: dispatcher,
		name:       "tradebridge",
		version:    version,
		logger:     log.With().Str("component", "mcp").Logger(),
	}
}

// Register mounts the /mcp routes on a gin router group
func (s *Server) Register(r gin.IRoutes) {
	r.POST("/mcp", s.handlePost)
	r.GET("/mcp", s.handleGet)
	r.DELETE("/mcp", s.handleDelete)
}

// handlePost serves JSON-RPC requests. The first initialize call without a
// session id provisions one; every response echoes the id in the header.
func (s *Server) handlePost(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON-RPC request"})
		return
	}

	sessionID := c.GetHeader(SessionHeader)
	if sessionID == "" {
		if req.Method != "initialize" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + SessionHeader + " header"})
			return
		}
		sessionID = s.sessions.Create()
	} else if err := s.sessions.Touch(sessionID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidSession.Error()})
		return
	}

	c.Header(SessionHeader, sessionID)
	c.JSON(http.StatusOK, s.handleRequest(c, sessionID, req))
}

// handleGet is the server-to-client stream: held open with keepalive
// comments until the client goes away
func (s *Server) handleGet(c *gin.Context) {
	sessionID := c.GetHeader(SessionHeader)
	if sessionID == "" || s.sessions.Touch(sessionID) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidSession.Error()})
		return
	}

	c.Header(SessionHeader, sessionID)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			if s.sessions.Touch(sessionID) != nil {
				return
			}
			if _, err := c.Writer.WriteString(": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func (s *Server) handleDelete(c *gin.Context) {
	sessionID := c.GetHeader(SessionHeader)
	if sessionID == "" || s.sessions.Close(sessionID) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidSession.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": true})
}

func (s *Server) handleRequest(c *gin.Context, sessionID string, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "initialize":
		resp.Result = map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]bool{"listChanged": false},
			},
			"serverInfo": map[string]string{
				"name":    s.name,
				"version": s.version,
			},
		}

	case "tools/list":
		resp.Result = map[string]interface{}{"tools": s.listTools()}

	case "tools/call":
		result, err := s.callTool(c, sessionID, req)
		if err != nil {
			resp.Error = err
		} else {
			resp.Result = result
		}

	default:
		resp.Error = &rpcError{
			Code:    codeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	}
	return resp
}

// listTools maps every registered action to an MCP tool declaration
func (s *Server) listTools() []map[string]interface{} {
	actions := s.dispatcher.Registry().Actions()
	tools := make([]map[string]interface{}, 0, len(actions))
	for _, action := range actions {
		properties := make(map[string]interface{}, len(action.Params))
		var required []string
		for _, p := range action.Params {
			properties[p.Name] = map[string]string{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		schema := map[string]interface{}{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			schema["required"] = required
		}
		tools = append(tools, map[string]interface{}{
			"name":        action.Name,
			"description": action.Description,
			"inputSchema": schema,
		})
	}
	return tools
}

// callTool dispatches one action and wraps the result as MCP content
func (s *Server) callTool(c *gin.Context, sessionID string, req rpcRequest) (interface{}, *rpcError) {
	// The session id doubles as the rate-limit key.
	result, err := s.dispatcher.Dispatch(c.Request.Context(), sessionID, agent.Request{
		Action: req.Params.Name,
		Params: req.Params.Arguments,
	})
	if err != nil {
		var unknown *agent.UnknownActionError
		var paramErr *agent.ParamError
		var limited *agent.RateLimitError
		switch {
		case errors.As(err, &unknown):
			return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown tool %q", req.Params.Name)}
		case errors.As(err, &paramErr):
			return nil, &rpcError{Code: codeInvalidParams, Message: paramErr.Error()}
		case errors.As(err, &limited):
			return nil, &rpcError{Code: codeInternal, Message: limited.Error()}
		default:
			s.logger.Warn().Err(err).Str("tool", req.Params.Name).Msg("Tool call failed")
			return nil, &rpcError{Code: codeInternal, Message: err.Error()}
		}
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, &rpcError{Code: codeInternal, Message: "failed to encode result"}
	}
	return map[string]interface{}{
		"content": []map[string]string{
			{"type": "text", "text": string(text)},
		},
	}, nil
}
