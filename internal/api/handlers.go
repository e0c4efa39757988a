package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradebridge/internal/agent"
	"tradebridge/internal/broker"
)

// agentRequest is the single-endpoint envelope: the action name plus its
// parameters
type agentRequest struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// handleAgent dispatches one named action and maps typed dispatch errors
// onto HTTP statuses
func (s *Server) handleAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "bad_request", "message": "invalid JSON body"},
		})
		return
	}

	apiKey := c.GetString(apiKeyContextKey)
	result, err := s.deps.Dispatcher.Dispatch(c.Request.Context(), apiKey, agent.Request{
		Action: req.Action,
		Params: req.Params,
	})
	if err != nil {
		s.writeAgentError(c, req.Action, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"action": req.Action, "result": result})
}

func (s *Server) writeAgentError(c *gin.Context, action string, err error) {
	var unknown *agent.UnknownActionError
	var paramErr *agent.ParamError
	var limited *agent.RateLimitError

	switch {
	case errors.As(err, &unknown):
		c.JSON(http.StatusBadRequest, gin.H{
			"action": action,
			"error": gin.H{
				"code":          "unknown_action",
				"message":       unknown.Error(),
				"valid_actions": unknown.Valid,
			},
		})

	case errors.As(err, &paramErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"action": action,
			"error": gin.H{
				"code":    "bad_params",
				"field":   paramErr.Field,
				"message": paramErr.Error(),
			},
		})

	case errors.As(err, &limited):
		c.Header("Retry-After", fmt.Sprintf("%d", int(limited.RetryAfter.Seconds())+1))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"action": action,
			"error": gin.H{
				"code":    "rate_limited",
				"bucket":  limited.Bucket,
				"message": limited.Error(),
			},
		})

	case errors.Is(err, broker.ErrDisconnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"action": action,
			"error":  gin.H{"code": "broker_down", "message": "broker session is not connected"},
		})

	default:
		// Internal details stay in the logs.
		s.logger.Error().Err(err).Str("action", action).Msg("Action failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"action": action,
			"error":  gin.H{"code": "internal", "message": "internal error"},
		})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	brokerReady := s.deps.Broker != nil && s.deps.Broker.Ready()

	health := gin.H{
		"status":       "ok",
		"version":      s.deps.Version,
		"uptime_sec":   int(time.Since(s.deps.StartedAt).Seconds()),
		"broker_ready": brokerReady,
	}
	if s.deps.Hub != nil {
		health["stream_clients"] = s.deps.Hub.ClientCount()
		health["stream_last_seq"] = s.deps.Hub.LastSeq()
	}
	if !brokerReady {
		health["status"] = "degraded"
	}
	c.JSON(http.StatusOK, health)
}

// handleReady is the readiness probe: 200 only when orders can actually
// reach the broker
func (s *Server) handleReady(c *gin.Context) {
	if s.deps.Broker == nil || !s.deps.Broker.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "reason": "broker_down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// handleOpenAPI serves the generated spec; ?lite=true returns the trimmed
// variant for tool-constrained clients
func (s *Server) handleOpenAPI(c *gin.Context) {
	lite := c.Query("lite") == "true"
	doc := agent.Spec(s.deps.Dispatcher.Registry(), s.deps.Version, lite)
	c.JSON(http.StatusOK, doc)
}
