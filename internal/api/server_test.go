package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/agent"
	"tradebridge/internal/broker"
	"tradebridge/internal/config"
)

type stubBroker struct{ ready bool }

func (b *stubBroker) Ready() bool { return b.ready }

func testAPIServer(t *testing.T, brokerReady bool) *Server {
	t.Helper()

	registry := agent.NewRegistry()
	registry.MustRegister(agent.Action{
		Name:        "get_status",
		Description: "status",
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return map[string]string{"status": "ok"}, nil
		},
	})
	registry.MustRegister(agent.Action{
		Name:   "echo",
		Class:  agent.ClassOrders,
		Params: []agent.Param{{Name: "value", Type: "string", Required: true}},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				Value *string `json:"value"`
			}
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
			if p.Value == nil {
				return nil, &agent.ParamError{Field: "value", Reason: "required"}
			}
			return *p.Value, nil
		},
	})
	registry.MustRegister(agent.Action{
		Name: "broker_only",
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return nil, broker.ErrDisconnected
		},
	})
	registry.MustRegister(agent.Action{
		Name: "explode",
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return nil, errors.New("sqlite: disk I/O error on /var/lib/bridge.db")
		},
	})

	return NewServer(Deps{
		Config:     config.APIConfig{Host: "127.0.0.1", Port: 0, APIKey: "secret-key"},
		Dispatcher: agent.NewDispatcher(registry, agent.NewRateLimiter()),
		Broker:     &stubBroker{ready: brokerReady},
		Version:    "1.0.0-test",
		StartedAt:  time.Now(),
	})
}

func doAgent(t *testing.T, s *Server, apiKey, action string, params interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body := map[string]interface{}{"action": action}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/agent", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	s := testAPIServer(t, true)

	w := doAgent(t, s, "", "get_status", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doAgent(t, s, "wrong-key", "get_status", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doAgent(t, s, "secret-key", "get_status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthBearerToken(t *testing.T) {
	s := testAPIServer(t, true)

	req := httptest.NewRequest(http.MethodPost, "/api/agent",
		bytes.NewReader([]byte(`{"action":"get_status"}`)))
	req.Header.Set("Authorization", "Bearer secret-key")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAgentHappyPath(t *testing.T) {
	s := testAPIServer(t, true)

	w := doAgent(t, s, "secret-key", "echo", map[string]string{"value": "hello"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Action string `json:"action"`
		Result string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "echo", resp.Action)
	assert.Equal(t, "hello", resp.Result)
}

func TestAgentUnknownAction(t *testing.T) {
	s := testAPIServer(t, true)

	w := doAgent(t, s, "secret-key", "frobnicate", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Error struct {
			Code         string   `json:"code"`
			ValidActions []string `json:"valid_actions"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unknown_action", resp.Error.Code)
	assert.Contains(t, resp.Error.ValidActions, "get_status")
	assert.Contains(t, resp.Error.ValidActions, "echo")
}

func TestAgentBadParams(t *testing.T) {
	s := testAPIServer(t, true)

	w := doAgent(t, s, "secret-key", "echo", map[string]string{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Error struct {
			Code  string `json:"code"`
			Field string `json:"field"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "bad_params", resp.Error.Code)
	assert.Equal(t, "value", resp.Error.Field)
}

func TestAgentRateLimited(t *testing.T) {
	s := testAPIServer(t, true)

	// echo sits in the orders class: 10 per minute.
	for i := 0; i < 10; i++ {
		w := doAgent(t, s, "secret-key", "echo", map[string]string{"value": "x"})
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := doAgent(t, s, "secret-key", "echo", map[string]string{"value": "x"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var resp struct {
		Error struct {
			Bucket string `json:"bucket"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, agent.ClassOrders, resp.Error.Bucket)
}

func TestAgentBrokerDown(t *testing.T) {
	s := testAPIServer(t, true)

	w := doAgent(t, s, "secret-key", "broker_only", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "broker_down")
}

func TestAgentInternalErrorSanitized(t *testing.T) {
	s := testAPIServer(t, true)

	w := doAgent(t, s, "secret-key", "explode", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "sqlite")
	assert.Contains(t, w.Body.String(), "internal")
}

func TestHealthUnauthenticated(t *testing.T) {
	s := testAPIServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var health struct {
		Status      string `json:"status"`
		BrokerReady bool   `json:"broker_ready"`
		Version     string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.BrokerReady)
	assert.Equal(t, "1.0.0-test", health.Version)
}

func TestHealthDegradedWhenBrokerDown(t *testing.T) {
	s := testAPIServer(t, false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

func TestReadinessProbe(t *testing.T) {
	up := testAPIServer(t, true)
	down := testAPIServer(t, false)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w := httptest.NewRecorder()
	up.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	down.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "broker_down")
}

func TestOpenAPIEndpoint(t *testing.T) {
	s := testAPIServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var doc struct {
		OpenAPI string                     `json:"openapi"`
		Paths   map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	assert.Contains(t, doc.Paths, "/api/agent")
}

func TestAuthDisabledWithEmptySecret(t *testing.T) {
	registry := agent.NewRegistry()
	registry.MustRegister(agent.Action{
		Name: "get_status",
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return "ok", nil
		},
	})
	s := NewServer(Deps{
		Config:     config.APIConfig{},
		Dispatcher: agent.NewDispatcher(registry, nil),
		Broker:     &stubBroker{ready: true},
		StartedAt:  time.Now(),
	})

	w := doAgent(t, s, "", "get_status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
