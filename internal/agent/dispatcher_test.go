package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	r.MustRegister(Action{
		Name:        "get_status",
		Description: "status stub",
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return map[string]string{"status": "ok"}, nil
		},
	})
	r.MustRegister(Action{
		Name:   "echo",
		Params: []Param{{Name: "value", Type: "string", Required: true}},
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p struct {
				Value string `json:"value"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.Value == "" {
				return nil, missing("value")
			}
			return p.Value, nil
		},
	})
	r.MustRegister(Action{
		Name:  "boom",
		Class: ClassOrders,
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			panic("handler exploded")
		},
	})
	return r
}

func TestDispatchUnknownAction(t *testing.T) {
	d := NewDispatcher(testRegistry(t), nil)

	_, err := d.Dispatch(context.Background(), "k", Request{Action: "frobnicate"})
	var unknown *UnknownActionError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "frobnicate", unknown.Action)
	assert.Equal(t, []string{"boom", "echo", "get_status"}, unknown.Valid)
	assert.Contains(t, unknown.Valid, "get_status")
}

func TestDispatchHappyPath(t *testing.T) {
	d := NewDispatcher(testRegistry(t), nil)

	result, err := d.Dispatch(context.Background(), "k", Request{
		Action: "echo",
		Params: json.RawMessage(`{"value":"hi"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", result)
}

func TestDispatchParamValidation(t *testing.T) {
	d := NewDispatcher(testRegistry(t), nil)

	tests := []struct {
		name   string
		params string
		field  string
	}{
		{"missing required", `{}`, "value"},
		{"unknown extra field", `{"value":"x","bogus":1}`, "bogus"},
		{"wrong type", `{"value":42}`, "value"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.Dispatch(context.Background(), "k", Request{
				Action: "echo",
				Params: json.RawMessage(tc.params),
			})
			var paramErr *ParamError
			require.True(t, errors.As(err, &paramErr), "got %v", err)
			assert.Equal(t, tc.field, paramErr.Field)
		})
	}
}

func TestDispatchPanicContained(t *testing.T) {
	d := NewDispatcher(testRegistry(t), nil)

	result, err := d.Dispatch(context.Background(), "k", Request{Action: "boom"})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrInternal)
}

func TestRateLimitPerClass(t *testing.T) {
	d := NewDispatcher(testRegistry(t), NewRateLimiter())

	// The orders bucket allows a burst of 10; the 11th trips it.
	for i := 0; i < 10; i++ {
		_, err := d.Dispatch(context.Background(), "key-a", Request{Action: "boom"})
		assert.ErrorIs(t, err, ErrInternal) // handler panics, but the bucket admitted it
	}
	_, err := d.Dispatch(context.Background(), "key-a", Request{Action: "boom"})
	var limited *RateLimitError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, ClassOrders, limited.Bucket)
	assert.Greater(t, limited.RetryAfter, time.Duration(0))

	// A different API key has its own buckets.
	_, err = d.Dispatch(context.Background(), "key-b", Request{Action: "boom"})
	assert.ErrorIs(t, err, ErrInternal)
}

func TestRateLimitGlobal(t *testing.T) {
	l := NewRateLimiter()

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Allow("key", ClassGlobal))
	}
	err := l.Allow("key", ClassGlobal)
	var limited *RateLimitError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, ClassGlobal, limited.Bucket)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	a := Action{Name: "x", Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) { return nil, nil }}
	require.NoError(t, r.Register(a))
	assert.Error(t, r.Register(a))
	assert.Error(t, r.Register(Action{Name: "y"}))
}
