package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parsedDoc is the minimal shape needed to verify the generated spec
type parsedDoc struct {
	OpenAPI    string `json:"openapi"`
	Components struct {
		Schemas map[string]struct {
			Properties map[string]struct {
				Enum       []string                   `json:"enum"`
				Properties map[string]json.RawMessage `json:"properties"`
				Required   []string                   `json:"required"`
			} `json:"properties"`
		} `json:"schemas"`
	} `json:"components"`
}

func TestSpecRoundTripsRegistry(t *testing.T) {
	deps, _, _ := testDeps(t)
	r := NewRegistry()
	RegisterAll(r, deps)

	raw, err := json.Marshal(Spec(r, "1.0.0", false))
	require.NoError(t, err)

	var doc parsedDoc
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "3.0.3", doc.OpenAPI)

	// Every registered action and every declared parameter name must
	// survive the generate-then-parse round trip.
	for _, action := range r.Actions() {
		schema, ok := doc.Components.Schemas[schemaName(action.Name)]
		require.True(t, ok, "schema missing for %s", action.Name)

		assert.Equal(t, []string{action.Name}, schema.Properties["action"].Enum)
		for _, param := range action.Params {
			_, ok := schema.Properties["params"].Properties[param.Name]
			assert.True(t, ok, "%s: param %s missing", action.Name, param.Name)
		}
		var required []string
		for _, param := range action.Params {
			if param.Required {
				required = append(required, param.Name)
			}
		}
		assert.ElementsMatch(t, required, schema.Properties["params"].Required, action.Name)
	}
}

func TestSpecLiteVariant(t *testing.T) {
	deps, _, _ := testDeps(t)
	r := NewRegistry()
	RegisterAll(r, deps)

	lite := Spec(r, "1.0.0", true)
	assert.LessOrEqual(t, len(lite.Components.Schemas), maxLiteOperations)
	assert.Contains(t, lite.Components.Schemas, "GetStatusRequest")
	assert.Contains(t, lite.Components.Schemas, "PlaceOrderRequest")

	full := Spec(r, "1.0.0", false)
	assert.Greater(t, len(full.Components.Schemas), len(lite.Components.Schemas))

	// Lite is a strict subset of the full spec.
	for name := range lite.Components.Schemas {
		assert.Contains(t, full.Components.Schemas, name)
	}
}

func TestSpecLiteWhitelistPinned(t *testing.T) {
	deps, _, _ := testDeps(t)
	r := NewRegistry()
	RegisterAll(r, deps)

	// The lite variant carries exactly the whitelisted core actions.
	// Streaming, session-lock and plan-maintenance actions stay out so
	// capped clients keep headroom.
	want := []string{
		"get_status", "place_order", "place_bracket", "cancel_order",
		"close_position", "get_orders", "get_positions", "flatten_now",
		"evaluate_setup", "get_evaluation", "list_evaluations",
		"check_risk", "size_position", "get_risk_status",
		"get_weights", "set_weights", "ingest_signal", "post_journal",
		"record_outcome", "create_exit_plan", "get_sla",
	}

	lite := Spec(r, "1.0.0", true)
	var got []string
	for name := range lite.Components.Schemas {
		got = append(got, name)
	}
	wantSchemas := make([]string, len(want))
	for i, action := range want {
		wantSchemas[i] = schemaName(action)
	}
	assert.ElementsMatch(t, wantSchemas, got)

	// The market-data family is full-spec only.
	full := Spec(r, "1.0.0", false)
	assert.Contains(t, full.Components.Schemas, "SubscribeMarketDataRequest")
	assert.NotContains(t, lite.Components.Schemas, "SubscribeMarketDataRequest")
}

func TestSchemaName(t *testing.T) {
	assert.Equal(t, "GetStatusRequest", schemaName("get_status"))
	assert.Equal(t, "PlaceOrderRequest", schemaName("place_order"))
	assert.Equal(t, "XRequest", schemaName("x"))
}
