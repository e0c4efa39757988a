package agent

import "strings"

// maxLiteOperations caps the lite spec for clients with operation-count
// limits
const maxLiteOperations = 30

// liteActions is the whitelist for the lite spec variant
var liteActions = map[string]bool{
	"get_status":       true,
	"place_order":      true,
	"place_bracket":    true,
	"cancel_order":     true,
	"close_position":   true,
	"get_orders":       true,
	"get_positions":    true,
	"flatten_now":      true,
	"evaluate_setup":   true,
	"get_evaluation":   true,
	"list_evaluations": true,
	"check_risk":       true,
	"size_position":    true,
	"get_risk_status":  true,
	"get_weights":      true,
	"set_weights":      true,
	"ingest_signal":    true,
	"post_journal":     true,
	"record_outcome":   true,
	"create_exit_plan": true,
	"get_sla":          true,
}

// Document is an OpenAPI 3 spec generated from the action registry
type Document struct {
	OpenAPI    string              `json:"openapi"`
	Info       Info                `json:"info"`
	Paths      map[string]PathItem `json:"paths"`
	Components Components          `json:"components"`
}

type Info struct {
	Title       string `json:"title"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

type PathItem struct {
	Post *Operation `json:"post,omitempty"`
}

type Operation struct {
	OperationID string                 `json:"operationId"`
	Summary     string                 `json:"summary,omitempty"`
	RequestBody *RequestBody           `json:"requestBody,omitempty"`
	Responses   map[string]APIResponse `json:"responses"`
}

type RequestBody struct {
	Required bool                 `json:"required"`
	Content  map[string]MediaType `json:"content"`
}

type MediaType struct {
	Schema *Schema `json:"schema"`
}

type APIResponse struct {
	Description string `json:"description"`
}

type Schema struct {
	Ref                  string             `json:"$ref,omitempty"`
	Type                 string             `json:"type,omitempty"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Enum                 []string           `json:"enum,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	OneOf                []*Schema          `json:"oneOf,omitempty"`
	Discriminator        *Discriminator     `json:"discriminator,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
}

type Discriminator struct {
	PropertyName string            `json:"propertyName"`
	Mapping      map[string]string `json:"mapping,omitempty"`
}

// Spec generates the OpenAPI document from the registry. The registry is
// the source of truth: every action becomes one component schema, and the
// single /api/agent operation accepts their discriminated union.
func Spec(r *Registry, version string, lite bool) Document {
	doc := Document{
		OpenAPI: "3.0.3",
		Info: Info{
			Title:       "tradebridge agent API",
			Version:     version,
			Description: "Single-endpoint action dispatch: POST {action, params}.",
		},
		Paths:      make(map[string]PathItem),
		Components: Components{Schemas: make(map[string]*Schema)},
	}

	union := &Schema{
		Discriminator: &Discriminator{PropertyName: "action", Mapping: make(map[string]string)},
	}

	var included int
	for _, action := range r.Actions() {
		if lite {
			if !liteActions[action.Name] || included >= maxLiteOperations {
				continue
			}
		}
		included++

		name := schemaName(action.Name)
		doc.Components.Schemas[name] = actionSchema(action)
		ref := "#/components/schemas/" + name
		union.OneOf = append(union.OneOf, &Schema{Ref: ref})
		union.Discriminator.Mapping[action.Name] = ref
	}

	doc.Paths["/api/agent"] = PathItem{
		Post: &Operation{
			OperationID: "dispatch",
			Summary:     "Dispatch one agent action",
			RequestBody: &RequestBody{
				Required: true,
				Content:  map[string]MediaType{"application/json": {Schema: union}},
			},
			Responses: map[string]APIResponse{
				"200": {Description: "Action result: {action, result}"},
				"400": {Description: "Unknown action or invalid params: {action, error}"},
				"429": {Description: "Rate limit exceeded"},
				"500": {Description: "Handler failure"},
			},
		},
	}
	return doc
}

type Components struct {
	Schemas map[string]*Schema `json:"schemas"`
}

// actionSchema builds the request schema for one action
func actionSchema(action Action) *Schema {
	strict := false
	params := &Schema{
		Type:                 "object",
		Properties:           make(map[string]*Schema, len(action.Params)),
		AdditionalProperties: &strict,
	}
	for _, p := range action.Params {
		params.Properties[p.Name] = &Schema{Type: p.Type, Description: p.Description}
		if p.Required {
			params.Required = append(params.Required, p.Name)
		}
	}

	return &Schema{
		Type:        "object",
		Description: action.Description,
		Properties: map[string]*Schema{
			"action": {Type: "string", Enum: []string{action.Name}},
			"params": params,
		},
		Required: []string{"action"},
	}
}

// schemaName turns snake_case action names into CamelCase schema names
func schemaName(action string) string {
	parts := strings.Split(action, "_")
	var b strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	b.WriteString("Request")
	return b.String()
}
