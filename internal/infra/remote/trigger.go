package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
)

const processPath = "/functions/v1/process-material"

// triggerSchema accepts either an inline result or a background hand-off.
const triggerSchema = `{
	"type": "object",
	"properties": {
		"success": {"type": "boolean"},
		"data": {},
		"background_processing": {"type": "boolean"},
		"job_id": {"type": "string", "minLength": 1},
		"estimated_pages": {"type": "integer", "minimum": 0},
		"error": {"type": "string"}
	},
	"anyOf": [
		{"required": ["success"]},
		{
			"required": ["background_processing", "job_id"],
			"properties": {"background_processing": {"const": true}}
		}
	]
}`

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Trigger invokes remote processing of a material.
type Trigger struct {
	c      *Client
	schema *jsonschema.Schema
}

func NewTrigger(c *Client) (*Trigger, error) {
	schema, err := compileSchema("trigger_response.json", triggerSchema)
	if err != nil {
		return nil, err
	}
	return &Trigger{c: c, schema: schema}, nil
}

// Invoke posts the material id and decodes the validated response.
// A response with success false and an error message is returned as an error.
func (t *Trigger) Invoke(ctx context.Context, materialID string) (*domain.TriggerResult, error) {
	body, err := t.c.postJSON(ctx, processPath, map[string]string{"materialId": materialID})
	if err != nil {
		return nil, err
	}

	var v any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("malformed processing response: %w", err)
	}
	if err := t.schema.Validate(v); err != nil {
		return nil, fmt.Errorf("invalid processing response: %w", err)
	}

	var out struct {
		domain.TriggerResult
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("malformed processing response: %w", err)
	}
	if !out.Success && !out.BackgroundProcessing && out.Error != "" {
		return nil, fmt.Errorf("processing failed: %s", out.Error)
	}
	return &out.TriggerResult, nil
}
