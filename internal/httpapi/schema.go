package httpapi

import (
	"bytes"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const submitTaskSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["changesets"],
	"properties": {
		"changesets": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "integer", "minimum": 1}
		},
		"comment": {"type": "string"},
		"discussionTarget": {"type": "string"},
		"query": {"type": "string"},
		"onlyTags": {"type": "array", "items": {"type": "string"}},
		"fixParents": {"type": "boolean"},
		"dryRun": {"type": "boolean"},
		"passes": {"type": "integer", "minimum": 1},
		"iteratorDelaySeconds": {"type": "number", "minimum": 0},
		"parallel": {"type": "boolean"},
		"env": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"credential": {"type": "string"}
	},
	"additionalProperties": false
}`

var (
	submitSchemaOnce sync.Once
	submitSchema     *jsonschema.Schema
)

func compiledSubmitSchema() *jsonschema.Schema {
	submitSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(submitTaskSchema))
		if err != nil {
			panic(err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("submit-task.json", doc); err != nil {
			panic(err)
		}
		schema, err := compiler.Compile("submit-task.json")
		if err != nil {
			panic(err)
		}
		submitSchema = schema
	})
	return submitSchema
}

// validateSubmitPayload checks the raw submission body against the task
// schema before it is decoded. The returned message is safe to echo to
// the caller.
func validateSubmitPayload(body []byte) (string, bool) {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return "invalid json body", false
	}
	if err := compiledSubmitSchema().Validate(value); err != nil {
		return err.Error(), false
	}
	return "", true
}
