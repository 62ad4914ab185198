package schema

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// structuralGate checks sanitized data against one compiled JSON Schema per
// message type. It runs after field coercion, so it only ever sees JSON
// primitives, []any and map[string]any.
type structuralGate struct {
	schemas map[MessageType]*jsonschema.Schema
}

var (
	gateOnce sync.Once
	gate     *structuralGate
	gateErr  error
)

func mustStructuralGate() *structuralGate {
	gateOnce.Do(func() {
		gate, gateErr = compileStructuralGate()
	})
	if gateErr != nil {
		panic(gateErr)
	}
	return gate
}

func compileStructuralGate() (*structuralGate, error) {
	compiler := jsonschema.NewCompiler()
	out := &structuralGate{schemas: map[MessageType]*jsonschema.Schema{}}
	for _, msgType := range MessageTypes {
		url := fmt.Sprintf("https://tabsync.local/schema/%s.json", msgType)
		if err := compiler.AddResource(url, schemaDocument(msgType)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", msgType, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", msgType, err)
		}
		out.schemas[msgType] = compiled
	}
	return out, nil
}

func (g *structuralGate) validate(msgType MessageType, data map[string]any) []string {
	compiled, ok := g.schemas[msgType]
	if !ok {
		return []string{fmt.Sprintf("unknown message type: %s", msgType)}
	}
	if err := compiled.Validate(data); err != nil {
		return []string{err.Error()}
	}
	return nil
}

func schemaDocument(msgType MessageType) map[string]any {
	identifier := map[string]any{"type": "string", "minLength": 1.0, "maxLength": float64(maxIdentifierLength)}
	identifierArray := map[string]any{"type": "array", "items": identifier}
	number := map[string]any{"type": "number"}
	nonNegative := map[string]any{"type": "number", "minimum": 0.0}
	properties := map[string]any{
		"id":                 identifier,
		"url":                map[string]any{"type": "string", "minLength": 1.0},
		"title":              map[string]any{"type": "string"},
		"left":               number,
		"top":                number,
		"width":              nonNegative,
		"height":             nonNegative,
		"zIndex":             nonNegative,
		"sequenceId":         nonNegative,
		"lastWriteTimestamp": nonNegative,
		"lifecycleState":     map[string]any{"enum": []any{"visible", "minimizing", "minimized", "restoring", "destroyed"}},
		"ownerContextId":     identifier,
		"originContextId":    identifier,
		"writingContextId":   identifier,
		"writingInstanceId":  identifier,
		"soloedOnContexts":   identifierArray,
		"mutedOnContexts":    identifierArray,
	}
	required := make([]any, 0, len(requiredFields[msgType]))
	for _, field := range requiredFields[msgType] {
		required = append(required, field)
	}
	return map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"required":   required,
		"properties": properties,
	}
}
