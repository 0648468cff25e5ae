// Package schema validates model responses against the JSON Schema of each
// pipeline stage before they are decoded into typed records.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Kind names a stage payload schema.
type Kind string

const (
	Structure      Kind = "structure"
	FacultyKey     Kind = "faculty_key"
	StudentAnswers Kind = "student_answers"
	ReportCard     Kind = "report_card"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// ErrNotJSON is returned when a payload cannot be parsed as JSON at all.
var ErrNotJSON = errors.New("payload is not valid JSON")

var compiled map[Kind]*jsonschema.Schema

func init() {
	compiled = make(map[Kind]*jsonschema.Schema)
	for _, k := range []Kind{Structure, FacultyKey, StudentAnswers, ReportCard} {
		compiled[k] = mustCompileSchema(k)
	}
}

func mustCompileSchema(k Kind) *jsonschema.Schema {
	name := string(k) + ".schema.json"
	raw, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(fmt.Sprintf("failed to read embedded %s: %v", name, err))
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("failed to parse embedded %s: %v", name, err))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("failed to add %s resource: %v", name, err))
	}
	sch, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to compile %s: %v", name, err))
	}
	return sch
}

// Raw returns the embedded schema text for a kind, for inclusion in prompts.
func Raw(k Kind) string {
	b, err := schemaFS.ReadFile("schemas/" + string(k) + ".schema.json")
	if err != nil {
		return ""
	}
	return string(b)
}

// expectsArray reports whether the top-level value of a kind is a list.
func expectsArray(k Kind) bool {
	return k != ReportCard
}

// Normalize strips markdown code fences and, for list payloads, unwraps a
// single-key object such as {"questions": [...]} into the bare list.
func Normalize(k Kind, raw string) ([]byte, error) {
	s := StripCodeFences(raw)
	if s == "" {
		return nil, fmt.Errorf("%w: empty response", ErrNotJSON)
	}
	if !json.Valid([]byte(s)) {
		return nil, ErrNotJSON
	}
	if !expectsArray(k) || !strings.HasPrefix(s, "{") {
		return []byte(s), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return []byte(s), nil
	}
	if len(obj) != 1 {
		return []byte(s), nil
	}
	for _, v := range obj {
		trimmed := bytes.TrimSpace(v)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			return trimmed, nil
		}
	}
	return []byte(s), nil
}

// Validate checks a normalized payload against the schema of kind k.
func Validate(k Kind, payload []byte) error {
	sch, ok := compiled[k]
	if !ok {
		return fmt.Errorf("unknown schema kind %q", k)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("schema %s: %w", k, err)
	}
	return nil
}

// Decode normalizes raw model text, validates it against kind k and
// unmarshals it into v.
func Decode(k Kind, raw string, v any) error {
	payload, err := Normalize(k, raw)
	if err != nil {
		return err
	}
	if err := Validate(k, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", k, err)
	}
	return nil
}

// StripCodeFences removes a surrounding ```json ... ``` block.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
