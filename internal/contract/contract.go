// Package contract validates jobs and results against the embedded JSON
// schemas before they are accepted or persisted.
package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/handleui/relay/contracts"
)

// ValidationError carries the schema violation detail.
type ValidationError struct {
	Schema string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema validation failed for %s: %s", e.Schema, e.Detail)
}

var (
	compileOnce  sync.Once
	jobSchema    *jsonschema.Schema
	resultSchema *jsonschema.Schema
	compileErr   error
)

func compile() error {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for name, raw := range map[string][]byte{
			"job.schema.json":    contracts.JobSchema,
			"result.schema.json": contracts.ResultSchema,
		} {
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				compileErr = fmt.Errorf("parsing %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(name, doc); err != nil {
				compileErr = fmt.Errorf("adding %s: %w", name, err)
				return
			}
		}
		if jobSchema, compileErr = compiler.Compile("job.schema.json"); compileErr != nil {
			return
		}
		resultSchema, compileErr = compiler.Compile("result.schema.json")
	})
	return compileErr
}

// ValidateJob checks a raw job document against the job schema.
func ValidateJob(raw []byte) error {
	return validate(jobDoc, raw)
}

// ValidateResult checks an in-memory step or job result against the result
// schema. The value is round-tripped through JSON so what is validated is
// exactly what would be persisted.
func ValidateResult(value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	return validate(resultDoc, raw)
}

type schemaKind int

const (
	jobDoc schemaKind = iota
	resultDoc
)

func validate(kind schemaKind, raw []byte) error {
	if err := compile(); err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return &ValidationError{Schema: schemaName(kind), Detail: "document is not valid JSON: " + err.Error()}
	}
	schema := jobSchema
	if kind == resultDoc {
		schema = resultSchema
	}
	if err := schema.Validate(instance); err != nil {
		return &ValidationError{Schema: schemaName(kind), Detail: err.Error()}
	}
	return nil
}

func schemaName(kind schemaKind) string {
	if kind == resultDoc {
		return "result.schema.json"
	}
	return "job.schema.json"
}
