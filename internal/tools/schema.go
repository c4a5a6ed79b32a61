package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ReflectSchema builds a parameter schema from a Go struct using its json tags.
func ReflectSchema[T any]() json.RawMessage {
	r := &invopop.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	var v T
	schema := r.Reflect(&v)
	schema.Version = ""
	schema.ID = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return emptyObjectSchema
	}
	return data
}

var schemaCache sync.Map

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// validateArguments checks args against schema and returns every violation.
func validateArguments(name string, schema, args json.RawMessage) ([]string, error) {
	if len(schema) == 0 {
		schema = emptyObjectSchema
	}
	compiled, err := compileSchema(name, schema)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return []string{fmt.Sprintf("arguments are not valid JSON: %v", err)}, nil
	}

	err = compiled.Validate(decoded)
	if err == nil {
		return nil, nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}, nil
	}

	var details []string
	collectViolations(verr, &details)
	sort.Strings(details)
	return details, nil
}

func collectViolations(verr *jsonschema.ValidationError, out *[]string) {
	if len(verr.Causes) == 0 {
		loc := verr.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, fmt.Sprintf("%s: %s", loc, verr.Message))
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, out)
	}
}
