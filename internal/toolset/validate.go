package toolset

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator checks tool arguments against their input schema. Compiled
// schemas are cached by their text.
type Validator struct {
	cache sync.Map
}

// Validate returns an ErrToolInvocation wrapped error when args do not
// satisfy schema. An empty schema accepts any arguments.
func (v *Validator) Validate(schema, args json.RawMessage) error {
	if len(schema) == 0 || string(schema) == "null" {
		return nil
	}
	compiled, err := v.compile(schema)
	if err != nil {
		// Schemas that do not compile are not enforced.
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return errors.Wrap(ErrToolInvocation, "arguments are not valid JSON")
	}
	if err := compiled.Validate(decoded); err != nil {
		return errors.Wrapf(ErrToolInvocation, "arguments do not match schema: %v", err)
	}
	return nil
}

func (v *Validator) compile(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := v.cache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	v.cache.Store(key, compiled)
	return compiled, nil
}
