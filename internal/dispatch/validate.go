package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/michaelbrown/kiln/internal/catalog"
)

// Validator checks bound payloads against tool input schemas. Compiled
// schemas are cached per tool and server.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator returns an empty Validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate reports whether payload satisfies the tool's input schema.
// Tools without a schema always pass.
func (v *Validator) Validate(desc *catalog.Descriptor, payload map[string]any) error {
	if len(desc.Schema) == 0 {
		return nil
	}
	schema, err := v.schema(desc)
	if err != nil {
		return err
	}

	// Round-trip so the validator sees plain JSON values.
	data, err := json.Marshal(payload)
	if err != nil {
		return invalid(desc, fmt.Sprintf("encoding payload: %v", err))
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return invalid(desc, fmt.Sprintf("decoding payload: %v", err))
	}

	if err := schema.Validate(doc); err != nil {
		return invalid(desc, fmt.Sprintf("invalid arguments: %v", err))
	}
	return nil
}

func invalid(desc *catalog.Descriptor, reason string) error {
	return &Error{
		Tool: desc.Name,
		Msg:  desc.Name + ": " + reason,
		Err:  ErrInvalidArguments,
	}
}

func (v *Validator) schema(desc *catalog.Descriptor) (*jsonschema.Schema, error) {
	key := desc.Server.ID + "/" + desc.Name

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.compiled[key]; ok {
		return s, nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://kiln.schemas.local/%s/%s.schema.json", desc.Server.ID, desc.Name)
	if err := c.AddResource(url, bytes.NewReader(desc.Schema)); err != nil {
		return nil, invalid(desc, fmt.Sprintf("loading schema: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, invalid(desc, fmt.Sprintf("compiling schema: %v", err))
	}
	v.compiled[key] = s
	return s, nil
}
