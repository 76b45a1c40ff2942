//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package tool

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateParams validates tool parameters against the declaration's input
// schema. Declarations without a schema accept any parameters.
func ValidateParams(decl *Declaration, params map[string]any) error {
	if decl == nil || len(decl.InputSchema) == 0 {
		return nil
	}

	var schemaDoc any
	if err := json.Unmarshal(decl.InputSchema, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema for tool %s: %w", decl.Name, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource for tool %s: %w", decl.Name, err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", decl.Name, err)
	}

	// Round-trip through JSON so numeric values take the shapes the
	// validator expects.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params for tool %s: %w", decl.Name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal params for tool %s: %w", decl.Name, err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("params for tool %s rejected by schema: %w", decl.Name, err)
	}
	return nil
}
