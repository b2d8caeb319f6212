package validator

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed contracts/*.schema.json
var embedded embed.FS

// Contract types shipped with the agent.
const (
	ContractArmed          = "armed"
	ContractMode           = "mode"
	ContractLocation       = "location"
	ContractModeCommand    = "mode_command"
	ContractSafetynetEvent = "safetynet_event"
)

// ContractValidator validates telemetry payloads and outgoing messages against
// JSON Schema contracts.
//
//   - Telemetry that fails validation is dropped by the link, never acted on
//   - Outgoing commands and journal events are validated before publish
type ContractValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewContractValidator loads every *.schema.json file at the root of fsys.
// Schema keys are derived from filenames ("location.schema.json" -> "location").
func NewContractValidator(fsys fs.FS) (*ContractValidator, error) {
	v := &ContractValidator{
		schemas: make(map[string]*jsonschema.Schema),
	}

	files, err := fs.Glob(fsys, "*.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to find schema files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no schema files found")
	}

	for _, file := range files {
		schema, err := loadSchema(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
		v.schemas[strings.TrimSuffix(path.Base(file), ".schema.json")] = schema
	}

	return v, nil
}

// Default returns a validator for the contracts compiled into the binary.
func Default() (*ContractValidator, error) {
	sub, err := fs.Sub(embedded, "contracts")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded contracts: %w", err)
	}
	return NewContractValidator(sub)
}

// Contracts returns the loaded contract types.
func (v *ContractValidator) Contracts() []string {
	out := make([]string, 0, len(v.schemas))
	for k := range v.schemas {
		out = append(out, k)
	}
	return out
}

// Validate validates a decoded message against the specified contract type.
func (v *ContractValidator) Validate(message map[string]interface{}, contractType string) error {
	schema, ok := v.schemas[contractType]
	if !ok {
		return fmt.Errorf("unknown contract type: %s", contractType)
	}

	if err := schema.Validate(message); err != nil {
		return fmt.Errorf("validation failed for %s: %w", contractType, err)
	}

	return nil
}

// Decode parses a raw JSON payload and validates it. The decoded object is
// returned only when it satisfies the contract.
func (v *ContractValidator) Decode(payload []byte, contractType string) (map[string]interface{}, error) {
	var message map[string]interface{}
	if err := json.Unmarshal(payload, &message); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", contractType, err)
	}
	if err := v.Validate(message, contractType); err != nil {
		return nil, err
	}
	return message, nil
}

func loadSchema(fsys fs.FS, file string) (*jsonschema.Schema, error) {
	data, err := fs.ReadFile(fsys, file)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	var schemaDoc interface{}
	if err := json.Unmarshal(data, &schemaDoc); err != nil {
		return nil, fmt.Errorf("failed to parse schema JSON: %w", err)
	}

	url := "https://orion.local/contracts/" + path.Base(file)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, schemaDoc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return schema, nil
}
