package registry

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed service_descriptor.schema.json device_descriptor.schema.json
var schemaFS embed.FS

// ErrBadPayload wraps both malformed JSON and schema-valid-but-missing
// required fields so callers map either straight to §7's bad_request
// reason without inspecting the underlying error type.
var ErrBadPayload = fmt.Errorf("bad_request")

var (
	serviceDescriptorSchema = mustCompileSchema("service_descriptor.schema.json")
	deviceDescriptorSchema  = mustCompileSchema("device_descriptor.schema.json")
)

func mustCompileSchema(name string) *jsonschema.Schema {
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("registry: embedded schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader(data)); err != nil {
		panic(fmt.Sprintf("registry: add schema resource %s: %v", name, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("registry: compile schema %s: %v", name, err))
	}
	return s
}

// ValidateServiceDescriptor checks a raw registration body against the
// ServiceDescriptor schema (§3) before it is ever decoded into a Go
// struct, so a missing required field is rejected with the same
// bad_request reason as malformed JSON (§7).
func ValidateServiceDescriptor(body []byte) error {
	return validateAgainst(serviceDescriptorSchema, body)
}

// ValidateDeviceDescriptor checks a raw device-registration body
// against the DeviceDescriptor schema (§3).
func ValidateDeviceDescriptor(body []byte) error {
	return validateAgainst(deviceDescriptorSchema, body)
}

func validateAgainst(schema *jsonschema.Schema, body []byte) error {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
