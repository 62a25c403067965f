// Package schemas holds the frozen JSON Schemas for GateReport, Contract,
// TraceEvent, Verdict, the bundle manifest, and the learned-policy
// record, and the stateless Validator that checks arbitrary values
// against them. All schemas use strict mode: unknown properties are
// rejected.
package schemas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind names one of the frozen schemas.
type Kind string

const (
	KindGateReport Kind = "gate_report"
	KindContract   Kind = "contract"
	KindTraceEvent Kind = "trace_event"
	KindVerdict    Kind = "verdict"
	KindManifest   Kind = "manifest"
	KindPolicy     Kind = "policy"
)

// ValidationResult is the result of validating one value.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validator compiles the frozen schemas once and validates arbitrary
// Go values (via a JSON marshal round-trip) or raw JSON bytes against
// them.
type Validator struct {
	mu      sync.RWMutex
	schemas map[Kind]*jsonschema.Schema
}

// NewValidator compiles every frozen schema. It returns an error only on
// a programmer error in the embedded schema text, never on caller input.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[Kind]*jsonschema.Schema)}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	for kind, text := range rawSchemas {
		url := schemaURL(kind)
		if err := c.AddResource(url, strings.NewReader(text)); err != nil {
			return nil, fmt.Errorf("schemas: add resource %s: %w", kind, err)
		}
	}
	for kind := range rawSchemas {
		compiled, err := c.Compile(schemaURL(kind))
		if err != nil {
			return nil, fmt.Errorf("schemas: compile %s: %w", kind, err)
		}
		v.schemas[kind] = compiled
	}
	return v, nil
}

func schemaURL(kind Kind) string {
	return fmt.Sprintf("https://governance-kernel.local/schemas/%s.schema.json", kind)
}

// Validate checks obj (any JSON-marshalable Go value) against the named
// schema.
func (v *Validator) Validate(kind Kind, obj any) ValidationResult {
	raw, err := json.Marshal(obj)
	if err != nil {
		return ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("marshal: %v", err)}}
	}
	return v.ValidateRaw(kind, raw)
}

// ValidateRaw checks raw JSON bytes against the named schema.
func (v *Validator) ValidateRaw(kind Kind, raw []byte) ValidationResult {
	v.mu.RLock()
	schema, ok := v.schemas[kind]
	v.mu.RUnlock()
	if !ok {
		return ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("unknown schema kind %q", kind)}}
	}

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("decode: %v", err)}}
	}

	if err := schema.Validate(decoded); err != nil {
		return ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	return ValidationResult{Valid: true}
}
