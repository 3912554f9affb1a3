// Package policyloader loads control bundles from YAML files: kill switch
// definitions, control policies, and gate definitions, validated against a
// JSON schema before anything reaches the registries. Bundles let operators
// change enforcement configuration without a code deployment.
package policyloader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/northgate-labs/warden/pkg/gate"
	"github.com/northgate-labs/warden/pkg/policy"
)

// Bundle is one YAML control document.
type Bundle struct {
	Name string `yaml:"name"`

	KillSwitches []policy.KillSwitch    `yaml:"kill_switches"`
	Policies     []policy.ControlPolicy `yaml:"policies"`
	Gates        []gate.Gate            `yaml:"gates"`
}

// bundleSchema constrains the shape of control bundles. Enum values mirror
// the typed constants; unknown top-level fields are rejected so typos fail
// loudly instead of silently loading nothing.
const bundleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string"},
    "kill_switches": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["switch_key", "mode"],
        "properties": {
          "switch_key": {"type": "string", "minLength": 1},
          "mode": {"enum": ["HARD_STOP", "SOFT_STOP", "READ_ONLY", "DEGRADE"]},
          "trigger": {"enum": ["MANUAL", "INCIDENT", "SECURITY", "COMPLIANCE", "AUTOMATED", "DATA_ANOMALY"]}
        }
      }
    },
    "policies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "policy_key", "outcome"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "policy_key": {"type": "string", "minLength": 1},
          "outcome": {"enum": ["ALLOW", "DENY", "REVIEW"]},
          "priority": {"type": "integer"},
          "approval_type": {"enum": ["NONE", "SINGLE", "DUAL", "COMMITTEE"]},
          "cel": {"type": "string"}
        }
      }
    },
    "gates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["gate_key", "gate_type"],
        "properties": {
          "gate_key": {"type": "string", "minLength": 1},
          "gate_type": {"enum": ["PRE_EXECUTION", "POST_EXECUTION", "CAPABILITY_REQUEST", "PRODUCTION_CHANGE", "DATA_ACCESS", "MODEL_DEPLOYMENT", "BREAK_GLASS_ENTRY"]},
          "enforcement_mode": {"enum": ["BLOCKING", "MONITORING"]},
          "policy_ids": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

// Loader parses and validates control bundles.
type Loader struct {
	schema *jsonschema.Schema
}

func NewLoader() (*Loader, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("bundle.schema.json", strings.NewReader(bundleSchema)); err != nil {
		return nil, fmt.Errorf("policyloader: register schema: %w", err)
	}
	schema, err := compiler.Compile("bundle.schema.json")
	if err != nil {
		return nil, fmt.Errorf("policyloader: compile schema: %w", err)
	}
	return &Loader{schema: schema}, nil
}

// Load parses one YAML document, validates it, and returns the bundle.
func (l *Loader) Load(data []byte) (*Bundle, error) {
	// Schema validation wants JSON-typed values, so the YAML is decoded
	// loosely and round-tripped through JSON first.
	var loose any
	if err := yaml.Unmarshal(data, &loose); err != nil {
		return nil, fmt.Errorf("policyloader: parse yaml: %w", err)
	}
	raw, err := json.Marshal(loose)
	if err != nil {
		return nil, fmt.Errorf("policyloader: normalize document: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("policyloader: normalize document: %w", err)
	}
	if err := l.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("policyloader: validate bundle: %w", err)
	}

	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("policyloader: decode bundle: %w", err)
	}
	return &bundle, nil
}

// LoadFile reads and parses one bundle file.
func (l *Loader) LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policyloader: read %s: %w", path, err)
	}
	bundle, err := l.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if bundle.Name == "" {
		bundle.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return bundle, nil
}

// LoadDir loads every .yaml/.yml bundle in a directory.
func (l *Loader) LoadDir(dir string) ([]*Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("policyloader: read dir %s: %w", dir, err)
	}
	var bundles []*Bundle
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		b, err := l.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}

// Apply registers a bundle's contents into the policy and gate registries.
// Gates listed in the bundle also get their policy bindings.
func Apply(b *Bundle, reg *policy.Registry, gates *gate.Registry) error {
	for _, ks := range b.KillSwitches {
		reg.PutSwitch(ks)
	}
	for _, p := range b.Policies {
		reg.PutPolicy(p)
	}
	for _, g := range b.Gates {
		if err := gates.Put(g); err != nil {
			return fmt.Errorf("policyloader: bundle %s: %w", b.Name, err)
		}
		reg.BindGate(g.Key, g.PolicyIDs)
	}
	return nil
}
