package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// DefaultProtocol is assumed for reports that do not declare a protocol version.
const DefaultProtocol = "1.0.0"

const reportSchemaURL = "https://schemas.mirador.local/remediator/agent-report.schema.json"

const reportSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["verdict", "confidence"],
	"properties": {
		"protocol": {"type": "string"},
		"verdict": {"enum": ["fix-applied", "fix-failed", "inconclusive"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"evidence": {"type": "string", "maxLength": 65536}
	}
}`

// reportValidator checks agent reports against the report schema and the
// supported protocol range.
type reportValidator struct {
	schema     *jsonschema.Schema
	constraint *semver.Constraints
}

func newReportValidator(protocolConstraint string) (*reportValidator, error) {
	if protocolConstraint == "" {
		protocolConstraint = ">= 1.0.0, < 2.0.0"
	}
	constraint, err := semver.NewConstraint(protocolConstraint)
	if err != nil {
		return nil, fmt.Errorf("invalid agent protocol constraint %q: %w", protocolConstraint, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(reportSchemaURL, strings.NewReader(reportSchema)); err != nil {
		return nil, fmt.Errorf("report schema load failed: %w", err)
	}
	schema, err := c.Compile(reportSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("report schema compile failed: %w", err)
	}
	return &reportValidator{schema: schema, constraint: constraint}, nil
}

// Validate returns an error describing why report cannot be trusted.
func (v *reportValidator) Validate(report models.Report) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode report: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("report schema validation failed: %w", err)
	}

	protocol := report.Protocol
	if protocol == "" {
		protocol = DefaultProtocol
	}
	version, err := semver.NewVersion(protocol)
	if err != nil {
		return fmt.Errorf("invalid report protocol %q: %w", protocol, err)
	}
	if !v.constraint.Check(version) {
		return fmt.Errorf("unsupported report protocol %s (want %s)", version, v.constraint)
	}
	return nil
}
