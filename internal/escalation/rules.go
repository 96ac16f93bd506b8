package escalation

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// SeverityRule assigns a severity when its CEL condition holds. Conditions see
// `issue` (id, class, description, failure_count), `runs` (agent, verdict,
// confidence, evidence) and `threshold`.
type SeverityRule struct {
	ID       string          `yaml:"id"`
	When     string          `yaml:"when"`
	Severity models.Severity `yaml:"severity"`
}

// RuleFile is the YAML root structure.
type RuleFile struct {
	Rules []SeverityRule `yaml:"rules"`
}

type compiledRule struct {
	SeverityRule
	prg cel.Program
}

// SeverityRules picks an escalation severity. The first matching rule wins;
// without a match, issues that failed twice the threshold are critical and
// everything else is high.
type SeverityRules struct {
	rules     []compiledRule
	threshold int
	logger    *slog.Logger
}

// LoadSeverityRules reads rules from path. An empty path or a missing file
// yields the built-in defaults.
func LoadSeverityRules(path string, threshold int, logger *slog.Logger) (*SeverityRules, error) {
	if path == "" {
		return NewSeverityRules(nil, threshold, logger)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewSeverityRules(nil, threshold, logger)
		}
		return nil, err
	}
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse severity rules %s: %w", path, err)
	}
	return NewSeverityRules(file.Rules, threshold, logger)
}

// NewSeverityRules compiles rules up front so a bad expression fails at startup.
func NewSeverityRules(rules []SeverityRule, threshold int, logger *slog.Logger) (*SeverityRules, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = 3
	}
	env, err := cel.NewEnv(
		cel.Variable("issue", cel.DynType),
		cel.Variable("runs", cel.ListType(cel.DynType)),
		cel.Variable("threshold", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		if !rule.Severity.Valid() {
			return nil, fmt.Errorf("rule %d (%s): invalid severity %q", i, rule.ID, rule.Severity)
		}
		ast, issues := env.Compile(rule.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %d (%s): compile: %w", i, rule.ID, issues.Err())
		}
		if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
			return nil, fmt.Errorf("rule %d (%s): condition must be boolean, got %s", i, rule.ID, out)
		}
		prg, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): program: %w", i, rule.ID, err)
		}
		compiled = append(compiled, compiledRule{SeverityRule: rule, prg: prg})
	}
	return &SeverityRules{rules: compiled, threshold: threshold, logger: logger}, nil
}

// Severity evaluates the rules for issue. Rules that fail to evaluate are skipped.
func (r *SeverityRules) Severity(issue models.Issue, runs []models.AgentRun) models.Severity {
	threshold := 3
	if r != nil {
		threshold = r.threshold
	}
	if r != nil && len(r.rules) > 0 {
		input := ruleInput(issue, runs, threshold)
		for _, rule := range r.rules {
			out, _, err := rule.prg.Eval(input)
			if err != nil {
				r.logger.Warn("severity rule failed",
					slog.String("rule", rule.ID),
					slog.Int64("issue_id", issue.ID),
					slog.Any("error", err))
				continue
			}
			if matched, ok := out.Value().(bool); ok && matched {
				return rule.Severity
			}
		}
	}
	if issue.FailureCount >= 2*threshold {
		return models.SeverityCritical
	}
	return models.SeverityHigh
}

func ruleInput(issue models.Issue, runs []models.AgentRun, threshold int) map[string]any {
	runList := make([]any, 0, len(runs))
	for _, run := range runs {
		runList = append(runList, map[string]any{
			"agent":      run.Agent,
			"verdict":    string(run.Verdict),
			"confidence": run.Confidence,
			"evidence":   run.Evidence,
		})
	}
	return map[string]any{
		"issue": map[string]any{
			"id":            issue.ID,
			"class":         issue.Class,
			"description":   issue.Description,
			"failure_count": int64(issue.FailureCount),
		},
		"runs":      runList,
		"threshold": int64(threshold),
	}
}
