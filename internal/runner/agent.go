// Package runner executes diagnostic agents for an issue under a global concurrency cap.
package runner

import (
	"context"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Agent diagnoses and, where it can, remediates one issue.
type Agent interface {
	Name() string
	Diagnose(ctx context.Context, task models.Task) (models.Report, error)
}

// AgentFunc adapts a function into an Agent.
type AgentFunc func(ctx context.Context, task models.Task) (models.Report, error)

type funcAgent struct {
	name string
	fn   AgentFunc
}

// NewFuncAgent names fn as an Agent.
func NewFuncAgent(name string, fn AgentFunc) Agent {
	return funcAgent{name: name, fn: fn}
}

func (a funcAgent) Name() string { return a.name }

func (a funcAgent) Diagnose(ctx context.Context, task models.Task) (models.Report, error) {
	return a.fn(ctx, task)
}
