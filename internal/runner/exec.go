package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

const maxAgentOutput = 1 << 20

// ExecAgent runs an external program per task. The task is written to stdin as
// JSON and the program prints a JSON report on stdout.
type ExecAgent struct {
	name  string
	path  string
	args  []string
	env   []string
	grace time.Duration
}

// NewExecAgent builds an agent invoking path with args. grace bounds how long the
// process group may ignore SIGTERM before it is killed; the whole group is gone
// by the time Diagnose returns.
func NewExecAgent(name, path string, args, env []string, grace time.Duration) *ExecAgent {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &ExecAgent{name: name, path: path, args: args, env: env, grace: grace}
}

func (a *ExecAgent) Name() string { return a.name }

// StopTimeout bounds how long Diagnose can take to return once its context is done.
func (a *ExecAgent) StopTimeout() time.Duration { return a.grace + time.Second }

func (a *ExecAgent) Diagnose(ctx context.Context, task models.Task) (models.Report, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return models.Report{}, fmt.Errorf("marshal task: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.path, a.args...)
	cmd.Stdin = bytes.NewReader(payload)
	if len(a.env) > 0 {
		cmd.Env = append(cmd.Environ(), a.env...)
	}
	stdout := &cappedBuffer{limit: maxAgentOutput}
	stderr := &cappedBuffer{limit: 8 << 10}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcess(cmd)
	cmd.Cancel = func() error { return terminateProcess(cmd) }
	// After SIGTERM, or once the leader exits while children still hold its
	// output, Wait gives the group grace before it kills the leader.
	cmd.WaitDelay = a.grace

	runErr := cmd.Run()
	// Nothing the agent started outlives the run.
	killProcessGroup(cmd)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.Report{}, ctxErr
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		if runErr != nil {
			return models.Report{}, fmt.Errorf("agent %s failed: %w: %s", a.name, runErr, strings.TrimSpace(stderr.String()))
		}
		return models.Report{}, fmt.Errorf("agent %s produced no report", a.name)
	}
	// Agents may log before the report; the report is the last line.
	if i := bytes.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	var report models.Report
	if err := json.Unmarshal(out, &report); err != nil {
		return models.Report{}, fmt.Errorf("decode agent %s report: %w", a.name, err)
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return models.Report{}, fmt.Errorf("agent %s: %w", a.name, runErr)
	}
	return report, nil
}

// cappedBuffer keeps at most limit bytes and silently drops the rest.
type cappedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
