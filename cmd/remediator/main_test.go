package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/miradorstack/mirador-remediator/internal/api"
	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/grpc/remediatorv1"
	"github.com/miradorstack/mirador-remediator/internal/runner"
)

type cliFake struct {
	remediatorv1.UnimplementedRemediatorServer
	lastClose *remediatorv1.CloseEscalationRequest
}

func (f *cliFake) ListIssues(_ context.Context, req *remediatorv1.ListIssuesRequest) (*remediatorv1.ListIssuesResponse, error) {
	return &remediatorv1.ListIssuesResponse{Issues: []*remediatorv1.Issue{
		{Id: 7, Class: "disk-full", Status: "escalated", FailureCount: 3, Description: "root volume\nat 98%"},
	}}, nil
}

func (f *cliFake) GetStats(context.Context, *remediatorv1.GetStatsRequest) (*remediatorv1.GetStatsResponse, error) {
	return &remediatorv1.GetStatsResponse{
		OpenIssues:        2,
		EscalatedIssues:   1,
		SuppressedClasses: []string{"flaky-dns"},
		Hotspots:          []*remediatorv1.Hotspot{{Class: "disk-full", Escalations: 3, Resolutions: 4, EscalationRate: 0.75}},
	}, nil
}

func (f *cliFake) CloseEscalation(_ context.Context, req *remediatorv1.CloseEscalationRequest) (*remediatorv1.CloseEscalationResponse, error) {
	f.lastClose = req
	return &remediatorv1.CloseEscalationResponse{Escalation: &remediatorv1.Escalation{
		Id: req.Id, IssueId: 7, ResolutionMethod: req.Method, ResolvedBy: req.ClosedBy,
	}}, nil
}

func startCLIServer(t *testing.T, svc remediatorv1.RemediatorServer) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	remediatorv1.RegisterRemediatorServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func runCommand(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestIssuesListRendersTable(t *testing.T) {
	flags := &globalFlags{addr: startCLIServer(t, &cliFake{}), output: "table"}

	out, err := runCommand(t, issuesCmd(flags), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "CLASS")
	assert.Contains(t, out, "disk-full")
	assert.Contains(t, out, "root volume at 98%")
}

func TestStatsJSONOutput(t *testing.T) {
	flags := &globalFlags{addr: startCLIServer(t, &cliFake{}), output: "json"}

	out, err := runCommand(t, statsCmd(flags))
	require.NoError(t, err)
	assert.Contains(t, out, `"open_issues": 2`)
	assert.Contains(t, out, `"flaky-dns"`)
}

func TestStatsTableShowsHotspots(t *testing.T) {
	flags := &globalFlags{addr: startCLIServer(t, &cliFake{}), output: "table"}

	out, err := runCommand(t, statsCmd(flags))
	require.NoError(t, err)
	assert.Contains(t, out, "Suppressed classes: flaky-dns")
	assert.Contains(t, out, "75%")
}

func TestEscalationCloseSendsMethodAndOperator(t *testing.T) {
	fake := &cliFake{}
	flags := &globalFlags{addr: startCLIServer(t, fake), output: "table"}

	out, err := runCommand(t, escalationsCmd(flags), "close", "4", "--method", "obsolete", "--notes", "host retired", "--by", "alice")
	require.NoError(t, err)
	require.NotNil(t, fake.lastClose)
	assert.Equal(t, int64(4), fake.lastClose.Id)
	assert.Equal(t, "obsolete", fake.lastClose.Method)
	assert.Equal(t, "host retired", fake.lastClose.Notes)
	assert.Equal(t, "alice", fake.lastClose.ClosedBy)
	assert.Contains(t, out, "issue 7 resolved")
}

func TestEscalationCloseRejectsBadID(t *testing.T) {
	flags := &globalFlags{addr: "127.0.0.1:1", output: "table"}
	_, err := runCommand(t, escalationsCmd(flags), "close", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid escalation id")
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remediator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  secret: s3cret\n  issuer: test-issuer\n"), 0o600))
	flags := &globalFlags{configPath: path}

	out, err := runCommand(t, tokenCmd(flags), "oncall-bob", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := api.NewTokenValidator("s3cret", "test-issuer").Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "oncall-bob", claims.Subject)
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remediator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600))

	_, err := runCommand(t, tokenCmd(&globalFlags{configPath: path}), "someone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.secret")
}

func TestBuildAgents(t *testing.T) {
	cfg := &config.Config{
		Runner: config.RunnerConfig{AgentTimeout: time.Second},
		Agents: []config.AgentConfig{
			{Name: "script", Type: "exec", Path: "/bin/true"},
			{Name: "remote", Type: "http", Endpoint: "http://localhost:8080/diagnose"},
		},
	}
	agents, err := buildAgents(cfg)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.IsType(t, &runner.ExecAgent{}, agents[0])
	assert.IsType(t, &runner.HTTPAgent{}, agents[1])
	assert.Equal(t, "remote", agents[1].Name())

	cfg.Agents = []config.AgentConfig{{Name: "x", Type: "carrier-pigeon"}}
	_, err = buildAgents(cfg)
	require.Error(t, err)
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "-", oneLine("  \n ", 10))
	assert.Equal(t, "a b c", oneLine("a\n b\tc", 10))
	assert.Equal(t, "héllo w…", oneLine("héllo world", 8))
}
