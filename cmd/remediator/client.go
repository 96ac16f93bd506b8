package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"

	"github.com/miradorstack/mirador-remediator/internal/api"
	"github.com/miradorstack/mirador-remediator/internal/grpc/remediatorv1"
)

const rpcTimeout = 15 * time.Second

// withClient dials the server, runs fn with a bounded context and closes the connection.
func withClient(parent context.Context, flags *globalFlags, fn func(ctx context.Context, c remediatorv1.RemediatorClient) error) error {
	conn, err := remediatorv1.Dial(flags.addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", flags.addr, err)
	}
	defer func() { _ = conn.Close() }()
	return callWith(parent, flags, conn, fn)
}

func callWith(parent context.Context, flags *globalFlags, conn grpc.ClientConnInterface, fn func(ctx context.Context, c remediatorv1.RemediatorClient) error) error {
	ctx, cancel := context.WithTimeout(parent, rpcTimeout)
	defer cancel()
	return fn(api.BearerToken(ctx, flags.token), remediatorv1.NewRemediatorClient(conn))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(s string) string {
	switch s {
	case "resolved":
		return color.New(color.FgGreen).Sprint(s)
	case "escalated":
		return color.New(color.FgRed).Sprint(s)
	case "suppressed":
		return color.New(color.FgMagenta).Sprint(s)
	case "dispatched":
		return color.New(color.FgCyan).Sprint(s)
	}
	return color.New(color.FgYellow).Sprint(s)
}

func severityColor(s string) string {
	switch s {
	case "critical":
		return color.New(color.FgHiRed, color.Bold).Sprint(s)
	case "high":
		return color.New(color.FgRed).Sprint(s)
	case "medium":
		return color.New(color.FgYellow).Sprint(s)
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "-"
	}
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
