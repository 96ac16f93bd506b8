package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-remediator/internal/api"
	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/grpc/remediatorv1"
	"github.com/miradorstack/mirador-remediator/internal/store"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

func statsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show issue counts, suppressed classes and escalation hotspots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), flags, func(ctx context.Context, c remediatorv1.RemediatorClient) error {
				resp, err := c.GetStats(ctx, &remediatorv1.GetStatsRequest{})
				if err != nil {
					return fmt.Errorf("failed to get stats: %w", err)
				}
				if flags.output == "json" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				out := cmd.OutOrStdout()
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "open\t%d\n", resp.OpenIssues)
				fmt.Fprintf(w, "dispatched\t%d\n", resp.DispatchedIssues)
				fmt.Fprintf(w, "escalated\t%d\n", resp.EscalatedIssues)
				fmt.Fprintf(w, "suppressed\t%d\n", resp.SuppressedIssues)
				fmt.Fprintf(w, "resolved\t%d\n", resp.ResolvedIssues)
				fmt.Fprintf(w, "active agents\t%d\n", resp.ActiveDispatches)
				fmt.Fprintf(w, "open escalations\t%d\n", resp.OpenEscalations)
				if err := w.Flush(); err != nil {
					return err
				}
				if len(resp.SuppressedClasses) > 0 {
					fmt.Fprintf(out, "\nSuppressed classes: %s\n", color.New(color.FgMagenta).Sprint(strings.Join(resp.SuppressedClasses, ", ")))
				}
				if len(resp.Hotspots) > 0 {
					fmt.Fprintln(out, "\nHotspots:")
					hw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
					fmt.Fprintln(hw, "  CLASS\tESCALATIONS\tRESOLUTIONS\tRATE")
					for _, h := range resp.Hotspots {
						fmt.Fprintf(hw, "  %s\t%d\t%d\t%.0f%%\n", h.Class, h.Escalations, h.Resolutions, h.EscalationRate*100)
					}
					return hw.Flush()
				}
				return nil
			})
		},
	}
}

func triggerCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Ask the scheduler to run a cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), flags, func(ctx context.Context, c remediatorv1.RemediatorClient) error {
				resp, err := c.TriggerCycle(ctx, &remediatorv1.TriggerCycleRequest{})
				if err != nil {
					return fmt.Errorf("failed to trigger cycle: %w", err)
				}
				if flags.output == "json" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cycle requested.")
				return nil
			})
		},
	}
}

func auditCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the tamper-evident status history",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify [issue-id]",
		Short: "Recompute an issue's audit hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid issue id %q", args[0])
			}
			return withClient(cmd.Context(), flags, func(ctx context.Context, c remediatorv1.RemediatorClient) error {
				resp, err := c.VerifyAudit(ctx, &remediatorv1.VerifyAuditRequest{IssueId: id})
				if err != nil {
					return fmt.Errorf("failed to verify audit: %w", err)
				}
				if flags.output == "json" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				if !resp.Valid {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.New(color.FgRed, color.Bold).Sprint("TAMPERED"), resp.Problem)
					return errors.New("audit chain does not verify")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d entries\n", color.New(color.FgGreen).Sprint("OK"), resp.Entries)
				return nil
			})
		},
	})
	return cmd
}

// archiveCmd runs one retention pass directly against the configured store.
func archiveCmd(flags *globalFlags) *cobra.Command {
	var olderThan string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export resolved issues past retention to the archive sink and purge them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if olderThan != "" {
				now := time.Now()
				cutoff, err := utils.ParseCutoff(olderThan, now)
				if err != nil {
					return fmt.Errorf("invalid --older-than: %w", err)
				}
				cfg.Archive.Retention = now.Sub(cutoff)
			}
			ctx := cmd.Context()
			logger := utils.NewLoggerTo(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.JSON)
			st, err := store.Open(ctx, store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN}, store.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			archiver, err := buildArchiver(ctx, cfg, st, logger)
			if err != nil {
				return err
			}
			res, err := archiver.Run(ctx)
			if err != nil {
				return err
			}
			if flags.output == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived %d issues, purged %d\n", res.Archived, res.Deleted)
			for _, key := range res.Keys {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", key)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&olderThan, "older-than", "", "Override retention: a duration (720h) or an RFC3339 cutoff")
	return cmd
}

func tokenCmd(flags *globalFlags) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token [operator]",
		Short: "Mint an operator token signed with the configured auth secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			validator := api.NewTokenValidator(cfg.Auth.Secret, cfg.Auth.Issuer)
			if validator == nil {
				return errors.New("auth.secret is not configured")
			}
			token, err := validator.Issue(args[0], ttl, time.Now())
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
