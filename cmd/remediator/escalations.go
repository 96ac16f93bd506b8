package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-remediator/internal/grpc/remediatorv1"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

func escalationsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "escalations",
		Aliases: []string{"esc"},
		Short:   "Review and close escalations waiting on a human",
	}
	cmd.AddCommand(escalationsListCmd(flags), escalationsShowCmd(flags), escalationsCloseCmd(flags))
	return cmd
}

func escalationsListCmd(flags *globalFlags) *cobra.Command {
	var (
		all   bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalations (open only unless --all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), flags, func(ctx context.Context, c remediatorv1.RemediatorClient) error {
				resp, err := c.ListEscalations(ctx, &remediatorv1.ListEscalationsRequest{OpenOnly: !all, Limit: int32(limit)})
				if err != nil {
					return fmt.Errorf("failed to list escalations: %w", err)
				}
				if flags.output == "json" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				if len(resp.Cases) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No escalations.")
					return nil
				}
				now := time.Now()
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tISSUE\tCLASS\tSEVERITY\tAGE\tSTATE")
				for _, ec := range resp.Cases {
					if ec.Escalation == nil {
						continue
					}
					class := "-"
					if ec.Issue != nil {
						class = ec.Issue.Class
					}
					state := color.New(color.FgRed).Sprint("open")
					if ec.Escalation.ResolvedAt != nil {
						state = ec.Escalation.ResolutionMethod
					}
					fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
						ec.Escalation.Id, ec.Escalation.IssueId, class, severityColor(ec.Escalation.Severity),
						utils.Age(ec.Escalation.OpenedAt, now), state)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include closed escalations")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func escalationsShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show [escalation-id]",
		Short: "Show an escalation with the agent evidence behind it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid escalation id %q", args[0])
			}
			return withClient(cmd.Context(), flags, func(ctx context.Context, c remediatorv1.RemediatorClient) error {
				ec, err := c.GetEscalation(ctx, &remediatorv1.GetEscalationRequest{Id: id})
				if err != nil {
					return fmt.Errorf("escalation not found: %w", err)
				}
				if flags.output == "json" {
					return printJSON(cmd.OutOrStdout(), ec)
				}
				out := cmd.OutOrStdout()
				if esc := ec.Escalation; esc != nil {
					fmt.Fprintf(out, "Escalation: %d\n", esc.Id)
					fmt.Fprintf(out, "Severity: %s\n", severityColor(esc.Severity))
					fmt.Fprintf(out, "Opened: %s\n", formatTime(esc.OpenedAt))
					if esc.ResolvedAt != nil {
						fmt.Fprintf(out, "Closed: %s by %s (%s)\n", formatOptionalTime(esc.ResolvedAt), esc.ResolvedBy, esc.ResolutionMethod)
						if esc.Notes != "" {
							fmt.Fprintf(out, "Notes: %s\n", esc.Notes)
						}
					}
					fmt.Fprintln(out)
				}
				printIssue(out, ec.Issue)
				printRuns(out, ec.Runs)
				printAudit(out, ec.Audit)
				return nil
			})
		},
	}
}

func escalationsCloseCmd(flags *globalFlags) *cobra.Command {
	var (
		method string
		notes  string
		by     string
	)
	cmd := &cobra.Command{
		Use:   "close [escalation-id]",
		Short: "Record how a human resolved an escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid escalation id %q", args[0])
			}
			return withClient(cmd.Context(), flags, func(ctx context.Context, c remediatorv1.RemediatorClient) error {
				resp, err := c.CloseEscalation(ctx, &remediatorv1.CloseEscalationRequest{
					Id:       id,
					Method:   method,
					Notes:    notes,
					ClosedBy: by,
				})
				if err != nil {
					return fmt.Errorf("failed to close escalation: %w", err)
				}
				if flags.output == "json" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s escalation %d (%s by %s); issue %d resolved\n",
					color.New(color.FgGreen).Sprint("Closed"), resp.Escalation.Id,
					resp.Escalation.ResolutionMethod, resp.Escalation.ResolvedBy, resp.Escalation.IssueId)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "fixed", "Resolution method: fixed, revoked, obsolete, false_positive or human_intervention")
	cmd.Flags().StringVar(&notes, "notes", "", "What was done")
	cmd.Flags().StringVar(&by, "by", "", "Operator name when the server does not authenticate callers")
	return cmd
}
