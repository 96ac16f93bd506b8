package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-remediator/internal/grpc/remediatorv1"
)

func reportCmd(flags *globalFlags) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "report [class]",
		Short: "Report an issue, deduplicating against the live issue of the class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), flags, func(ctx context.Context, c remediatorv1.RemediatorClient) error {
				resp, err := c.ReportIssue(ctx, &remediatorv1.ReportIssueRequest{Class: args[0], Description: description})
				if err != nil {
					return fmt.Errorf("failed to report issue: %w", err)
				}
				if flags.output == "json" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				if resp.Created {
					fmt.Fprintf(cmd.OutOrStdout(), "%s issue %d (%s)\n", color.New(color.FgGreen).Sprint("Created"), resp.Issue.Id, resp.Issue.Class)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Merged into live issue %d (%s, %s)\n", resp.Issue.Id, resp.Issue.Class, statusColor(resp.Issue.Status))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "Free-form description of the symptom")
	return cmd
}

func issuesCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "Inspect and manage issues",
	}
	cmd.AddCommand(issuesListCmd(flags), issuesShowCmd(flags), issuesReleaseCmd(flags))
	return cmd
}

func issuesListCmd(flags *globalFlags) *cobra.Command {
	var (
		status string
		class  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), flags, func(ctx context.Context, c remediatorv1.RemediatorClient) error {
				resp, err := c.ListIssues(ctx, &remediatorv1.ListIssuesRequest{Status: status, Class: class, Limit: int32(limit)})
				if err != nil {
					return fmt.Errorf("failed to list issues: %w", err)
				}
				if flags.output == "json" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				if len(resp.Issues) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No issues found.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCLASS\tSTATUS\tFAILURES\tUPDATED\tDESCRIPTION")
				for _, issue := range resp.Issues {
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
						issue.Id, issue.Class, statusColor(issue.Status), issue.FailureCount,
						formatTime(issue.UpdatedAt), oneLine(issue.Description, 48))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (open, dispatched, escalated, resolved, suppressed)")
	cmd.Flags().StringVar(&class, "class", "", "Filter by class")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func issuesShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show [issue-id]",
		Short: "Show an issue with its runs, escalations and audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid issue id %q", args[0])
			}
			return withClient(cmd.Context(), flags, func(ctx context.Context, c remediatorv1.RemediatorClient) error {
				resp, err := c.GetIssue(ctx, &remediatorv1.GetIssueRequest{Id: id})
				if err != nil {
					return fmt.Errorf("issue not found: %w", err)
				}
				if flags.output == "json" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				out := cmd.OutOrStdout()
				printIssue(out, resp.Issue)
				printRuns(out, resp.Runs)
				if len(resp.Escalations) > 0 {
					fmt.Fprintln(out, "\nEscalations:")
					for _, esc := range resp.Escalations {
						state := "open"
						if esc.ResolvedAt != nil {
							state = esc.ResolutionMethod + " by " + esc.ResolvedBy
						}
						fmt.Fprintf(out, "  #%d %s opened %s (%s)\n", esc.Id, severityColor(esc.Severity), formatTime(esc.OpenedAt), state)
					}
				}
				printAudit(out, resp.Audit)
				return nil
			})
		},
	}
}

func issuesReleaseCmd(flags *globalFlags) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "release [issue-id]",
		Short: "Return a quarantined issue to the open queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid issue id %q", args[0])
			}
			return withClient(cmd.Context(), flags, func(ctx context.Context, c remediatorv1.RemediatorClient) error {
				resp, err := c.ReleaseIssue(ctx, &remediatorv1.ReleaseIssueRequest{Id: id, Notes: notes})
				if err != nil {
					return fmt.Errorf("failed to release issue: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Issue %d is %s\n", resp.Issue.Id, statusColor(resp.Issue.Status))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Why the issue is safe to retry")
	return cmd
}

func printIssue(out io.Writer, issue *remediatorv1.Issue) {
	if issue == nil {
		return
	}
	fmt.Fprintf(out, "Issue: %d\n", issue.Id)
	fmt.Fprintf(out, "Class: %s\n", issue.Class)
	fmt.Fprintf(out, "Status: %s\n", statusColor(issue.Status))
	fmt.Fprintf(out, "Failures: %d\n", issue.FailureCount)
	fmt.Fprintf(out, "Detected: %s\n", formatTime(issue.DetectedAt))
	fmt.Fprintf(out, "Last attempt: %s\n", formatOptionalTime(issue.LastAttemptAt))
	if issue.Description != "" {
		fmt.Fprintf(out, "Description: %s\n", issue.Description)
	}
	if issue.ResolutionMethod != "" {
		fmt.Fprintf(out, "Resolution: %s\n", issue.ResolutionMethod)
	}
	if issue.HumanNotes != "" {
		fmt.Fprintf(out, "Notes: %s\n", issue.HumanNotes)
	}
}

func printRuns(out io.Writer, runs []*remediatorv1.AgentRun) {
	if len(runs) == 0 {
		return
	}
	fmt.Fprintln(out, "\nAgent runs:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  RUN\tAGENT\tVERDICT\tCONFIDENCE\tFINISHED\tEVIDENCE")
	for _, r := range runs {
		verdict := r.Verdict
		if verdict == "" {
			verdict = "in-flight"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%.2f\t%s\t%s\n",
			r.Id[:min(len(r.Id), 8)], r.Agent, verdict, r.Confidence, formatOptionalTime(r.FinishedAt), oneLine(r.Evidence, 60))
	}
	_ = w.Flush()
}

func printAudit(out io.Writer, entries []*remediatorv1.AuditEntry) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintln(out, "\nAudit:")
	for _, e := range entries {
		from := e.From
		if from == "" {
			from = "∅"
		}
		fmt.Fprintf(out, "  %s  %s → %s  %s\n", formatTime(e.At), from, e.To, oneLine(e.Detail, 80))
	}
}
