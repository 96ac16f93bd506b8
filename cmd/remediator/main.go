package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

type globalFlags struct {
	configPath string
	addr       string
	token      string
	output     string
}

func main() {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:     "remediator",
		Short:   "Autonomous issue remediation control loop",
		Version: version,
		Long: `remediator watches reported infrastructure issues, dispatches diagnostic agents
against them, arbitrates their verdicts and hands unresolved issues to humans.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to configuration file (env REMEDIATOR_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flags.addr, "addr", envOr("REMEDIATOR_ADDR", "localhost:50061"), "gRPC address of a running remediator")
	rootCmd.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("REMEDIATOR_TOKEN"), "Operator bearer token for mutating commands")
	rootCmd.PersistentFlags().StringVarP(&flags.output, "output", "o", "table", "Output format: table or json")

	rootCmd.AddCommand(serveCmd(flags))
	rootCmd.AddCommand(reportCmd(flags))
	rootCmd.AddCommand(issuesCmd(flags))
	rootCmd.AddCommand(escalationsCmd(flags))
	rootCmd.AddCommand(statsCmd(flags))
	rootCmd.AddCommand(triggerCmd(flags))
	rootCmd.AddCommand(auditCmd(flags))
	rootCmd.AddCommand(archiveCmd(flags))
	rootCmd.AddCommand(tokenCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
