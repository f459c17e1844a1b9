package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"example.com/stixgate/internal/report"
)

type reportFlags struct {
	input string
	pdf   string
}

func newReportCmd() *cobra.Command {
	flags := &reportFlags{}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render a JSON run report as PDF",
		Long: `Render a run report written by "stixctl parse --report-json" as a PDF
document with the packet counters, the SPID histogram and the alerts.

If --input is omitted, the first positional argument is used.`,
		Example: `  stixctl report --input run.json --pdf run.pdf`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if flags.input == "" && len(args) > 0 {
				flags.input = args[0]
			}
			if flags.input == "" {
				return missingFlagError(cmd, "--input")
			}
			if flags.pdf == "" {
				return missingFlagError(cmd, "--pdf")
			}
			rep, err := report.LoadJSON(flags.input)
			if err != nil {
				return fmt.Errorf("load report: %w", err)
			}
			if err := report.SavePDF(rep, flags.pdf); err != nil {
				return fmt.Errorf("write pdf: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Wrote PDF:", flags.pdf)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.input, "input", "", "JSON run report (required)")
	cmd.Flags().StringVar(&flags.pdf, "pdf", "", "Output PDF (required)")

	return cmd
}
