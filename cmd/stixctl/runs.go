package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"example.com/stixgate/internal/common"
)

type runsFlags struct {
	runLog string
	limit  int
}

func newRunsCmd() *cobra.Command {
	flags := &runsFlags{}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded parse runs",
		Example: `  stixctl runs --run-log data/runs.jsonl --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if flags.runLog == "" {
				return missingFlagError(cmd, "--run-log")
			}
			entries, err := common.ReadRunLog(flags.runLog)
			if err != nil {
				return fmt.Errorf("read run log: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			if flags.limit > 0 && len(entries) > flags.limit {
				entries = entries[len(entries)-flags.limit:]
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFINISHED\tINPUT\tTYPE\tSIZE\tIDB\tSTATUS")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.ID,
					e.Finished.UTC().Format("2006-01-02 15:04:05"),
					filepath.Base(e.Input),
					e.InputType,
					common.FormatBytes(e.Size),
					e.IDBVersion,
					e.Status,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&flags.runLog, "run-log", "", "JSONL run log (required)")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "Only show the most recent runs")

	return cmd
}
