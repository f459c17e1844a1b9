package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newIDBCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idb",
		Short: "Inspect an instrument database export",
	}
	cmd.AddCommand(newIDBCheckCmd(g))
	return cmd
}

func newIDBCheckCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate an instrument database export",
		Example: `  stixctl idb check --idb idb.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			store, err := g.loadStore(cmd)
			if err != nil {
				return err
			}
			stats := store.Stats()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Version\t%s\n", stats.Version)
			fmt.Fprintf(w, "Packet types\t%d\n", stats.PacketTypes)
			fmt.Fprintf(w, "Fixed layouts\t%d\n", stats.FixedPackets)
			fmt.Fprintf(w, "Variable layouts\t%d\n", stats.VariablePackets)
			fmt.Fprintf(w, "Telecommands\t%d\n", stats.Telecommands)
			fmt.Fprintf(w, "Curves\t%d\n", stats.Curves)
			fmt.Fprintf(w, "Polynomials\t%d\n", stats.Polynomials)
			if err := w.Flush(); err != nil {
				return err
			}
			if store.IsEmpty() {
				return fmt.Errorf("instrument database %s has no packet types or telecommands", g.idbPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print statistics as JSON")
	return cmd
}
