package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/geneq/internal/imputation"
)

func newMethodsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "methods",
		Short: "List available imputation methods",
		Run: func(cmd *cobra.Command, args []string) {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "METHOD\tNAME\tACCURACY\tMULTI-OMICS")
			for _, m := range imputation.Methods {
				multi := ""
				if m.MultiOmics {
					multi = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Value, m.Label, m.Accuracy, multi)
			}
			w.Flush()
		},
	}
}
