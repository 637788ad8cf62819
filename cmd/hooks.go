package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/kpanic/internal/extract/builtin"
)

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "List built-in extraction hooks",
	Long: `List the built-in hooks that can be enabled under kpanic.pipeline.hooks.

Tag and extra hooks run in the configured order; at most one check hook is
active.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runHooks(cmd.OutOrStdout()); err != nil {
			exitWithError("failed to list hooks", err)
		}
	},
}

func runHooks(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tNAME\tDESCRIPTION")
	for _, e := range builtin.List() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Kind, e.Name, e.Description)
	}
	return tw.Flush()
}
