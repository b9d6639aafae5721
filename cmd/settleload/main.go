// Settleload drives a settlement node with synthetic transfers and reports
// throughput while triggering batch commits.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/settleload/internal/settlement/backends"
)

const serviceName = "settleload"

func main() {
	// Cobra prints the error, we only need the exit status.
	if rootCmd().Execute() != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   serviceName,
		Short: fmt.Sprintf("%s is a load generator and settlement simulator.", serviceName),
	}
	cmd.AddCommand(runCmd())
	cmd.AddCommand(backendsCmd())
	return cmd
}

func backendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "Lists the available settlement backends.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := backends.DefaultRegistry()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tUNIT\tDEFAULT URL\tFUNDING\tDESCRIPTION")
			for _, name := range reg.Names() {
				info := reg.Get(name)
				url := info.DefaultURL
				if url == "" {
					url = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", info.Name, info.Unit, url, info.DefaultFundingCount, info.Description)
			}
			return w.Flush()
		},
	}
}
