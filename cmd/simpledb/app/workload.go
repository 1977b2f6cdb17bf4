package app

import (
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/SimpleDB/src/app"
)

func initWorkload() {
	var (
		table string
		seed  int64
	)

	cmd := &cobra.Command{
		Use:   "workload",
		Short: "Runs concurrent increment transactions and checks the table stays consistent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(cmd.Context(), &app.WorkloadEntrypoint{
				ConfigPath: rootCmd.Options.ConfigPath,
				Table:      table,
				Seed:       seed,
			})
		},
	}

	cmd.Flags().StringVarP(&table, "table", "t", "workload", "Table to run the workload against")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed, zero picks one from the clock")

	rootCmd.AddCommand(cmd)
}
