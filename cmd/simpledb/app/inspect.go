package app

import (
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/SimpleDB/src/app"
)

func initInspect() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Prints catalog tables with their page counts and cell sums",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(cmd.Context(), &app.InspectEntrypoint{
				ConfigPath: rootCmd.Options.ConfigPath,
				Out:        cmd.OutOrStdout(),
			})
		},
	})
}
