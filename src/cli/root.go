package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type Options struct {
	ConfigPath string
}

type RootCommand struct {
	*cobra.Command
	Options Options
}

func Init(name string) *RootCommand {
	cmd := &RootCommand{
		Command: &cobra.Command{
			Use:          name,
			Short:        "Page-locking storage core with deadlock detection",
			SilenceUsage: true,
		},
	}
	cmd.initFlags()

	return cmd
}

func (c *RootCommand) MustExecute(ctx context.Context) {
	if err := c.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "simpledb failed: %v\n", err)
		os.Exit(1)
	}
}
