package app

import (
	"context"

	"github.com/Blackdeer1524/SimpleDB/src/cli"
)

var rootCmd = cli.Init("simpledb")

func MustExecute(ctx context.Context) {
	initWorkload()
	initInspect()
	rootCmd.MustExecute(ctx)
}
