package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/SimpleDB/src"
	"github.com/Blackdeer1524/SimpleDB/src/catalog"
	"github.com/Blackdeer1524/SimpleDB/src/cfg"
	"github.com/Blackdeer1524/SimpleDB/src/workload"
)

// InspectEntrypoint prints every table of the catalog together with its
// size and cell sum.
type InspectEntrypoint struct {
	ConfigPath string
	Out        io.Writer

	log    src.Logger
	engine *engine
}

func (e *InspectEntrypoint) Init(_ context.Context) error {
	config, err := cfg.LoadConfig(e.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if e.Out == nil {
		e.Out = os.Stdout
	}

	e.log = newLogger(config.Environment)

	e.engine, err = openEngine(afero.NewOsFs(), config, e.log)

	return err
}

func (e *InspectEntrypoint) Run(ctx context.Context) error {
	for _, table := range e.engine.catalog.Tables() {
		if err := e.describe(ctx, table); err != nil {
			return fmt.Errorf("inspect %s: %w", table.Name, err)
		}
	}

	return nil
}

func (e *InspectEntrypoint) describe(ctx context.Context, table catalog.Table) error {
	pages, err := e.engine.store.NumPages(table.ID)
	if err != nil {
		return err
	}

	d := workload.NewDriver(workload.Config{}, table.ID,
		e.engine.pool, e.engine.store, e.engine.locks, e.engine.txns, e.log)

	sum, err := d.Sum(ctx)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(e.Out, "%s\tid=%d\tpages=%d\tsum=%d\tfile=%s\n",
		table.Name, table.ID, pages, sum, table.Path)

	return err
}

func (e *InspectEntrypoint) Close() error {
	return closeAll(e.engine, e.log)
}
