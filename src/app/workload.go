package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/SimpleDB/src"
	"github.com/Blackdeer1524/SimpleDB/src/cfg"
	"github.com/Blackdeer1524/SimpleDB/src/workload"
)

var ErrInconsistentSum = errors.New("cell sum does not match committed increments")

type WorkloadEntrypoint struct {
	ConfigPath string
	Table      string
	Seed       int64

	cfg    cfg.Config
	log    src.Logger
	engine *engine
	driver *workload.Driver
}

func (e *WorkloadEntrypoint) Init(_ context.Context) error {
	config, err := cfg.LoadConfig(e.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	e.cfg = config
	e.log = newLogger(config.Environment)

	e.engine, err = openEngine(afero.NewOsFs(), config, e.log)
	if err != nil {
		return err
	}

	table, err := e.engine.table(e.Table)
	if err != nil {
		return fmt.Errorf("open table %q: %w", e.Table, err)
	}

	seed := e.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	e.driver = workload.NewDriver(workload.Config{
		Workers:      config.Workers,
		Transactions: config.Transactions,
		Pages:        config.Pages,
		WriteRatio:   config.WriteRatio,
		Seed:         seed,
	}, table.ID, e.engine.pool, e.engine.store, e.engine.locks, e.engine.txns, e.log)

	return nil
}

func (e *WorkloadEntrypoint) Run(ctx context.Context) error {
	if err := e.driver.Prepare(ctx); err != nil {
		return err
	}

	report, err := e.driver.Run(ctx)
	if err != nil {
		return err
	}

	e.log.Infow("workload finished",
		"committed", report.Committed,
		"failed", report.Failed,
		"retried", report.Txns.Retried,
		"increments", report.Increments,
		"elapsed", report.Elapsed,
		"pool_hits", report.Pool.Hits,
		"pool_misses", report.Pool.Misses,
		"pool_evictions", report.Pool.Evictions)

	if !report.Consistent() {
		return errors.Wrapf(ErrInconsistentSum, "sum grew by %d, expected %d",
			report.CellSum-report.BaseSum, report.Increments)
	}

	return nil
}

func (e *WorkloadEntrypoint) Close() error {
	return closeAll(e.engine, e.log)
}
