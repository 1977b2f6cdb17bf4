package app

import (
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/SimpleDB/src"
	"github.com/Blackdeer1524/SimpleDB/src/bufferpool"
	"github.com/Blackdeer1524/SimpleDB/src/catalog"
	"github.com/Blackdeer1524/SimpleDB/src/cfg"
	"github.com/Blackdeer1524/SimpleDB/src/pkg/utils"
	"github.com/Blackdeer1524/SimpleDB/src/storage/disk"
	"github.com/Blackdeer1524/SimpleDB/src/transactions"
	"github.com/Blackdeer1524/SimpleDB/src/txns"
)

// engine wires the storage stack shared by every entrypoint.
type engine struct {
	store   *disk.Manager
	catalog *catalog.Catalog
	locks   *txns.LockManager
	pool    *bufferpool.Manager
	txns    *transactions.Manager
}

func newLogger(env cfg.Environment) src.Logger {
	if env == cfg.EnvDev {
		return utils.Must(zap.NewDevelopment()).Sugar()
	}

	return utils.Must(zap.NewProduction()).Sugar()
}

func openEngine(fs afero.Fs, config cfg.Config, log src.Logger) (*engine, error) {
	dir, err := filepath.Abs(config.DataDir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve data dir %s", config.DataDir)
	}

	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dir)
	}

	store := disk.New(fs)

	cat := catalog.New(fs, dir, store)
	if err := cat.Load(); err != nil {
		return nil, errors.Wrap(err, "load catalog")
	}

	locks := txns.NewLockManager(log, txns.WithStarvationThreshold(config.StarvationThreshold))
	pool := bufferpool.New(config.PoolSize, bufferpool.NewLRUReplacer(), store, locks, log)

	return &engine{
		store:   store,
		catalog: cat,
		locks:   locks,
		pool:    pool,
		txns:    transactions.NewManager(pool, log, transactions.WithMaxAttempts(config.MaxRetries)),
	}, nil
}

func (e *engine) table(name string) (catalog.Table, error) {
	id, err := e.catalog.TableID(name)
	if errors.Is(err, catalog.ErrNoSuchTable) {
		return e.catalog.CreateTable(name)
	} else if err != nil {
		return catalog.Table{}, err
	}

	return e.catalog.Table(id)
}

func (e *engine) Close() error {
	return e.pool.Close()
}

func closeAll(e *engine, log src.Logger) (err error) {
	if e != nil {
		err = e.Close()
	}

	if log != nil {
		if err != nil {
			log.Errorw("failed to close engine", zap.Error(err))
		}

		err = multierr.Append(err, log.Sync())
	}

	return err
}
