package workload

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/panjf2000/ants"
	"go.uber.org/multierr"

	"github.com/Blackdeer1524/SimpleDB/src"
	"github.com/Blackdeer1524/SimpleDB/src/bufferpool"
	"github.com/Blackdeer1524/SimpleDB/src/pkg/common"
	"github.com/Blackdeer1524/SimpleDB/src/pkg/utils"
	"github.com/Blackdeer1524/SimpleDB/src/query"
	"github.com/Blackdeer1524/SimpleDB/src/storage/page"
	"github.com/Blackdeer1524/SimpleDB/src/transactions"
	"github.com/Blackdeer1524/SimpleDB/src/txns"
)

const (
	counterCell   = 0
	pagesPerTxn   = 2
	defaultWorker = 1
)

var ErrTooFewPages = errors.New("workload needs at least two pages")

type Config struct {
	Workers      int
	Transactions int
	Pages        int
	WriteRatio   float64
	Seed         int64
}

// Report sums up one run. Increments counts the cell increments of
// committed writers, so on a consistent store CellSum-BaseSum equals it.
type Report struct {
	Committed  int64
	Failed     int64
	Increments uint64
	BaseSum    uint64
	CellSum    uint64
	Elapsed    time.Duration

	Txns  transactions.Stats
	Locks txns.Stats
	Pool  bufferpool.Stats
}

func (r Report) Consistent() bool {
	return r.CellSum-r.BaseSum == r.Increments
}

type LockStats interface {
	Stats() txns.Stats
}

// Driver runs random read and increment transactions against one table
// from a fixed size pool of workers.
type Driver struct {
	cfg    Config
	fileID common.FileID

	pool    *bufferpool.Manager
	counter query.PageCounter
	locks   LockStats
	txnMgr  *transactions.Manager

	committed  atomic.Int64
	failed     atomic.Int64
	increments atomic.Uint64

	log src.Logger
}

func NewDriver(
	cfg Config,
	fileID common.FileID,
	pool *bufferpool.Manager,
	counter query.PageCounter,
	locks LockStats,
	txnMgr *transactions.Manager,
	log src.Logger,
) *Driver {
	cfg.Workers = max(cfg.Workers, defaultWorker)

	return &Driver{
		cfg:     cfg,
		fileID:  fileID,
		pool:    pool,
		counter: counter,
		locks:   locks,
		txnMgr:  txnMgr,
		log:     log,
	}
}

// Prepare grows the table to the configured number of pages.
func (d *Driver) Prepare(ctx context.Context) error {
	if d.cfg.Pages < pagesPerTxn {
		return ErrTooFewPages
	}

	n, err := d.counter.NumPages(d.fileID)
	if err != nil {
		return errors.Wrapf(err, "count pages of file %d", d.fileID)
	}

	for ; n < uint64(d.cfg.Pages); n++ { //nolint:gosec
		err := d.txnMgr.Run(ctx, func(ctx context.Context, txnID common.TxnID) error {
			_, pageIdent, err := d.pool.NewPage(ctx, txnID, d.fileID)
			if err != nil {
				return err
			}

			return d.pool.Unpin(pageIdent)
		})
		if err != nil {
			return errors.Wrap(err, "allocate page")
		}
	}

	return nil
}

func (d *Driver) Run(ctx context.Context) (Report, error) {
	base, err := d.Sum(ctx)
	if err != nil {
		return Report{}, errors.Wrap(err, "initial scan")
	}

	workers, err := ants.NewPool(d.cfg.Workers)
	if err != nil {
		return Report{}, errors.Wrap(err, "create worker pool")
	}
	defer workers.Release()

	d.log.Infow("starting workload",
		"workers", d.cfg.Workers,
		"transactions", d.cfg.Transactions,
		"pages", d.cfg.Pages,
		"write_ratio", d.cfg.WriteRatio)

	start := time.Now()

	var (
		wg        sync.WaitGroup
		submitErr error
	)

	for i := range d.cfg.Transactions {
		rng := rand.New(rand.NewSource(d.cfg.Seed + int64(i))) //nolint:gosec

		wg.Add(1)
		err := workers.Submit(func() {
			defer wg.Done()
			d.runOne(ctx, rng)
		})
		if err != nil {
			wg.Done()
			submitErr = errors.Wrap(err, "submit transaction")

			break
		}
	}

	wg.Wait()
	elapsed := time.Since(start)

	sum, err := d.Sum(ctx)
	if err != nil {
		return Report{}, multierr.Append(submitErr, errors.Wrap(err, "final scan"))
	}

	report := Report{
		Committed:  d.committed.Load(),
		Failed:     d.failed.Load(),
		Increments: d.increments.Load(),
		BaseSum:    base,
		CellSum:    sum,
		Elapsed:    elapsed,
		Txns:       d.txnMgr.Stats(),
		Locks:      d.locks.Stats(),
		Pool:       d.pool.Stats(),
	}

	return report, submitErr
}

func (d *Driver) runOne(ctx context.Context, rng *rand.Rand) {
	targets := utils.GenerateUniqueInts(pagesPerTxn, 0, d.cfg.Pages-1, rng)
	write := rng.Float64() < d.cfg.WriteRatio

	err := d.txnMgr.Run(ctx, func(ctx context.Context, txnID common.TxnID) error {
		for _, target := range targets {
			pageIdent := common.PageIdentity{FileID: d.fileID, PageID: common.PageID(target)} //nolint:gosec

			var err error
			if write {
				err = d.pool.UpdatePage(ctx, txnID, pageIdent, increment)
			} else {
				err = d.pool.ViewPage(ctx, txnID, pageIdent, func(p *page.Page) error {
					_ = p.Cell(counterCell)
					return nil
				})
			}

			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		d.failed.Add(1)
		d.log.Warnw("transaction failed", "pages", targets, "write", write, "error", err)

		return
	}

	d.committed.Add(1)
	if write {
		d.increments.Add(uint64(len(targets)))
	}
}

// Sum scans the table in its own transaction and adds up every cell.
func (d *Driver) Sum(ctx context.Context) (uint64, error) {
	var total uint64

	err := d.txnMgr.Run(ctx, func(ctx context.Context, txnID common.TxnID) error {
		total = 0

		scan := query.NewSeqScan(d.pool, d.counter, txnID, d.fileID)
		if err := scan.Open(); err != nil {
			return err
		}
		defer scan.Close()

		for {
			ok, err := scan.HasNext()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}

			scanned, err := scan.Next(ctx)
			if err != nil {
				return err
			}
			total += scanned.Page.CellSum()
		}
	})
	if err != nil {
		return 0, err
	}

	return total, nil
}

func increment(p *page.Page) error {
	p.SetCell(counterCell, p.Cell(counterCell)+1)
	return nil
}
