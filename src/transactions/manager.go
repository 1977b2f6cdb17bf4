package transactions

import (
	"context"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/Blackdeer1524/SimpleDB/src"
	"github.com/Blackdeer1524/SimpleDB/src/pkg/common"
	"github.com/Blackdeer1524/SimpleDB/src/txns"
)

const (
	tracerName         = "github.com/Blackdeer1524/SimpleDB/src/transactions"
	DefaultMaxAttempts = 5
)

var (
	ErrUnknownTxn       = errors.New("transaction is not active")
	ErrRetriesExhausted = errors.New("transaction kept being aborted")
)

// TxnFinisher runs the commit and abort sequences of the page cache.
type TxnFinisher interface {
	CommitTxn(txnID common.TxnID) error
	AbortTxn(txnID common.TxnID) error
}

type Option func(*Manager)

func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		m.maxAttempts = max(n, 1)
	}
}

func WithTracerProvider(p trace.TracerProvider) Option {
	return func(m *Manager) {
		m.tracer = p.Tracer(tracerName)
	}
}

type Stats struct {
	Begun     uint64
	Committed uint64
	Aborted   uint64
	Retried   uint64
}

type Manager struct {
	lastID atomic.Uint64
	active mapset.Set[common.TxnID]

	finisher    TxnFinisher
	maxAttempts int

	begun     atomic.Uint64
	committed atomic.Uint64
	aborted   atomic.Uint64
	retried   atomic.Uint64

	tracer trace.Tracer
	log    src.Logger
}

func NewManager(finisher TxnFinisher, log src.Logger, opts ...Option) *Manager {
	m := &Manager{
		active:      mapset.NewSet[common.TxnID](),
		finisher:    finisher,
		maxAttempts: DefaultMaxAttempts,
		tracer:      otel.GetTracerProvider().Tracer(tracerName),
		log:         log,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Begin hands out a fresh transaction id. Ids grow monotonically and are
// never reused within the process.
func (m *Manager) Begin() common.TxnID {
	txnID := common.TxnID(m.lastID.Add(1))

	m.active.Add(txnID)
	m.begun.Add(1)

	return txnID
}

func (m *Manager) IsActive(txnID common.TxnID) bool {
	return m.active.Contains(txnID)
}

func (m *Manager) ActiveCount() int {
	return m.active.Cardinality()
}

// Commit makes the transaction's changes durable and releases its locks.
// On failure the transaction stays active and must be aborted.
func (m *Manager) Commit(ctx context.Context, txnID common.TxnID) error {
	if !m.active.Contains(txnID) {
		return errors.Wrapf(ErrUnknownTxn, "commit %d", txnID)
	}

	_, span := m.tracer.Start(ctx, "txn.commit", txnAttrs(txnID))
	defer span.End()

	if err := m.finisher.CommitTxn(txnID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")

		return errors.Wrapf(err, "commit %d", txnID)
	}

	m.active.Remove(txnID)
	m.committed.Add(1)

	return nil
}

// Abort undoes the transaction's changes and releases its locks. The
// transaction is finished even if reverting some pages failed.
func (m *Manager) Abort(ctx context.Context, txnID common.TxnID) error {
	if !m.active.Contains(txnID) {
		return errors.Wrapf(ErrUnknownTxn, "abort %d", txnID)
	}

	_, span := m.tracer.Start(ctx, "txn.abort", txnAttrs(txnID))
	defer span.End()

	err := m.finisher.AbortTxn(txnID)

	m.active.Remove(txnID)
	m.aborted.Add(1)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "abort failed")

		return errors.Wrapf(err, "abort %d", txnID)
	}

	return nil
}

// Run executes fn inside a transaction and commits it. When fn fails with a
// lock abort (deadlock or starvation) the transaction is rolled back and fn
// is retried in a new transaction, up to the configured number of attempts.
// Any other error rolls the transaction back and is returned.
func (m *Manager) Run(
	ctx context.Context,
	fn func(ctx context.Context, txnID common.TxnID) error,
) error {
	ctx, span := m.tracer.Start(ctx, "txn.run")
	defer span.End()

	for attempt := 1; ; attempt++ {
		txnID := m.Begin()

		err := fn(ctx, txnID)
		if err == nil {
			if err = m.Commit(ctx, txnID); err == nil {
				span.SetAttributes(attribute.Int("txn.attempts", attempt))
				return nil
			}
		}

		if abortErr := m.Abort(ctx, txnID); abortErr != nil {
			err = multierr.Append(err, abortErr)
		}

		if !errors.Is(err, txns.ErrTxnAborted) {
			span.RecordError(err)
			return err
		}

		if attempt >= m.maxAttempts {
			span.RecordError(err)
			return multierr.Combine(
				errors.Wrapf(ErrRetriesExhausted, "%d attempts", attempt),
				err,
			)
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return multierr.Combine(ctxErr, err)
		}

		m.retried.Add(1)
		m.log.Debugw("retrying aborted transaction",
			"txn", txnID,
			"attempt", attempt,
			"reason", err)
	}
}

func (m *Manager) Stats() Stats {
	return Stats{
		Begun:     m.begun.Load(),
		Committed: m.committed.Load(),
		Aborted:   m.aborted.Load(),
		Retried:   m.retried.Load(),
	}
}

func txnAttrs(txnID common.TxnID) trace.SpanStartOption {
	//nolint:gosec
	return trace.WithAttributes(attribute.Int64("txn.id", int64(txnID)))
}
