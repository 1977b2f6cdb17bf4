package txns

import (
	"context"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/SimpleDB/src"
	"github.com/Blackdeer1524/SimpleDB/src/pkg/assert"
	"github.com/Blackdeer1524/SimpleDB/src/pkg/common"
	"github.com/Blackdeer1524/SimpleDB/src/pkg/optional"
)

const DefaultStarvationThreshold = 2

type Option func(*LockManager)

// WithStarvationThreshold sets how many newcomers may still get a shared
// lock on a page while a writer waits for it. A negative value turns the
// guard off.
func WithStarvationThreshold(n int) Option {
	return func(m *LockManager) {
		m.starvationThreshold = n
	}
}

func WithMeterProvider(p metric.MeterProvider) Option {
	return func(m *LockManager) {
		m.meterProvider = p
	}
}

// LockManager grants page locks to transactions under strict two-phase
// locking. All of its state is guarded by a single mutex; blocked requests
// park on the per-page notification channel and re-check their grant
// condition after every wake-up.
//
// A transaction is expected to have at most one Acquire in flight.
type LockManager struct {
	mu sync.Mutex

	records  map[common.PageIdentity]*lockRecord
	txnPages map[common.TxnID]mapset.Set[common.PageIdentity]
	graph    *waitForGraph

	starvationThreshold int

	meterProvider metric.MeterProvider
	metrics       *lockMetrics
	log           src.Logger
}

func NewLockManager(log src.Logger, opts ...Option) *LockManager {
	m := &LockManager{
		records:             map[common.PageIdentity]*lockRecord{},
		txnPages:            map[common.TxnID]mapset.Set[common.PageIdentity]{},
		graph:               newWaitForGraph(),
		starvationThreshold: DefaultStarvationThreshold,
		meterProvider:       otel.GetMeterProvider(),
		log:                 log,
	}

	for _, opt := range opts {
		opt(m)
	}

	metrics, err := newLockMetrics(m.meterProvider)
	if err != nil {
		log.Warnw("lock metrics are disabled", zap.Error(err))
		metrics = noopLockMetrics()
	}
	m.metrics = metrics

	return m
}

// Acquire returns once txnID holds page in mode (or a stronger one).
//
// Requests that are already covered by a held lock return immediately. A
// shared holder asking for an exclusive lock is upgraded in place as soon as
// it is the only holder left; it never gives up its shared lock meanwhile.
//
// Before every suspension the requester's wait-for edges are rebuilt from
// the page's current holders and the whole graph is searched for a cycle.
// If one is found the request is withdrawn and ErrDeadlock is returned: the
// requester never enters the wait set and leaves no edges behind.
//
// While a writer waits for a shared page only a bounded number of newcomers
// are still admitted as readers. The rest get ErrStarvation.
//
// Both errors wrap ErrTxnAborted. If ctx is done while waiting, the request
// is withdrawn in the same way and ctx.Err() is returned wrapped.
func (m *LockManager) Acquire(
	ctx context.Context,
	txnID common.TxnID,
	page common.PageIdentity,
	mode PageLockMode,
) error {
	assert.Assert(txnID != common.NilTxnID, "nil transaction can't lock pages")

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[page]
	if !ok {
		rec = newLockRecord(page)
		m.records[page] = rec
	}

	if rec.covers(txnID, mode) {
		return nil
	}

	waiting := false
	for {
		if rec.canGrant(txnID, mode) {
			if waiting {
				m.stopWaiting(rec, txnID, mode)
			}

			if m.mustRefuseReader(rec, txnID, mode) {
				m.dropIfUnused(rec)
				m.metrics.refused(ctx)
				m.log.Debugw("shared lock refused in favour of a waiting writer",
					"txn", txnID,
					"page", page,
					"waiting_writers", rec.waitingWriters)

				return errors.Wrapf(ErrStarvation, "txn %d on page %v", txnID, page)
			}

			m.grant(rec, txnID, mode)
			m.metrics.granted(ctx, mode)

			return nil
		}

		if !waiting {
			rec.startWaiting(txnID, mode)
			m.metrics.waited(ctx, mode)
			waiting = true
		}

		m.graph.setOutgoing(txnID, rec.holdersExcept(txnID))
		if cycle := m.graph.findCycle(); cycle != nil {
			m.stopWaiting(rec, txnID, mode)
			m.dropIfUnused(rec)
			m.metrics.deadlocked(ctx, mode)
			m.log.Infow("deadlock detected, aborting lock request",
				"txn", txnID,
				"page", page,
				"mode", mode.String(),
				"cycle", cycle)

			return errors.Wrapf(
				ErrDeadlock,
				"txn %d requesting %v on page %v",
				txnID,
				mode,
				page,
			)
		}

		notify := rec.notify
		m.mu.Unlock()

		select {
		case <-notify:
			m.mu.Lock()
		case <-ctx.Done():
			m.mu.Lock()
			m.stopWaiting(rec, txnID, mode)
			m.dropIfUnused(rec)

			return errors.Wrapf(ctx.Err(), "waiting for %v lock on page %v", mode, page)
		}
	}
}

func (m *LockManager) mustRefuseReader(
	rec *lockRecord,
	txnID common.TxnID,
	mode PageLockMode,
) bool {
	return mode == PageLockShared &&
		m.starvationThreshold >= 0 &&
		rec.waitingWriters > 0 &&
		!rec.holders.Contains(txnID) &&
		rec.readersPastWriter >= m.starvationThreshold
}

func (m *LockManager) grant(rec *lockRecord, txnID common.TxnID, mode PageLockMode) {
	newHolder := !rec.holders.Contains(txnID)
	if newHolder && mode == PageLockShared && rec.waitingWriters > 0 {
		rec.readersPastWriter++
	}

	rec.grant(txnID, mode)

	if !newHolder {
		return
	}

	pages, ok := m.txnPages[txnID]
	if !ok {
		pages = mapset.NewThreadUnsafeSet[common.PageIdentity]()
		m.txnPages[txnID] = pages
	}
	pages.Add(rec.page)

	for _, w := range rec.blockedBy(txnID) {
		m.graph.addEdge(w, txnID)
	}
}

func (m *LockManager) stopWaiting(rec *lockRecord, txnID common.TxnID, mode PageLockMode) {
	rec.stopWaiting(txnID, mode)
	m.graph.removeOutgoing(txnID)
}

func (m *LockManager) dropIfUnused(rec *lockRecord) {
	if rec.unused() {
		delete(m.records, rec.page)
	}
}

// Release gives up txnID's lock on page. Releasing a lock that is not held
// is a no-op.
func (m *LockManager) Release(txnID common.TxnID, page common.PageIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.release(txnID, page)
}

func (m *LockManager) release(txnID common.TxnID, page common.PageIdentity) {
	rec, ok := m.records[page]
	if !ok || !rec.release(txnID) {
		return
	}

	if pages, ok := m.txnPages[txnID]; ok {
		pages.Remove(page)
		if pages.Cardinality() == 0 {
			delete(m.txnPages, txnID)
		}
	}

	for w := range rec.waiters {
		m.graph.removeEdge(w, txnID)
	}

	rec.broadcast()
	m.dropIfUnused(rec)
}

// ReleaseAll drops every lock held by txnID and removes it from the
// wait-for graph. It is safe to call for a transaction without locks.
func (m *LockManager) ReleaseAll(txnID common.TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pages, ok := m.txnPages[txnID]; ok {
		for _, page := range pages.ToSlice() {
			m.release(txnID, page)
		}
	}

	m.graph.removeVertex(txnID)

	_, stillHolds := m.txnPages[txnID]
	assert.Assert(!stillHolds, "txn %d still holds locks after release", txnID)
}

func (m *LockManager) Holds(txnID common.TxnID, page common.PageIdentity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[page]
	return ok && rec.holders.Contains(txnID)
}

func (m *LockManager) LockMode(
	txnID common.TxnID,
	page common.PageIdentity,
) optional.Optional[PageLockMode] {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[page]
	if !ok || !rec.holders.Contains(txnID) {
		return optional.None[PageLockMode]()
	}

	return optional.Some(rec.mode)
}

func (m *LockManager) LockedPages(txnID common.TxnID) []common.PageIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()

	pages, ok := m.txnPages[txnID]
	if !ok {
		return []common.PageIdentity{}
	}

	res := pages.ToSlice()
	slices.SortFunc(res, comparePages)

	return res
}

func (m *LockManager) Holders(page common.PageIdentity) []common.TxnID {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[page]
	if !ok {
		return []common.TxnID{}
	}

	res := rec.holders.ToSlice()
	slices.Sort(res)

	return res
}

func (m *LockManager) WaitersCount(page common.PageIdentity) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[page]
	if !ok {
		return 0
	}

	return len(rec.waiters)
}

func (m *LockManager) WaitForEdges() []WaitForEdge {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.graph.edges()
}

type Stats struct {
	LockedPages  int
	Transactions int
	Waiting      int
	Edges        int
}

func (m *LockManager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Transactions: len(m.txnPages),
		Edges:        len(m.graph.edges()),
	}
	for _, rec := range m.records {
		if !rec.isFree() {
			s.LockedPages++
		}
		s.Waiting += len(rec.waiters)
	}

	return s
}

func comparePages(a, b common.PageIdentity) int {
	if a.FileID != b.FileID {
		if a.FileID < b.FileID {
			return -1
		}
		return 1
	}
	if a.PageID < b.PageID {
		return -1
	} else if a.PageID > b.PageID {
		return 1
	}
	return 0
}
