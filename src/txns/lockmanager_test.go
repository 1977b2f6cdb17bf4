package txns

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/SimpleDB/src/pkg/common"
)

func newTestLockManager(opts ...Option) *LockManager {
	return NewLockManager(zap.NewNop().Sugar(), opts...)
}

func pageN(n uint64) common.PageIdentity {
	return common.PageIdentity{FileID: 1, PageID: common.PageID(n)}
}

func acquireAsync(
	ctx context.Context,
	m *LockManager,
	txnID common.TxnID,
	page common.PageIdentity,
	mode PageLockMode,
) <-chan error {
	res := make(chan error, 1)
	go func() {
		res <- m.Acquire(ctx, txnID, page, mode)
	}()

	return res
}

func expectResult(t *testing.T, ch <-chan error, mes string) error {
	t.Helper()

	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		require.FailNow(t, mes)
	}

	return nil
}

func expectBlocked(t *testing.T, ch <-chan error, mes string) {
	t.Helper()

	select {
	case err := <-ch:
		t.Errorf("%s: request finished with %v", mes, err)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitForWaiters(t *testing.T, m *LockManager, page common.PageIdentity, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return m.WaitersCount(page) == n
	}, time.Second, time.Millisecond)
}

// checkInvariants verifies the holds relation and the lock record shapes.
func checkInvariants(t *testing.T, m *LockManager) {
	t.Helper()

	m.mu.Lock()
	defer m.mu.Unlock()

	for page, rec := range m.records {
		require.Equal(t, page, rec.page)
		require.False(t, rec.unused(), "unused record %v left in the table", page)
		if rec.mode == PageLockExclusive {
			require.Equal(t, 1, rec.holderCount())
		}

		rec.holders.Each(func(txnID common.TxnID) bool {
			pages, ok := m.txnPages[txnID]
			require.True(t, ok)
			require.True(t, pages.Contains(page))
			return false
		})
	}

	for txnID, pages := range m.txnPages {
		require.NotZero(t, pages.Cardinality())
		pages.Each(func(page common.PageIdentity) bool {
			rec, ok := m.records[page]
			require.True(t, ok)
			require.True(t, rec.holders.Contains(txnID))
			return false
		})
	}
}

func TestSharedLocksAreCompatible(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()
	p := pageN(1)

	require.NoError(t, m.Acquire(ctx, 1, p, PageLockShared))
	require.NoError(t, m.Acquire(ctx, 2, p, PageLockShared))

	assert.True(t, m.Holds(1, p))
	assert.True(t, m.Holds(2, p))
	assert.Equal(t, []common.TxnID{1, 2}, m.Holders(p))
	assert.Equal(t, PageLockShared, m.LockMode(1, p).Unwrap())
	assert.Empty(t, m.WaitForEdges())
	checkInvariants(t, m)
}

func TestAcquireIsReentrant(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()
	p := pageN(1)

	require.NoError(t, m.Acquire(ctx, 1, p, PageLockShared))
	require.NoError(t, m.Acquire(ctx, 1, p, PageLockShared))
	assert.Equal(t, []common.TxnID{1}, m.Holders(p))

	require.NoError(t, m.Acquire(ctx, 1, p, PageLockExclusive))
	require.NoError(t, m.Acquire(ctx, 1, p, PageLockShared))
	require.NoError(t, m.Acquire(ctx, 1, p, PageLockExclusive))

	assert.Equal(t, PageLockExclusive, m.LockMode(1, p).Unwrap())
	assert.Equal(t, []common.PageIdentity{p}, m.LockedPages(1))
	checkInvariants(t, m)
}

func TestSoleSharedHolderUpgradesInPlace(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()
	p := pageN(3)

	require.NoError(t, m.Acquire(ctx, 1, p, PageLockShared))
	require.NoError(t, m.Acquire(ctx, 1, p, PageLockExclusive))

	assert.True(t, m.Holds(1, p))
	assert.Equal(t, []common.TxnID{1}, m.Holders(p))
	assert.Equal(t, PageLockExclusive, m.LockMode(1, p).Unwrap())
	assert.Zero(t, m.WaitersCount(p))

	require.Error(t, m.Acquire(
		withTimeout(t, 50*time.Millisecond), 2, p, PageLockShared))
	assert.Equal(t, []common.TxnID{1}, m.Holders(p))
}

func withTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)

	return ctx
}

func TestExclusiveBlocksReaderUntilRelease(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()
	p := pageN(1)

	require.NoError(t, m.Acquire(ctx, 1, p, PageLockExclusive))

	res := acquireAsync(ctx, m, 2, p, PageLockShared)
	waitForWaiters(t, m, p, 1)
	expectBlocked(t, res, "reader must wait for the writer")

	assert.Equal(t, []WaitForEdge{{From: 2, To: 1}}, m.WaitForEdges())
	assert.False(t, m.Holds(2, p))

	m.ReleaseAll(1)
	require.NoError(t, expectResult(t, res, "reader should be granted after release"))

	assert.True(t, m.Holds(2, p))
	assert.Empty(t, m.WaitForEdges())
	checkInvariants(t, m)
}

func TestUpgradeWaitsForOtherReaders(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()
	p := pageN(1)

	require.NoError(t, m.Acquire(ctx, 1, p, PageLockShared))
	require.NoError(t, m.Acquire(ctx, 2, p, PageLockShared))

	res := acquireAsync(ctx, m, 1, p, PageLockExclusive)
	waitForWaiters(t, m, p, 1)

	// the upgrader keeps its shared lock while waiting
	assert.True(t, m.Holds(1, p))
	assert.Equal(t, PageLockShared, m.LockMode(1, p).Unwrap())
	assert.Equal(t, []WaitForEdge{{From: 1, To: 2}}, m.WaitForEdges())

	m.ReleaseAll(2)
	require.NoError(t, expectResult(t, res, "upgrade should be granted"))

	assert.Equal(t, []common.TxnID{1}, m.Holders(p))
	assert.Equal(t, PageLockExclusive, m.LockMode(1, p).Unwrap())
	assert.Empty(t, m.WaitForEdges())
	checkInvariants(t, m)
}

func TestCrossedUpgradesDeadlock(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()
	p1 := pageN(1)
	p2 := pageN(2)

	// A reads P1, B reads P2, A wants to write P2, B wants to write P1
	require.NoError(t, m.Acquire(ctx, 1, p1, PageLockShared))
	require.NoError(t, m.Acquire(ctx, 2, p2, PageLockShared))

	resA := acquireAsync(ctx, m, 1, p2, PageLockExclusive)
	waitForWaiters(t, m, p2, 1)

	err := m.Acquire(ctx, 2, p1, PageLockExclusive)
	require.ErrorIs(t, err, ErrDeadlock)
	require.ErrorIs(t, err, ErrTxnAborted)

	// the aborted request left nothing behind
	assert.Zero(t, m.WaitersCount(p1))
	assert.Equal(t, []WaitForEdge{{From: 1, To: 2}}, m.WaitForEdges())
	assert.Equal(t, PageLockShared, m.LockMode(2, p2).Unwrap())
	expectBlocked(t, resA, "A must keep waiting until B aborts")

	m.ReleaseAll(2)
	require.NoError(t, expectResult(t, resA, "A should complete once B aborted"))

	assert.Equal(t, PageLockExclusive, m.LockMode(1, p2).Unwrap())
	assert.Equal(t, PageLockShared, m.LockMode(1, p1).Unwrap())

	m.ReleaseAll(1)
	assert.Empty(t, m.WaitForEdges())
	assert.Empty(t, m.records)
}

func TestBothUpgradersOnSamePageDeadlock(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()
	p := pageN(1)

	require.NoError(t, m.Acquire(ctx, 1, p, PageLockShared))
	require.NoError(t, m.Acquire(ctx, 2, p, PageLockShared))

	res := acquireAsync(ctx, m, 1, p, PageLockExclusive)
	waitForWaiters(t, m, p, 1)

	require.ErrorIs(t, m.Acquire(ctx, 2, p, PageLockExclusive), ErrDeadlock)
	assert.True(t, m.Holds(2, p))

	m.ReleaseAll(2)
	require.NoError(t, expectResult(t, res, "surviving upgrader should be granted"))
	assert.Equal(t, PageLockExclusive, m.LockMode(1, p).Unwrap())
}

func TestThreeWayDeadlock(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()
	p1, p2, p3 := pageN(1), pageN(2), pageN(3)

	require.NoError(t, m.Acquire(ctx, 1, p1, PageLockExclusive))
	require.NoError(t, m.Acquire(ctx, 2, p2, PageLockExclusive))
	require.NoError(t, m.Acquire(ctx, 3, p3, PageLockExclusive))

	res1 := acquireAsync(ctx, m, 1, p2, PageLockShared)
	waitForWaiters(t, m, p2, 1)
	res2 := acquireAsync(ctx, m, 2, p3, PageLockExclusive)
	waitForWaiters(t, m, p3, 1)

	require.ErrorIs(t, m.Acquire(ctx, 3, p1, PageLockShared), ErrDeadlock)
	assert.Equal(t, []WaitForEdge{{From: 1, To: 2}, {From: 2, To: 3}}, m.WaitForEdges())

	m.ReleaseAll(3)
	require.NoError(t, expectResult(t, res2, "txn 2 should get page 3"))
	expectBlocked(t, res1, "txn 1 still waits for txn 2")

	m.ReleaseAll(2)
	require.NoError(t, expectResult(t, res1, "txn 1 should get page 2"))

	m.ReleaseAll(1)
	assert.Empty(t, m.WaitForEdges())
	assert.Empty(t, m.records)
	assert.Empty(t, m.txnPages)
}

func TestStarvationGuardBoundsNewReaders(t *testing.T) {
	m := newTestLockManager(WithStarvationThreshold(2))
	ctx := context.Background()
	p := pageN(1)

	require.NoError(t, m.Acquire(ctx, 1, p, PageLockShared))

	writer := acquireAsync(ctx, m, 10, p, PageLockExclusive)
	waitForWaiters(t, m, p, 1)

	require.NoError(t, m.Acquire(ctx, 2, p, PageLockShared))
	require.NoError(t, m.Acquire(ctx, 3, p, PageLockShared))

	err := m.Acquire(ctx, 4, p, PageLockShared)
	require.ErrorIs(t, err, ErrStarvation)
	require.ErrorIs(t, err, ErrTxnAborted)
	assert.False(t, m.Holds(4, p))

	// existing holders are not refused
	require.NoError(t, m.Acquire(ctx, 2, p, PageLockShared))

	assert.Equal(t, []WaitForEdge{
		{From: 10, To: 1},
		{From: 10, To: 2},
		{From: 10, To: 3},
	}, m.WaitForEdges())

	m.ReleaseAll(1)
	m.ReleaseAll(2)
	expectBlocked(t, writer, "writer waits for the last reader")
	m.ReleaseAll(3)

	require.NoError(t, expectResult(t, writer, "writer should be granted"))
	assert.Equal(t, []common.TxnID{10}, m.Holders(p))

	m.ReleaseAll(10)
	require.NoError(t, m.Acquire(ctx, 4, p, PageLockShared))
	require.NoError(t, m.Acquire(ctx, 5, p, PageLockShared))
	require.NoError(t, m.Acquire(ctx, 6, p, PageLockShared))
}

func TestStarvationGuardCanBeDisabled(t *testing.T) {
	m := newTestLockManager(WithStarvationThreshold(-1))
	ctx := context.Background()
	p := pageN(1)

	require.NoError(t, m.Acquire(ctx, 1, p, PageLockShared))
	writer := acquireAsync(ctx, m, 100, p, PageLockExclusive)
	waitForWaiters(t, m, p, 1)

	for i := common.TxnID(2); i < 20; i++ {
		require.NoError(t, m.Acquire(ctx, i, p, PageLockShared))
	}

	for i := common.TxnID(1); i < 20; i++ {
		m.ReleaseAll(i)
	}
	require.NoError(t, expectResult(t, writer, "writer should be granted"))
}

func TestWriterIsNotStarvedByReaders(t *testing.T) {
	m := newTestLockManager()
	p := pageN(1)

	var nextTxn atomic.Uint64
	nextTxn.Store(1000)

	stop := make(chan struct{})
	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for {
				select {
				case <-stop:
					return
				default:
				}

				txnID := common.TxnID(nextTxn.Add(1))
				err := m.Acquire(context.Background(), txnID, p, PageLockShared)
				if err == nil {
					time.Sleep(time.Millisecond)
				} else {
					assert.ErrorIs(t, err, ErrStarvation)
				}
				m.ReleaseAll(txnID)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.Acquire(ctx, 1, p, PageLockExclusive))
	assert.Equal(t, []common.TxnID{1}, m.Holders(p))
	m.ReleaseAll(1)

	close(stop)
	wg.Wait()

	assert.Empty(t, m.WaitForEdges())
	assert.Empty(t, m.records)
}

func TestCancelledWaitLeavesNoTrace(t *testing.T) {
	m := newTestLockManager()
	p := pageN(1)

	require.NoError(t, m.Acquire(context.Background(), 1, p, PageLockExclusive))

	ctx, cancel := context.WithCancel(context.Background())
	res := acquireAsync(ctx, m, 2, p, PageLockExclusive)
	waitForWaiters(t, m, p, 1)

	cancel()
	err := expectResult(t, res, "cancelled request should return")
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrTxnAborted)

	assert.Zero(t, m.WaitersCount(p))
	assert.Empty(t, m.WaitForEdges())
	assert.False(t, m.Holds(2, p))
	assert.Empty(t, m.LockedPages(2))

	m.mu.Lock()
	assert.Zero(t, m.records[p].waitingWriters)
	m.mu.Unlock()

	checkInvariants(t, m)
}

func TestReleaseAllClearsEverything(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()

	for i := range uint64(10) {
		mode := PageLockShared
		if i%2 == 0 {
			mode = PageLockExclusive
		}
		require.NoError(t, m.Acquire(ctx, 1, pageN(i), mode))
	}
	require.NoError(t, m.Acquire(ctx, 2, pageN(1), PageLockShared))
	assert.Len(t, m.LockedPages(1), 10)

	m.ReleaseAll(1)

	for i := range uint64(10) {
		assert.False(t, m.Holds(1, pageN(i)))
		assert.True(t, m.LockMode(1, pageN(i)).IsNone())
	}
	assert.Empty(t, m.LockedPages(1))
	assert.True(t, m.Holds(2, pageN(1)))
	assert.Len(t, m.records, 1)

	require.NotPanics(t, func() {
		m.ReleaseAll(1)
		m.ReleaseAll(42)
		m.Release(42, pageN(7))
		m.Release(2, pageN(5))
	})

	m.Release(2, pageN(1))
	m.Release(2, pageN(1))
	assert.Empty(t, m.records)
	assert.Empty(t, m.txnPages)
}

func TestReleaseWakesSoleRemainingUpgrader(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()
	p := pageN(1)

	require.NoError(t, m.Acquire(ctx, 1, p, PageLockShared))
	require.NoError(t, m.Acquire(ctx, 2, p, PageLockShared))

	res := acquireAsync(ctx, m, 2, p, PageLockExclusive)
	waitForWaiters(t, m, p, 1)

	m.Release(1, p)
	require.NoError(t, expectResult(t, res, "upgrade should follow the release"))
	assert.Equal(t, PageLockExclusive, m.LockMode(2, p).Unwrap())
}

func TestLockManagerStress(t *testing.T) {
	m := newTestLockManager()

	const (
		workers  = 16
		txnsEach = 50
		pages    = 8
	)

	var (
		nextTxn   atomic.Uint64
		deadlocks atomic.Int64
		commits   atomic.Int64
	)

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(seed))
			for range txnsEach {
				txnID := common.TxnID(nextTxn.Add(1))

				var err error
				for range 4 {
					mode := PageLockShared
					if rng.Intn(3) == 0 {
						mode = PageLockExclusive
					}

					err = m.Acquire(context.Background(), txnID, pageN(uint64(rng.Intn(pages))), mode)
					if err != nil {
						break
					}
				}

				if err != nil {
					if !assert.True(t, errors.Is(err, ErrTxnAborted), "unexpected error: %v", err) {
						return
					}
					deadlocks.Add(1)
				} else {
					commits.Add(1)
				}
				m.ReleaseAll(txnID)
			}
		}(int64(w))
	}
	wg.Wait()

	assert.Equal(t, int64(workers*txnsEach), deadlocks.Load()+commits.Load())
	assert.Empty(t, m.WaitForEdges())
	assert.Empty(t, m.records)
	assert.Empty(t, m.txnPages)
	assert.Equal(t, Stats{}, m.Stats())
}
