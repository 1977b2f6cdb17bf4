package txns

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/Blackdeer1524/SimpleDB/src/pkg/assert"
	"github.com/Blackdeer1524/SimpleDB/src/pkg/common"
)

// lockRecord is the lock state of a single page. It is only touched while
// the owning LockManager's mutex is held.
type lockRecord struct {
	page common.PageIdentity

	// meaningful only while holders is not empty
	mode    PageLockMode
	holders mapset.Set[common.TxnID]

	// blocked transactions and the mode each of them asked for
	waiters        map[common.TxnID]PageLockMode
	waitingWriters int

	// shared grants handed out to newcomers while at least one writer waits
	readersPastWriter int

	// closed and replaced on every change a waiter might be interested in
	notify chan struct{}
}

func newLockRecord(page common.PageIdentity) *lockRecord {
	return &lockRecord{
		page:    page,
		mode:    PageLockShared,
		holders: mapset.NewThreadUnsafeSet[common.TxnID](),
		waiters: map[common.TxnID]PageLockMode{},
		notify:  make(chan struct{}),
	}
}

func (r *lockRecord) holderCount() int {
	return r.holders.Cardinality()
}

func (r *lockRecord) isFree() bool {
	return r.holders.Cardinality() == 0
}

func (r *lockRecord) unused() bool {
	return r.isFree() && len(r.waiters) == 0
}

func (r *lockRecord) covers(txnID common.TxnID, mode PageLockMode) bool {
	return r.holders.Contains(txnID) && r.mode.Covers(mode)
}

func (r *lockRecord) canGrant(txnID common.TxnID, mode PageLockMode) bool {
	if r.isFree() {
		return true
	}

	switch mode {
	case PageLockShared:
		return r.holders.Contains(txnID) || r.mode == PageLockShared
	case PageLockExclusive:
		return r.holderCount() == 1 && r.holders.Contains(txnID)
	}

	assert.Assert(false, "unknown lock mode %v", mode)
	return false
}

// grant records txnID as a holder in the given mode. An exclusive grant to
// the sole shared holder is an in-place upgrade: the holder set stays as is.
func (r *lockRecord) grant(txnID common.TxnID, mode PageLockMode) {
	assert.Assert(r.canGrant(txnID, mode),
		"granting %v on %v to txn %d while held %v by %v",
		mode, r.page, txnID, r.mode, r.holders.ToSlice())

	if r.isFree() {
		r.mode = mode
	} else if mode == PageLockExclusive {
		r.mode = PageLockExclusive
	}
	r.holders.Add(txnID)

	assert.Assert(r.mode != PageLockExclusive || r.holderCount() == 1,
		"exclusive lock on %v has %d holders", r.page, r.holderCount())
}

func (r *lockRecord) release(txnID common.TxnID) bool {
	if !r.holders.Contains(txnID) {
		return false
	}

	r.holders.Remove(txnID)
	if r.isFree() {
		r.mode = PageLockShared
	}

	return true
}

func (r *lockRecord) startWaiting(txnID common.TxnID, mode PageLockMode) {
	r.waiters[txnID] = mode
	if mode == PageLockExclusive {
		r.waitingWriters++
	}
}

func (r *lockRecord) stopWaiting(txnID common.TxnID, mode PageLockMode) {
	delete(r.waiters, txnID)
	if mode == PageLockExclusive {
		r.waitingWriters--
		assert.Assert(r.waitingWriters >= 0, "negative writer count on %v", r.page)
	}

	if r.waitingWriters == 0 {
		r.readersPastWriter = 0
	}
}

func (r *lockRecord) holdersExcept(txnID common.TxnID) []common.TxnID {
	res := make([]common.TxnID, 0, r.holderCount())
	r.holders.Each(func(h common.TxnID) bool {
		if h != txnID {
			res = append(res, h)
		}
		return false
	})

	return res
}

// blockedBy lists the waiters that cannot proceed while holder keeps its
// current lock on the page.
func (r *lockRecord) blockedBy(holder common.TxnID) []common.TxnID {
	res := []common.TxnID{}
	for w, wantMode := range r.waiters {
		if w != holder && !wantMode.Compatible(r.mode) {
			res = append(res, w)
		}
	}

	return res
}

func (r *lockRecord) broadcast() {
	close(r.notify)
	r.notify = make(chan struct{})
}
