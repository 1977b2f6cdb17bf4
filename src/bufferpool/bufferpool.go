package bufferpool

import (
	"cmp"
	"context"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-faster/errors"
	"go.uber.org/multierr"

	"github.com/Blackdeer1524/SimpleDB/src"
	"github.com/Blackdeer1524/SimpleDB/src/pkg/assert"
	"github.com/Blackdeer1524/SimpleDB/src/pkg/common"
	"github.com/Blackdeer1524/SimpleDB/src/pkg/optional"
	"github.com/Blackdeer1524/SimpleDB/src/storage/page"
	"github.com/Blackdeer1524/SimpleDB/src/txns"
)

var (
	ErrIllegalState  = errors.New("buffer pool is closed")
	ErrNoFreeFrame   = errors.New("every frame is pinned or dirty")
	ErrNotResident   = errors.New("page is not in the buffer pool")
	ErrNotLocked     = errors.New("page is not exclusively locked by the transaction")
	ErrPageBusy      = errors.New("page is pinned or dirty")
	ErrLostDirtyPage = errors.New("closed with uncommitted dirty pages")
)

type Replacer interface {
	Pin(pageIdent common.PageIdentity)
	Unpin(pageIdent common.PageIdentity)
	ChooseVictim() (common.PageIdentity, error)
	GetSize() uint64
}

type PageStore interface {
	ReadPage(pageIdent common.PageIdentity) ([]byte, error)
	WritePage(pageIdent common.PageIdentity, data []byte) error
	AllocatePage(fileID common.FileID) (common.PageIdentity, error)
}

type Locker interface {
	Acquire(
		ctx context.Context,
		txnID common.TxnID,
		pageIdent common.PageIdentity,
		mode txns.PageLockMode,
	) error
	LockMode(txnID common.TxnID, pageIdent common.PageIdentity) optional.Optional[txns.PageLockMode]
	ReleaseAll(txnID common.TxnID)
}

type BufferPool interface {
	Fetch(
		ctx context.Context,
		txnID common.TxnID,
		pageIdent common.PageIdentity,
		mode txns.PageLockMode,
	) (*page.Page, error)
	Unpin(pageIdent common.PageIdentity) error
	MarkDirty(txnID common.TxnID, pageIdent common.PageIdentity) error
	CommitTxn(txnID common.TxnID) error
	AbortTxn(txnID common.TxnID) error
}

type frame struct {
	page      *page.Page
	pageIdent common.PageIdentity
	pinCount  int

	// the uncommitted transaction whose changes the page holds, if any
	dirtier common.TxnID
}

func (f *frame) evictable() bool {
	return f.pinCount == 0 && f.dirtier == common.NilTxnID
}

type Stats struct {
	Resident  int
	Pinned    int
	Dirty     int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Manager is the page cache. Every fetch goes through the lock manager
// first. Pages changed by a running transaction stay in memory until it
// commits (they are written back then) or aborts (they are re-read from the
// page store), so the page store only ever sees committed data.
type Manager struct {
	mu sync.Mutex

	frames      []frame
	pageToFrame map[common.PageIdentity]uint64
	emptyFrames []uint64
	dirtyPages  map[common.TxnID]mapset.Set[common.PageIdentity]
	closed      bool

	replacer Replacer
	store    PageStore
	locks    Locker

	stats   Stats
	metrics *poolMetrics
	log     src.Logger
}

var (
	_ BufferPool = &Manager{}
)

func New(
	poolSize uint64,
	replacer Replacer,
	store PageStore,
	locks Locker,
	log src.Logger,
) *Manager {
	assert.Assert(poolSize > 0, "pool size must be greater than zero")

	emptyFrames := make([]uint64, poolSize)
	for i := range poolSize {
		emptyFrames[i] = poolSize - 1 - i
	}

	return &Manager{
		frames:      make([]frame, poolSize),
		pageToFrame: make(map[common.PageIdentity]uint64),
		emptyFrames: emptyFrames,
		dirtyPages:  make(map[common.TxnID]mapset.Set[common.PageIdentity]),
		replacer:    replacer,
		store:       store,
		locks:       locks,
		metrics:     newPoolMetrics(log),
		log:         log,
	}
}

// Fetch locks the page for txnID in the given mode and returns it pinned.
// Lock manager errors (deadlock, starvation) are returned as is. The caller
// must Unpin the page when done with it.
func (m *Manager) Fetch(
	ctx context.Context,
	txnID common.TxnID,
	pageIdent common.PageIdentity,
	mode txns.PageLockMode,
) (*page.Page, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	if err := m.locks.Acquire(ctx, txnID, pageIdent, mode); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrIllegalState
	}

	if frameID, ok := m.pageToFrame[pageIdent]; ok {
		m.pin(frameID)
		m.stats.Hits++
		m.metrics.hit(ctx)

		return m.frames[frameID].page, nil
	}

	m.stats.Misses++
	m.metrics.miss(ctx)

	frameID, err := m.reserveFrame(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %v", pageIdent)
	}

	p, err := m.load(pageIdent)
	if err != nil {
		m.emptyFrames = append(m.emptyFrames, frameID)
		return nil, err
	}

	m.frames[frameID] = frame{
		page:      p,
		pageIdent: pageIdent,
		pinCount:  1,
	}
	m.pageToFrame[pageIdent] = frameID

	return p, nil
}

func (m *Manager) load(pageIdent common.PageIdentity) (*page.Page, error) {
	data, err := m.store.ReadPage(pageIdent)
	if err != nil {
		return nil, errors.Wrapf(err, "read page %v", pageIdent)
	}

	p, err := page.FromBytes(data)
	if err != nil {
		return nil, errors.Wrapf(err, "read page %v", pageIdent)
	}

	return p, nil
}

func (m *Manager) reserveFrame(ctx context.Context) (uint64, error) {
	if n := len(m.emptyFrames); n > 0 {
		frameID := m.emptyFrames[n-1]
		m.emptyFrames = m.emptyFrames[:n-1]

		return frameID, nil
	}

	victim, err := m.replacer.ChooseVictim()
	if err != nil {
		return 0, errors.Wrap(ErrNoFreeFrame, err.Error())
	}

	frameID, ok := m.pageToFrame[victim]
	assert.Assert(ok, "replacer returned non-resident page %v", victim)

	f := &m.frames[frameID]
	assert.Assert(f.evictable(),
		"victim %v is pinned (%d) or dirtied by txn %d", victim, f.pinCount, f.dirtier)

	delete(m.pageToFrame, victim)
	m.frames[frameID] = frame{}

	m.stats.Evictions++
	m.metrics.evicted(ctx)
	m.log.Debugw("evicted page", "page", victim, "frame", frameID)

	return frameID, nil
}

func (m *Manager) pin(frameID uint64) {
	f := &m.frames[frameID]
	f.pinCount++
	m.replacer.Pin(f.pageIdent)
}

func (m *Manager) Unpin(pageIdent common.PageIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrIllegalState
	}

	frameID, ok := m.pageToFrame[pageIdent]
	if !ok {
		return errors.Wrapf(ErrNotResident, "unpin %v", pageIdent)
	}

	f := &m.frames[frameID]
	assert.Assert(f.pinCount > 0, "page %v has already been unpinned", pageIdent)

	f.pinCount--
	m.makeEvictableIfPossible(f)

	return nil
}

func (m *Manager) makeEvictableIfPossible(f *frame) {
	if f.evictable() {
		m.replacer.Unpin(f.pageIdent)
	}
}

// MarkDirty records that txnID changed a pinned page. The page must be
// locked exclusively by txnID.
func (m *Manager) MarkDirty(txnID common.TxnID, pageIdent common.PageIdentity) error {
	mode := m.locks.LockMode(txnID, pageIdent)
	if mode.GetOr(txns.PageLockShared) != txns.PageLockExclusive {
		return errors.Wrapf(ErrNotLocked, "txn %d, page %v", txnID, pageIdent)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrIllegalState
	}

	frameID, ok := m.pageToFrame[pageIdent]
	if !ok {
		return errors.Wrapf(ErrNotResident, "mark dirty %v", pageIdent)
	}

	f := &m.frames[frameID]
	assert.Assert(f.pinCount > 0, "marking unpinned page %v as dirty", pageIdent)
	assert.Assert(f.dirtier == common.NilTxnID || f.dirtier == txnID,
		"page %v is dirtied by txn %d and txn %d at once", pageIdent, f.dirtier, txnID)

	if f.dirtier == txnID {
		return nil
	}

	f.dirtier = txnID
	m.replacer.Pin(pageIdent)

	pages, ok := m.dirtyPages[txnID]
	if !ok {
		pages = mapset.NewThreadUnsafeSet[common.PageIdentity]()
		m.dirtyPages[txnID] = pages
	}
	pages.Add(pageIdent)

	return nil
}

// NewPage appends a page to the file and returns it pinned and exclusively
// locked by txnID.
func (m *Manager) NewPage(
	ctx context.Context,
	txnID common.TxnID,
	fileID common.FileID,
) (*page.Page, common.PageIdentity, error) {
	if err := m.checkOpen(); err != nil {
		return nil, common.PageIdentity{}, err
	}

	pageIdent, err := m.store.AllocatePage(fileID)
	if err != nil {
		return nil, common.PageIdentity{}, errors.Wrapf(err, "allocate page in file %d", fileID)
	}

	p, err := m.Fetch(ctx, txnID, pageIdent, txns.PageLockExclusive)
	if err != nil {
		return nil, common.PageIdentity{}, err
	}

	return p, pageIdent, nil
}

// UpdatePage runs fn on the exclusively locked page and marks it dirty.
func (m *Manager) UpdatePage(
	ctx context.Context,
	txnID common.TxnID,
	pageIdent common.PageIdentity,
	fn func(p *page.Page) error,
) (err error) {
	p, err := m.Fetch(ctx, txnID, pageIdent, txns.PageLockExclusive)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, m.Unpin(pageIdent))
	}()

	if err := m.MarkDirty(txnID, pageIdent); err != nil {
		return err
	}

	return fn(p)
}

// ViewPage runs fn on the page under a shared lock.
func (m *Manager) ViewPage(
	ctx context.Context,
	txnID common.TxnID,
	pageIdent common.PageIdentity,
	fn func(p *page.Page) error,
) (err error) {
	p, err := m.Fetch(ctx, txnID, pageIdent, txns.PageLockShared)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, m.Unpin(pageIdent))
	}()

	return fn(p)
}

// CommitTxn writes every page dirtied by txnID to the page store and only
// then releases the transaction's locks. If a write fails the locks are kept
// and the transaction has to be aborted by the caller. Pages written before
// the failure are clean and abort leaves them as written.
func (m *Manager) CommitTxn(txnID common.TxnID) error {
	err := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.closed {
			return ErrIllegalState
		}

		for _, pageIdent := range m.sortedDirtyPages(txnID) {
			frameID, ok := m.pageToFrame[pageIdent]
			assert.Assert(ok, "dirty page %v is not resident", pageIdent)

			f := &m.frames[frameID]
			if err := m.store.WritePage(pageIdent, f.page.Data()); err != nil {
				return errors.Wrapf(err, "flush page %v of txn %d", pageIdent, txnID)
			}

			// only pages that still differ from the store stay in the set
			m.dirtyPages[txnID].Remove(pageIdent)
			m.markClean(txnID, f)
		}
		delete(m.dirtyPages, txnID)

		return nil
	}()
	if err != nil {
		return err
	}

	m.locks.ReleaseAll(txnID)

	return nil
}

// AbortTxn brings every page dirtied by txnID back to its page-store image
// and then releases the transaction's locks. A page that cannot be re-read
// is dropped from the pool instead. Locks are released in any case.
func (m *Manager) AbortTxn(txnID common.TxnID) error {
	err := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.closed {
			return ErrIllegalState
		}

		var errs error
		for _, pageIdent := range m.sortedDirtyPages(txnID) {
			frameID, ok := m.pageToFrame[pageIdent]
			assert.Assert(ok, "dirty page %v is not resident", pageIdent)

			f := &m.frames[frameID]

			data, err := m.store.ReadPage(pageIdent)
			if err == nil {
				err = f.page.SetData(data)
			}
			if err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "revert page %v", pageIdent))
				m.log.Warnw("dropping page that could not be reverted",
					"page", pageIdent,
					"txn", txnID,
					"error", err)
				m.dropFrame(frameID)

				continue
			}

			m.markClean(txnID, f)
		}
		delete(m.dirtyPages, txnID)

		return errs
	}()

	m.locks.ReleaseAll(txnID)

	return err
}

func (m *Manager) markClean(txnID common.TxnID, f *frame) {
	assert.Assert(f.dirtier == txnID,
		"page %v is dirtied by txn %d, not %d", f.pageIdent, f.dirtier, txnID)

	f.dirtier = common.NilTxnID
	m.makeEvictableIfPossible(f)
}

func (m *Manager) dropFrame(frameID uint64) {
	f := &m.frames[frameID]

	m.replacer.Pin(f.pageIdent)
	delete(m.pageToFrame, f.pageIdent)
	m.frames[frameID] = frame{}
	m.emptyFrames = append(m.emptyFrames, frameID)
}

func (m *Manager) sortedDirtyPages(txnID common.TxnID) []common.PageIdentity {
	pages, ok := m.dirtyPages[txnID]
	if !ok {
		return nil
	}

	res := pages.ToSlice()
	slices.SortFunc(res, func(a, b common.PageIdentity) int {
		if c := cmp.Compare(a.FileID, b.FileID); c != 0 {
			return c
		}
		return cmp.Compare(a.PageID, b.PageID)
	})

	return res
}

// DiscardPage removes a clean, unpinned page from the pool without writing
// it anywhere.
func (m *Manager) DiscardPage(pageIdent common.PageIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrIllegalState
	}

	frameID, ok := m.pageToFrame[pageIdent]
	if !ok {
		return nil
	}

	if !m.frames[frameID].evictable() {
		return errors.Wrapf(ErrPageBusy, "discard %v", pageIdent)
	}

	m.dropFrame(frameID)

	return nil
}

func (m *Manager) IsResident(pageIdent common.PageIdentity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.pageToFrame[pageIdent]
	return ok
}

func (m *Manager) IsDirty(pageIdent common.PageIdentity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, ok := m.pageToFrame[pageIdent]
	return ok && m.frames[frameID].dirtier != common.NilTxnID
}

func (m *Manager) PinCount(pageIdent common.PageIdentity) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, ok := m.pageToFrame[pageIdent]
	if !ok {
		return 0
	}

	return m.frames[frameID].pinCount
}

func (m *Manager) DirtyPages(txnID common.TxnID) []common.PageIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sortedDirtyPages(txnID)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.Resident = len(m.pageToFrame)
	for _, frameID := range m.pageToFrame {
		f := &m.frames[frameID]
		if f.pinCount > 0 {
			s.Pinned++
		}
		if f.dirtier != common.NilTxnID {
			s.Dirty++
		}
	}

	return s
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrIllegalState
	}

	return nil
}

// Close drops every frame. Pages still dirtied by running transactions are
// lost; their count is reported as an error.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	dirty := 0
	for _, pages := range m.dirtyPages {
		dirty += pages.Cardinality()
	}

	m.pageToFrame = map[common.PageIdentity]uint64{}
	m.dirtyPages = map[common.TxnID]mapset.Set[common.PageIdentity]{}
	clear(m.frames)

	if dirty > 0 {
		return errors.Wrapf(ErrLostDirtyPage, "%d pages", dirty)
	}

	return nil
}
