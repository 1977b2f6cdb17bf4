package query

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/SimpleDB/src/pkg/common"
	"github.com/Blackdeer1524/SimpleDB/src/storage/page"
	"github.com/Blackdeer1524/SimpleDB/src/txns"
)

var (
	ErrIllegalState = errors.New("scan is not open")
	ErrNoMorePages  = errors.New("scan has no more pages")
)

type PageFetcher interface {
	Fetch(
		ctx context.Context,
		txnID common.TxnID,
		pageIdent common.PageIdentity,
		mode txns.PageLockMode,
	) (*page.Page, error)
	Unpin(pageIdent common.PageIdentity) error
}

type PageCounter interface {
	NumPages(fileID common.FileID) (uint64, error)
}

type scanState int

const (
	scanCreated scanState = iota
	scanOpen
	scanClosed
)

type ScannedPage struct {
	Ident common.PageIdentity
	Page  *page.Page
}

// SeqScan walks every page of a table in page order on behalf of one
// transaction. Each page is read under a shared lock that, as with any other
// lock, is kept until the transaction ends.
type SeqScan struct {
	pool    PageFetcher
	counter PageCounter

	txnID  common.TxnID
	fileID common.FileID

	state    scanState
	numPages uint64
	next     uint64
}

func NewSeqScan(
	pool PageFetcher,
	counter PageCounter,
	txnID common.TxnID,
	fileID common.FileID,
) *SeqScan {
	return &SeqScan{
		pool:    pool,
		counter: counter,
		txnID:   txnID,
		fileID:  fileID,
	}
}

// Open fixes the number of pages to visit. Pages appended afterwards are not
// seen until Rewind.
func (s *SeqScan) Open() error {
	if s.state == scanClosed {
		return errors.Wrap(ErrIllegalState, "open after close")
	}

	if err := s.countPages(); err != nil {
		return err
	}
	s.state = scanOpen

	return nil
}

func (s *SeqScan) countPages() error {
	n, err := s.counter.NumPages(s.fileID)
	if err != nil {
		return errors.Wrapf(err, "count pages of file %d", s.fileID)
	}

	s.numPages = n
	s.next = 0

	return nil
}

func (s *SeqScan) HasNext() (bool, error) {
	if s.state != scanOpen {
		return false, ErrIllegalState
	}

	return s.next < s.numPages, nil
}

// Next returns a private copy of the next page. Lock errors are returned as
// is and leave the scan position unchanged.
func (s *SeqScan) Next(ctx context.Context) (ScannedPage, error) {
	if s.state != scanOpen {
		return ScannedPage{}, ErrIllegalState
	}

	if s.next >= s.numPages {
		return ScannedPage{}, ErrNoMorePages
	}

	ident := common.PageIdentity{FileID: s.fileID, PageID: common.PageID(s.next)}

	p, err := s.pool.Fetch(ctx, s.txnID, ident, txns.PageLockShared)
	if err != nil {
		return ScannedPage{}, err
	}
	snapshot := p.Clone()

	if err := s.pool.Unpin(ident); err != nil {
		return ScannedPage{}, errors.Wrapf(err, "unpin %v", ident)
	}
	s.next++

	return ScannedPage{Ident: ident, Page: snapshot}, nil
}

func (s *SeqScan) Rewind() error {
	if s.state != scanOpen {
		return ErrIllegalState
	}

	return s.countPages()
}

func (s *SeqScan) Close() {
	s.state = scanClosed
}
