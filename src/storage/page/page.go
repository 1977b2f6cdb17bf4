package page

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/SimpleDB/src/pkg/assert"
)

const (
	PageSize     = 4096
	CellSize     = 8
	CellsPerPage = PageSize / CellSize
)

var ErrBadPageSize = errors.New("page image has wrong size")

// Page is an in-memory page image. The engine does not interpret its bytes;
// callers address it as an array of fixed-size big-endian cells.
type Page struct {
	data [PageSize]byte
}

func New() *Page {
	return &Page{}
}

func FromBytes(b []byte) (*Page, error) {
	p := New()
	if err := p.SetData(b); err != nil {
		return nil, err
	}

	return p, nil
}

// Data exposes the page image itself, not a copy.
func (p *Page) Data() []byte {
	return p.data[:]
}

func (p *Page) SetData(b []byte) error {
	if len(b) != PageSize {
		return errors.Wrapf(ErrBadPageSize, "got %d bytes", len(b))
	}

	copy(p.data[:], b)
	return nil
}

func (p *Page) Clone() *Page {
	c := *p
	return &c
}

func (p *Page) Cell(i int) uint64 {
	assert.Assert(i >= 0 && i < CellsPerPage, "cell %d is out of range", i)

	return binary.BigEndian.Uint64(p.data[i*CellSize:])
}

func (p *Page) SetCell(i int, v uint64) {
	assert.Assert(i >= 0 && i < CellsPerPage, "cell %d is out of range", i)

	binary.BigEndian.PutUint64(p.data[i*CellSize:], v)
}

func (p *Page) CellSum() uint64 {
	var sum uint64
	for i := range CellsPerPage {
		sum += p.Cell(i)
	}

	return sum
}

func (p *Page) Checksum() uint64 {
	return xxhash.Sum64(p.data[:])
}
