package common

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type FileID uint64
type PageID uint64

// TxnID is a monotonically increasing counter unique between transactions.
// NilTxnID is never handed out.
type TxnID uint64

const NilTxnID TxnID = 0

// PageIdentity names a page: the table file it lives in and its page number.
// It is the key of every lock record and every buffer pool frame.
type PageIdentity struct {
	FileID FileID
	PageID PageID
}

const SerializedPageIdentitySize = 16

func (p PageIdentity) String() string {
	return fmt.Sprintf("%d:%d", p.FileID, p.PageID)
}

func (p PageIdentity) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, p.FileID)
	_ = binary.Write(buf, binary.BigEndian, p.PageID)

	return buf.Bytes(), nil
}

func (p *PageIdentity) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)
	if err := binary.Read(rd, binary.BigEndian, &p.FileID); err != nil {
		return err
	}

	return binary.Read(rd, binary.BigEndian, &p.PageID)
}
