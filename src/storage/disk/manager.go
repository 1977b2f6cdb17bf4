package disk

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/SimpleDB/src/pkg/common"
	"github.com/Blackdeer1524/SimpleDB/src/storage/page"
)

const PageSize = page.PageSize

var (
	ErrUnknownFile    = errors.New("file is not registered")
	ErrPageOutOfRange = errors.New("page is out of file range")
	ErrBadPageSize    = errors.New("page image has wrong size")
)

// Manager is the page store: every registered file is a heap of
// PageSize-byte pages, page N living at offset N*PageSize.
type Manager struct {
	fs afero.Fs

	// RLock for page I/O and lookups, Lock for the file map and for
	// appending pages
	mu           sync.RWMutex
	fileIDToPath map[common.FileID]string
}

func New(fs afero.Fs) *Manager {
	return &Manager{
		fs:           fs,
		fileIDToPath: map[common.FileID]string{},
	}
}

func (m *Manager) InsertToFileMap(id common.FileID, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fileIDToPath[id] = filepath.Clean(path)
}

func (m *Manager) RemoveFromFileMap(id common.FileID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.fileIDToPath, id)
}

func (m *Manager) path(id common.FileID) (string, error) {
	path, ok := m.fileIDToPath[id]
	if !ok {
		return "", errors.Wrapf(ErrUnknownFile, "fileID %d", id)
	}

	return path, nil
}

func (m *Manager) numPages(path string) (uint64, error) {
	info, err := m.fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, errors.Wrapf(err, "stat %s", path)
	}

	//nolint:gosec
	return uint64(info.Size()) / PageSize, nil
}

func (m *Manager) NumPages(id common.FileID) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	path, err := m.path(id)
	if err != nil {
		return 0, err
	}

	return m.numPages(path)
}

func (m *Manager) ReadPage(pageIdent common.PageIdentity) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	path, err := m.path(pageIdent.FileID)
	if err != nil {
		return nil, err
	}

	if err := m.checkRange(path, pageIdent); err != nil {
		return nil, err
	}

	file, err := m.fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer file.Close()

	//nolint:gosec
	offset := int64(uint64(pageIdent.PageID) * PageSize)
	data := make([]byte, PageSize)

	if _, err := file.ReadAt(data, offset); err != nil {
		return nil, errors.Wrapf(err, "read page %v", pageIdent)
	}

	return data, nil
}

func (m *Manager) WritePage(pageIdent common.PageIdentity, data []byte) error {
	if len(data) != PageSize {
		return errors.Wrapf(ErrBadPageSize, "got %d bytes for page %v", len(data), pageIdent)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	path, err := m.path(pageIdent.FileID)
	if err != nil {
		return err
	}

	if err := m.checkRange(path, pageIdent); err != nil {
		return err
	}

	return m.writeAt(path, pageIdent, data)
}

// AllocatePage appends a zeroed page to the file, creating the file if it
// does not exist yet.
func (m *Manager) AllocatePage(fileID common.FileID) (common.PageIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.path(fileID)
	if err != nil {
		return common.PageIdentity{}, err
	}

	n, err := m.numPages(path)
	if err != nil {
		return common.PageIdentity{}, err
	}

	ident := common.PageIdentity{FileID: fileID, PageID: common.PageID(n)}
	if err := m.writeAt(path, ident, make([]byte, PageSize)); err != nil {
		return common.PageIdentity{}, err
	}

	return ident, nil
}

func (m *Manager) checkRange(path string, pageIdent common.PageIdentity) error {
	n, err := m.numPages(path)
	if err != nil {
		return err
	}

	if uint64(pageIdent.PageID) >= n {
		return errors.Wrapf(
			ErrPageOutOfRange,
			"page %v, file has %d pages",
			pageIdent,
			n,
		)
	}

	return nil
}

func (m *Manager) writeAt(path string, pageIdent common.PageIdentity, data []byte) error {
	file, err := m.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer file.Close()

	//nolint:gosec
	offset := int64(uint64(pageIdent.PageID) * PageSize)
	if _, err := file.WriteAt(data, offset); err != nil {
		return errors.Wrapf(err, "write page %v", pageIdent)
	}

	return file.Sync()
}
