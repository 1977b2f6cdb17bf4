package catalog

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/SimpleDB/src/pkg/common"
)

const (
	ManifestName = "catalog.json"
	TableExt     = ".tbl"
)

var (
	ErrNoSuchTable = errors.New("no such table")
	ErrEmptyName   = errors.New("table name is empty")
	ErrBadManifest = errors.New("malformed catalog manifest")
	ErrForeignPath = errors.New("table file is outside of the data directory")
)

// FileRegistrar is the part of the page store that maps file ids to paths.
type FileRegistrar interface {
	InsertToFileMap(id common.FileID, path string)
	RemoveFromFileMap(id common.FileID)
}

type Table struct {
	ID   common.FileID
	Name string
	Path string
}

// Catalog maps table names to the page-store files that hold them. It is
// persisted as a manifest in the data directory and never takes part in
// page locking.
type Catalog struct {
	fs        afero.Fs
	dir       string
	registrar FileRegistrar

	mu     sync.RWMutex
	byName map[string]Table
	byID   map[common.FileID]Table
}

func New(fs afero.Fs, dir string, registrar FileRegistrar) *Catalog {
	return &Catalog{
		fs:        fs,
		dir:       filepath.Clean(dir),
		registrar: registrar,
		byName:    map[string]Table{},
		byID:      map[common.FileID]Table{},
	}
}

// FileIDFromPath derives a stable file id from the table file location.
func FileIDFromPath(path string) common.FileID {
	return common.FileID(xxhash.Sum64String(filepath.Clean(path)))
}

// CreateTable allocates a fresh empty file for the table and registers it.
func (c *Catalog) CreateTable(name string) (Table, error) {
	if name == "" {
		return Table{}, ErrEmptyName
	}

	if err := c.fs.MkdirAll(c.dir, 0o750); err != nil {
		return Table{}, errors.Wrapf(err, "create data dir %s", c.dir)
	}

	file := uuid.NewString() + TableExt
	path := filepath.Join(c.dir, file)

	f, err := c.fs.Create(path)
	if err != nil {
		return Table{}, errors.Wrapf(err, "create table file %s", path)
	}
	if err := f.Close(); err != nil {
		return Table{}, errors.Wrapf(err, "close table file %s", path)
	}

	return c.AddTable(name, file)
}

// AddTable registers an existing file under name. A name or a file that is
// already known is rebound: the newest registration wins.
func (c *Catalog) AddTable(name, path string) (Table, error) {
	if name == "" {
		return Table{}, ErrEmptyName
	}

	path = filepath.Clean(path)
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.dir, path)
	}

	if _, err := c.relPath(path); err != nil {
		return Table{}, err
	}

	t := Table{ID: FileIDFromPath(path), Name: name, Path: path}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := make([]Table, 0, len(c.byName)+1)
	for _, old := range c.byName {
		if old.Name != t.Name && old.ID != t.ID {
			next = append(next, old)
		}
	}
	next = append(next, t)

	if err := c.saveLocked(next); err != nil {
		return Table{}, err
	}

	if old, ok := c.byName[name]; ok {
		c.unbind(old)
	}
	if old, ok := c.byID[t.ID]; ok {
		c.unbind(old)
	}
	c.bind(t)

	return t, nil
}

func (c *Catalog) bind(t Table) {
	c.byName[t.Name] = t
	c.byID[t.ID] = t
	c.registrar.InsertToFileMap(t.ID, t.Path)
}

func (c *Catalog) unbind(t Table) {
	delete(c.byName, t.Name)
	delete(c.byID, t.ID)
	c.registrar.RemoveFromFileMap(t.ID)
}

func (c *Catalog) TableID(name string) (common.FileID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.byName[name]
	if !ok {
		return 0, errors.Wrapf(ErrNoSuchTable, "name %q", name)
	}

	return t.ID, nil
}

func (c *Catalog) TableName(id common.FileID) (string, error) {
	t, err := c.Table(id)
	return t.Name, err
}

func (c *Catalog) Path(id common.FileID) (string, error) {
	t, err := c.Table(id)
	return t.Path, err
}

func (c *Catalog) Table(id common.FileID) (Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.byID[id]
	if !ok {
		return Table{}, errors.Wrapf(ErrNoSuchTable, "id %d", id)
	}

	return t, nil
}

func (c *Catalog) Tables() []Table {
	c.mu.RLock()
	defer c.mu.RUnlock()

	res := make([]Table, 0, len(c.byName))
	for _, t := range c.byName {
		res = append(res, t)
	}
	slices.SortFunc(res, func(a, b Table) int {
		return strings.Compare(a.Name, b.Name)
	})

	return res
}

// Clear forgets every table. Table files are left on disk.
func (c *Catalog) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.saveLocked(nil); err != nil {
		return err
	}

	for _, t := range c.byID {
		c.unbind(t)
	}

	return nil
}

// Load reads the manifest from the data directory and registers every table
// listed there. A missing manifest means an empty catalog. Nothing is
// registered if any entry points outside of the data directory.
func (c *Catalog) Load() error {
	raw, err := afero.ReadFile(c.fs, c.manifestPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return errors.Wrap(err, "read catalog manifest")
	}

	tables, err := decodeManifest(raw)
	if err != nil {
		return err
	}

	loaded := make([]Table, 0, len(tables))
	for _, t := range tables {
		path := filepath.Join(c.dir, t.file)
		if _, err := c.relPath(path); err != nil {
			return errors.Wrapf(err, "manifest entry %q", t.name)
		}

		loaded = append(loaded, Table{ID: FileIDFromPath(path), Name: t.name, Path: path})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range loaded {
		c.bind(t)
	}

	return nil
}

func (c *Catalog) relPath(path string) (string, error) {
	rel, err := filepath.Rel(c.dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrForeignPath, "%s is not under %s", path, c.dir)
	}

	return rel, nil
}

func (c *Catalog) manifestPath() string {
	return filepath.Join(c.dir, ManifestName)
}

// saveLocked writes tables as the new manifest. The in-memory state is not
// touched.
func (c *Catalog) saveLocked(tables []Table) error {
	entries := make([]manifestEntry, 0, len(tables))
	for _, t := range tables {
		rel, err := c.relPath(t.Path)
		if err != nil {
			return err
		}
		entries = append(entries, manifestEntry{name: t.Name, file: rel})
	}
	slices.SortFunc(entries, func(a, b manifestEntry) int {
		return strings.Compare(a.name, b.name)
	})

	if err := c.fs.MkdirAll(c.dir, 0o750); err != nil {
		return errors.Wrapf(err, "create data dir %s", c.dir)
	}

	err := afero.WriteFile(c.fs, c.manifestPath(), encodeManifest(entries), 0o600)
	if err != nil {
		return errors.Wrap(err, "write catalog manifest")
	}

	return nil
}

type manifestEntry struct {
	name string
	file string
}

func encodeManifest(entries []manifestEntry) []byte {
	var e jx.Encoder
	e.SetIdent(2)

	e.Arr(func(e *jx.Encoder) {
		for _, entry := range entries {
			e.Obj(func(e *jx.Encoder) {
				e.Field("name", func(e *jx.Encoder) { e.Str(entry.name) })
				e.Field("file", func(e *jx.Encoder) { e.Str(entry.file) })
			})
		}
	})

	return e.Bytes()
}

func decodeManifest(raw []byte) ([]manifestEntry, error) {
	entries := []manifestEntry{}

	err := jx.DecodeBytes(raw).Arr(func(d *jx.Decoder) error {
		var entry manifestEntry

		err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "name":
				entry.name, err = d.Str()
			case "file":
				entry.file, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		})
		if err != nil {
			return err
		}

		if entry.name == "" || entry.file == "" {
			return errors.Wrapf(ErrBadManifest, "incomplete entry %+v", entry)
		}
		entries = append(entries, entry)

		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode catalog manifest")
	}

	return entries, nil
}
