// Package smgr implements the storage manager: it binds a (database,
// relation) pair to one file per fork and performs page-aligned I/O.
//
// Layout on disk: <root>/base/<db>/<relation-id>_<fork-number>.
package smgr

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nainya/wiredb/internal/logger"
	"github.com/nainya/wiredb/pkg/dbtypes"
)

// Handle is a lazily-opened, per-relation set of fork files.
type Handle struct {
	ref   dbtypes.RelFileRef
	mu    sync.Mutex
	files map[dbtypes.Fork]*os.File
}

func (h *Handle) Ref() dbtypes.RelFileRef { return h.ref }

// Manager owns every open Handle for the process.
type Manager struct {
	basePath string
	log      *logger.Logger

	mu       sync.Mutex
	handles  map[dbtypes.RelFileRef]*Handle
}

// New creates a storage manager rooted at basePath. basePath/base must be
// creatable; it is created lazily on first Create call.
func New(basePath string, log *logger.Logger) *Manager {
	return &Manager{
		basePath: basePath,
		log:      log,
		handles:  make(map[dbtypes.RelFileRef]*Handle),
	}
}

// Open resolves or creates the in-memory handle for ref. It does not touch
// the filesystem; fork files are opened lazily by Create/Read/Write.
func (m *Manager) Open(ref dbtypes.RelFileRef) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.handles[ref]; ok {
		return h
	}
	h := &Handle{ref: ref, files: make(map[dbtypes.Fork]*os.File)}
	m.handles[ref] = h
	return h
}

func (m *Manager) relDir(db dbtypes.OID) string {
	return filepath.Join(m.basePath, "base", fmt.Sprintf("%d", db))
}

func (m *Manager) forkPath(ref dbtypes.RelFileRef, fork dbtypes.Fork) string {
	return filepath.Join(m.relDir(ref.DB), fmt.Sprintf("%d_%d", ref.Rel, fork))
}

// Exists reports whether the fork file for (db, rel, fork) is present.
func (m *Manager) Exists(ref dbtypes.RelFileRef, fork dbtypes.Fork) bool {
	_, err := os.Stat(m.forkPath(ref, fork))
	return err == nil
}

// Create creates the fork file for h. When redo is true, an existing file
// is accepted (used by WAL replay re-creating a relation that already
// exists on disk).
func (m *Manager) Create(h *Handle, fork dbtypes.Fork, redo bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.files[fork]; ok {
		return nil
	}

	dir := m.relDir(h.ref.DB)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dbtypes.Wrap(dbtypes.KindFileAccess, "smgr.Create", "mkdir base dir", err)
	}

	path := m.forkPath(h.ref, fork)
	flags := os.O_RDWR | os.O_CREATE
	if !redo {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if os.IsExist(err) && redo {
			f, err = os.OpenFile(path, os.O_RDWR, 0o644)
		}
		if err != nil {
			return dbtypes.Wrap(dbtypes.KindFileAccess, "smgr.Create", "open fork file", err)
		}
	}
	h.files[fork] = f
	return nil
}

func (m *Manager) fileFor(h *Handle, fork dbtypes.Fork) (*os.File, error) {
	h.mu.Lock()
	f, ok := h.files[fork]
	h.mu.Unlock()
	if ok {
		return f, nil
	}
	if err := m.Create(h, fork, true); err != nil {
		return nil, err
	}
	h.mu.Lock()
	f = h.files[fork]
	h.mu.Unlock()
	return f, nil
}

// Read performs a full-page read at page pageNum into buf (len(buf) must be
// dbtypes.PageSize). Reading beyond EOF is DataCorrupted.
func (m *Manager) Read(h *Handle, fork dbtypes.Fork, pageNum dbtypes.PageNum, buf []byte) error {
	f, err := m.fileFor(h, fork)
	if err != nil {
		return err
	}
	off := int64(pageNum) * dbtypes.PageSize
	n, err := f.ReadAt(buf, off)
	if err != nil || n != len(buf) {
		if err != nil && err.Error() != "EOF" {
			return dbtypes.Wrap(dbtypes.KindIO, "smgr.Read", "read page", err)
		}
		return dbtypes.New(dbtypes.KindDataCorrupted, "smgr.Read",
			fmt.Sprintf("short read of page %d for %s fork %d", pageNum, h.ref, fork))
	}
	return nil
}

// Write performs a full-page write at page pageNum.
func (m *Manager) Write(h *Handle, fork dbtypes.Fork, pageNum dbtypes.PageNum, buf []byte) error {
	f, err := m.fileFor(h, fork)
	if err != nil {
		return err
	}
	off := int64(pageNum) * dbtypes.PageSize
	if _, err := f.WriteAt(buf, off); err != nil {
		return dbtypes.Wrap(dbtypes.KindIO, "smgr.Write", "write page", err)
	}
	return nil
}

// FileSizeInPages returns the number of pages currently in fork.
func (m *Manager) FileSizeInPages(h *Handle, fork dbtypes.Fork) (dbtypes.PageNum, error) {
	f, err := m.fileFor(h, fork)
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, dbtypes.Wrap(dbtypes.KindIO, "smgr.FileSizeInPages", "stat fork file", err)
	}
	return dbtypes.PageNum(info.Size() / dbtypes.PageSize), nil
}

// NewPage appends one zero-filled page and returns its page number.
func (m *Manager) NewPage(h *Handle, fork dbtypes.Fork) (dbtypes.PageNum, error) {
	n, err := m.FileSizeInPages(h, fork)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, dbtypes.PageSize)
	if err := m.Write(h, fork, n, buf); err != nil {
		return 0, err
	}
	return n, nil
}

// Truncate shrinks fork to nrPages pages.
func (m *Manager) Truncate(h *Handle, fork dbtypes.Fork, nrPages dbtypes.PageNum) error {
	f, err := m.fileFor(h, fork)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(nrPages) * dbtypes.PageSize); err != nil {
		return dbtypes.Wrap(dbtypes.KindIO, "smgr.Truncate", "truncate fork file", err)
	}
	return nil
}

// Sync fsyncs fork's file.
func (m *Manager) Sync(h *Handle, fork dbtypes.Fork) error {
	f, err := m.fileFor(h, fork)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return dbtypes.Wrap(dbtypes.KindIO, "smgr.Sync", "fsync fork file", err)
	}
	return nil
}

// Close closes every open fork file for h.
func (m *Manager) Close(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for fork, f := range h.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(h.files, fork)
	}
	return firstErr
}

// CloseAll closes every handle the manager has opened.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := m.Close(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
