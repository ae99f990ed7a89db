// Package txn implements the transaction manager: XID allocation, the
// per-XID status table (a two-bits-per-XID paged bitmap), and snapshot
// construction for MVCC visibility.
package txn

import (
	"container/list"
	"os"
	"sync"

	"github.com/nainya/wiredb/internal/logger"
	"github.com/nainya/wiredb/pkg/dbtypes"
	"github.com/nainya/wiredb/pkg/wal"
)

// Status is the two-bit transaction status recorded in the status table.
type Status uint8

const (
	StatusInProgress Status = iota
	StatusCommitted
	StatusAborted
	// StatusError marks an XID recovery found still InProgress with
	// no commit record in the log: it crashed before committing. Kept
	// distinct from an explicit StatusAborted for diagnostics; visibility
	// treats both identically (anything not StatusCommitted is invisible).
	StatusError
)

// entriesPerPage is PAGE_SIZE*4: two bits per XID packs four entries per
// byte, and status-table pages carry no LSN header (spec §4.6: "page index
// = XID div (PAGE_SIZE*4)").
const entriesPerPage = dbtypes.PageSize * 4

func pageIndex(xid dbtypes.XID) dbtypes.PageNum { return dbtypes.PageNum(uint32(xid) / entriesPerPage) }

func bitPos(xid dbtypes.XID) (byteIdx int, shift uint) {
	within := uint32(xid) % entriesPerPage
	return int(within / 4), uint(within%4) * 2
}

type statusPage struct {
	pageNum dbtypes.PageNum
	buf     []byte
	dirty   bool
	elem    *list.Element
}

// StatusTable is the status bitmap, backed by a single file
// ("txn/txn_log") and cached through a small write-back LRU — deliberately
// separate from the main buffer pool (spec §5: its own contended mutex).
type StatusTable struct {
	path string
	file *os.File
	wal  *wal.Manager
	log  *logger.Logger

	mu       sync.Mutex
	cache    map[dbtypes.PageNum]*statusPage
	lru      *list.List
	capacity int

	highestPage dbtypes.PageNum
	haveAny     bool
}

// NewStatusTable creates a status table backed by the file at path, with an
// LRU page cache of the given capacity.
func NewStatusTable(path string, w *wal.Manager, log *logger.Logger, capacity int) *StatusTable {
	return &StatusTable{
		path:     path,
		wal:      w,
		log:      log,
		cache:    make(map[dbtypes.PageNum]*statusPage),
		lru:      list.New(),
		capacity: capacity,
	}
}

// Open opens (creating if necessary) the status table's backing file.
func (t *StatusTable) Open() error {
	f, err := os.OpenFile(t.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return dbtypes.Wrap(dbtypes.KindFileAccess, "txn.StatusTable.Open", "open status table file", err)
	}
	t.file = f
	info, err := f.Stat()
	if err != nil {
		return dbtypes.Wrap(dbtypes.KindIO, "txn.StatusTable.Open", "stat status table file", err)
	}
	if info.Size() > 0 {
		t.haveAny = true
		t.highestPage = dbtypes.PageNum(info.Size()/dbtypes.PageSize) - 1
	}
	return nil
}

// ExtendForXID ensures the status-table page covering xid exists, writing a
// TxnTableZeroPage WAL record and a zero page to disk the first time an XID
// crosses into a new page (spec §4.6).
func (t *StatusTable) ExtendForXID(xid dbtypes.XID) error {
	want := pageIndex(xid)

	t.mu.Lock()
	if t.haveAny && want <= t.highestPage {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	zero := make([]byte, dbtypes.PageSize)
	if t.wal != nil {
		payload := make([]byte, 4)
		putUint32(payload, uint32(want))
		if _, err := t.wal.Append(wal.KindTxnZeroPage, payload); err != nil {
			return err
		}
	}
	if _, err := t.file.WriteAt(zero, int64(want)*dbtypes.PageSize); err != nil {
		return dbtypes.Wrap(dbtypes.KindIO, "txn.ExtendForXID", "zero-extend status table", err)
	}

	t.mu.Lock()
	t.highestPage = want
	t.haveAny = true
	t.mu.Unlock()
	return nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func (t *StatusTable) load(pn dbtypes.PageNum) (*statusPage, error) {
	if sp, ok := t.cache[pn]; ok {
		t.lru.MoveToBack(sp.elem)
		return sp, nil
	}

	buf := make([]byte, dbtypes.PageSize)
	if _, err := t.file.ReadAt(buf, int64(pn)*dbtypes.PageSize); err != nil {
		return nil, dbtypes.Wrap(dbtypes.KindIO, "txn.StatusTable.load", "read status page", err)
	}
	sp := &statusPage{pageNum: pn, buf: buf}
	sp.elem = t.lru.PushBack(pn)
	t.cache[pn] = sp

	if t.lru.Len() > t.capacity {
		t.evictOldestLocked()
	}
	return sp, nil
}

func (t *StatusTable) evictOldestLocked() {
	front := t.lru.Front()
	if front == nil {
		return
	}
	pn := front.Value.(dbtypes.PageNum)
	sp := t.cache[pn]
	if sp.dirty {
		t.file.WriteAt(sp.buf, int64(pn)*dbtypes.PageSize)
	}
	t.lru.Remove(front)
	delete(t.cache, pn)
}

// SetStatus stores status for xid.
func (t *StatusTable) SetStatus(xid dbtypes.XID, status Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pn := pageIndex(xid)
	sp, err := t.load(pn)
	if err != nil {
		return err
	}
	byteIdx, shift := bitPos(xid)
	sp.buf[byteIdx] = (sp.buf[byteIdx] &^ (0b11 << shift)) | (byte(status) << shift)
	sp.dirty = true
	return nil
}

// GetStatus reads status for xid.
func (t *StatusTable) GetStatus(xid dbtypes.XID) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pn := pageIndex(xid)
	sp, err := t.load(pn)
	if err != nil {
		return StatusInProgress, err
	}
	byteIdx, shift := bitPos(xid)
	return Status((sp.buf[byteIdx] >> shift) & 0b11), nil
}

// FlushAll writes every dirty cached page back to disk, used by checkpoint
// and shutdown.
func (t *StatusTable) FlushAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pn, sp := range t.cache {
		if !sp.dirty {
			continue
		}
		if _, err := t.file.WriteAt(sp.buf, int64(pn)*dbtypes.PageSize); err != nil {
			return dbtypes.Wrap(dbtypes.KindIO, "txn.StatusTable.FlushAll", "write status page", err)
		}
		sp.dirty = false
	}
	return t.file.Sync()
}

// Close flushes and closes the backing file.
func (t *StatusTable) Close() error {
	if err := t.FlushAll(); err != nil {
		return err
	}
	return t.file.Close()
}
