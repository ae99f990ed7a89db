package heap

import (
	"encoding/binary"
	"sync"

	"github.com/nainya/wiredb/internal/logger"
	"github.com/nainya/wiredb/internal/metrics"
	"github.com/nainya/wiredb/pkg/buffer"
	"github.com/nainya/wiredb/pkg/dbtypes"
	"github.com/nainya/wiredb/pkg/page"
	"github.com/nainya/wiredb/pkg/smgr"
	"github.com/nainya/wiredb/pkg/txn"
	"github.com/nainya/wiredb/pkg/wal"
)

// Heap is one table's storage: a sequence of item pages in a relation's
// main fork.
type Heap struct {
	ref    dbtypes.RelFileRef
	handle *smgr.Handle
	smgr   *smgr.Manager
	buf    *buffer.Manager
	wal    *wal.Manager
	status *txn.StatusTable
	log    *logger.Logger
	met    *metrics.Metrics

	mu         sync.Mutex
	insertHint dbtypes.PageNum
	hasHint    bool
}

// Create initializes a brand-new, empty heap relation on disk.
func Create(sm *smgr.Manager, ref dbtypes.RelFileRef, buf *buffer.Manager, w *wal.Manager, status *txn.StatusTable, log *logger.Logger, met *metrics.Metrics) (*Heap, error) {
	h := sm.Open(ref)
	if err := sm.Create(h, dbtypes.MainFork, false); err != nil {
		return nil, err
	}
	return &Heap{ref: ref, handle: h, smgr: sm, buf: buf, wal: w, status: status, log: log, met: met}, nil
}

// Open attaches to an existing heap relation.
func Open(sm *smgr.Manager, ref dbtypes.RelFileRef, buf *buffer.Manager, w *wal.Manager, status *txn.StatusTable, log *logger.Logger, met *metrics.Metrics) (*Heap, error) {
	h := sm.Open(ref)
	if err := sm.Create(h, dbtypes.MainFork, true); err != nil {
		return nil, err
	}
	return &Heap{ref: ref, handle: h, smgr: sm, buf: buf, wal: w, status: status, log: log, met: met}, nil
}

// insertRecord is the wire format of a HeapInsert WAL record:
// {rel.DB, rel.Rel, fork, page, offset, flags, minXID, data}. minXID rides
// along so replay can reconstruct the tuple header without any outside
// transaction context.
func encodeInsertRecord(ref dbtypes.RelFileRef, fork dbtypes.Fork, pageNum dbtypes.PageNum, offset uint16, flags Flags, minXID dbtypes.XID, data []byte) []byte {
	buf := make([]byte, 4+4+1+4+2+4+4+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ref.DB))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(ref.Rel))
	buf[8] = byte(fork)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(pageNum))
	binary.LittleEndian.PutUint16(buf[13:15], offset)
	binary.LittleEndian.PutUint32(buf[15:19], uint32(flags))
	binary.LittleEndian.PutUint32(buf[19:23], uint32(minXID))
	copy(buf[23:], data)
	return buf
}

// DecodeInsertRecord parses a HeapInsert WAL record, for the redo path.
func DecodeInsertRecord(buf []byte) (ref dbtypes.RelFileRef, fork dbtypes.Fork, pageNum dbtypes.PageNum, offset uint16, flags Flags, minXID dbtypes.XID, data []byte) {
	ref.DB = dbtypes.OID(binary.LittleEndian.Uint32(buf[0:4]))
	ref.Rel = dbtypes.OID(binary.LittleEndian.Uint32(buf[4:8]))
	fork = dbtypes.Fork(buf[8])
	pageNum = dbtypes.PageNum(binary.LittleEndian.Uint32(buf[9:13]))
	offset = binary.LittleEndian.Uint16(buf[13:15])
	flags = Flags(binary.LittleEndian.Uint32(buf[15:19]))
	minXID = dbtypes.XID(binary.LittleEndian.Uint32(buf[19:23]))
	data = buf[23:]
	return
}

func itemPageOf(fp buffer.FramePage) page.ItemPage {
	return page.NewItemPage(fp.Bytes()[page.LSNSize:])
}

// Insert serializes data as a new tuple owned by tx and appends it to the
// heap, choosing a target page via the advisory insert hint (spec §4.4).
func (h *Heap) Insert(tx *txn.Txn, data []byte) (dbtypes.ItemPointer, error) {
	tuple := Tuple{Flags: MaxInvalid, MinXID: tx.XID, MaxXID: dbtypes.InvalidXID, Data: data}
	encoded := encodeTuple(tuple)

	h.mu.Lock()
	hintPage, hasHint := h.insertHint, h.hasHint
	h.mu.Unlock()

	var fp buffer.FramePage
	var pageNum dbtypes.PageNum
	var err error

	if hasHint {
		fp, err = h.buf.FetchPage(h.handle, dbtypes.MainFork, hintPage)
		if err != nil {
			return dbtypes.InvalidItemPointer, err
		}
		ip := itemPageOf(fp)
		if ip.Lower() != 0 && ip.FreeSpace() >= len(encoded) {
			pageNum = hintPage
		} else {
			h.buf.Unpin(fp, false)
			hasHint = false
		}
	}
	if !hasHint {
		fp, pageNum, err = h.buf.NewPage(h.handle, dbtypes.MainFork)
		if err != nil {
			return dbtypes.InvalidItemPointer, err
		}
		itemPageOf(fp).Init()
	}

	ip := itemPageOf(fp)
	slot, err := ip.PutItem(encoded, 0, false)
	if err != nil {
		h.buf.Unpin(fp, false)
		return dbtypes.InvalidItemPointer, err
	}

	record := encodeInsertRecord(h.ref, dbtypes.MainFork, pageNum, slot, tuple.Flags, tuple.MinXID, data)
	lsn, err := h.wal.Append(wal.KindHeapInsert, record)
	if err != nil {
		h.buf.Unpin(fp, false)
		return dbtypes.InvalidItemPointer, err
	}
	page.SetLSN(fp.Bytes(), lsn)
	h.buf.Unpin(fp, true)

	h.mu.Lock()
	h.insertHint, h.hasHint = pageNum, true
	h.mu.Unlock()

	if h.met != nil {
		h.met.HeapInsertsTotal.Inc()
	}
	return dbtypes.ItemPointer{Page: pageNum, Offset: slot}, nil
}

// ApplyInsertRedo replays a HeapInsert record: it idempotently rewrites the
// page at the record's page number, skipping if the page's LSN already
// covers this record (spec §4.7's redo idempotence rule).
func (h *Heap) ApplyInsertRedo(lsn dbtypes.LSN, pageNum dbtypes.PageNum, offset uint16, flags Flags, minXID dbtypes.XID, data []byte) error {
	for {
		fp, err := h.buf.FetchPage(h.handle, dbtypes.MainFork, pageNum)
		if err != nil {
			newFP, _, ferr := h.buf.NewPage(h.handle, dbtypes.MainFork)
			if ferr != nil {
				return err
			}
			h.buf.Unpin(newFP, false)
			continue
		}
		if fp.LSN() >= lsn {
			h.buf.Unpin(fp, false)
			return nil
		}
		ip := itemPageOf(fp)
		if ip.Lower() == 0 {
			ip.Init()
		}
		tuple := Tuple{Flags: flags, MinXID: minXID, MaxXID: dbtypes.InvalidXID, Data: data}
		if _, err := ip.PutItem(encodeTuple(tuple), offset, false); err != nil {
			h.buf.Unpin(fp, false)
			return err
		}
		page.SetLSN(fp.Bytes(), lsn)
		h.buf.Unpin(fp, true)
		return nil
	}
}

// FetchByItemPointer pins the tuple's page, checks visibility under
// snapshot, and returns the tuple. The caller must call Release when done
// with the page pin this borrows from.
func (h *Heap) FetchByItemPointer(ip dbtypes.ItemPointer, snap *txn.Snapshot, selfXID dbtypes.XID) (Tuple, buffer.FramePage, bool, error) {
	fp, err := h.buf.FetchPage(h.handle, dbtypes.MainFork, ip.Page)
	if err != nil {
		return Tuple{}, buffer.FramePage{}, false, err
	}
	itemPage := itemPageOf(fp)
	if itemPage.ItemDead(ip.Offset) {
		h.buf.Unpin(fp, false)
		return Tuple{}, buffer.FramePage{}, false, nil
	}
	tuple := decodeTuple(itemPage.GetItem(ip.Offset))
	vis, newFlags, err := Visible(tuple, snap, selfXID, h.status)
	if err != nil {
		h.buf.Unpin(fp, false)
		return Tuple{}, buffer.FramePage{}, false, err
	}
	if newFlags != tuple.Flags {
		item := itemPage.GetItem(ip.Offset)
		encodeFlagsInto(item, newFlags)
		h.buf.MarkDirty(fp)
		tuple.Flags = newFlags
	}
	if !vis {
		h.buf.Unpin(fp, false)
		return Tuple{}, buffer.FramePage{}, false, nil
	}
	return tuple, fp, true, nil
}

// Release unpins a page borrowed by FetchByItemPointer or the scan
// iterator.
func (h *Heap) Release(fp buffer.FramePage) { h.buf.Unpin(fp, false) }

// NumPages returns the current size of the heap, in pages.
func (h *Heap) NumPages() (dbtypes.PageNum, error) {
	return h.smgr.FileSizeInPages(h.handle, dbtypes.MainFork)
}
