package heap

import (
	"github.com/nainya/wiredb/pkg/buffer"
	"github.com/nainya/wiredb/pkg/dbtypes"
	"github.com/nainya/wiredb/pkg/txn"
)

// Scan walks a heap's tuples forward or backward, wrapping around the
// relation and stopping when it returns to its start page (spec §4.4).
type Scan struct {
	h    *Heap
	snap *txn.Snapshot
	self dbtypes.XID
	dir  dbtypes.Direction

	numPages  dbtypes.PageNum
	startPage dbtypes.PageNum
	maxPages  int // 0 means unbounded

	curPage    dbtypes.PageNum
	pagesSeen  int
	curFP      buffer.FramePage
	haveFP     bool
	curOffset  uint16 // next offset to examine on curPage
	pageNumPtr uint16 // cached NumLinePointers() for curPage
	done       bool
}

// NewScan begins a scan. startPage defaults to 0 for Forward; for Backward
// a startPage of 0 means the last page. maxPages bounds how many pages the scan
// will visit; 0 means unbounded (subject to wraparound back to startPage).
func (h *Heap) NewScan(snap *txn.Snapshot, self dbtypes.XID, dir dbtypes.Direction, startPage dbtypes.PageNum, maxPages int) (*Scan, error) {
	numPages, err := h.NumPages()
	if err != nil {
		return nil, err
	}
	if dir == dbtypes.Backward && startPage == 0 && numPages > 0 {
		startPage = numPages - 1
	}
	s := &Scan{h: h, snap: snap, self: self, dir: dir, numPages: numPages, startPage: startPage, maxPages: maxPages}
	if h.met != nil {
		dirName := "forward"
		if dir == dbtypes.Backward {
			dirName = "backward"
		}
		h.met.HeapScansTotal.WithLabelValues(dirName).Inc()
	}
	if numPages == 0 {
		s.done = true
		return s, nil
	}
	s.curPage = startPage
	if err := s.loadPage(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scan) loadPage() error {
	fp, err := s.h.buf.FetchPage(s.h.handle, dbtypes.MainFork, s.curPage)
	if err != nil {
		return err
	}
	s.curFP = fp
	s.haveFP = true
	ip := itemPageOf(fp)
	s.pageNumPtr = ip.NumLinePointers()
	if s.dir == dbtypes.Forward {
		s.curOffset = 1
	} else {
		s.curOffset = s.pageNumPtr
	}
	s.pagesSeen++
	return nil
}

func (s *Scan) releasePage() {
	if s.haveFP {
		s.h.buf.Unpin(s.curFP, false)
		s.haveFP = false
	}
}

func (s *Scan) advancePage() (bool, error) {
	s.releasePage()

	if s.maxPages > 0 && s.pagesSeen >= s.maxPages {
		return false, nil
	}

	if s.dir == dbtypes.Forward {
		s.curPage = dbtypes.PageNum((uint32(s.curPage) + 1) % uint32(s.numPages))
	} else {
		s.curPage = dbtypes.PageNum((uint32(s.curPage) + uint32(s.numPages) - 1) % uint32(s.numPages))
	}
	if s.curPage == s.startPage {
		return false, nil
	}

	if err := s.loadPage(); err != nil {
		return false, err
	}
	return true, nil
}

// Next returns the next visible tuple, its item pointer, and a FramePage
// pinning the page it lives on (the caller must call Heap.Release on it).
// ok is false once the scan is exhausted.
func (s *Scan) Next() (Tuple, dbtypes.ItemPointer, buffer.FramePage, bool, error) {
	if s.done {
		return Tuple{}, dbtypes.ItemPointer{}, buffer.FramePage{}, false, nil
	}

	for {
		for (s.dir == dbtypes.Forward && s.curOffset <= s.pageNumPtr) ||
			(s.dir == dbtypes.Backward && s.curOffset >= 1) {

			offset := s.curOffset
			if s.dir == dbtypes.Forward {
				s.curOffset++
			} else {
				s.curOffset--
			}

			ip := itemPageOf(s.curFP)
			if ip.ItemDead(offset) {
				continue
			}
			tuple := decodeTuple(ip.GetItem(offset))
			vis, newFlags, err := Visible(tuple, s.snap, s.self, s.h.status)
			if err != nil {
				return Tuple{}, dbtypes.ItemPointer{}, buffer.FramePage{}, false, err
			}
			if newFlags != tuple.Flags {
				item := ip.GetItem(offset)
				encodeFlagsInto(item, newFlags)
				s.h.buf.MarkDirty(s.curFP)
				tuple.Flags = newFlags
			}
			if !vis {
				continue
			}

			point := dbtypes.ItemPointer{Page: s.curPage, Offset: offset}
			// The scan keeps its own pin on curFP for as long as it stays on
			// this page; add a second pin for the copy handed to the caller,
			// who releases it independently via Heap.Release.
			s.h.buf.Pin(s.curFP)
			return tuple, point, s.curFP, true, nil
		}

		more, err := s.advancePage()
		if err != nil {
			return Tuple{}, dbtypes.ItemPointer{}, buffer.FramePage{}, false, err
		}
		if !more {
			s.done = true
			return Tuple{}, dbtypes.ItemPointer{}, buffer.FramePage{}, false, nil
		}
	}
}

// Close releases the scan's current page pin, if any. Safe to call after
// Next has already returned ok=false.
func (s *Scan) Close() {
	s.releasePage()
	s.done = true
}
