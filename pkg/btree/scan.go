package btree

import (
	"github.com/nainya/wiredb/pkg/buffer"
	"github.com/nainya/wiredb/pkg/dbtypes"
)

// Predicate reports whether a key belongs in a scan's results. Range
// bounds ("k > 50") are expressed this way rather than as comparison
// operators the B-tree itself would need to understand.
type Predicate func(key []byte) bool

// Scan walks an index's leaf level left to right from a starting key,
// materializing one page's matching entries at a time (spec §4.5's scan
// iterator). Backward scans are bounded to the page the scan started on:
// once its items are exhausted the scan ends rather than following prev,
// matching the scope this index settled on for reverse iteration.
type Scan struct {
	bt        *BTree
	predicate Predicate
	dir       dbtypes.Direction

	fp      buffer.FramePage
	hasPage bool
	items   []IndexTuple
	idx     int
}

// NewScan positions a new scan at the leaf that would contain startKey,
// or the leftmost leaf if startKey is nil, and materializes that leaf's
// matching items.
func (bt *BTree) NewScan(startKey []byte, predicate Predicate, dir dbtypes.Direction) (*Scan, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	var fp buffer.FramePage
	var err error
	if startKey != nil {
		_, fp, err = bt.descend(startKey)
	} else {
		fp, err = bt.leftmostLeaf()
	}
	if err != nil {
		return nil, err
	}

	s := &Scan{bt: bt, predicate: predicate, dir: dir, fp: fp, hasPage: true}
	s.loadPage()
	return s, nil
}

// loadPage materializes the current page's matching tuples into items,
// resetting the scan's position within the page.
func (s *Scan) loadPage() {
	buf := s.fp.Bytes()
	ip := itemPage(buf)
	lo := firstKeyOffset(buf)
	n := ip.NumLinePointers()

	s.items = s.items[:0]
	for slot := lo; slot <= n; slot++ {
		item := ip.GetItem(slot)
		if item == nil {
			continue
		}
		tup := decodeIndexTuple(item)
		if s.predicate == nil || s.predicate(tup.Key) {
			s.items = append(s.items, tup)
		}
	}
	s.idx = 0
}

// Next returns the scan's next matching entry, or ok=false once it is
// exhausted.
func (s *Scan) Next() (IndexTuple, bool, error) {
	for {
		if s.idx < len(s.items) {
			t := s.items[s.idx]
			s.idx++
			return t, true, nil
		}
		if s.dir == dbtypes.Backward || !s.hasPage {
			return IndexTuple{}, false, nil
		}

		buf := s.fp.Bytes()
		if IsRightmost(buf) {
			s.bt.buf.Unpin(s.fp, false)
			s.hasPage = false
			return IndexTuple{}, false, nil
		}
		next := GetNext(buf)
		s.bt.buf.Unpin(s.fp, false)
		fp, err := s.bt.buf.FetchPage(s.bt.handle, dbtypes.MainFork, next)
		if err != nil {
			s.hasPage = false
			return IndexTuple{}, false, err
		}
		s.fp = fp
		s.loadPage()
	}
}

// Close releases the scan's current page pin, if any.
func (s *Scan) Close() {
	if s.hasPage {
		s.bt.buf.Unpin(s.fp, false)
		s.hasPage = false
	}
}
