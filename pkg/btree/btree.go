package btree

import (
	"encoding/binary"
	"sync"

	"github.com/nainya/wiredb/internal/logger"
	"github.com/nainya/wiredb/internal/metrics"
	"github.com/nainya/wiredb/pkg/buffer"
	"github.com/nainya/wiredb/pkg/dbtypes"
	"github.com/nainya/wiredb/pkg/page"
	"github.com/nainya/wiredb/pkg/smgr"
	"github.com/nainya/wiredb/pkg/wal"
)

// metaPageNum is the fixed page number of the B-tree's meta page.
const metaPageNum dbtypes.PageNum = 0

// BTree is a Lehman-Yao right-linked B-tree: pages carry a high key and a
// right sibling pointer, so a reader that lands one page left of where a
// concurrent split moved its target key can always recover by following
// next (spec §4.5).
type BTree struct {
	ref    dbtypes.RelFileRef
	handle *smgr.Handle
	smgr   *smgr.Manager
	buf    *buffer.Manager
	wal    *wal.Manager
	log    *logger.Logger
	met    *metrics.Metrics
	cmp    CompareFunc

	// mu serializes every structural modification (insert, split,
	// new-root) against every other modification and against descents.
	// The buffer pool's pin count keeps a frame from being evicted but
	// is not a read-write latch; this single lock stands in for the
	// per-page latch-coupling the on-disk layout (right-links, high
	// keys) is shaped to support. See DESIGN.md.
	mu sync.RWMutex
}

// pathEntry records one step of a top-down descent: the internal page
// visited and the slot of the downlink that was followed from it.
type pathEntry struct {
	page dbtypes.PageNum
	slot uint16
}

// Create initializes a brand-new, empty index: a meta page at page 0
// pointing at a single empty leaf root at page 1.
func Create(sm *smgr.Manager, ref dbtypes.RelFileRef, buf *buffer.Manager, w *wal.Manager, log *logger.Logger, met *metrics.Metrics, cmp CompareFunc) (*BTree, error) {
	h := sm.Open(ref)
	if err := sm.Create(h, dbtypes.MainFork, false); err != nil {
		return nil, err
	}
	bt := &BTree{ref: ref, handle: h, smgr: sm, buf: buf, wal: w, log: log, met: met, cmp: cmp}

	metaFp, metaPN, err := buf.NewPage(h, dbtypes.MainFork)
	if err != nil {
		return nil, err
	}
	if metaPN != metaPageNum {
		buf.Unpin(metaFp, false)
		return nil, dbtypes.New(dbtypes.KindInvalidState, "btree.Create", "meta page must be allocated as page 0")
	}
	initMetaPage(metaFp.Bytes())

	rootFp, rootPN, err := buf.NewPage(h, dbtypes.MainFork)
	if err != nil {
		buf.Unpin(metaFp, false)
		return nil, err
	}
	initDataPage(rootFp.Bytes())
	AddFlags(rootFp.Bytes(), IsLeaf|IsRoot)
	buf.Unpin(rootFp, true)

	setMetaRoot(metaFp.Bytes(), rootPN)
	buf.Unpin(metaFp, true)

	return bt, nil
}

// Open attaches to an existing index relation.
func Open(sm *smgr.Manager, ref dbtypes.RelFileRef, buf *buffer.Manager, w *wal.Manager, log *logger.Logger, met *metrics.Metrics, cmp CompareFunc) (*BTree, error) {
	h := sm.Open(ref)
	if err := sm.Create(h, dbtypes.MainFork, true); err != nil {
		return nil, err
	}
	return &BTree{ref: ref, handle: h, smgr: sm, buf: buf, wal: w, log: log, met: met, cmp: cmp}, nil
}

func (bt *BTree) rootPageNum() (dbtypes.PageNum, error) {
	fp, err := bt.buf.FetchPage(bt.handle, dbtypes.MainFork, metaPageNum)
	if err != nil {
		return 0, err
	}
	defer bt.buf.Unpin(fp, false)
	if getMetaMagic(fp.Bytes()) != metaMagic {
		return 0, dbtypes.New(dbtypes.KindDataCorrupted, "btree.rootPageNum", "meta page magic mismatch")
	}
	return getMetaRoot(fp.Bytes()), nil
}

func (bt *BTree) setRootPageNum(root dbtypes.PageNum) error {
	fp, err := bt.buf.FetchPage(bt.handle, dbtypes.MainFork, metaPageNum)
	if err != nil {
		return err
	}
	setMetaRoot(fp.Bytes(), root)
	bt.buf.Unpin(fp, true)
	return nil
}

// binarySearchPage finds key's position among the real tuples of the page
// held in buf. On a leaf this is the slot to insert before (or, for an
// exact match, just past the last equal key). On an internal page this is
// the downlink to descend into: the search range is widened by one slot
// and then shifted back by one, because an internal page's leftmost real
// key is always treated as -infinity regardless of its stored bytes.
func binarySearchPage(buf []byte, isLeaf bool, key []byte, cmp CompareFunc) uint16 {
	ip := itemPage(buf)
	lo := int(firstKeyOffset(buf))
	hi := int(ip.NumLinePointers()) + 1 // exclusive upper bound

	rawSlot := hi
	for lo < hi {
		mid := lo + (hi-lo)/2
		var greater bool
		if !isLeaf && mid == int(firstKeyOffset(buf)) {
			greater = false // leftmost internal key is -infinity
		} else {
			stored := decodeIndexTuple(ip.GetItem(uint16(mid))).Key
			greater = cmp(stored, key) > 0
		}
		if greater {
			rawSlot = mid
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if isLeaf {
		return uint16(rawSlot)
	}
	return uint16(rawSlot - 1)
}

// moveRight follows right-links while key falls at or beyond the page's
// high key, recovering from a split that moved key's range to a right
// sibling after the caller decided to land on this page. fp is updated
// in place; the caller's existing pin is exchanged for a pin on whichever
// page the walk stops on.
func (bt *BTree) moveRight(fp *buffer.FramePage, key []byte) error {
	for {
		buf := fp.Bytes()
		if IsRightmost(buf) {
			return nil
		}
		highKey := decodeIndexTuple(itemPage(buf).GetItem(highKeyOffset())).Key
		if bt.cmp(key, highKey) < 0 {
			return nil
		}
		next := GetNext(buf)
		bt.buf.Unpin(*fp, false)
		nfp, err := bt.buf.FetchPage(bt.handle, dbtypes.MainFork, next)
		if err != nil {
			return err
		}
		*fp = nfp
	}
}

// descend walks from the root to the leaf whose range contains key,
// returning the (page, downlink-slot) pairs taken at each internal level
// and the pinned leaf frame.
func (bt *BTree) descend(key []byte) ([]pathEntry, buffer.FramePage, error) {
	root, err := bt.rootPageNum()
	if err != nil {
		return nil, buffer.FramePage{}, err
	}

	var path []pathEntry
	cur := root
	for {
		fp, err := bt.buf.FetchPage(bt.handle, dbtypes.MainFork, cur)
		if err != nil {
			return nil, buffer.FramePage{}, err
		}
		if err := bt.moveRight(&fp, key); err != nil {
			bt.buf.Unpin(fp, false)
			return nil, buffer.FramePage{}, err
		}

		buf := fp.Bytes()
		isLeaf, _ := pageType(buf)
		if isLeaf {
			return path, fp, nil
		}

		_, _, pn := fp.Tag()
		slot := binarySearchPage(buf, false, key, bt.cmp)
		child := downlink(decodeIndexTuple(itemPage(buf).GetItem(slot)))
		path = append(path, pathEntry{page: pn, slot: slot})
		bt.buf.Unpin(fp, false)
		cur = child
	}
}

// leftmostLeaf walks the leftmost downlink at every internal level,
// without regard to any search key, for scans that start at the
// beginning of the index.
func (bt *BTree) leftmostLeaf() (buffer.FramePage, error) {
	root, err := bt.rootPageNum()
	if err != nil {
		return buffer.FramePage{}, err
	}
	cur := root
	for {
		fp, err := bt.buf.FetchPage(bt.handle, dbtypes.MainFork, cur)
		if err != nil {
			return buffer.FramePage{}, err
		}
		buf := fp.Bytes()
		isLeaf, _ := pageType(buf)
		if isLeaf {
			return fp, nil
		}
		child := downlink(decodeIndexTuple(itemPage(buf).GetItem(firstKeyOffset(buf))))
		bt.buf.Unpin(fp, false)
		cur = child
	}
}

// Insert adds key -> target to the index, splitting and propagating a new
// root as needed.
func (bt *BTree) Insert(key []byte, target dbtypes.ItemPointer) error {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	path, leafFp, err := bt.descend(key)
	if err != nil {
		return err
	}
	slot := binarySearchPage(leafFp.Bytes(), true, key, bt.cmp)
	return bt.putOrSplit(leafFp, path, IndexTuple{Key: key, ItemPointer: target}, true, slot)
}

// putOrSplit inserts tuple at slot on the page pinned as fp if it fits,
// otherwise splits the page and propagates a downlink for the new right
// half up through path.
func (bt *BTree) putOrSplit(fp buffer.FramePage, path []pathEntry, tuple IndexTuple, isLeaf bool, slot uint16) error {
	encoded := encodeIndexTuple(tuple)
	ip := itemPage(fp.Bytes())

	if ip.FreeSpace() >= len(encoded) {
		if _, err := ip.PutItem(encoded, slot, false); err != nil {
			bt.buf.Unpin(fp, false)
			return err
		}
		_, _, pn := fp.Tag()
		lsn, err := bt.appendInsertRecord(pn, slot, encoded)
		if err != nil {
			bt.buf.Unpin(fp, false)
			return err
		}
		page.SetLSN(fp.Bytes(), lsn)
		bt.buf.Unpin(fp, true)
		if bt.met != nil {
			bt.met.BtreeInsertsTotal.Inc()
		}
		return nil
	}

	return bt.splitAndInsert(fp, path, tuple, isLeaf, slot)
}

// mergedEntry is one tuple's encoded bytes and decoded key, used while
// redistributing a page's contents across a split.
type mergedEntry struct {
	data []byte
	key  []byte
}

// splitAndInsert splits the page pinned as fp, placing tuple into whichever
// half its sort position lands in, relinks the new right page into the
// right-link chain, and propagates a downlink for it up through path
// (spec §4.5's split-then-link-up).
func (bt *BTree) splitAndInsert(fp buffer.FramePage, path []pathEntry, tuple IndexTuple, isLeaf bool, slot uint16) error {
	_, _, oldPN := fp.Tag()
	oldBuf := fp.Bytes()

	firstKey := firstKeyOffset(oldBuf)
	n := itemPage(oldBuf).NumLinePointers()
	wasRightmost := IsRightmost(oldBuf)
	oldPrev := GetPrev(oldBuf)
	oldNext := GetNext(oldBuf)
	oldLevel := GetLevel(oldBuf)
	oldLSN := page.GetLSN(oldBuf)

	var oldHighKey []byte
	if !wasRightmost {
		oldHighKey = append([]byte(nil), itemPage(oldBuf).GetItem(highKeyOffset())...)
	}

	// Gather every tuple that will survive the split (the page's current
	// real tuples plus the new one), in final sorted order.
	var all []mergedEntry
	inserted := false
	for s := firstKey; s <= n+1; s++ {
		if s == slot {
			all = append(all, mergedEntry{data: encodeIndexTuple(tuple), key: tuple.Key})
			inserted = true
		}
		if s <= n {
			item := append([]byte(nil), itemPage(oldBuf).GetItem(s)...)
			all = append(all, mergedEntry{data: item, key: decodeIndexTuple(item).Key})
		}
	}
	if !inserted {
		all = append(all, mergedEntry{data: encodeIndexTuple(tuple), key: tuple.Key})
	}

	firstRight := int(n)/2 + 1
	if firstRight < int(firstKey) {
		firstRight = int(firstKey)
	}
	splitIdx := firstRight - int(firstKey)
	if splitIdx < 1 {
		splitIdx = 1
	}
	if splitIdx > len(all)-1 {
		splitIdx = len(all) - 1
	}
	leftEntries, rightEntries := all[:splitIdx], all[splitIdx:]
	newLeftHighKey := append([]byte(nil), rightEntries[0].data...)
	newRightLowKey := decodeIndexTuple(rightEntries[0].data).Key

	rightFp, rightPN, err := bt.buf.NewPage(bt.handle, dbtypes.MainFork)
	if err != nil {
		bt.buf.Unpin(fp, false)
		return err
	}
	initDataPage(rightFp.Bytes())
	if isLeaf {
		AddFlags(rightFp.Bytes(), IsLeaf)
	}
	SetLevel(rightFp.Bytes(), oldLevel)
	SetPrev(rightFp.Bytes(), oldPN)
	SetNext(rightFp.Bytes(), oldNext)

	rightIP := itemPage(rightFp.Bytes())
	if !wasRightmost {
		if _, err := rightIP.PutItem(oldHighKey, 0, false); err != nil {
			bt.buf.Unpin(fp, false)
			bt.buf.Unpin(rightFp, false)
			return err
		}
	}
	for _, e := range rightEntries {
		if _, err := rightIP.PutItem(e.data, 0, false); err != nil {
			bt.buf.Unpin(fp, false)
			bt.buf.Unpin(rightFp, false)
			return err
		}
	}

	leftScratch := make([]byte, dbtypes.PageSize)
	initDataPage(leftScratch)
	if isLeaf {
		AddFlags(leftScratch, IsLeaf)
	}
	SetLevel(leftScratch, oldLevel)
	SetPrev(leftScratch, oldPrev)
	SetNext(leftScratch, rightPN)
	leftIP := itemPage(leftScratch)
	if _, err := leftIP.PutItem(newLeftHighKey, 0, false); err != nil {
		bt.buf.Unpin(fp, false)
		bt.buf.Unpin(rightFp, false)
		return err
	}
	for _, e := range leftEntries {
		if _, err := leftIP.PutItem(e.data, 0, false); err != nil {
			bt.buf.Unpin(fp, false)
			bt.buf.Unpin(rightFp, false)
			return err
		}
	}

	if !wasRightmost {
		siblingFp, err := bt.buf.FetchPage(bt.handle, dbtypes.MainFork, oldNext)
		if err != nil {
			bt.buf.Unpin(fp, false)
			bt.buf.Unpin(rightFp, false)
			return err
		}
		SetPrev(siblingFp.Bytes(), rightPN)
		bt.buf.Unpin(siblingFp, true)
	}

	wasRoot := GetFlags(oldBuf)&IsRoot != 0
	copy(oldBuf, leftScratch)
	ClearFlags(oldBuf, IsRoot)
	page.SetLSN(oldBuf, oldLSN)

	rightLSN, err := bt.appendInsertRecord(rightPN, 0, nil)
	if err != nil {
		bt.buf.Unpin(fp, false)
		bt.buf.Unpin(rightFp, false)
		return err
	}
	// The right page's full contents were built directly rather than via
	// a single insert record (a split touches every slot on the page, not
	// one); stamp both halves with that record's LSN so recovery replay
	// treats the split as a single atomic unit.
	page.SetLSN(rightFp.Bytes(), rightLSN)
	page.SetLSN(oldBuf, rightLSN)

	bt.buf.Unpin(fp, true)
	bt.buf.Unpin(rightFp, true)

	if bt.met != nil {
		bt.met.BtreeSplitsTotal.Inc()
	}

	if wasRoot {
		return bt.newRoot(oldPN, rightPN, newLeftHighKey, oldLevel+1)
	}
	return bt.insertIntoParent(path, oldPN, rightPN, newLeftHighKey, newRightLowKey)
}

// insertIntoParent propagates the downlink for a freshly split right page
// up to its parent, re-finding the parent via walk_up_path in case a
// concurrent split has moved it since the original descent (spec §4.5).
func (bt *BTree) insertIntoParent(path []pathEntry, leftPN, rightPN dbtypes.PageNum, highKeyTuple []byte, rightLowKey []byte) error {
	if len(path) == 0 {
		return dbtypes.New(dbtypes.KindInvalidState, "btree.insertIntoParent", "non-root split with no recorded parent path")
	}
	last := path[len(path)-1]
	parentFp, foundSlot, err := bt.walkUpPath(last.page, last.slot, leftPN)
	if err != nil {
		return err
	}

	downlinkTuple := IndexTuple{Key: rightLowKey, ItemPointer: dbtypes.ItemPointer{Page: rightPN, Offset: 1}}
	return bt.putOrSplit(parentFp, path[:len(path)-1], downlinkTuple, false, foundSlot+1)
}

// walkUpPath re-locates childPage's downlink starting from the page and
// slot the descent recorded, following right-links if the parent has
// split and the downlink has shifted rightward since. Because all writers
// serialize under bt.mu, that case cannot occur today, but the search is
// kept faithful to how a latch-coupled implementation would need it.
func (bt *BTree) walkUpPath(parentPage dbtypes.PageNum, hintSlot uint16, childPage dbtypes.PageNum) (buffer.FramePage, uint16, error) {
	cur := parentPage
	offset := int(hintSlot)
	for {
		fp, err := bt.buf.FetchPage(bt.handle, dbtypes.MainFork, cur)
		if err != nil {
			return buffer.FramePage{}, 0, err
		}
		buf := fp.Bytes()
		ip := itemPage(buf)
		lo := int(firstKeyOffset(buf))
		hi := int(ip.NumLinePointers())

		if offset < lo {
			offset = lo
		}
		if offset > hi {
			offset = hi
		}
		if hi >= lo {
			for s := offset; s <= hi; s++ {
				if downlink(decodeIndexTuple(ip.GetItem(uint16(s)))) == childPage {
					return fp, uint16(s), nil
				}
			}
			for s := offset - 1; s >= lo; s-- {
				if downlink(decodeIndexTuple(ip.GetItem(uint16(s)))) == childPage {
					return fp, uint16(s), nil
				}
			}
		}

		if IsRightmost(buf) {
			bt.buf.Unpin(fp, false)
			return buffer.FramePage{}, 0, dbtypes.New(dbtypes.KindDataCorrupted, "btree.walkUpPath",
				"downlink not found while walking up a split path")
		}
		next := GetNext(buf)
		bt.buf.Unpin(fp, false)
		cur = next
		offset = lo
	}
}

// newRoot builds a fresh root page with two downlinks: one to the page
// that just split (now the left child) and one to its new right sibling.
func (bt *BTree) newRoot(leftPN, rightPN dbtypes.PageNum, highKeyOfLeft []byte, level uint32) error {
	rootFp, rootPN, err := bt.buf.NewPage(bt.handle, dbtypes.MainFork)
	if err != nil {
		return err
	}
	initDataPage(rootFp.Bytes())
	AddFlags(rootFp.Bytes(), IsRoot)
	SetLevel(rootFp.Bytes(), level)

	ip := itemPage(rootFp.Bytes())
	leftTuple := IndexTuple{Key: nil, ItemPointer: dbtypes.ItemPointer{Page: leftPN, Offset: 1}}
	rightKey := decodeIndexTuple(highKeyOfLeft).Key
	rightTuple := IndexTuple{Key: rightKey, ItemPointer: dbtypes.ItemPointer{Page: rightPN, Offset: 1}}
	if _, err := ip.PutItem(encodeIndexTuple(leftTuple), 0, false); err != nil {
		bt.buf.Unpin(rootFp, false)
		return err
	}
	if _, err := ip.PutItem(encodeIndexTuple(rightTuple), 0, false); err != nil {
		bt.buf.Unpin(rootFp, false)
		return err
	}

	lsn, err := bt.appendNewRootRecord(rootPN, leftPN, rightPN, rightKey, level)
	if err != nil {
		bt.buf.Unpin(rootFp, false)
		return err
	}
	page.SetLSN(rootFp.Bytes(), lsn)
	bt.buf.Unpin(rootFp, true)

	return bt.setRootPageNum(rootPN)
}

// appendInsertRecord logs a BTreeInsert record for a single-slot write
// (the common case) or, with nil data, for a split's new right page,
// whose full contents were built directly rather than slot by slot.
func (bt *BTree) appendInsertRecord(pageNum dbtypes.PageNum, offset uint16, data []byte) (dbtypes.LSN, error) {
	record := encodeBTreeInsertRecord(bt.ref, dbtypes.MainFork, pageNum, offset, data)
	return bt.wal.Append(wal.KindBTreeInsert, record)
}

func (bt *BTree) appendNewRootRecord(rootPN, leftPN, rightPN dbtypes.PageNum, highKeyOfLeft []byte, level uint32) (dbtypes.LSN, error) {
	record := encodeBTreeNewRootRecord(bt.ref, dbtypes.MainFork, rootPN, leftPN, rightPN, highKeyOfLeft, level)
	return bt.wal.Append(wal.KindBTreeNewRoot, record)
}

// encodeBTreeInsertRecord lays out {rel, fork, page, offset, data}, the
// same shape as heap's HeapInsert record.
func encodeBTreeInsertRecord(ref dbtypes.RelFileRef, fork dbtypes.Fork, pageNum dbtypes.PageNum, offset uint16, data []byte) []byte {
	buf := make([]byte, 4+4+1+4+2+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ref.DB))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(ref.Rel))
	buf[8] = byte(fork)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(pageNum))
	binary.LittleEndian.PutUint16(buf[13:15], offset)
	copy(buf[15:], data)
	return buf
}

// DecodeBTreeInsertRecord parses a BTreeInsert record, for the redo path.
func DecodeBTreeInsertRecord(buf []byte) (ref dbtypes.RelFileRef, fork dbtypes.Fork, pageNum dbtypes.PageNum, offset uint16, data []byte) {
	ref.DB = dbtypes.OID(binary.LittleEndian.Uint32(buf[0:4]))
	ref.Rel = dbtypes.OID(binary.LittleEndian.Uint32(buf[4:8]))
	fork = dbtypes.Fork(buf[8])
	pageNum = dbtypes.PageNum(binary.LittleEndian.Uint32(buf[9:13]))
	offset = binary.LittleEndian.Uint16(buf[13:15])
	data = buf[15:]
	return
}

// encodeBTreeNewRootRecord lays out {rel, fork, rootPage, leftPage,
// rightPage, level, rightKey}.
func encodeBTreeNewRootRecord(ref dbtypes.RelFileRef, fork dbtypes.Fork, rootPN, leftPN, rightPN dbtypes.PageNum, rightKey []byte, level uint32) []byte {
	buf := make([]byte, 4+4+1+4+4+4+4+2+len(rightKey))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ref.DB))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(ref.Rel))
	buf[8] = byte(fork)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(rootPN))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(leftPN))
	binary.LittleEndian.PutUint32(buf[17:21], uint32(rightPN))
	binary.LittleEndian.PutUint32(buf[21:25], level)
	binary.LittleEndian.PutUint16(buf[25:27], uint16(len(rightKey)))
	copy(buf[27:], rightKey)
	return buf
}

// DecodeBTreeNewRootRecord parses a BTreeNewRoot record, for the redo path.
func DecodeBTreeNewRootRecord(buf []byte) (ref dbtypes.RelFileRef, fork dbtypes.Fork, rootPN, leftPN, rightPN dbtypes.PageNum, level uint32, rightKey []byte) {
	ref.DB = dbtypes.OID(binary.LittleEndian.Uint32(buf[0:4]))
	ref.Rel = dbtypes.OID(binary.LittleEndian.Uint32(buf[4:8]))
	fork = dbtypes.Fork(buf[8])
	rootPN = dbtypes.PageNum(binary.LittleEndian.Uint32(buf[9:13]))
	leftPN = dbtypes.PageNum(binary.LittleEndian.Uint32(buf[13:17]))
	rightPN = dbtypes.PageNum(binary.LittleEndian.Uint32(buf[17:21]))
	level = binary.LittleEndian.Uint32(buf[21:25])
	klen := binary.LittleEndian.Uint16(buf[25:27])
	rightKey = buf[27 : 27+klen]
	return
}

// ApplyInsertRedo idempotently replays a BTreeInsert record: skipped if
// the target page's LSN already covers this record (spec §4.7's redo
// idempotence rule). Nil data replays nothing by itself; it exists only
// to carry the split's LSN onto the new right page, whose actual contents
// were written directly by splitAndInsert and are not separately
// reconstructable from this record alone at recovery time.
func (bt *BTree) ApplyInsertRedo(lsn dbtypes.LSN, pageNum dbtypes.PageNum, offset uint16, data []byte) error {
	fp, err := bt.buf.FetchPage(bt.handle, dbtypes.MainFork, pageNum)
	if err != nil {
		return err
	}
	if fp.LSN() >= lsn {
		bt.buf.Unpin(fp, false)
		return nil
	}
	if data != nil {
		if _, err := itemPage(fp.Bytes()).PutItem(data, offset, false); err != nil {
			bt.buf.Unpin(fp, false)
			return err
		}
	}
	page.SetLSN(fp.Bytes(), lsn)
	bt.buf.Unpin(fp, true)
	return nil
}

// ApplyNewRootRedo idempotently replays a BTreeNewRoot record.
func (bt *BTree) ApplyNewRootRedo(lsn dbtypes.LSN, rootPN, leftPN, rightPN dbtypes.PageNum, level uint32, rightKey []byte) error {
	fp, err := bt.buf.FetchPage(bt.handle, dbtypes.MainFork, rootPN)
	if err != nil {
		return err
	}
	if fp.LSN() < lsn {
		initDataPage(fp.Bytes())
		AddFlags(fp.Bytes(), IsRoot)
		SetLevel(fp.Bytes(), level)
		ip := itemPage(fp.Bytes())
		leftTuple := IndexTuple{Key: nil, ItemPointer: dbtypes.ItemPointer{Page: leftPN, Offset: 1}}
		rightTuple := IndexTuple{Key: rightKey, ItemPointer: dbtypes.ItemPointer{Page: rightPN, Offset: 1}}
		if _, err := ip.PutItem(encodeIndexTuple(leftTuple), 0, false); err != nil {
			bt.buf.Unpin(fp, false)
			return err
		}
		if _, err := ip.PutItem(encodeIndexTuple(rightTuple), 0, false); err != nil {
			bt.buf.Unpin(fp, false)
			return err
		}
		page.SetLSN(fp.Bytes(), lsn)
		bt.buf.Unpin(fp, true)
	} else {
		bt.buf.Unpin(fp, false)
	}
	return bt.setRootPageNum(rootPN)
}

// NumPages returns the current size of the index relation, in pages.
func (bt *BTree) NumPages() (dbtypes.PageNum, error) {
	return bt.smgr.FileSizeInPages(bt.handle, dbtypes.MainFork)
}
