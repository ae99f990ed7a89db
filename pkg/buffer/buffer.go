// Package buffer implements the page cache: a fixed pool of in-memory
// frames shared by every relation fork, pinned/unpinned by callers and
// evicted LRU-first. It enforces the WAL-before-data rule: a dirty frame
// is never written back to disk until the log has been made durable up to
// that frame's page LSN.
package buffer

import (
	"container/list"
	"sync"

	"github.com/nainya/wiredb/internal/logger"
	"github.com/nainya/wiredb/internal/metrics"
	"github.com/nainya/wiredb/pkg/dbtypes"
	"github.com/nainya/wiredb/pkg/page"
	"github.com/nainya/wiredb/pkg/smgr"
)

// WALFlusher is the subset of the WAL manager the buffer pool needs to
// enforce WAL-before-data: a dirty page may only be written back once the
// log is durable past its page LSN. Declared here, rather than importing
// pkg/wal directly, to keep buffer free of a dependency on WAL's on-disk
// format.
type WALFlusher interface {
	EnsureDurable(lsn dbtypes.LSN) error
}

// pageTag identifies a cached page uniquely across the whole process.
type pageTag struct {
	ref  dbtypes.RelFileRef
	fork dbtypes.Fork
	page dbtypes.PageNum
}

// frame is one slot in the buffer pool.
type frame struct {
	tag      pageTag
	buf      []byte
	handle   *smgr.Handle
	pinCount int32
	dirty    bool
	valid    bool

	// elem is this frame's node in the unpinned LRU list, nil while pinned.
	elem *list.Element
}

// Manager is the fixed-size buffer pool.
type Manager struct {
	mu sync.Mutex

	smgr *smgr.Manager
	wal  WALFlusher
	log  *logger.Logger
	met  *metrics.Metrics

	frames   []frame
	byTag    map[pageTag]int
	unpinned *list.List // of int (frame index), front = least recently used candidate

	freeList []int // frame indices never yet used
}

// New creates a buffer pool of capacity frames, each dbtypes.PageSize
// bytes.
func New(capacity int, sm *smgr.Manager, wal WALFlusher, log *logger.Logger, met *metrics.Metrics) *Manager {
	m := &Manager{
		smgr:     sm,
		wal:      wal,
		log:      log,
		met:      met,
		frames:   make([]frame, capacity),
		byTag:    make(map[pageTag]int, capacity),
		unpinned: list.New(),
		freeList: make([]int, capacity),
	}
	for i := 0; i < capacity; i++ {
		m.frames[i].buf = make([]byte, dbtypes.PageSize)
		m.freeList[i] = capacity - 1 - i
	}
	return m
}

// SetWAL wires the WAL durability callback after construction, since the
// WAL manager itself needs a buffer pool to replay into during recovery.
func (m *Manager) SetWAL(wal WALFlusher) { m.wal = wal }

// FramePage is a pinned buffer frame handed back to a caller. Bytes()
// returns the full on-disk page, including the leading LSN; callers write
// through it directly.
type FramePage struct {
	m     *Manager
	frame int
}

// Bytes returns the page's raw bytes. Valid only while the frame stays
// pinned.
func (fp FramePage) Bytes() []byte {
	fp.m.mu.Lock()
	defer fp.m.mu.Unlock()
	return fp.m.frames[fp.frame].buf
}

// LSN returns the page's current LSN without requiring the caller to parse
// the header itself.
func (fp FramePage) LSN() dbtypes.LSN {
	return page.GetLSN(fp.Bytes())
}

// Tag identifies which (relation, fork, page) this frame holds.
func (fp FramePage) Tag() (dbtypes.RelFileRef, dbtypes.Fork, dbtypes.PageNum) {
	fp.m.mu.Lock()
	defer fp.m.mu.Unlock()
	t := fp.m.frames[fp.frame].tag
	return t.ref, t.fork, t.page
}

func (m *Manager) pin(idx int) {
	f := &m.frames[idx]
	if f.pinCount == 0 && f.elem != nil {
		m.unpinned.Remove(f.elem)
		f.elem = nil
	}
	f.pinCount++
}

// Pin adds an additional pin to a frame the caller already holds, so it can
// be handed out to more than one owner, each of which will call Unpin
// independently. Used by a scan that hands out the same page to several
// callers, one per tuple it returns from that page.
func (m *Manager) Pin(fp FramePage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pin(fp.frame)
}

// Unpin releases a pin acquired by FetchPage/NewPage. markDirty, if true,
// marks the frame dirty regardless of its previous state; it never clears
// an existing dirty flag.
func (m *Manager) Unpin(fp FramePage, markDirty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &m.frames[fp.frame]
	if markDirty {
		f.dirty = true
	}
	f.pinCount--
	if f.pinCount < 0 {
		panic("buffer: unpin of frame with zero pin count")
	}
	if f.pinCount == 0 {
		f.elem = m.unpinned.PushBack(fp.frame)
	}
}

// MarkDirty flags a pinned frame as dirty, e.g. after a caller mutates its
// bytes in place.
func (m *Manager) MarkDirty(fp FramePage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames[fp.frame].dirty = true
}

// FetchPage pins and returns the page at pageNum, reading it from disk if
// it is not already cached.
func (m *Manager) FetchPage(h *smgr.Handle, fork dbtypes.Fork, pageNum dbtypes.PageNum) (FramePage, error) {
	tag := pageTag{ref: h.Ref(), fork: fork, page: pageNum}

	m.mu.Lock()
	if idx, ok := m.byTag[tag]; ok {
		m.pin(idx)
		m.mu.Unlock()
		if m.met != nil {
			m.met.BufferFetchesTotal.WithLabelValues("hit").Inc()
		}
		return FramePage{m: m, frame: idx}, nil
	}
	m.mu.Unlock()

	if m.met != nil {
		m.met.BufferFetchesTotal.WithLabelValues("miss").Inc()
	}

	idx, err := m.allocate()
	if err != nil {
		return FramePage{}, err
	}

	if err := m.smgr.Read(h, fork, pageNum, m.frames[idx].buf); err != nil {
		m.mu.Lock()
		m.freeList = append(m.freeList, idx)
		m.mu.Unlock()
		return FramePage{}, err
	}

	m.mu.Lock()
	f := &m.frames[idx]
	f.tag, f.handle, f.valid, f.dirty = tag, h, true, false
	m.byTag[tag] = idx
	m.pin(idx)
	m.mu.Unlock()

	return FramePage{m: m, frame: idx}, nil
}

// NewPage allocates a fresh zero page on disk via the storage manager and
// pins it in the buffer pool.
func (m *Manager) NewPage(h *smgr.Handle, fork dbtypes.Fork) (FramePage, dbtypes.PageNum, error) {
	pageNum, err := m.smgr.NewPage(h, fork)
	if err != nil {
		return FramePage{}, 0, err
	}
	fp, err := m.FetchPage(h, fork, pageNum)
	if err != nil {
		return FramePage{}, 0, err
	}
	m.MarkDirty(fp)
	return fp, pageNum, nil
}

// allocate picks a free frame, evicting the least-recently-used unpinned
// frame if the pool is full. Caller must not hold m.mu.
func (m *Manager) allocate() (int, error) {
	m.mu.Lock()
	if n := len(m.freeList); n > 0 {
		idx := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		m.mu.Unlock()
		return idx, nil
	}

	elem := m.unpinned.Front()
	if elem == nil {
		m.mu.Unlock()
		return 0, dbtypes.New(dbtypes.KindOutOfMemory, "buffer.allocate",
			"buffer pool exhausted: no unpinned frames to evict")
	}
	idx := elem.Value.(int)
	m.unpinned.Remove(elem)
	f := &m.frames[idx]
	f.elem = nil
	delete(m.byTag, f.tag)
	needFlush := f.dirty
	handle, fork, pageNum, buf, lsn := f.handle, f.tag.fork, f.tag.page, f.buf, page.GetLSN(f.buf)
	m.mu.Unlock()

	if needFlush {
		if err := m.flushFrame(handle, fork, pageNum, buf, lsn); err != nil {
			return 0, err
		}
	}
	if m.met != nil {
		m.met.BufferEvictionsTotal.Inc()
	}
	return idx, nil
}

func (m *Manager) flushFrame(h *smgr.Handle, fork dbtypes.Fork, pageNum dbtypes.PageNum, buf []byte, lsn dbtypes.LSN) error {
	if m.wal != nil && lsn != dbtypes.InvalidLSN {
		if err := m.wal.EnsureDurable(lsn); err != nil {
			return err
		}
	}
	return m.smgr.Write(h, fork, pageNum, buf)
}

// FlushPage writes a single pinned frame back to disk, honoring
// WAL-before-data, and clears its dirty flag.
func (m *Manager) FlushPage(fp FramePage) error {
	m.mu.Lock()
	f := &m.frames[fp.frame]
	if !f.dirty {
		m.mu.Unlock()
		return nil
	}
	handle, fork, pageNum, buf, lsn := f.handle, f.tag.fork, f.tag.page, f.buf, page.GetLSN(f.buf)
	m.mu.Unlock()

	if err := m.flushFrame(handle, fork, pageNum, buf, lsn); err != nil {
		return err
	}

	m.mu.Lock()
	f.dirty = false
	m.mu.Unlock()
	return nil
}

// FlushAll writes every dirty frame back to disk, honoring
// WAL-before-data. Used by the checkpoint manager.
func (m *Manager) FlushAll() error {
	m.mu.Lock()
	dirty := make([]int, 0)
	for i := range m.frames {
		if m.frames[i].valid && m.frames[i].dirty {
			dirty = append(dirty, i)
		}
	}
	m.mu.Unlock()

	for _, idx := range dirty {
		if err := m.FlushPage(FramePage{m: m, frame: idx}); err != nil {
			return err
		}
	}
	return nil
}

// PinnedCount reports the number of frames currently pinned, for metrics
// and tests.
func (m *Manager) PinnedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.frames {
		if m.frames[i].valid && m.frames[i].pinCount > 0 {
			n++
		}
	}
	return n
}
