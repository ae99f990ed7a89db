// Package wal implements the write-ahead log: a directory of fixed-capacity
// numbered segments, each divided into fixed-size pages, each page holding
// a stream of CRC-framed chunks. Records too large for one chunk are split
// across First/Middle/Last chunks, possibly spanning a page or segment
// boundary. LSNs are absolute byte positions in the logical, unbounded log.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nainya/wiredb/internal/logger"
	"github.com/nainya/wiredb/internal/metrics"
	"github.com/nainya/wiredb/pkg/dbtypes"
)

// segmentFilePrefix is prepended to the %08x segment number to form a
// segment's file name inside the WAL directory; it is empty, so the name is
// just the zero-padded hex number.
const segmentFilePrefix = ""

// Manager is the WAL writer. It also serves as the buffer.WALFlusher the
// buffer pool requires to enforce WAL-before-data.
type Manager struct {
	dir      string
	capacity int64 // bytes per segment; must be a multiple of pageSize
	pageSize int

	log *logger.Logger
	met *metrics.Metrics

	mu         sync.Mutex
	segNo      uint32 // current segment number, 1-based
	file       *os.File
	pageStart  dbtypes.LSN // absolute LSN of the first byte of curPage
	pagePos    int         // bytes filled into curPage so far
	curPage    []byte
	flushedLSN dbtypes.LSN
}

// New creates a WAL manager rooted at dir (typically "<base>/wal").
// capacity must be a positive multiple of pageSize.
func New(dir string, capacity int64, pageSize int, log *logger.Logger, met *metrics.Metrics) *Manager {
	return &Manager{
		dir:      dir,
		capacity: capacity,
		pageSize: pageSize,
		log:      log,
		met:      met,
		curPage:  make([]byte, pageSize),
	}
}

func (m *Manager) segmentPath(segNo uint32) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s%08x", segmentFilePrefix, segNo))
}

func (m *Manager) segmentStart(segNo uint32) dbtypes.LSN {
	return dbtypes.LSN(int64(segNo-1) * m.capacity)
}

// listSegments returns the segment numbers present on disk, ascending.
func (m *Manager) listSegments() ([]uint32, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dbtypes.Wrap(dbtypes.KindIO, "wal.listSegments", "read wal dir", err)
	}
	var segs []uint32
	for _, e := range entries {
		var n uint32
		if _, err := fmt.Sscanf(e.Name(), "%08x", &n); err == nil {
			segs = append(segs, n)
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs, nil
}

// Open opens the WAL for append starting at startLSN, the position
// recovery determined is the true end of valid data. It creates the WAL
// directory and the first segment if none exist.
func (m *Manager) Open(startLSN dbtypes.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return dbtypes.Wrap(dbtypes.KindFileAccess, "wal.Open", "mkdir wal dir", err)
	}

	segs, err := m.listSegments()
	if err != nil {
		return err
	}

	segNo := uint32(int64(startLSN)/m.capacity) + 1
	if len(segs) == 0 {
		segNo = 1
	}

	path := m.segmentPath(segNo)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return dbtypes.Wrap(dbtypes.KindFileAccess, "wal.Open", "open wal segment", err)
	}

	segStart := m.segmentStart(segNo)
	offsetInSeg := int64(startLSN - segStart)
	pageStart := segStart + dbtypes.LSN(offsetInSeg-offsetInSeg%int64(m.pageSize))
	pagePos := int(int64(startLSN-pageStart))

	curPage := make([]byte, m.pageSize)
	if pagePos > 0 {
		if _, err := f.ReadAt(curPage, int64(pageStart-segStart)); err != nil {
			f.Close()
			return dbtypes.Wrap(dbtypes.KindIO, "wal.Open", "read partial wal page", err)
		}
	}

	m.segNo = segNo
	m.file = f
	m.pageStart = pageStart
	m.pagePos = pagePos
	m.curPage = curPage
	m.flushedLSN = startLSN
	return nil
}

// Append serializes kind+data as one logical record, splitting it into
// chunks as needed, and returns the LSN of its first chunk.
func (m *Manager) Append(kind Kind, data []byte) (dbtypes.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wire := make([]byte, 1+len(data))
	wire[0] = byte(kind)
	copy(wire[1:], data)

	var startLSN dbtypes.LSN
	first := true
	for len(wire) > 0 {
		avail := m.pageSize - m.pagePos
		if avail <= chunkHeaderSize {
			if err := m.rollPageLocked(); err != nil {
				return 0, err
			}
			avail = m.pageSize - m.pagePos
		}

		maxData := avail - chunkHeaderSize
		take := len(wire)
		if take > maxData {
			take = maxData
		}
		last := take == len(wire)

		var typ chunkType
		switch {
		case first && last:
			typ = chunkFull
		case first:
			typ = chunkFirst
		case last:
			typ = chunkLast
		default:
			typ = chunkMiddle
		}

		if first {
			startLSN = m.pageStart + dbtypes.LSN(m.pagePos)
		}
		n := writeChunk(m.curPage[m.pagePos:], typ, wire[:take])
		m.pagePos += n
		wire = wire[take:]
		first = false
	}

	if m.met != nil {
		m.met.WalAppendsTotal.Inc()
		m.met.WalBytesAppended.Add(float64(len(data) + 1))
		m.met.WalCurrentLSN.Set(float64(m.currentLSNLocked()))
	}
	return startLSN, nil
}

// currentLSNLocked returns the next position that will be written to.
func (m *Manager) currentLSNLocked() dbtypes.LSN {
	return m.pageStart + dbtypes.LSN(m.pagePos)
}

// CurrentLSN returns the next append position.
func (m *Manager) CurrentLSN() dbtypes.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLSNLocked()
}

// Capacity returns the configured per-segment capacity in bytes, for a
// caller (the engine's recovery path) that needs to reopen or replay this
// WAL without already knowing how it was configured.
func (m *Manager) Capacity() int64 { return m.capacity }

// rollPageLocked writes out the current (zero-padded) page, then advances
// to the next page, rolling to a new segment if the current one is full.
// Caller holds m.mu.
func (m *Manager) rollPageLocked() error {
	if err := m.writeCurrentPageLocked(); err != nil {
		return err
	}

	segStart := m.segmentStart(m.segNo)
	nextPageStart := m.pageStart + dbtypes.LSN(m.pageSize)
	if int64(nextPageStart-segStart) >= m.capacity {
		if err := m.file.Sync(); err != nil {
			return dbtypes.Wrap(dbtypes.KindIO, "wal.rollPage", "fsync wal segment", err)
		}
		if err := m.file.Close(); err != nil {
			return dbtypes.Wrap(dbtypes.KindIO, "wal.rollPage", "close wal segment", err)
		}
		m.segNo++
		f, err := os.OpenFile(m.segmentPath(m.segNo), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return dbtypes.Wrap(dbtypes.KindFileAccess, "wal.rollPage", "create wal segment", err)
		}
		m.file = f
		nextPageStart = m.segmentStart(m.segNo)
		if m.met != nil {
			m.met.WalSegmentRolls.Inc()
		}
	}

	m.pageStart = nextPageStart
	m.pagePos = 0
	for i := range m.curPage {
		m.curPage[i] = 0
	}
	m.flushedLSN = m.pageStart
	return nil
}

// writeCurrentPageLocked writes the in-memory page to its file offset and
// fsyncs. Caller holds m.mu.
func (m *Manager) writeCurrentPageLocked() error {
	segStart := m.segmentStart(m.segNo)
	off := int64(m.pageStart - segStart)
	if _, err := m.file.WriteAt(m.curPage, off); err != nil {
		return dbtypes.Wrap(dbtypes.KindIO, "wal.writeCurrentPage", "write wal page", err)
	}
	if err := m.file.Sync(); err != nil {
		return dbtypes.Wrap(dbtypes.KindIO, "wal.writeCurrentPage", "fsync wal page", err)
	}
	return nil
}

// Flush makes every appended byte durable. It is the unconditional form of
// EnsureDurable.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeCurrentPageLocked(); err != nil {
		return err
	}
	m.flushedLSN = m.currentLSNLocked()
	return nil
}

// EnsureDurable flushes the WAL if lsn has not already been made durable.
// It implements buffer.WALFlusher.
func (m *Manager) EnsureDurable(lsn dbtypes.LSN) error {
	m.mu.Lock()
	alreadyDurable := m.flushedLSN >= lsn
	m.mu.Unlock()
	if alreadyDurable {
		return nil
	}
	return m.Flush()
}

// Close flushes and closes the current segment file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	if err := m.writeCurrentPageLocked(); err != nil {
		return err
	}
	err := m.file.Close()
	m.file = nil
	if err != nil {
		return dbtypes.Wrap(dbtypes.KindIO, "wal.Close", "close wal segment", err)
	}
	return nil
}
