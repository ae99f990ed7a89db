package checkpoint

import (
	"sync"

	"github.com/nainya/wiredb/pkg/dbtypes"
	"github.com/nainya/wiredb/pkg/wal"
)

// oidPreallocCount is how many OIDs one NextOid WAL record reserves.
// Allocation within a reserved batch is not itself logged: after a crash
// the allocator simply resumes from the last logged high-water mark,
// skipping whatever OIDs the batch had not yet handed out. This trades a
// few burned OIDs per crash for not needing a WAL record per allocation.
const oidPreallocCount = 8192

// normalOIDStart reserves low OIDs the way the system would reserve a
// range for built-in objects, even though this engine has no catalog of
// its own to place there.
const normalOIDStart dbtypes.OID = 16384

// OIDAllocator hands out unique object identifiers for tables and indexes,
// persisting only batch boundaries to the WAL (spec's NextOid record
// kind) rather than every individual allocation.
type OIDAllocator struct {
	wal *wal.Manager

	mu    sync.Mutex
	next  dbtypes.OID
	count int
}

// NewOIDAllocator creates an allocator that will hand out OIDs starting
// from start (typically the master record's NextOID field, or 0 for a
// brand-new database).
func NewOIDAllocator(w *wal.Manager, start dbtypes.OID) *OIDAllocator {
	return &OIDAllocator{wal: w, next: start}
}

// Next allocates and returns the next OID, logging a fresh batch boundary
// whenever the current one runs out.
func (a *OIDAllocator) Next() (dbtypes.OID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next < normalOIDStart {
		a.next = normalOIDStart
		a.count = 0
	}

	if a.count == 0 {
		highWater := a.next + oidPreallocCount
		if _, err := a.wal.Append(wal.KindNextOID, encodeNextOID(highWater)); err != nil {
			return 0, err
		}
		a.count = oidPreallocCount
	}

	oid := a.next
	a.next++
	a.count--
	return oid, nil
}

// Peek returns the allocator's current high-water mark, for the
// checkpoint manager's master record. It need not match the next value
// Next() would hand out; it only needs to be at or ahead of every OID
// already allocated, which ApplyNextOIDRedo guarantees via set.
func (a *OIDAllocator) Peek() dbtypes.OID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// ApplyNextOIDRedo replays a NextOid record: it jumps the allocator's
// high-water mark forward, discarding whatever remained of the prior
// batch, exactly as set_next_oid does for a live allocator.
func (a *OIDAllocator) ApplyNextOIDRedo(oid dbtypes.OID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next = oid
	a.count = 0
}

func encodeNextOID(oid dbtypes.OID) []byte {
	buf := make([]byte, 4)
	v := uint32(oid)
	for i := 0; i < 4; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

// DecodeNextOID parses a NextOid WAL record, for the replay dispatcher.
func DecodeNextOID(buf []byte) dbtypes.OID {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(buf[i]) << (8 * i)
	}
	return dbtypes.OID(v)
}
