package txn

import (
	"sync"
	"time"

	"github.com/nainya/wiredb/internal/logger"
	"github.com/nainya/wiredb/internal/metrics"
	"github.com/nainya/wiredb/pkg/dbtypes"
	"github.com/nainya/wiredb/pkg/wal"
)

// Isolation selects how a transaction's snapshot is captured and reused.
type Isolation int

const (
	ReadCommitted Isolation = iota
	RepeatableRead
)

func (i Isolation) String() string {
	if i == RepeatableRead {
		return "repeatable_read"
	}
	return "read_committed"
}

// Snapshot is the set of XIDs a transaction must treat as not-yet-committed
// (spec §4.6): any xid >= MaxXID, or present in XIPs, is invisible.
type Snapshot struct {
	MinXID dbtypes.XID
	MaxXID dbtypes.XID
	XIPs   map[dbtypes.XID]struct{}
}

// InProgress reports whether the snapshot treats xid as not yet completed:
// xid is at or past MaxXID, or was in-flight when the snapshot was taken.
func (s *Snapshot) InProgress(xid dbtypes.XID) bool {
	if !xid.Precedes(s.MaxXID) {
		return true
	}
	_, ok := s.XIPs[xid]
	return ok
}

// Txn is a single transaction's handle.
type Txn struct {
	XID       dbtypes.XID
	Isolation Isolation

	mu       sync.Mutex
	snapshot *Snapshot // cached for RepeatableRead+, nil otherwise
}

// Manager is the transaction manager: XID allocation and status tracking.
type Manager struct {
	status *StatusTable
	wal    *wal.Manager
	log    *logger.Logger
	met    *metrics.Metrics

	// mu guards nextXID, latestCompleted and active together (spec §5).
	mu              sync.Mutex
	nextXID         dbtypes.XID
	latestCompleted dbtypes.XID
	active          map[dbtypes.XID]struct{}
}

// New creates a transaction manager. Init must be called once, with the
// next XID to hand out as determined by the master record / recovery,
// before Begin is used.
func New(status *StatusTable, w *wal.Manager, log *logger.Logger, met *metrics.Metrics) *Manager {
	return &Manager{
		status: status,
		wal:    w,
		log:    log,
		met:    met,
		active: make(map[dbtypes.XID]struct{}),
	}
}

// Init sets the next XID to allocate, typically from the master record.
func (m *Manager) Init(nextXID dbtypes.XID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nextXID == dbtypes.InvalidXID {
		nextXID = dbtypes.FirstNormalXID
	}
	m.nextXID = nextXID
	m.latestCompleted = nextXID.Prev()
}

// NextXID returns the next XID that will be allocated, for the checkpoint
// manager's master record.
func (m *Manager) NextXID() dbtypes.XID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextXID
}

// MarkActiveAtStartup re-registers an XID recovery found committed-less in
// the log, so ResolveCrashedTransactions can later resolve its status.
func (m *Manager) MarkActiveAtStartup(xid dbtypes.XID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[xid] = struct{}{}
}

// ResolveCrashedTransactions marks every XID still registered as active
// (i.e. never committed or aborted) as StatusError. Called once,
// at the end of startup recovery.
func (m *Manager) ResolveCrashedTransactions() error {
	m.mu.Lock()
	pending := make([]dbtypes.XID, 0, len(m.active))
	for xid := range m.active {
		pending = append(pending, xid)
	}
	m.active = make(map[dbtypes.XID]struct{})
	m.mu.Unlock()

	for _, xid := range pending {
		if err := m.status.SetStatus(xid, StatusError); err != nil {
			return err
		}
	}
	return nil
}

// Begin allocates a new XID, extends the status table if needed, and
// returns a handle bound to isolation.
func (m *Manager) Begin(isolation Isolation) (*Txn, error) {
	m.mu.Lock()
	xid := m.nextXID
	m.nextXID = m.nextXID.Next()
	m.active[xid] = struct{}{}
	m.mu.Unlock()

	if err := m.status.ExtendForXID(xid); err != nil {
		return nil, err
	}
	if err := m.status.SetStatus(xid, StatusInProgress); err != nil {
		return nil, err
	}

	if m.met != nil {
		m.met.TxnBeginsTotal.WithLabelValues(isolation.String()).Inc()
		m.met.TxnActiveGauge.Inc()
	}

	return &Txn{XID: xid, Isolation: isolation}, nil
}

// Snapshot returns the snapshot a given transaction should read under:
// freshly captured for ReadCommitted on every call, captured once and
// cached for RepeatableRead and above.
func (m *Manager) Snapshot(t *Txn) *Snapshot {
	if t.Isolation == ReadCommitted {
		return m.captureSnapshot()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshot == nil {
		t.snapshot = m.captureSnapshot()
	}
	return t.snapshot
}

func (m *Manager) captureSnapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	maxXID := m.latestCompleted.Next()
	minXID := maxXID
	xips := make(map[dbtypes.XID]struct{}, len(m.active))
	for xid := range m.active {
		if xid.Precedes(maxXID) {
			xips[xid] = struct{}{}
			if xid.Precedes(minXID) {
				minXID = xid
			}
		}
	}
	return &Snapshot{MinXID: minXID, MaxXID: maxXID, XIPs: xips}
}

// commitRecord is the payload of a TxnCommit WAL record: which XID
// committed, and when, so replay can dispatch the record without outside
// context.
type commitRecord struct {
	XID        dbtypes.XID
	CommitTime int64
}

func encodeCommit(c commitRecord) []byte {
	buf := make([]byte, 4+8)
	v := uint32(c.XID)
	for i := 0; i < 4; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	tv := uint64(c.CommitTime)
	for i := 0; i < 8; i++ {
		buf[4+i] = byte(tv >> (8 * i))
	}
	return buf
}

// DecodeCommit parses a TxnCommit record, for the replay dispatcher.
func DecodeCommit(buf []byte) (xid dbtypes.XID, commitTime int64) {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(buf[i]) << (8 * i)
	}
	var tv uint64
	for i := 0; i < 8; i++ {
		tv |= uint64(buf[4+i]) << (8 * i)
	}
	return dbtypes.XID(v), int64(tv)
}

// Commit writes the commit WAL record, flushes the WAL up to it, and only
// then marks the XID committed — the ordering spec §5 requires for commit
// visibility.
func (m *Manager) Commit(t *Txn) error {
	data := encodeCommit(commitRecord{XID: t.XID, CommitTime: time.Now().Unix()})
	lsn, err := m.wal.Append(wal.KindTxnCommit, data)
	if err != nil {
		return err
	}
	if err := m.wal.EnsureDurable(lsn); err != nil {
		return err
	}
	if err := m.status.SetStatus(t.XID, StatusCommitted); err != nil {
		return err
	}
	m.finish(t.XID)
	if m.met != nil {
		m.met.TxnCommitsTotal.Inc()
		m.met.TxnActiveGauge.Dec()
	}
	return nil
}

// Abort marks the XID aborted. No WAL record is needed: an uncommitted
// transaction's writes are already invisible to every snapshot, whether or
// not the abort bit survives a crash (spec §4.7's record kinds list has no
// Transaction(Abort) entry).
func (m *Manager) Abort(t *Txn) error {
	if err := m.status.SetStatus(t.XID, StatusAborted); err != nil {
		return err
	}
	m.finish(t.XID)
	if m.met != nil {
		m.met.TxnAbortsTotal.Inc()
		m.met.TxnActiveGauge.Dec()
	}
	return nil
}

func (m *Manager) finish(xid dbtypes.XID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, xid)
	if m.latestCompleted.Precedes(xid) {
		m.latestCompleted = xid
	}
}

// ApplyCommitRedo is the TxnCommit record's redo: during recovery it marks
// the XID committed directly, bypassing the in-memory active set (which
// recovery never populated for this XID).
func (m *Manager) ApplyCommitRedo(xid dbtypes.XID) error {
	if err := m.status.SetStatus(xid, StatusCommitted); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.active, xid)
	if m.latestCompleted.Precedes(xid) {
		m.latestCompleted = xid
	}
	m.mu.Unlock()
	return nil
}
