// Package checkpoint ties the rest of the engine together at the two
// moments nothing else in the engine owns end to end: startup recovery,
// which must read the master record, replay the WAL from its last
// checkpoint position, and dispatch every record to the component that
// knows how to redo it; and the periodic checkpoint itself, which flushes
// the buffer pool and advances the master record so the next recovery has
// less log to replay.
package checkpoint

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/nainya/wiredb/internal/logger"
	"github.com/nainya/wiredb/internal/metrics"
	"github.com/nainya/wiredb/pkg/btree"
	"github.com/nainya/wiredb/pkg/buffer"
	"github.com/nainya/wiredb/pkg/dbtypes"
	"github.com/nainya/wiredb/pkg/heap"
	"github.com/nainya/wiredb/pkg/txn"
	"github.com/nainya/wiredb/pkg/wal"
)

const masterRecordFileName = "master"

// Relations groups the engine's already-opened heaps and indexes by file
// reference, so Recover can dispatch a decoded record's (db, rel) pair to
// the object that owns it. The set of open relations itself is out of
// this package's scope (there is no catalog here); the caller assembles
// it from whatever tables/indexes it has opened before calling Recover.
type Relations struct {
	Heaps  map[dbtypes.RelFileRef]*heap.Heap
	BTrees map[dbtypes.RelFileRef]*btree.BTree
}

// Manager owns the master record and drives checkpoints, both on demand
// and on a background tick.
type Manager struct {
	file masterRecordFile
	buf  *buffer.Manager
	wal  *wal.Manager
	txns *txn.Manager
	oid  *OIDAllocator
	log  *logger.Logger
	met  *metrics.Metrics

	mu     sync.Mutex
	record MasterRecord

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Open opens (or initializes) the master record at dataDir/master and
// returns a Manager bound to it. It does not itself run recovery; call
// Recover separately with the record this returns.
func Open(dataDir string, buf *buffer.Manager, w *wal.Manager, txns *txn.Manager, oid *OIDAllocator, log *logger.Logger, met *metrics.Metrics) (*Manager, MasterRecord, error) {
	f := masterRecordFile{path: filepath.Join(dataDir, masterRecordFileName)}
	rec, err := f.read()
	if err != nil {
		return nil, MasterRecord{}, err
	}
	if rec == nil {
		fresh := MasterRecord{DBState: StateShutdown, NextXID: dbtypes.FirstNormalXID}
		if err := f.write(fresh); err != nil {
			return nil, MasterRecord{}, err
		}
		rec = &fresh
	}
	m := &Manager{file: f, buf: buf, wal: w, txns: txns, oid: oid, log: log, met: met, record: *rec}
	return m, *rec, nil
}

// Record returns a copy of the most recently written master record.
func (m *Manager) Record() MasterRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

// Recover replays the WAL from master.LastCheckpointPos, dispatching each
// record by kind to the component that owns it, then resolves every
// transaction recovery found still in progress as crashed (spec §4.7 and
// §5). It must run before any new write enters the system, and before
// txns.Init is relied upon for new transactions.
func Recover(dir string, capacity int64, pageSize int, master MasterRecord, rels Relations, txns *txn.Manager, oid *OIDAllocator, log *logger.Logger, met *metrics.Metrics) (dbtypes.LSN, error) {
	start := time.Now()
	txns.Init(master.NextXID)
	if oid != nil {
		oid.ApplyNextOIDRedo(master.NextOID)
	}

	apply := func(rec wal.Record) error {
		switch rec.Kind {
		case wal.KindHeapInsert:
			ref, fork, pageNum, offset, flags, minXID, data := heap.DecodeInsertRecord(rec.Data)
			_ = fork
			h, ok := rels.Heaps[ref]
			if !ok {
				return nil // relation not opened by the caller; nothing to redo into
			}
			if minXID != dbtypes.InvalidXID {
				txns.MarkActiveAtStartup(minXID)
			}
			return h.ApplyInsertRedo(rec.LSN, pageNum, offset, flags, minXID, data)

		case wal.KindBTreeInsert:
			ref, fork, pageNum, offset, data := btree.DecodeBTreeInsertRecord(rec.Data)
			_ = fork
			bt, ok := rels.BTrees[ref]
			if !ok {
				return nil
			}
			return bt.ApplyInsertRedo(rec.LSN, pageNum, offset, data)

		case wal.KindBTreeNewRoot:
			ref, fork, rootPN, leftPN, rightPN, level, rightKey := btree.DecodeBTreeNewRootRecord(rec.Data)
			_ = fork
			bt, ok := rels.BTrees[ref]
			if !ok {
				return nil
			}
			return bt.ApplyNewRootRedo(rec.LSN, rootPN, leftPN, rightPN, level, rightKey)

		case wal.KindTxnCommit:
			xid, _ := txn.DecodeCommit(rec.Data)
			return txns.ApplyCommitRedo(xid)

		case wal.KindTxnAbort, wal.KindTxnZeroPage:
			// No redo action: an aborted or zero-initialized transaction's
			// writes are already invisible to every snapshot regardless of
			// whether this bit survives the crash.
			return nil

		case wal.KindNextOID:
			if oid != nil {
				oid.ApplyNextOIDRedo(DecodeNextOID(rec.Data))
			}
			return nil

		case wal.KindCheckpoint:
			return nil

		default:
			return nil
		}
	}

	endLSN, count, err := wal.Replay(filepath.Join(dir, "wal"), capacity, pageSize, master.LastCheckpointPos, apply)
	if err != nil {
		return endLSN, err
	}
	if err := txns.ResolveCrashedTransactions(); err != nil {
		return endLSN, err
	}

	elapsed := time.Since(start)
	if log != nil {
		log.LogRecovery(count, elapsed)
	}
	if met != nil {
		met.RecoveryDuration.Observe(elapsed.Seconds())
	}
	return endLSN, nil
}

// CreateCheckpoint flushes every dirty buffer, writes a Checkpoint WAL
// record at the redo LSN recorded before the flush began, and advances
// the master record to that position. A recovery that starts from this
// position only needs to redo writes that happened during or after the
// flush.
func (m *Manager) CreateCheckpoint() error {
	start := time.Now()
	redoLSN := m.wal.CurrentLSN()

	if err := m.buf.FlushAll(); err != nil {
		return err
	}

	nextOID := m.oid.Peek()
	nextXID := m.txns.NextXID()

	lsn, err := m.wal.Append(wal.KindCheckpoint, encodeCheckpointRecord(redoLSN, nextOID))
	if err != nil {
		return err
	}
	if err := m.wal.EnsureDurable(lsn); err != nil {
		return err
	}

	m.mu.Lock()
	m.record.DBState = StateInProduction
	m.record.LastCheckpointPos = lsn
	m.record.NextOID = nextOID
	m.record.NextXID = nextXID
	m.record.Time = time.Now().Unix()
	rec := m.record
	m.mu.Unlock()

	if err := m.file.write(rec); err != nil {
		return err
	}

	if m.log != nil {
		m.log.LogCheckpoint(uint64(redoLSN), uint64(lsn), time.Since(start))
	}
	if m.met != nil {
		m.met.CheckpointsTotal.Inc()
		m.met.CheckpointDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// SetDBState updates and persists just the lifecycle state field, used at
// shutdown to distinguish a clean exit from a crash on the next startup.
func (m *Manager) SetDBState(state DBState) error {
	m.mu.Lock()
	m.record.DBState = state
	m.record.Time = time.Now().Unix()
	rec := m.record
	m.mu.Unlock()
	return m.file.write(rec)
}

// Start runs CreateCheckpoint on a background tick until Stop is called.
// Errors are logged, not returned: a failed checkpoint leaves the prior
// master record in place, and the next tick simply tries again.
func (m *Manager) Start(interval time.Duration) {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.CreateCheckpoint(); err != nil && m.log != nil {
					m.log.Error("background checkpoint failed").Err(err).Send()
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop ends the background checkpoint loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.stopCh == nil {
			return
		}
		close(m.stopCh)
		<-m.doneCh
	})
}

func encodeCheckpointRecord(redoLSN dbtypes.LSN, nextOID dbtypes.OID) []byte {
	buf := make([]byte, 12)
	v := uint64(redoLSN)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	o := uint32(nextOID)
	for i := 0; i < 4; i++ {
		buf[8+i] = byte(o >> (8 * i))
	}
	return buf
}
