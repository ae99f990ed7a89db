// Package engine is the embedder-facing composition root: it opens every
// layer in dependency order (WAL, storage manager, buffer pool, transaction
// status table and manager, OID allocator, checkpoint manager), runs crash
// recovery before accepting a single new write, and exposes table/index
// creation and transaction control as one cohesive API. Nothing outside
// this package knows how to wire the layers together end to end.
package engine

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/nainya/wiredb/internal/logger"
	"github.com/nainya/wiredb/internal/metrics"
	"github.com/nainya/wiredb/pkg/btree"
	"github.com/nainya/wiredb/pkg/buffer"
	"github.com/nainya/wiredb/pkg/checkpoint"
	"github.com/nainya/wiredb/pkg/dbtypes"
	"github.com/nainya/wiredb/pkg/heap"
	"github.com/nainya/wiredb/pkg/smgr"
	"github.com/nainya/wiredb/pkg/txn"
	"github.com/nainya/wiredb/pkg/wal"
)

// Config controls how Open builds an Engine. Zero values fall back to
// sensible defaults for every field except DataDir.
type Config struct {
	DataDir string

	// BufferPoolPages is the number of 8KB frames the buffer pool holds.
	BufferPoolPages int

	// WALSegmentBytes is the size of one WAL segment file.
	WALSegmentBytes int64

	// CheckpointInterval, if non-zero, starts a background checkpoint
	// ticker at this period. Zero disables automatic checkpointing;
	// the embedder can still call Checkpoint directly.
	CheckpointInterval time.Duration

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

const (
	defaultBufferPoolPages = 1024
	defaultWALSegmentBytes = 64 << 20
)

func (c *Config) setDefaults() {
	if c.BufferPoolPages <= 0 {
		c.BufferPoolPages = defaultBufferPoolPages
	}
	if c.WALSegmentBytes <= 0 {
		c.WALSegmentBytes = defaultWALSegmentBytes
	}
	if c.Logger == nil {
		c.Logger = logger.New(logger.Config{Level: "info"})
	}
}

// Engine owns every layer of the storage stack and the set of tables and
// indexes the embedder has opened through it.
type Engine struct {
	dataDir string
	log     *logger.Logger
	met     *metrics.Metrics

	sm     *smgr.Manager
	wal    *wal.Manager
	buf    *buffer.Manager
	status *txn.StatusTable
	txns   *txn.Manager
	oid    *checkpoint.OIDAllocator
	ckpt   *checkpoint.Manager

	mu     sync.RWMutex
	heaps  map[dbtypes.RelFileRef]*heap.Heap
	btrees map[dbtypes.RelFileRef]*btree.BTree

	checkpointInterval time.Duration
}

// Open brings up an Engine at dataDir: construct every layer, read (or
// initialize) the master record, and replay the WAL from the last
// checkpoint against whatever relations the caller opens before calling
// Recover. Since there is no catalog, the caller is responsible for
// re-opening every table and index it needs (via CreateTable/OpenTable and
// CreateIndex/OpenIndex) before calling Recover; Open itself only reaches
// the point where new relations can be opened.
func Open(cfg Config) (*Engine, error) {
	cfg.setDefaults()

	walDir := filepath.Join(cfg.DataDir, "wal")
	w := wal.New(walDir, cfg.WALSegmentBytes, dbtypes.WALPageSize, cfg.Logger, cfg.Metrics)

	sm := smgr.New(cfg.DataDir, cfg.Logger)
	buf := buffer.New(cfg.BufferPoolPages, sm, w, cfg.Logger, cfg.Metrics)

	status := txn.NewStatusTable(filepath.Join(cfg.DataDir, "txn_status"), w, cfg.Logger, cfg.BufferPoolPages)
	if err := status.Open(); err != nil {
		return nil, fmt.Errorf("open transaction status table: %w", err)
	}
	txns := txn.New(status, w, cfg.Logger, cfg.Metrics)

	oid := checkpoint.NewOIDAllocator(w, dbtypes.InvalidOID)

	ckpt, master, err := checkpoint.Open(cfg.DataDir, buf, w, txns, oid, cfg.Logger, cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("open master record: %w", err)
	}
	oid.ApplyNextOIDRedo(master.NextOID)

	if err := w.Open(master.LastCheckpointPos); err != nil {
		return nil, fmt.Errorf("open write-ahead log: %w", err)
	}

	if err := ckpt.SetDBState(checkpoint.StateInCrashRecovery); err != nil {
		return nil, fmt.Errorf("mark crash recovery start: %w", err)
	}

	e := &Engine{
		dataDir:            cfg.DataDir,
		log:                cfg.Logger,
		met:                cfg.Metrics,
		sm:                 sm,
		wal:                w,
		buf:                buf,
		status:             status,
		txns:               txns,
		oid:                oid,
		ckpt:               ckpt,
		heaps:              make(map[dbtypes.RelFileRef]*heap.Heap),
		btrees:             make(map[dbtypes.RelFileRef]*btree.BTree),
		checkpointInterval: cfg.CheckpointInterval,
	}

	return e, nil
}

// Recover replays the WAL from the master record's last checkpoint
// position against every table and index opened so far, then resolves any
// transaction still in progress at the end of the log as crashed. Call it
// once, after opening every relation the embedder needs, and before
// accepting any new write. If CheckpointInterval is set, Recover also
// starts the background checkpoint ticker.
func (e *Engine) Recover() error {
	e.mu.RLock()
	rels := checkpoint.Relations{
		Heaps:  make(map[dbtypes.RelFileRef]*heap.Heap, len(e.heaps)),
		BTrees: make(map[dbtypes.RelFileRef]*btree.BTree, len(e.btrees)),
	}
	for ref, h := range e.heaps {
		rels.Heaps[ref] = h
	}
	for ref, bt := range e.btrees {
		rels.BTrees[ref] = bt
	}
	e.mu.RUnlock()

	master := e.ckpt.Record()
	if _, err := checkpoint.Recover(e.dataDir, e.wal.Capacity(), dbtypes.WALPageSize, master, rels, e.txns, e.oid, e.log, e.met); err != nil {
		return fmt.Errorf("replay write-ahead log: %w", err)
	}

	if err := e.ckpt.SetDBState(checkpoint.StateInProduction); err != nil {
		return fmt.Errorf("mark recovery complete: %w", err)
	}

	if e.checkpointInterval > 0 {
		e.ckpt.Start(e.checkpointInterval)
	}
	return nil
}

// CreateTable creates and opens a new heap relation.
func (e *Engine) CreateTable(ref dbtypes.RelFileRef) (*heap.Heap, error) {
	h, err := heap.Create(e.sm, ref, e.buf, e.wal, e.status, e.log, e.met)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.heaps[ref] = h
	e.mu.Unlock()
	return h, nil
}

// OpenTable opens an existing heap relation.
func (e *Engine) OpenTable(ref dbtypes.RelFileRef) (*heap.Heap, error) {
	h, err := heap.Open(e.sm, ref, e.buf, e.wal, e.status, e.log, e.met)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.heaps[ref] = h
	e.mu.Unlock()
	return h, nil
}

// CreateIndex creates and opens a new B-tree index over cmp.
func (e *Engine) CreateIndex(ref dbtypes.RelFileRef, cmp btree.CompareFunc) (*btree.BTree, error) {
	bt, err := btree.Create(e.sm, ref, e.buf, e.wal, e.log, e.met, cmp)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.btrees[ref] = bt
	e.mu.Unlock()
	return bt, nil
}

// OpenIndex opens an existing B-tree index over cmp.
func (e *Engine) OpenIndex(ref dbtypes.RelFileRef, cmp btree.CompareFunc) (*btree.BTree, error) {
	bt, err := btree.Open(e.sm, ref, e.buf, e.wal, e.log, e.met, cmp)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.btrees[ref] = bt
	e.mu.Unlock()
	return bt, nil
}

// NextOID allocates a fresh object identifier, for the embedder to assign
// to a table or index it is about to create.
func (e *Engine) NextOID() (dbtypes.OID, error) { return e.oid.Next() }

// BeginTransaction starts a new transaction under the given isolation level.
func (e *Engine) BeginTransaction(isolation txn.Isolation) (*txn.Txn, error) {
	return e.txns.Begin(isolation)
}

// CommitTransaction commits t: it logs and durably fsyncs the commit
// record before marking the transaction's status committed, so a crash
// between those two steps is always resolved toward "committed" on the
// next recovery.
func (e *Engine) CommitTransaction(t *txn.Txn) error { return e.txns.Commit(t) }

// AbortTransaction aborts t.
func (e *Engine) AbortTransaction(t *txn.Txn) error { return e.txns.Abort(t) }

// Snapshot returns the snapshot t should use to decide tuple visibility.
func (e *Engine) Snapshot(t *txn.Txn) *txn.Snapshot { return e.txns.Snapshot(t) }

// Checkpoint flushes every dirty buffer and advances the master record, so
// the next recovery has less log to replay.
func (e *Engine) Checkpoint() error { return e.ckpt.CreateCheckpoint() }

// Close stops the background checkpoint ticker (if running), runs one
// final checkpoint, records a clean shutdown in the master record, and
// closes every underlying file.
func (e *Engine) Close() error {
	if e.checkpointInterval > 0 {
		e.ckpt.Stop()
	}

	if err := e.ckpt.SetDBState(checkpoint.StateShuttingDown); err != nil {
		return err
	}
	if err := e.ckpt.CreateCheckpoint(); err != nil {
		return err
	}
	if err := e.ckpt.SetDBState(checkpoint.StateShutdown); err != nil {
		return err
	}

	if err := e.status.FlushAll(); err != nil {
		return err
	}
	if err := e.status.Close(); err != nil {
		return err
	}
	if err := e.sm.CloseAll(); err != nil {
		return err
	}
	return e.wal.Close()
}
