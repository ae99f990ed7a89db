package txn

import (
	"path/filepath"
	"testing"

	"github.com/nainya/wiredb/internal/logger"
	"github.com/nainya/wiredb/pkg/dbtypes"
	"github.com/nainya/wiredb/pkg/wal"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	log := logger.New(logger.Config{Level: "error"})

	w := wal.New(filepath.Join(dir, "wal"), 1<<20, 512, log, nil)
	if err := w.Open(0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })

	st := NewStatusTable(filepath.Join(dir, "txn_log"), w, log, 16)
	if err := st.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	m := New(st, w, log, nil)
	m.Init(dbtypes.FirstNormalXID)
	return m
}

func TestBeginAssignsMonotoneXIDs(t *testing.T) {
	m := newTestManager(t)
	t1, err := m.Begin(ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	t2, err := m.Begin(ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	if !(t1.XID.Precedes(t2.XID)) {
		t.Fatalf("expected %d to precede %d", t1.XID, t2.XID)
	}
}

func TestCommitMarksStatusCommitted(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin(ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(tx); err != nil {
		t.Fatal(err)
	}
	status, err := m.status.GetStatus(tx.XID)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusCommitted {
		t.Fatalf("status = %v, want Committed", status)
	}
}

func TestAbortMarksStatusAborted(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin(ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Abort(tx); err != nil {
		t.Fatal(err)
	}
	status, err := m.status.GetStatus(tx.XID)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusAborted {
		t.Fatalf("status = %v, want Aborted", status)
	}
}

func TestSnapshotExcludesInProgressTxns(t *testing.T) {
	m := newTestManager(t)
	writer, err := m.Begin(ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	reader, err := m.Begin(ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}

	snap := m.Snapshot(reader)
	if !snap.InProgress(writer.XID) {
		t.Fatalf("expected writer xid %d to be in-progress in snapshot", writer.XID)
	}
	// Nothing has completed yet, so MaxXID is the first normal XID and the
	// writer is excluded by being at or past it rather than through XIPs.
	if writer.XID.Precedes(snap.MaxXID) {
		t.Fatalf("writer xid %d should not precede snapshot max %d", writer.XID, snap.MaxXID)
	}
}

func TestRepeatableReadCachesSnapshot(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin(RepeatableRead)
	if err != nil {
		t.Fatal(err)
	}
	s1 := m.Snapshot(tx)

	if _, err := m.Begin(ReadCommitted); err != nil {
		t.Fatal(err)
	}
	s2 := m.Snapshot(tx)
	if s1 != s2 {
		t.Fatal("expected RepeatableRead snapshot to be cached and reused")
	}
}

func TestReadCommittedRecapturesSnapshot(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin(ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	s1 := m.Snapshot(tx)

	other, err := m.Begin(ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	s2 := m.Snapshot(tx)
	if s1 == s2 {
		t.Fatal("expected ReadCommitted snapshot to be recaptured")
	}
	if !s2.InProgress(other.XID) {
		t.Fatal("expected recaptured snapshot to see the new in-progress txn")
	}
}

func TestResolveCrashedTransactionsMarksLeftoverActive(t *testing.T) {
	m := newTestManager(t)
	m.MarkActiveAtStartup(dbtypes.XID(5))
	if err := m.status.ExtendForXID(dbtypes.XID(5)); err != nil {
		t.Fatal(err)
	}
	if err := m.ResolveCrashedTransactions(); err != nil {
		t.Fatal(err)
	}
	status, err := m.status.GetStatus(dbtypes.XID(5))
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusError {
		t.Fatalf("status = %v, want Error", status)
	}
}
