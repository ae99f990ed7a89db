package heap

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nainya/wiredb/internal/logger"
	"github.com/nainya/wiredb/pkg/buffer"
	"github.com/nainya/wiredb/pkg/dbtypes"
	"github.com/nainya/wiredb/pkg/smgr"
	"github.com/nainya/wiredb/pkg/txn"
	"github.com/nainya/wiredb/pkg/wal"
)

type testEnv struct {
	sm     *smgr.Manager
	buf    *buffer.Manager
	wal    *wal.Manager
	status *txn.StatusTable
	txm    *txn.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	log := logger.New(logger.Config{Level: "error"})

	w := wal.New(filepath.Join(dir, "wal"), 1<<20, 512, log, nil)
	if err := w.Open(0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })

	sm := smgr.New(dir, log)
	buf := buffer.New(8, sm, w, log, nil)

	status := txn.NewStatusTable(filepath.Join(dir, "txn_log"), w, log, 16)
	if err := status.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { status.Close() })

	txm := txn.New(status, w, log, nil)
	txm.Init(dbtypes.FirstNormalXID)

	return &testEnv{sm: sm, buf: buf, wal: w, status: status, txm: txm}
}

func newTestHeap(t *testing.T, env *testEnv) *Heap {
	t.Helper()
	ref := dbtypes.RelFileRef{DB: 1, Rel: 200}
	h, err := Create(env.sm, ref, env.buf, env.wal, env.status, logger.New(logger.Config{Level: "error"}), nil)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestInsertAndFetchVisible(t *testing.T) {
	env := newTestEnv(t)
	h := newTestHeap(t, env)

	tx, err := env.txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	ip, err := h.Insert(tx, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.txm.Commit(tx); err != nil {
		t.Fatal(err)
	}

	reader, err := env.txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	snap := env.txm.Snapshot(reader)

	tuple, fp, ok, err := h.FetchByItemPointer(ip, snap, reader.XID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected tuple to be visible after commit")
	}
	defer h.Release(fp)
	if string(tuple.Data) != "hello" {
		t.Fatalf("data = %q, want hello", tuple.Data)
	}
}

func TestUncommittedInsertInvisibleToOthers(t *testing.T) {
	env := newTestEnv(t)
	h := newTestHeap(t, env)

	writer, err := env.txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	ip, err := h.Insert(writer, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	reader, err := env.txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	snap := env.txm.Snapshot(reader)

	_, _, ok, err := h.FetchByItemPointer(ip, snap, reader.XID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected uncommitted insert to be invisible to another transaction")
	}
}

func TestOwnUncommittedInsertVisibleToSelf(t *testing.T) {
	env := newTestEnv(t)
	h := newTestHeap(t, env)

	writer, err := env.txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	ip, err := h.Insert(writer, []byte("mine"))
	if err != nil {
		t.Fatal(err)
	}
	snap := env.txm.Snapshot(writer)

	tuple, fp, ok, err := h.FetchByItemPointer(ip, snap, writer.XID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected own uncommitted insert to be visible to self")
	}
	defer h.Release(fp)
	if string(tuple.Data) != "mine" {
		t.Fatalf("data = %q", tuple.Data)
	}
}

func TestScanForwardVisitsAllCommittedTuples(t *testing.T) {
	env := newTestEnv(t)
	h := newTestHeap(t, env)

	const n = 50
	for i := 0; i < n; i++ {
		tx, err := env.txm.Begin(txn.ReadCommitted)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.Insert(tx, []byte(fmt.Sprintf("row-%02d", i))); err != nil {
			t.Fatal(err)
		}
		if err := env.txm.Commit(tx); err != nil {
			t.Fatal(err)
		}
	}

	reader, err := env.txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	snap := env.txm.Snapshot(reader)

	scan, err := h.NewScan(snap, reader.XID, dbtypes.Forward, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer scan.Close()

	seen := 0
	for {
		tuple, _, fp, ok, err := scan.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if string(tuple.Data) != fmt.Sprintf("row-%02d", seen) {
			t.Fatalf("tuple %d = %q", seen, tuple.Data)
		}
		h.Release(fp)
		seen++
	}
	if seen != n {
		t.Fatalf("scanned %d tuples, want %d", seen, n)
	}
}

func TestScanBackwardVisitsAllInReverse(t *testing.T) {
	env := newTestEnv(t)
	h := newTestHeap(t, env)

	const n = 10
	for i := 0; i < n; i++ {
		tx, err := env.txm.Begin(txn.ReadCommitted)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.Insert(tx, []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatal(err)
		}
		if err := env.txm.Commit(tx); err != nil {
			t.Fatal(err)
		}
	}

	numPages, err := h.NumPages()
	if err != nil {
		t.Fatal(err)
	}

	reader, err := env.txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	snap := env.txm.Snapshot(reader)

	scan, err := h.NewScan(snap, reader.XID, dbtypes.Backward, numPages-1, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer scan.Close()

	count := 0
	for {
		_, _, fp, ok, err := scan.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		h.Release(fp)
		count++
	}
	if count != n {
		t.Fatalf("scanned %d tuples, want %d", count, n)
	}
}
