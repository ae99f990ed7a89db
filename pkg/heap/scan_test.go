package heap

import (
	"testing"

	"github.com/nainya/wiredb/pkg/dbtypes"
	"github.com/nainya/wiredb/pkg/txn"
)

func TestScanSkipsInvisibleTuples(t *testing.T) {
	env := newTestEnv(t)
	h := newTestHeap(t, env)

	committed, err := env.txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Insert(committed, []byte("visible-1")); err != nil {
		t.Fatal(err)
	}
	if err := env.txm.Commit(committed); err != nil {
		t.Fatal(err)
	}

	uncommitted, err := env.txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Insert(uncommitted, []byte("invisible")); err != nil {
		t.Fatal(err)
	}
	// uncommitted is left open: its insert must not appear to other readers.

	committed2, err := env.txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Insert(committed2, []byte("visible-2")); err != nil {
		t.Fatal(err)
	}
	if err := env.txm.Commit(committed2); err != nil {
		t.Fatal(err)
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

	var got []string
	for {
		tuple, _, fp, ok, err := scan.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, string(tuple.Data))
		h.Release(fp)
	}

	if len(got) != 2 || got[0] != "visible-1" || got[1] != "visible-2" {
		t.Fatalf("scan returned %v, want [visible-1 visible-2]", got)
	}
}

func TestScanEmptyHeapReturnsNoTuples(t *testing.T) {
	env := newTestEnv(t)
	h := newTestHeap(t, env)

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

	_, _, _, ok, err := scan.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no tuples from an empty heap")
	}
}

func TestScanMaxPagesBoundsVisitedPages(t *testing.T) {
	env := newTestEnv(t)
	h := newTestHeap(t, env)

	// Force several pages by inserting large payloads that won't share a page.
	big := make([]byte, dbtypes.PageSize/2)
	for i := 0; i < 6; i++ {
		tx, err := env.txm.Begin(txn.ReadCommitted)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.Insert(tx, big); err != nil {
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
	if numPages < 3 {
		t.Fatalf("test setup expected several pages, got %d", numPages)
	}

	reader, err := env.txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	snap := env.txm.Snapshot(reader)

	scan, err := h.NewScan(snap, reader.XID, dbtypes.Forward, 0, 2)
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
	if count >= 6 {
		t.Fatalf("expected maxPages=2 to bound the scan below the full tuple count, got %d", count)
	}
}
