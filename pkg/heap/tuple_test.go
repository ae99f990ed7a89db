package heap

import (
	"path/filepath"
	"testing"

	"github.com/nainya/wiredb/internal/logger"
	"github.com/nainya/wiredb/pkg/dbtypes"
	"github.com/nainya/wiredb/pkg/txn"
)

func newTestStatus(t *testing.T) *txn.StatusTable {
	t.Helper()
	dir := t.TempDir()
	log := logger.New(logger.Config{Level: "error"})
	st := txn.NewStatusTable(filepath.Join(dir, "txn_log"), nil, log, 16)
	if err := st.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	// Create the status page the tests' XIDs live on, as Begin would.
	if err := st.ExtendForXID(dbtypes.FirstNormalXID); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestTupleEncodeDecodeRoundtrip(t *testing.T) {
	want := Tuple{Flags: MinCommitted, MinXID: 7, MaxXID: dbtypes.InvalidXID, Data: []byte("payload")}
	got := decodeTuple(encodeTuple(want))
	if got.Flags != want.Flags || got.MinXID != want.MinXID || got.MaxXID != want.MaxXID || string(got.Data) != string(want.Data) {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, want)
	}
}

func TestVisibleOwnUncommittedInsert(t *testing.T) {
	st := newTestStatus(t)
	self := dbtypes.XID(5)
	tuple := Tuple{Flags: MaxInvalid, MinXID: self, MaxXID: dbtypes.InvalidXID}
	snap := &txn.Snapshot{MinXID: 5, MaxXID: 6, XIPs: map[dbtypes.XID]struct{}{5: {}}}

	vis, _, err := Visible(tuple, snap, self, st)
	if err != nil {
		t.Fatal(err)
	}
	if !vis {
		t.Fatal("expected own in-progress insert to be visible to self")
	}
}

func TestVisibleOtherInProgressInsertHidden(t *testing.T) {
	st := newTestStatus(t)
	inserter := dbtypes.XID(5)
	self := dbtypes.XID(6)
	tuple := Tuple{Flags: MaxInvalid, MinXID: inserter, MaxXID: dbtypes.InvalidXID}
	snap := &txn.Snapshot{MinXID: 5, MaxXID: 7, XIPs: map[dbtypes.XID]struct{}{5: {}}}

	vis, _, err := Visible(tuple, snap, self, st)
	if err != nil {
		t.Fatal(err)
	}
	if vis {
		t.Fatal("expected another in-progress transaction's insert to be hidden")
	}
}

func TestVisibleCommittedInsertVisible(t *testing.T) {
	st := newTestStatus(t)
	inserter := dbtypes.XID(5)
	if err := st.SetStatus(inserter, txn.StatusCommitted); err != nil {
		t.Fatal(err)
	}
	self := dbtypes.XID(9)
	tuple := Tuple{Flags: MaxInvalid, MinXID: inserter, MaxXID: dbtypes.InvalidXID}
	snap := &txn.Snapshot{MinXID: 9, MaxXID: 9, XIPs: map[dbtypes.XID]struct{}{}}

	vis, newFlags, err := Visible(tuple, snap, self, st)
	if err != nil {
		t.Fatal(err)
	}
	if !vis {
		t.Fatal("expected committed insert to be visible")
	}
	if newFlags&MinCommitted == 0 {
		t.Fatal("expected MinCommitted hint bit to be set after resolving status")
	}
}

func TestVisibleAbortedInsertHidden(t *testing.T) {
	st := newTestStatus(t)
	inserter := dbtypes.XID(5)
	if err := st.SetStatus(inserter, txn.StatusAborted); err != nil {
		t.Fatal(err)
	}
	self := dbtypes.XID(9)
	tuple := Tuple{Flags: MaxInvalid, MinXID: inserter, MaxXID: dbtypes.InvalidXID}
	snap := &txn.Snapshot{MinXID: 9, MaxXID: 9, XIPs: map[dbtypes.XID]struct{}{}}

	vis, newFlags, err := Visible(tuple, snap, self, st)
	if err != nil {
		t.Fatal(err)
	}
	if vis {
		t.Fatal("expected aborted insert to stay hidden")
	}
	if newFlags&MinInvalid == 0 {
		t.Fatal("expected MinInvalid hint bit to be set after resolving status")
	}
}

func TestVisibleCommittedDeleteHidden(t *testing.T) {
	st := newTestStatus(t)
	inserter := dbtypes.XID(5)
	deleter := dbtypes.XID(6)
	if err := st.SetStatus(inserter, txn.StatusCommitted); err != nil {
		t.Fatal(err)
	}
	if err := st.SetStatus(deleter, txn.StatusCommitted); err != nil {
		t.Fatal(err)
	}
	self := dbtypes.XID(9)
	tuple := Tuple{Flags: 0, MinXID: inserter, MaxXID: deleter}
	snap := &txn.Snapshot{MinXID: 9, MaxXID: 9, XIPs: map[dbtypes.XID]struct{}{}}

	vis, _, err := Visible(tuple, snap, self, st)
	if err != nil {
		t.Fatal(err)
	}
	if vis {
		t.Fatal("expected a committed-deleted tuple to be hidden")
	}
}

func TestVisibleAbortedDeleteStillVisible(t *testing.T) {
	st := newTestStatus(t)
	inserter := dbtypes.XID(5)
	deleter := dbtypes.XID(6)
	if err := st.SetStatus(inserter, txn.StatusCommitted); err != nil {
		t.Fatal(err)
	}
	if err := st.SetStatus(deleter, txn.StatusAborted); err != nil {
		t.Fatal(err)
	}
	self := dbtypes.XID(9)
	tuple := Tuple{Flags: 0, MinXID: inserter, MaxXID: deleter}
	snap := &txn.Snapshot{MinXID: 9, MaxXID: 9, XIPs: map[dbtypes.XID]struct{}{}}

	vis, newFlags, err := Visible(tuple, snap, self, st)
	if err != nil {
		t.Fatal(err)
	}
	if !vis {
		t.Fatal("expected a tuple whose deleting transaction aborted to remain visible")
	}
	if newFlags&MaxInvalid == 0 {
		t.Fatal("expected MaxInvalid hint bit to be set once the deleter's abort is resolved")
	}
}

func TestVisibleSelfDeleteHidden(t *testing.T) {
	st := newTestStatus(t)
	inserter := dbtypes.XID(5)
	if err := st.SetStatus(inserter, txn.StatusCommitted); err != nil {
		t.Fatal(err)
	}
	self := dbtypes.XID(9)
	tuple := Tuple{Flags: MinCommitted, MinXID: inserter, MaxXID: self}
	snap := &txn.Snapshot{MinXID: 9, MaxXID: 10, XIPs: map[dbtypes.XID]struct{}{9: {}}}

	vis, _, err := Visible(tuple, snap, self, st)
	if err != nil {
		t.Fatal(err)
	}
	if vis {
		t.Fatal("expected a tuple self-deleted by the reading transaction to be hidden")
	}
}
