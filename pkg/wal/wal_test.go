package wal

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/nainya/wiredb/internal/logger"
)

func newTestWAL(t *testing.T, capacity int64, pageSize int) *Manager {
	t.Helper()
	dir := t.TempDir()
	m := New(dir, capacity, pageSize, logger.New(logger.Config{Level: "error"}), nil)
	if err := m.Open(0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAppendAndFlushRoundtrip(t *testing.T) {
	m := newTestWAL(t, 1<<20, 512)

	lsn, err := m.Append(KindHeapInsert, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if lsn != 0 {
		t.Fatalf("first record lsn = %d, want 0", lsn)
	}
	if err := m.Flush(); err != nil {
		t.Fatal(err)
	}

	var got []Record
	_, count, err := Replay(m.dir, m.capacity, m.pageSize, 0, func(r Record) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("replayed %d records, want 1", count)
	}
	if got[0].Kind != KindHeapInsert || !bytes.Equal(got[0].Data, []byte("hello world")) {
		t.Fatalf("unexpected record: %+v", got[0])
	}
}

func TestAppendSpanningChunksAcrossPages(t *testing.T) {
	m := newTestWAL(t, 1<<20, 64)

	big := bytes.Repeat([]byte{0x42}, 500)
	if _, err := m.Append(KindBTreeInsert, big); err != nil {
		t.Fatal(err)
	}
	if err := m.Flush(); err != nil {
		t.Fatal(err)
	}

	var got []Record
	_, count, err := Replay(m.dir, m.capacity, m.pageSize, 0, func(r Record) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("replayed %d records, want 1", count)
	}
	if !bytes.Equal(got[0].Data, big) {
		t.Fatalf("record data mismatch: got %d bytes, want %d", len(got[0].Data), len(big))
	}
}

func TestSegmentRolloverAndReplayCount(t *testing.T) {
	// Small enough that 200 records require multiple segments: each record
	// is an 18-byte chunk, 14 fit on a 256-byte page, so a 5-page segment
	// holds 70 records and 200 records need 3 segments.
	m := newTestWAL(t, 1280, 256)

	const n = 200
	for i := 0; i < n; i++ {
		payload := []byte(fmt.Sprintf("record-%03d", i))
		if _, err := m.Append(KindHeapInsert, payload); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := m.Flush(); err != nil {
		t.Fatal(err)
	}
	if m.segNo < 3 {
		t.Fatalf("expected at least 3 segments, used %d", m.segNo)
	}

	count := 0
	_, got, err := Replay(m.dir, m.capacity, m.pageSize, 0, func(r Record) error {
		want := fmt.Sprintf("record-%03d", count)
		if string(r.Data) != want {
			t.Fatalf("record %d = %q, want %q", count, r.Data, want)
		}
		count++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != n {
		t.Fatalf("replayed %d records, want %d", got, n)
	}
}

func TestEnsureDurableIsNoOpWhenAlreadyFlushed(t *testing.T) {
	m := newTestWAL(t, 1<<20, 512)
	lsn, err := m.Append(KindTxnCommit, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureDurable(lsn); err != nil {
		t.Fatal(err)
	}
	flushed := m.flushedLSN
	if err := m.EnsureDurable(lsn); err != nil {
		t.Fatal(err)
	}
	if m.flushedLSN != flushed {
		t.Fatalf("flushedLSN changed on no-op EnsureDurable: %d -> %d", flushed, m.flushedLSN)
	}
}

func TestReopenResumesAtCorrectLSN(t *testing.T) {
	dir := t.TempDir()
	log := logger.New(logger.Config{Level: "error"})

	m1 := New(dir, 1<<20, 512, log, nil)
	if err := m1.Open(0); err != nil {
		t.Fatal(err)
	}
	if _, err := m1.Append(KindHeapInsert, []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := m1.Flush(); err != nil {
		t.Fatal(err)
	}
	resumeLSN := m1.CurrentLSN()
	if err := m1.Close(); err != nil {
		t.Fatal(err)
	}

	m2 := New(dir, 1<<20, 512, log, nil)
	if err := m2.Open(resumeLSN); err != nil {
		t.Fatal(err)
	}
	lsn2, err := m2.Append(KindHeapInsert, []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	if lsn2 != resumeLSN {
		t.Fatalf("second record lsn = %d, want %d", lsn2, resumeLSN)
	}
	if err := m2.Flush(); err != nil {
		t.Fatal(err)
	}

	var kinds []string
	_, _, err = Replay(dir, 1<<20, 512, 0, func(r Record) error {
		kinds = append(kinds, string(r.Data))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(kinds) != 2 || kinds[0] != "one" || kinds[1] != "two" {
		t.Fatalf("replayed records = %v, want [one two]", kinds)
	}
}
