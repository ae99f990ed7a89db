package page

import (
	"bytes"
	"testing"

	"github.com/nainya/wiredb/pkg/dbtypes"
)

func newTestPage() ([]byte, ItemPage) {
	buf := make([]byte, dbtypes.PageSize)
	ip := NewItemPage(buf[LSNSize:])
	ip.Init()
	return buf, ip
}

func TestItemPageInit(t *testing.T) {
	_, ip := newTestPage()
	if ip.NumLinePointers() != 0 {
		t.Fatalf("expected 0 line pointers, got %d", ip.NumLinePointers())
	}
	if got, want := ip.Lower(), uint16(ItemHeaderSize); got != want {
		t.Fatalf("lower = %d, want %d", got, want)
	}
	if got, want := ip.Upper(), uint16(dbtypes.PageSize-LSNSize); got != want {
		t.Fatalf("upper = %d, want %d", got, want)
	}
}

func TestPutItemAppend(t *testing.T) {
	_, ip := newTestPage()

	slot1, err := ip.PutItem([]byte("hello"), 0, false)
	if err != nil {
		t.Fatal(err)
	}
	slot2, err := ip.PutItem([]byte("world!"), 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if slot1 != 1 || slot2 != 2 {
		t.Fatalf("slots = %d, %d, want 1, 2", slot1, slot2)
	}
	if !bytes.Equal(ip.GetItem(1), []byte("hello")) {
		t.Fatalf("slot 1 = %q", ip.GetItem(1))
	}
	if !bytes.Equal(ip.GetItem(2), []byte("world!")) {
		t.Fatalf("slot 2 = %q", ip.GetItem(2))
	}
	if ip.NumLinePointers() != 2 {
		t.Fatalf("num line pointers = %d, want 2", ip.NumLinePointers())
	}
}

func TestPutItemInsertShifts(t *testing.T) {
	_, ip := newTestPage()

	ip.PutItem([]byte("a"), 0, false)
	ip.PutItem([]byte("c"), 0, false)
	// Insert "b" between slot 1 and slot 2.
	slot, err := ip.PutItem([]byte("b"), 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if slot != 2 {
		t.Fatalf("slot = %d, want 2", slot)
	}
	if ip.NumLinePointers() != 3 {
		t.Fatalf("num line pointers = %d, want 3", ip.NumLinePointers())
	}
	if !bytes.Equal(ip.GetItem(1), []byte("a")) {
		t.Fatalf("slot 1 = %q", ip.GetItem(1))
	}
	if !bytes.Equal(ip.GetItem(2), []byte("b")) {
		t.Fatalf("slot 2 = %q", ip.GetItem(2))
	}
	if !bytes.Equal(ip.GetItem(3), []byte("c")) {
		t.Fatalf("slot 3 = %q", ip.GetItem(3))
	}
}

func TestPutItemOverwriteSameSlot(t *testing.T) {
	_, ip := newTestPage()
	ip.PutItem([]byte("xx"), 0, false)
	before := ip.NumLinePointers()

	slot, err := ip.PutItem([]byte("yy"), 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if slot != 1 {
		t.Fatalf("slot = %d, want 1", slot)
	}
	if ip.NumLinePointers() != before {
		t.Fatalf("num line pointers changed: %d -> %d", before, ip.NumLinePointers())
	}
	if !bytes.Equal(ip.GetItem(1), []byte("yy")) {
		t.Fatalf("slot 1 = %q", ip.GetItem(1))
	}
}

func TestMarkDeadAndItemDead(t *testing.T) {
	_, ip := newTestPage()
	ip.PutItem([]byte("gone"), 0, false)
	if ip.ItemDead(1) {
		t.Fatal("slot 1 should be alive")
	}
	ip.MarkDead(1)
	if !ip.ItemDead(1) {
		t.Fatal("slot 1 should be dead")
	}
	if ip.GetItem(1) != nil {
		t.Fatalf("dead slot returned %q", ip.GetItem(1))
	}
}

func TestOverwriteItemInPlace(t *testing.T) {
	_, ip := newTestPage()
	ip.PutItem([]byte("1234"), 0, false)
	ip.OverwriteItem(1, []byte("5678"))
	if !bytes.Equal(ip.GetItem(1), []byte("5678")) {
		t.Fatalf("slot 1 = %q", ip.GetItem(1))
	}
}

func TestPutItemOutOfSpace(t *testing.T) {
	_, ip := newTestPage()
	big := bytes.Repeat([]byte{0xAB}, dbtypes.PageSize)
	if _, err := ip.PutItem(big, 0, false); err == nil {
		t.Fatal("expected out-of-space error")
	}
}

func TestLSNHeader(t *testing.T) {
	buf := make([]byte, dbtypes.PageSize)
	SetLSN(buf, dbtypes.LSN(12345))
	if got := GetLSN(buf); got != 12345 {
		t.Fatalf("lsn = %d, want 12345", got)
	}
}
