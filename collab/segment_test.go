package collab

import (
	"bytes"
	"testing"

	"github.com/mrlbrg/bbbtree-go/bufpool"
	"github.com/mrlbrg/bbbtree-go/page"
	"github.com/mrlbrg/bbbtree-go/pageio"
)

func newTestPool(t *testing.T, pageSize uint32, frames int) *bufpool.Pool {
	t.Helper()
	store := pageio.NewMemStore(pageSize)
	return bufpool.Open(store, pageSize, frames, bufpool.NewStats())
}

func TestFSISegmentFindBeforeAnyPage(t *testing.T) {
	pool := newTestPool(t, 256, 8)
	fsi, err := CreateFSISegment(pool, 1)
	if err != nil {
		t.Fatalf("CreateFSISegment() error = %v", err)
	}
	if _, ok, err := fsi.Find(10); err != nil || ok {
		t.Errorf("Find() on empty inventory = (_, %v, %v), want (_, false, nil)", ok, err)
	}
}

func TestFSISegmentCreateAndUpdate(t *testing.T) {
	pool := newTestPool(t, 256, 8)
	fsi, err := CreateFSISegment(pool, 1)
	if err != nil {
		t.Fatalf("CreateFSISegment() error = %v", err)
	}

	pageID, err := fsi.CreateNewPage(200)
	if err != nil {
		t.Fatalf("CreateNewPage() error = %v", err)
	}
	if got, ok, err := fsi.Find(150); err != nil || !ok || got != pageID {
		t.Fatalf("Find(150) = (%v, %v, %v), want (%v, true, nil)", got, ok, err, pageID)
	}
	if _, ok, err := fsi.Find(500); err != nil || ok {
		t.Fatalf("Find(500) = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	if err := fsi.Update(pageID, 40); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, ok, err := fsi.Find(100); err != nil || ok {
		t.Fatalf("Find(100) after shrinking = (_, %v, %v), want (_, false, nil)", ok, err)
	}
	if got, ok, err := fsi.Find(40); err != nil || !ok || got != pageID {
		t.Fatalf("Find(40) after shrinking = (%v, %v, %v), want (%v, true, nil)", got, ok, err, pageID)
	}
}

func TestFSISegmentUpdateRejectsStalePage(t *testing.T) {
	pool := newTestPool(t, 256, 8)
	fsi, err := CreateFSISegment(pool, 1)
	if err != nil {
		t.Fatalf("CreateFSISegment() error = %v", err)
	}
	first, err := fsi.CreateNewPage(200)
	if err != nil {
		t.Fatalf("CreateNewPage() error = %v", err)
	}
	if _, err := fsi.CreateNewPage(200); err != nil {
		t.Fatalf("CreateNewPage() error = %v", err)
	}
	if err := fsi.Update(first, 50); err == nil {
		t.Errorf("Update() on a superseded page error = nil, want error")
	}
}

func TestSPSegmentAllocateReadWriteErase(t *testing.T) {
	pool := newTestPool(t, 256, 8)
	fsi, err := CreateFSISegment(pool, 1)
	if err != nil {
		t.Fatalf("CreateFSISegment() error = %v", err)
	}
	sp := NewSPSegment(pool, 2, fsi, 256)

	tid, err := sp.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	payload := bytes.Repeat([]byte{0x42}, 16)
	if err := sp.Write(tid, payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got := make([]byte, 16)
	n, err := sp.Read(tid, got)
	if err != nil || n != 16 || !bytes.Equal(got, payload) {
		t.Fatalf("Read() = (%d, %v) got=%x, want (16, nil) got=%x", n, err, got, payload)
	}

	if err := sp.Erase(tid); err != nil {
		t.Fatalf("Erase() error = %v", err)
	}
	if _, err := sp.Read(tid, got); err == nil {
		t.Errorf("Read() after Erase() error = nil, want error")
	}
}

func TestSPSegmentAllocateSpansMultiplePages(t *testing.T) {
	pool := newTestPool(t, 128, 4)
	fsi, err := CreateFSISegment(pool, 1)
	if err != nil {
		t.Fatalf("CreateFSISegment() error = %v", err)
	}
	sp := NewSPSegment(pool, 2, fsi, 128)

	var tids []struct {
		tid     uint64
		payload []byte
	}
	for i := 0; i < 10; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 16)
		tid, err := sp.Allocate(uint32(len(payload)))
		if err != nil {
			t.Fatalf("Allocate() #%d error = %v", i, err)
		}
		if err := sp.Write(tid, payload); err != nil {
			t.Fatalf("Write() #%d error = %v", i, err)
		}
		tids = append(tids, struct {
			tid     uint64
			payload []byte
		}{uint64(tid), payload})
	}

	for i, entry := range tids {
		got := make([]byte, len(entry.payload))
		_, err := sp.Read(page.TID(entry.tid), got)
		if err != nil || !bytes.Equal(got, entry.payload) {
			t.Errorf("Read() #%d = (%x, %v), want (%x, nil)", i, got, err, entry.payload)
		}
	}
}
