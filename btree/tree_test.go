package btree

import (
	"fmt"
	"testing"

	"github.com/mrlbrg/bbbtree-go/bufpool"
	"github.com/mrlbrg/bbbtree-go/pageio"
)

func newTestTree(t *testing.T, pageSize uint32, frames int) (*Tree, *bufpool.Pool) {
	t.Helper()
	store := pageio.NewMemStore(pageSize)
	pool := bufpool.Open(store, pageSize, frames, bufpool.NewStats())
	tr, err := Create(pool, 1, bufpool.DefaultPageLogic{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return tr, pool
}

func TestTreeInsertLookup(t *testing.T) {
	tr, _ := newTestTree(t, 256, 16)

	want := map[string]string{
		"apple":  "red",
		"banana": "yellow",
		"kiwi":   "green",
	}
	for k, v := range want {
		if err := tr.Insert([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Insert(%q) error = %v", k, err)
		}
	}
	for k, v := range want {
		got, ok, err := tr.Lookup([]byte(k))
		if err != nil {
			t.Fatalf("Lookup(%q) error = %v", k, err)
		}
		if !ok || string(got) != v {
			t.Errorf("Lookup(%q) = (%q, %v), want (%q, true)", k, got, ok, v)
		}
	}
	if _, ok, _ := tr.Lookup([]byte("mango")); ok {
		t.Errorf("Lookup(mango) reported found for an absent key")
	}
}

func TestTreeUpdateOverwritesValue(t *testing.T) {
	tr, _ := newTestTree(t, 256, 16)
	if err := tr.Insert([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := tr.Insert([]byte("k"), []byte("v2-longer")); err != nil {
		t.Fatalf("Insert() update error = %v", err)
	}
	got, ok, err := tr.Lookup([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("Lookup() = (%q, %v, %v)", got, ok, err)
	}
	if string(got) != "v2-longer" {
		t.Errorf("Lookup() = %q, want v2-longer", got)
	}
}

func TestTreeEraseIsTombstoneOnly(t *testing.T) {
	tr, _ := newTestTree(t, 256, 16)
	if err := tr.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	ok, err := tr.Erase([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("Erase() = (%v, %v), want (true, nil)", ok, err)
	}
	if _, ok, _ := tr.Lookup([]byte("k")); ok {
		t.Errorf("Lookup() found a key erased earlier")
	}
	if ok, _ := tr.Erase([]byte("k")); ok {
		t.Errorf("Erase() reported success for an already-erased key")
	}
}

func TestTreeSplitsAcrossManyKeys(t *testing.T) {
	tr, _ := newTestTree(t, 256, 64)

	const n = 500
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		if err := tr.Insert([]byte(k), []byte(fmt.Sprintf("value-%d", i))); err != nil {
			t.Fatalf("Insert(%q) error = %v", k, err)
		}
	}
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		want := fmt.Sprintf("value-%d", i)
		got, ok, err := tr.Lookup([]byte(k))
		if err != nil || !ok || string(got) != want {
			t.Fatalf("Lookup(%q) = (%q, %v, %v), want (%q, true, nil)", k, got, ok, err, want)
		}
	}
	count, err := tr.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != n {
		t.Errorf("Count() = %d, want %d", count, n)
	}
}

func TestTreeRangeIsSortedAndRespectsBounds(t *testing.T) {
	tr, _ := newTestTree(t, 256, 64)

	const n = 200
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k%03d", i)
		if err := tr.Insert([]byte(k), []byte{byte(i)}); err != nil {
			t.Fatalf("Insert(%q) error = %v", k, err)
		}
	}

	var got []string
	err := tr.Range([]byte("k050"), []byte("k060"), func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	})
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("Range() returned %d keys, want 10: %v", len(got), got)
	}
	for i, k := range got {
		want := fmt.Sprintf("k%03d", 50+i)
		if k != want {
			t.Errorf("Range()[%d] = %q, want %q", i, k, want)
		}
	}
}

func TestTreeRangeStopsEarly(t *testing.T) {
	tr, _ := newTestTree(t, 256, 64)
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("k%03d", i)
		if err := tr.Insert([]byte(k), []byte{byte(i)}); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
	n := 0
	err := tr.Range(nil, nil, func(k, v []byte) bool {
		n++
		return n < 5
	})
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if n != 5 {
		t.Errorf("Range() visited %d entries, want 5 (early stop)", n)
	}
}

func TestTreeRejectsOversizedKey(t *testing.T) {
	tr, _ := newTestTree(t, 128, 8)
	huge := make([]byte, 200)
	if err := tr.Insert(huge, []byte("v")); err != ErrKeyTooLarge {
		t.Errorf("Insert(oversized key) error = %v, want ErrKeyTooLarge", err)
	}
}

func TestTreeReopenSeesPersistedState(t *testing.T) {
	store := pageio.NewMemStore(256)
	pool := bufpool.Open(store, 256, 16, bufpool.NewStats())
	tr, err := Create(pool, 7, bufpool.DefaultPageLogic{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for i := 0; i < 300; i++ {
		k := fmt.Sprintf("r%04d", i)
		if err := tr.Insert([]byte(k), []byte("x")); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
	if err := pool.ClearAll(true); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}

	reopened, err := Open(pool, 7, bufpool.DefaultPageLogic{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, ok, err := reopened.Lookup([]byte("r0150"))
	if err != nil || !ok || string(got) != "x" {
		t.Fatalf("Lookup() after reopen = (%q, %v, %v)", got, ok, err)
	}
}
