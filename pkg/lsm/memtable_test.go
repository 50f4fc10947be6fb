package lsm

import (
	"bytes"
	"testing"
)

func TestMemtablePutUpdatesSizeAndEntries(t *testing.T) {
	m := newMemtable()

	key := []byte("a")
	val := []byte("v1")

	if got := m.entryCount(); got != 0 {
		t.Fatalf("entryCount before put = %d, want 0", got)
	}
	baseSize := m.sizeEstimate()

	m.put(&Record{Key: key, Value: val, Seq: 100, Kind: KindPut})
	if got := m.entryCount(); got != 1 {
		t.Fatalf("entryCount after first put = %d, want 1", got)
	}
	wantInc := int64(len(key)) + int64(len(val)) + memEntryOverhead
	if got := m.sizeEstimate(); got != baseSize+wantInc {
		t.Fatalf("sizeEstimate = %d, want %d", got, baseSize+wantInc)
	}

	// Another version of the same key accumulates; versions coexist.
	m.put(&Record{Key: key, Value: []byte("v2"), Seq: 90, Kind: KindPut})
	if got := m.entryCount(); got != 2 {
		t.Fatalf("entryCount after second put = %d, want 2", got)
	}
}

func TestMemtableGetNewestVersionWins(t *testing.T) {
	m := newMemtable()
	m.put(&Record{Key: []byte("k"), Value: []byte("old"), Seq: 1, Kind: KindPut})
	m.put(&Record{Key: []byte("k"), Value: []byte("new"), Seq: 5, Kind: KindPut})
	m.put(&Record{Key: []byte("k"), Value: []byte("mid"), Seq: 3, Kind: KindPut})

	ev, ok := m.get([]byte("k"))
	if !ok {
		t.Fatal("get missed an inserted key")
	}
	if string(ev.value) != "new" {
		t.Fatalf("got %q, want the highest-seq version %q", ev.value, "new")
	}

	if _, ok := m.get([]byte("missing")); ok {
		t.Fatal("get found a key that was never inserted")
	}
}

func TestMemtableTombstoneIsVisible(t *testing.T) {
	m := newMemtable()
	m.put(&Record{Key: []byte("k"), Value: []byte("v"), Seq: 1, Kind: KindPut})
	m.put(&Record{Key: []byte("k"), Seq: 2, Kind: KindDel})

	// A tombstone must be returned, not collapsed to absent: upper tiers
	// use it to stop the search before older values leak through.
	ev, ok := m.get([]byte("k"))
	if !ok {
		t.Fatal("tombstoned key reported as never-written")
	}
	if ev.kind != KindDel {
		t.Fatalf("kind = %d, want KindDel", ev.kind)
	}
}

func TestMemtableIterSortedOrder(t *testing.T) {
	m := newMemtable()
	m.put(&Record{Key: []byte("b"), Value: []byte("vb"), Seq: 2, Kind: KindPut})
	m.put(&Record{Key: []byte("a"), Value: []byte("va1"), Seq: 1, Kind: KindPut})
	m.put(&Record{Key: []byte("c"), Value: []byte("vc"), Seq: 4, Kind: KindPut})
	m.put(&Record{Key: []byte("a"), Value: []byte("va3"), Seq: 3, Kind: KindPut})

	var got []*Record
	it := m.iterAll()
	for rec := it.Next(); rec != nil; rec = it.Next() {
		got = append(got, rec)
	}
	if len(got) != 4 {
		t.Fatalf("iterated %d records, want 4", len(got))
	}

	// Key ascending, and within a key sequence descending.
	wantKeys := []string{"a", "a", "b", "c"}
	wantSeqs := []uint64{3, 1, 2, 4}
	for i, rec := range got {
		if string(rec.Key) != wantKeys[i] || rec.Seq != wantSeqs[i] {
			t.Fatalf("record %d = (%q, seq %d), want (%q, seq %d)",
				i, rec.Key, rec.Seq, wantKeys[i], wantSeqs[i])
		}
	}

	// A fresh iteration starts over.
	it2 := m.iterAll()
	first := it2.Next()
	if first == nil || !bytes.Equal(first.Key, []byte("a")) {
		t.Fatalf("fresh iterator started at %v, want key a", first)
	}
}
