package lsm

import (
	"bytes"
	"testing"
)

func sliceIter(recs []*Record) recordIterator {
	return &sliceIterator{recs: recs}
}

type sliceIterator struct {
	recs []*Record
	pos  int
}

func (it *sliceIterator) Next() *Record {
	if it.pos >= len(it.recs) {
		return nil
	}
	rec := it.recs[it.pos]
	it.pos++
	return rec
}

func TestMergeIteratorNewestWins(t *testing.T) {
	older := []*Record{
		{Key: []byte("a"), Value: []byte("a1"), Seq: 1, Kind: KindPut},
		{Key: []byte("b"), Value: []byte("b2"), Seq: 2, Kind: KindPut},
		{Key: []byte("d"), Value: []byte("d3"), Seq: 3, Kind: KindPut},
	}
	newer := []*Record{
		{Key: []byte("a"), Value: []byte("a9"), Seq: 9, Kind: KindPut},
		{Key: []byte("c"), Value: []byte("c8"), Seq: 8, Kind: KindPut},
		{Key: []byte("d"), Seq: 7, Kind: KindDel},
	}

	m := newMergeIterator([]recordIterator{sliceIter(older), sliceIter(newer)})

	type row struct {
		key  string
		seq  uint64
		kind uint8
	}
	want := []row{
		{"a", 9, KindPut},
		{"b", 2, KindPut},
		{"c", 8, KindPut},
		{"d", 7, KindDel},
	}
	for i, w := range want {
		rec := m.Next()
		if rec == nil {
			t.Fatalf("merge ended early at %d", i)
		}
		if string(rec.Key) != w.key || rec.Seq != w.seq || rec.Kind != w.kind {
			t.Fatalf("merged[%d] = (%q seq=%d kind=%d), want (%q seq=%d kind=%d)",
				i, rec.Key, rec.Seq, rec.Kind, w.key, w.seq, w.kind)
		}
	}
	if rec := m.Next(); rec != nil {
		t.Fatalf("extra merged record %+v", rec)
	}
}

func TestMergeIteratorManyVersions(t *testing.T) {
	// One source with several versions of the same key, internal-key order.
	src := []*Record{
		{Key: []byte("k"), Value: []byte("v5"), Seq: 5, Kind: KindPut},
		{Key: []byte("k"), Value: []byte("v3"), Seq: 3, Kind: KindPut},
		{Key: []byte("k"), Value: []byte("v1"), Seq: 1, Kind: KindPut},
	}
	m := newMergeIterator([]recordIterator{sliceIter(src)})

	rec := m.Next()
	if rec == nil || rec.Seq != 5 || string(rec.Value) != "v5" {
		t.Fatalf("got %+v, want the seq-5 version only", rec)
	}
	if rec := m.Next(); rec != nil {
		t.Fatalf("older versions not deduplicated: %+v", rec)
	}
}

// Compacting segments must answer every key exactly as the segment stack
// did before, minus dropped tombstones.
func TestSegmentCompactionEquivalence(t *testing.T) {
	dir := t.TempDir()

	oldSeg := writeTestSegmentID(t, dir, Options{SparseIndexSampling: 3}, 1, []*Record{
		{Key: []byte("a"), Value: []byte("a-old"), Seq: 1, Kind: KindPut},
		{Key: []byte("b"), Value: []byte("b-old"), Seq: 2, Kind: KindPut},
		{Key: []byte("c"), Value: []byte("c-old"), Seq: 3, Kind: KindPut},
	})
	newSeg := writeTestSegmentID(t, dir, Options{SparseIndexSampling: 3}, 2, []*Record{
		{Key: []byte("a"), Value: []byte("a-new"), Seq: 10, Kind: KindPut},
		{Key: []byte("b"), Seq: 11, Kind: KindDel},
		{Key: []byte("d"), Value: []byte("d-new"), Seq: 12, Kind: KindPut},
	})

	merged := newMergeIterator([]recordIterator{oldSeg.iter(), newSeg.iter()})
	var out []*Record
	for rec := merged.Next(); rec != nil; rec = merged.Next() {
		if rec.Kind == KindDel {
			continue // inputs include the oldest tier
		}
		out = append(out, rec)
	}
	result := writeTestSegmentID(t, dir, Options{SparseIndexSampling: 3}, 3, out)

	lookupStack := func(key []byte) ([]byte, bool) {
		for _, s := range []*segment{newSeg, oldSeg} { // newest first
			ev, ok, err := s.get(key)
			if err != nil {
				t.Fatalf("stack get %q: %v", key, err)
			}
			if ok {
				if ev.kind == KindDel {
					return nil, false
				}
				return ev.value, true
			}
		}
		return nil, false
	}

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		wantVal, wantOK := lookupStack([]byte(key))
		ev, ok, err := result.get([]byte(key))
		if err != nil {
			t.Fatalf("compacted get %q: %v", key, err)
		}
		if ok != wantOK {
			t.Fatalf("key %q: compacted ok=%v, stack ok=%v", key, ok, wantOK)
		}
		if ok && !bytes.Equal(ev.value, wantVal) {
			t.Fatalf("key %q: compacted %q, stack %q", key, ev.value, wantVal)
		}
	}

	// The dropped tombstone occupies no space in the output.
	if result.entryCount != 3 {
		t.Fatalf("compacted entryCount = %d, want 3 (a, c, d)", result.entryCount)
	}
}
