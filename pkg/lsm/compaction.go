package lsm

import (
	"bytes"
	"container/heap"
)

// recordIterator is a sorted stream of records, nil when exhausted.
// Memtable and segment iterators both satisfy it.
type recordIterator interface {
	Next() *Record
}

// heapItem pairs an iterator with its current record for heap ordering.
type heapItem struct {
	iter    recordIterator
	current *Record
}

// mergeHeap orders by internal key: user key asc, then seq desc, so the
// newest version of each key is popped first.
type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].current.Key, h[j].current.Key); c != 0 {
		return c < 0
	}
	return h[i].current.Seq > h[j].current.Seq
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeIterator merges sorted sources into one stream with exactly one
// record per user key: the one with the highest sequence number. Feeding
// it every current segment makes its output a complete replacement tier.
type mergeIterator struct {
	heap mergeHeap
}

func newMergeIterator(iters []recordIterator) *mergeIterator {
	h := make(mergeHeap, 0, len(iters))
	for _, it := range iters {
		if rec := it.Next(); rec != nil {
			h = append(h, &heapItem{iter: it, current: rec})
		}
	}
	heap.Init(&h)
	return &mergeIterator{heap: h}
}

// Next returns the next surviving record, or nil when exhausted.
func (m *mergeIterator) Next() *Record {
	for len(m.heap) > 0 {
		item := heap.Pop(&m.heap).(*heapItem)
		rec := item.current
		if next := item.iter.Next(); next != nil {
			item.current = next
			heap.Push(&m.heap, item)
		}

		// Discard older versions of the same key.
		for len(m.heap) > 0 && bytes.Equal(m.heap[0].current.Key, rec.Key) {
			dup := heap.Pop(&m.heap).(*heapItem)
			if next := dup.iter.Next(); next != nil {
				dup.current = next
				heap.Push(&m.heap, dup)
			}
		}
		return rec
	}
	return nil
}
