package lsm

import (
	"bytes"
	"sync"

	"github.com/huandu/skiplist"
)

// internalOrdKey defines the skiplist ordering: user key asc, seq desc.
type internalOrdKey struct {
	userKey []byte
	seq     uint64
}

// entryVal is the stored side of an internal entry.
type entryVal struct {
	kind  uint8
	value []byte
}

// compareInternal orders by user key ascending, then sequence descending,
// so the newest version of a key sorts first within the key's run.
func compareInternal(a, b interface{}) int {
	ka := a.(internalOrdKey)
	kb := b.(internalOrdKey)
	if c := bytes.Compare(ka.userKey, kb.userKey); c != 0 {
		return c
	}
	if ka.seq > kb.seq {
		return -1
	}
	if ka.seq < kb.seq {
		return 1
	}
	return 0
}

// memEntryOverhead approximates per-entry memory beyond key and value bytes
// (skiplist node, interface boxing, allocator slack). It keeps sizeEstimate
// close enough to real usage for the flush threshold to be meaningful.
const memEntryOverhead = 32

// memtable is the mutable in-memory tier. Once frozen for flush it is only
// read, via get and iterAll.
type memtable struct {
	mu         sync.RWMutex
	list       *skiplist.SkipList
	approxSize int64
	numEntries int64
}

func newMemtable() *memtable {
	return &memtable{
		list: skiplist.New(skiplist.GreaterThanFunc(compareInternal)),
	}
}

// put inserts one record. Multiple versions of the same key coexist; reads
// resolve to the highest sequence number.
func (m *memtable) put(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list.Set(
		internalOrdKey{userKey: rec.Key, seq: rec.Seq},
		entryVal{kind: rec.Kind, value: rec.Value},
	)
	m.approxSize += int64(len(rec.Key)) + int64(len(rec.Value)) + memEntryOverhead
	m.numEntries++
}

// get returns the newest version of key, tombstones included. The caller
// decides what a tombstone means; collapsing it to "absent" here would let
// older tiers leak through.
func (m *memtable) get(key []byte) (entryVal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// (key, maxSeq) is the smallest internal key for this user key, so Find
	// lands on the newest version if the key is present at all.
	e := m.list.Find(internalOrdKey{userKey: key, seq: ^uint64(0)})
	if e == nil {
		return entryVal{}, false
	}
	k := e.Key().(internalOrdKey)
	if !bytes.Equal(k.userKey, key) {
		return entryVal{}, false
	}
	return e.Value.(entryVal), true
}

func (m *memtable) sizeEstimate() int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.approxSize
}

func (m *memtable) entryCount() int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.numEntries
}

// iterAll returns a sorted stream of every version in the table, in
// internal-key order. Used to flush a frozen memtable and by merges.
func (m *memtable) iterAll() *memtableIterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &memtableIterator{next: m.list.Front()}
}

type memtableIterator struct {
	next *skiplist.Element
}

// Next returns the next record or nil when exhausted.
func (it *memtableIterator) Next() *Record {
	if it.next == nil {
		return nil
	}
	k := it.next.Key().(internalOrdKey)
	v := it.next.Value.(entryVal)
	it.next = it.next.Next()
	return &Record{Key: k.userKey, Value: v.value, Seq: k.seq, Kind: v.kind}
}
