package lsm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// Instance is one named storage instance: a WAL, an active memtable, zero or
// more frozen memtables awaiting flush, and an ordered list of immutable
// segment files (oldest first). Instances share no mutable state.
//
// Writers are serialized per instance to keep sequence numbers monotonic
// with WAL order. Readers run against an immutable snapshot view and never
// block on flush or compaction, which execute on a single background worker.
type Instance struct {
	name string
	dir  string
	opts Options
	log  zerolog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	// writeMu serializes the write path: sequence assignment, WAL append,
	// memtable insert, freeze. This is the only write-side exclusion.
	writeMu sync.Mutex
	seq     atomic.Uint64

	// mu guards the tier references swapped by freeze/flush/compaction.
	mu        sync.RWMutex
	wal       *wal
	mem       *memtable
	frozen    []*frozenMemtable // oldest first
	segments  []*segment        // oldest first
	nextSegID uint64            // worker-only after open

	tasks    chan *task
	stopChan chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// frozenMemtable is a memtable taken out of the write path, paired with the
// id of the WAL file sealed at the same moment. Once the memtable is
// published as a segment, WAL files up to sealedWAL are deleted.
type frozenMemtable struct {
	mt        *memtable
	sealedWAL int
}

type taskKind uint8

const (
	taskFlush taskKind = iota + 1
	taskCompact
)

type task struct {
	kind taskKind
	done chan error // nil for fire-and-forget
}

func openInstance(name string, opts Options) (*Instance, error) {
	opts = opts.withDefaults()
	dir := filepath.Join(opts.Dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create instance dir: %w", err)
	}

	db := &Instance{
		name:      name,
		dir:       dir,
		opts:      opts,
		log:       opts.Logger.With().Str("instance", name).Logger(),
		mem:       newMemtable(),
		nextSegID: 1,
		tasks:     make(chan *task, 8),
		stopChan:  make(chan struct{}),
	}

	if opts.Compression == "zstd" {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, err
		}
		db.enc = enc
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	db.dec = dec

	if err := db.recover(); err != nil {
		if db.enc != nil {
			db.enc.Close()
		}
		db.dec.Close()
		return nil, err
	}

	db.wg.Add(1)
	go db.worker()
	if opts.CompactionInterval > 0 {
		db.wg.Add(1)
		go db.compactionTicker()
	}
	return db, nil
}

// recover rebuilds the instance state from disk: discard partial temp
// files, load segments in creation order, replay every WAL into a fresh
// memtable, then open a new WAL for writes. Corruption in committed data
// fails the open; only a torn WAL tail is silently truncated.
func (db *Instance) recover() error {
	start := time.Now()
	if err := removeTempFiles(db.dir); err != nil {
		return fmt.Errorf("discard temp files: %w", err)
	}

	var maxSeq uint64
	segIDs, err := listSegmentIDs(db.dir)
	if err != nil {
		return err
	}
	for _, id := range segIDs {
		seg, err := openSegment(filepath.Join(db.dir, segmentFileName(id)), id, db.dec)
		if err != nil {
			return err
		}
		db.segments = append(db.segments, seg)
		if seg.maxSeq > maxSeq {
			maxSeq = seg.maxSeq
		}
		db.nextSegID = id + 1
	}

	walIDs, err := listWALFiles(db.dir)
	if err != nil {
		return err
	}
	maxWalID := 0
	var replayed int64
	for _, id := range walIDs {
		fileMax, err := replayWALFile(filepath.Join(db.dir, walFileName(id)), db.log, func(rec *Record) error {
			db.mem.put(rec)
			replayed++
			return nil
		})
		if err != nil {
			return err
		}
		if fileMax > maxSeq {
			maxSeq = fileMax
		}
		maxWalID = id
	}

	w, err := openWAL(db.dir, maxWalID+1, db.opts.FsyncPolicy, db.log)
	if err != nil {
		return err
	}
	db.wal = w
	db.seq.Store(maxSeq)

	db.log.Info().
		Int("segments", len(db.segments)).
		Int64("wal_records", replayed).
		Uint64("last_seq", maxSeq).
		Dur("took", time.Since(start)).
		Msg("instance recovered")
	return nil
}

func (db *Instance) checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > db.opts.MaxKeySize {
		return fmt.Errorf("%w: %d > %d bytes", ErrKeyTooLarge, len(key), db.opts.MaxKeySize)
	}
	return nil
}

func (db *Instance) checkValue(value []byte) error {
	if len(value) > db.opts.MaxValueSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrValueTooLarge, len(value), db.opts.MaxValueSize)
	}
	return nil
}

// Set stores key=value. The write is WAL-appended before it becomes
// visible; durability per the fsync policy and wo.Sync.
func (db *Instance) Set(ctx context.Context, key, value []byte, wo *WriteOptions) error {
	if err := db.checkKey(key); err != nil {
		return err
	}
	if err := db.checkValue(value); err != nil {
		return err
	}
	rec := &Record{
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
		Kind:  KindPut,
	}
	return db.write(rec, wo)
}

// Delete removes key by writing a tombstone. Deleting an absent key is not
// an error; the tombstone is compacted away eventually either way.
func (db *Instance) Delete(ctx context.Context, key []byte, wo *WriteOptions) error {
	if err := db.checkKey(key); err != nil {
		return err
	}
	rec := &Record{Key: append([]byte(nil), key...), Kind: KindDel}
	return db.write(rec, wo)
}

func (db *Instance) write(rec *Record, wo *WriteOptions) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if db.closed.Load() {
		return ErrClosed
	}

	rec.Seq = db.seq.Add(1)
	forceSync := wo != nil && wo.Sync
	if err := db.wal.Append(rec, forceSync); err != nil {
		return err
	}
	db.mem.put(rec)

	if db.mem.sizeEstimate() >= db.opts.MemtableSizeThreshold {
		return db.freezeLocked()
	}
	return nil
}

// freezeLocked swaps in a fresh memtable and hands the full one to the
// background worker. Caller holds writeMu.
func (db *Instance) freezeLocked() error {
	sealed, err := db.wal.Rotate()
	if err != nil {
		return fmt.Errorf("seal wal for flush: %w", err)
	}

	db.mu.Lock()
	db.frozen = append(db.frozen, &frozenMemtable{mt: db.mem, sealedWAL: sealed})
	db.mem = newMemtable()
	db.mu.Unlock()

	db.schedule(taskFlush, nil)
	return nil
}

func (db *Instance) schedule(kind taskKind, done chan error) {
	t := &task{kind: kind, done: done}
	select {
	case db.tasks <- t:
	case <-db.stopChan:
		if done != nil {
			done <- ErrClosed
		}
	}
}

// Get returns the live value for key. The second return is false when the
// key is absent or tombstoned; that is not an error.
func (db *Instance) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := db.checkKey(key); err != nil {
		return nil, false, err
	}
	v, err := db.acquireView()
	if err != nil {
		return nil, false, err
	}
	defer v.release()

	// Tier order, newest to oldest. The search stops at the first tier
	// that knows the key at all: a tombstone there hides anything older.
	if ev, ok := v.mem.get(key); ok {
		return materialize(ev)
	}
	for i := len(v.frozen) - 1; i >= 0; i-- {
		if ev, ok := v.frozen[i].get(key); ok {
			return materialize(ev)
		}
	}
	for i := len(v.segments) - 1; i >= 0; i-- {
		ev, ok, err := v.segments[i].get(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return materialize(ev)
		}
	}
	return nil, false, nil
}

func materialize(ev entryVal) ([]byte, bool, error) {
	if ev.kind == KindDel {
		return nil, false, nil
	}
	return append([]byte(nil), ev.value...), true, nil
}

// view is a consistent snapshot of the tier references at acquire time.
// Concurrent freezes, flushes and compactions swap the instance's own
// references without disturbing it.
type view struct {
	mem      *memtable
	frozen   []*memtable
	segments []*segment
}

func (db *Instance) acquireView() (*view, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed.Load() {
		return nil, ErrClosed
	}
	v := &view{mem: db.mem, segments: slices.Clone(db.segments)}
	for _, fr := range db.frozen {
		v.frozen = append(v.frozen, fr.mt)
	}
	for _, s := range v.segments {
		s.incRef()
	}
	return v, nil
}

func (v *view) release() {
	for _, s := range v.segments {
		s.decRef()
	}
}

// Flush freezes the active memtable (if non-empty) and waits until every
// frozen memtable has been published as a segment.
func (db *Instance) Flush(ctx context.Context) error {
	db.writeMu.Lock()
	if db.closed.Load() {
		db.writeMu.Unlock()
		return ErrClosed
	}
	var ferr error
	if db.mem.entryCount() > 0 {
		ferr = db.freezeLocked()
	}
	db.writeMu.Unlock()
	if ferr != nil {
		return ferr
	}

	done := make(chan error, 1)
	db.schedule(taskFlush, done)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compact merges all current segments into one and waits for completion.
func (db *Instance) Compact(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}
	done := make(chan error, 1)
	db.schedule(taskCompact, done)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- background worker ---

// worker runs flush and compaction tasks one at a time. Serializing them
// keeps segment creation order equal to data recency order and guarantees
// no two compactions ever run over the same inputs.
func (db *Instance) worker() {
	defer db.wg.Done()
	for {
		select {
		case t := <-db.tasks:
			db.runTask(t)
		case <-db.stopChan:
			for {
				select {
				case t := <-db.tasks:
					db.runTask(t)
				default:
					return
				}
			}
		}
	}
}

func (db *Instance) runTask(t *task) {
	var err error
	switch t.kind {
	case taskFlush:
		err = db.flushFrozen()
		if err == nil && db.segmentCount() >= db.opts.CompactionTrigger {
			err = db.compact()
		}
	case taskCompact:
		err = db.compact()
	}
	if err != nil {
		db.log.Error().Err(err).Uint8("task", uint8(t.kind)).Msg("background task failed")
	}
	if t.done != nil {
		t.done <- err
	}
}

func (db *Instance) compactionTicker() {
	defer db.wg.Done()
	ticker := time.NewTicker(db.opts.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopChan:
			return
		case <-ticker.C:
			if db.segmentCount() >= 2 {
				db.schedule(taskCompact, nil)
			}
		}
	}
}

func (db *Instance) segmentCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.segments)
}

// flushFrozen publishes every frozen memtable as a segment, oldest first.
func (db *Instance) flushFrozen() error {
	for {
		db.mu.RLock()
		if len(db.frozen) == 0 {
			db.mu.RUnlock()
			return nil
		}
		fr := db.frozen[0]
		db.mu.RUnlock()

		if err := db.flushOne(fr); err != nil {
			return err
		}
	}
}

func (db *Instance) flushOne(fr *frozenMemtable) error {
	start := time.Now()
	count := fr.mt.entryCount()

	if count > 0 {
		tmp, err := os.CreateTemp(db.dir, "seg-*.tmp")
		if err != nil {
			return fmt.Errorf("create segment temp file: %w", err)
		}
		w := newSegmentWriter(tmp, db.opts, db.enc, uint(count))
		it := fr.mt.iterAll()
		for rec := it.Next(); rec != nil; rec = it.Next() {
			if err := w.add(rec); err != nil {
				tmp.Close()
				os.Remove(tmp.Name())
				return fmt.Errorf("write segment: %w", err)
			}
		}
		if err := w.finish(); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("finish segment: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return err
		}

		id := db.nextSegID
		final := filepath.Join(db.dir, segmentFileName(id))
		if err := os.Rename(tmp.Name(), final); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("publish segment: %w", err)
		}
		seg, err := openSegment(final, id, db.dec)
		if err != nil {
			return fmt.Errorf("reopen published segment: %w", err)
		}

		db.mu.Lock()
		db.segments = append(db.segments, seg)
		db.frozen = db.frozen[1:]
		db.nextSegID = id + 1
		db.mu.Unlock()

		db.log.Info().
			Uint64("segment", id).
			Int64("records", count).
			Dur("took", time.Since(start)).
			Msg("memtable flushed")
	} else {
		db.mu.Lock()
		db.frozen = db.frozen[1:]
		db.mu.Unlock()
	}

	// The segment now covers everything up to the sealed WAL file.
	if err := removeWALsThrough(db.dir, fr.sealedWAL); err != nil {
		return fmt.Errorf("drop sealed wal: %w", err)
	}
	return nil
}

// compact merges every current segment into one, keeping only the newest
// version of each key. Because the inputs always include the oldest tier,
// surviving tombstones shadow nothing and are dropped. Inputs are retired
// only after the output is published; a crash mid-compaction leaves the
// prior state intact.
func (db *Instance) compact() error {
	db.mu.RLock()
	inputs := slices.Clone(db.segments)
	db.mu.RUnlock()
	if len(inputs) < 2 {
		return nil
	}

	start := time.Now()
	var expected uint64
	segIters := make([]*segmentIterator, 0, len(inputs))
	iters := make([]recordIterator, 0, len(inputs))
	for _, s := range inputs {
		expected += s.entryCount
		it := s.iter()
		segIters = append(segIters, it)
		iters = append(iters, it)
	}
	merged := newMergeIterator(iters)

	tmp, err := os.CreateTemp(db.dir, "seg-*.tmp")
	if err != nil {
		return fmt.Errorf("create compaction temp file: %w", err)
	}
	w := newSegmentWriter(tmp, db.opts, db.enc, uint(expected))

	var kept, dropped int64
	for rec := merged.Next(); rec != nil; rec = merged.Next() {
		if rec.Kind == KindDel {
			dropped++
			continue
		}
		if err := w.add(rec); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("write compaction output: %w", err)
		}
		kept++
	}
	for _, it := range segIters {
		if err := it.Err(); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("compaction input: %w", err)
		}
	}

	var output *segment
	if kept > 0 {
		if err := w.finish(); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("finish compaction output: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return err
		}
		id := db.nextSegID
		final := filepath.Join(db.dir, segmentFileName(id))
		if err := os.Rename(tmp.Name(), final); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("publish compaction output: %w", err)
		}
		if output, err = openSegment(final, id, db.dec); err != nil {
			return fmt.Errorf("reopen compaction output: %w", err)
		}
		db.nextSegID = id + 1
	} else {
		// Everything was tombstoned; the inputs are replaced by nothing.
		tmp.Close()
		os.Remove(tmp.Name())
	}

	db.mu.Lock()
	rest := db.segments[len(inputs):]
	if output != nil {
		db.segments = append([]*segment{output}, rest...)
	} else {
		db.segments = append([]*segment(nil), rest...)
	}
	db.mu.Unlock()

	// Oldest first, so a crash mid-retire can never leave a value without
	// the newer tombstone that hides it.
	for _, s := range inputs {
		s.retire()
	}

	db.log.Info().
		Int("inputs", len(inputs)).
		Int64("kept", kept).
		Int64("tombstones_dropped", dropped).
		Dur("took", time.Since(start)).
		Msg("segments compacted")
	return nil
}

// --- lifecycle, stats ---

// Close releases this handle. The instance shuts down when the last handle
// from Open is closed: new operations are rejected, in-flight flush and
// compaction tasks finish, file handles are released.
func (db *Instance) Close() error {
	return defaultRegistry.release(db)
}

func (db *Instance) shutdown() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(db.stopChan)
	db.wg.Wait()

	var firstErr error
	if err := db.wal.Close(); err != nil {
		firstErr = err
	}
	db.mu.Lock()
	for _, s := range db.segments {
		s.decRef()
	}
	db.segments = nil
	db.mu.Unlock()

	if db.enc != nil {
		db.enc.Close()
	}
	db.dec.Close()
	db.log.Info().Msg("instance closed")
	return firstErr
}

// Stats reports the current shape of the instance.
type Stats struct {
	MemtableBytes   int64
	MemtableEntries int64
	FrozenMemtables int
	Segments        int
	SegmentEntries  uint64
	LastSeq         uint64
}

func (db *Instance) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	st := Stats{
		MemtableBytes:   db.mem.sizeEstimate(),
		MemtableEntries: db.mem.entryCount(),
		FrozenMemtables: len(db.frozen),
		Segments:        len(db.segments),
		LastSeq:         db.seq.Load(),
	}
	for _, s := range db.segments {
		st.SegmentEntries += s.entryCount
	}
	return st
}

// Name returns the instance name it was opened under.
func (db *Instance) Name() string { return db.name }
