package lsm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"sync/atomic"

	bloom "github.com/bits-and-blooms/bloom/v3"
	"github.com/klauspost/compress/zstd"
)

// Segment file layout:
//
//	[data block]*          records in internal-key order, at least
//	                       SparseIndexSampling records per block, cut only
//	                       between distinct user keys (a key's whole version
//	                       run shares one block), optionally zstd-compressed
//	[index block]          first key + handle of every data block
//	[bloom block]          serialized filter over user keys
//	[meta block]           counts, key range, seq range, handles, compression
//	[footer]               fixed size: meta handle, version, magic
//
// Every block is framed [crc32c u32][storedLen u32][rawLen u32][payload].
// Files are written to a temp name and renamed into place, so a visible
// segment is always complete; leftover temp files are discarded on open.

const (
	segmentMagic   uint64 = 0x6b767374736567 // "segstkv"
	segmentVersion uint32 = 1

	blockFrameLen = 12
	footerLen     = 28

	segmentBloomFpRate = 0.01
)

func segmentFileName(id uint64) string { return fmt.Sprintf("seg-%06d.sst", id) }

var segmentFileRe = regexp.MustCompile(`^seg-(\d{6})\.sst$`)

// blockHandle addresses one framed block: file offset and total length
// including the frame header.
type blockHandle struct {
	Offset uint64
	Length uint64
}

type indexEntry struct {
	firstKey []byte
	handle   blockHandle
}

// --- writer ---

// segmentWriter streams records (internal-key order required) into a new
// segment file. The caller owns the destination file and the rename that
// publishes it.
type segmentWriter struct {
	f    *os.File
	bw   *bufio.Writer
	opts Options
	enc  *zstd.Encoder

	blockBuf   []byte
	compBuf    []byte
	blockFirst []byte
	blockN     int

	index  []indexEntry
	filter *bloom.BloomFilter

	offset     uint64
	entryCount uint64
	minKey     []byte
	maxKey     []byte
	minSeq     uint64
	maxSeq     uint64
}

func newSegmentWriter(f *os.File, opts Options, enc *zstd.Encoder, expectedKeys uint) *segmentWriter {
	if expectedKeys == 0 {
		expectedKeys = 1
	}
	return &segmentWriter{
		f:      f,
		bw:     bufio.NewWriterSize(f, 1<<20),
		opts:   opts,
		enc:    enc,
		filter: bloom.NewWithEstimates(expectedKeys, segmentBloomFpRate),
		minSeq: ^uint64(0),
	}
}

func (w *segmentWriter) add(rec *Record) error {
	// Cut blocks only between distinct user keys. Versions of one key are
	// consecutive (seq descending), and keeping the whole run in one block
	// lets get stop after scanning the single block the index points at.
	if w.blockN >= w.opts.SparseIndexSampling && !bytes.Equal(rec.Key, w.maxKey) {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	if w.blockN == 0 {
		w.blockFirst = append(w.blockFirst[:0], rec.Key...)
	}
	w.blockBuf = encodeRecord(w.blockBuf, rec)
	w.filter.Add(rec.Key)

	if w.entryCount == 0 {
		w.minKey = append([]byte(nil), rec.Key...)
	}
	w.maxKey = append(w.maxKey[:0], rec.Key...)
	if rec.Seq < w.minSeq {
		w.minSeq = rec.Seq
	}
	if rec.Seq > w.maxSeq {
		w.maxSeq = rec.Seq
	}
	w.entryCount++
	w.blockN++
	return nil
}

func (w *segmentWriter) flushBlock() error {
	if w.blockN == 0 {
		return nil
	}
	payload := w.blockBuf
	rawLen := len(w.blockBuf)
	if w.enc != nil {
		w.compBuf = w.enc.EncodeAll(w.blockBuf, w.compBuf[:0])
		payload = w.compBuf
	}
	h, err := w.writeFramed(payload, rawLen)
	if err != nil {
		return err
	}
	w.index = append(w.index, indexEntry{
		firstKey: append([]byte(nil), w.blockFirst...),
		handle:   h,
	})
	w.blockBuf = w.blockBuf[:0]
	w.blockN = 0
	return nil
}

func (w *segmentWriter) writeFramed(payload []byte, rawLen int) (blockHandle, error) {
	var frame [blockFrameLen]byte
	binary.LittleEndian.PutUint32(frame[0:4], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[8:12], uint32(rawLen))
	if _, err := w.bw.Write(frame[:]); err != nil {
		return blockHandle{}, err
	}
	if _, err := w.bw.Write(payload); err != nil {
		return blockHandle{}, err
	}
	h := blockHandle{Offset: w.offset, Length: uint64(blockFrameLen + len(payload))}
	w.offset += h.Length
	return h, nil
}

// finish writes index, filter, meta and footer, then flushes and syncs the
// file. It does not close or rename; the caller publishes the file.
func (w *segmentWriter) finish() error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	indexHandle, err := w.writeFramed(encodeIndex(w.index), 0)
	if err != nil {
		return err
	}

	var bloomBuf bytes.Buffer
	if _, err := w.filter.WriteTo(&bloomBuf); err != nil {
		return err
	}
	bloomHandle, err := w.writeFramed(bloomBuf.Bytes(), 0)
	if err != nil {
		return err
	}

	metaHandle, err := w.writeFramed(w.encodeMeta(indexHandle, bloomHandle), 0)
	if err != nil {
		return err
	}

	var footer [footerLen]byte
	binary.LittleEndian.PutUint64(footer[0:8], metaHandle.Offset)
	binary.LittleEndian.PutUint64(footer[8:16], metaHandle.Length)
	binary.LittleEndian.PutUint32(footer[16:20], segmentVersion)
	binary.LittleEndian.PutUint64(footer[20:28], segmentMagic)
	if _, err := w.bw.Write(footer[:]); err != nil {
		return err
	}

	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

func encodeIndex(index []indexEntry) []byte {
	var buf []byte
	var u32 [4]byte
	var u64 [8]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(index)))
	buf = append(buf, u32[:]...)
	for _, e := range index {
		binary.LittleEndian.PutUint32(u32[:], uint32(len(e.firstKey)))
		buf = append(buf, u32[:]...)
		buf = append(buf, e.firstKey...)
		binary.LittleEndian.PutUint64(u64[:], e.handle.Offset)
		buf = append(buf, u64[:]...)
		binary.LittleEndian.PutUint64(u64[:], e.handle.Length)
		buf = append(buf, u64[:]...)
	}
	return buf
}

func (w *segmentWriter) encodeMeta(indexHandle, bloomHandle blockHandle) []byte {
	var buf []byte
	var u32 [4]byte
	var u64 [8]byte
	for _, v := range []uint64{
		indexHandle.Offset, indexHandle.Length,
		bloomHandle.Offset, bloomHandle.Length,
		w.entryCount, w.minSeq, w.maxSeq,
	} {
		binary.LittleEndian.PutUint64(u64[:], v)
		buf = append(buf, u64[:]...)
	}
	if w.enc != nil {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	binary.LittleEndian.PutUint32(u32[:], uint32(len(w.minKey)))
	buf = append(buf, u32[:]...)
	buf = append(buf, w.minKey...)
	binary.LittleEndian.PutUint32(u32[:], uint32(len(w.maxKey)))
	buf = append(buf, u32[:]...)
	buf = append(buf, w.maxKey...)
	return buf
}

// --- reader ---

// segment is an open immutable segment file. Snapshot views hold references;
// the file is closed (and, once retired by compaction, removed) when the
// last reference is released.
type segment struct {
	path       string
	id         uint64
	f          *os.File
	dec        *zstd.Decoder
	compressed bool

	index      []indexEntry
	filter     *bloom.BloomFilter
	entryCount uint64
	minKey     []byte
	maxKey     []byte
	minSeq     uint64
	maxSeq     uint64

	refs    atomic.Int32
	retired atomic.Bool
}

func openSegment(path string, id uint64, dec *zstd.Decoder) (*segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s := &segment{path: path, id: id, f: f, dec: dec}
	s.refs.Store(1)
	if err := s.load(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment %s: %w", filepath.Base(path), err)
	}
	return s, nil
}

func (s *segment) load() error {
	fi, err := s.f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() < footerLen {
		return fmt.Errorf("%w: file too small (%d bytes)", ErrCorruptData, fi.Size())
	}

	var footer [footerLen]byte
	if _, err := s.f.ReadAt(footer[:], fi.Size()-footerLen); err != nil {
		return err
	}
	if binary.LittleEndian.Uint64(footer[20:28]) != segmentMagic {
		return fmt.Errorf("%w: bad magic", ErrCorruptData)
	}
	if v := binary.LittleEndian.Uint32(footer[16:20]); v != segmentVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptData, v)
	}
	metaHandle := blockHandle{
		Offset: binary.LittleEndian.Uint64(footer[0:8]),
		Length: binary.LittleEndian.Uint64(footer[8:16]),
	}
	if metaHandle.Offset+metaHandle.Length+footerLen != uint64(fi.Size()) {
		return fmt.Errorf("%w: meta handle out of bounds", ErrCorruptData)
	}

	meta, _, err := s.readFramed(metaHandle)
	if err != nil {
		return err
	}
	indexHandle, bloomHandle, err := s.parseMeta(meta)
	if err != nil {
		return err
	}

	indexPayload, _, err := s.readFramed(indexHandle)
	if err != nil {
		return err
	}
	if s.index, err = decodeIndex(indexPayload); err != nil {
		return err
	}

	bloomPayload, _, err := s.readFramed(bloomHandle)
	if err != nil {
		return err
	}
	filter := bloom.New(1, 1)
	if _, err := filter.ReadFrom(bytes.NewReader(bloomPayload)); err != nil {
		return fmt.Errorf("%w: bloom filter: %v", ErrCorruptData, err)
	}
	s.filter = filter
	return nil
}

func (s *segment) parseMeta(meta []byte) (indexHandle, bloomHandle blockHandle, err error) {
	if len(meta) < 7*8+1+8 {
		return blockHandle{}, blockHandle{}, fmt.Errorf("%w: short meta block", ErrCorruptData)
	}
	indexHandle.Offset = binary.LittleEndian.Uint64(meta[0:8])
	indexHandle.Length = binary.LittleEndian.Uint64(meta[8:16])
	bloomHandle.Offset = binary.LittleEndian.Uint64(meta[16:24])
	bloomHandle.Length = binary.LittleEndian.Uint64(meta[24:32])
	s.entryCount = binary.LittleEndian.Uint64(meta[32:40])
	s.minSeq = binary.LittleEndian.Uint64(meta[40:48])
	s.maxSeq = binary.LittleEndian.Uint64(meta[48:56])
	s.compressed = meta[56] == 1
	off := 57

	minLen := int(binary.LittleEndian.Uint32(meta[off : off+4]))
	off += 4
	if off+minLen+4 > len(meta) {
		return blockHandle{}, blockHandle{}, fmt.Errorf("%w: meta key range", ErrCorruptData)
	}
	s.minKey = append([]byte(nil), meta[off:off+minLen]...)
	off += minLen
	maxLen := int(binary.LittleEndian.Uint32(meta[off : off+4]))
	off += 4
	if off+maxLen > len(meta) {
		return blockHandle{}, blockHandle{}, fmt.Errorf("%w: meta key range", ErrCorruptData)
	}
	s.maxKey = append([]byte(nil), meta[off:off+maxLen]...)
	return indexHandle, bloomHandle, nil
}

func decodeIndex(payload []byte) ([]indexEntry, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: short index block", ErrCorruptData)
	}
	count := int(binary.LittleEndian.Uint32(payload[0:4]))
	off := 4
	index := make([]indexEntry, 0, count)
	for i := 0; i < count; i++ {
		if off+4 > len(payload) {
			return nil, fmt.Errorf("%w: index entry %d", ErrCorruptData, i)
		}
		klen := int(binary.LittleEndian.Uint32(payload[off : off+4]))
		off += 4
		if off+klen+16 > len(payload) {
			return nil, fmt.Errorf("%w: index entry %d", ErrCorruptData, i)
		}
		e := indexEntry{firstKey: append([]byte(nil), payload[off:off+klen]...)}
		off += klen
		e.handle.Offset = binary.LittleEndian.Uint64(payload[off : off+8])
		e.handle.Length = binary.LittleEndian.Uint64(payload[off+8 : off+16])
		off += 16
		index = append(index, e)
	}
	return index, nil
}

// readFramed reads a framed block and verifies its checksum. The returned
// payload is still compressed if the block was; rawLen is the advisory
// uncompressed size recorded by the writer.
func (s *segment) readFramed(h blockHandle) (payload []byte, rawLen int, err error) {
	if h.Length < blockFrameLen {
		return nil, 0, fmt.Errorf("%w: block handle too short", ErrCorruptData)
	}
	buf := make([]byte, h.Length)
	if _, err := s.f.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, 0, err
	}
	wantCRC := binary.LittleEndian.Uint32(buf[0:4])
	storedLen := binary.LittleEndian.Uint32(buf[4:8])
	rawLen = int(binary.LittleEndian.Uint32(buf[8:12]))
	if uint64(storedLen)+blockFrameLen != h.Length {
		return nil, 0, fmt.Errorf("%w: block length mismatch", ErrCorruptData)
	}
	payload = buf[blockFrameLen:]
	if got := crc32.Checksum(payload, crcTable); got != wantCRC {
		return nil, 0, fmt.Errorf("%w: block checksum mismatch", ErrCorruptData)
	}
	return payload, rawLen, nil
}

// readDataBlock returns the decoded record bytes of one data block.
func (s *segment) readDataBlock(h blockHandle) ([]byte, error) {
	payload, rawLen, err := s.readFramed(h)
	if err != nil {
		return nil, err
	}
	if !s.compressed {
		return payload, nil
	}
	raw, err := s.dec.DecodeAll(payload, make([]byte, 0, rawLen))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress block: %v", ErrCorruptData, err)
	}
	return raw, nil
}

// get returns the newest version of key stored in this segment, tombstones
// included. Bloom and key-range checks avoid touching disk for most misses;
// a hit binary-searches the sparse index and scans a single block.
func (s *segment) get(key []byte) (entryVal, bool, error) {
	if bytes.Compare(key, s.minKey) < 0 || bytes.Compare(key, s.maxKey) > 0 {
		return entryVal{}, false, nil
	}
	if !s.filter.Test(key) {
		return entryVal{}, false, nil
	}

	// Last block whose first key is <= key.
	i := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].firstKey, key) > 0
	}) - 1
	if i < 0 {
		return entryVal{}, false, nil
	}

	block, err := s.readDataBlock(s.index[i].handle)
	if err != nil {
		return entryVal{}, false, err
	}
	for off := 0; off < len(block); {
		rec, n, err := decodeRecord(block[off:])
		if err != nil {
			return entryVal{}, false, fmt.Errorf("segment %s: %w", filepath.Base(s.path), err)
		}
		switch bytes.Compare(rec.Key, key) {
		case 0:
			// Records for one key are ordered seq-descending, so the first
			// match is the newest version.
			return entryVal{kind: rec.Kind, value: rec.Value}, true, nil
		case 1:
			return entryVal{}, false, nil
		}
		off += n
	}
	return entryVal{}, false, nil
}

// iter streams every record of the segment in internal-key order.
func (s *segment) iter() *segmentIterator {
	return &segmentIterator{s: s}
}

func (s *segment) incRef() { s.refs.Add(1) }

func (s *segment) decRef() {
	if s.refs.Add(-1) != 0 {
		return
	}
	_ = s.f.Close()
	if s.retired.Load() {
		_ = os.Remove(s.path)
	}
}

// retire marks the segment as superseded by compaction and drops the
// owner's reference. The file disappears once in-flight readers finish.
func (s *segment) retire() {
	s.retired.Store(true)
	s.decRef()
}

type segmentIterator struct {
	s        *segment
	blockIdx int
	block    []byte
	off      int
	err      error
}

// Next returns the next record, or nil when exhausted or on error (check
// Err afterwards).
func (it *segmentIterator) Next() *Record {
	if it.err != nil {
		return nil
	}
	for it.off >= len(it.block) {
		if it.blockIdx >= len(it.s.index) {
			return nil
		}
		block, err := it.s.readDataBlock(it.s.index[it.blockIdx].handle)
		if err != nil {
			it.err = err
			return nil
		}
		it.block = block
		it.off = 0
		it.blockIdx++
	}
	rec, n, err := decodeRecord(it.block[it.off:])
	if err != nil {
		it.err = fmt.Errorf("segment %s: %w", filepath.Base(it.s.path), err)
		return nil
	}
	it.off += n
	return rec
}

func (it *segmentIterator) Err() error { return it.err }

// --- directory helpers ---

// listSegmentIDs returns segment ids in dir, oldest first. Creation order
// is the tier order: higher id means newer data.
func listSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, e := range entries {
		m := segmentFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, _ := strconv.ParseUint(m[1], 10, 64)
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// removeTempFiles discards partial flush/compaction output left by a crash.
func removeTempFiles(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return err
		}
	}
	return nil
}
