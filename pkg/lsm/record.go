package lsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	KindPut uint8 = 1
	KindDel uint8 = 2
)

// Record is one versioned mutation: a key carrying either a value or a
// tombstone, stamped with the sequence number assigned on the write path.
// Tombstones are records in their own right so that deletions survive
// restarts and are only dropped by compaction.
type Record struct {
	Key   []byte
	Value []byte // nil for tombstones
	Seq   uint64
	Kind  uint8
}

// InternalKey orders records inside memtables and segment files:
// user key ascending, sequence descending. The newest version of a key is
// always encountered first.
type InternalKey struct {
	UserKey []byte
	Seq     uint64
	Kind    uint8
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Hard structural bounds used by the decoder. Configured limits
// (Options.MaxKeySize/MaxValueSize) are enforced on the write path; these
// only reject lengths no valid writer could have produced.
const (
	codecMaxKeyLen   = 1 << 20
	codecMaxValueLen = 1 << 28
)

// recordHeaderLen is the fixed overhead of an encoded record:
// klen(4) + kind(1) + vlen(4) + seq(8) + crc(4).
const recordHeaderLen = 21

func encodedLen(rec *Record) int {
	return recordHeaderLen + len(rec.Key) + len(rec.Value)
}

// encodeRecord appends the wire form of rec to dst and returns the extended
// slice. Layout: [klen][key][kind][vlen][value][seq][crc32c], little endian,
// with the checksum covering every preceding byte. The format is
// self-delimiting so records can be read back-to-back without an index.
func encodeRecord(dst []byte, rec *Record) []byte {
	start := len(dst)
	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], uint32(len(rec.Key)))
	dst = append(dst, u32[:]...)
	dst = append(dst, rec.Key...)
	dst = append(dst, rec.Kind)
	binary.LittleEndian.PutUint32(u32[:], uint32(len(rec.Value)))
	dst = append(dst, u32[:]...)
	dst = append(dst, rec.Value...)
	binary.LittleEndian.PutUint64(u64[:], rec.Seq)
	dst = append(dst, u64[:]...)

	crc := crc32.Checksum(dst[start:], crcTable)
	binary.LittleEndian.PutUint32(u32[:], crc)
	return append(dst, u32[:]...)
}

// decodeRecord reads one record from the front of b. It returns the record
// and the number of bytes consumed. errTruncatedRecord means b ends before
// the record does; ErrCorruptData means the bytes are structurally invalid
// or fail their checksum.
func decodeRecord(b []byte) (*Record, int, error) {
	if len(b) < 4 {
		return nil, 0, errTruncatedRecord
	}
	klen := int(binary.LittleEndian.Uint32(b[0:4]))
	if klen == 0 || klen > codecMaxKeyLen {
		return nil, 0, fmt.Errorf("%w: key length %d", ErrCorruptData, klen)
	}
	off := 4 + klen
	if len(b) < off+5 {
		return nil, 0, errTruncatedRecord
	}
	kind := b[off]
	if kind != KindPut && kind != KindDel {
		return nil, 0, fmt.Errorf("%w: record kind %d", ErrCorruptData, kind)
	}
	vlen := int(binary.LittleEndian.Uint32(b[off+1 : off+5]))
	if vlen > codecMaxValueLen {
		return nil, 0, fmt.Errorf("%w: value length %d", ErrCorruptData, vlen)
	}
	if kind == KindDel && vlen != 0 {
		return nil, 0, fmt.Errorf("%w: tombstone with %d value bytes", ErrCorruptData, vlen)
	}
	total := recordHeaderLen + klen + vlen
	if len(b) < total {
		return nil, 0, errTruncatedRecord
	}

	wantCRC := binary.LittleEndian.Uint32(b[total-4 : total])
	if got := crc32.Checksum(b[:total-4], crcTable); got != wantCRC {
		return nil, total, fmt.Errorf("%w: checksum mismatch (got %08x want %08x)", ErrCorruptData, got, wantCRC)
	}

	rec := &Record{
		Key:  append([]byte(nil), b[4:4+klen]...),
		Seq:  binary.LittleEndian.Uint64(b[total-12 : total-4]),
		Kind: kind,
	}
	if kind == KindPut {
		rec.Value = append([]byte(nil), b[off+5:off+5+vlen]...)
	}
	return rec, total, nil
}
