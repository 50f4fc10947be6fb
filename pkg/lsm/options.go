package lsm

import (
	"time"

	"github.com/rs/zerolog"
)

// Options configures one storage instance. The zero value is usable; every
// field has a default applied by withDefaults.
type Options struct {
	// Dir is the storage root. Each named instance lives in its own
	// subdirectory of Dir and shares no files with any other instance.
	Dir string

	// MemtableSizeThreshold is the estimated byte size at which the active
	// memtable is frozen and scheduled for flush.
	MemtableSizeThreshold int64

	// SparseIndexSampling is the number of records per segment data block;
	// the sparse index holds one entry (first key + offset) per block.
	SparseIndexSampling int

	// CompactionTrigger is the segment-file count that triggers a merge of
	// all current segments into one.
	CompactionTrigger int

	// CompactionInterval, when non-zero, additionally schedules periodic
	// compaction checks in the background.
	CompactionInterval time.Duration

	// MaxKeySize and MaxValueSize bound user keys and values. Oversized
	// writes are rejected before anything reaches the WAL.
	MaxKeySize   int
	MaxValueSize int

	// FsyncPolicy controls WAL durability: "always" syncs every append,
	// "every_sec" syncs from a background ticker, "none" leaves syncing to
	// the OS. Per-write override via WriteOptions.Sync.
	FsyncPolicy string

	// Compression selects segment data-block compression: "zstd" or "none".
	Compression string

	// Logger receives flush, compaction and recovery events.
	Logger zerolog.Logger
}

const (
	defaultMemtableSizeThreshold = 4 << 20
	defaultSparseIndexSampling   = 16
	defaultCompactionTrigger     = 4
	defaultMaxKeySize            = 1 << 10
	defaultMaxValueSize          = 1 << 20
)

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = "./data"
	}
	if o.MemtableSizeThreshold <= 0 {
		o.MemtableSizeThreshold = defaultMemtableSizeThreshold
	}
	if o.SparseIndexSampling <= 0 {
		o.SparseIndexSampling = defaultSparseIndexSampling
	}
	if o.CompactionTrigger <= 1 {
		o.CompactionTrigger = defaultCompactionTrigger
	}
	if o.MaxKeySize <= 0 {
		o.MaxKeySize = defaultMaxKeySize
	}
	if o.MaxValueSize <= 0 {
		o.MaxValueSize = defaultMaxValueSize
	}
	switch o.FsyncPolicy {
	case "always", "every_sec", "none":
	default:
		o.FsyncPolicy = "always"
	}
	switch o.Compression {
	case "zstd", "none":
	default:
		o.Compression = "none"
	}
	return o
}

// WriteOptions adjusts a single write. A nil *WriteOptions is valid.
type WriteOptions struct {
	// Sync forces an fsync for this append regardless of FsyncPolicy.
	Sync bool
}
