package lsm

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// The write-ahead log is a sequence of numbered append-only files. Every
// mutation is appended (and made durable per the fsync policy) before it is
// applied to the memtable. The log is rotated when the memtable is frozen,
// so each sealed file covers exactly the records of one frozen memtable;
// once that memtable is published as a segment the sealed file is deleted.

func walFileName(id int) string { return fmt.Sprintf("wal-%06d.log", id) }

var walFileRe = regexp.MustCompile(`^wal-(\d{6})\.log$`)

type wal struct {
	dir    string
	policy string
	log    zerolog.Logger

	mu      sync.Mutex
	curFile *os.File
	curBufw *bufio.Writer
	fileID  int
	encBuf  []byte

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func openWAL(dir string, fileID int, policy string, log zerolog.Logger) (*wal, error) {
	w := &wal{dir: dir, policy: policy, log: log, fileID: fileID}
	if err := w.openCurrent(); err != nil {
		return nil, err
	}
	if w.policy == "every_sec" {
		w.stopChan = make(chan struct{})
		w.wg.Add(1)
		go w.bgSync()
	}
	return w, nil
}

func (w *wal) openCurrent() error {
	path := filepath.Join(w.dir, walFileName(w.fileID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open wal %s: %w", path, err)
	}
	w.curFile = f
	w.curBufw = bufio.NewWriterSize(f, 1<<20)
	return nil
}

// Append writes one record and returns once it is durable per the fsync
// policy (or immediately for "every_sec"/"none" without forceSync).
func (w *wal) Append(rec *Record, forceSync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curFile == nil {
		return ErrClosed
	}

	w.encBuf = encodeRecord(w.encBuf[:0], rec)
	if _, err := w.curBufw.Write(w.encBuf); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}

	if forceSync || w.policy == "always" {
		if err := w.curBufw.Flush(); err != nil {
			return fmt.Errorf("wal flush: %w", err)
		}
		if err := w.curFile.Sync(); err != nil {
			return fmt.Errorf("wal sync: %w", err)
		}
	}
	return nil
}

// Rotate seals the current file and opens the next one. It returns the id
// of the sealed file; the caller deletes sealed files once their records
// are covered by a published segment.
func (w *wal) Rotate() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sealed := w.fileID
	if err := w.curBufw.Flush(); err != nil {
		return 0, fmt.Errorf("wal rotate flush: %w", err)
	}
	if err := w.curFile.Sync(); err != nil {
		return 0, fmt.Errorf("wal rotate sync: %w", err)
	}
	if err := w.curFile.Close(); err != nil {
		return 0, fmt.Errorf("wal rotate close: %w", err)
	}
	w.fileID++
	if err := w.openCurrent(); err != nil {
		return 0, err
	}
	return sealed, nil
}

func (w *wal) Close() error {
	if w.stopChan != nil {
		close(w.stopChan)
		w.wg.Wait()
		w.stopChan = nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curFile == nil {
		return nil
	}
	var firstErr error
	if err := w.curBufw.Flush(); err != nil {
		firstErr = err
	}
	if err := w.curFile.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.curFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	w.curFile = nil
	return firstErr
}

func (w *wal) bgSync() {
	defer w.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.curFile != nil {
				_ = w.curBufw.Flush()
				_ = w.curFile.Sync()
			}
			w.mu.Unlock()
		}
	}
}

// listWALFiles returns the ids of wal files in dir, ascending.
func listWALFiles(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		m := walFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// removeWALsThrough deletes wal files with id <= sealed. Only called after
// the segment covering those records has been published.
func removeWALsThrough(dir string, sealed int) error {
	ids, err := listWALFiles(dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id > sealed {
			break
		}
		if err := os.Remove(filepath.Join(dir, walFileName(id))); err != nil {
			return err
		}
	}
	return nil
}

// replayWALFile applies every committed record of one wal file in write
// order. A torn or corrupt trailing entry is truncated away and replay
// succeeds; corruption followed by further committed records is fatal,
// since it means committed history is damaged.
func replayWALFile(path string, log zerolog.Logger, apply func(*Record) error) (maxSeq uint64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	offset := 0
	for offset < len(data) {
		rec, n, derr := decodeRecord(data[offset:])
		if derr != nil {
			trailing := errors.Is(derr, errTruncatedRecord) || offset+n == len(data)
			if !trailing {
				return 0, fmt.Errorf("wal %s at offset %d: %w", filepath.Base(path), offset, derr)
			}
			log.Warn().
				Str("wal", filepath.Base(path)).
				Int("offset", offset).
				Int("discarded", len(data)-offset).
				Msg("truncating torn wal tail")
			if terr := os.Truncate(path, int64(offset)); terr != nil {
				return 0, fmt.Errorf("truncate wal tail: %w", terr)
			}
			break
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		if aerr := apply(rec); aerr != nil {
			return 0, aerr
		}
		offset += n
	}
	return maxSeq, nil
}
