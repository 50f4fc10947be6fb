package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"example.com/kvstore/pkg/lsm"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: kvs [flags] <storage> <command> [args...]

commands:
  set <key>=<value> ...   store one or more pairs
  get <key> ...           look up one or more keys
  delete <key> ...        delete one or more keys
  stats                   print instance statistics
  compact                 merge all segment files

flags:
`)
	flag.PrintDefaults()
}

func newLogger(verbose bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

func main() {
	root := flag.String("root", "./data", "storage root directory")
	sync := flag.Bool("sync", false, "fsync every write")
	compression := flag.String("compression", "none", "segment compression: zstd or none")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	storageName, command, items := args[0], args[1], args[2:]

	logger := newLogger(*verbose)
	db, err := lsm.Open(storageName, lsm.Options{
		Dir:         *root,
		Compression: *compression,
		Logger:      logger,
	})
	if err != nil {
		logger.Error().Err(err).Str("storage", storageName).Msg("open failed")
		os.Exit(1)
	}

	ctx := context.Background()
	wo := &lsm.WriteOptions{Sync: *sync}
	failed := false

	// Each item succeeds or fails on its own; one bad key never aborts
	// the rest of the batch.
	switch command {
	case "set":
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "usage: kvs <storage> set <key>=<value> ...")
			os.Exit(2)
		}
		for _, item := range items {
			key, value, ok := strings.Cut(item, "=")
			if !ok {
				fmt.Fprintf(os.Stderr, "invalid pair %q: use <key>=<value>\n", item)
				failed = true
				continue
			}
			if err := db.Set(ctx, []byte(key), []byte(value), wo); err != nil {
				fmt.Fprintf(os.Stderr, "set %s: %v\n", key, err)
				failed = true
				continue
			}
			fmt.Printf("Set %s = %s\n", key, value)
		}

	case "get":
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "usage: kvs <storage> get <key> ...")
			os.Exit(2)
		}
		for _, key := range items {
			value, found, err := db.Get(ctx, []byte(key))
			if err != nil {
				fmt.Fprintf(os.Stderr, "get %s: %v\n", key, err)
				failed = true
				continue
			}
			if !found {
				fmt.Printf("'%s' not found in storage.\n", key)
				continue
			}
			fmt.Printf("%s = %s\n", key, value)
		}

	case "delete":
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "usage: kvs <storage> delete <key> ...")
			os.Exit(2)
		}
		for _, key := range items {
			_, found, err := db.Get(ctx, []byte(key))
			if err != nil {
				fmt.Fprintf(os.Stderr, "delete %s: %v\n", key, err)
				failed = true
				continue
			}
			if !found {
				fmt.Printf("'%s' not found in storage.\n", key)
				continue
			}
			if err := db.Delete(ctx, []byte(key), wo); err != nil {
				fmt.Fprintf(os.Stderr, "delete %s: %v\n", key, err)
				failed = true
				continue
			}
			fmt.Printf("Deleted %s\n", key)
		}

	case "stats":
		st := db.Stats()
		fmt.Printf("memtable: %d entries, %d bytes (est.)\n", st.MemtableEntries, st.MemtableBytes)
		fmt.Printf("frozen memtables: %d\n", st.FrozenMemtables)
		fmt.Printf("segments: %d (%d records)\n", st.Segments, st.SegmentEntries)
		fmt.Printf("last sequence: %d\n", st.LastSeq)

	case "compact":
		if err := db.Compact(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "compact: %v\n", err)
			failed = true
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q. Available commands: set, get, delete, stats, compact\n", command)
		os.Exit(2)
	}

	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("close failed")
		failed = true
	}
	if failed {
		os.Exit(1)
	}
}
