package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/downfa11-org/deebee/pkg/bench"
	"github.com/downfa11-org/deebee/pkg/engine"
	"github.com/downfa11-org/deebee/util"
)

func main() {
	dir := flag.String("dir", "", "database directory (default: a fresh temp dir)")
	writers := flag.Int("writers", 8, "number of concurrent writers")
	readers := flag.Int("readers", 8, "number of concurrent readers")
	keys := flag.Int("keys", 10000, "keys per worker")
	valueSize := flag.Int("value-size", 256, "value size in bytes")
	capacity := flag.Int("segment-capacity", 4096, "records per segment")
	compression := flag.String("compression", "none", "value compression (none, gzip, snappy, lz4)")
	syncWrites := flag.Bool("sync-writes", false, "fsync after every write")
	flag.Parse()

	c, err := util.ParseCompression(*compression)
	if err != nil {
		util.Fatal("%v", err)
	}

	path := *dir
	if path == "" {
		if path, err = os.MkdirTemp("", "deebee-bench-*"); err != nil {
			util.Fatal("create temp dir: %v", err)
		}
		defer os.RemoveAll(path)
	}

	e, err := engine.Open(path, engine.Options{Capacity: *capacity, Compression: c, SyncWrites: *syncWrites})
	if err != nil {
		util.Fatal("open engine: %v", err)
	}

	runner := bench.NewBenchmarkRunner(e, *writers, *readers, *keys, *valueSize)
	runner.Print(os.Stdout, runner.Run())

	s := e.Stats()
	fmt.Printf(" Segments      : %d (%d bytes)\n", s.Segments, s.TotalBytes)
	if err := e.Close(); err != nil {
		util.Error("close engine: %v", err)
	}
}
