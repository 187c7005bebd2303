package bench

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/deebee/pkg/types"
)

// BenchmarkRunner drives concurrent writers, then concurrent readers, against
// one store.
type BenchmarkRunner struct {
	Store         types.KVStore
	NumWriters    int
	NumReaders    int
	KeysPerWorker int
	ValueSize     int
}

type Result struct {
	Writes        int
	Reads         int
	Misses        int64
	Errors        int64
	WriteDuration time.Duration
	ReadDuration  time.Duration
}

func NewBenchmarkRunner(store types.KVStore, writers, readers, keys, valueSize int) *BenchmarkRunner {
	return &BenchmarkRunner{
		Store:         store,
		NumWriters:    writers,
		NumReaders:    readers,
		KeysPerWorker: keys,
		ValueSize:     valueSize,
	}
}

func benchKey(worker, i int) []byte {
	return []byte(fmt.Sprintf("bench-%03d-%08d", worker, i))
}

func (b *BenchmarkRunner) Run() Result {
	var res Result

	value := make([]byte, b.ValueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < b.NumWriters; w++ {
		wg.Add(1)
		go func(wid int) {
			defer wg.Done()
			for i := 0; i < b.KeysPerWorker; i++ {
				if err := b.Store.Set(benchKey(wid, i), value); err != nil {
					atomic.AddInt64(&res.Errors, 1)
				}
			}
		}(w)
	}
	wg.Wait()
	res.WriteDuration = time.Since(start)
	res.Writes = b.NumWriters * b.KeysPerWorker

	if b.NumWriters == 0 {
		return res
	}
	start = time.Now()
	for r := 0; r < b.NumReaders; r++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < b.KeysPerWorker; i++ {
				_, ok, err := b.Store.Get(benchKey(rng.Intn(b.NumWriters), rng.Intn(b.KeysPerWorker)))
				switch {
				case err != nil:
					atomic.AddInt64(&res.Errors, 1)
				case !ok:
					atomic.AddInt64(&res.Misses, 1)
				}
			}
		}(int64(r))
	}
	wg.Wait()
	res.ReadDuration = time.Since(start)
	res.Reads = b.NumReaders * b.KeysPerWorker
	return res
}

func throughput(ops int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(ops) / d.Seconds()
}

// Print writes a human-readable report of r.
func (b *BenchmarkRunner) Print(w io.Writer, r Result) {
	fmt.Fprintf(w, "\nBENCHMARK RESULT [engine]\n")
	fmt.Fprintf(w, "-------------------------------------\n")
	fmt.Fprintf(w, " Writers       : %d\n", b.NumWriters)
	fmt.Fprintf(w, " Readers       : %d\n", b.NumReaders)
	fmt.Fprintf(w, " Value Size    : %d bytes\n", b.ValueSize)
	fmt.Fprintf(w, " Writes        : %d in %v (%.2f ops/sec)\n", r.Writes, r.WriteDuration, throughput(r.Writes, r.WriteDuration))
	fmt.Fprintf(w, " Reads         : %d in %v (%.2f ops/sec)\n", r.Reads, r.ReadDuration, throughput(r.Reads, r.ReadDuration))
	fmt.Fprintf(w, " Misses        : %d\n", r.Misses)
	fmt.Fprintf(w, " Errors        : %d\n", r.Errors)
	fmt.Fprintf(w, "-------------------------------------\n")
}
