// Command bench runs a synthetic block workload against a cache table backed
// by a block file and exposes optional pprof/Prometheus endpoints. The same
// key stream is replayed into an ARC cache of equal capacity as a hit-rate
// baseline.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/arc/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/pagecache/blockstore"
	"github.com/IvanBrykalov/pagecache/cachetable"
	pmet "github.com/IvanBrykalov/pagecache/metrics/prom"
)

func main() {
	// ---- Flags ----
	var (
		limit     = flag.Int64("limit", 64<<20, "cache size limit (bytes)")
		blockSize = flag.Int("block", blockstore.DefaultBlockSize, "block size (bytes)")
		dir       = flag.String("dir", "", "directory for the block file (default: temp dir)")
		clone     = flag.Bool("clone", true, "let checkpoints clone dirty blocks")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 80, "read percentage [0..100]")
		cpEvery  = flag.Duration("checkpoint", time.Second, "checkpoint period (0 = none)")

		keys  = flag.Int("keys", 100_000, "keyspace size (blocks)")
		zipfS = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed  = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Infof("pprof: serving at %s", *pprofAddr)
			log.Warn(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "pagecache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Infof("metrics: serving at %s", *metricsAddr)
		log.Warn(http.ListenAndServe(*metricsAddr, nil))
	}()

	// ---- Build cache table and block store ----
	ct, err := cachetable.New(cachetable.Options{
		SizeLimit:        *limit,
		CheckpointPeriod: *cpEvery,
		Logger:           log,
		Metrics:          metrics,
	})
	if err != nil {
		log.WithError(err).Fatal("cache table")
	}
	defer func() { _ = ct.Close() }()

	path := *dir
	if path == "" {
		tmp, err := os.MkdirTemp("", "pagecache-bench-")
		if err != nil {
			log.WithError(err).Fatal("temp dir")
		}
		defer os.RemoveAll(tmp)
		path = tmp
	}
	store, err := blockstore.Open(ct, filepath.Join(path, "bench.blocks"), blockstore.Options{
		BlockSize: *blockSize,
		Clone:     *clone,
		Logger:    log,
	})
	if err != nil {
		log.WithError(err).Fatal("block store")
	}

	// ---- ARC baseline of equal capacity, fed the same key stream ----
	capBlocks := int(*limit / int64(*blockSize))
	if capBlocks < 1 {
		capBlocks = 1
	}
	baseline, err := arc.NewARC[uint64, struct{}](capBlocks)
	if err != nil {
		log.WithError(err).Fatal("arc baseline")
	}
	var baseMu sync.Mutex
	var baseHits uint64

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}
	payload := store.PayloadSize()

	// ---- Load generation ----
	var reads, writes, total uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workersN; w++ {
		id := w
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)
			buf := make([]byte, payload)

			for gctx.Err() == nil {
				k := localZipf.Uint64()
				baseMu.Lock()
				if _, ok := baseline.Get(k); ok {
					baseHits++
				} else {
					baseline.Add(k, struct{}{})
				}
				baseMu.Unlock()

				atomic.AddUint64(&total, 1)
				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&reads, 1)
					if _, err := store.Read(cachetable.Key(k)); err != nil {
						return err
					}
				} else {
					atomic.AddUint64(&writes, 1)
					localR.Read(buf[:16])
					if err := store.Write(cachetable.Key(k), buf[:16]); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("workload")
	}
	elapsed := time.Since(start)

	if err := store.Close(); err != nil {
		log.WithError(err).Error("close block store")
	}

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	st := ct.Status()
	hitRate, baseRate := 0.0, 0.0
	if lookups := st.Hits + st.Misses; lookups > 0 {
		hitRate = float64(st.Hits) / float64(lookups) * 100
	}
	if ops > 0 {
		baseRate = float64(baseHits) / float64(ops) * 100
	}
	io := store.Stats()

	fmt.Printf("limit=%d block=%d workers=%d keys=%d dur=%v seed=%d\n",
		*limit, *blockSize, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d\n",
		ops, float64(ops)/elapsed.Seconds(), atomic.LoadUint64(&reads), atomic.LoadUint64(&writes))
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%  arc-baseline=%.2f%%\n",
		st.Hits, st.Misses, hitRate, baseRate)
	fmt.Printf("evictions full=%d partial=%d stale=%d  stalls=%d  checkpoints=%d\n",
		st.FullEvictions, st.PartialEvictions, st.StaleEvictions, st.Stalls, st.Checkpoints)
	fmt.Printf("block io reads=%d writes=%d clone-writes=%d\n", io.Reads, io.Writes, io.CloneWrites)
}
