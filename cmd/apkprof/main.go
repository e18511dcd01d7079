// Command apkprof profiles the pipeline stages against a synthetic archive.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/meigma/apkpack"
	apkcore "github.com/meigma/apkpack/core"
)

type config struct {
	mode            string
	entries         int
	entrySize       int
	libs            int
	pattern         string
	pageAlign       bool
	dataURL         string
	dataHTTPLatency time.Duration
	dataHTTPBPS     int64
	duration        time.Duration
	iterations      int
	pprofAddr       string
	cpuProfile      string
	memProfile      string
	traceFile       string
	randomSeed      int64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkBytes []byte
	sinkCount int
)

//nolint:gocognit // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	data, err := buildArchive(cfg)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("archive: entries=%d size=%d", cfg.entries+cfg.libs+2, len(data))

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr) //nolint:gocritic // exitAfterDefer is intentional - profile flush is best-effort
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, data)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

//nolint:gocognit,gocritic // multi-mode dispatch; hugeParam acceptable for profiler
func runProfile(cfg config, data []byte) (profileStats, error) {
	ctx := context.Background()
	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	var alignOpts []apkcore.AlignOption
	if cfg.pageAlign {
		alignOpts = append(alignOpts, apkcore.AlignWithPageAlignSharedLibs())
	}
	policy, err := apkcore.NewPolicy(apkcore.PolicyWithStoredNames(apkcore.DefaultStoredNames...))
	if err != nil {
		return profileStats{}, err
	}

	switch cfg.mode {
	case "parse":
		for shouldContinue() {
			a, err := apkcore.Parse(data)
			if err != nil {
				return profileStats{}, err
			}
			sinkCount = len(a.Entries)
			byteCount += int64(len(data))
			ops++
		}
	case "repack":
		a, err := apkcore.Parse(data)
		if err != nil {
			return profileStats{}, err
		}
		for shouldContinue() {
			out, _, err := apkcore.Repack(a, policy)
			if err != nil {
				return profileStats{}, err
			}
			sinkBytes = out
			byteCount += int64(len(out))
			ops++
		}
	case "align":
		for shouldContinue() {
			out, _, err := apkcore.Align(data, alignOpts...)
			if err != nil {
				return profileStats{}, err
			}
			sinkBytes = out
			byteCount += int64(len(out))
			ops++
		}
	case "verify":
		a, err := apkcore.Parse(data)
		if err != nil {
			return profileStats{}, err
		}
		aligned, _, err := apkcore.Align(data, alignOpts...)
		if err != nil {
			return profileStats{}, err
		}
		for shouldContinue() {
			if err := apkcore.Verify(a, aligned, apkcore.VerifyWithAlignOptions(alignOpts...)); err != nil {
				return profileStats{}, err
			}
			byteCount += int64(len(aligned))
			ops++
		}
	case "pipeline":
		opts := []apkpack.Option{apkpack.WithPolicy(policy), apkpack.WithAlignOptions(alignOpts...)}
		cleanup := func() {}
		if cfg.dataURL != "" {
			store, done, err := newHTTPStore(cfg, data)
			if err != nil {
				return profileStats{}, err
			}
			cleanup = done
			opts = append(opts, apkpack.WithSource(store))
		} else {
			opts = append(opts, apkpack.WithSource(memorySource(data)))
		}
		defer cleanup()
		opts = append(opts, apkpack.WithSink(discardSink{}))

		p, err := apkpack.New(opts...)
		if err != nil {
			return profileStats{}, err
		}
		for shouldContinue() {
			res, err := p.Run(ctx, "app.apk", "out.apk")
			if err != nil {
				return profileStats{}, err
			}
			byteCount += int64(len(res.Data))
			ops++
		}
	default:
		return profileStats{}, fmt.Errorf("unknown mode %q", cfg.mode)
	}

	return profileStats{ops: ops, bytes: byteCount, elapsed: time.Since(start)}, nil
}

// memorySource serves the same archive for every key.
type memorySource []byte

func (m memorySource) Fetch(context.Context, string) ([]byte, error) { return m, nil }

type discardSink struct{}

func (discardSink) Store(context.Context, string, []byte) error { return nil }

func parseFlags() config {
	var cfg config
	var dataHTTPBPS string
	flag.StringVar(&cfg.mode, "mode", "pipeline", "mode: parse, repack, align, verify, pipeline")
	flag.IntVar(&cfg.entries, "entries", 512, "number of ordinary entries")
	flag.IntVar(&cfg.entrySize, "entry-size", 16<<10, "entry size in bytes")
	flag.IntVar(&cfg.libs, "libs", 4, "number of stored shared libraries")
	flag.StringVar(&cfg.pattern, "pattern", "compressible", "pattern: compressible or random")
	flag.BoolVar(&cfg.pageAlign, "page-align", false, "page-align stored shared libraries")
	flag.StringVar(&cfg.dataURL, "data-url", "", "HTTP source URL for pipeline mode (use \"local\" to serve generated data)")
	flag.DurationVar(&cfg.dataHTTPLatency, "data-http-latency", 0, "per-request latency for HTTP source")
	flag.StringVar(&dataHTTPBPS, "data-http-bps", "", "bytes/sec throttle for HTTP source (e.g. 10MBps)")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.Parse()

	if dataHTTPBPS != "" {
		bps, err := parseBytesPerSecond(dataHTTPBPS)
		if err != nil {
			log.Fatal(err)
		}
		cfg.dataHTTPBPS = bps
	}
	return cfg
}

// buildArchive generates an APK-shaped archive: a manifest, a resource
// table, shared libraries and a tree of ordinary entries, all deflated
// except the libraries.
//
//nolint:gocritic // hugeParam acceptable for profiler
func buildArchive(cfg config) ([]byte, error) {
	rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
	content := func(size int) []byte {
		buf := make([]byte, size)
		if cfg.pattern == "random" {
			_, _ = rng.Read(buf)
			return buf
		}
		for i := range buf {
			buf[i] = byte('a' + i%26)
		}
		return buf
	}

	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	add := func(name string, method uint16, data []byte) error {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	if err := add("AndroidManifest.xml", zip.Deflate, content(4<<10)); err != nil {
		return nil, err
	}
	if err := add("resources.arsc", zip.Deflate, content(cfg.entrySize*4)); err != nil {
		return nil, err
	}
	for i := range cfg.libs {
		if err := add(fmt.Sprintf("lib/arm64-v8a/lib%02d.so", i), zip.Store, content(cfg.entrySize)); err != nil {
			return nil, err
		}
	}
	for i := range cfg.entries {
		if err := add(fmt.Sprintf("res/raw/dir%02d/entry%05d.bin", i%16, i), zip.Deflate, content(cfg.entrySize)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
