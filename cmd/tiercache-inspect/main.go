package main

// main.go implements the tiercache inspector CLI: it parses command-line
// flags, fetches diagnostic data from a target process exposing the
// tiercache debug endpoint, and prints it either as pretty text or JSON. It
// also supports periodic watch mode and pprof snapshot download.
//
// The target Go service is expected to expose:
//   • GET /debug/tiercache/snapshot     – JSON payload, pkg/tiercache.Snapshot.
//   • GET /debug/pprof/{heap,goroutine} – standard pprof handlers (net/http/pprof).
//
// Build-time flag: `-ldflags "-X main.version=vX.Y.Z"` is set by GoReleaser.
// ---------------------------------------------------------------
// © 2025 tiercache authors. MIT License.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
)

var version = "dev"

// options holds every flag dumpOnce/fetchSnapshot need, kept deliberately
// thin.
type options struct {
	target           string
	watch            bool
	interval         time.Duration
	json             bool
	heapProfile      string
	goroutineProfile string
	version          bool
}

func parseFlags() *options {
	o := &options{}
	flag.StringVar(&o.target, "target", "http://localhost:6060", "base URL of the tiercache-instrumented process")
	flag.BoolVar(&o.watch, "watch", false, "poll the snapshot endpoint repeatedly instead of once")
	flag.DurationVar(&o.interval, "interval", 2*time.Second, "polling interval when -watch is set")
	flag.BoolVar(&o.json, "json", false, "print the raw JSON snapshot instead of a formatted table")
	flag.StringVar(&o.heapProfile, "heap-profile", "", "download a heap profile to this path instead of printing a snapshot")
	flag.StringVar(&o.goroutineProfile, "goroutine-profile", "", "download a goroutine profile to this path instead of printing a snapshot")
	flag.BoolVar(&o.version, "version", false, "print the inspector version and exit")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()

	if opts.version {
		fmt.Println(version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	// pprof dump takes precedence over watch/json.
	if opts.heapProfile != "" {
		if err := downloadProfile(ctx, opts.target, "heap", opts.heapProfile); err != nil {
			fatal(err)
		}
		return
	}
	if opts.goroutineProfile != "" {
		if err := downloadProfile(ctx, opts.target, "goroutine", opts.goroutineProfile); err != nil {
			fatal(err)
		}
		return
	}

	if opts.watch {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			if err := dumpOnce(ctx, opts); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				return
			}
		}
	}

	// one-shot
	if err := dumpOnce(ctx, opts); err != nil {
		fatal(err)
	}
}

/* -------------------------------------------------------------------------
   Helpers
   ------------------------------------------------------------------------- */

// snapshot mirrors pkg/tiercache.Snapshot's JSON shape. The CLI keeps its
// own copy rather than importing pkg/tiercache so the binary stays a plain
// HTTP client with no dependency on the cache's internal packages.
type snapshot struct {
	MemHits       uint64 `json:"mem_hits"`
	DiskHits      uint64 `json:"disk_hits"`
	Misses        uint64 `json:"misses"`
	MemEvictions  uint64 `json:"mem_evictions"`
	DiskEvictions uint64 `json:"disk_evictions"`
	MemBytesUsed  int64  `json:"mem_bytes_used"`
	DiskBytesUsed int64  `json:"disk_bytes_used"`
	ArcP          int64  `json:"arc_p"`
}

func dumpOnce(ctx context.Context, opts *options) error {
	snap, err := fetchSnapshot(ctx, opts.target)
	if err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return prettyPrint(snap)
}

func fetchSnapshot(ctx context.Context, base string) (*snapshot, error) {
	url := base + "/debug/tiercache/snapshot"
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", res.Status)
	}
	var snap snapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func prettyPrint(s *snapshot) error {
	total := s.MemHits + s.DiskHits + s.Misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(s.MemHits+s.DiskHits) / float64(total) * 100
	}
	fmt.Printf("Memory hits:    %d\n", s.MemHits)
	fmt.Printf("Disk hits:      %d\n", s.DiskHits)
	fmt.Printf("Misses:         %d\n", s.Misses)
	fmt.Printf("Hit rate:       %.1f%%\n", hitRate)
	fmt.Printf("Mem evictions:  %d\n", s.MemEvictions)
	fmt.Printf("Disk evictions: %d\n", s.DiskEvictions)
	fmt.Printf("Memory used:    %s\n", humanize.IBytes(uint64(s.MemBytesUsed)))
	fmt.Printf("Disk used:      %s\n", humanize.IBytes(uint64(s.DiskBytesUsed)))
	fmt.Printf("ARC p:          %d\n", s.ArcP)
	return nil
}

func downloadProfile(ctx context.Context, base, name, path string) error {
	url := fmt.Sprintf("%s/debug/pprof/%s", base, name)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", res.Status)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, res.Body); err != nil {
		return err
	}
	fmt.Printf("%s profile saved to %s\n", name, path)
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "tiercache-inspect:", err)
	os.Exit(1)
}
