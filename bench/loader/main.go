package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nats-io/nuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/imgvault/imgvault/bench/common"
	"github.com/imgvault/imgvault/client"
)

func main() {
	app := cli.NewApp()
	app.Name = "imgvault-bench-loader"
	app.Usage = "Benchmark tool for imgvault store and fetch requests"
	app.Version = "1.0.0"
	app.Flags = getFlags()
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:   "server, s",
			Usage:  "imgvault server address",
			Value:  "localhost:8084",
			EnvVar: "IMGVAULT_SERVER",
		},
		cli.IntFlag{
			Name:  "blobs, n",
			Usage: "Number of blobs to store and fetch",
			Value: 1000,
		},
		cli.StringFlag{
			Name:  "blob-size, bs",
			Usage: "Size of each blob, e.g. 256KiB",
			Value: "64KiB",
		},
		cli.IntFlag{
			Name:  "concurrent, c",
			Usage: "Number of concurrent client goroutines",
			Value: 8,
		},
		cli.StringFlag{
			Name:  "prefix",
			Usage: "ID prefix for generated blobs (default: random)",
		},
		cli.BoolFlag{
			Name:  "skip-fetch",
			Usage: "Only run the store phase",
		},
		cli.BoolFlag{
			Name:  "verify",
			Usage: "Compare every fetched blob with what was stored",
		},
		cli.DurationFlag{
			Name:  "timeout, t",
			Usage: "Per-request timeout",
			Value: 30 * time.Second,
		},
		cli.StringFlag{
			Name:  "output, o",
			Usage: "Output format: text, json",
			Value: "text",
		},
	}
}

func run(c *cli.Context) error {
	numBlobs := c.Int("blobs")
	concurrent := c.Int("concurrent")
	outputFormat := c.String("output")

	blobSize, err := humanize.ParseBytes(c.String("blob-size"))
	if err != nil {
		return errors.Wrap(err, "invalid blob-size")
	}
	if numBlobs <= 0 {
		return fmt.Errorf("blobs must be > 0")
	}
	if concurrent <= 0 {
		concurrent = 1
	}
	prefix := c.String("prefix")
	if prefix == "" {
		prefix = nuid.Next()
	}

	cl, err := client.New(strings.TrimSpace(c.String("server")), client.Timeout(c.Duration("timeout")))
	if err != nil {
		return err
	}

	// Pre-generate blobs (NOT timed)
	fmt.Printf("Pre-generating %d blobs of %s each...\n", numBlobs, humanize.IBytes(blobSize))
	blobs := common.PreGenerateBlobs(prefix, numBlobs, int(blobSize))
	fmt.Printf("Generated %d blobs (%s total)\n", len(blobs), humanize.IBytes(uint64(common.TotalByteSize(blobs))))

	ctx := context.Background()
	fmt.Printf("Starting benchmark against %s with %d concurrent client(s)...\n", cl.Addr(), concurrent)
	fmt.Println("---")

	storeStats := common.NewStats("Store")
	storeStats.Start()
	runPhase(ctx, blobs, concurrent, storeStats, storeBlob(cl))
	storeStats.Stop()
	phases := []*common.Stats{storeStats}

	if !c.Bool("skip-fetch") {
		fetchStats := common.NewStats("Fetch")
		fetchStats.Start()
		runPhase(ctx, blobs, concurrent, fetchStats, fetchBlob(cl, c.Bool("verify")))
		fetchStats.Stop()
		phases = append(phases, fetchStats)
	}

	return common.PrintResults(os.Stdout, outputFormat, phases...)
}

// operation performs one request for blob and returns the number of blob
// bytes moved.
type operation func(ctx context.Context, blob common.PreparedBlob, stats *common.Stats) (int, error)

func storeBlob(cl *client.Client) operation {
	return func(ctx context.Context, blob common.PreparedBlob, stats *common.Stats) (int, error) {
		if err := cl.Store(ctx, blob.ID, blob.Data); err != nil {
			return 0, err
		}
		return len(blob.Data), nil
	}
}

func fetchBlob(cl *client.Client, verify bool) operation {
	return func(ctx context.Context, blob common.PreparedBlob, stats *common.Stats) (int, error) {
		data, err := cl.Fetch(ctx, blob.ID)
		if err != nil {
			return 0, err
		}
		if verify && !bytes.Equal(data, blob.Data) {
			stats.RecordMismatch()
		}
		return len(data), nil
	}
}

// runPhase applies op to every blob using concurrent workers and reports
// progress every two seconds.
func runPhase(ctx context.Context, blobs []common.PreparedBlob, concurrent int, stats *common.Stats, op operation) {
	var (
		wg       sync.WaitGroup
		finished int64
		total    = len(blobs)
	)

	progressTicker := time.NewTicker(2 * time.Second)
	defer progressTicker.Stop()

	// Progress reporter
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-progressTicker.C:
				count := atomic.LoadInt64(&finished)
				pct := float64(count) / float64(total) * 100
				fmt.Printf("%s progress: %d/%d (%.1f%%)\n", stats.Name(), count, total, pct)
			case <-done:
				return
			}
		}
	}()

	for _, part := range common.Partition(blobs, concurrent) {
		wg.Add(1)
		go func(part []common.PreparedBlob) {
			defer wg.Done()
			for _, blob := range part {
				start := time.Now()
				n, err := op(ctx, blob, stats)
				latency := time.Since(start)
				atomic.AddInt64(&finished, 1)
				if err != nil {
					stats.RecordError()
					continue
				}
				stats.RecordSuccess(n, latency)
			}
		}(part)
	}

	wg.Wait()
	close(done)
}
