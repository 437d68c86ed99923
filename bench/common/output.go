package common

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
)

// BenchmarkResult holds the formatted results of one phase.
type BenchmarkResult struct {
	Phase             string  `json:"phase"`
	Duration          string  `json:"duration"`
	Requests          int64   `json:"requests"`
	TotalBytes        int64   `json:"total_bytes"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	BytesPerSecond    float64 `json:"bytes_per_second"`
	MBPerSecond       float64 `json:"mb_per_second"`
	LatencyMin        string  `json:"latency_min,omitempty"`
	LatencyMean       string  `json:"latency_mean,omitempty"`
	LatencyP50        string  `json:"latency_p50,omitempty"`
	LatencyP95        string  `json:"latency_p95,omitempty"`
	LatencyP99        string  `json:"latency_p99,omitempty"`
	LatencyP999       string  `json:"latency_p999,omitempty"`
	LatencyMax        string  `json:"latency_max,omitempty"`
	Errors            int64   `json:"errors"`
	Mismatches        int64   `json:"mismatches"`
}

// NewResult summarizes stats.
func NewResult(stats *Stats) BenchmarkResult {
	result := BenchmarkResult{
		Phase:             stats.Name(),
		Duration:          stats.Duration().String(),
		Requests:          stats.Requests(),
		TotalBytes:        stats.Bytes(),
		RequestsPerSecond: stats.RequestsPerSecond(),
		BytesPerSecond:    stats.BytesPerSecond(),
		MBPerSecond:       stats.MBPerSecond(),
		Errors:            stats.Errors(),
		Mismatches:        stats.Mismatches(),
	}

	// Include latency stats if we have samples
	if stats.LatencyCount() > 0 {
		result.LatencyMin = stats.LatencyMin().String()
		result.LatencyMean = stats.LatencyMean().String()
		result.LatencyP50 = stats.LatencyPercentile(50).String()
		result.LatencyP95 = stats.LatencyPercentile(95).String()
		result.LatencyP99 = stats.LatencyPercentile(99).String()
		result.LatencyP999 = stats.LatencyPercentile(99.9).String()
		result.LatencyMax = stats.LatencyMax().String()
	}
	return result
}

// PrintResults writes the results of every phase to w as "text" or "json".
func PrintResults(w io.Writer, format string, stats ...*Stats) error {
	results := make([]BenchmarkResult, len(stats))
	for i, s := range stats {
		results[i] = NewResult(s)
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	default:
		for _, r := range results {
			if err := printText(w, r); err != nil {
				return err
			}
		}
		return nil
	}
}

func printText(out io.Writer, r BenchmarkResult) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "=== %s Results ===\n", r.Phase)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Duration:\t%s\n", r.Duration)
	fmt.Fprintf(w, "Requests:\t%s\n", humanize.Comma(r.Requests))
	fmt.Fprintf(w, "Bytes:\t%s\n", humanize.Bytes(uint64(r.TotalBytes)))
	fmt.Fprintf(w, "Throughput:\t%s req/sec\n", humanize.CommafWithDigits(r.RequestsPerSecond, 2))
	fmt.Fprintf(w, "Bandwidth:\t%.2f MB/sec\n", r.MBPerSecond)
	fmt.Fprintln(w, "")

	if r.LatencyP50 != "" {
		fmt.Fprintln(w, "--- Round-trip Latency ---")
		fmt.Fprintf(w, "Min:\t%s\n", r.LatencyMin)
		fmt.Fprintf(w, "Mean:\t%s\n", r.LatencyMean)
		fmt.Fprintf(w, "P50:\t%s\n", r.LatencyP50)
		fmt.Fprintf(w, "P95:\t%s\n", r.LatencyP95)
		fmt.Fprintf(w, "P99:\t%s\n", r.LatencyP99)
		fmt.Fprintf(w, "P99.9:\t%s\n", r.LatencyP999)
		fmt.Fprintf(w, "Max:\t%s\n", r.LatencyMax)
		fmt.Fprintln(w, "")
	}

	fmt.Fprintf(w, "Errors:\t%d\n", r.Errors)
	if r.Mismatches > 0 {
		fmt.Fprintf(w, "Mismatches:\t%d\n", r.Mismatches)
	}
	fmt.Fprintln(w, "")
	return w.Flush()
}
