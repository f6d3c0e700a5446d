// Command broker-bench measures the ring buffer's single-write latency
// distribution across a range of message sizes, mirroring the original
// Rust bin/bench.rs driver. Latency-histogram export to an external metrics
// system is out of scope (spec.md §1); this command reports percentiles
// computed in-process and prints them.
package main

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wlvchandler/go-broker/ring"
)

const (
	iterations        = 1_000_000
	warmupIterations  = 10_000
	ringCapacity      = 1 << 20 // 1 MiB, comfortably above 4x the largest default message size (4096)
	settleBetweenRuns = 666 * time.Millisecond
)

var defaultMessageSizes = []int{32, 64, 128, 256, 512, 1024, 4096}

var sizesFlag string

var rootCmd = &cobra.Command{
	Use:   "broker-bench",
	Short: "Measure the ring buffer's single-write latency distribution",
	RunE: func(_ *cobra.Command, _ []string) error {
		sizes, err := parseSizes(sizesFlag)
		if err != nil {
			return err
		}
		runAll(sizes)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&sizesFlag, "sizes", "32,64,128,256,512,1024,4096", "comma-separated list of message sizes in bytes")
}

func parseSizes(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultMessageSizes, nil
	}
	parts := strings.Split(raw, ",")
	sizes := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid --sizes entry %q: %w", p, err)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

// metrics mirrors the original Metrics struct: percentile latencies over a
// single-write benchmark run, plus throughput derived from wall-clock time.
type metrics struct {
	min, p50, p99, p999, max time.Duration
	msgsPerSec, mbPerSec     float64
}

func fromMeasurements(latencies []time.Duration, totalBytes int, elapsed time.Duration) metrics {
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	n := len(latencies)

	percentile := func(p float64) time.Duration {
		idx := int(p * float64(n-1))
		return latencies[idx]
	}

	return metrics{
		min:        latencies[0],
		p50:        percentile(0.50),
		p99:        percentile(0.99),
		p999:       percentile(0.999),
		max:        latencies[n-1],
		msgsPerSec: float64(iterations) / elapsed.Seconds(),
		mbPerSec:   float64(totalBytes) / elapsed.Seconds() / (1 << 20),
	}
}

func runBenchmark(messageSize int) metrics {
	rb, err := ring.New(ringCapacity)
	if err != nil {
		panic(fmt.Sprintf("failed to create ring buffer: %v", err))
	}

	message := make([]byte, messageSize)
	for i := range message {
		message[i] = 1
	}

	latencies := make([]time.Duration, 0, iterations)
	done := make(chan metrics, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		readBuf := make([]byte, messageSize)
		count := 0
		for count < iterations+warmupIterations {
			if _, err := rb.TryRead(readBuf); err == nil {
				count++
			} else {
				runtime.Gosched()
			}
		}
		done <- metrics{}
	}()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	fmt.Println("  Warming up...")
	for i := 0; i < warmupIterations; i++ {
		for rb.TryWrite(message) != nil {
			runtime.Gosched()
		}
	}

	fmt.Println("  Running main benchmark...")
	mainStart := time.Now()
	for i := 0; i < iterations; i++ {
		if i%(iterations/10) == 0 {
			fmt.Printf("  %d%%...", (i*100)/iterations)
		}
		start := time.Now()
		for rb.TryWrite(message) != nil {
			runtime.Gosched()
		}
		latencies = append(latencies, time.Since(start))
	}
	fmt.Println("100%")

	result := fromMeasurements(latencies, messageSize*iterations, time.Since(mainStart))
	<-done
	return result
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func runAll(sizes []int) {
	fmt.Println("--------------------------------")
	fmt.Printf("Iterations per size: %d\n", iterations)
	fmt.Printf("Warmup iterations: %d\n", warmupIterations)
	fmt.Println("--------------------------------")

	for _, size := range sizes {
		fmt.Printf("\nBenchmarking message size: %d bytes\n", size)
		fmt.Println("--------------------------------")

		result := runBenchmark(size)

		fmt.Printf("\nResults for %d bytes:\n", size)
		fmt.Println("Latency Statistics:")
		fmt.Printf("  min: %v\n", result.min)
		fmt.Printf("  p50: %v\n", result.p50)
		fmt.Printf("  p99: %v\n", result.p99)
		fmt.Printf("  p99.9: %v\n", result.p999)
		fmt.Printf("  max: %v\n", result.max)
		fmt.Println("Throughput:")
		fmt.Printf("  Messages/sec: %.2f\n", result.msgsPerSec)
		fmt.Printf("  MB/sec: %.2f\n", result.mbPerSec)
		fmt.Printf("  GB/sec: %.2f\n", result.mbPerSec/1000.0)

		time.Sleep(settleBetweenRuns)
	}
}
