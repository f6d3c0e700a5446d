// Command broker-client sends a stream of fixed-size messages to a
// broker-server and reports throughput, mirroring the original Rust
// bin/client.rs driver.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wlvchandler/go-broker/client"
)

var cmd struct {
	Addr      string
	Count     int
	Size      int
	BatchSize uint32
	Sequenced bool
	Progress  int
}

var rootCmd = &cobra.Command{
	Use:   "broker-client",
	Short: "Send a stream of messages to a broker-server",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&cmd.Addr, "addr", "127.0.0.1:7878", "broker-server address")
	rootCmd.Flags().IntVar(&cmd.Count, "count", 10_000, "number of messages to send")
	rootCmd.Flags().IntVar(&cmd.Size, "size", 1024, "message size in bytes, including the 20-byte header when --sequenced is set")
	rootCmd.Flags().Uint32Var(&cmd.BatchSize, "batch", 1024, "client-side batch size")
	rootCmd.Flags().BoolVar(&cmd.Sequenced, "sequenced", true, "stamp each message with a timestamp, sequence number, and checksum")
	rootCmd.Flags().IntVar(&cmd.Progress, "progress-every", 1000, "print a progress line every N messages (0 disables)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fmt.Println("Connecting to broker...")
	c, err := client.Connect(cmd.Addr, client.WithBatchSize(cmd.BatchSize))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()
	fmt.Println("connected")

	payloadSize := cmd.Size
	if cmd.Sequenced {
		payloadSize -= 20
		if payloadSize < 0 {
			payloadSize = 0
		}
	}
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = 1
	}

	start := time.Now()
	for i := 0; i < cmd.Count; i++ {
		if cmd.Progress > 0 && i%cmd.Progress == 0 {
			fmt.Printf("\rProgress: %.1f%%", float64(i)/float64(cmd.Count)*100)
		}

		var sendErr error
		if cmd.Sequenced {
			sendErr = c.SendMessage(payload)
		} else {
			sendErr = c.Send(payload)
		}
		if sendErr != nil {
			fmt.Printf("\nError at iteration %d: %v\n", i, sendErr)
			break
		}
	}
	if err := c.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	elapsed := time.Since(start)
	throughput := float64(cmd.Size*cmd.Count) / elapsed.Seconds()

	fmt.Println("\nResults:")
	fmt.Printf("Time: %v\n", elapsed)
	fmt.Printf("Throughput: %.2f GB/s\n", throughput/1e9)
	fmt.Printf("Messages/sec: %.2f\n", float64(cmd.Count)/elapsed.Seconds())

	return nil
}
