// Command broker-server runs the point-to-point message broker: a TCP
// listener that accepts one active producer connection at a time and
// drains it through a lock-free ring buffer into a background consumer.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wlvchandler/go-broker/config"
	"github.com/wlvchandler/go-broker/server"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the broker's YAML config file. If empty,
	// config.Default() is used.
	ConfigPath string

	// Port overrides the config file's (or the default's) port when set
	// to a nonzero value.
	Port int
}

var rootCmd = &cobra.Command{
	Use:   "broker-server",
	Short: "Point-to-point message broker server",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			var interrupted Interrupted
			if errors.As(err, &interrupted) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the broker's YAML config file (optional; defaults apply if unset)")
	rootCmd.Flags().IntVar(&cmd.Port, "port", 0, "override the configured port (0 means no override)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	zapCfg := zap.NewProductionConfig()
	logger, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	log := logger.Sugar()

	cfg := config.Default()
	if cmd.ConfigPath != "" {
		cfg, err = config.Load(cmd.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	if cmd.Port != 0 {
		cfg.Port = cmd.Port
	}

	s, err := server.New(cfg, server.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return s.Run(ctx)
	})
	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// WaitInterrupted blocks until either SIGINT or SIGTERM signal is received
// or the provided context is canceled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}
