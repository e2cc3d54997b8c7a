// khires-producer pushes a synthetic event stream into the khires ring.
// Useful for exercising the collector without kernel-side producers.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yairfalse/khires/pkg/device"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "khires-producer",
		Short:         "Log synthetic events into the khires ring",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.Flags().String("device", device.DefaultPath, "khires device node")
	cmd.Flags().Uint32("event-id", 1001, "event id to log")
	cmd.Flags().Uint64("count", 0, "number of events to log (0 = until interrupted)")
	cmd.Flags().Duration("interval", 100*time.Millisecond, "delay between events")

	viper.SetEnvPrefix("KHIRES")
	viper.AutomaticEnv()
	viper.BindPFlags(cmd.Flags())

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	conn, err := device.Connect(viper.GetString("device"), logger)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	eventID := viper.GetUint32("event-id")
	count := viper.GetUint64("count")
	interval := viper.GetDuration("interval")
	if interval <= 0 {
		interval = time.Millisecond
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("producer started",
		zap.Uint32("event_id", eventID),
		zap.Duration("interval", interval),
	)

	var logged, dropped uint64
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

loop:
	for seq := uint64(0); count == 0 || seq < count; seq++ {
		select {
		case sig := <-sigChan:
			logger.Info("interrupted", zap.String("signal", sig.String()))
			break loop
		case <-ticker.C:
			if conn.Log(eventID, seq, seq*2) {
				logged++
			} else {
				dropped++
				logger.Warn("ring full, event dropped", zap.Uint64("seq", seq))
			}
		}
	}

	logger.Info("producer finished",
		zap.Uint64("logged", logged),
		zap.Uint64("dropped", dropped),
		zap.Uint64("ring_dropped_total", conn.DroppedCount()),
	)
	return nil
}
