package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yairfalse/khires/pkg/aggregate"
	"github.com/yairfalse/khires/pkg/consumer"
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
		Use:   "khires-collector",
		Short: "Drain and aggregate high-resolution telemetry from the khires ring",
		Long: `khires-collector attaches to the khires shared-memory ring, drains log
entries published by kernel and userspace producers, and maintains bounded
per-event statistics. On shutdown it reports count and average latency per
event id, converted to microseconds with the device's cycle calibration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.Flags().String("device", device.DefaultPath, "khires device node")
	cmd.Flags().Duration("poll-interval", 10*time.Millisecond, "sleep between empty polls (0 busy-polls a full core)")
	cmd.Flags().Duration("drop-check-interval", time.Second, "how often to report drop counter growth")
	cmd.Flags().Uint64("sample-cap", aggregate.DefaultSampleCap, "per-event sample cap")
	cmd.Flags().Bool("reset", false, "reset the ring before consuming")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	viper.SetEnvPrefix("KHIRES")
	viper.AutomaticEnv()
	viper.BindPFlags(cmd.Flags())

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger(viper.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	conn, err := device.Connect(viper.GetString("device"), logger)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if viper.GetBool("reset") {
		if err := conn.Reset(); err != nil {
			return err
		}
		logger.Info("ring reset")
	}

	cfg := consumer.NewDefaultConfig("khires")
	cfg.PollInterval = viper.GetDuration("poll-interval")
	cfg.DropCheckInterval = viper.GetDuration("drop-check-interval")
	cfg.SampleCap = viper.GetUint64("sample-cap")

	cons, err := consumer.New(cfg, conn, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("collector started",
		zap.String("device", conn.Path()),
		zap.Uint64("capacity", conn.Capacity()),
		zap.Duration("poll_interval", cfg.PollInterval),
	)

	if err := cons.Run(ctx); err != nil {
		return err
	}

	cons.Report(conn.CyclesPerUS())
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	return cfg.Build()
}
