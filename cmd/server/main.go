package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cartridge/replaybuf/internal/config"
	httpServer "github.com/cartridge/replaybuf/internal/http"
	"github.com/cartridge/replaybuf/internal/metrics"
	"github.com/cartridge/replaybuf/internal/replay"
	"github.com/cartridge/replaybuf/internal/service"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "replaybuf",
	Short: "Experience replay buffer service",
	Long: `Replay server that stores rollout transitions in a circular
frame-deduplicating buffer and serves training batches.

Actors append chunks over HTTP or a websocket stream; learners sample
uniform or prioritized batches and feed TD errors back to keep the
priority tree current.`,
	RunE: runServer,
}

func init() {
	cfg = config.Default()

	rootCmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	rootCmd.Flags().DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")

	rootCmd.Flags().IntVar(&cfg.RingDepth, "ring-depth", cfg.RingDepth, "Circular buffer time slots")
	rootCmd.Flags().IntVar(&cfg.EnvSlots, "env-slots", cfg.EnvSlots, "Parallel environment slots per time step")
	rootCmd.Flags().IntVar(&cfg.FrameLen, "frame-len", cfg.FrameLen, "Flattened length of one observation frame")
	rootCmd.Flags().IntVar(&cfg.FrameStack, "frame-stack", cfg.FrameStack, "Frames stacked into one observation")

	rootCmd.Flags().IntVar(&cfg.NStep, "n-step", cfg.NStep, "N-step return horizon")
	rootCmd.Flags().Float64Var(&cfg.Discount, "discount", cfg.Discount, "Per-step discount factor")

	rootCmd.Flags().BoolVar(&cfg.Prioritized, "prioritized", cfg.Prioritized, "Enable prioritized sampling")
	rootCmd.Flags().Float64Var(&cfg.PriorityAlpha, "priority-alpha", cfg.PriorityAlpha, "Priority exponent")
	rootCmd.Flags().Float64Var(&cfg.BetaInit, "priority-beta-init", cfg.BetaInit, "Initial importance-weight exponent")
	rootCmd.Flags().Float64Var(&cfg.BetaFinal, "priority-beta-final", cfg.BetaFinal, "Final importance-weight exponent")
	rootCmd.Flags().Int64Var(&cfg.BetaSteps, "priority-beta-steps", cfg.BetaSteps, "Updates to anneal beta over")
	rootCmd.Flags().Float64Var(&cfg.DefaultPriority, "default-priority", cfg.DefaultPriority, "Priority for unscored transitions")

	rootCmd.Flags().IntVar(&cfg.MinWritten, "min-written", cfg.MinWritten, "Steps required before sampling opens")
	rootCmd.Flags().BoolVar(&cfg.SharedMem, "shared-mem", cfg.SharedMem, "Use the epoch-barrier gate for parallel readers")
	rootCmd.Flags().Int64Var(&cfg.Seed, "seed", cfg.Seed, "Sampling RNG seed (0 seeds from the clock)")

	rootCmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	// Bind flags to viper under their underscore names so the keys
	// match the mapstructure tags and the REPLAYBUF_* env variables
	// (e.g. --ring-depth, ring_depth, REPLAYBUF_RING_DEPTH).
	rootCmd.Flags().VisitAll(func(f *pflag.Flag) {
		viper.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	viper.SetEnvPrefix("REPLAYBUF")
	viper.AutomaticEnv()
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	buf, err := replay.New(cfg.Replay())
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc := service.NewReplay(buf, cfg.BetaSchedule(), int64(cfg.MinWritten), m, logger)
	h := httpServer.NewServer(svc, m, reg, logger)
	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: h.Routes(),
		// No read/write deadlines: the append stream holds its
		// websocket open indefinitely.
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Int("ring_depth", cfg.RingDepth).
			Int("env_slots", cfg.EnvSlots).
			Bool("prioritized", cfg.Prioritized).
			Msg("replay server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
		close(done)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	<-done
	logger.Info().Msg("replay server stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
