// ============================================================================
// Retry Queue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command line interface for running the retry queue
//          as a standalone daemon and inspecting its configuration.
//
// Command structure:
//   retryq                        # Root command
//   ├── run                       # Start the health-gated retry queue
//   │   ├── --simulate, -s        # Enqueue N synthetic operations
//   │   └── --fail-rate           # Failure rate for synthetic operations
//   ├── status                    # Show effective configuration
//   ├── --config, -c              # Config file path (persistent)
//   └── --version
//
// Configuration:
//   YAML file (default: configs/default.yaml) covering the backend probe
//   target, probe cadence, retry policy, and metrics endpoint.
//
// run command:
//   1. Load the config file
//   2. Build the gRPC health probe and polling monitor
//   3. Create the retry queue service and start monitoring
//   4. Serve Prometheus metrics (if enabled)
//   5. Wait for SIGINT/SIGTERM and shut down gracefully
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/SharedMindsApp/retryq/internal/health"
	"github.com/SharedMindsApp/retryq/internal/metrics"
	"github.com/SharedMindsApp/retryq/internal/processor"
)

// Config represents the complete daemon configuration structure, mapped
// from the config file through YAML tags.
type Config struct {
	Backend struct {
		Address string `yaml:"address"`
		Service string `yaml:"service"`
	} `yaml:"backend"`

	Probe struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		TimeoutSeconds  int `yaml:"timeout_seconds"`
		UnhealthyAfter  int `yaml:"unhealthy_after"`
	} `yaml:"probe"`

	Retry struct {
		MaxRetries    int `yaml:"max_retries"`
		BackoffStepMs int `yaml:"backoff_step_ms"`
	} `yaml:"retry"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "retryq",
		Short: "retryq: a health-gated operation retry queue",
		Long: `retryq holds mutating operations issued while the backend connection is
degraded and replays them serially, with bounded retries and linear
backoff, once connectivity is confirmed healthy.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var simulate int
	var failRate float64

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the retry queue daemon",
		Long:  "Start the health monitor, retry queue, and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(simulate, failRate)
		},
	}

	cmd.Flags().IntVarP(&simulate, "simulate", "s", 0, "enqueue N synthetic operations to exercise the queue")
	cmd.Flags().Float64Var(&failRate, "fail-rate", 0.3, "failure rate for synthetic operations (0..1)")

	return cmd
}

func runDaemon(simulate int, failRate float64) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Starting retryq against %s\n", cfg.Backend.Address)

	probe, closeProbe, err := health.NewGRPCProbe(cfg.Backend.Address, cfg.Backend.Service)
	if err != nil {
		return fmt.Errorf("failed to build health probe: %w", err)
	}
	defer closeProbe()

	monitor := health.NewPollingMonitor(probe, health.PollingConfig{
		Interval:       time.Duration(cfg.Probe.IntervalSeconds) * time.Second,
		Timeout:        time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
		UnhealthyAfter: cfg.Probe.UnhealthyAfter,
	})

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	service := processor.NewService(monitor, processor.Config{
		MaxRetries:  cfg.Retry.MaxRetries,
		BackoffStep: time.Duration(cfg.Retry.BackoffStepMs) * time.Millisecond,
		Metrics:     collector,
	})

	monitor.Start()
	service.StartMonitoring()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		server := metrics.NewServer(cfg.Metrics.Port)
		g.Go(func() error {
			log.Printf("Serving metrics on %s/metrics\n", server.Addr)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if simulate > 0 {
		g.Go(func() error {
			enqueueSynthetic(service, simulate, failRate)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Println("Received shutdown signal, stopping gracefully...")
		service.StopMonitoring()
		monitor.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}

	stats := service.Stats()
	log.Printf("Stopped. attempted=%d succeeded=%d terminal=%d pending=%d\n",
		stats["attempted"], stats["succeeded"], stats["terminal"], stats["pending"])
	return nil
}

// enqueueSynthetic submits operations with a configurable failure rate so
// the retry, backoff, and gating behavior can be observed end to end.
func enqueueSynthetic(service *processor.Service, count int, failRate float64) {
	log.Printf("Enqueuing %d synthetic operations (fail rate %.2f)\n", count, failRate)

	for i := 0; i < count; i++ {
		name := fmt.Sprintf("simulate.op-%d", i)
		_, err := service.Enqueue(processor.Request{
			Context: name,
			Action: func(ctx context.Context) (any, error) {
				time.Sleep(time.Duration(rand.Intn(100)) * time.Millisecond)
				if rand.Float64() < failRate {
					return nil, errors.New("synthetic failure")
				}
				return name, nil
			},
		})
		if err != nil {
			log.Printf("Failed to enqueue synthetic operation: %v\n", err)
		}
	}
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show effective configuration and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("retryq configuration")
	fmt.Printf("  Config File:      %s\n", configFile)
	fmt.Printf("  Backend Address:  %s\n", cfg.Backend.Address)
	fmt.Printf("  Probe Interval:   %ds\n", cfg.Probe.IntervalSeconds)
	fmt.Printf("  Probe Timeout:    %ds\n", cfg.Probe.TimeoutSeconds)
	fmt.Printf("  Unhealthy After:  %d failures\n", cfg.Probe.UnhealthyAfter)
	fmt.Printf("  Max Retries:      %d\n", cfg.Retry.MaxRetries)
	fmt.Printf("  Backoff Step:     %dms\n", cfg.Retry.BackoffStepMs)
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:          enabled on :%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  Metrics:          disabled")
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
