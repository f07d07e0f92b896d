// Package cli provides the command-line interface for whaletrace.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracelabs/whaletrace/internal/config"
	"github.com/tracelabs/whaletrace/internal/detect"
	"github.com/tracelabs/whaletrace/internal/driver"
	"github.com/tracelabs/whaletrace/internal/graph"
	"github.com/tracelabs/whaletrace/internal/pipeline"
	"github.com/tracelabs/whaletrace/internal/propagate"
	"github.com/tracelabs/whaletrace/internal/source"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	cfgPath string

	// Shared state wired up by the root PersistentPreRunE.
	cfg      *config.Config
	log      *slog.Logger
	closeLog func() error
	graphDrv *driver.MemgraphDriver
	store    *graph.Store
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "whaletrace",
	Short: "Whale deanonymization knowledge graph",
	Long: `Whaletrace builds a knowledge graph over large on-chain actors. It expands
addresses through funding and deployment edges, clusters addresses that
behave like one entity, propagates known identities along weighted
relationships, and keeps every claim as sourced evidence.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip graph connection for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log, closeLog = config.SetupLogger(cfg.Log)

		ctx := context.Background()
		graphDrv, err = driver.NewMemgraphDriver(ctx, cfg.Memgraph.URI, cfg.Memgraph.User, cfg.Memgraph.Password, log)
		if err != nil {
			return fmt.Errorf("connect to memgraph: %w", err)
		}

		store = graph.NewStore(graphDrv, log)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if graphDrv != nil {
			if err := graphDrv.Close(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close graph driver: %v\n", err)
			}
		}
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// newRunner wires the enrichment layers against the configured sources.
func newRunner() *pipeline.Runner {
	chain := source.NewEtherscanClient(cfg.Sources.EtherscanURL, cfg.Sources.EtherscanAPIKey, cfg.Sources.RateLimit, nil)
	osint := source.NewOSINTClient(cfg.Sources.OSINTURL, cfg.Sources.RateLimit, nil)

	detector := detect.NewEngine(store, log, detect.Config{
		FundingWindow:   cfg.Detect.FundingWindowDuration(),
		TemporalWindow:  cfg.Detect.TemporalWindowDuration(),
		DepositMaxFanIn: cfg.Detect.DepositMaxFanIn,
		NoiseFraction:   cfg.Detect.NoiseFraction,
		MinOverlap:      cfg.Detect.MinOverlap,
	})

	return pipeline.NewRunner(store, log, pipeline.Config{
		BatchSize:      cfg.Pipeline.BatchSize,
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		Workers:        cfg.Pipeline.Workers,
		AddressTimeout: cfg.Pipeline.Timeout(),
	},
		pipeline.NewExpansionLayer(store, chain, detector, log),
		pipeline.NewBehavioralLayer(store, chain, log),
		pipeline.NewOSINTLayer(store, osint, chain, log),
	)
}

func newPropagator() *propagate.Engine {
	return propagate.NewEngine(store, log, propagate.Config{Floor: cfg.Propagate.Floor})
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "whaletrace.toml", "path to config file")
}
