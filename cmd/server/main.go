package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/tracelabs/whaletrace/internal/config"
	"github.com/tracelabs/whaletrace/internal/detect"
	"github.com/tracelabs/whaletrace/internal/driver"
	"github.com/tracelabs/whaletrace/internal/graph"
	"github.com/tracelabs/whaletrace/internal/pipeline"
	"github.com/tracelabs/whaletrace/internal/propagate"
	"github.com/tracelabs/whaletrace/internal/server"
	"github.com/tracelabs/whaletrace/internal/source"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("WHALETRACE_CONFIG")
	if cfgPath == "" {
		cfgPath = "whaletrace.toml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, closeLog := config.SetupLogger(cfg.Log)
	defer func() {
		if err := closeLog(); err != nil {
			log.Printf("close log file: %v", err)
		}
	}()

	ctx := context.Background()
	drv, err := driver.NewMemgraphDriver(ctx, cfg.Memgraph.URI, cfg.Memgraph.User, cfg.Memgraph.Password, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer drv.Close(ctx)

	store := graph.NewStore(drv, logger)
	if err := store.InitSchema(ctx); err != nil {
		log.Fatal(err)
	}

	chain := source.NewEtherscanClient(cfg.Sources.EtherscanURL, cfg.Sources.EtherscanAPIKey, cfg.Sources.RateLimit, nil)
	osint := source.NewOSINTClient(cfg.Sources.OSINTURL, cfg.Sources.RateLimit, nil)

	detector := detect.NewEngine(store, logger, detect.Config{
		FundingWindow:   cfg.Detect.FundingWindowDuration(),
		TemporalWindow:  cfg.Detect.TemporalWindowDuration(),
		DepositMaxFanIn: cfg.Detect.DepositMaxFanIn,
		NoiseFraction:   cfg.Detect.NoiseFraction,
		MinOverlap:      cfg.Detect.MinOverlap,
	})

	runner := pipeline.NewRunner(store, logger, pipeline.Config{
		BatchSize:      cfg.Pipeline.BatchSize,
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		Workers:        cfg.Pipeline.Workers,
		AddressTimeout: cfg.Pipeline.Timeout(),
	},
		pipeline.NewExpansionLayer(store, chain, detector, logger),
		pipeline.NewBehavioralLayer(store, chain, logger),
		pipeline.NewOSINTLayer(store, osint, chain, logger),
	)

	propagator := propagate.NewEngine(store, logger, propagate.Config{Floor: cfg.Propagate.Floor})

	srv := server.New(store, runner, propagator, logger)
	router := srv.SetupRouter()

	logger.Info("starting server", "addr", cfg.Server.Addr)
	if err := router.Run(cfg.Server.Addr); err != nil {
		log.Fatal(err)
	}
}
