package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/civetdb/civet/admin"
	"github.com/civetdb/civet/cfg"
	"github.com/civetdb/civet/db"
	civetgrpc "github.com/civetdb/civet/grpc"
	"github.com/civetdb/civet/hlc"
	"github.com/civetdb/civet/publisher"
	_ "github.com/civetdb/civet/publisher/sink"
	"github.com/civetdb/civet/session"
	"github.com/civetdb/civet/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Civet - Distributed Session Catalog")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Open the durable transaction table
	table, err := db.NewTxnTable()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open transaction table")
		return
	}
	defer table.Close()

	clock := hlc.NewClock(cfg.Config.NodeID)

	// Session lifecycle events
	var sink session.EventSink = session.NoopSink{}
	var events *publisher.Worker
	if cfg.Config.Events.Enabled {
		events, err = publisher.FromConfiguration(cfg.Config.Events.Sink)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize event publisher")
			return
		}
		events.Start()
		sink = events
	}

	catalog := session.NewCatalog(table, clock, sink)
	sc := session.NewServiceContext(catalog)

	// A standalone node is its own primary, so it steps up immediately.
	// In replica-set mode the replication layer drives step-up instead.
	if cfg.Config.Replication.Mode == cfg.ModeStandalone {
		startupOp := session.NewOperation(context.Background(), session.NewClient("startup"))
		if err := catalog.OnStepUp(startupOp); err != nil {
			log.Fatal().Err(err).Msg("Step-up failed")
			return
		}
	}

	// Connection pools to peer shards for router fan-out
	shardClient := civetgrpc.NewClient()
	defer shardClient.Close()
	for shardID, address := range cfg.Config.Shard.Endpoints {
		if err := shardClient.AddShard(shardID, address); err != nil {
			log.Fatal().Err(err).Str("shard", shardID).Msg("Failed to register shard endpoint")
			return
		}
	}

	// Admin surface and metrics share the HTTP side of the muxed listener
	mux := admin.NewRouter(admin.NewAdminHandlers(sc))
	if handler := telemetry.GetMetricsHandler(); handler != nil {
		mux.Handle("/metrics", handler)
	}

	server := civetgrpc.NewServer(civetgrpc.NewShardService(sc), mux)
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
		return
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("address", server.Addr()).
		Str("data_dir", cfg.Config.DataDir).
		Str("mode", string(cfg.Config.Replication.Mode)).
		Msg("Node is operational")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down")

	// Hold new checkouts at the gate and give in-flight operations a
	// bounded window to finish before the listener goes away.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	drainOp := session.NewOperation(shutdownCtx, session.NewClient("shutdown"))
	q := catalog.StartQuiesce()
	if err := q.WaitForDrain(drainOp); err != nil {
		log.Warn().Err(err).Msg("Shutdown drain incomplete")
	}
	q.End()
	cancel()

	server.Stop()
	if events != nil {
		events.Stop()
	}

	log.Info().Msg("Shutdown complete")
}
