package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ddhadho/cityhall/pkg/compaction"
	"github.com/ddhadho/cityhall/pkg/config"
	"github.com/ddhadho/cityhall/pkg/engine"
	"github.com/ddhadho/cityhall/pkg/logging"
	"github.com/ddhadho/cityhall/pkg/metrics"
	"github.com/ddhadho/cityhall/pkg/replication"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (defaults built in if omitted)")
	dataDir := flag.String("data", "./data/leader", "Data directory")
	replAddr := flag.String("repl", ":7879", "Replication listen address")
	metricsAddr := flag.String("metrics", ":8080", "Metrics HTTP listen address")
	flag.Parse()

	cfg := config.Default(*dataDir)
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	if *replAddr != "" {
		cfg.Replication.ListenAddr = *replAddr
	}
	if *metricsAddr != "" {
		cfg.Metrics.ListenAddr = *metricsAddr
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	registry := metrics.NewRegistry()

	fmt.Printf("CityHall leader starting\n")
	fmt.Printf("  data dir:    %s\n", cfg.Storage.DataDir)
	fmt.Printf("  replication: %s\n", cfg.Replication.ListenAddr)
	fmt.Printf("  metrics:     %s\n", cfg.Metrics.ListenAddr)

	// replServer is filled in below; the engine's retention callback
	// closes over the pointer so the two can be wired despite the
	// circular need (the server reads sealed segments from the
	// engine's WAL, the engine asks the server how far replicas lag).
	var replServer *replication.Server

	eng, err := engine.Open(engine.Options{
		DataDir:           cfg.Storage.DataDir,
		MemtableLimit:     cfg.Storage.MemtableBytes,
		WALSegmentLimit:   cfg.Storage.WALSegmentBytes,
		WALBufferSize:     cfg.Storage.WALBufferBytes,
		FalsePositiveRate: cfg.Storage.FalsePositiveRate,
		Logger:            logger,
		Metrics:           registry,
		MinReplicaSegment: func() uint64 {
			if replServer == nil {
				return 0
			}
			return replServer.MinSyncedSegment(cfg.Replication.ReplicaTimeout)
		},
	})
	if err != nil {
		fatalf("open engine: %v", err)
	}
	defer eng.Shutdown()

	replServer = replication.NewServer(eng.WAL(), replication.Options{
		ReplicaTimeout: cfg.Replication.ReplicaTimeout,
		Logger:         logger,
		Metrics:        registry,
	})
	if err := replServer.Listen(cfg.Replication.ListenAddr); err != nil {
		fatalf("start replication server: %v", err)
	}
	defer replServer.Close()

	compactor := compaction.New(eng, compaction.Options{
		TierThreshold: cfg.Storage.CompactionTier,
		Logger:        logger,
		Metrics:       registry,
	})
	compactWorker := compaction.NewWorker(compactor, cfg.Storage.CompactionInterval)
	compactWorker.Start()
	defer compactWorker.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", logging.Error(err))
		}
	}()

	go reportMetricsLoop(eng, registry, 5*time.Second)

	fmt.Printf("CityHall leader ready\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Printf("shutting down\n")
	metricsServer.Close()
}

// reportMetricsLoop periodically samples the engine's live memtable
// byte footprint and sorted-table count into the gauges the snapshot
// surface reads.
func reportMetricsLoop(eng *engine.Engine, rec metrics.Recorder, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		memtableBytes, tableCount := eng.Metrics()
		rec.SetMemtableBytes(memtableBytes)
		rec.SetSSTableCount(tableCount)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "cityhall-server: "+format+"\n", args...)
	os.Exit(1)
}
