package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ddhadho/cityhall/pkg/config"
	"github.com/ddhadho/cityhall/pkg/engine"
	"github.com/ddhadho/cityhall/pkg/logging"
	"github.com/ddhadho/cityhall/pkg/metrics"
	"github.com/ddhadho/cityhall/pkg/replication"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (defaults built in if omitted)")
	dataDir := flag.String("data", "./data/replica", "Data directory")
	leaderAddr := flag.String("leader", "", "Leader replication address (host:port)")
	flag.Parse()

	cfg := config.Default(*dataDir)
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	if *leaderAddr != "" {
		cfg.Replica.LeaderAddr = *leaderAddr
	}
	if cfg.Replica.LeaderAddr == "" {
		fatalf("no leader address given (pass -leader or set replica.leader_addr)")
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	registry := metrics.NewRegistry()

	fmt.Printf("CityHall replica starting\n")
	fmt.Printf("  data dir: %s\n", cfg.Storage.DataDir)
	fmt.Printf("  leader:   %s\n", cfg.Replica.LeaderAddr)

	eng, err := engine.Open(engine.Options{
		DataDir:           cfg.Storage.DataDir,
		MemtableLimit:     cfg.Storage.MemtableBytes,
		WALSegmentLimit:   cfg.Storage.WALSegmentBytes,
		WALBufferSize:     cfg.Storage.WALBufferBytes,
		FalsePositiveRate: cfg.Storage.FalsePositiveRate,
		Logger:            logger,
		Metrics:           registry,
	})
	if err != nil {
		fatalf("open engine: %v", err)
	}
	defer eng.Shutdown()

	stateFile := cfg.Replica.StateFile
	if !filepath.IsAbs(stateFile) {
		stateFile = filepath.Join(cfg.Storage.DataDir, stateFile)
	}

	agent, err := replication.NewAgent(eng, replication.AgentOptions{
		LeaderAddr:        cfg.Replica.LeaderAddr,
		StateFile:         stateFile,
		HeartbeatInterval: cfg.Replica.HeartbeatInterval,
		BackoffStart:      cfg.Replica.BackoffStart,
		BackoffCap:        cfg.Replica.BackoffCap,
		Logger:            logger,
	})
	if err != nil {
		fatalf("create replication agent: %v", err)
	}
	agent.Start()
	defer agent.Stop()

	fmt.Printf("CityHall replica ready\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Printf("shutting down\n")
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "cityhall-replica: "+format+"\n", args...)
	os.Exit(1)
}
