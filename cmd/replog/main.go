// Command replog runs one member of a replicated partition log with a
// keyed state store on top.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/config"
	"github.com/thinkermao/replog/raft"
	"github.com/thinkermao/replog/raft/metrics"
	"github.com/thinkermao/replog/raft/transport"
	"github.com/thinkermao/replog/raft/validator"
	"github.com/thinkermao/replog/state"
	logutil "github.com/thinkermao/replog/utils/log"
)

func main() {
	configPath := flag.String("config", "replog.yaml", "path of the node configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("replog: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	closer, err := logutil.Setup(logutil.Options{Level: cfg.Log.Level, File: cfg.Log.File, JSON: cfg.Log.JSON})
	if err != nil {
		return err
	}
	defer closer.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricCollectors, err := metrics.NewCollectors(registry)
	if err != nil {
		return err
	}

	store, err := state.Open(filepath.Join(cfg.Node.DataDir, "state", state.SnapshotFile))
	if err != nil {
		return err
	}
	defer store.Close()

	partitionConfig := cfg.PartitionConfig()
	partitionConfig.Validator = validator.Sequence{}
	partitionConfig.Metrics = metricCollectors.Partition(cfg.Node.ID)

	partition, err := raft.MakeRaft(partitionConfig, state.NewMachine(cfg.Node.ID, store),
		transport.NewTCP(cfg.Node.ID, cfg.Node.Address))
	if err != nil {
		return err
	}
	defer partition.Close()
	log.Infof("%d replog started, data in %s", cfg.Node.ID, cfg.Node.DataDir)

	var server *http.Server
	if cfg.Metrics.Address != "" {
		server = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           newHandler(partition, state.NewClient(partition, store), registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infof("%d serve http on %s", cfg.Node.ID, cfg.Metrics.Address)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("%d http server: %v", cfg.Node.ID, err)
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Infof("%d receive %v, shutting down", cfg.Node.ID, sig)

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
	return nil
}
