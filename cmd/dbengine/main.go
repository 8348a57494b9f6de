// Command dbengine runs the storage engine as a standalone process:
// load config.json, open the engine, expose Prometheus metrics over
// HTTP, and ingest over NATS if configured. It never touches a
// database or HTTP query API of its own; it only hosts the engine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netdata/dbengine/pkg/dbengine"
	"github.com/netdata/dbengine/pkg/dbengine/config"
)

var (
	flagConfigFile = "./config.json"
	flagMetricAddr = ":9090"
	flagGops       bool
)

func main() {
	flag.StringVar(&flagConfigFile, "config", flagConfigFile, "Path to the engine's `config.json`")
	flag.StringVar(&flagMetricAddr, "metrics-addr", flagMetricAddr, "Address the Prometheus metrics endpoint listens on")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging), overriding config.json")
	flag.Parse()

	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		cclog.Fatalf("dbengine: reading %s: %s", flagConfigFile, err.Error())
	}

	cfg, err := config.Load(json.RawMessage(raw))
	if err != nil {
		cclog.Fatalf("dbengine: %s", err.Error())
	}
	if flagGops {
		cfg.EnableGops = true
	}

	engine, err := dbengine.Open(cfg)
	if err != nil {
		cclog.Fatalf("dbengine: open: %s", err.Error())
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(dbengine.NewCollector(engine))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: flagMetricAddr, Handler: mux}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cclog.ComponentInfo("dbengine", "metrics endpoint listening", "addr", flagMetricAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cclog.Fatalf("dbengine: metrics server: %s", err.Error())
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	cclog.ComponentInfo("dbengine", "shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		cclog.ComponentWarn("dbengine", "metrics server shutdown", "error", err.Error())
	}
	if err := engine.Shutdown(ctx); err != nil {
		cclog.ComponentWarn("dbengine", "engine shutdown", "error", err.Error())
	}

	wg.Wait()
	cclog.ComponentInfo("dbengine", "shutdown complete")
}
