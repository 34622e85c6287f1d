/*
Copyright 2025 Overlaymgr Contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Main entrypoint for the overlay manager daemon.
//
// Coverage: Excluded - main entrypoints are exercised through the package
// tests of the components they wire together, not unit-tested directly.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nextdoor/overlaymgr/pkg/codec"
	"github.com/nextdoor/overlaymgr/pkg/config"
	"github.com/nextdoor/overlaymgr/pkg/driver"
	"github.com/nextdoor/overlaymgr/pkg/facade"
	"github.com/nextdoor/overlaymgr/pkg/hostmanifest"
	"github.com/nextdoor/overlaymgr/pkg/idmap"
	"github.com/nextdoor/overlaymgr/pkg/metrics"
	"github.com/nextdoor/overlaymgr/pkg/orchestrator"
	"github.com/nextdoor/overlaymgr/pkg/registry"
)

const shutdownGracePeriod = 5 * time.Second

func main() {
	var configPath string
	var manifestPath string
	flag.StringVar(&configPath, "config", "/etc/overlaymgr/config.yaml",
		"Path to the daemon configuration file. Can be overridden with OVERLAYMGR_CONFIG_PATH.")
	flag.StringVar(&manifestPath, "manifest", "/etc/overlaymgr/manifest.yaml",
		"Path to the standalone host manifest (packages and users). Can be overridden with OVERLAYMGR_MANIFEST_PATH.")
	flag.Parse()

	if env := os.Getenv("OVERLAYMGR_CONFIG_PATH"); env != "" {
		configPath = env
	}
	if env := os.Getenv("OVERLAYMGR_MANIFEST_PATH"); env != "" {
		manifestPath = env
	}

	bootLog, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	setupLog := zapr.NewLogger(bootLog).WithName("setup")

	cfg, err := config.Load(configPath)
	if err != nil {
		if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
			setupLog.Info("config file not found, using defaults", "path", configPath)
			cfg = &config.Config{
				LogLevel:           config.DefaultLogLevel,
				MetricsBindAddress: config.DefaultMetricsBindAddress,
				Persistence:        config.PersistenceConfig{Path: config.DefaultPersistencePath, QueueDepth: config.DefaultPersistenceQueueDepth},
				Idmap:              config.IdmapConfig{ToolPath: config.DefaultIdmapToolPath, CacheDir: config.DefaultIdmapCacheDir},
			}
		} else {
			setupLog.Error(err, "failed to load configuration", "path", configPath)
			os.Exit(1)
		}
	}

	zapLog, err := newZapLogger(cfg.LogLevel)
	if err != nil {
		setupLog.Error(err, "failed to construct logger")
		os.Exit(1)
	}
	defer zapLog.Sync() //nolint:errcheck
	log := zapr.NewLogger(zapLog).WithName("overlaymgrd")

	manifest, err := hostmanifest.Load(manifestPath)
	if err != nil {
		if _, statErr := os.Stat(manifestPath); os.IsNotExist(statErr) {
			log.Info("host manifest not found, starting with no packages or users", "path", manifestPath)
			manifest = &hostmanifest.Manifest{}
		} else {
			log.Error(err, "failed to load host manifest", "path", manifestPath)
			os.Exit(1)
		}
	}

	metricsRecorder := metrics.NewRecorder(false)
	metricsRecorder.SetInfo("dev")

	reg := registry.New(log)
	im := idmap.NewLifecycle(cfg.Idmap.ToolPath, cfg.Idmap.CacheDir, log, metricsRecorder)
	db := hostmanifest.NewDatabase(manifest)
	users := hostmanifest.NewUserRegistry(manifest)
	drv := driver.New(reg, db, users, im, log, metricsRecorder)

	cdc := codec.New(cfg.Persistence.Path, log)
	worker := codec.NewWorker(cdc, reg.Snapshot, log)
	go worker.Run()

	assets := hostmanifest.LoggingAssetPathPublisher{Log: log}
	broadcast := hostmanifest.LoggingBroadcastBus{Log: log}

	orch := orchestrator.New(reg, drv, cdc, worker, users, assets, broadcast, metricsRecorder, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Boot(ctx); err != nil {
		log.Error(err, "boot sequence failed")
		os.Exit(1)
	}
	log.Info("boot sequence complete")

	svc := facade.New(reg, log, metricsRecorder)
	defer svc.Close()
	_ = svc // published on the service bus by the embedding host; this standalone binary only proves it constructs cleanly.

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	metricsServer := &http.Server{Addr: cfg.MetricsBindAddress, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "metrics server failed")
		}
	}()
	log.Info("metrics server listening", "address", cfg.MetricsBindAddress)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "metrics server shutdown failed")
	}

	orch.Shutdown()
	log.Info("shutdown complete")
}

func newZapLogger(logLevel string) (*zap.Logger, error) {
	if logLevel == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
