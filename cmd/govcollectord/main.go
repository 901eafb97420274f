package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"govvoted/config"
	"govvoted/gateway"
	"govvoted/observability/logging"
	telemetry "govvoted/observability/otel"
	"govvoted/runtime"
)

func main() {
	var cfgPath string
	var metricsAddr string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to govcollectord config")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9464", "address to serve /metrics on")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("GOVVOTED_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup("govcollectord", env, cfg.LogLevel)

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "govcollectord",
			Environment: cfg.Telemetry.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			log.Fatalf("init telemetry: %v", err)
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	baseClient, err := gateway.NewHTTPClient(gateway.HTTPConfig{
		BaseURL:   cfg.GatewayBaseURL,
		BasicAuth: cfg.GatewayBasicAuth,
	})
	if err != nil {
		log.Fatalf("build gateway client: %v", err)
	}
	gw := gateway.WithRetry(baseClient, gateway.RetryConfig{}, logger)

	rt, err := runtime.New(cfg, db, gw, logger)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info("serving metrics", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server exited", "error", err)
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(rootCtx) }()

	fatal := false
	runDone := false
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-runErr:
		runDone = true
		if err != nil {
			logger.Error("runtime exited", "error", err)
			fatal = true
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	if !runDone {
		select {
		case <-runErr:
		case <-shutdownCtx.Done():
			logger.Warn("runtime did not stop before shutdown deadline")
		}
	}

	if fatal {
		os.Exit(1)
	}
}
