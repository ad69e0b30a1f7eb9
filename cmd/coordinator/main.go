package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/backend"
	"github.com/dreamware/shardkv/internal/broker"
	"github.com/dreamware/shardkv/internal/config"
	"github.com/dreamware/shardkv/internal/coordfail"
	"github.com/dreamware/shardkv/internal/logging"
	"github.com/dreamware/shardkv/internal/metrics"
)

var (
	cfgFile string
	logger  *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shardkv-coordinator",
	Short: "Failure detector and failover driver for the sharded proxy fleet",
	Long: `shardkv-coordinator polls the meta-broker for the current proxy
address list, pings each proxy, and reports confirmed failures back to the
broker. It does not implement the broker's own HTTP API; that is a separate
service this process only ever talks to as a client.`,
	RunE: runCoordinator,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to a YAML/TOML config file")
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadCoordinator(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err = logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataBroker := broker.NewHTTPMetaDataBroker(cfg.BrokerAddr)
	retriever := coordfail.NewProxyRetriever(dataBroker)
	checker := coordfail.NewPingChecker(backend.NewRadixClientFactory(), logger)
	reporter := coordfail.NewReporter(dataBroker, cfg.ReporterID)
	detector := coordfail.NewDetector(retriever, checker, reporter, logger)

	go serveMetrics(cfg.MetricsAddr, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("coordinator started",
		zap.String("broker_addr", cfg.BrokerAddr),
		zap.String("reporter_id", cfg.ReporterID),
		zap.Duration("detect_interval", cfg.DetectInterval),
	)

	ticker := time.NewTicker(cfg.DetectInterval)
	defer ticker.Stop()

	for {
		if err := detector.RunOnce(ctx); err != nil {
			logger.Warn("detector pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}
