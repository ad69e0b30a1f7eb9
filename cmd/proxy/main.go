package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/backend"
	"github.com/dreamware/shardkv/internal/broker"
	"github.com/dreamware/shardkv/internal/cmdctx"
	"github.com/dreamware/shardkv/internal/config"
	"github.com/dreamware/shardkv/internal/forward"
	"github.com/dreamware/shardkv/internal/logging"
	"github.com/dreamware/shardkv/internal/metrics"
	"github.com/dreamware/shardkv/internal/migration"
	"github.com/dreamware/shardkv/internal/replication"
	"github.com/dreamware/shardkv/internal/respwire"
	"github.com/dreamware/shardkv/internal/routing"
)

var (
	cfgFile   string
	brokerURL string
	logger    *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shardkv-proxy",
	Short: "Sharded key-value proxy speaking RESP",
	Long: `shardkv-proxy forwards client RESP commands to the backend owning the
command's key, tracking routing/migration/replication metadata installed via
UMCTL control-plane commands on the same connections.`,
	RunE: runProxy,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to a YAML/TOML config file")
	rootCmd.Flags().StringVar(&brokerURL, "broker-addr", "", "meta-broker base URL for migration commit notifications")
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadProxy(cfgFile)
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

	factory := backend.NewRadixClientFactory()
	dispatcher := backend.NewPooledDispatcher(factory)

	routingStore := routing.New()
	replicatorMgr := replication.NewManager()

	var migrationBroker migration.Broker = noopBroker{}
	if brokerURL != "" {
		migrationBroker = broker.NewHTTPMetaManipulationBroker(brokerURL)
	}
	migrationMgr := migration.NewManager(cfg.SelfAddr, pingProber{factory: factory}, migrationBroker, cfg.MigrationCheckInterval, logger)

	handler := forward.NewHandler(cfg.SelfAddr, routingStore, migrationMgr, replicatorMgr, dispatcher, logger)

	go serveMetrics(cfg.MetricsAddr, logger)

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}
	logger.Info("proxy listening", zap.String("addr", cfg.ListenAddr), zap.String("self_addr", cfg.SelfAddr))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		go serveConn(ctx, conn, handler, logger)
	}
}

// serveConn owns one client connection for its lifetime: it decodes RESP
// arrays one at a time and hands each off to the forward handler, writing
// whatever reply SetRespResult delivers back to the wire.
func serveConn(ctx context.Context, conn net.Conn, handler *forward.Handler, logger *zap.Logger) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		raw, err := respwire.Decode(r)
		if err != nil {
			return
		}
		cmd := cmdctx.NewCommand(raw)
		cc := cmdctx.New(cmd, func(resp respwire.Resp) {
			if err := respwire.Encode(w, resp); err != nil {
				logger.Debug("write failed", zap.Error(err))
				return
			}
			if err := w.Flush(); err != nil {
				logger.Debug("flush failed", zap.Error(err))
			}
		})
		handler.Handle(ctx, cc)
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

// pingProber adapts backend.RadixClientFactory into migration.Prober by
// sending a single PING through a fresh client.
type pingProber struct {
	factory *backend.RadixClientFactory
}

func (p pingProber) Ping(ctx context.Context, address string) error {
	client, err := p.factory.CreateClient(ctx, address)
	if err != nil {
		return err
	}
	defer client.Close()
	_, err = client.Execute(ctx, []string{"PING"})
	return err
}

// noopBroker satisfies migration.Broker when no meta-broker is configured;
// every commit is treated as immediately successful.
type noopBroker struct{}

func (noopBroker) CommitMigration(ctx context.Context, meta migration.Task) error { return nil }
