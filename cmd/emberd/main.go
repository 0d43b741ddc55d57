package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/ember-markets/ember/pkg/api"
	"github.com/ember-markets/ember/pkg/ember"
	"github.com/ember-markets/ember/pkg/feed"
	"github.com/ember-markets/ember/pkg/marketdata"
	"github.com/ember-markets/ember/pkg/metrics"
	"github.com/ember-markets/ember/pkg/websocket"
)

const (
	defaultDataDir     = ".emberd"
	defaultPort        = 8080
	defaultWSPort      = 8081
	defaultMetricsPort = 9090
)

type Config struct {
	// Paths
	DataDir      string
	LogLevel     string
	MarketConfig string

	// Network
	HTTPPort    int
	WSPort      int
	MetricsPort int
	NATSURL     string

	// Admin
	Admins []string

	// Maintenance
	ExpirySweep time.Duration
	DepthPush   time.Duration

	// Features
	EnableMetrics bool
	EnableNATS    bool
	EnableWS      bool
}

// marketSpec is one entry in the market config file.
type marketSpec struct {
	ID                string             `json:"id"`
	Question          string             `json:"question"`
	DurationHours     int                `json:"durationHours"`
	RewardsMultiplier uint64             `json:"rewardsMultiplier"`
	Creator           string             `json:"creator"`
	Condition         ember.Condition    `json:"condition"`
	QuoteVault        ember.AccountID    `json:"quoteVault"`
	BaseVaults        [2]ember.AccountID `json:"baseVaults"`
	VaultAuthority    ember.AccountID    `json:"vaultAuthority"`
}

type EmberNode struct {
	config     *Config
	db         database.Database
	registry   *ember.Registry
	tokens     ember.TokenBackend
	metrics    *metrics.EmberMetrics
	aggregator *marketdata.Aggregator
	wsServer   *websocket.Server
	publisher  *feed.Publisher
	logger     log.Logger

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEmberNode(config *Config) (*EmberNode, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing ember node")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataPath, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "emberd"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	var m *metrics.EmberMetrics
	if config.EnableMetrics {
		m, err = metrics.NewEmberMetrics("ember", logger.New("module", "metrics"))
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	registry := ember.NewRegistry(ember.AllowList(config.Admins...), logger)

	// The token backend stands in for the external settlement rail. Every
	// vault transfer the engines make flows through it.
	tokens := ember.NewMemoryTokenBackend()

	ctx, cancel := context.WithCancel(context.Background())

	node := &EmberNode{
		config:     config,
		db:         db,
		registry:   registry,
		tokens:     tokens,
		metrics:    m,
		aggregator: marketdata.NewAggregator(logger.New("module", "marketdata"), db),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	if config.EnableWS {
		node.wsServer = websocket.NewServer(registry, logger.New("module", "websocket"), websocket.DefaultConfig())
		if m != nil {
			node.wsServer.SetClientGauge(m)
		}
	}

	if config.EnableNATS {
		node.publisher, err = feed.NewPublisher(config.NATSURL, registry, m,
			logger.New("module", "feed"))
		if err != nil {
			logger.Warn("NATS feed unavailable", "url", config.NATSURL, "error", err)
		}
	}

	if err := node.loadMarkets(); err != nil {
		cancel()
		return nil, err
	}

	return node, nil
}

// loadMarkets creates every market listed in the config file and wires the
// trade hooks for each engine.
func (n *EmberNode) loadMarkets() error {
	if n.config.MarketConfig == "" {
		n.logger.Warn("No market config given, starting with an empty registry")
		return nil
	}

	raw, err := os.ReadFile(n.config.MarketConfig)
	if err != nil {
		return fmt.Errorf("read market config: %w", err)
	}
	var specs []marketSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return fmt.Errorf("parse market config: %w", err)
	}

	if len(n.config.Admins) == 0 {
		return fmt.Errorf("market config given but no admins configured")
	}
	creator := n.config.Admins[0]

	for i := range specs {
		spec := &specs[i]
		engine, err := n.registry.CreateMarket(creator, ember.MarketParams{
			ID:                spec.ID,
			Question:          spec.Question,
			Duration:          time.Duration(spec.DurationHours) * time.Hour,
			RewardsMultiplier: spec.RewardsMultiplier,
			Creator:           spec.Creator,
		}, &spec.Condition, ember.VaultAccounts{
			QuoteVault: spec.QuoteVault,
			BaseVaults: spec.BaseVaults,
			Authority:  spec.VaultAuthority,
		}, n.tokens)
		if err != nil {
			return fmt.Errorf("create market %s: %w", spec.ID, err)
		}

		engine.OnTrade(n.handleTrade)
		if n.metrics != nil {
			engine.OnEvict(func(ember.Order) { n.metrics.RecordOrderEvicted() })
		}
	}

	n.logger.Info("Markets loaded", "count", len(specs), "ids", n.registry.Markets())
	return nil
}

// handleTrade fans each fill out to the aggregator and the feeds.
func (n *EmberNode) handleTrade(trade ember.Trade) {
	n.aggregator.AddTrade(trade)
	if n.wsServer != nil {
		n.wsServer.BroadcastTrade(trade)
	}
	if n.publisher != nil {
		n.publisher.PublishTrade(trade)
	}
}

func (n *EmberNode) Start() error {
	n.logger.Info("Starting ember node",
		"httpPort", n.config.HTTPPort,
		"wsPort", n.config.WSPort,
		"markets", n.registry.Markets())

	if err := n.aggregator.Start(); err != nil {
		return err
	}

	if n.wsServer != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.wsServer.Start(n.config.WSPort); err != nil {
				n.logger.Error("WebSocket server error", "error", err)
			}
		}()
	}

	if n.metrics != nil {
		if err := n.metrics.StartServer(fmt.Sprintf("%d", n.config.MetricsPort)); err != nil {
			return err
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.metrics.CollectSystemMetrics(n.ctx)
		}()
	}

	if n.publisher != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.publisher.Announce(n.ctx, 5*time.Second)
		}()
	}

	if n.wsServer != nil {
		n.startCandleForwarding()
	}

	n.wg.Add(1)
	go n.runExpirySweep()

	n.wg.Add(1)
	go n.runDepthPush()

	n.wg.Add(1)
	go n.runJSONRPCServer()

	n.logger.Info("Ember node started successfully")
	return nil
}

// startCandleForwarding pipes completed candles onto the websocket candle
// channels for every market outcome.
func (n *EmberNode) startCandleForwarding() {
	intervals := []marketdata.Interval{
		marketdata.Interval1m, marketdata.Interval5m, marketdata.Interval1h,
	}
	for _, id := range n.registry.Markets() {
		for outcome := 0; outcome < 2; outcome++ {
			for _, interval := range intervals {
				ch := n.aggregator.Subscribe(id, outcome, interval)
				n.wg.Add(1)
				go func(market string, interval marketdata.Interval, ch <-chan *marketdata.Candle) {
					defer n.wg.Done()
					for {
						select {
						case <-n.ctx.Done():
							return
						case candle, ok := <-ch:
							if !ok {
								return
							}
							n.wsServer.BroadcastCandle(market, string(interval), candle)
						}
					}
				}(id, interval, ch)
			}
		}
	}
}

// runExpirySweep clears expired orders for every outcome book on a timer so
// escrow flows back to resting owners without client action.
func (n *EmberNode) runExpirySweep() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.ExpirySweep)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range n.registry.Markets() {
				for outcome := 0; outcome < 2; outcome++ {
					var removed int
					err := n.registry.Do(id, func(e *ember.Engine) error {
						var err error
						removed, err = e.ClearExpiredOrders(outcome)
						return err
					})
					if err != nil {
						n.logger.Error("expiry sweep failed",
							"market", id, "outcome", outcome, "error", err)
						continue
					}
					if removed > 0 && n.metrics != nil {
						n.metrics.RecordOrdersExpired(removed)
					}
				}
			}
		}
	}
}

// runDepthPush periodically pushes depth to the websocket and NATS feeds and
// refreshes the depth gauges.
func (n *EmberNode) runDepthPush() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.DepthPush)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range n.registry.Markets() {
				for outcome := 0; outcome < 2; outcome++ {
					n.pushDepth(id, outcome)
				}
			}
		}
	}
}

func (n *EmberNode) pushDepth(market string, outcome int) {
	var bids, asks []ember.PriceLevel
	var bidCount, askCount int
	err := n.registry.Do(market, func(e *ember.Engine) error {
		pair, err := e.Market().Pair(outcome)
		if err != nil {
			return err
		}
		bids = pair.Bids.Levels()
		asks = pair.Asks.Levels()
		bidCount = pair.Bids.Len()
		askCount = pair.Asks.Len()
		return nil
	})
	if err != nil {
		n.logger.Error("depth push failed", "market", market, "outcome", outcome, "error", err)
		return
	}

	if n.metrics != nil {
		n.metrics.UpdateBookDepth(market, fmt.Sprintf("%d", outcome), "bid", bidCount)
		n.metrics.UpdateBookDepth(market, fmt.Sprintf("%d", outcome), "ask", askCount)
	}
	if n.wsServer != nil {
		n.wsServer.BroadcastDepthUpdate(market, outcome, bids, asks)
	}
	if n.publisher != nil {
		if err := n.publisher.PublishDepth(market, outcome); err != nil {
			n.logger.Error("NATS depth publish failed", "market", market, "error", err)
		}
	}
}

func (n *EmberNode) runJSONRPCServer() {
	defer n.wg.Done()

	server := api.NewJSONRPCServer(n.registry, n.metrics, n.logger.New("module", "api"))

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "healthy",
			"markets": n.registry.Markets(),
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.HTTPPort),
		Handler: mux,
	}

	go func() {
		<-n.ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	n.logger.Info("JSON-RPC server started", "port", n.config.HTTPPort, "endpoint", "/rpc")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("JSON-RPC server error", "error", err)
	}
}

func (n *EmberNode) Shutdown() {
	n.logger.Info("Shutting down ember node...")

	n.cancel()

	if n.wsServer != nil {
		n.wsServer.Stop()
	}
	n.aggregator.Stop()
	if n.publisher != nil {
		n.publisher.Close()
	}

	n.wg.Wait()

	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info("Ember node shutdown complete")
}

func main() {
	config := &Config{
		DataDir: defaultDataDir,
	}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&config.MarketConfig, "markets", "", "Path to the market config JSON file")

	flag.IntVar(&config.HTTPPort, "http-port", defaultPort, "HTTP API port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NATSURL, "nats", "nats://127.0.0.1:4222", "NATS server URL")

	admins := flag.String("admins", "", "Comma-separated admin identities")

	flag.DurationVar(&config.ExpirySweep, "expiry-sweep", 30*time.Second, "Expired order sweep interval")
	flag.DurationVar(&config.DepthPush, "depth-push", time.Second, "Depth feed push interval")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")
	flag.BoolVar(&config.EnableNATS, "enable-nats", false, "Enable the NATS feed")
	flag.BoolVar(&config.EnableWS, "enable-ws", true, "Enable the WebSocket feed")

	flag.Parse()

	config.LogLevel = *logLevel
	if *admins != "" {
		config.Admins = strings.Split(*admins, ",")
	}

	rootLogger := log.Root()
	rootLogger.Info("emberd - prediction market matching node",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir))

	node, err := NewEmberNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}
