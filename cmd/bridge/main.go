// Command bridge runs the trading-intelligence bridge: the broker session,
// the event log and its projections, the risk gate, the ensemble
// evaluator, and the HTTP/WebSocket/MCP surface, all in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradebridge/internal/agent"
	"tradebridge/internal/api"
	"tradebridge/internal/broker"
	"tradebridge/internal/config"
	"tradebridge/internal/ensemble"
	"tradebridge/internal/eventlog"
	"tradebridge/internal/exitplan"
	"tradebridge/internal/features"
	"tradebridge/internal/mcp"
	"tradebridge/internal/ops"
	"tradebridge/internal/projection"
	"tradebridge/internal/risk"
	"tradebridge/internal/signals"
	"tradebridge/internal/store"
	"tradebridge/internal/stream"
	"tradebridge/internal/trade"
	"tradebridge/internal/weights"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting bridge")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Bridge exited with error")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence: one SQLite file holds the event log and every read-side
	// table.
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	persist := store.New(db)
	events, err := eventlog.Open(db)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}

	// Order/position read model: hydrate from the log, then follow the tail.
	book := projection.New()
	if err := book.Hydrate(ctx, events); err != nil {
		return fmt.Errorf("hydrate projection: %w", err)
	}
	projCh, cancelProj := events.Subscribe()
	defer cancelProj()
	go book.Run(ctx, projCh)

	// Broker session and subscriptions. A gateway that is down at startup
	// is not fatal; the connector keeps retrying in the background.
	session := broker.NewSession(cfg.Broker)
	subs := broker.NewRegistry(session, cfg.Broker.MaxSubscriptions)
	session.OnReconnect(subs.Resurrect)
	go connectBroker(ctx, session)
	defer session.Disconnect()

	loc, err := time.LoadLocation(cfg.Flatten.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", cfg.Flatten.Timezone, err)
	}

	riskSession := risk.NewSession(cfg.Risk, loc,
		decimal.NewFromFloat(cfg.Risk.InitialEquity), events)

	// Model weights: file-backed store with hot reload, plus the posterior
	// updater fed by recorded outcomes.
	weightStore, err := weights.NewStore(cfg.Ensemble.WeightsPath, persist)
	if err != nil {
		return fmt.Errorf("open weight store: %w", err)
	}
	go weightStore.Watch(ctx, time.Duration(cfg.Ensemble.ReloadInterval)*time.Second)

	outcomes := make(chan weights.Outcome, 64)
	updater := weights.NewUpdater(weightStore)
	go updater.Run(ctx, time.Minute, outcomes)

	var cache *features.Cache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		cache = features.NewCache(client, time.Duration(cfg.Redis.TTLSec)*time.Second)
	}
	featureSvc := features.NewService(subs, nil, cache)

	providers := []ensemble.Provider{
		ensemble.NewHTTPProvider("claude", cfg.LLM.Claude, cfg.LLM),
		ensemble.NewHTTPProvider("gpt4o", cfg.LLM.GPT4o, cfg.LLM),
		ensemble.NewHTTPProvider("gemini", cfg.LLM.Gemini, cfg.LLM),
	}
	evaluator := ensemble.NewEvaluator(providers, weightStore, persist, riskSession, cfg.Ensemble, cfg.LLM)

	trader := trade.NewService(session, riskSession, events, persist)
	recorder := trade.NewOutcomeRecorder(events, persist, riskSession, outcomes)

	hub := stream.NewHub()
	go hub.Run()
	fanoutCh, cancelFanout := events.Subscribe()
	defer cancelFanout()
	go fanOutEvents(ctx, fanoutCh, hub, book)

	var autoEval signals.Evaluator
	if cfg.Signals.AutoEvaluate {
		autoEval = &signalEvaluator{
			features:  featureSvc,
			evaluator: evaluator,
			hub:       hub,
			logger:    config.NewLogger("auto_eval"),
		}
	}
	ingester := signals.NewIngester(cfg.Signals, events, persist, autoEval)

	exitPlans := exitplan.NewManager(persist)

	var flattener *risk.Flattener
	if cfg.Flatten.Enabled {
		clock, err := config.ParseClock(cfg.Flatten.At)
		if err != nil {
			return fmt.Errorf("parse flatten time: %w", err)
		}
		flattener = risk.NewFlattener(clock, loc, book, trader, events)
		go flattener.Run(ctx)
	}

	sampler := ops.NewSampler(cfg.Ops, &bridgeProber{
		session:    session,
		tunnelAddr: cfg.Broker.GetBrokerAddr(),
	}, persist)
	go sampler.Run(ctx)

	// The agent surface: every operation is a named action behind one
	// endpoint, shared by the REST API and the MCP tools.
	registry := agent.NewRegistry()
	agent.RegisterAll(registry, agent.Deps{
		Orders:     trader,
		Book:       book,
		Risk:       riskSession,
		RiskCfg:    cfg.Risk,
		Flattener:  flattener,
		Evaluator:  evaluator,
		Features:   featureSvc,
		Weights:    weightStore,
		Signals:    ingester,
		Store:      persist,
		ExitPlans:  exitPlans,
		Ops:        sampler,
		Outcomes:   recorder,
		MarketData: subs,
		Stream:     hub,
		Broker:     session,
		StartedAt:  time.Now(),
		Version:    cfg.App.Version,
	})
	dispatcher := agent.NewDispatcher(registry, agent.NewRateLimiter())

	mcpSessions := mcp.NewSessionManager(cfg.MCP)
	go mcpSessions.Run(ctx)
	mcpServer := mcp.NewServer(mcpSessions, dispatcher, cfg.App.Version)

	server := api.NewServer(api.Deps{
		Config:     cfg.API,
		Dispatcher: dispatcher,
		Hub:        hub,
		MCP:        mcpServer,
		Broker:     session,
		Metrics:    cfg.Monitoring.EnableMetrics,
		Version:    cfg.App.Version,
		StartedAt:  time.Now(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	log.Info().Str("addr", cfg.API.GetAPIAddr()).Msg("Bridge is up")
	return g.Wait()
}

// connectBroker retries the gateway connection with backoff until it
// succeeds; the session supervises its own reconnects from then on.
func connectBroker(ctx context.Context, session *broker.Session) {
	backoff := time.Second
	for {
		err := session.Connect(ctx)
		if err == nil {
			return
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("Broker connect failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// fanOutEvents mirrors domain events onto the outbound stream channels
func fanOutEvents(ctx context.Context, events <-chan eventlog.Event, hub *stream.Hub, book *projection.Projection) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			publishEvent(event, hub, book)
		}
	}
}

func publishEvent(event eventlog.Event, hub *stream.Hub, book *projection.Projection) {
	switch event.Type {
	case eventlog.TypeExecutionReceived:
		hub.Publish(stream.ChannelExecution, event)
		var exec eventlog.ExecutionReceived
		if err := event.Decode(&exec); err == nil {
			if pos, ok := book.Position(exec.Symbol); ok {
				hub.Publish(stream.ChannelPositionUpdate, pos)
			}
		}

	case eventlog.TypeOrderStatusChanged:
		var status eventlog.OrderStatusChanged
		if err := event.Decode(&status); err == nil && status.Status == eventlog.StatusFilled {
			hub.Publish(stream.ChannelOrderFilled, event)
		}

	case eventlog.TypeSessionLocked, eventlog.TypeSessionFlattened, eventlog.TypeRiskLimitBreached:
		hub.Publish(stream.ChannelSessionEvent, event)

	case eventlog.TypeRegimeShifted:
		hub.Publish(stream.ChannelRegimeShifted, event)

	case eventlog.TypeSignalReceived:
		hub.Publish(stream.ChannelSignalReceived, event)
	}
}

// signalEvaluator runs the ensemble for accepted signals when
// auto-evaluation is on. Failures are logged, never propagated: signal
// ingestion must not depend on model availability.
type signalEvaluator struct {
	features  *features.Service
	evaluator *ensemble.Evaluator
	hub       *stream.Hub
	logger    zerolog.Logger
}

func (e *signalEvaluator) EvaluateSignal(ctx context.Context, sig signals.Signal) {
	vec, err := e.features.Vector(ctx, sig.Symbol)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Feature vector failed for signal")
		return
	}
	result, err := e.evaluator.Evaluate(ctx, sig.Symbol, sig.Direction, vec)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Auto-evaluation failed")
		return
	}
	e.hub.Publish(stream.ChannelEvalCreated, result)
}

// bridgeProber answers the availability sampler's three questions. The
// bridge signal is a self check, broker reflects the session state, and
// tunnel verifies the network path to the gateway host.
type bridgeProber struct {
	session    *broker.Session
	tunnelAddr string
}

func (p *bridgeProber) ProbeBridge(ctx context.Context) bool { return true }

func (p *bridgeProber) ProbeBroker(ctx context.Context) bool { return p.session.Ready() }

func (p *bridgeProber) ProbeTunnel(ctx context.Context) bool {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.tunnelAddr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
