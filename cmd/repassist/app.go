package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianlabs/repassist/config"
	"github.com/meridianlabs/repassist/conversation"
	"github.com/meridianlabs/repassist/llm"
	"github.com/meridianlabs/repassist/model"
	"github.com/meridianlabs/repassist/search"
	"github.com/meridianlabs/repassist/workflow"
)

// App wires the orchestrator together: NATS (embedded or external), the
// JetStream-backed stores, the LLM client, the source fan-out, and the run
// engine with its event sinks.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	embeddedServer *server.Server
	natsConn       *nats.Conn

	convs *conversation.NATSStore
	runs  *workflow.NATSRunStore

	detector    *workflow.Detector
	engine      *workflow.Engine
	broadcaster *workflow.Broadcaster
	index       *search.IndexAdapter

	subs       []*nats.Subscription
	metricsSrv *http.Server
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start initializes and starts all components.
func (a *App) Start(ctx context.Context, metricsAddr string) error {
	if err := a.startNATS(); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	convs, err := conversation.NewNATSStore(ctx, a.natsConn, a.logger)
	if err != nil {
		return fmt.Errorf("initialize conversation store: %w", err)
	}
	a.convs = convs

	runs, err := workflow.NewNATSRunStore(ctx, a.natsConn, a.logger)
	if err != nil {
		return fmt.Errorf("initialize run store: %w", err)
	}
	a.runs = runs

	client := a.buildLLMClient(ctx)

	fanout, err := a.buildFanOut()
	if err != nil {
		return fmt.Errorf("build source fan-out: %w", err)
	}

	a.broadcaster = workflow.NewBroadcaster(a.cfg.Workflow.EventBuffer, a.logger)
	sink := workflow.MultiSink{
		a.broadcaster,
		workflow.NewNATSSink(a.natsConn, a.logger),
	}

	metricsRegistry := prometheus.NewRegistry()
	observer := workflow.MultiObserver{
		workflow.NewMetricsObserver(metricsRegistry),
		workflow.NewLogObserver(a.logger),
	}

	a.detector = workflow.NewDetector(a.cfg.Trigger.Phrases)
	a.engine = workflow.NewEngine(
		a.detector,
		workflow.NewFormulator(client),
		fanout,
		workflow.NewGenerator(client,
			workflow.WithGeneratorCapability(a.cfg.Model.GeneratorTag)),
		workflow.NewEvaluator(client, a.cfg.Workflow.EvalMinScore,
			workflow.WithEvaluatorCapability(a.cfg.Model.EvaluatorTag)),
		a.runs,
		a.convs,
		sink,
		workflow.EngineConfig{
			MaxAttempts:      a.cfg.Workflow.MaxAttempts,
			OverallDeadline:  a.cfg.Workflow.OverallDeadline,
			QueryDeadline:    a.cfg.Workflow.QueryDeadline,
			GenerateDeadline: a.cfg.Workflow.GenerateDeadline,
			EvaluateDeadline: a.cfg.Workflow.EvaluateDeadline,
		},
		workflow.WithObserver(observer),
		workflow.WithEngineLogger(a.logger),
	)

	// Runs left non-terminal by a crash become aborted before any new
	// request is accepted.
	if err := a.engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover abandoned runs: %w", err)
	}

	if err := a.subscribeAPI(); err != nil {
		return fmt.Errorf("subscribe request surface: %w", err)
	}

	if metricsAddr != "" {
		a.startMetrics(metricsAddr, metricsRegistry)
	}

	a.logger.Info("Components initialized")
	return nil
}

func (a *App) startNATS() error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", slog.String("url", a.cfg.NATS.URL))
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
		return nil
	}

	a.logger.Info("Starting embedded NATS server")
	opts := &server.Options{
		Port:      -1, // Random available port
		JetStream: true,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded NATS server failed to start")
	}
	a.embeddedServer = ns

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("connect to embedded NATS: %w", err)
	}
	a.natsConn = conn
	return nil
}

// localModel is the registry entry backed by the configured model.endpoint.
const localModel = "qwen"

// buildLLMClient assembles the capability-routed client. Call recording is
// optional; a recorder failure degrades to an unrecorded client.
func (a *App) buildLLMClient(ctx context.Context) *llm.Client {
	registry := model.NewDefaultRegistry()
	if a.cfg.Model.Endpoint != "" {
		if ep := registry.GetEndpoint(localModel); ep != nil {
			ep.URL = a.cfg.Model.Endpoint
			registry.SetEndpoint(localModel, ep)
		}
		// An explicitly configured endpoint is the primary for every
		// capability; the stock cloud models stay as fallbacks.
		for _, capability := range registry.ListCapabilities() {
			chain := registry.GetFallbackChain(capability)
			fallback := make([]string, 0, len(chain))
			for _, name := range chain {
				if name != localModel {
					fallback = append(fallback, name)
				}
			}
			registry.SetCapability(capability, &model.CapabilityConfig{
				Preferred: []string{localModel},
				Fallback:  fallback,
			})
		}
	}

	opts := []llm.ClientOption{llm.WithLogger(a.logger)}
	if a.cfg.Model.Timeout > 0 {
		opts = append(opts, llm.WithHTTPClient(&http.Client{Timeout: a.cfg.Model.Timeout}))
	}
	if recorder, err := llm.NewCallRecorder(a.natsConn, a.logger); err != nil {
		a.logger.Warn("LLM call recording disabled", slog.String("error", err.Error()))
	} else {
		opts = append(opts, llm.WithCallRecorder(recorder))
	}

	return llm.NewClient(registry, opts...)
}

// buildFanOut registers the configured source adapters in preference order:
// web, then internal knowledge, then the local index.
func (a *App) buildFanOut() (*search.FanOut, error) {
	var adapters []search.Adapter

	web, err := search.NewWebAdapter(search.WebConfig{
		Tag:             "fidelity",
		BaseURL:         a.cfg.Search.Web.BaseURL,
		SiteSearchURL:   a.cfg.Search.Web.SiteSearchURL,
		IncludePatterns: a.cfg.Search.Web.IncludePatterns,
		ExcludePatterns: a.cfg.Search.Web.ExcludePatterns,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	adapters = append(adapters, web)

	if a.cfg.Search.Knowledge.APIURL != "" {
		knowledge, err := search.NewKnowledgeAdapter(search.KnowledgeConfig{
			Tag:    "mygps",
			APIURL: a.cfg.Search.Knowledge.APIURL,
			APIKey: a.cfg.Search.Knowledge.APIKey,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, knowledge)
	}

	if a.cfg.Search.Index.Enabled {
		a.index = search.NewIndexAdapter("index")
		adapters = append(adapters, a.index)
	}

	return search.NewFanOut(search.FanOutConfig{
		TopK:         a.cfg.Search.TopK,
		Deadline:     a.cfg.Search.Deadline,
		SnippetBytes: a.cfg.Search.SnippetBytes,
	}, a.logger, adapters...)
}

func (a *App) startMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	a.metricsSrv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		a.logger.Info("Metrics listener started", slog.String("addr", addr))
		if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("Metrics listener failed", slog.String("error", err.Error()))
		}
	}()
}

// ReloadConfig applies a hot config reload. Only the trigger phrase list
// takes effect live; in-flight runs keep the deadlines they started with.
func (a *App) ReloadConfig(cfg *config.Config) {
	a.detector.SetPhrases(cfg.Trigger.Phrases)
	a.logger.Info("Trigger phrases reloaded", slog.Int("count", len(cfg.Trigger.Phrases)))
}

// Shutdown gracefully stops all components. In-flight runs get until the
// timeout to reach a terminal state; anything still running is swept as
// abandoned on the next startup.
func (a *App) Shutdown(timeout time.Duration) {
	a.logger.Info("Shutting down")

	for _, sub := range a.subs {
		_ = sub.Drain()
	}

	done := make(chan struct{})
	go func() {
		a.engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		a.logger.Warn("Shutdown timeout; abandoning in-flight runs")
	}

	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	a.logger.Info("Shutdown complete")
}
