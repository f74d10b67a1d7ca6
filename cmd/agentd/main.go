package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/halcyonlabs/agentrun"
	"github.com/halcyonlabs/agentrun/engine"
	"github.com/halcyonlabs/agentrun/internal/eventbus"
	"github.com/halcyonlabs/agentrun/internal/metrics"
	"github.com/halcyonlabs/agentrun/internal/model"
	"github.com/halcyonlabs/agentrun/internal/store"
	"github.com/halcyonlabs/agentrun/internal/tools"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	metricsAddr := flag.String("metrics-addr", ":9090", "listen address for the Prometheus scrape endpoint")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := agentrun.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = agentrun.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	// Ensure GEMINI_API_KEY environment variable is set.
	if os.Getenv("GEMINI_API_KEY") == "" {
		log.Fatal("GEMINI_API_KEY environment variable not set.")
	}

	g, err := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{}),
		genkit.WithDefaultModel(cfg.Agent.Model),
	)
	if err != nil {
		log.Fatalf("Genkit initialization failed: %v", err)
	}

	chatModel := model.NewGenkitModel(g, "googleai")
	taskStore := store.NewMemoryStore()
	engineMetrics := metrics.New("agentrun", prometheus.DefaultRegisterer)

	rt, err := engine.New(cfg,
		engine.WithStore(taskStore),
		engine.WithChatModel(chatModel),
		engine.WithMetrics(engineMetrics),
	)
	if err != nil {
		log.Fatalf("Failed to assemble runtime: %v", err)
	}
	defer rt.Close()

	registerBuiltins(rt, chatModel, cfg)

	if _, err := rt.Subscribe([]eventbus.EventType{eventbus.EventSystemWarning},
		func(_ context.Context, event eventbus.Event) error {
			log.Printf("System warning: %v", event.Payload())
			return nil
		}); err != nil {
		log.Printf("Failed to subscribe to system warnings: %v", err)
	}

	if err := rt.Connect(ctx); err != nil {
		log.Printf("Queue broker unreachable, running in degraded mode: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: mux}

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		log.Printf("Metrics listening on %s", *metricsAddr)
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-grpCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	grp.Go(func() error {
		log.Printf("agentd starting (concurrency: %d, rate limit: %d/%v)", cfg.Concurrency, cfg.RateLimit, cfg.RateWindow)
		if err := rt.StartWorker(grpCtx); err != context.Canceled {
			return err
		}
		return nil
	})

	if err := grp.Wait(); err != nil {
		log.Printf("agentd stopped with error: %v", err)
	}
	log.Print("agentd shut down")
}

func registerBuiltins(rt *engine.Runtime, chatModel agentrun.ChatModel, cfg agentrun.Config) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	builtins := []agentrun.Tool{
		tools.NewCalculateTool(),
		tools.NewFetchWebpageTool(httpClient),
		tools.NewSendEmailTool(),
		tools.NewSummarizeTool(chatModel, cfg.Agent.ReasoningModel),
	}
	for _, tool := range builtins {
		if err := rt.RegisterTool(tool); err != nil {
			log.Fatalf("Failed to register tool %s: %v", tool.Name(), err)
		}
	}
}
