package cli

import (
	"errors"
	"os"

	"github.com/loopcore/agentd/internal/agent/ai"
	"github.com/loopcore/agentd/internal/agent/config"
	"github.com/loopcore/agentd/internal/agent/contextwin"
	"github.com/loopcore/agentd/internal/agent/gate"
	"github.com/loopcore/agentd/internal/agent/loop"
	"github.com/loopcore/agentd/internal/agent/persona"
	"github.com/loopcore/agentd/internal/agent/rcache"
	"github.com/loopcore/agentd/internal/agent/router"
	"github.com/loopcore/agentd/internal/agent/session"
	"github.com/loopcore/agentd/internal/agent/tools"
	"github.com/loopcore/agentd/internal/events"
	"github.com/loopcore/agentd/internal/logging"
)

// agent bundles everything a chat session needs.
type agent struct {
	cfg        *config.Config
	store      *session.Store
	controller *loop.Controller
	bus        *events.Bus
	personas   *persona.Loader
}

// buildAgent wires the full loop: store, tools, providers, router, gate,
// personas, embeddings-backed detector and cache, context manager, event bus.
func buildAgent(cfg *config.Config, autoApprove bool) (*agent, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	store, err := session.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry(cfg.ToolTimeout())
	tools.RegisterBuiltins(registry)
	executor := tools.NewExecutor(registry, cfg.Workers)

	providers := createProviders(cfg)
	if len(providers) == 0 {
		store.Close()
		return nil, errors.New("no providers configured; set ANTHROPIC_API_KEY, OPENAI_API_KEY or GEMINI_API_KEY, or start Ollama")
	}

	controller := loop.New(store, providers, registry, executor, router.New(cfg.Routing))
	controller.SetMaxIterations(cfg.MaxIterations)
	controller.SetAutoApprove(autoApprove)
	controller.SetGate(gate.New(gate.StdinApprover(os.Stdin, os.Stdout), cfg.ApprovalTimeout()))

	personas := persona.NewLoader(cfg.PersonasDir())
	if err := personas.LoadAll(); err != nil {
		logging.Warnf("[CLI] persona load failed: %v", err)
	}
	controller.SetPersonas(personas)

	if svc := createEmbeddings(cfg); svc != nil {
		controller.SetDetector(svc, cfg.Detector)
		controller.SetCache(rcache.New(store.DB(), svc, cfg.CacheThreshold))
	}

	controller.SetContextManager(contextwin.New(store, createSummarizer(cfg, providers), cfg.Context))

	bus := events.NewBus(256)
	controller.SetSink(bus)

	return &agent{
		cfg:        cfg,
		store:      store,
		controller: controller,
		bus:        bus,
		personas:   personas,
	}, nil
}

// createSummarizer reuses the general-category model for compaction
// summaries, falling back to any configured provider.
func createSummarizer(cfg *config.Config, providers map[string]ai.Provider) contextwin.Summarizer {
	providerID, model := router.ParseModelID(cfg.Routing.General.ModelID)
	if prov, ok := providers[providerID]; ok {
		return contextwin.NewProviderSummarizer(prov, model)
	}
	for _, prov := range providers {
		return contextwin.NewProviderSummarizer(prov, "")
	}
	return nil
}

func (a *agent) Close() {
	a.personas.Stop()
	a.store.Close()
}
