package cli

import (
	"fmt"
	"log/slog"

	"github.com/halverson/autodev/internal/agent"
	"github.com/halverson/autodev/internal/batch"
	"github.com/halverson/autodev/internal/config"
	"github.com/halverson/autodev/internal/diff"
	"github.com/halverson/autodev/internal/driver"
	"github.com/halverson/autodev/internal/events"
	"github.com/halverson/autodev/internal/forge"
	"github.com/halverson/autodev/internal/gitx"
	"github.com/halverson/autodev/internal/ingress"
	"github.com/halverson/autodev/internal/runner"
	"github.com/halverson/autodev/internal/selector"
	"github.com/halverson/autodev/internal/store"
)

// stack bundles the assembled pipeline components a command works with.
type stack struct {
	store    *store.Store
	pub      *events.MemoryPublisher
	batches  *batch.Coalescer
	selector *selector.Selector
	runner   *runner.Runner
	ingress  *ingress.Ingress
}

// close releases the stack's resources.
func (s *stack) close() {
	s.pub.Close()
	_ = s.store.Close()
}

// buildStack assembles the full pipeline: store, forge provider, agent
// handlers, coalescer, driver, runner, and ingress. Commands that only
// read the store should open it directly instead.
func buildStack(cfg *config.Config, logger *slog.Logger) (*stack, error) {
	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	provider, err := forge.New(cfg.Forge)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("configure forge: %w", err)
	}

	client, err := agent.NewClient(cfg.Agent)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("configure agent: %w", err)
	}
	rules := diff.Rules{
		AllowPaths: cfg.AllowedPaths,
		BlockPaths: cfg.BlockedPaths,
		MaxLines:   cfg.MaxDiffLines,
	}
	handlers := agent.NewHandlers(client, rules, cfg.Git.Dir, logger)

	pub := events.NewMemoryPublisher()
	emitter := events.NewEmitter(pub)

	batches := batch.New(st, cfg, emitter, logger)
	sel := selector.New(st, cfg.ModelConfigTTL())

	drv := driver.New(driver.Deps{
		Store:    st,
		Selector: sel,
		Handlers: handlers,
		Git:      gitx.New(cfg.Git),
		Forge:    provider,
		Batches:  batches,
		Config:   cfg,
		Emitter:  emitter,
		Logger:   logger,
	})

	return &stack{
		store:    st,
		pub:      pub,
		batches:  batches,
		selector: sel,
		runner:   runner.New(st, drv, cfg, emitter, logger),
		ingress:  ingress.New(st, provider, cfg, emitter, logger),
	}, nil
}
