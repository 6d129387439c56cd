package forge

import (
	"context"
	"fmt"
	"sort"

	"github.com/halverson/autodev/internal/config"
)

// NewProviderFunc constructs a provider from forge config. Provider packages
// register themselves at init time so this package never imports them.
type NewProviderFunc func(cfg config.ForgeConfig) (Provider, error)

var constructors = map[string]NewProviderFunc{}

// Register adds a provider constructor under name. Called from init() in
// the github and gitlab subpackages.
func Register(name string, fn NewProviderFunc) {
	constructors[name] = fn
}

// New builds the provider selected by cfg.Provider. An empty or "none"
// provider yields Disabled(), which fails every call with ErrDisabled.
func New(cfg config.ForgeConfig) (Provider, error) {
	if cfg.Provider == "" || cfg.Provider == ProviderNone {
		return Disabled(), nil
	}
	fn, ok := constructors[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("no forge provider registered for %q (registered: %v)", cfg.Provider, registered())
	}
	return fn(cfg)
}

func registered() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Disabled returns a provider that rejects every call. It lets the pipeline
// run issue-less tasks locally without nil checks at call sites.
func Disabled() Provider { return disabledProvider{} }

type disabledProvider struct{}

func (disabledProvider) Name() string { return ProviderNone }

func (disabledProvider) FetchIssue(context.Context, string, int) (*Issue, error) {
	return nil, ErrDisabled
}

func (disabledProvider) ListIssuesByLabel(context.Context, string, string) ([]Issue, error) {
	return nil, ErrDisabled
}

func (disabledProvider) CreatePR(context.Context, string, PROptions) (*PR, error) {
	return nil, ErrDisabled
}

func (disabledProvider) GetPR(context.Context, string, int) (*PR, error) {
	return nil, ErrDisabled
}

func (disabledProvider) FindPRByBranch(context.Context, string, string) (*PR, error) {
	return nil, ErrDisabled
}

func (disabledProvider) ListCheckRuns(context.Context, string, string) ([]CheckRun, error) {
	return nil, ErrDisabled
}

func (disabledProvider) CreateIssueComment(context.Context, string, int, string) error {
	return ErrDisabled
}
