package ember

import (
	"sort"
	"sync"

	"github.com/luxfi/log"
)

// AuthorizeFunc is the injected admin policy predicate: it reports whether a
// verified identity may perform administrative operations. The caller's
// authorization envelope has already verified the identity itself.
type AuthorizeFunc func(identity string) bool

// AllowList builds an AuthorizeFunc from a fixed set of admin identities.
func AllowList(admins ...string) AuthorizeFunc {
	set := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		set[a] = struct{}{}
	}
	return func(identity string) bool {
		_, ok := set[identity]
		return ok
	}
}

type marketEntry struct {
	mu     sync.Mutex
	engine *Engine
}

// Registry maps market ids to engines and serializes every operation per
// market, supplying the mutual exclusion the single-threaded core relies on.
type Registry struct {
	mu        sync.RWMutex
	markets   map[string]*marketEntry
	authorize AuthorizeFunc
	logger    log.Logger
}

// NewRegistry creates a registry gated by the given admin predicate.
func NewRegistry(authorize AuthorizeFunc, logger log.Logger) *Registry {
	return &Registry{
		markets:   make(map[string]*marketEntry),
		authorize: authorize,
		logger:    logger,
	}
}

// CreateMarket validates the params, builds the market and its engine, and
// registers it under params.ID. Only authorized identities create markets.
func (r *Registry) CreateMarket(identity string, params MarketParams, cond *Condition, vaults VaultAccounts, tokens TokenBackend) (*Engine, error) {
	if r.authorize == nil || !r.authorize(identity) {
		return nil, ErrUnauthorized
	}
	market, err := NewMarket(params, cond, vaults)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.markets[params.ID]; ok {
		return nil, ErrMarketExists
	}
	engine := NewEngine(market, cond, tokens, r.logger.New("market", params.ID))
	r.markets[params.ID] = &marketEntry{engine: engine}
	r.logger.Info("market created",
		"market", params.ID, "condition", cond.ID, "creator", params.Creator)
	return engine, nil
}

// Do runs fn against a market's engine while holding that market's
// serialization lock. All engine access goes through here.
func (r *Registry) Do(marketID string, fn func(*Engine) error) error {
	r.mu.RLock()
	entry, ok := r.markets[marketID]
	r.mu.RUnlock()
	if !ok {
		return ErrMarketNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.engine)
}

// Markets lists registered market ids in stable order.
func (r *Registry) Markets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.markets))
	for id := range r.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
