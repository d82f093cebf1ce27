package platform

import (
	"github.com/ignite/budget-optimizer/internal/config"
	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/pkg/logger"
)

// Registry holds the enabled platform adapters by name.
type Registry struct {
	platforms map[domain.Platform]AdPlatform
}

// NewRegistry constructs adapters for every platform with credentials
// present. A platform without credentials is skipped with a log line, never
// an error: the engine runs with whatever vendors are configured.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{platforms: make(map[domain.Platform]AdPlatform)}

	if cfg.GoogleAds.Enabled() {
		r.platforms[domain.PlatformGoogleAds] = NewGoogleAds(cfg.GoogleAds)
	} else {
		logger.Info("platform disabled, no credentials", "platform", domain.PlatformGoogleAds)
	}
	if cfg.Meta.Enabled() {
		r.platforms[domain.PlatformMeta] = NewMeta(cfg.Meta)
	} else {
		logger.Info("platform disabled, no credentials", "platform", domain.PlatformMeta)
	}
	if cfg.TradeDesk.Enabled() {
		r.platforms[domain.PlatformTradeDesk] = NewTradeDesk(cfg.TradeDesk)
	} else {
		logger.Info("platform disabled, no credentials", "platform", domain.PlatformTradeDesk)
	}
	return r
}

// Get returns the adapter for a platform, nil when it is not configured.
func (r *Registry) Get(p domain.Platform) AdPlatform {
	return r.platforms[p]
}

// All returns the enabled adapters.
func (r *Registry) All() []AdPlatform {
	out := make([]AdPlatform, 0, len(r.platforms))
	for _, p := range r.platforms {
		out = append(out, p)
	}
	return out
}

// Register installs or replaces an adapter. Tests use it to plug in fakes.
func (r *Registry) Register(p AdPlatform) {
	r.platforms[p.Name()] = p
}
