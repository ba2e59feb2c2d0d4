package watcher

import (
	"context"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/config"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/journal"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/provider"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// Configurer is the slice of the provider pool the reloader touches.
type Configurer interface {
	Configure(providerID types.ProviderID, quota provider.Quota) error
}

// Reloader re-reads the config file when it changes and applies the
// subset of settings that support hot reload: provider quotas. Everything
// else (listeners, topology, session limits) requires a restart.
type Reloader struct {
	path    string
	pool    Configurer
	journal *journal.Writer
	watcher *Watcher

	// OnReload, when set, receives each successfully loaded config after
	// quota changes have been applied.
	OnReload func(config.Config)

	last map[string]provider.Quota
}

// ReloaderConfig wires a Reloader.
type ReloaderConfig struct {
	// Path is the config file to watch and re-read.
	Path string

	// Pool receives quota updates for changed providers.
	Pool Configurer

	// Journal, when set, records each applied quota change.
	Journal *journal.Writer

	// Current is the already-loaded config the daemon started with; it
	// seeds the diff so an unchanged file applies nothing.
	Current config.Config
}

// NewReloader creates a config hot-reloader. Call Run to start it.
func NewReloader(cfg ReloaderConfig) (*Reloader, error) {
	w, err := New(DefaultConfig(cfg.Path))
	if err != nil {
		return nil, err
	}
	return &Reloader{
		path:    cfg.Path,
		pool:    cfg.Pool,
		journal: cfg.Journal,
		watcher: w,
		last:    quotasByID(cfg.Current),
	}, nil
}

// Run watches the config file until ctx is cancelled. Load failures are
// logged and skipped; the previous configuration stays in effect.
func (r *Reloader) Run(ctx context.Context) error {
	changes, err := r.watcher.Start()
	if err != nil {
		return err
	}
	defer func() { _ = r.watcher.Stop() }()

	log.Info(log.CatConfig, "Watching config for changes", "path", r.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
			r.reload()
		}
	}
}

func (r *Reloader) reload() {
	cfg, err := config.Load(r.path)
	if err != nil {
		log.Warn(log.CatConfig, "Config reload rejected, keeping previous", "path", r.path, "error", err)
		return
	}

	next := quotasByID(cfg)
	applied := 0
	for id, quota := range next {
		if prev, ok := r.last[id]; ok && prev == quota {
			continue
		}
		if err := r.pool.Configure(types.ProviderID(id), quota); err != nil {
			log.Warn(log.CatConfig, "Provider reconfigure failed", "provider", id, "error", err)
			continue
		}
		applied++
		log.Info(log.CatConfig, "Provider quota updated", "provider", id,
			"requestsPerWindow", quota.RequestsPerWindow,
			"tokensPerWindow", quota.TokensPerWindow,
			"maxConcurrent", quota.MaxConcurrent)
		if r.journal != nil {
			_, _ = r.journal.Append(journal.ConfigChange, journal.ConfigChangePayload{
				ProviderID:        types.ProviderID(id),
				RequestsPerWindow: quota.RequestsPerWindow,
				TokensPerWindow:   quota.TokensPerWindow,
				MaxConcurrent:     quota.MaxConcurrent,
			})
		}
	}
	r.last = next

	if applied == 0 {
		log.Debug(log.CatConfig, "Config reloaded, no quota changes")
	}
	if r.OnReload != nil {
		r.OnReload(cfg)
	}
}

func quotasByID(cfg config.Config) map[string]provider.Quota {
	out := make(map[string]provider.Quota, len(cfg.Providers))
	for _, p := range cfg.Providers {
		out[p.ID] = p.Quota()
	}
	return out
}
