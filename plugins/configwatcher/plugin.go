// Package configwatcher reloads detection parameters into running samplers
// when the devlink config file changes.
package configwatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/devlink/pkg/log"
	"github.com/bft-labs/devlink/pkg/sampler"
)

// ErrNoLoader is returned by Initialize when the plugin has nothing to
// reload from.
var ErrNoLoader = errors.New("configwatcher: no loader")

// Target receives reloaded sampler parameters. *sampler.Sampler is a Target.
type Target interface {
	UpdateConfig(cfg sampler.Config) error
}

// Loader reads the sampler parameters from the watched file.
type Loader func(path string) (sampler.Config, error)

// Plugin watches one config file and pushes its sampler parameters to the
// registered targets after the file settles.
type Plugin struct {
	mu sync.Mutex

	debounceDelay time.Duration
	path          string
	load          Loader
	targets       []Target
	logger        log.Logger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	debounce *time.Timer
	reloads  int
}

// Config holds configuration options for the config watcher plugin.
type Config struct {
	// Path is the config file to watch.
	Path string

	// Load turns the file into sampler parameters.
	Load Loader

	// DebounceDelay is the delay to wait after a file change before reloading.
	// Default: 100 milliseconds
	DebounceDelay time.Duration

	Logger log.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{DebounceDelay: 100 * time.Millisecond}
}

// New creates a new config watcher plugin with the given configuration.
func New(cfg Config, targets ...Target) *Plugin {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 100 * time.Millisecond
	}
	return &Plugin{
		debounceDelay: cfg.DebounceDelay,
		path:          cfg.Path,
		load:          cfg.Load,
		targets:       targets,
		logger:        log.OrNoop(cfg.Logger),
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "configwatcher"
}

// Add registers another target.
func (p *Plugin) Add(t Target) {
	p.mu.Lock()
	p.targets = append(p.targets, t)
	p.mu.Unlock()
}

// Reloads returns how many reloads reached the targets.
func (p *Plugin) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

// Initialize starts watching. The watcher is registered before Initialize
// returns, so changes made afterwards are seen.
func (p *Plugin) Initialize(ctx context.Context) error {
	if p.load == nil {
		return ErrNoLoader
	}
	if p.path == "" {
		p.logger.Warn("Config watcher disabled: no config file")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(p.path), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("Config watcher plugin initialized", log.String("path", p.path))

	p.wg.Add(1)
	go p.watchLoop(watchCtx, watcher)
	return nil
}

// Shutdown stops the config watcher.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Plugin) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.wg.Done()
	defer watcher.Close()

	name := filepath.Base(p.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p.debounceReload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("Config watcher: watcher error", log.Err(err))
		}
	}
}

func (p *Plugin) debounceReload(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.debounce = time.AfterFunc(p.debounceDelay, func() {
		if ctx.Err() != nil {
			return
		}
		p.reload()
	})
}

// reload reads the file and updates every target. A file that fails to
// load leaves the targets on their previous parameters.
func (p *Plugin) reload() {
	cfg, err := p.load(p.path)
	if err != nil {
		p.logger.Warn("Config watcher: reload failed, keeping previous parameters",
			log.String("path", p.path), log.Err(err))
		return
	}

	p.mu.Lock()
	targets := append([]Target(nil), p.targets...)
	p.mu.Unlock()

	applied := 0
	for _, t := range targets {
		if err := t.UpdateConfig(cfg); err != nil {
			p.logger.Warn("Config watcher: target rejected parameters", log.Err(err))
			continue
		}
		applied++
	}

	p.mu.Lock()
	p.reloads++
	p.mu.Unlock()

	p.logger.Info("Config watcher: parameters reloaded",
		log.Int("targets", applied),
		log.Duration("detection_interval", cfg.DetectionInterval),
		log.Int("detection_count", cfg.DetectionCount),
	)
}
