// Package config loads and hot-reloads takopi's TOML configuration file.
// Grounded on the teacher's internal/config.Config (root struct with a
// mutex guarding hot-reloaded fields) and on
// _examples/original_source/src/takopi/config_store.py, which establishes
// TOML (not JSON) as this project's on-disk format.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// EngineConfig configures one coding-agent engine backend.
type EngineConfig struct {
	ID      string   `toml:"id"`
	Command string   `toml:"command"`
	Args    []string `toml:"args,omitempty"`
}

// ProjectConfig configures one project alias's working directory and
// optional engine override.
type ProjectConfig struct {
	Alias         string `toml:"alias"`
	Path          string `toml:"path"`
	DefaultEngine string `toml:"default_engine,omitempty"`
}

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	Token          string   `toml:"-"` // from env TAKOPI_TELEGRAM_TOKEN only, never persisted
	Proxy          string   `toml:"proxy,omitempty"`
	AllowedUserIDs []string `toml:"allowed_user_ids,omitempty"`
	ForumChatIDs   []int64  `toml:"forum_chat_ids,omitempty"`
}

// Config is takopi's root configuration.
type Config struct {
	DefaultEngine  string            `toml:"default_engine"`
	DefaultProject string            `toml:"default_project,omitempty"`
	Engines        []EngineConfig    `toml:"engines"`
	Projects       []ProjectConfig   `toml:"projects"`
	ChatDefaults   map[string]string `toml:"chat_defaults,omitempty"`
	Telegram       TelegramConfig    `toml:"telegram"`
	EditsPerSecond float64           `toml:"edits_per_second,omitempty"`
	MaxActionLines int               `toml:"max_action_lines,omitempty"`
	FinalNotify    bool              `toml:"final_notify"`

	mu sync.RWMutex
}

// Load reads and parses a TOML config file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if token := os.Getenv("TAKOPI_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if cfg.EditsPerSecond <= 0 {
		cfg.EditsPerSecond = 1
	}
	if cfg.MaxActionLines <= 0 {
		cfg.MaxActionLines = 5
	}
	return &cfg, nil
}

// Save writes cfg to path as TOML, creating or truncating the file. The
// Telegram token is never written (TelegramConfig.Token carries toml:"-"),
// keeping the env-var-only secret contract intact across a save/reload.
func Save(path string, cfg *Config) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("config: opening %s for write: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: encoding %s: %w", path, err)
	}
	return nil
}

// Snapshot returns a value copy of the hot-reloadable fields, safe to read
// without holding the config's lock afterward.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}

func (c *Config) replace(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	token := c.Telegram.Token
	c.DefaultEngine = next.DefaultEngine
	c.DefaultProject = next.DefaultProject
	c.Engines = next.Engines
	c.Projects = next.Projects
	c.ChatDefaults = next.ChatDefaults
	c.Telegram = next.Telegram
	c.Telegram.Token = token
	c.EditsPerSecond = next.EditsPerSecond
	c.MaxActionLines = next.MaxActionLines
	c.FinalNotify = next.FinalNotify
}

// Watch reloads the config file whenever it changes on disk, applying the
// new value atomically under the config's lock. It runs until the returned
// stop function is called or the watcher's channels close; an error is
// returned if the fsnotify watcher fails to start. Grounded on the
// fsnotify "watch the directory, filter by basename" idiom needed because
// editors replace files via rename rather than in-place write.
func Watch(path string, cfg *Config, log func(format string, args ...any)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watching %s: %w", dir, err)
	}
	base := filepath.Base(path)

	done := make(chan struct{})
	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				next, loadErr := Load(path)
				if loadErr != nil {
					if log != nil {
						log("config.reload_failed: %v", loadErr)
					}
					continue
				}
				cfg.replace(next)
				if log != nil {
					log("config.reloaded")
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if log != nil {
					log("config.watch_error: %v", werr)
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// AcquireLock claims exclusive ownership of the config file at configPath
// for this process, refusing to start a second instance against the same
// config. Grounded on the original Python's acquire_config_lock: a
// sibling lock file named after the config path, removed on release. The
// lock is not keyed by the bot token, so two config files that carry the
// same token do not exclude each other.
// Supplements spec.md's config layer with the original's startup
// single-instance guard.
func AcquireLock(configPath string) (release func(), err error) {
	lockPath := configPath + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("config: %s is already locked by another running instance", configPath)
		}
		return nil, fmt.Errorf("config: acquiring lock %s: %w", lockPath, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return func() { os.Remove(lockPath) }, nil
}
