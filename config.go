package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	defaultWSPort       = 6534
	defaultHTTPPort     = 6535
	defaultTickMs       = 200
	defaultPlayersEvery = 10
	defaultPublicHost   = "127.0.0.1"
	minTickMs           = 10

	// selfWriteGrace is how long a reload may still show the selection from
	// before our own save.
	selfWriteGrace = 2 * time.Second
)

// Config holds all application configuration. The first four fields are
// persisted; the rest come from flags and the environment only.
type Config struct {
	SelectedPlayer string `mapstructure:"selected_player"`
	WSPort         int    `mapstructure:"ws_port"`
	HTTPPort       int    `mapstructure:"http_port"`
	BindAll        bool   `mapstructure:"bind_all"`

	TickMs       int    `mapstructure:"tick_ms"`
	PlayersEvery int    `mapstructure:"players_every"`
	PublicHost   string `mapstructure:"public_host"`
	Debug        bool   `mapstructure:"debug"`
	Headless     bool   `mapstructure:"headless"`
}

// BindHost is the interface both servers listen on.
func (c Config) BindHost() string {
	if c.BindAll {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

// SafeConfig wraps Config with thread-safe access
type SafeConfig struct {
	mu         sync.RWMutex
	cfg        Config
	selectedAt time.Time // last local selection not yet seen in the file
	changed    chan struct{}
}

func newSafeConfig(cfg Config) *SafeConfig {
	return &SafeConfig{cfg: cfg, changed: make(chan struct{}, 1)}
}

// Get returns a copy of the current config (thread-safe read)
func (sc *SafeConfig) Get() Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.cfg
}

// Set updates the config (thread-safe write)
func (sc *SafeConfig) Set(cfg Config) {
	sc.mu.Lock()
	sc.cfg = cfg
	sc.mu.Unlock()

	select {
	case sc.changed <- struct{}{}:
	default:
		// Channel full, skip notification
	}
}

// SetSelected records a new selection without touching anything else.
func (sc *SafeConfig) SetSelected(id string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cfg.SelectedPlayer = id
	sc.selectedAt = time.Now()
}

// pendingSelection reports whether a local selection made within d has not
// yet been read back from the file.
func (sc *SafeConfig) pendingSelection(d time.Duration) bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return !sc.selectedAt.IsZero() && time.Since(sc.selectedAt) < d
}

func (sc *SafeConfig) clearPendingSelection() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.selectedAt = time.Time{}
}

// Config file changed notification
type configReloadMsg struct{}

// Watch for config file changes
func (sc *SafeConfig) watchCmd() tea.Cmd {
	return func() tea.Msg {
		<-sc.changed
		return configReloadMsg{}
	}
}

// configFilePath returns $XDG_CONFIG_HOME/nowplaying/config.json, creating
// the directory.
func configFilePath() (string, error) {
	path, err := xdg.ConfigFile(filepath.Join(appName, "config.json"))
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	return path, nil
}

func setPersistedDefaults(v *viper.Viper) {
	v.SetDefault("selected_player", "")
	v.SetDefault("ws_port", defaultWSPort)
	v.SetDefault("http_port", defaultHTTPPort)
	v.SetDefault("bind_all", false)
}

// newConfigViper sets defaults, the config file and NOWPLAYING_ env support.
func newConfigViper(path string) *viper.Viper {
	v := viper.New()
	setPersistedDefaults(v)
	v.SetDefault("tick_ms", defaultTickMs)
	v.SetDefault("players_every", defaultPlayersEvery)
	v.SetDefault("public_host", defaultPublicHost)
	v.SetDefault("debug", false)
	v.SetDefault("headless", false)

	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix("NOWPLAYING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads the file and returns the effective config. Problems are
// reported as warnings and replaced with defaults; they never fail startup.
func loadConfig(v *viper.Viper) (Config, []string) {
	var warnings []string
	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		warnings = append(warnings, fmt.Sprintf("reading config file: %v", err))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		warnings = append(warnings, fmt.Sprintf("parsing config: %v", err))
		cfg = Config{}
	}
	cfg, more := validateConfig(cfg)
	return cfg, append(warnings, more...)
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// validateConfig replaces out-of-range values with defaults.
func validateConfig(cfg Config) (Config, []string) {
	var warnings []string
	if !validPort(cfg.WSPort) {
		warnings = append(warnings, fmt.Sprintf("ws_port %d out of range, using %d", cfg.WSPort, defaultWSPort))
		cfg.WSPort = defaultWSPort
	}
	if !validPort(cfg.HTTPPort) {
		warnings = append(warnings, fmt.Sprintf("http_port %d out of range, using %d", cfg.HTTPPort, defaultHTTPPort))
		cfg.HTTPPort = defaultHTTPPort
	}
	if cfg.WSPort == cfg.HTTPPort {
		warnings = append(warnings, fmt.Sprintf("ws_port and http_port are both %d, using %d and %d",
			cfg.WSPort, defaultWSPort, defaultHTTPPort))
		cfg.WSPort, cfg.HTTPPort = defaultWSPort, defaultHTTPPort
	}
	if cfg.TickMs < minTickMs {
		warnings = append(warnings, fmt.Sprintf("tick_ms %d too small, using %d", cfg.TickMs, defaultTickMs))
		cfg.TickMs = defaultTickMs
	}
	if cfg.PlayersEvery < 1 {
		warnings = append(warnings, fmt.Sprintf("players_every %d invalid, using %d", cfg.PlayersEvery, defaultPlayersEvery))
		cfg.PlayersEvery = defaultPlayersEvery
	}
	if host := strings.TrimSpace(cfg.PublicHost); host == "" {
		cfg.PublicHost = defaultPublicHost
	} else if strings.ContainsAny(host, "/ ") || strings.Contains(host, "://") {
		warnings = append(warnings, fmt.Sprintf("public_host %q invalid, using %s", cfg.PublicHost, defaultPublicHost))
		cfg.PublicHost = defaultPublicHost
	} else if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		warnings = append(warnings, fmt.Sprintf("public_host %s is not reachable by clients, using %s", host, defaultPublicHost))
		cfg.PublicHost = defaultPublicHost
	}
	return cfg, warnings
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

// ensureConfigFile writes the defaults on first run so the file can be
// watched and edited.
func ensureConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return saveSelection(path, "")
}

// saveSelection persists the selected player. The other persisted fields
// are carried over from the file as it is on disk.
func saveSelection(path, selected string) error {
	current := viper.New()
	setPersistedDefaults(current)
	current.SetConfigFile(path)
	current.SetConfigType("json")
	if err := current.ReadInConfig(); err != nil && !isNotExist(err) {
		return fmt.Errorf("read config for update: %w", err)
	}

	out := viper.New()
	out.SetConfigType("json")
	out.Set("ws_port", current.GetInt("ws_port"))
	out.Set("http_port", current.GetInt("http_port"))
	out.Set("bind_all", current.GetBool("bind_all"))
	if selected != "" {
		out.Set("selected_player", selected)
	}
	if err := out.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// watchConfig live-reloads the file. An externally edited selected_player
// is pushed into the selection cell.
func watchConfig(v *viper.Viper, sc *SafeConfig, sel *SelectionCell, logger zerolog.Logger) {
	v.OnConfigChange(func(e fsnotify.Event) {
		applyConfigChange(v, sc, sel, logger)
	})
	v.WatchConfig()
}

func applyConfigChange(v *viper.Viper, sc *SafeConfig, sel *SelectionCell, logger zerolog.Logger) {
	var next Config
	if err := v.Unmarshal(&next); err != nil {
		logger.Warn().Err(err).Msg("ignoring config change")
		return
	}
	next, warnings := validateConfig(next)
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}

	prev := sc.Get()
	if next.WSPort != prev.WSPort || next.HTTPPort != prev.HTTPPort || next.BindAll != prev.BindAll {
		logger.Info().Msg("port and bind changes take effect after restart")
		next.WSPort, next.HTTPPort, next.BindAll = prev.WSPort, prev.HTTPPort, prev.BindAll
	}
	switch {
	case next.SelectedPlayer == prev.SelectedPlayer:
		sc.clearPendingSelection()
	case sc.pendingSelection(selfWriteGrace):
		// The file still shows the selection from before our own save.
		next.SelectedPlayer = prev.SelectedPlayer
	}
	if next.SelectedPlayer != sel.Load() {
		sel.Store(next.SelectedPlayer)
		logger.Info().Str("player", next.SelectedPlayer).Msg("selection changed by config file")
	}
	sc.Set(next)
}
