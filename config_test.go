package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig() Config {
	return Config{
		WSPort:       defaultWSPort,
		HTTPPort:     defaultHTTPPort,
		TickMs:       defaultTickMs,
		PlayersEvery: defaultPlayersEvery,
		PublicHost:   defaultPublicHost,
	}
}

func writeConfigFile(t *testing.T, path string, doc map[string]any) {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// TestSafeConfigConcurrency tests that SafeConfig can be safely accessed from multiple goroutines
func TestSafeConfigConcurrency(t *testing.T) {
	sc := newSafeConfig(defaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cfg := defaultConfig()
				cfg.WSPort = 7000 + id
				cfg.BindAll = j%2 == 0
				sc.Set(cfg)
				sc.SetSelected("player")
			}
		}(i)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cfg := sc.Get()
				_ = cfg.WSPort
				_ = cfg.SelectedPlayer
			}
		}()
	}
	wg.Wait()
}

// TestSafeConfigGetReturnsCopy tests that Get() returns a copy, not a reference
func TestSafeConfigGetReturnsCopy(t *testing.T) {
	sc := newSafeConfig(defaultConfig())

	got := sc.Get()
	got.WSPort = 1
	got.SelectedPlayer = "changed"

	again := sc.Get()
	assert.Equal(t, defaultWSPort, again.WSPort)
	assert.Empty(t, again.SelectedPlayer)
}

func TestSafeConfigSetNotifies(t *testing.T) {
	sc := newSafeConfig(defaultConfig())

	// A second Set with nobody listening must not block.
	sc.Set(defaultConfig())
	sc.Set(defaultConfig())

	msg := sc.watchCmd()()
	assert.IsType(t, configReloadMsg{}, msg)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		check    func(*testing.T, Config)
		warnings int
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
			check: func(t *testing.T, c Config) {
				assert.Equal(t, defaultConfig(), c)
			},
		},
		{
			name:   "ws port out of range",
			mutate: func(c *Config) { c.WSPort = 70000 },
			check: func(t *testing.T, c Config) {
				assert.Equal(t, defaultWSPort, c.WSPort)
			},
			warnings: 1,
		},
		{
			name:   "http port zero",
			mutate: func(c *Config) { c.HTTPPort = 0 },
			check: func(t *testing.T, c Config) {
				assert.Equal(t, defaultHTTPPort, c.HTTPPort)
			},
			warnings: 1,
		},
		{
			name:   "equal ports",
			mutate: func(c *Config) { c.WSPort, c.HTTPPort = 8000, 8000 },
			check: func(t *testing.T, c Config) {
				assert.Equal(t, defaultWSPort, c.WSPort)
				assert.Equal(t, defaultHTTPPort, c.HTTPPort)
			},
			warnings: 1,
		},
		{
			name:   "tick too small",
			mutate: func(c *Config) { c.TickMs = 1 },
			check: func(t *testing.T, c Config) {
				assert.Equal(t, defaultTickMs, c.TickMs)
			},
			warnings: 1,
		},
		{
			name:   "players every zero",
			mutate: func(c *Config) { c.PlayersEvery = 0 },
			check: func(t *testing.T, c Config) {
				assert.Equal(t, defaultPlayersEvery, c.PlayersEvery)
			},
			warnings: 1,
		},
		{
			name:   "empty public host",
			mutate: func(c *Config) { c.PublicHost = "" },
			check: func(t *testing.T, c Config) {
				assert.Equal(t, defaultPublicHost, c.PublicHost)
			},
		},
		{
			name:   "unspecified public host",
			mutate: func(c *Config) { c.PublicHost = "0.0.0.0" },
			check: func(t *testing.T, c Config) {
				assert.Equal(t, defaultPublicHost, c.PublicHost)
			},
			warnings: 1,
		},
		{
			name:   "public host with scheme",
			mutate: func(c *Config) { c.PublicHost = "http://studio.local" },
			check: func(t *testing.T, c Config) {
				assert.Equal(t, defaultPublicHost, c.PublicHost)
			},
			warnings: 1,
		},
		{
			name:   "lan public host kept",
			mutate: func(c *Config) { c.PublicHost = "192.168.1.20" },
			check: func(t *testing.T, c Config) {
				assert.Equal(t, "192.168.1.20", c.PublicHost)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			got, warnings := validateConfig(cfg)
			tt.check(t, got)
			assert.Len(t, warnings, tt.warnings)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file gives defaults", func(t *testing.T) {
		v := newConfigViper(filepath.Join(t.TempDir(), "config.json"))
		cfg, warnings := loadConfig(v)
		assert.Empty(t, warnings)
		assert.Equal(t, defaultConfig(), cfg)
		assert.Equal(t, "127.0.0.1", cfg.BindHost())
	})

	t.Run("file values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		writeConfigFile(t, path, map[string]any{
			"selected_player": "org.mpris.MediaPlayer2.spotify",
			"ws_port":         7000,
			"http_port":       7001,
			"bind_all":        true,
		})

		cfg, warnings := loadConfig(newConfigViper(path))
		assert.Empty(t, warnings)
		assert.Equal(t, "org.mpris.MediaPlayer2.spotify", cfg.SelectedPlayer)
		assert.Equal(t, 7000, cfg.WSPort)
		assert.Equal(t, 7001, cfg.HTTPPort)
		assert.Equal(t, "0.0.0.0", cfg.BindHost())
		assert.Equal(t, defaultTickMs, cfg.TickMs)
	})

	t.Run("null selection is automatic", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		writeConfigFile(t, path, map[string]any{"selected_player": nil, "ws_port": 7000, "http_port": 7001})

		cfg, _ := loadConfig(newConfigViper(path))
		assert.Empty(t, cfg.SelectedPlayer)
	})

	t.Run("malformed file warns and keeps defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

		cfg, warnings := loadConfig(newConfigViper(path))
		assert.NotEmpty(t, warnings)
		assert.Equal(t, defaultConfig(), cfg)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		writeConfigFile(t, path, map[string]any{"ws_port": 7000, "http_port": 7001})
		t.Setenv("NOWPLAYING_WS_PORT", "7100")
		t.Setenv("NOWPLAYING_TICK_MS", "500")

		cfg, _ := loadConfig(newConfigViper(path))
		assert.Equal(t, 7100, cfg.WSPort)
		assert.Equal(t, 500, cfg.TickMs)
	})
}

func TestSaveSelection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfigFile(t, path, map[string]any{"ws_port": 7000, "http_port": 7001, "bind_all": true, "extra": "dropped"})

	require.NoError(t, saveSelection(path, "Spotify.exe"))

	var doc map[string]any
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "Spotify.exe", doc["selected_player"])
	assert.EqualValues(t, 7000, doc["ws_port"])
	assert.EqualValues(t, 7001, doc["http_port"])
	assert.Equal(t, true, doc["bind_all"])
	assert.NotContains(t, doc, "extra")

	require.NoError(t, saveSelection(path, ""))
	cfg, _ := loadConfig(newConfigViper(path))
	assert.Empty(t, cfg.SelectedPlayer)
	assert.Equal(t, 7000, cfg.WSPort)
}

func TestEnsureConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, ensureConfigFile(path))

	cfg, warnings := loadConfig(newConfigViper(path))
	assert.Empty(t, warnings)
	assert.Equal(t, defaultWSPort, cfg.WSPort)

	// An existing file is left alone.
	writeConfigFile(t, path, map[string]any{"ws_port": 7000, "http_port": 7001})
	require.NoError(t, ensureConfigFile(path))
	cfg, _ = loadConfig(newConfigViper(path))
	assert.Equal(t, 7000, cfg.WSPort)
}

func TestApplyConfigChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfigFile(t, path, map[string]any{"ws_port": 7000, "http_port": 7001})

	v := newConfigViper(path)
	cfg, _ := loadConfig(v)
	sc := newSafeConfig(cfg)
	sel := &SelectionCell{}

	writeConfigFile(t, path, map[string]any{"selected_player": "vlc", "ws_port": 9000, "http_port": 7001})
	require.NoError(t, v.ReadInConfig())
	applyConfigChange(v, sc, sel, zerolog.Nop())

	assert.Equal(t, "vlc", sel.Load())
	got := sc.Get()
	assert.Equal(t, "vlc", got.SelectedPlayer)
	assert.Equal(t, 7000, got.WSPort, "port changes need a restart")
}

func TestApplyConfigChangeKeepsLocalSelection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfigFile(t, path, map[string]any{"selected_player": "vlc", "ws_port": 7000, "http_port": 7001})

	v := newConfigViper(path)
	cfg, _ := loadConfig(v)
	sc := newSafeConfig(cfg)
	sel := &SelectionCell{}
	sel.Store(cfg.SelectedPlayer)

	// Picked in the dashboard; the reload still sees the old file.
	sc.SetSelected("spotify")
	sel.Store("spotify")
	applyConfigChange(v, sc, sel, zerolog.Nop())
	assert.Equal(t, "spotify", sel.Load())
	assert.Equal(t, "spotify", sc.Get().SelectedPlayer)

	// The save lands.
	require.NoError(t, saveSelection(path, "spotify"))
	require.NoError(t, v.ReadInConfig())
	applyConfigChange(v, sc, sel, zerolog.Nop())
	assert.Equal(t, "spotify", sel.Load())
	assert.False(t, sc.pendingSelection(selfWriteGrace))

	// Later external edits apply again.
	writeConfigFile(t, path, map[string]any{"selected_player": "vlc", "ws_port": 7000, "http_port": 7001})
	require.NoError(t, v.ReadInConfig())
	applyConfigChange(v, sc, sel, zerolog.Nop())
	assert.Equal(t, "vlc", sel.Load())
	assert.Equal(t, "vlc", sc.Get().SelectedPlayer)
}
