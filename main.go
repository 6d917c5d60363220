package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Broadcast the host's now playing state to overlays",
	Long: "nowplaying reads the current media session (MPRIS on Linux, the system media " +
		"transport controls on Windows) and pushes it to WebSocket clients, serving the " +
		"cover art over HTTP.",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broadcast server",
	RunE:  runServe,
}

var playersCmd = &cobra.Command{
	Use:   "players",
	Short: "List the media sessions that can be selected",
	RunE:  runPlayers,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configFilePath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"debug":         "debug",
	"headless":      "headless",
	"tick-ms":       "tick_ms",
	"players-every": "players_every",
	"public-host":   "public_host",
	"ws-port":       "ws_port",
	"http-port":     "http_port",
	"bind-all":      "bind_all",
}

func init() {
	f := rootCmd.PersistentFlags()
	f.Bool("debug", false, "Enable debug logging")
	f.Bool("headless", false, "Run without the dashboard, logging to stderr")
	f.Int("tick-ms", defaultTickMs, "Poll interval in milliseconds")
	f.Int("players-every", defaultPlayersEvery, "Refresh the player list every N ticks")
	f.String("public-host", defaultPublicHost, "Host used in cover_url")
	f.Int("ws-port", defaultWSPort, "WebSocket port")
	f.Int("http-port", defaultHTTPPort, "Artwork HTTP port")
	f.Bool("bind-all", false, "Listen on all interfaces instead of localhost")

	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(serveCmd, playersCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadCommandConfig builds the viper instance for a command and returns
// the effective config.
func loadCommandConfig(cmd *cobra.Command) (*viper.Viper, string, Config, []string, error) {
	path, err := configFilePath()
	if err != nil {
		return nil, "", Config{}, nil, err
	}
	v := newConfigViper(path)
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return nil, "", Config{}, nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	var warnings []string
	if err := ensureConfigFile(path); err != nil {
		warnings = append(warnings, fmt.Sprintf("creating config file: %v", err))
	}
	cfg, more := loadConfig(v)
	return v, path, cfg, append(warnings, more...), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	v, path, cfg, warnings, err := loadCommandConfig(cmd)
	if err != nil {
		return err
	}

	logger, logCloser, err := setupLogging(cfg.Debug, !cfg.Headless)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}

	store := newSafeConfig(cfg)
	bridge := NewBridge()
	bridge.Selection.Store(cfg.SelectedPlayer)
	watchConfig(v, store, bridge.Selection, logger)

	backend, err := newPlatformBackend(logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	srv := NewBroadcastServer(ServerOptions{
		BindHost:     cfg.BindHost(),
		WSPort:       cfg.WSPort,
		HTTPPort:     cfg.HTTPPort,
		PublicHost:   cfg.PublicHost,
		TickInterval: cfg.TickInterval(),
		PlayersEvery: cfg.PlayersEvery,
	}, backend, bridge, logger)
	if err := srv.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("config", path).Bool("headless", cfg.Headless).Msg("nowplaying starting")
	if cfg.Headless {
		return srv.Run(ctx)
	}

	// The dashboard owns the terminal; the server runs alongside it.
	return runWithDashboard(ctx, srv.Run, func(ctx context.Context) error {
		p := tea.NewProgram(newModel(bridge, store, path, srv, logger), tea.WithAltScreen(), tea.WithContext(ctx))
		_, err := p.Run()
		return err
	})
}

// runWithDashboard runs the server and the dashboard together. Whichever
// returns first stops the other.
func runWithDashboard(ctx context.Context, run, ui func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- run(ctx)
		cancel()
	}()

	uiErr := ui(ctx)
	cancel()

	if err := <-runErr; err != nil {
		return err
	}
	if uiErr != nil && !errors.Is(uiErr, tea.ErrProgramKilled) && !errors.Is(uiErr, context.Canceled) {
		return fmt.Errorf("dashboard: %w", uiErr)
	}
	return nil
}

func runPlayers(cmd *cobra.Command, args []string) error {
	_, _, cfg, warnings, err := loadCommandConfig(cmd)
	if err != nil {
		return err
	}
	logger, logCloser, err := setupLogging(cfg.Debug, false)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}

	backend, err := newPlatformBackend(logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	players, err := backend.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list players: %w", err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tNAME\tID")
	for _, p := range players {
		mark := ""
		if p.ID == cfg.SelectedPlayer {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", mark, p.Name, p.ID)
	}
	return tw.Flush()
}
