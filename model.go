package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	uiRefresh     = 200 * time.Millisecond
	maxTextLength = 36
	scrollHold    = 15 // ticks to pause at the start of a scroll loop
)

// serverStatus is what the dashboard shows about the broadcast server.
type serverStatus interface {
	WSAddr() string
	HTTPAddr() string
	Clients() int
	State() ServerState
}

// model is the Bubble Tea model for the dashboard. It only talks to the
// engine through the bridge.
type model struct {
	bridge     *Bridge
	store      *SafeConfig
	configPath string
	server     serverStatus
	client     *retryablehttp.Client
	logger     zerolog.Logger
	keys       keyMap

	snapshot    MediaSnapshot
	hasSnapshot bool
	players     []PlayerDescriptor
	selected    string

	accent      string
	accentURL   string
	lastError   error
	lastTrackID string

	width  int
	height int

	// Text scrolling state
	scrollOffset int
	scrollPause  int
	scrollTick   int

	showHelp bool
}

// UI refresh tick
type tickMsg time.Time

// Accent colour extracted from the current cover
type accentMsg struct {
	url   string
	color string
	err   error
}

// Result of persisting a selection
type selectionSavedMsg struct {
	id  string
	err error
}

func newModel(bridge *Bridge, store *SafeConfig, configPath string, server serverStatus, logger zerolog.Logger) model {
	return model{
		bridge:     bridge,
		store:      store,
		configPath: configPath,
		server:     server,
		client:     newArtworkClient(),
		logger:     logger.With().Str("component", "dashboard").Logger(),
		keys:       defaultKeyMap(),
		players:    withAutomatic(nil),
		selected:   bridge.Selection.Load(),
		accent:     "2",
	}
}

// Schedule next UI refresh tick
func tickCmd() tea.Cmd {
	return tea.Tick(uiRefresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchAccentCmd downloads the cover in the background and picks a colour.
func (m model) fetchAccentCmd(url string) tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return accentMsg{url: url, err: err}
		}
		resp, err := client.Do(req)
		if err != nil {
			return accentMsg{url: url, err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return accentMsg{url: url, err: fmt.Errorf("cover status %d", resp.StatusCode)}
		}
		data, err := readLimited(resp.Body, MaxArtworkBytes)
		if err != nil {
			return accentMsg{url: url, err: err}
		}
		color, err := accentFromArtwork(data)
		return accentMsg{url: url, color: color, err: err}
	}
}

// saveSelectionCmd persists the selection off the UI goroutine.
func (m model) saveSelectionCmd(id string) tea.Cmd {
	path := m.configPath
	if path == "" {
		return nil
	}
	return func() tea.Msg {
		return selectionSavedMsg{id: id, err: saveSelection(path, id)}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.store.watchCmd(),
	)
}

// selectPlayer moves the selection by delta through the player list.
func (m model) selectPlayer(delta int) (model, tea.Cmd) {
	if len(m.players) == 0 {
		return m, nil
	}
	idx := 0
	for i, p := range m.players {
		if p.ID == m.selected {
			idx = i
			break
		}
	}
	idx = (idx + delta + len(m.players)) % len(m.players)
	return m.setSelection(m.players[idx].ID)
}

func (m model) setSelection(id string) (model, tea.Cmd) {
	if id == m.selected {
		return m, nil
	}
	m.selected = id
	m.bridge.Selection.Store(id)
	m.store.SetSelected(id)
	return m, m.saveSelectionCmd(id)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.showHelp = !m.showHelp
			return m, nil
		case key.Matches(msg, m.keys.NextPlayer):
			return m.selectPlayer(1)
		case key.Matches(msg, m.keys.PrevPlayer):
			return m.selectPlayer(-1)
		case key.Matches(msg, m.keys.Automatic):
			return m.setSelection("")
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case configReloadMsg:
		// The config file may have changed the selection
		m.selected = m.bridge.Selection.Load()
		return m, m.store.watchCmd()

	case selectionSavedMsg:
		if msg.err != nil {
			m.lastError = fmt.Errorf("saving selection: %w", msg.err)
			m.logger.Warn().Err(msg.err).Str("player", msg.id).Msg("selection not persisted")
		}
		return m, nil

	case accentMsg:
		if msg.url != m.snapshot.CoverURL {
			return m, nil
		}
		if msg.err != nil {
			m.logger.Debug().Err(msg.err).Msg("no accent colour")
			return m, nil
		}
		m.accent = msg.color
		return m, nil

	case tickMsg:
		var cmds []tea.Cmd
		cmds = append(cmds, tickCmd())

		if players, ok := m.bridge.DrainPlayers(); ok {
			m.players = players
		}
		if snap, ok := m.bridge.DrainSnapshot(); ok {
			trackID := snap.Title + "|" + snap.Artist
			if trackID != m.lastTrackID {
				m.lastTrackID = trackID
				m.scrollOffset = 0
				m.scrollPause = scrollHold
				m.scrollTick = 0
			}
			m.snapshot = snap
			m.hasSnapshot = true
			m.lastError = nil

			if snap.CoverURL != "" && snap.CoverURL != m.accentURL {
				m.accentURL = snap.CoverURL
				cmds = append(cmds, m.fetchAccentCmd(snap.CoverURL))
			}
		}

		m.advanceScroll()
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

// advanceScroll moves long text one step every other tick and pauses when a
// loop completes.
func (m *model) advanceScroll() {
	m.scrollTick++
	if m.scrollPause > 0 {
		m.scrollPause--
		return
	}
	if m.scrollTick%2 != 0 {
		return
	}
	m.scrollOffset++

	longest := 0
	for _, s := range []string{m.snapshot.Title, m.snapshot.Artist, m.snapshot.Album} {
		if l := len([]rune(s)); l > longest {
			longest = l
		}
	}
	if longest > maxTextLength && m.scrollOffset >= longest+len([]rune(scrollSeparator)) {
		m.scrollOffset = 0
		m.scrollPause = scrollHold
	}
}
