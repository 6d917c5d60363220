package main

import (
	"math"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/quarckster/go-mpris-server/pkg/types"
)

// MPRIS D-Bus names
const (
	mprisPrefix      = "org.mpris.MediaPlayer2."
	mprisPath        = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	mprisRootIface   = "org.mpris.MediaPlayer2"
	mprisPlayerIface = "org.mpris.MediaPlayer2.Player"

	dbusListNames  = "org.freedesktop.DBus.ListNames"
	dbusPropGet    = "org.freedesktop.DBus.Properties.Get"
	dbusPropGetAll = "org.freedesktop.DBus.Properties.GetAll"
)

// mprisPlayer is one player's bus name plus its Player interface properties.
type mprisPlayer struct {
	busName  string
	identity string
	props    map[string]dbus.Variant
}

func (p mprisPlayer) name() string {
	if p.identity != "" {
		return p.identity
	}
	return mprisDisplayName(p.busName)
}

func (p mprisPlayer) status() PlaybackState {
	s, _ := p.props["PlaybackStatus"].Value().(string)
	return mprisState(s)
}

// filterMprisNames keeps the MPRIS players from a ListNames reply, sorted so
// the automatic fallback is stable between ticks.
func filterMprisNames(names []string) []string {
	var players []string
	for _, n := range names {
		if strings.HasPrefix(n, mprisPrefix) {
			players = append(players, n)
		}
	}
	sort.Strings(players)
	return players
}

// mprisDisplayName turns "org.mpris.MediaPlayer2.firefox.instance_1_42" into "firefox".
func mprisDisplayName(busName string) string {
	name := strings.TrimPrefix(busName, mprisPrefix)
	if i := strings.Index(name, "."); i > 0 {
		name = name[:i]
	}
	return name
}

func mprisState(status string) PlaybackState {
	switch types.PlaybackStatus(status) {
	case types.PlaybackStatusPlaying:
		return StatePlaying
	case types.PlaybackStatusPaused:
		return StatePaused
	}
	return StateStopped
}

func mprisRepeat(loop string) string {
	switch types.LoopStatus(loop) {
	case types.LoopStatusTrack:
		return RepeatTrack
	case types.LoopStatusPlaylist:
		return RepeatList
	}
	return RepeatNone
}

// pickMprisPlayer returns the selected player when it is still on the bus,
// otherwise the first playing one, then the first paused one, then the first.
func pickMprisPlayer(players []mprisPlayer, selectedID string) *mprisPlayer {
	if len(players) == 0 {
		return nil
	}
	if selectedID != "" {
		for i := range players {
			if players[i].busName == selectedID {
				return &players[i]
			}
		}
	}
	for _, want := range []PlaybackState{StatePlaying, StatePaused} {
		for i := range players {
			if players[i].status() == want {
				return &players[i]
			}
		}
	}
	return &players[0]
}

// parseMprisPlayer converts Player interface properties into a RawSnapshot.
// Lengths and positions are microseconds on the bus.
func parseMprisPlayer(p mprisPlayer) *RawSnapshot {
	raw := &RawSnapshot{
		State:      p.status(),
		PlayerID:   p.busName,
		PlayerName: p.name(),
		Volume:     -1,
		Rating:     -1,
		RepeatMode: RepeatNone,
	}

	if pos, ok := variantInt64(p.props["Position"]); ok {
		raw.PositionSeconds = clampSeconds(pos / 1e6)
	}
	if vol, ok := p.props["Volume"].Value().(float64); ok {
		raw.Volume = int(math.Round(math.Min(math.Max(vol, 0), 1) * 100))
	}
	if loop, ok := p.props["LoopStatus"].Value().(string); ok {
		raw.RepeatMode = mprisRepeat(loop)
	}
	if shuffle, ok := p.props["Shuffle"].Value().(bool); ok {
		raw.Shuffle = shuffle
	}

	meta, _ := p.props["Metadata"].Value().(map[string]dbus.Variant)
	if meta == nil {
		return raw
	}
	raw.Title, _ = meta["xesam:title"].Value().(string)
	raw.Album, _ = meta["xesam:album"].Value().(string)
	switch artist := meta["xesam:artist"].Value().(type) {
	case []string:
		raw.Artist = strings.Join(artist, ", ")
	case string:
		raw.Artist = artist
	}
	if length, ok := variantInt64(meta["mpris:length"]); ok {
		raw.DurationSeconds = clampSeconds(length / 1e6)
	}
	if rating, ok := meta["xesam:userRating"].Value().(float64); ok {
		raw.Rating = int(math.Round(math.Min(math.Max(rating, 0), 1) * 5))
	}
	if art, _ := meta["mpris:artUrl"].Value().(string); art != "" {
		raw.Artwork = URLArtwork(art)
	}
	return raw
}

// variantInt64 accepts the integer widths players actually send for
// lengths and positions.
func variantInt64(v dbus.Variant) (int64, bool) {
	switch n := v.Value().(type) {
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
