package main

import (
	"context"
	"errors"
	"io"
)

// PlaybackState is the canonical transport state sent to clients.
type PlaybackState string

const (
	StatePlaying PlaybackState = "PLAYING"
	StatePaused  PlaybackState = "PAUSED"
	StateStopped PlaybackState = "STOPPED"
)

// Repeat modes as they appear in the snapshot JSON.
const (
	RepeatNone  = "NONE"
	RepeatTrack = "TRACK"
	RepeatList  = "LIST"
)

// ErrBackendUnavailable wraps any native media API failure. The snapshot for
// that tick is treated as absent.
var ErrBackendUnavailable = errors.New("media backend unavailable")

// MediaBackend reads the host's media sessions. Implementations hold one
// long-lived native handle and recreate it lazily after a failure.
type MediaBackend interface {
	// ListSessions returns the selectable players. The first entry is
	// always the automatic choice.
	ListSessions(ctx context.Context) ([]PlayerDescriptor, error)
	// Snapshot returns the selected session, or the OS current session when
	// selectedID is empty or no longer present. A nil snapshot with a nil
	// error means nothing is playing.
	Snapshot(ctx context.Context, selectedID string) (*RawSnapshot, error)
	Close() error
}

// PlayerDescriptor names one selectable session. An empty ID means
// "let the backend pick".
type PlayerDescriptor struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// AutomaticPlayer is always the first entry of a session list.
var AutomaticPlayer = PlayerDescriptor{Name: "Automatic"}

// RawSnapshot is backend data before normalization.
type RawSnapshot struct {
	State      PlaybackState
	PlayerID   string
	PlayerName string
	Title      string
	Artist     string
	Album      string
	Artwork    ArtworkSource

	DurationSeconds int64
	PositionSeconds int64

	// Optional transport details; negative or empty means unknown.
	Volume     int
	Rating     int
	RepeatMode string
	Shuffle    bool
}

// ArtworkSource is where a session's cover art can be obtained from.
// It is either a StreamArtwork or a URLArtwork.
type ArtworkSource interface {
	artwork()
}

// StreamArtwork yields the artwork bytes on demand.
type StreamArtwork struct {
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// URLArtwork is a ready-made reference (file://, http:// or https://).
type URLArtwork string

func (StreamArtwork) artwork() {}
func (URLArtwork) artwork()    {}

// withAutomatic prepends the automatic entry to a list of live sessions.
func withAutomatic(players []PlayerDescriptor) []PlayerDescriptor {
	out := make([]PlayerDescriptor, 0, len(players)+1)
	out = append(out, AutomaticPlayer)
	return append(out, players...)
}

// clampSeconds drops negative durations reported by misbehaving players.
func clampSeconds(s int64) int64 {
	if s < 0 {
		return 0
	}
	return s
}
