package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/unicode"
)

// GlobalSystemMediaTransportControlsSessionPlaybackStatus values
const (
	gsmtcStatusPlaying = 4
	gsmtcStatusPaused  = 5
)

// MediaPlaybackAutoRepeatMode values
const (
	gsmtcRepeatTrack = 1
	gsmtcRepeatList  = 2
)

const gsmtcRequestTimeout = 3 * time.Second

// gsmtcScript runs inside powershell.exe and keeps the WinRT session manager
// alive. It answers one JSON request line with one JSON reply line.
const gsmtcScript = `$ErrorActionPreference = 'Stop'
Add-Type -AssemblyName System.Runtime.WindowsRuntime
$asTask = [System.WindowsRuntimeSystemExtensions].GetMethods() | Where-Object {
    $_.Name -eq 'AsTask' -and $_.GetParameters().Count -eq 1 -and
    $_.GetParameters()[0].ParameterType.Name -eq 'IAsyncOperation` + "`" + `1' } | Select-Object -First 1
function Await($op, [Type]$type) {
    $task = $asTask.MakeGenericMethod($type).Invoke($null, @($op))
    $null = $task.Wait(-1)
    $task.Result
}
$null = [Windows.Media.Control.GlobalSystemMediaTransportControlsSessionManager, Windows.Media.Control, ContentType = WindowsRuntime]
$null = [Windows.Storage.Streams.DataReader, Windows.Storage.Streams, ContentType = WindowsRuntime]
$managerType = [Windows.Media.Control.GlobalSystemMediaTransportControlsSessionManager]
$manager = Await ($managerType::RequestAsync()) $managerType

function Find-Session([string]$id) {
    if ($id) {
        foreach ($s in $manager.GetSessions()) { if ($s.SourceAppUserModelId -eq $id) { return $s } }
    }
    $manager.GetCurrentSession()
}
function Get-Properties($s) {
    Await ($s.TryGetMediaPropertiesAsync()) ([Windows.Media.Control.GlobalSystemMediaTransportControlsSessionMediaProperties])
}
function Invoke-Request($req) {
    switch ($req.op) {
        'sessions' {
            $ids = @($manager.GetSessions() | ForEach-Object { $_.SourceAppUserModelId })
            return @{ ok = $true; sessions = $ids }
        }
        'snapshot' {
            $s = Find-Session $req.id
            if ($null -eq $s) { return @{ ok = $true; session = $null } }
            $p = Get-Properties $s
            $pb = $s.GetPlaybackInfo()
            $tl = $s.GetTimelineProperties()
            $repeat = 0
            if ($null -ne $pb.AutoRepeatMode) { $repeat = [int]$pb.AutoRepeatMode }
            return @{ ok = $true; session = @{
                id = $s.SourceAppUserModelId
                status = [int]$pb.PlaybackStatus
                title = [string]$p.Title
                artist = [string]$p.Artist
                album = [string]$p.AlbumTitle
                has_thumbnail = ($null -ne $p.Thumbnail)
                duration_seconds = [int64][math]::Floor($tl.EndTime.TotalSeconds)
                position_seconds = [int64][math]::Floor($tl.Position.TotalSeconds)
                shuffle = ($pb.IsShuffleActive -eq $true)
                repeat = $repeat
            } }
        }
        'thumbnail' {
            $s = Find-Session $req.id
            if ($null -eq $s) { return @{ ok = $false; error = 'session gone' } }
            $p = Get-Properties $s
            if ($null -eq $p.Thumbnail) { return @{ ok = $false; error = 'no thumbnail' } }
            $stream = Await ($p.Thumbnail.OpenReadAsync()) ([Windows.Storage.Streams.IRandomAccessStreamWithContentType])
            try {
                if ($stream.Size -gt $req.limit) { return @{ ok = $false; error = 'thumbnail too large' } }
                $reader = [Windows.Storage.Streams.DataReader]::new($stream)
                $n = Await ($reader.LoadAsync([uint32]$stream.Size)) ([uint32])
                $bytes = New-Object byte[] $n
                $reader.ReadBytes($bytes)
                [IO.File]::WriteAllBytes($req.path, $bytes)
                return @{ ok = $true; bytes = $n }
            } finally { $stream.Dispose() }
        }
    }
    @{ ok = $false; error = "unknown op $($req.op)" }
}
while ($null -ne ($line = [Console]::In.ReadLine())) {
    try { $reply = Invoke-Request ($line | ConvertFrom-Json) }
    catch { $reply = @{ ok = $false; error = $_.Exception.Message } }
    [Console]::Out.WriteLine((ConvertTo-Json -Compress -Depth 4 -InputObject $reply))
    [Console]::Out.Flush()
}
`

type helperRequest struct {
	Op    string `json:"op"`
	ID    string `json:"id,omitempty"`
	Path  string `json:"path,omitempty"`
	Limit int64  `json:"limit,omitempty"`
}

type helperReply struct {
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Sessions []string       `json:"sessions,omitempty"`
	Session  *helperSession `json:"session,omitempty"`
	Bytes    int64          `json:"bytes,omitempty"`
}

type helperSession struct {
	ID              string `json:"id"`
	Status          int    `json:"status"`
	Title           string `json:"title"`
	Artist          string `json:"artist"`
	Album           string `json:"album"`
	HasThumbnail    bool   `json:"has_thumbnail"`
	DurationSeconds int64  `json:"duration_seconds"`
	PositionSeconds int64  `json:"position_seconds"`
	Shuffle         bool   `json:"shuffle"`
	Repeat          int    `json:"repeat"`
}

// encodePowerShell produces the -EncodedCommand argument (base64 of UTF-16LE).
func encodePowerShell(script string) (string, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	b, err := enc.Bytes([]byte(script))
	if err != nil {
		return "", fmt.Errorf("encode helper script: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func gsmtcState(status int) PlaybackState {
	switch status {
	case gsmtcStatusPlaying:
		return StatePlaying
	case gsmtcStatusPaused:
		return StatePaused
	}
	return StateStopped
}

func gsmtcRepeat(mode int) string {
	switch mode {
	case gsmtcRepeatTrack:
		return RepeatTrack
	case gsmtcRepeatList:
		return RepeatList
	}
	return RepeatNone
}

// gsmtcDisplayName shortens an AppUserModelId such as
// "Microsoft.ZuneMusic_8wekyb3d8bbwe!Microsoft.ZuneMusic" or "Spotify.exe".
func gsmtcDisplayName(id string) string {
	name := id
	if i := strings.Index(name, "!"); i > 0 {
		name = name[:i]
	}
	if i := strings.Index(name, "_"); i > 0 {
		name = name[:i]
	}
	if strings.HasSuffix(strings.ToLower(name), ".exe") {
		name = name[:len(name)-4]
	}
	if i := strings.LastIndex(name, "."); i >= 0 && i < len(name)-1 {
		name = name[i+1:]
	}
	if name == "" {
		return id
	}
	return name
}

// lineHelper is a child process speaking one JSON line per request.
type lineHelper struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	done  chan struct{}
	quit  chan struct{}
	once  sync.Once
}

func startLineHelper(cmd *exec.Cmd) (*lineHelper, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &lineHelper{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string),
		done:  make(chan struct{}),
		quit:  make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case h.lines <- sc.Text():
			case <-h.quit:
				return
			}
		}
	}()
	return h, nil
}

func (h *lineHelper) request(ctx context.Context, req helperRequest, timeout time.Duration) (helperReply, error) {
	var reply helperReply
	b, err := json.Marshal(req)
	if err != nil {
		return reply, err
	}
	if _, err := h.stdin.Write(append(b, '\n')); err != nil {
		return reply, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case line := <-h.lines:
		if err := json.Unmarshal([]byte(line), &reply); err != nil {
			return reply, fmt.Errorf("malformed reply %q: %w", line, err)
		}
		return reply, nil
	case <-h.done:
		return reply, errors.New("helper exited")
	case <-timer.C:
		return reply, fmt.Errorf("no reply within %s", timeout)
	case <-ctx.Done():
		return reply, ctx.Err()
	}
}

func (h *lineHelper) Close() {
	h.once.Do(func() {
		close(h.quit)
		_ = h.stdin.Close()
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		go func() { _ = h.cmd.Wait() }()
	})
}

// gsmtcBackend implements MediaBackend on top of the helper process, which
// owns the Windows session manager.
type gsmtcBackend struct {
	mu       sync.Mutex
	helper   *lineHelper
	command  func() *exec.Cmd
	timeout  time.Duration
	thumbDir string
	logger   zerolog.Logger
}

func newGSMTCBackend(command func() *exec.Cmd, logger zerolog.Logger) *gsmtcBackend {
	return &gsmtcBackend{
		command:  command,
		timeout:  gsmtcRequestTimeout,
		thumbDir: os.TempDir(),
		logger:   logger.With().Str("component", "gsmtc").Logger(),
	}
}

// call sends one request, starting the helper if needed. Any protocol
// failure kills the helper so the next call starts a fresh session manager.
func (b *gsmtcBackend) call(ctx context.Context, req helperRequest) (helperReply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.helper == nil {
		h, err := startLineHelper(b.command())
		if err != nil {
			return helperReply{}, fmt.Errorf("%w: start helper: %v", ErrBackendUnavailable, err)
		}
		b.logger.Debug().Msg("session manager helper started")
		b.helper = h
	}

	reply, err := b.helper.request(ctx, req, b.timeout)
	if err != nil {
		b.invalidate()
		return reply, fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, req.Op, err)
	}
	return reply, nil
}

func (b *gsmtcBackend) invalidate() {
	if b.helper != nil {
		b.helper.Close()
		b.helper = nil
	}
}

func (b *gsmtcBackend) ListSessions(ctx context.Context) ([]PlayerDescriptor, error) {
	reply, err := b.call(ctx, helperRequest{Op: "sessions"})
	if err != nil {
		return withAutomatic(nil), err
	}
	if !reply.OK {
		b.mu.Lock()
		b.invalidate()
		b.mu.Unlock()
		return withAutomatic(nil), fmt.Errorf("%w: sessions: %s", ErrBackendUnavailable, reply.Error)
	}
	players := make([]PlayerDescriptor, 0, len(reply.Sessions))
	for _, id := range reply.Sessions {
		players = append(players, PlayerDescriptor{Name: gsmtcDisplayName(id), ID: id})
	}
	return withAutomatic(players), nil
}

func (b *gsmtcBackend) Snapshot(ctx context.Context, selectedID string) (*RawSnapshot, error) {
	reply, err := b.call(ctx, helperRequest{Op: "snapshot", ID: selectedID})
	if err != nil {
		return nil, err
	}
	if !reply.OK {
		b.mu.Lock()
		b.invalidate()
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: snapshot: %s", ErrBackendUnavailable, reply.Error)
	}
	if reply.Session == nil {
		return nil, nil
	}
	return b.rawFromSession(reply.Session), nil
}

func (b *gsmtcBackend) rawFromSession(s *helperSession) *RawSnapshot {
	raw := &RawSnapshot{
		State:           gsmtcState(s.Status),
		PlayerID:        s.ID,
		PlayerName:      gsmtcDisplayName(s.ID),
		Title:           s.Title,
		Artist:          s.Artist,
		Album:           s.Album,
		DurationSeconds: clampSeconds(s.DurationSeconds),
		PositionSeconds: clampSeconds(s.PositionSeconds),
		Volume:          -1,
		Rating:          -1,
		RepeatMode:      gsmtcRepeat(s.Repeat),
		Shuffle:         s.Shuffle,
	}
	if s.HasThumbnail {
		id := s.ID
		raw.Artwork = StreamArtwork{Open: func(ctx context.Context) (io.ReadCloser, error) {
			return b.openThumbnail(ctx, id)
		}}
	}
	return raw
}

// openThumbnail asks the helper to dump the session thumbnail into a temp
// file and returns a reader that removes the file on Close.
func (b *gsmtcBackend) openThumbnail(ctx context.Context, id string) (io.ReadCloser, error) {
	f, err := os.CreateTemp(b.thumbDir, "nowplaying-thumb-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtworkFetch, err)
	}
	path := f.Name()
	f.Close()

	reply, err := b.call(ctx, helperRequest{Op: "thumbnail", ID: id, Path: path, Limit: MaxArtworkBytes})
	if err == nil && !reply.OK {
		err = errors.New(reply.Error)
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: thumbnail: %v", ErrArtworkFetch, err)
	}

	f, err = os.Open(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: %v", ErrArtworkFetch, err)
	}
	return &tempFileReader{File: f}, nil
}

func (b *gsmtcBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidate()
	return nil
}

type tempFileReader struct {
	*os.File
}

func (r *tempFileReader) Close() error {
	err := r.File.Close()
	os.Remove(r.File.Name())
	return err
}
