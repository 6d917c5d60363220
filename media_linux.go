//go:build linux
// +build linux

package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// mprisBackend implements MediaBackend over the D-Bus session bus.
type mprisBackend struct {
	mu     sync.Mutex
	conn   *dbus.Conn
	dial   func() (*dbus.Conn, error)
	logger zerolog.Logger
}

// newPlatformBackend creates the media backend for the current platform
func newPlatformBackend(logger zerolog.Logger) (MediaBackend, error) {
	return &mprisBackend{
		dial:   func() (*dbus.Conn, error) { return dbus.ConnectSessionBus() },
		logger: logger.With().Str("component", "mpris").Logger(),
	}, nil
}

// bus returns the shared connection, dialing a new one after invalidate.
func (b *mprisBackend) bus() (*dbus.Conn, error) {
	if b.conn != nil && b.conn.Connected() {
		return b.conn, nil
	}
	conn, err := b.dial()
	if err != nil {
		return nil, fmt.Errorf("%w: connect session bus: %v", ErrBackendUnavailable, err)
	}
	b.logger.Debug().Msg("session bus connected")
	b.conn = conn
	return conn, nil
}

// invalidate drops the connection so the next call dials again.
func (b *mprisBackend) invalidate() {
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

func (b *mprisBackend) playerNames(ctx context.Context, conn *dbus.Conn) ([]string, error) {
	var names []string
	if err := conn.BusObject().CallWithContext(ctx, dbusListNames, 0).Store(&names); err != nil {
		return nil, fmt.Errorf("%w: list names: %v", ErrBackendUnavailable, err)
	}
	return filterMprisNames(names), nil
}

func (b *mprisBackend) readPlayer(ctx context.Context, conn *dbus.Conn, busName string) (mprisPlayer, error) {
	obj := conn.Object(busName, mprisPath)
	p := mprisPlayer{busName: busName}
	if err := obj.CallWithContext(ctx, dbusPropGetAll, 0, mprisPlayerIface).Store(&p.props); err != nil {
		return p, fmt.Errorf("%w: read %s: %v", ErrBackendUnavailable, busName, err)
	}
	var identity dbus.Variant
	if err := obj.CallWithContext(ctx, dbusPropGet, 0, mprisRootIface, "Identity").Store(&identity); err == nil {
		p.identity, _ = identity.Value().(string)
	}
	return p, nil
}

func (b *mprisBackend) ListSessions(ctx context.Context) ([]PlayerDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := b.bus()
	if err != nil {
		return withAutomatic(nil), err
	}
	names, err := b.playerNames(ctx, conn)
	if err != nil {
		b.invalidate()
		return withAutomatic(nil), err
	}

	players := make([]PlayerDescriptor, 0, len(names))
	for _, name := range names {
		desc := PlayerDescriptor{Name: mprisDisplayName(name), ID: name}
		var identity dbus.Variant
		if err := conn.Object(name, mprisPath).CallWithContext(ctx, dbusPropGet, 0, mprisRootIface, "Identity").Store(&identity); err == nil {
			if s, ok := identity.Value().(string); ok && s != "" {
				desc.Name = s
			}
		}
		players = append(players, desc)
	}
	return withAutomatic(players), nil
}

func (b *mprisBackend) Snapshot(ctx context.Context, selectedID string) (*RawSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := b.bus()
	if err != nil {
		return nil, err
	}
	names, err := b.playerNames(ctx, conn)
	if err != nil {
		b.invalidate()
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	// A selected player that is still on the bus is the only one we need.
	for _, name := range names {
		if name == selectedID {
			p, err := b.readPlayer(ctx, conn, name)
			if err != nil {
				b.invalidate()
				return nil, err
			}
			return parseMprisPlayer(p), nil
		}
	}

	players := make([]mprisPlayer, 0, len(names))
	var lastErr error
	for _, name := range names {
		p, err := b.readPlayer(ctx, conn, name)
		if err != nil {
			// players come and go between ListNames and GetAll
			b.logger.Debug().Err(err).Str("player", name).Msg("skipping player")
			lastErr = err
			continue
		}
		players = append(players, p)
	}
	if len(players) == 0 {
		b.invalidate()
		return nil, lastErr
	}
	return parseMprisPlayer(*pickMprisPlayer(players, "")), nil
}

func (b *mprisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidate()
	return nil
}
