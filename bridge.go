package main

import "sync/atomic"

const bridgeCapacity = 5

// Bridge hands engine state to the presentation layer without shared
// mutable memory. Publishing never blocks the poll loop.
type Bridge struct {
	snapshots chan MediaSnapshot
	players   chan []PlayerDescriptor

	Selection *SelectionCell
}

func NewBridge() *Bridge {
	return &Bridge{
		snapshots: make(chan MediaSnapshot, bridgeCapacity),
		players:   make(chan []PlayerDescriptor, bridgeCapacity),
		Selection: &SelectionCell{},
	}
}

// PublishSnapshot enqueues s, discarding the oldest queued snapshot if full.
func (b *Bridge) PublishSnapshot(s MediaSnapshot) {
	publishLatest(b.snapshots, s)
}

// PublishPlayers enqueues a copy of players, discarding the oldest list if full.
func (b *Bridge) PublishPlayers(players []PlayerDescriptor) {
	publishLatest(b.players, append([]PlayerDescriptor(nil), players...))
}

func (b *Bridge) Snapshots() <-chan MediaSnapshot {
	return b.snapshots
}

func (b *Bridge) Players() <-chan []PlayerDescriptor {
	return b.players
}

// DrainSnapshot empties the snapshot queue and returns the newest entry.
func (b *Bridge) DrainSnapshot() (MediaSnapshot, bool) {
	return drainLatest(b.snapshots)
}

// DrainPlayers empties the player queue and returns the newest entry.
func (b *Bridge) DrainPlayers() ([]PlayerDescriptor, bool) {
	return drainLatest(b.players)
}

func publishLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		// Full: make room by dropping the oldest value.
		select {
		case <-ch:
		default:
		}
	}
}

func drainLatest[T any](ch <-chan T) (T, bool) {
	var last T
	ok := false
	for {
		select {
		case v := <-ch:
			last, ok = v, true
		default:
			return last, ok
		}
	}
}

// SelectionCell holds the selected player id; "" means automatic.
// Last write wins.
type SelectionCell struct {
	v atomic.Value
}

func (c *SelectionCell) Load() string {
	id, _ := c.v.Load().(string)
	return id
}

func (c *SelectionCell) Store(id string) {
	c.v.Store(id)
}
