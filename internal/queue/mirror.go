package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/groupcast/groupcast/pkg/protocol"
)

// ErrStaleUpdate rejects a play-queue snapshot no newer than the stored one.
var ErrStaleUpdate = errors.New("trying to apply old update")

// MediaItem is resolved media metadata. The coordinator only needs identity
// and a display name; everything else stays with the application.
type MediaItem struct {
	ID           string
	Name         string
	RuntimeTicks int64
}

// Item is one slot of the mirrored play queue: server-assigned slot identity
// plus the resolved media.
type Item struct {
	PlaylistItemID string
	Media          MediaItem
}

// View is the locally mirrored queue state.
type View struct {
	Items              []Item
	CurrentIndex       int
	StartPositionTicks int64
	IsPlaying          bool
	ShuffleMode        protocol.ShuffleMode
	RepeatMode         protocol.RepeatMode
	LastUpdate         time.Time
	Reason             protocol.QueueUpdateReason
}

// CurrentPlaylistItemID returns the slot id at the current index, or "".
func (v View) CurrentPlaylistItemID() string {
	if v.CurrentIndex < 0 || v.CurrentIndex >= len(v.Items) {
		return ""
	}
	return v.Items[v.CurrentIndex].PlaylistItemID
}

// ItemResolver looks media items up by id; the application's library layer
// implements it.
type ItemResolver interface {
	ResolveItems(ids []string) ([]MediaItem, error)
}

// LocalPlaylist is the application playlist surface the mirror drives when
// server updates arrive.
type LocalPlaylist interface {
	// SetItems replaces the visible playlist.
	SetItems(items []Item, currentIndex int)
	// SetCurrentItem moves the visible selection to a slot id.
	SetCurrentItem(playlistItemID string)
	// CurrentPlaylistItemID reports the slot the player is actually on.
	CurrentPlaylistItemID() string
	// Refresh nudges the playlist view after reordering edits.
	Refresh()
	SetRepeatMode(mode protocol.RepeatMode)
	SetShuffleMode(mode protocol.ShuffleMode)
	// StartPlayback begins local playback of items at index, positioned at
	// startTicks. It returns once the media has started.
	StartPlayback(items []Item, index int, startTicks int64) error
}

// Follower covers the group-membership calls the mirror issues: declaring
// this client part of the ready barrier and reporting readiness.
type Follower interface {
	Follow() error
	ReportBuffering(report protocol.BufferingReport) error
}

// Converter translates instants between the local and the server clock.
type Converter interface {
	LocalToRemote(t time.Time) time.Time
	RemoteToLocal(t time.Time) time.Time
}

// Mirror keeps the local playlist in lockstep with the server's play queue.
// The server is the single source of truth; user edits never touch the
// mirror directly.
type Mirror struct {
	log       *slog.Logger
	resolver  ItemResolver
	local     LocalPlaylist
	follower  Follower
	converter Converter
	clock     func() time.Time

	mu        sync.Mutex
	view      View
	following bool
}

// Option mutates a Mirror at construction.
type Option func(*Mirror)

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Mirror) { m.clock = clock }
}

// NewMirror creates a queue mirror.
func NewMirror(resolver ItemResolver, local LocalPlaylist, follower Follower, converter Converter, log *slog.Logger, opts ...Option) *Mirror {
	m := &Mirror{
		log:       log,
		resolver:  resolver,
		local:     local,
		follower:  follower,
		converter: converter,
		clock:     time.Now,
	}
	m.view.CurrentIndex = -1
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reset clears the mirrored state, e.g. when leaving a group.
func (m *Mirror) Reset() {
	m.mu.Lock()
	m.view = View{CurrentIndex: -1}
	m.following = false
	m.mu.Unlock()
}

// Snapshot returns a copy of the mirrored view.
func (m *Mirror) Snapshot() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.view
	v.Items = append([]Item(nil), m.view.Items...)
	return v
}

// CurrentPlaylistItemID returns the mirrored current slot id.
func (m *Mirror) CurrentPlaylistItemID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view.CurrentPlaylistItemID()
}

// Following reports whether this client joined the ready barrier.
func (m *Mirror) Following() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.following
}

// ApplyUpdate folds one authoritative play-queue snapshot into local state.
// Snapshots not newer than the stored one are rejected.
func (m *Mirror) ApplyUpdate(upd protocol.PlayQueueUpdate) error {
	m.mu.Lock()
	if !m.view.LastUpdate.IsZero() && !upd.LastUpdate.After(m.view.LastUpdate) {
		m.mu.Unlock()
		m.log.Warn("stale queue update rejected", "incoming", upd.LastUpdate, "stored", m.view.LastUpdate)
		return ErrStaleUpdate
	}
	m.mu.Unlock()

	items, err := m.resolveItems(upd.Playlist)
	if err != nil {
		return fmt.Errorf("resolve queue items: %w", err)
	}

	index := upd.PlayingItemIndex
	if index < -1 || index >= len(items) {
		index = -1
	}

	m.mu.Lock()
	m.view = View{
		Items:              items,
		CurrentIndex:       index,
		StartPositionTicks: upd.StartPositionTicks,
		IsPlaying:          upd.IsPlaying,
		ShuffleMode:        upd.ShuffleMode,
		RepeatMode:         upd.RepeatMode,
		LastUpdate:         upd.LastUpdate,
		Reason:             upd.Reason,
	}
	currentID := m.view.CurrentPlaylistItemID()
	following := m.following
	m.mu.Unlock()

	m.local.SetItems(items, index)

	switch upd.Reason {
	case protocol.ReasonNewPlaylist:
		if !following {
			if err := m.follower.Follow(); err != nil {
				m.log.Error("follow group", "err", err)
			}
			m.mu.Lock()
			m.following = true
			m.mu.Unlock()
		}
		return m.startPlayback(items, index, upd)
	case protocol.ReasonSetCurrentItem, protocol.ReasonNextTrack, protocol.ReasonPreviousTrack:
		m.local.SetCurrentItem(currentID)
	case protocol.ReasonRemoveItems:
		m.local.Refresh()
		if got := m.local.CurrentPlaylistItemID(); got != currentID {
			m.local.SetCurrentItem(currentID)
		}
	case protocol.ReasonMoveItem, protocol.ReasonQueue, protocol.ReasonQueueNext:
		m.local.Refresh()
	case protocol.ReasonRepeatMode:
		m.local.SetRepeatMode(upd.RepeatMode)
	case protocol.ReasonShuffleMode:
		m.local.SetShuffleMode(upd.ShuffleMode)
	default:
		m.log.Warn("unknown queue update reason", "reason", upd.Reason)
	}
	return nil
}

// startPlayback begins local playback where the group is estimated to be
// now, then reports this client ready and paused.
func (m *Mirror) startPlayback(items []Item, index int, upd protocol.PlayQueueUpdate) error {
	ticks := m.estimateCurrentTicks(upd.StartPositionTicks, upd.LastUpdate, upd.IsPlaying)
	if err := m.local.StartPlayback(items, index, ticks); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}

	report := protocol.BufferingReport{
		When:           m.converter.LocalToRemote(m.clock()),
		PositionTicks:  ticks,
		IsPlaying:      false,
		PlaylistItemID: upd.CurrentPlaylistItemID(),
		BufferingDone:  true,
	}
	if err := m.follower.ReportBuffering(report); err != nil {
		m.log.Error("report playback ready", "err", err)
	}
	return nil
}

// estimateCurrentTicks projects where the group position is now from the
// snapshot's start position and timestamp.
func (m *Mirror) estimateCurrentTicks(startTicks int64, lastUpdate time.Time, playing bool) int64 {
	if !playing {
		return startTicks
	}
	serverNow := m.converter.LocalToRemote(m.clock())
	elapsed := serverNow.Sub(lastUpdate)
	if elapsed < 0 {
		return startTicks
	}
	return startTicks + protocol.TicksFromDuration(elapsed)
}

func (m *Mirror) resolveItems(playlist []protocol.QueueItem) ([]Item, error) {
	if len(playlist) == 0 {
		return nil, nil
	}
	ids := make([]string, len(playlist))
	for i, it := range playlist {
		ids[i] = it.ItemID
	}
	media, err := m.resolver.ResolveItems(ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]MediaItem, len(media))
	for _, item := range media {
		byID[item.ID] = item
	}

	items := make([]Item, 0, len(playlist))
	for _, slot := range playlist {
		resolved, ok := byID[slot.ItemID]
		if !ok {
			m.log.Warn("queue item not resolvable, keeping placeholder", "item", slot.ItemID)
			resolved = MediaItem{ID: slot.ItemID}
		}
		items = append(items, Item{PlaylistItemID: slot.PlaylistItemID, Media: resolved})
	}
	return items, nil
}
