package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/groupcast/groupcast/pkg/protocol"
)

// commandLeadTime is the base scheduling horizon for broadcast commands;
// the handler pads it with the slowest member's measured ping.
const commandLeadTime = 1000 * time.Millisecond

// Group is one coordination group's authoritative playback state.
type Group struct {
	ID        string
	Name      string
	CreatedAt time.Time

	State protocol.GroupState

	// Play queue
	Playlist         []protocol.QueueItem
	PlayingItemIndex int
	ShuffleMode      protocol.ShuffleMode
	RepeatMode       protocol.RepeatMode
	LastUpdate       time.Time

	// Playback position: PositionTicks is exact as of PositionAt; while
	// Playing the real position keeps moving.
	PositionTicks int64
	PositionAt    time.Time
}

// GroupStore is a thread-safe in-memory store for groups.
type GroupStore struct {
	mu     sync.Mutex
	groups map[string]*Group
}

// NewGroupStore creates an empty store.
func NewGroupStore() *GroupStore {
	return &GroupStore{groups: make(map[string]*Group)}
}

// JoinOrCreate returns the group, creating an idle one on first join.
func (s *GroupStore) JoinOrCreate(groupID string, now time.Time) *Group {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, exists := s.groups[groupID]
	if !exists {
		g = &Group{
			ID:               groupID,
			Name:             groupID,
			CreatedAt:        now,
			State:            protocol.GroupIdle,
			PlayingItemIndex: -1,
			ShuffleMode:      protocol.ShuffleSorted,
			RepeatMode:       protocol.RepeatNone,
		}
		s.groups[groupID] = g
	}
	return g
}

// Get returns a group, or nil.
func (s *GroupStore) Get(groupID string) *Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[groupID]
}

// Remove deletes a group, e.g. after its last member left.
func (s *GroupStore) Remove(groupID string) {
	s.mu.Lock()
	delete(s.groups, groupID)
	s.mu.Unlock()
}

// Mutate runs fn with the store lock held, keeping multi-field group edits
// atomic with respect to other connections.
func (s *GroupStore) Mutate(groupID string, fn func(g *Group)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, exists := s.groups[groupID]
	if !exists {
		return false
	}
	fn(g)
	return true
}

// positionNow returns the group position projected to now.
func (g *Group) positionNow(now time.Time) int64 {
	if g.State != protocol.GroupPlaying || g.PositionAt.IsZero() {
		return g.PositionTicks
	}
	return g.PositionTicks + protocol.TicksFromDuration(now.Sub(g.PositionAt))
}

// snapshot builds the broadcastable play-queue state.
func (g *Group) snapshot(reason protocol.QueueUpdateReason, now time.Time) protocol.PlayQueueUpdate {
	return protocol.PlayQueueUpdate{
		Playlist:           append([]protocol.QueueItem(nil), g.Playlist...),
		PlayingItemIndex:   g.PlayingItemIndex,
		StartPositionTicks: g.positionNow(now),
		IsPlaying:          g.State == protocol.GroupPlaying,
		ShuffleMode:        g.ShuffleMode,
		RepeatMode:         g.RepeatMode,
		LastUpdate:         now,
		Reason:             reason,
	}
}

// currentPlaylistItemID returns the playlist slot currently selected.
func (g *Group) currentPlaylistItemID() string {
	if g.PlayingItemIndex < 0 || g.PlayingItemIndex >= len(g.Playlist) {
		return ""
	}
	return g.Playlist[g.PlayingItemIndex].PlaylistItemID
}

// newPlaylist replaces the queue with fresh server-assigned slot ids.
func (g *Group) newPlaylist(itemIDs []string, index int, startTicks int64, now time.Time) {
	playlist := make([]protocol.QueueItem, 0, len(itemIDs))
	for _, id := range itemIDs {
		playlist = append(playlist, protocol.QueueItem{
			ItemID:         id,
			PlaylistItemID: uuid.NewString(),
		})
	}
	if index < 0 || index >= len(playlist) {
		index = 0
	}
	if len(playlist) == 0 {
		index = -1
	}
	g.Playlist = playlist
	g.PlayingItemIndex = index
	g.PositionTicks = startTicks
	g.PositionAt = now
	g.State = protocol.GroupWaiting
	g.LastUpdate = now
}

// selectItem moves the playing index to the given slot; unknown slots leave
// the selection untouched.
func (g *Group) selectItem(playlistItemID string) {
	for i, item := range g.Playlist {
		if item.PlaylistItemID == playlistItemID {
			g.PlayingItemIndex = i
			return
		}
	}
}

// removeItems drops slots by id, keeping the selection on the same item
// when it survives and clamping otherwise.
func (g *Group) removeItems(playlistItemIDs []string) {
	doomed := make(map[string]bool, len(playlistItemIDs))
	for _, id := range playlistItemIDs {
		doomed[id] = true
	}

	currentID := g.currentPlaylistItemID()
	kept := make([]protocol.QueueItem, 0, len(g.Playlist))
	newIndex := -1
	for _, item := range g.Playlist {
		if doomed[item.PlaylistItemID] {
			continue
		}
		if item.PlaylistItemID == currentID {
			newIndex = len(kept)
		}
		kept = append(kept, item)
	}
	g.Playlist = kept

	if newIndex >= 0 {
		g.PlayingItemIndex = newIndex
	} else if len(kept) == 0 {
		g.PlayingItemIndex = -1
	} else if g.PlayingItemIndex >= len(kept) {
		g.PlayingItemIndex = len(kept) - 1
	}
}

// moveItem reorders one slot, keeping the selection on the same item.
func (g *Group) moveItem(playlistItemID string, newIndex int) {
	from := -1
	for i, item := range g.Playlist {
		if item.PlaylistItemID == playlistItemID {
			from = i
			break
		}
	}
	if from < 0 || newIndex < 0 || newIndex >= len(g.Playlist) {
		return
	}

	currentID := g.currentPlaylistItemID()
	item := g.Playlist[from]
	rest := append(append([]protocol.QueueItem(nil), g.Playlist[:from]...), g.Playlist[from+1:]...)
	g.Playlist = append(append(append([]protocol.QueueItem(nil), rest[:newIndex]...), item), rest[newIndex:]...)

	for i, it := range g.Playlist {
		if it.PlaylistItemID == currentID {
			g.PlayingItemIndex = i
			break
		}
	}
}

// queueItems appends media: at the end by default, right after the current
// item in next mode.
func (g *Group) queueItems(itemIDs []string, mode protocol.QueueMode) {
	fresh := make([]protocol.QueueItem, 0, len(itemIDs))
	for _, id := range itemIDs {
		fresh = append(fresh, protocol.QueueItem{ItemID: id, PlaylistItemID: uuid.NewString()})
	}

	if mode == protocol.QueueModeNext && g.PlayingItemIndex >= 0 {
		at := g.PlayingItemIndex + 1
		g.Playlist = append(append(append([]protocol.QueueItem(nil), g.Playlist[:at]...), fresh...), g.Playlist[at:]...)
	} else {
		g.Playlist = append(g.Playlist, fresh...)
	}
	if g.PlayingItemIndex < 0 && len(g.Playlist) > 0 {
		g.PlayingItemIndex = 0
	}
}

// step moves the selection by delta, wrapping only in repeat-all mode.
func (g *Group) step(delta int) {
	if len(g.Playlist) == 0 {
		return
	}
	next := g.PlayingItemIndex + delta
	if g.RepeatMode == protocol.RepeatAll {
		next = (next + len(g.Playlist)) % len(g.Playlist)
	} else if next < 0 || next >= len(g.Playlist) {
		return
	}
	g.PlayingItemIndex = next
}

// command builds a playback command for the group's current item,
// scheduled lead into the future.
func (g *Group) command(kind protocol.CommandKind, positionTicks int64, now time.Time, lead time.Duration) protocol.PlaybackCommand {
	ticks := positionTicks
	return protocol.PlaybackCommand{
		Command:        kind,
		When:           now.Add(lead),
		EmittedAt:      now,
		PositionTicks:  &ticks,
		PlaylistItemID: g.currentPlaylistItemID(),
	}
}
