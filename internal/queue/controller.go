package queue

import (
	"log/slog"
	"sync"

	"github.com/groupcast/groupcast/pkg/protocol"
)

// Requester is the slice of the server RPC surface the controller uses for
// intercepted queue actions.
type Requester interface {
	Play(req protocol.PlayRequest) error
	SetPlaylistItem(req protocol.SetPlaylistItemRequest) error
	RemoveFromPlaylist(req protocol.RemoveFromPlaylistRequest) error
	MovePlaylistItem(req protocol.MovePlaylistItemRequest) error
	Queue(req protocol.QueueRequest) error
	NextTrack(req protocol.TrackRequest) error
	PreviousTrack(req protocol.TrackRequest) error
	SetRepeatMode(req protocol.SetRepeatModeRequest) error
	SetShuffleMode(req protocol.SetShuffleModeRequest) error
}

// LocalPlayback is the application's own queue implementation, used
// directly whenever no group is joined.
type LocalPlayback interface {
	Play(itemIDs []string, index int, startTicks int64) error
	SetCurrentItem(playlistItemID string) error
	RemoveItems(playlistItemIDs []string) error
	MoveItem(playlistItemID string, newIndex int) error
	Queue(itemIDs []string) error
	QueueNext(itemIDs []string) error
	NextTrack() error
	PreviousTrack() error
	SetRepeatMode(mode protocol.RepeatMode) error
	SetShuffleMode(mode protocol.ShuffleMode) error
	ShuffleMode() protocol.ShuffleMode
}

// Controller is the interception layer the application calls for every
// queue action. While a group is joined, actions become server requests and
// the local effect waits for the authoritative broadcast; otherwise they
// delegate straight to the local implementation.
type Controller struct {
	log       *slog.Logger
	requester Requester
	local     LocalPlayback
	mirror    *Mirror

	mu      sync.Mutex
	grouped bool
}

// NewController creates the interception layer.
func NewController(requester Requester, local LocalPlayback, mirror *Mirror, log *slog.Logger) *Controller {
	return &Controller{
		log:       log,
		requester: requester,
		local:     local,
		mirror:    mirror,
	}
}

// SetGrouped flips interception on or off.
func (c *Controller) SetGrouped(grouped bool) {
	c.mu.Lock()
	c.grouped = grouped
	c.mu.Unlock()
}

// Grouped reports whether actions are currently intercepted.
func (c *Controller) Grouped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grouped
}

func (c *Controller) Play(itemIDs []string, index int, startTicks int64) error {
	if !c.Grouped() {
		return c.local.Play(itemIDs, index, startTicks)
	}
	return c.requester.Play(protocol.PlayRequest{
		PlayingQueue:        itemIDs,
		PlayingItemPosition: index,
		StartPositionTicks:  startTicks,
	})
}

func (c *Controller) SetCurrentItem(playlistItemID string) error {
	if !c.Grouped() {
		return c.local.SetCurrentItem(playlistItemID)
	}
	return c.requester.SetPlaylistItem(protocol.SetPlaylistItemRequest{PlaylistItemID: playlistItemID})
}

func (c *Controller) RemoveItems(playlistItemIDs []string) error {
	if !c.Grouped() {
		return c.local.RemoveItems(playlistItemIDs)
	}
	return c.requester.RemoveFromPlaylist(protocol.RemoveFromPlaylistRequest{PlaylistItemIDs: playlistItemIDs})
}

func (c *Controller) MoveItem(playlistItemID string, newIndex int) error {
	if !c.Grouped() {
		return c.local.MoveItem(playlistItemID, newIndex)
	}
	return c.requester.MovePlaylistItem(protocol.MovePlaylistItemRequest{
		PlaylistItemID: playlistItemID,
		NewIndex:       newIndex,
	})
}

func (c *Controller) Queue(itemIDs []string) error {
	if !c.Grouped() {
		return c.local.Queue(itemIDs)
	}
	return c.requester.Queue(protocol.QueueRequest{ItemIDs: itemIDs, Mode: protocol.QueueModeDefault})
}

func (c *Controller) QueueNext(itemIDs []string) error {
	if !c.Grouped() {
		return c.local.QueueNext(itemIDs)
	}
	return c.requester.Queue(protocol.QueueRequest{ItemIDs: itemIDs, Mode: protocol.QueueModeNext})
}

func (c *Controller) NextTrack() error {
	if !c.Grouped() {
		return c.local.NextTrack()
	}
	return c.requester.NextTrack(protocol.TrackRequest{PlaylistItemID: c.mirror.CurrentPlaylistItemID()})
}

func (c *Controller) PreviousTrack() error {
	if !c.Grouped() {
		return c.local.PreviousTrack()
	}
	return c.requester.PreviousTrack(protocol.TrackRequest{PlaylistItemID: c.mirror.CurrentPlaylistItemID()})
}

func (c *Controller) SetRepeatMode(mode protocol.RepeatMode) error {
	if !c.Grouped() {
		return c.local.SetRepeatMode(mode)
	}
	return c.requester.SetRepeatMode(protocol.SetRepeatModeRequest{Mode: mode})
}

func (c *Controller) SetShuffleMode(mode protocol.ShuffleMode) error {
	if !c.Grouped() {
		return c.local.SetShuffleMode(mode)
	}
	return c.requester.SetShuffleMode(protocol.SetShuffleModeRequest{Mode: mode})
}

// ToggleShuffleMode flips between sorted and shuffled order, reading the
// current mode from the mirror while grouped and from the local queue
// otherwise.
func (c *Controller) ToggleShuffleMode() error {
	current := c.local.ShuffleMode()
	if c.Grouped() {
		current = c.mirror.Snapshot().ShuffleMode
	}
	mode := protocol.ShuffleShuffle
	if current == protocol.ShuffleShuffle {
		mode = protocol.ShuffleSorted
	}
	return c.SetShuffleMode(mode)
}
