package protocol

import (
	"time"

	json "github.com/goccy/go-json"
)

// Client → server message types.
const (
	TypeJoinGroup          = "join-group"
	TypeLeaveGroup         = "leave-group"
	TypeGetServerTime      = "get-server-time"
	TypePing               = "ping"
	TypePlay               = "play"
	TypePause              = "pause"
	TypeUnpause            = "unpause"
	TypeSeek               = "seek"
	TypeStop               = "stop"
	TypeBuffering          = "buffering"
	TypeSetPlaylistItem    = "set-playlist-item"
	TypeRemoveFromPlaylist = "remove-from-playlist"
	TypeMovePlaylistItem   = "move-playlist-item"
	TypeQueue              = "queue"
	TypeNextTrack          = "next-track"
	TypePreviousTrack      = "previous-track"
	TypeSetRepeatMode      = "set-repeat-mode"
	TypeSetShuffleMode     = "set-shuffle-mode"
	TypeSetIgnoreWait      = "set-ignore-wait"
	TypeWebRTC             = "webrtc"
)

// Server → client message types.
const (
	TypeServerTime          = "server-time"
	TypeGroupJoined         = "group-joined"
	TypeGroupLeft           = "group-left"
	TypeNotInGroup          = "not-in-group"
	TypeGroupUpdate         = "group-update"
	TypeStateUpdate         = "state-update"
	TypeUserJoined          = "user-joined"
	TypeUserLeft            = "user-left"
	TypePlayQueue           = "play-queue"
	TypePlaybackCommand     = "playback-command"
	TypeGroupDoesNotExist   = "group-does-not-exist"
	TypeCreateGroupDenied   = "create-group-denied"
	TypeJoinGroupDenied     = "join-group-denied"
	TypeLibraryAccessDenied = "library-access-denied"
	TypeSyncDisabled        = "sync-disabled"
	TypeError               = "error"
)

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JoinGroupRequest asks the server to add this client to a group,
// creating the group if it does not exist yet.
type JoinGroupRequest struct {
	GroupID  string `json:"group_id"`
	ClientID string `json:"client_id"`
	Name     string `json:"name,omitempty"`
}

// GetServerTimeRequest samples the server clock. RequestSent is echoed back
// so the client can correlate the response without trusting its own pending
// state.
type GetServerTimeRequest struct {
	RequestSent time.Time `json:"request_sent"`
}

// ServerTimeResponse carries the two server-side instants of a clock sample.
type ServerTimeResponse struct {
	RequestSent              time.Time `json:"request_sent"`
	RequestReceptionTime     time.Time `json:"request_reception_time"`
	ResponseTransmissionTime time.Time `json:"response_transmission_time"`
}

// PingReport tells the server this client's current measured round-trip.
type PingReport struct {
	Ping int64 `json:"ping_ms"`
}

// PlayRequest asks the server to start group playback of a queue.
type PlayRequest struct {
	PlayingQueue        []string `json:"playing_queue"`
	PlayingItemPosition int      `json:"playing_item_position"`
	StartPositionTicks  int64    `json:"start_position_ticks"`
}

// SeekRequest asks the server to seek the group.
type SeekRequest struct {
	PositionTicks int64 `json:"position_ticks"`
}

// BufferingReport tells the server whether this client is ready.
type BufferingReport struct {
	When           time.Time `json:"when"`
	PositionTicks  int64     `json:"position_ticks"`
	IsPlaying      bool      `json:"is_playing"`
	PlaylistItemID string    `json:"playlist_item_id"`
	BufferingDone  bool      `json:"buffering_done"`
}

// SetPlaylistItemRequest selects the group's current playlist item.
type SetPlaylistItemRequest struct {
	PlaylistItemID string `json:"playlist_item_id"`
}

// RemoveFromPlaylistRequest removes items from the group playlist.
type RemoveFromPlaylistRequest struct {
	PlaylistItemIDs []string `json:"playlist_item_ids"`
}

// MovePlaylistItemRequest reorders one playlist item.
type MovePlaylistItemRequest struct {
	PlaylistItemID string `json:"playlist_item_id"`
	NewIndex       int    `json:"new_index"`
}

// QueueMode selects where queued items are inserted.
type QueueMode string

const (
	QueueModeDefault QueueMode = "default"
	QueueModeNext    QueueMode = "next"
)

// QueueRequest appends items to the group playlist.
type QueueRequest struct {
	ItemIDs []string  `json:"item_ids"`
	Mode    QueueMode `json:"mode"`
}

// TrackRequest targets next/previous track relative to a playlist item.
type TrackRequest struct {
	PlaylistItemID string `json:"playlist_item_id"`
}

// SetRepeatModeRequest sets the group repeat mode.
type SetRepeatModeRequest struct {
	Mode RepeatMode `json:"mode"`
}

// SetShuffleModeRequest sets the group shuffle mode.
type SetShuffleModeRequest struct {
	Mode ShuffleMode `json:"mode"`
}

// SetIgnoreWaitRequest opts this client out of the group ready barrier.
type SetIgnoreWaitRequest struct {
	IgnoreWait bool `json:"ignore_wait"`
}

// GroupInfo describes a group. The coordinator treats everything beyond the
// identifying fields as opaque.
type GroupInfo struct {
	GroupID      string          `json:"group_id"`
	GroupName    string          `json:"group_name,omitempty"`
	State        GroupState      `json:"state,omitempty"`
	Participants []string        `json:"participants,omitempty"`
	LastUpdated  time.Time       `json:"last_updated,omitempty"`
	Extra        json.RawMessage `json:"extra,omitempty"`
}

// GroupJoined is sent to a client that entered a group.
type GroupJoined struct {
	Group     GroupInfo `json:"group"`
	EnabledAt time.Time `json:"enabled_at"`
}

// UserJoined announces a new group member.
type UserJoined struct {
	UserName string `json:"user_name"`
	ClientID string `json:"client_id"`
}

// UserLeft announces a departed group member.
type UserLeft struct {
	UserName string `json:"user_name"`
	ClientID string `json:"client_id"`
}

// StateUpdate reports a coarse group state transition.
type StateUpdate struct {
	State  GroupState `json:"state"`
	Reason string     `json:"reason"`
}

// QueueItem is one entry of the group play queue. PlaylistItemID is the
// server-assigned identity of this queue slot; ItemID names the media.
type QueueItem struct {
	ItemID         string `json:"item_id"`
	PlaylistItemID string `json:"playlist_item_id"`
}

// PlayQueueUpdate is the server's authoritative play-queue snapshot.
type PlayQueueUpdate struct {
	Playlist           []QueueItem       `json:"playlist"`
	PlayingItemIndex   int               `json:"playing_item_index"`
	StartPositionTicks int64             `json:"start_position_ticks"`
	IsPlaying          bool              `json:"is_playing"`
	ShuffleMode        ShuffleMode       `json:"shuffle_mode"`
	RepeatMode         RepeatMode        `json:"repeat_mode"`
	LastUpdate         time.Time         `json:"last_update"`
	Reason             QueueUpdateReason `json:"reason"`
}

// CurrentPlaylistItemID returns the playlist item id at the playing index,
// or "" when nothing is selected.
func (u PlayQueueUpdate) CurrentPlaylistItemID() string {
	if u.PlayingItemIndex < 0 || u.PlayingItemIndex >= len(u.Playlist) {
		return ""
	}
	return u.Playlist[u.PlayingItemIndex].PlaylistItemID
}

// PlaybackCommand is a server directive to play/pause/seek/stop at a
// scheduled server instant.
type PlaybackCommand struct {
	Command        CommandKind `json:"command"`
	When           time.Time   `json:"when"`
	EmittedAt      time.Time   `json:"emitted_at"`
	PositionTicks  *int64      `json:"position_ticks,omitempty"`
	PlaylistItemID string      `json:"playlist_item_id"`
}

// Ticks returns the command position, or 0 when absent.
func (c PlaybackCommand) Ticks() int64 {
	if c.PositionTicks == nil {
		return 0
	}
	return *c.PositionTicks
}

// Equal reports whether two commands are field-for-field identical, which
// marks the second one as a duplicate reassertion.
func (c PlaybackCommand) Equal(o PlaybackCommand) bool {
	if c.Command != o.Command || c.PlaylistItemID != o.PlaylistItemID {
		return false
	}
	if !c.When.Equal(o.When) {
		return false
	}
	if (c.PositionTicks == nil) != (o.PositionTicks == nil) {
		return false
	}
	if c.PositionTicks != nil && *c.PositionTicks != *o.PositionTicks {
		return false
	}
	return true
}

// WebRTCSignal relays peer connection control artifacts through the server.
// Exactly one of NewSession, SessionLeaving, Offer, Answer or ICECandidate
// is meaningful per message; the artifacts themselves are opaque SDP/ICE
// blobs.
type WebRTCSignal struct {
	From           string          `json:"from,omitempty"`
	To             string          `json:"to,omitempty"`
	NewSession     bool            `json:"new_session,omitempty"`
	SessionLeaving bool            `json:"session_leaving,omitempty"`
	Offer          json.RawMessage `json:"offer,omitempty"`
	Answer         json.RawMessage `json:"answer,omitempty"`
	ICECandidate   json.RawMessage `json:"ice_candidate,omitempty"`
}
