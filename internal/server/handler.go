package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/groupcast/groupcast/pkg/protocol"
)

// Handler serves the /ws coordination endpoint: group membership, server
// time, playback command fan-out, queue state broadcast and opaque WebRTC
// signaling relay.
type Handler struct {
	log      *slog.Logger
	roster   *Roster
	store    *GroupStore
	clock    func() time.Time
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket handler.
func NewHandler(log *slog.Logger) *Handler {
	return &Handler{
		log:    log,
		roster: NewRoster(),
		store:  NewGroupStore(),
		clock:  time.Now,
	}
}

// conn tracks one websocket connection's session state.
type conn struct {
	ws       *websocket.Conn
	clientID string
	name     string

	writeMu sync.Mutex

	groupID string
}

func (c *conn) write(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &conn{
		ws:       ws,
		clientID: clientID,
		name:     r.URL.Query().Get("name"),
	}
	h.log.Info("client connected", "client", clientID)

	defer func() {
		h.leaveGroup(c, false)
		ws.Close()
		h.log.Info("client disconnected", "client", clientID)
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		receivedAt := h.clock()

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			h.log.Warn("invalid envelope", "client", clientID, "err", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			h.log.Warn("envelope rejected", "client", clientID, "err", err)
			continue
		}
		h.dispatch(c, env, receivedAt)
	}
}

func (h *Handler) dispatch(c *conn, env protocol.Envelope, receivedAt time.Time) {
	switch env.Type {
	case protocol.TypeJoinGroup:
		var req protocol.JoinGroupRequest
		if err := env.DecodePayload(&req); err != nil || req.GroupID == "" {
			h.log.Warn("malformed join request", "client", c.clientID, "err", err)
			return
		}
		h.joinGroup(c, req.GroupID)

	case protocol.TypeLeaveGroup:
		h.leaveGroup(c, true)

	case protocol.TypeGetServerTime:
		h.serveTime(c, env, receivedAt)

	case protocol.TypePing:
		var report protocol.PingReport
		if err := env.DecodePayload(&report); err == nil {
			h.roster.SetPing(c.groupID, c.clientID, report.Ping)
		}

	case protocol.TypePlay:
		h.handlePlay(c, env)

	case protocol.TypeUnpause:
		h.broadcastCommand(c, protocol.CommandUnpause, nil)

	case protocol.TypePause:
		h.broadcastCommand(c, protocol.CommandPause, nil)

	case protocol.TypeStop:
		h.broadcastCommand(c, protocol.CommandStop, nil)

	case protocol.TypeSeek:
		var req protocol.SeekRequest
		if err := env.DecodePayload(&req); err != nil {
			h.log.Warn("malformed seek", "client", c.clientID, "err", err)
			return
		}
		h.broadcastCommand(c, protocol.CommandSeek, &req.PositionTicks)

	case protocol.TypeBuffering:
		h.handleBuffering(c, env)

	case protocol.TypeSetIgnoreWait:
		var req protocol.SetIgnoreWaitRequest
		if err := env.DecodePayload(&req); err == nil {
			h.roster.SetIgnoreWait(c.groupID, c.clientID, req.IgnoreWait)
		}

	case protocol.TypeSetPlaylistItem, protocol.TypeRemoveFromPlaylist,
		protocol.TypeMovePlaylistItem, protocol.TypeQueue,
		protocol.TypeNextTrack, protocol.TypePreviousTrack,
		protocol.TypeSetRepeatMode, protocol.TypeSetShuffleMode:
		h.handleQueueEdit(c, env)

	case protocol.TypeWebRTC:
		h.relaySignal(c, env)

	default:
		h.log.Warn("unknown message type", "client", c.clientID, "type", env.Type)
	}
}

func (h *Handler) joinGroup(c *conn, groupID string) {
	h.leaveGroup(c, true)

	now := h.clock()
	g := h.store.JoinOrCreate(groupID, now)

	c.groupID = groupID
	h.roster.Join(groupID, c.clientID, c.name, now, c.write)

	h.send(c, protocol.TypeGroupJoined, protocol.GroupJoined{
		Group: protocol.GroupInfo{
			GroupID:      g.ID,
			GroupName:    g.Name,
			State:        g.State,
			Participants: h.roster.Participants(groupID),
			LastUpdated:  now,
		},
		EnabledAt: now,
	})

	h.broadcastExcept(groupID, c.clientID, protocol.TypeUserJoined, protocol.UserJoined{
		UserName: c.name,
		ClientID: c.clientID,
	})

	// Late joiners get the current queue so they can catch up.
	h.store.Mutate(groupID, func(g *Group) {
		if len(g.Playlist) == 0 {
			return
		}
		env, err := protocol.NewEnvelope(protocol.TypePlayQueue, g.snapshot(protocol.ReasonNewPlaylist, now))
		if err != nil {
			return
		}
		if err := c.write(env); err != nil {
			h.log.Debug("send queue to joiner", "err", err)
		}
	})
}

func (h *Handler) leaveGroup(c *conn, notify bool) {
	if c.groupID == "" {
		return
	}
	groupID := c.groupID
	c.groupID = ""

	h.roster.Leave(groupID, c.clientID)

	h.broadcastExcept(groupID, c.clientID, protocol.TypeUserLeft, protocol.UserLeft{
		UserName: c.name,
		ClientID: c.clientID,
	})
	// Tell the peers' meshes too, in case no explicit bye was sent.
	h.broadcastExcept(groupID, c.clientID, protocol.TypeWebRTC, protocol.WebRTCSignal{
		From:           c.clientID,
		SessionLeaving: true,
	})

	if notify {
		h.send(c, protocol.TypeGroupLeft, nil)
	}

	if h.roster.Empty(groupID) {
		h.store.Remove(groupID)
	}
}

// serveTime answers a clock sample with the reception and transmission
// instants, echoing the request's msg_id for correlation.
func (h *Handler) serveTime(c *conn, env protocol.Envelope, receivedAt time.Time) {
	var req protocol.GetServerTimeRequest
	if err := env.DecodePayload(&req); err != nil {
		h.log.Warn("malformed server time request", "client", c.clientID, "err", err)
		return
	}

	reply := protocol.Envelope{
		V:     protocol.ProtocolVersion,
		Type:  protocol.TypeServerTime,
		MsgID: env.MsgID,
	}
	payload, err := json.Marshal(protocol.ServerTimeResponse{
		RequestSent:              req.RequestSent,
		RequestReceptionTime:     receivedAt,
		ResponseTransmissionTime: h.clock(),
	})
	if err != nil {
		return
	}
	reply.Payload = payload
	if err := c.write(reply); err != nil {
		h.log.Debug("send server time", "err", err)
	}
}

func (h *Handler) handlePlay(c *conn, env protocol.Envelope) {
	var req protocol.PlayRequest
	if err := env.DecodePayload(&req); err != nil {
		h.log.Warn("malformed play request", "client", c.clientID, "err", err)
		return
	}
	if c.groupID == "" {
		return
	}

	now := h.clock()
	var snap protocol.PlayQueueUpdate
	ok := h.store.Mutate(c.groupID, func(g *Group) {
		g.newPlaylist(req.PlayingQueue, req.PlayingItemPosition, req.StartPositionTicks, now)
		snap = g.snapshot(protocol.ReasonNewPlaylist, now)
	})
	if !ok {
		return
	}
	// Fresh media for everyone: re-arm the ready barrier.
	h.roster.ResetReady(c.groupID)
	h.broadcast(c.groupID, protocol.TypePlayQueue, snap)
}

// broadcastCommand schedules a playback command for every member. position
// nil means "wherever the group is now".
func (h *Handler) broadcastCommand(c *conn, kind protocol.CommandKind, position *int64) {
	if c.groupID == "" {
		return
	}
	now := h.clock()
	// Pad the lead time with the slowest member's ping so nobody's timer
	// lands in its past.
	lead := commandLeadTime + time.Duration(h.roster.MaxPing(c.groupID))*time.Millisecond

	var cmd protocol.PlaybackCommand
	ok := h.store.Mutate(c.groupID, func(g *Group) {
		ticks := g.positionNow(now)
		if position != nil {
			ticks = *position
		}
		cmd = g.command(kind, ticks, now, lead)

		switch kind {
		case protocol.CommandUnpause:
			g.State = protocol.GroupPlaying
			g.PositionTicks = ticks
			g.PositionAt = cmd.When
		case protocol.CommandPause, protocol.CommandSeek:
			g.State = protocol.GroupPaused
			g.PositionTicks = ticks
			g.PositionAt = cmd.When
		case protocol.CommandStop:
			g.State = protocol.GroupIdle
			g.PositionTicks = 0
			g.PositionAt = time.Time{}
		}
	})
	if !ok {
		return
	}
	h.broadcast(c.groupID, protocol.TypePlaybackCommand, cmd)
}

// handleBuffering folds a readiness report into the barrier and releases
// the waiting group once every following member is ready.
func (h *Handler) handleBuffering(c *conn, env protocol.Envelope) {
	var report protocol.BufferingReport
	if err := env.DecodePayload(&report); err != nil {
		h.log.Warn("malformed buffering report", "client", c.clientID, "err", err)
		return
	}
	if c.groupID == "" || !report.BufferingDone {
		return
	}

	barrierClear := h.roster.MarkReady(c.groupID, c.clientID)

	waiting := false
	h.store.Mutate(c.groupID, func(g *Group) {
		waiting = g.State == protocol.GroupWaiting
	})
	if waiting && barrierClear {
		h.broadcastCommand(c, protocol.CommandUnpause, nil)
	}
}

func (h *Handler) handleQueueEdit(c *conn, env protocol.Envelope) {
	if c.groupID == "" {
		return
	}
	now := h.clock()

	var reason protocol.QueueUpdateReason
	var snap protocol.PlayQueueUpdate
	ok := h.store.Mutate(c.groupID, func(g *Group) {
		switch env.Type {
		case protocol.TypeSetPlaylistItem:
			var req protocol.SetPlaylistItemRequest
			if env.DecodePayload(&req) != nil {
				return
			}
			reason = protocol.ReasonSetCurrentItem
			g.selectItem(req.PlaylistItemID)

		case protocol.TypeRemoveFromPlaylist:
			var req protocol.RemoveFromPlaylistRequest
			if env.DecodePayload(&req) != nil {
				return
			}
			reason = protocol.ReasonRemoveItems
			g.removeItems(req.PlaylistItemIDs)

		case protocol.TypeMovePlaylistItem:
			var req protocol.MovePlaylistItemRequest
			if env.DecodePayload(&req) != nil {
				return
			}
			reason = protocol.ReasonMoveItem
			g.moveItem(req.PlaylistItemID, req.NewIndex)

		case protocol.TypeQueue:
			var req protocol.QueueRequest
			if env.DecodePayload(&req) != nil {
				return
			}
			if req.Mode == protocol.QueueModeNext {
				reason = protocol.ReasonQueueNext
			} else {
				reason = protocol.ReasonQueue
			}
			g.queueItems(req.ItemIDs, req.Mode)

		case protocol.TypeNextTrack:
			reason = protocol.ReasonNextTrack
			g.step(1)

		case protocol.TypePreviousTrack:
			reason = protocol.ReasonPreviousTrack
			g.step(-1)

		case protocol.TypeSetRepeatMode:
			var req protocol.SetRepeatModeRequest
			if env.DecodePayload(&req) != nil {
				return
			}
			reason = protocol.ReasonRepeatMode
			g.RepeatMode = req.Mode

		case protocol.TypeSetShuffleMode:
			var req protocol.SetShuffleModeRequest
			if env.DecodePayload(&req) != nil {
				return
			}
			reason = protocol.ReasonShuffleMode
			g.ShuffleMode = req.Mode
		}
		if reason != "" {
			g.LastUpdate = now
			snap = g.snapshot(reason, now)
		}
	})
	if !ok || reason == "" {
		return
	}
	h.broadcast(c.groupID, protocol.TypePlayQueue, snap)
}

// relaySignal forwards signaling opaquely: session announcements fan out,
// directed artifacts go to their target.
func (h *Handler) relaySignal(c *conn, env protocol.Envelope) {
	if c.groupID == "" {
		return
	}
	var sig protocol.WebRTCSignal
	if err := env.DecodePayload(&sig); err != nil {
		h.log.Warn("malformed webrtc signal", "client", c.clientID, "err", err)
		return
	}
	sig.From = c.clientID

	if sig.NewSession || sig.SessionLeaving {
		h.broadcastExcept(c.groupID, c.clientID, protocol.TypeWebRTC, sig)
		return
	}
	if sig.To == "" {
		h.log.Warn("directed signal without target", "client", c.clientID)
		return
	}
	out, err := protocol.NewEnvelope(protocol.TypeWebRTC, sig)
	if err != nil {
		return
	}
	if !h.roster.SendTo(c.groupID, sig.To, out) {
		h.log.Warn("signal for unknown member dropped", "to", sig.To)
	}
}

func (h *Handler) send(c *conn, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		h.log.Error("encode message", "type", msgType, "err", err)
		return
	}
	if err := c.write(env); err != nil {
		h.log.Debug("send message", "type", msgType, "err", err)
	}
}

func (h *Handler) broadcast(groupID, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		h.log.Error("encode broadcast", "type", msgType, "err", err)
		return
	}
	h.roster.Broadcast(groupID, env)
}

func (h *Handler) broadcastExcept(groupID, exceptClientID, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		h.log.Error("encode broadcast", "type", msgType, "err", err)
		return
	}
	h.roster.BroadcastExcept(groupID, exceptClientID, env)
}
