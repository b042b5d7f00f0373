package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/groupcast/groupcast/internal/api"
	"github.com/groupcast/groupcast/internal/config"
	"github.com/groupcast/groupcast/internal/drift"
	"github.com/groupcast/groupcast/internal/peerlink"
	"github.com/groupcast/groupcast/internal/peermesh"
	"github.com/groupcast/groupcast/internal/player"
	"github.com/groupcast/groupcast/internal/queue"
	"github.com/groupcast/groupcast/internal/scheduler"
	"github.com/groupcast/groupcast/internal/timesync"
	"github.com/groupcast/groupcast/pkg/protocol"
)

// State is the controller lifecycle phase.
type State int

const (
	Disabled State = iota
	Enabling
	EnabledNotReady
	EnabledReady
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Enabling:
		return "enabling"
	case EnabledNotReady:
		return "enabled-not-ready"
	case EnabledReady:
		return "enabled-ready"
	}
	return "unknown"
}

// Controller is the top-level coordinator state machine. It dispatches
// inbound server messages to the scheduler, queue mirror, time-sync
// registry and peer mesh, and gates command application on the first
// successful clock sync after enabling.
type Controller struct {
	log      *slog.Logger
	client   api.Client
	settings *config.Store
	registry *timesync.Registry
	sched    *scheduler.Scheduler
	corr     *drift.Corrector
	mirror   *queue.Mirror
	queueCtl *queue.Controller
	mesh     *peermesh.Mesh
	clock    func() time.Time

	mu            sync.Mutex
	state         State
	group         protocol.GroupInfo
	groupState    protocol.GroupState
	enabledAt     time.Time
	queuedCommand *protocol.PlaybackCommand
	lastCommand   *protocol.PlaybackCommand
	playerCancel  func()
}

// Option mutates a Controller at construction.
type Option func(*Controller)

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// New wires the controller. The peer mesh is created here and owned by the
// controller; its lifetime is bounded by group membership.
func New(client api.Client, settings *config.Store, registry *timesync.Registry, sched *scheduler.Scheduler, corr *drift.Corrector, mirror *queue.Mirror, queueCtl *queue.Controller, linkCfg peerlink.Config, log *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		log:      log,
		client:   client,
		settings: settings,
		registry: registry,
		sched:    sched,
		corr:     corr,
		mirror:   mirror,
		queueCtl: queueCtl,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.mesh = peermesh.New(client, peermesh.Handlers{
		OnPeerConnected: func(peerID string) {
			registry.PeerJoined(peerID, func(req protocol.PingRequest) error {
				return c.mesh.SendPingRequest(peerID, req)
			})
		},
		OnPeerLeft:       registry.PeerLeft,
		OnPingResponse:   registry.HandlePingResponse,
		OnTimeSyncUpdate: registry.HandleServerUpdateFromPeer,
	}, linkCfg, log, peermesh.WithClock(c.clock))
	registry.SetBroadcaster(c.mesh)
	registry.OnUpdate(c.onTimeSyncUpdate)

	return c
}

// State returns the current lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GroupInfo returns the opaque group blob from the last join/update.
func (c *Controller) GroupInfo() protocol.GroupInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group
}

// LastCommand returns a copy of the last playback command received this
// session (queued or applied), or nil. The status UI reads it to show what
// the group is doing.
func (c *Controller) LastCommand() *protocol.PlaybackCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastCommand == nil {
		return nil
	}
	cmd := *c.lastCommand
	return &cmd
}

// Mesh exposes the peer mesh, e.g. for UI display of connected peers.
func (c *Controller) Mesh() *peermesh.Mesh { return c.mesh }

// AttachPlayer hands the active player to the scheduler and corrector and
// watches it for playback stop, which cancels any pending command.
func (c *Controller) AttachPlayer(p player.Adapter) {
	c.mu.Lock()
	if c.playerCancel != nil {
		c.playerCancel()
		c.playerCancel = nil
	}
	c.mu.Unlock()

	c.sched.SetPlayer(p)
	c.corr.Attach(p)

	ch, cancel := p.Subscribe()
	c.mu.Lock()
	c.playerCancel = cancel
	c.mu.Unlock()

	go func() {
		for ev := range ch {
			if ev.Kind == player.EventPlaybackStop {
				c.sched.CancelPending()
			}
		}
	}()
}

// HandleMessage dispatches one inbound server envelope by type. Unknown
// variants are logged and dropped.
func (c *Controller) HandleMessage(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeGroupJoined:
		var gj protocol.GroupJoined
		if err := env.DecodePayload(&gj); err != nil {
			c.log.Warn("malformed group-joined", "err", err)
			return
		}
		c.enable(gj)

	case protocol.TypeNotInGroup, protocol.TypeGroupLeft:
		c.Disable()

	case protocol.TypeGroupUpdate:
		var info protocol.GroupInfo
		if err := env.DecodePayload(&info); err != nil {
			c.log.Warn("malformed group update", "err", err)
			return
		}
		c.mu.Lock()
		c.group = info
		c.mu.Unlock()

	case protocol.TypeStateUpdate:
		var upd protocol.StateUpdate
		if err := env.DecodePayload(&upd); err != nil {
			c.log.Warn("malformed state update", "err", err)
			return
		}
		c.mu.Lock()
		c.groupState = upd.State
		c.mu.Unlock()
		c.log.Debug("group state", "state", upd.State, "reason", upd.Reason)

	case protocol.TypeUserJoined:
		var u protocol.UserJoined
		if err := env.DecodePayload(&u); err == nil {
			c.log.Info("user joined group", "user", u.UserName)
		}

	case protocol.TypeUserLeft:
		var u protocol.UserLeft
		if err := env.DecodePayload(&u); err == nil {
			c.log.Info("user left group", "user", u.UserName)
		}

	case protocol.TypePlayQueue:
		var upd protocol.PlayQueueUpdate
		if err := env.DecodePayload(&upd); err != nil {
			c.log.Warn("malformed play queue", "err", err)
			return
		}
		if err := c.mirror.ApplyUpdate(upd); err != nil {
			c.log.Warn("apply play queue", "err", err)
		}

	case protocol.TypePlaybackCommand:
		var cmd protocol.PlaybackCommand
		if err := env.DecodePayload(&cmd); err != nil {
			c.log.Warn("malformed playback command", "err", err)
			return
		}
		if !cmd.Command.Valid() {
			c.log.Warn("unknown playback command", "command", cmd.Command)
			return
		}
		c.handleCommand(cmd)

	case protocol.TypeWebRTC:
		var sig protocol.WebRTCSignal
		if err := env.DecodePayload(&sig); err != nil {
			c.log.Warn("malformed webrtc signal", "err", err)
			return
		}
		if !c.settings.Current().EnableWebRTC {
			c.log.Debug("webrtc disabled, signal dropped", "from", sig.From)
			return
		}
		c.mesh.HandleSignal(sig)

	case protocol.TypeGroupDoesNotExist, protocol.TypeCreateGroupDenied,
		protocol.TypeJoinGroupDenied, protocol.TypeLibraryAccessDenied:
		c.log.Warn("group access denied", "type", env.Type)
		c.Disable()

	case protocol.TypeSyncDisabled:
		c.log.Warn("sync play disabled by server")
		c.Disable()

	case protocol.TypeError:
		var e protocol.Error
		if err := env.DecodePayload(&e); err == nil {
			c.log.Warn("server error", "code", e.Code, "message", e.Message)
		}

	default:
		c.log.Warn("unknown server message dropped", "type", env.Type)
	}
}

// enable transitions into a joined group: the scheduler accepts commands,
// queue actions are intercepted, time sync starts, and the peer mesh is
// announced when WebRTC is on.
func (c *Controller) enable(gj protocol.GroupJoined) {
	enabledAt := gj.EnabledAt
	if enabledAt.IsZero() {
		enabledAt = c.clock()
	}

	c.mu.Lock()
	c.state = Enabling
	c.group = gj.Group
	c.enabledAt = enabledAt
	c.queuedCommand = nil
	c.lastCommand = nil
	c.mu.Unlock()

	c.log.Info("group joined", "group", gj.Group.GroupID)

	c.sched.Enable(enabledAt)
	c.queueCtl.SetGrouped(true)
	c.registry.Start()
	c.registry.Server().ForceUpdate()

	if c.settings.Current().EnableWebRTC {
		if err := c.mesh.Enable(); err != nil {
			c.log.Warn("announce peer session", "err", err)
		}
	}

	c.mu.Lock()
	if c.state == Enabling {
		c.state = EnabledNotReady
	}
	c.mu.Unlock()
}

// Disable clears all coordinator state: scheduler, mirror, time sync, peer
// mesh. Safe to call repeatedly.
func (c *Controller) Disable() {
	c.mu.Lock()
	wasDisabled := c.state == Disabled
	c.state = Disabled
	c.queuedCommand = nil
	c.lastCommand = nil
	c.mu.Unlock()

	if wasDisabled {
		return
	}

	c.log.Info("group session disabled")
	c.sched.Disable()
	c.corr.Cancel()
	c.queueCtl.SetGrouped(false)
	c.mirror.Reset()
	c.registry.Stop()
	c.mesh.Disable(c.settings.Current().EnableWebRTC)
}

// handleCommand applies a playback command, or parks it until the first
// clock sync when the session is enabled but not yet ready.
func (c *Controller) handleCommand(cmd protocol.PlaybackCommand) {
	c.mu.Lock()
	state := c.state
	if state == Disabled {
		c.mu.Unlock()
		c.log.Debug("command while disabled dropped", "kind", cmd.Command)
		return
	}
	c.lastCommand = &cmd
	if state != EnabledReady {
		c.queuedCommand = &cmd
		c.mu.Unlock()
		c.log.Debug("command queued until first clock sync", "kind", cmd.Command)
		return
	}
	c.mu.Unlock()

	c.sched.Apply(cmd)
}

// onTimeSyncUpdate flips the session ready exactly once per enable, on the
// first successful server clock sample, and flushes the queued command.
func (c *Controller) onTimeSyncUpdate(upd timesync.Update) {
	if upd.Err != nil || upd.SourceID != timesync.SourceServer {
		return
	}

	c.mu.Lock()
	if c.state != EnabledNotReady && c.state != Enabling {
		c.mu.Unlock()
		return
	}
	c.state = EnabledReady
	queued := c.queuedCommand
	c.queuedCommand = nil
	c.mu.Unlock()

	c.log.Info("first clock sync complete, session ready",
		"offset_ms", upd.OffsetMillis, "ping_ms", upd.PingMillis)
	if err := c.client.Ping(int64(upd.PingMillis)); err != nil {
		c.log.Debug("report ping", "err", err)
	}

	if queued != nil {
		c.sched.Apply(*queued)
	}
}
