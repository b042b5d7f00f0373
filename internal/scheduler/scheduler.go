package scheduler

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/groupcast/groupcast/internal/config"
	"github.com/groupcast/groupcast/internal/metrics"
	"github.com/groupcast/groupcast/internal/player"
	"github.com/groupcast/groupcast/pkg/protocol"
)

const (
	// commandEventTimeout bounds waits for command-path player events.
	commandEventTimeout = 30 * time.Second
	// stateEventTimeout bounds waits for player state transitions.
	stateEventTimeout = 500 * time.Millisecond
	// seekJitterMillis is the half-width of the forced-seek jitter window.
	// The server tolerates a ±50ms window when a client reports ready;
	// jittering guarantees a re-asserted seek target differs from the
	// previous one so the player does not short-circuit the seek.
	seekJitterMillis = 50
)

// Converter translates instants between the local and the server clock.
// The time-sync registry implements it.
type Converter interface {
	LocalToRemote(t time.Time) time.Time
	RemoteToLocal(t time.Time) time.Time
}

// Reporter sends buffering state to the server. The API client implements
// it.
type Reporter interface {
	ReportBuffering(report protocol.BufferingReport) error
}

// Scheduler converts authoritative playback commands into precisely timed
// player actions. At most one scheduled-command timer and one sync-guard
// timer are armed at any instant; arming a new one clears its predecessor.
type Scheduler struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	settings  *config.Store
	converter Converter
	reporter  Reporter
	clock     func() time.Time
	jitter    func() int64 // milliseconds in [-seekJitterMillis, +seekJitterMillis]

	// currentItem yields the queue's current playlist item id.
	currentItem func() string

	mu           sync.Mutex
	player       player.Adapter
	enabled      bool
	enabledAt    time.Time
	lastCommand  *protocol.PlaybackCommand
	timer        *time.Timer
	syncGuard    *time.Timer
	syncEnabled  bool
	syncAttempts int
	gen          uint64
	nudgeCancel  func()
}

// Option mutates a Scheduler at construction.
type Option func(*Scheduler)

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithJitter injects the forced-seek jitter draw, for tests.
func WithJitter(fn func() int64) Option {
	return func(s *Scheduler) { s.jitter = fn }
}

// New creates a scheduler. currentItem resolves the queue's current playlist
// item at call time.
func New(settings *config.Store, converter Converter, reporter Reporter, currentItem func() string, log *slog.Logger, m *metrics.Metrics, opts ...Option) *Scheduler {
	s := &Scheduler{
		log:         log,
		metrics:     m,
		settings:    settings,
		converter:   converter,
		reporter:    reporter,
		currentItem: currentItem,
		clock:       time.Now,
		jitter: func() int64 {
			return int64(rand.IntN(2*seekJitterMillis+1) - seekJitterMillis)
		},
		player: player.NewNoActive(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPlayer swaps the active player adapter.
func (s *Scheduler) SetPlayer(p player.Adapter) {
	s.mu.Lock()
	s.player = p
	s.mu.Unlock()
}

// Enable accepts commands emitted at or after enabledAt.
func (s *Scheduler) Enable(enabledAt time.Time) {
	s.mu.Lock()
	s.enabled = true
	s.enabledAt = enabledAt
	s.mu.Unlock()
}

// Disable drops all scheduled state: pending timer, sync guard, last
// command, and any nudge in flight.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	s.enabled = false
	s.lastCommand = nil
	s.syncEnabled = false
	s.syncAttempts = 0
	s.clearTimersLocked()
	p := s.player
	cancel := s.nudgeCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if p.HasRate() {
		p.SetRate(1.0)
	}
}

// CancelPending clears the scheduled-command timer, e.g. when playback
// stops locally.
func (s *Scheduler) CancelPending() {
	s.mu.Lock()
	s.clearCommandTimerLocked()
	s.mu.Unlock()
}

// RegisterNudgeCanceller wires the drift corrector's cancel hook; it runs
// whenever a new command clears an in-flight rate-nudge.
func (s *Scheduler) RegisterNudgeCanceller(fn func()) {
	s.mu.Lock()
	s.nudgeCancel = fn
	s.mu.Unlock()
}

// LastCommand returns a copy of the most recent accepted command, or nil.
func (s *Scheduler) LastCommand() *protocol.PlaybackCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCommand == nil {
		return nil
	}
	cmd := *s.lastCommand
	return &cmd
}

// SyncEnabled reports whether drift correction may act.
func (s *Scheduler) SyncEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncEnabled
}

// SetSyncEnabled flips the drift-correction gate.
func (s *Scheduler) SetSyncEnabled(v bool) {
	s.mu.Lock()
	s.syncEnabled = v
	s.mu.Unlock()
}

// SyncAttempts returns the consecutive correction count.
func (s *Scheduler) SyncAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncAttempts
}

// BumpSyncAttempts counts one drift correction and returns the new total.
func (s *Scheduler) BumpSyncAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncAttempts++
	return s.syncAttempts
}

// ResetSyncAttempts zeroes the correction counter.
func (s *Scheduler) ResetSyncAttempts() {
	s.mu.Lock()
	s.syncAttempts = 0
	s.mu.Unlock()
}

// HasPendingTimer reports whether a scheduled-command timer is armed.
func (s *Scheduler) HasPendingTimer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Apply accepts an authoritative command, reconciling duplicates against
// observed player state. Precondition violations drop the command without
// raising.
func (s *Scheduler) Apply(cmd protocol.PlaybackCommand) {
	s.mu.Lock()

	if !s.enabled {
		s.mu.Unlock()
		s.log.Debug("command while disabled", "kind", cmd.Command)
		s.metrics.CountDropped("disabled")
		return
	}
	if cmd.EmittedAt.Before(s.enabledAt) {
		s.mu.Unlock()
		s.log.Debug("stale command dropped", "kind", cmd.Command, "emitted_at", cmd.EmittedAt)
		s.metrics.CountDropped("stale")
		return
	}
	if current := s.currentItem(); cmd.PlaylistItemID != current {
		s.mu.Unlock()
		s.log.Warn("command for wrong playlist item", "kind", cmd.Command, "got", cmd.PlaylistItemID, "current", current)
		s.metrics.CountDropped("wrong_item")
		return
	}

	if s.lastCommand != nil && s.lastCommand.Equal(cmd) {
		s.reconcileDuplicateLocked(cmd)
		return
	}

	s.lastCommand = &cmd
	s.scheduleLocked(cmd)
}

// reconcileDuplicateLocked handles a field-for-field reassertion of the last
// command. Releases s.mu.
func (s *Scheduler) reconcileDuplicateLocked(cmd protocol.PlaybackCommand) {
	now := s.clock()
	tLocal := s.converter.RemoteToLocal(cmd.When)

	if tLocal.After(now) {
		// Original still scheduled; the timer will handle it.
		s.mu.Unlock()
		s.log.Debug("duplicate command already scheduled", "kind", cmd.Command)
		return
	}

	p := s.player
	playing := p.IsPlaying()
	posTicks := positionTicks(p)
	expected := cmd.Ticks()

	switch cmd.Command {
	case protocol.CommandUnpause:
		if !playing {
			s.log.Debug("reasserting unpause", "ticks", expected)
			s.scheduleLocked(cmd)
			return
		}
	case protocol.CommandPause:
		if playing || posTicks != expected {
			s.log.Debug("reasserting pause", "ticks", expected)
			s.scheduleLocked(cmd)
			return
		}
	case protocol.CommandStop:
		if playing {
			s.log.Debug("reasserting stop")
			s.scheduleLocked(cmd)
			return
		}
	case protocol.CommandSeek:
		if playing || posTicks != expected {
			jittered := cmd
			target := expected + s.jitter()*protocol.TicksPerMillisecond
			jittered.PositionTicks = &target
			s.log.Debug("reasserting seek with jitter", "target", target)
			s.scheduleLocked(jittered)
			return
		}
		// Player already matches; tell the server we are ready.
		s.mu.Unlock()
		s.reportBufferingDone(expected, playing)
		return
	}

	s.mu.Unlock()
	s.log.Debug("duplicate command matches player state", "kind", cmd.Command)
}

// scheduleLocked arms the single command timer (or executes immediately for
// past commands). Clears the previous timer, any rate-nudge in flight, and
// resets the playback rate. Releases s.mu.
func (s *Scheduler) scheduleLocked(cmd protocol.PlaybackCommand) {
	s.clearTimersLocked()
	s.syncEnabled = false
	s.gen++
	gen := s.gen
	p := s.player
	cancel := s.nudgeCancel

	now := s.clock()
	tLocal := s.converter.RemoteToLocal(cmd.When)
	delay := tLocal.Sub(now)

	s.metrics.CountCommand(string(cmd.Command))

	if delay > 0 {
		if cmd.Command == protocol.CommandUnpause {
			s.preSeekIfAheadLocked(cmd, p)
		}
		s.timer = time.AfterFunc(delay, func() {
			s.mu.Lock()
			if s.gen != gen {
				s.mu.Unlock()
				return
			}
			s.timer = nil
			s.mu.Unlock()
			s.execute(cmd, false)
		})
		s.mu.Unlock()
	} else {
		s.mu.Unlock()
		go s.execute(cmd, true)
	}

	if cancel != nil {
		cancel()
	}
	if p.HasRate() {
		p.SetRate(1.0)
	}
}

// preSeekIfAheadLocked seeks back to the commanded position before a future
// unpause when the player sits ahead by more than the skip threshold.
func (s *Scheduler) preSeekIfAheadLocked(cmd protocol.PlaybackCommand, p player.Adapter) {
	minSkip := s.settings.Current().MinDelaySkipToSync
	aheadTicks := positionTicks(p) - cmd.Ticks()
	if aheadTicks > minSkip*protocol.TicksPerMillisecond {
		s.log.Debug("pre-seeking before scheduled unpause", "ahead_ticks", aheadTicks)
		p.Seek(cmd.Ticks())
	}
}

// execute runs a command's primitive. past marks commands whose scheduled
// instant had already elapsed when they arrived.
func (s *Scheduler) execute(cmd protocol.PlaybackCommand, past bool) {
	s.mu.Lock()
	p := s.player
	s.mu.Unlock()

	switch cmd.Command {
	case protocol.CommandUnpause:
		s.executeUnpause(cmd, p, past)
	case protocol.CommandPause:
		s.executePause(cmd, p)
	case protocol.CommandStop:
		p.Stop()
	case protocol.CommandSeek:
		s.executeSeek(cmd, p)
	default:
		s.log.Warn("unknown command kind", "kind", cmd.Command)
	}
}

func (s *Scheduler) executeUnpause(cmd protocol.PlaybackCommand, p player.Adapter, past bool) {
	if past {
		// The group is already moving; estimate where it is now and chase.
		serverNow := s.converter.LocalToRemote(s.clock())
		elapsed := serverNow.Sub(cmd.When)
		target := cmd.Ticks() + protocol.TicksFromDuration(elapsed)

		ch, cancel := p.Subscribe()
		p.Unpause()
		if _, ok := player.WaitFor(ch, player.EventUnpause, stateEventTimeout); !ok {
			s.log.Debug("unpause event missed, seeking anyway")
		}
		cancel()
		p.Seek(target)
	} else {
		p.Unpause()
	}
	s.armSyncGuard()
}

// armSyncGuard re-enables drift correction once playback has had time to
// settle.
func (s *Scheduler) armSyncGuard() {
	guard := time.Duration(s.settings.Current().MaxDelaySpeedToSync/2) * time.Millisecond

	s.mu.Lock()
	s.clearSyncGuardLocked()
	s.syncGuard = time.AfterFunc(guard, func() {
		s.mu.Lock()
		s.syncGuard = nil
		s.syncEnabled = true
		s.mu.Unlock()
	})
	s.mu.Unlock()
}

func (s *Scheduler) executePause(cmd protocol.PlaybackCommand, p player.Adapter) {
	ch, cancel := p.Subscribe()
	p.Pause()
	if _, ok := player.WaitFor(ch, player.EventPause, stateEventTimeout); !ok {
		s.log.Debug("pause event missed, seeking anyway")
	}
	cancel()
	p.Seek(cmd.Ticks())
}

func (s *Scheduler) executeSeek(cmd protocol.PlaybackCommand, p player.Adapter) {
	ch, cancel := p.Subscribe()
	defer cancel()

	p.Unpause()
	p.Seek(cmd.Ticks())

	if _, ok := player.WaitFor(ch, player.EventReady, commandEventTimeout); !ok {
		// Ready never came; retry the same target once.
		s.log.Warn("seek not ready in time, retrying", "ticks", cmd.Ticks())
		p.Seek(cmd.Ticks())
		return
	}
	p.Pause()
	s.reportBufferingDone(cmd.Ticks(), p.IsPlaying())
}

func (s *Scheduler) reportBufferingDone(ticks int64, playing bool) {
	report := protocol.BufferingReport{
		When:           s.converter.LocalToRemote(s.clock()),
		PositionTicks:  ticks,
		IsPlaying:      playing,
		PlaylistItemID: s.currentItem(),
		BufferingDone:  true,
	}
	if err := s.reporter.ReportBuffering(report); err != nil {
		s.log.Error("report buffering done", "err", err)
	}
}

func (s *Scheduler) clearTimersLocked() {
	s.clearCommandTimerLocked()
	s.clearSyncGuardLocked()
}

func (s *Scheduler) clearCommandTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Scheduler) clearSyncGuardLocked() {
	if s.syncGuard != nil {
		s.syncGuard.Stop()
		s.syncGuard = nil
	}
}

func positionTicks(p player.Adapter) int64 {
	return int64(p.PositionMillis() * float64(protocol.TicksPerMillisecond))
}
