package drift

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/groupcast/groupcast/internal/config"
	"github.com/groupcast/groupcast/internal/metrics"
	"github.com/groupcast/groupcast/internal/player"
	"github.com/groupcast/groupcast/pkg/protocol"
)

// minSpeed is the lowest playback rate a rate-nudge may produce. Durations
// are stretched instead of dropping below it.
const minSpeed = 0.2

// Converter translates instants between the local and the server clock.
type Converter interface {
	LocalToRemote(t time.Time) time.Time
	RemoteToLocal(t time.Time) time.Time
}

// Gate is the slice of the command scheduler the corrector coordinates
// with: the last accepted command, the correction gate, and the attempt
// counter.
type Gate interface {
	LastCommand() *protocol.PlaybackCommand
	SyncEnabled() bool
	SetSyncEnabled(v bool)
	BumpSyncAttempts() int
	ResetSyncAttempts()
	RegisterNudgeCanceller(fn func())
}

// Corrector keeps the local player aligned with the estimated group
// position while an Unpause command is in effect, nudging via playback rate
// when supported and via seeks otherwise.
type Corrector struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	settings  *config.Store
	converter Converter
	gate      Gate
	clock     func() time.Time

	mu           sync.Mutex
	player       player.Adapter
	cancelSub    func()
	buffering    bool
	lastSyncTime time.Time
	timer        *time.Timer
	indicator    func(active bool)
}

// Option mutates a Corrector at construction.
type Option func(*Corrector)

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Corrector) { c.clock = clock }
}

// New creates a corrector and registers its cancel hook with the gate.
func New(settings *config.Store, converter Converter, gate Gate, log *slog.Logger, m *metrics.Metrics, opts ...Option) *Corrector {
	c := &Corrector{
		log:       log,
		metrics:   m,
		settings:  settings,
		converter: converter,
		gate:      gate,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	gate.RegisterNudgeCanceller(c.Cancel)
	return c
}

// SetIndicator registers the UI hook shown while a nudge is in flight.
func (c *Corrector) SetIndicator(fn func(active bool)) {
	c.mu.Lock()
	c.indicator = fn
	c.mu.Unlock()
}

// Attach subscribes the corrector to a player's event stream, replacing any
// previous attachment.
func (c *Corrector) Attach(p player.Adapter) {
	c.Detach()

	ch, cancel := p.Subscribe()
	c.mu.Lock()
	c.player = p
	c.cancelSub = cancel
	c.buffering = false
	c.mu.Unlock()

	go c.consume(ch)
}

// Detach unsubscribes from the current player and cancels any pending
// restore timer.
func (c *Corrector) Detach() {
	c.mu.Lock()
	cancel := c.cancelSub
	c.cancelSub = nil
	c.player = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.Cancel()
}

// Cancel stops the in-flight nudge restore timer. The scheduler resets the
// playback rate itself when it clears a nudge.
func (c *Corrector) Cancel() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	indicator := c.indicator
	c.mu.Unlock()

	if indicator != nil {
		indicator(false)
	}
}

func (c *Corrector) consume(ch <-chan player.Event) {
	for ev := range ch {
		switch ev.Kind {
		case player.EventTimeUpdate:
			c.OnTimeUpdate(ev.At, ev.PositionMillis)
		case player.EventBuffering:
			c.setBuffering(true)
		case player.EventReady, player.EventUnpause:
			c.setBuffering(false)
		case player.EventPlaybackStop:
			c.setBuffering(false)
			c.Cancel()
		}
	}
}

func (c *Corrector) setBuffering(v bool) {
	c.mu.Lock()
	c.buffering = v
	c.mu.Unlock()
}

// OnTimeUpdate evaluates one position sample against the estimated group
// position and applies at most one correction per rate-limit window.
func (c *Corrector) OnTimeUpdate(now time.Time, positionMillis float64) {
	s := c.settings.Current()
	if !s.EnableSyncCorrection {
		return
	}

	cmd := c.gate.LastCommand()
	if cmd == nil || cmd.Command != protocol.CommandUnpause {
		return
	}

	c.mu.Lock()
	p := c.player
	buffering := c.buffering
	c.mu.Unlock()

	if p == nil || !p.IsActive() || buffering {
		return
	}
	if !c.gate.SyncEnabled() {
		return
	}

	serverNow := c.converter.LocalToRemote(now)
	expectedTicks := cmd.Ticks() + protocol.TicksFromDuration(serverNow.Sub(cmd.When))
	currentTicks := int64(positionMillis * float64(protocol.TicksPerMillisecond))
	deltaMillis := float64(expectedTicks-currentTicks) / float64(protocol.TicksPerMillisecond)

	c.metrics.ObserveDrift(deltaMillis, 0)

	// One decision per half sync-method threshold.
	threshold := time.Duration(s.MaxDelaySpeedToSync) * time.Millisecond
	c.mu.Lock()
	if now.Sub(c.lastSyncTime) < threshold/2 {
		c.mu.Unlock()
		return
	}
	c.lastSyncTime = now
	c.mu.Unlock()

	absDelta := math.Abs(deltaMillis)

	switch {
	case p.HasRate() && s.UseSpeedToSync &&
		absDelta >= float64(s.MinDelaySpeedToSync) && absDelta < float64(s.MaxDelaySpeedToSync):
		c.rateNudge(p, deltaMillis, s)
	case s.UseSkipToSync && absDelta >= float64(s.MinDelaySkipToSync):
		c.seekNudge(p, expectedTicks, threshold)
	default:
		c.gate.ResetSyncAttempts()
	}
}

// rateNudge stretches or compresses playback so the delta is consumed over
// the configured duration.
func (c *Corrector) rateNudge(p player.Adapter, deltaMillis float64, s config.Settings) {
	duration := float64(s.SpeedToSyncDuration)
	if deltaMillis <= -duration*minSpeed {
		duration = math.Abs(deltaMillis) / (1 - minSpeed)
	}
	speed := 1 + deltaMillis/duration
	if speed <= 0 {
		c.log.Error("rate nudge computed non-positive speed", "speed", speed, "delta_ms", deltaMillis)
		return
	}

	attempts := c.gate.BumpSyncAttempts()
	c.log.Debug("rate nudge", "speed", speed, "delta_ms", deltaMillis, "attempts", attempts)
	c.metrics.CountCorrection("speed")
	c.metrics.ObserveDrift(deltaMillis, attempts)

	p.SetRate(speed)
	c.gate.SetSyncEnabled(false)
	c.armRestore(time.Duration(duration)*time.Millisecond, func() {
		p.SetRate(1.0)
	})
}

// seekNudge jumps straight to the expected position.
func (c *Corrector) seekNudge(p player.Adapter, expectedTicks int64, threshold time.Duration) {
	attempts := c.gate.BumpSyncAttempts()
	c.log.Debug("seek nudge", "ticks", expectedTicks, "attempts", attempts)
	c.metrics.CountCorrection("skip")

	p.Seek(expectedTicks)
	c.gate.SetSyncEnabled(false)
	c.armRestore(threshold/2, nil)
}

// armRestore schedules re-enabling the gate after the nudge settles.
func (c *Corrector) armRestore(after time.Duration, restore func()) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	indicator := c.indicator
	c.timer = time.AfterFunc(after, func() {
		c.mu.Lock()
		c.timer = nil
		ind := c.indicator
		c.mu.Unlock()

		if restore != nil {
			restore()
		}
		c.gate.SetSyncEnabled(true)
		if ind != nil {
			ind(false)
		}
	})
	c.mu.Unlock()

	if indicator != nil {
		indicator(true)
	}
}
