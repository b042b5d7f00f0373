package player

import (
	"sync"
	"time"

	"github.com/groupcast/groupcast/pkg/protocol"
)

// Scripted is a deterministic playback engine. Position only moves when
// Advance is called, so tests and the demo mode control time explicitly.
type Scripted struct {
	mu       sync.Mutex
	loaded   bool
	playing  bool
	position int64
	rate     float64
	hasRate  bool
	events   chan BackendEvent
}

// NewScripted creates an idle scripted engine. withRate controls whether the
// engine claims playback-rate support.
func NewScripted(withRate bool) *Scripted {
	return &Scripted{
		rate:    1.0,
		hasRate: withRate,
		events:  make(chan BackendEvent, 256),
	}
}

// Load activates the engine with media positioned at startTicks.
func (s *Scripted) Load(startTicks int64) {
	s.mu.Lock()
	s.loaded = true
	s.playing = false
	s.position = startTicks
	s.mu.Unlock()
	s.emit(BackendEvent{Kind: BackendStarted, PositionTicks: startTicks})
	s.emit(BackendEvent{Kind: BackendReady, PositionTicks: startTicks})
}

func (s *Scripted) Play() error {
	s.mu.Lock()
	s.playing = true
	pos := s.position
	s.mu.Unlock()
	s.emit(BackendEvent{Kind: BackendPlaying, PositionTicks: pos})
	return nil
}

func (s *Scripted) Pause() error {
	s.mu.Lock()
	s.playing = false
	pos := s.position
	s.mu.Unlock()
	s.emit(BackendEvent{Kind: BackendPaused, PositionTicks: pos})
	return nil
}

func (s *Scripted) SeekTicks(ticks int64) error {
	s.mu.Lock()
	s.position = ticks
	s.mu.Unlock()
	s.emit(BackendEvent{Kind: BackendReady, PositionTicks: ticks})
	return nil
}

func (s *Scripted) Stop() error {
	s.mu.Lock()
	s.playing = false
	s.loaded = false
	pos := s.position
	s.mu.Unlock()
	s.emit(BackendEvent{Kind: BackendStopped, PositionTicks: pos})
	return nil
}

func (s *Scripted) SetRate(rate float64) error {
	s.mu.Lock()
	s.rate = rate
	s.mu.Unlock()
	return nil
}

func (s *Scripted) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

func (s *Scripted) SupportsRate() bool { return s.hasRate }

func (s *Scripted) PositionTicks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *Scripted) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Scripted) Events() <-chan BackendEvent { return s.events }

// Advance moves playback forward by d at the current rate and emits a
// position update. Paused or unloaded engines don't move.
func (s *Scripted) Advance(d time.Duration) {
	s.mu.Lock()
	if !s.loaded || !s.playing {
		s.mu.Unlock()
		return
	}
	s.position += int64(float64(protocol.TicksFromDuration(d)) * s.rate)
	pos := s.position
	s.mu.Unlock()
	s.emit(BackendEvent{Kind: BackendTimePos, PositionTicks: pos})
}

// InjectWaiting simulates a network stall.
func (s *Scripted) InjectWaiting() {
	s.mu.Lock()
	pos := s.position
	s.mu.Unlock()
	s.emit(BackendEvent{Kind: BackendWaiting, PositionTicks: pos})
}

// CloseEvents ends the event stream. For tests.
func (s *Scripted) CloseEvents() { close(s.events) }

func (s *Scripted) emit(ev BackendEvent) {
	select {
	case s.events <- ev:
	default:
	}
}
