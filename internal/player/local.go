package player

import (
	"log/slog"
	"sync"
	"time"

	"github.com/groupcast/groupcast/pkg/protocol"
)

// bufferingDebounce is how long the engine must stay in "waiting" before a
// buffering event is surfaced to the coordinator.
const bufferingDebounce = 3000 * time.Millisecond

// BackendEventKind names a raw engine event.
type BackendEventKind string

const (
	BackendStarted BackendEventKind = "started"
	BackendStopped BackendEventKind = "stopped"
	BackendPlaying BackendEventKind = "playing"
	BackendPaused  BackendEventKind = "paused"
	BackendTimePos BackendEventKind = "timepos"
	BackendWaiting BackendEventKind = "waiting"
	BackendReady   BackendEventKind = "ready"
)

// BackendEvent is one raw event from the playback engine.
type BackendEvent struct {
	Kind          BackendEventKind
	PositionTicks int64
}

// Backend is the playback engine contract the local adapter drives.
type Backend interface {
	Play() error
	Pause() error
	SeekTicks(ticks int64) error
	Stop() error
	SetRate(rate float64) error
	Rate() float64
	SupportsRate() bool
	PositionTicks() int64
	Playing() bool
	Events() <-chan BackendEvent
}

// Local adapts a real playback engine to the coordinator contract. It
// forwards primitives and translates engine events into coordinator events,
// debouncing short buffering stalls.
type Local struct {
	backend Backend
	log     *slog.Logger
	clock   func() time.Time
	bc      *broadcaster

	mu         sync.Mutex
	active     bool
	bufTimer   *time.Timer
	closed     bool
	stop       chan struct{}
	translated chan struct{}
}

// NewLocal wraps a backend engine. clock defaults to time.Now.
func NewLocal(backend Backend, log *slog.Logger, clock func() time.Time) *Local {
	if clock == nil {
		clock = time.Now
	}
	p := &Local{
		backend:    backend,
		log:        log,
		clock:      clock,
		bc:         newBroadcaster(),
		stop:       make(chan struct{}),
		translated: make(chan struct{}),
	}
	go p.translate()
	return p
}

func (p *Local) Unpause() {
	if err := p.backend.Play(); err != nil {
		p.log.Error("player unpause", "err", err)
	}
}

func (p *Local) Pause() {
	if err := p.backend.Pause(); err != nil {
		p.log.Error("player pause", "err", err)
	}
}

func (p *Local) Seek(ticks int64) {
	if err := p.backend.SeekTicks(ticks); err != nil {
		p.log.Error("player seek", "err", err, "ticks", ticks)
	}
}

func (p *Local) Stop() {
	if err := p.backend.Stop(); err != nil {
		p.log.Error("player stop", "err", err)
	}
}

func (p *Local) SetRate(rate float64) {
	if err := p.backend.SetRate(rate); err != nil {
		p.log.Error("player set rate", "err", err, "rate", rate)
	}
}

func (p *Local) Rate() float64 { return p.backend.Rate() }
func (p *Local) HasRate() bool { return p.backend.SupportsRate() }

func (p *Local) PositionMillis() float64 {
	return float64(p.backend.PositionTicks()) / float64(protocol.TicksPerMillisecond)
}

func (p *Local) IsPlaying() bool { return p.backend.Playing() }

func (p *Local) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Local) Subscribe() (<-chan Event, func()) { return p.bc.Subscribe() }

// Close stops event translation and releases subscribers. The backend is
// not touched; its owner shuts it down.
func (p *Local) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	if p.bufTimer != nil {
		p.bufTimer.Stop()
		p.bufTimer = nil
	}
	p.mu.Unlock()
	<-p.translated
	p.bc.closeAll()
}

func (p *Local) translate() {
	defer close(p.translated)
	for {
		var ev BackendEvent
		select {
		case <-p.stop:
			return
		case e, ok := <-p.backend.Events():
			if !ok {
				return
			}
			ev = e
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		now := p.clock()
		pos := float64(ev.PositionTicks) / float64(protocol.TicksPerMillisecond)

		switch ev.Kind {
		case BackendStarted:
			p.setActive(true)
			p.bc.emit(Event{Kind: EventPlaybackStart, At: now, PositionMillis: pos})
		case BackendStopped:
			p.setActive(false)
			p.cancelBufferingTimer()
			p.bc.emit(Event{Kind: EventPlaybackStop, At: now, PositionMillis: pos})
		case BackendPlaying:
			p.cancelBufferingTimer()
			p.bc.emit(Event{Kind: EventUnpause, At: now, PositionMillis: pos})
		case BackendPaused:
			p.bc.emit(Event{Kind: EventPause, At: now, PositionMillis: pos})
		case BackendTimePos:
			p.bc.emit(Event{Kind: EventTimeUpdate, At: now, PositionMillis: pos})
		case BackendReady:
			p.cancelBufferingTimer()
			p.bc.emit(Event{Kind: EventReady, At: now, PositionMillis: pos})
		case BackendWaiting:
			// Only surface buffering if the stall persists.
			p.armBufferingTimer(pos)
		default:
			p.log.Debug("unknown backend event", "kind", ev.Kind)
		}
	}
}

func (p *Local) setActive(active bool) {
	p.mu.Lock()
	p.active = active
	p.mu.Unlock()
}

func (p *Local) armBufferingTimer(pos float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.bufTimer != nil {
		return
	}
	p.bufTimer = time.AfterFunc(bufferingDebounce, func() {
		p.mu.Lock()
		p.bufTimer = nil
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		p.bc.emit(Event{Kind: EventBuffering, At: p.clock(), PositionMillis: pos})
	})
}

func (p *Local) cancelBufferingTimer() {
	p.mu.Lock()
	if p.bufTimer != nil {
		p.bufTimer.Stop()
		p.bufTimer = nil
	}
	p.mu.Unlock()
}
