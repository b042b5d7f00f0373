package player

import (
	"sync"
	"time"
)

// NoActive is the placeholder adapter used when no media is loaded. Every
// primitive is a no-op and no events are emitted.
type NoActive struct {
	bc *broadcaster
}

// NewNoActive creates the inactive placeholder.
func NewNoActive() *NoActive {
	return &NoActive{bc: newBroadcaster()}
}

func (*NoActive) Unpause()                {}
func (*NoActive) Pause()                  {}
func (*NoActive) Seek(int64)              {}
func (*NoActive) Stop()                   {}
func (*NoActive) SetRate(float64)         {}
func (*NoActive) Rate() float64           { return 1.0 }
func (*NoActive) HasRate() bool           { return false }
func (*NoActive) PositionMillis() float64 { return 0 }
func (*NoActive) IsPlaying() bool         { return false }
func (*NoActive) IsActive() bool          { return false }

func (p *NoActive) Subscribe() (<-chan Event, func()) { return p.bc.Subscribe() }

// Remote represents media rendering on another device. Local primitives are
// no-ops because the remote device drives its own state; the coordinator
// only mirrors the reported position for display.
type Remote struct {
	bc *broadcaster

	mu       sync.Mutex
	playing  bool
	position float64
}

// NewRemote creates a remote-controlled adapter.
func NewRemote() *Remote {
	return &Remote{bc: newBroadcaster()}
}

func (*Remote) Unpause()        {}
func (*Remote) Pause()          {}
func (*Remote) Seek(int64)      {}
func (*Remote) Stop()           {}
func (*Remote) SetRate(float64) {}
func (*Remote) Rate() float64   { return 1.0 }
func (*Remote) HasRate() bool   { return false }
func (*Remote) IsActive() bool  { return true }

func (p *Remote) PositionMillis() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *Remote) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Remote) Subscribe() (<-chan Event, func()) { return p.bc.Subscribe() }

// UpdateState mirrors the remote device's reported state.
func (p *Remote) UpdateState(playing bool, positionMillis float64, at time.Time) {
	p.mu.Lock()
	p.playing = playing
	p.position = positionMillis
	p.mu.Unlock()

	p.bc.emit(Event{Kind: EventTimeUpdate, At: at, PositionMillis: positionMillis})
}
