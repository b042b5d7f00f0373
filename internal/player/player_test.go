package player

import (
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func waitKind(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	ev, ok := WaitFor(ch, kind, 2*time.Second)
	if !ok {
		t.Fatalf("timed out waiting for %s", kind)
	}
	return ev
}

func TestNoActiveIsInert(t *testing.T) {
	p := NewNoActive()

	p.Unpause()
	p.Seek(1000)
	p.Stop()

	if p.IsActive() {
		t.Error("NoActive should not be active")
	}
	if p.IsPlaying() {
		t.Error("NoActive should not be playing")
	}
	if p.HasRate() {
		t.Error("NoActive should not support rate")
	}

	ch, cancel := p.Subscribe()
	defer cancel()
	select {
	case ev := <-ch:
		t.Errorf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemoteMirrorsState(t *testing.T) {
	p := NewRemote()
	if !p.IsActive() {
		t.Error("Remote should report active")
	}

	ch, cancel := p.Subscribe()
	defer cancel()

	now := time.Now()
	p.UpdateState(true, 1500, now)

	if !p.IsPlaying() {
		t.Error("Remote should report playing")
	}
	if p.PositionMillis() != 1500 {
		t.Errorf("PositionMillis() = %v, want 1500", p.PositionMillis())
	}

	ev := waitKind(t, ch, EventTimeUpdate)
	if ev.PositionMillis != 1500 {
		t.Errorf("event position = %v, want 1500", ev.PositionMillis)
	}

	// Primitives are no-ops; remote state is authoritative.
	p.Pause()
	if !p.IsPlaying() {
		t.Error("Pause() on Remote must not change state")
	}
}

func TestLocalTranslatesEngineEvents(t *testing.T) {
	engine := NewScripted(true)
	p := NewLocal(engine, testLogger(), nil)
	defer p.Close()

	ch, cancel := p.Subscribe()
	defer cancel()

	engine.Load(9_900_000)
	waitKind(t, ch, EventPlaybackStart)
	waitKind(t, ch, EventReady)

	if !p.IsActive() {
		t.Error("adapter should be active after load")
	}
	if p.PositionMillis() != 990 {
		t.Errorf("PositionMillis() = %v, want 990", p.PositionMillis())
	}

	p.Unpause()
	waitKind(t, ch, EventUnpause)
	if !p.IsPlaying() {
		t.Error("adapter should report playing")
	}

	engine.Advance(500 * time.Millisecond)
	ev := waitKind(t, ch, EventTimeUpdate)
	if ev.PositionMillis != 1490 {
		t.Errorf("time update position = %v, want 1490", ev.PositionMillis)
	}

	p.Pause()
	waitKind(t, ch, EventPause)

	p.Stop()
	waitKind(t, ch, EventPlaybackStop)
	if p.IsActive() {
		t.Error("adapter should be inactive after stop")
	}
}

func TestLocalRateForwarding(t *testing.T) {
	engine := NewScripted(true)
	p := NewLocal(engine, testLogger(), nil)
	defer p.Close()

	if !p.HasRate() {
		t.Fatal("scripted engine should support rate")
	}
	p.SetRate(1.2)
	if got := p.Rate(); got != 1.2 {
		t.Errorf("Rate() = %v, want 1.2", got)
	}

	noRate := NewLocal(NewScripted(false), testLogger(), nil)
	defer noRate.Close()
	if noRate.HasRate() {
		t.Error("rateless engine should not claim rate support")
	}
}

func TestLocalBufferingDebounced(t *testing.T) {
	engine := NewScripted(true)
	p := NewLocal(engine, testLogger(), nil)
	defer p.Close()

	ch, cancel := p.Subscribe()
	defer cancel()

	engine.Load(0)
	waitKind(t, ch, EventReady)

	// A short stall resolved by "playing" must not surface buffering.
	engine.InjectWaiting()
	engine.Play()
	waitKind(t, ch, EventUnpause)

	select {
	case ev := <-ch:
		if ev.Kind == EventBuffering {
			t.Fatal("buffering surfaced despite immediate recovery")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWaitForTimeout(t *testing.T) {
	ch := make(chan Event)
	start := time.Now()
	if _, ok := WaitFor(ch, EventPause, 50*time.Millisecond); ok {
		t.Error("WaitFor should time out")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("WaitFor returned too early: %v", elapsed)
	}
}

func TestWaitForSkipsOtherKinds(t *testing.T) {
	ch := make(chan Event, 4)
	ch <- Event{Kind: EventTimeUpdate}
	ch <- Event{Kind: EventUnpause}
	ch <- Event{Kind: EventPause, PositionMillis: 7}

	ev, ok := WaitFor(ch, EventPause, time.Second)
	if !ok {
		t.Fatal("WaitFor should find the pause event")
	}
	if ev.PositionMillis != 7 {
		t.Errorf("event position = %v, want 7", ev.PositionMillis)
	}
}
