package timesync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/groupcast/groupcast/internal/metrics"
)

const (
	// WindowSize is the number of recent measurements averaged per source.
	WindowSize = 8

	// steadyInterval separates pings once the window is full.
	steadyInterval = 60 * time.Second
	// warmupInterval separates pings while the window is still filling.
	warmupInterval = time.Second
	// pingTimeout bounds a single exchange.
	pingTimeout = 10 * time.Second
)

// Update is delivered to source listeners after every ping attempt. On a
// failed attempt Err is set and the offset/ping fields carry the previous
// estimate, which remains in effect.
type Update struct {
	SourceID     string
	Err          error
	OffsetMillis float64
	PingMillis   float64
}

// Source samples one clock endpoint and maintains a rolling estimate of the
// offset and round-trip time. One background goroutine owns the window;
// successive pings are serialized by construction.
type Source struct {
	id      string
	pinger  Pinger
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	mu           sync.Mutex
	window       []Measurement
	offsetMillis float64
	pingMillis   float64
	sampled      bool
	listeners    []func(Update)
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}
	kick         chan struct{}
}

// SourceOption mutates a Source at construction.
type SourceOption func(*Source)

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) SourceOption {
	return func(s *Source) { s.clock = clock }
}

// NewSource creates a source for the given endpoint id ("server" or a
// peer id).
func NewSource(id string, pinger Pinger, log *slog.Logger, m *metrics.Metrics, opts ...SourceOption) *Source {
	s := &Source{
		id:      id,
		pinger:  pinger,
		log:     log.With("source", id),
		metrics: m,
		clock:   time.Now,
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the endpoint identifier.
func (s *Source) ID() string { return s.id }

// OnUpdate registers a listener for ping results. Listeners are invoked from
// the sampling goroutine, outside the source lock.
func (s *Source) OnUpdate(fn func(Update)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Start launches the background sampler. Starting a running source is a
// no-op.
func (s *Source) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(ctx, done)
}

// Stop cancels the sampler and waits for it to exit. Any in-flight ping is
// cancelled; its late response is dropped silently.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// ForceUpdate requests an immediate ping instead of waiting out the poll
// interval. No-op when the source is stopped or a ping is imminent.
func (s *Source) ForceUpdate() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Source) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		s.sampleOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		interval := steadyInterval
		s.mu.Lock()
		if len(s.window) < WindowSize {
			interval = warmupInterval
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-time.After(interval):
		}
	}
}

func (s *Source) sampleOnce(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	m, err := s.pinger.Ping(pingCtx)
	cancel()

	if ctx.Err() != nil {
		// Cancelled while in flight; drop whatever came back.
		return
	}

	if err != nil {
		// The window is kept; the previous estimate stays in effect.
		s.log.Debug("clock sample failed", "err", err)
		s.mu.Lock()
		upd := Update{SourceID: s.id, Err: err, OffsetMillis: s.offsetMillis, PingMillis: s.pingMillis}
		listeners := append([]func(Update){}, s.listeners...)
		s.mu.Unlock()
		for _, fn := range listeners {
			fn(upd)
		}
		return
	}

	s.mu.Lock()
	s.applyLocked(m)
	upd := Update{SourceID: s.id, OffsetMillis: s.offsetMillis, PingMillis: s.pingMillis}
	listeners := append([]func(Update){}, s.listeners...)
	s.mu.Unlock()

	s.metrics.ObserveClock(s.id, upd.OffsetMillis, upd.PingMillis)
	for _, fn := range listeners {
		fn(upd)
	}
}

// OffsetMillis returns the current offset estimate in milliseconds.
func (s *Source) OffsetMillis() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsetMillis
}

// PingMillis returns the current round-trip estimate in milliseconds.
func (s *Source) PingMillis() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingMillis
}

// Sampled reports whether at least one exchange has completed.
func (s *Source) Sampled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampled
}

// Offset returns the current offset as a duration.
func (s *Source) Offset() time.Duration {
	return time.Duration(s.OffsetMillis() * float64(time.Millisecond))
}

// LocalToRemote converts a local instant to the remote clock.
func (s *Source) LocalToRemote(t time.Time) time.Time {
	return t.Add(s.Offset())
}

// RemoteToLocal converts a remote instant to the local clock.
func (s *Source) RemoteToLocal(t time.Time) time.Time {
	return t.Add(-s.Offset())
}

// applyLocked folds a measurement into the rolling window. A partial window
// trusts only the latest sample; a full one uses the arithmetic mean.
// Callers hold s.mu.
func (s *Source) applyLocked(m Measurement) {
	s.window = append(s.window, m)
	if len(s.window) > WindowSize {
		s.window = s.window[len(s.window)-WindowSize:]
	}
	if len(s.window) < WindowSize {
		s.offsetMillis = m.OffsetMillis()
		s.pingMillis = m.RTTMillis()
	} else {
		var offsetSum, pingSum float64
		for _, w := range s.window {
			offsetSum += w.OffsetMillis()
			pingSum += w.RTTMillis()
		}
		s.offsetMillis = offsetSum / float64(len(s.window))
		s.pingMillis = pingSum / float64(len(s.window))
	}
	s.sampled = true
}

// ingest is a test hook: it pushes a measurement through the same window
// bookkeeping the sampler uses.
func (s *Source) ingest(m Measurement) {
	s.mu.Lock()
	s.applyLocked(m)
	s.mu.Unlock()
}
