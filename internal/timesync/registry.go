package timesync

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/groupcast/groupcast/internal/config"
	"github.com/groupcast/groupcast/internal/metrics"
	"github.com/groupcast/groupcast/pkg/protocol"
)

// Broadcaster re-publishes this client's server clock estimate to every
// connected peer. The peer mesh implements it.
type Broadcaster interface {
	BroadcastTimeSyncUpdate(upd protocol.TimeSyncServerUpdate)
}

// Device is one selectable clock endpoint, for UI display.
type Device struct {
	ID           string
	OffsetMillis float64
	PingMillis   float64
	Active       bool
}

// Registry owns the server clock source plus one source per connected peer
// and selects the effective path to server time. When the user-selected peer
// disappears, the next access falls back to the server (one fallback per
// call, never recursing).
type Registry struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	settings *config.Store
	clock    func() time.Time

	mu          sync.Mutex
	server      *Source
	peers       map[string]*Source
	peerPingers map[string]*PeerPinger
	peerServer  map[string]protocol.TimeSyncServerUpdate
	broadcaster Broadcaster
	listeners   []func(Update)
}

// NewRegistry creates a registry around the server clock source.
func NewRegistry(serverPinger Pinger, settings *config.Store, log *slog.Logger, m *metrics.Metrics, opts ...SourceOption) *Registry {
	r := &Registry{
		log:         log,
		metrics:     m,
		settings:    settings,
		clock:       time.Now,
		peers:       make(map[string]*Source),
		peerPingers: make(map[string]*PeerPinger),
		peerServer:  make(map[string]protocol.TimeSyncServerUpdate),
	}
	r.server = NewSource(SourceServer, serverPinger, log, m, opts...)
	r.server.OnUpdate(r.onServerUpdate)
	return r
}

// SourceServer is the identifier of the direct server clock source.
const SourceServer = "server"

// SetBroadcaster wires the peer mesh for server-update re-broadcasts.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	r.broadcaster = b
	r.mu.Unlock()
}

// OnUpdate registers a listener for updates from any source.
func (r *Registry) OnUpdate(fn func(Update)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Start begins sampling the server clock.
func (r *Registry) Start() {
	r.server.Start()
}

// Stop halts the server sampler and discards every peer source.
func (r *Registry) Stop() {
	r.server.Stop()

	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[string]*Source)
	r.peerPingers = make(map[string]*PeerPinger)
	r.peerServer = make(map[string]protocol.TimeSyncServerUpdate)
	r.mu.Unlock()

	for id, src := range peers {
		src.Stop()
		r.metrics.DropClock(id)
	}
}

// Server returns the direct server source.
func (r *Registry) Server() *Source { return r.server }

func (r *Registry) onServerUpdate(upd Update) {
	r.mu.Lock()
	b := r.broadcaster
	listeners := append([]func(Update){}, r.listeners...)
	r.mu.Unlock()

	if upd.Err == nil && b != nil {
		b.BroadcastTimeSyncUpdate(protocol.TimeSyncServerUpdate{
			TimeOffset: upd.OffsetMillis,
			Ping:       upd.PingMillis,
		})
	}
	for _, fn := range listeners {
		fn(upd)
	}
}

// PeerJoined creates and starts a clock source for a newly connected peer.
// send transmits ping-request frames on that peer's data channel.
func (r *Registry) PeerJoined(peerID string, send func(protocol.PingRequest) error) {
	pinger := NewPeerPinger(peerID, send, r.clock)
	src := NewSource(peerID, pinger, r.log, r.metrics, WithClock(r.clock))
	src.OnUpdate(func(upd Update) {
		r.mu.Lock()
		listeners := append([]func(Update){}, r.listeners...)
		r.mu.Unlock()
		for _, fn := range listeners {
			fn(upd)
		}
	})

	r.mu.Lock()
	if old, ok := r.peers[peerID]; ok {
		// Stale source for a reconnecting peer; replace it.
		go old.Stop()
	}
	r.peers[peerID] = src
	r.peerPingers[peerID] = pinger
	r.mu.Unlock()

	src.Start()
	r.log.Debug("peer clock source created", "peer", peerID)
}

// PeerLeft tears down a departed peer's clock source and rejects its pending
// ping, if any.
func (r *Registry) PeerLeft(peerID string) {
	r.mu.Lock()
	src, ok := r.peers[peerID]
	pinger := r.peerPingers[peerID]
	delete(r.peers, peerID)
	delete(r.peerPingers, peerID)
	delete(r.peerServer, peerID)
	r.mu.Unlock()

	if !ok {
		return
	}
	if pinger != nil {
		pinger.Reject(ErrPeerDisconnected)
	}
	src.Stop()
	r.metrics.DropClock(peerID)
	r.log.Debug("peer clock source removed", "peer", peerID)
}

// HandlePingResponse routes a ping-response frame to the matching peer
// pinger. Responses for unknown peers are dropped silently.
func (r *Registry) HandlePingResponse(peerID string, resp protocol.PingResponse) {
	r.mu.Lock()
	pinger := r.peerPingers[peerID]
	r.mu.Unlock()

	if pinger != nil {
		pinger.Resolve(resp)
	}
}

// HandleServerUpdateFromPeer records a peer's broadcast of its own server
// clock estimate, enabling the transitive local→peer→server path.
func (r *Registry) HandleServerUpdateFromPeer(peerID string, upd protocol.TimeSyncServerUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peerID]; !ok {
		r.log.Debug("time-sync update from unknown peer", "peer", peerID)
		return
	}
	r.peerServer[peerID] = upd
}

// TimeOffset returns the effective local→server offset: the active source's
// path plus the user's extra offset. A stale peer selection falls back to
// the server and rewrites the stored selection.
func (r *Registry) TimeOffset() time.Duration {
	s := r.settings.Current()
	extra := time.Duration(s.ExtraTimeOffset) * time.Millisecond

	device := s.TimeSyncDevice
	if device != SourceServer {
		if offset, ok := r.viaPeerOffset(device); ok {
			return offset + extra
		}
		// Selected peer is gone; fall back once and persist the fallback.
		r.log.Warn("time sync peer unavailable, falling back to server", "peer", device)
		s.TimeSyncDevice = SourceServer
		if err := r.settings.Update(s); err != nil {
			r.log.Error("persist time sync fallback", "err", err)
		}
	}
	return r.server.Offset() + extra
}

// viaPeerOffset computes offset_local_to_peer + offset_peer_to_server for a
// connected peer that has broadcast its server estimate.
func (r *Registry) viaPeerOffset(peerID string) (time.Duration, bool) {
	r.mu.Lock()
	src, ok := r.peers[peerID]
	peerUpd, hasUpd := r.peerServer[peerID]
	r.mu.Unlock()

	if !ok || !hasUpd {
		return 0, false
	}
	total := src.OffsetMillis() + peerUpd.TimeOffset
	return time.Duration(total * float64(time.Millisecond)), true
}

// ActiveSourceID returns the id of the source currently defining server
// time, after applying the fallback rule.
func (r *Registry) ActiveSourceID() string {
	device := r.settings.Current().TimeSyncDevice
	if device == SourceServer {
		return SourceServer
	}
	r.mu.Lock()
	_, ok := r.peers[device]
	_, hasUpd := r.peerServer[device]
	r.mu.Unlock()
	if ok && hasUpd {
		return device
	}
	return SourceServer
}

// LocalToRemote converts a local instant to server time along the active
// path.
func (r *Registry) LocalToRemote(t time.Time) time.Time {
	return t.Add(r.TimeOffset())
}

// RemoteToLocal converts a server instant to local time along the active
// path.
func (r *Registry) RemoteToLocal(t time.Time) time.Time {
	return t.Add(-r.TimeOffset())
}

// Devices lists every selectable clock endpoint, server first, peers in
// stable order.
func (r *Registry) Devices() []Device {
	active := r.ActiveSourceID()

	r.mu.Lock()
	peerIDs := make([]string, 0, len(r.peers))
	for id := range r.peers {
		peerIDs = append(peerIDs, id)
	}
	r.mu.Unlock()
	sort.Strings(peerIDs)

	devices := []Device{{
		ID:           SourceServer,
		OffsetMillis: r.server.OffsetMillis(),
		PingMillis:   r.server.PingMillis(),
		Active:       active == SourceServer,
	}}
	for _, id := range peerIDs {
		r.mu.Lock()
		src := r.peers[id]
		r.mu.Unlock()
		if src == nil {
			continue
		}
		devices = append(devices, Device{
			ID:           id,
			OffsetMillis: src.OffsetMillis(),
			PingMillis:   src.PingMillis(),
			Active:       active == id,
		})
	}
	return devices
}
