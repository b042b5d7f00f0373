package peermesh

import (
	"log/slog"
	"sync"
	"time"

	"github.com/groupcast/groupcast/internal/peerlink"
	"github.com/groupcast/groupcast/pkg/protocol"
)

// Broadcast is the wildcard target for Send.
const Broadcast = "*"

// SignalSender carries outbound webrtc signaling envelopes to the server.
// The API client implements it.
type SignalSender interface {
	SendSignal(sig protocol.WebRTCSignal) error
}

// Handlers receive mesh events. Ping requests are answered by the mesh
// itself; everything else is routed up.
type Handlers struct {
	OnPeerConnected  func(peerID string)
	OnPeerLeft       func(peerID string)
	OnPingResponse   func(peerID string, resp protocol.PingResponse)
	OnTimeSyncUpdate func(peerID string, upd protocol.TimeSyncServerUpdate)
	OnExternalFrame  func(peerID string, frame protocol.InnerFrame, receivedAt time.Time)
}

// link is the slice of peerlink.Link the mesh drives; tests substitute
// fakes.
type link interface {
	PeerID() string
	Open() error
	HandleSignal(sig protocol.WebRTCSignal) error
	Send(frame protocol.PeerFrame) error
	Close()
}

// Mesh creates and tears down peer links in response to server-relayed
// signaling, routes inbound data-channel frames, and multicasts outbound
// ones.
type Mesh struct {
	log      *slog.Logger
	sender   SignalSender
	handlers Handlers
	linkCfg  peerlink.Config
	clock    func() time.Time

	mu      sync.Mutex
	links   map[string]link
	enabled bool

	// newLink is the link factory, replaceable in tests.
	newLink func(peerID string, role peerlink.Role) (link, error)
}

// Option mutates a Mesh at construction.
type Option func(*Mesh)

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Mesh) { m.clock = clock }
}

// withLinkFactory substitutes the link constructor, for tests.
func withLinkFactory(fn func(peerID string, role peerlink.Role) (link, error)) Option {
	return func(m *Mesh) { m.newLink = fn }
}

// New creates a mesh. linkCfg is passed to every constructed peer link.
func New(sender SignalSender, handlers Handlers, linkCfg peerlink.Config, log *slog.Logger, opts ...Option) *Mesh {
	m := &Mesh{
		log:      log,
		sender:   sender,
		handlers: handlers,
		linkCfg:  linkCfg,
		clock:    time.Now,
		links:    make(map[string]link),
	}
	m.newLink = func(peerID string, role peerlink.Role) (link, error) {
		return peerlink.New(peerID, role, signalerFunc(m.relaySignal), peerlink.Callbacks{
			OnConnected:    m.onLinkConnected,
			OnMessage:      m.onLinkMessage,
			OnDisconnected: m.onLinkDisconnected,
		}, m.linkCfg, m.log)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type signalerFunc func(to string, sig protocol.WebRTCSignal) error

func (f signalerFunc) SendSignal(to string, sig protocol.WebRTCSignal) error { return f(to, sig) }

func (m *Mesh) relaySignal(to string, sig protocol.WebRTCSignal) error {
	sig.To = to
	return m.sender.SendSignal(sig)
}

// Enable announces a new session to the server and readies the mesh for
// inbound signaling.
func (m *Mesh) Enable() error {
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()

	return m.sender.SendSignal(protocol.WebRTCSignal{NewSession: true})
}

// Disable closes every link and optionally announces departure.
func (m *Mesh) Disable(notifyServer bool) {
	m.mu.Lock()
	m.enabled = false
	links := m.links
	m.links = make(map[string]link)
	m.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
	if notifyServer {
		if err := m.sender.SendSignal(protocol.WebRTCSignal{SessionLeaving: true}); err != nil {
			m.log.Warn("announce session leaving", "err", err)
		}
	}
}

// PeerIDs lists peers with a live link.
func (m *Mesh) PeerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	return ids
}

// HandleSignal dispatches one inbound signaling message relayed by the
// server.
func (m *Mesh) HandleSignal(sig protocol.WebRTCSignal) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		m.log.Debug("signaling while disabled dropped", "from", sig.From)
		return
	}
	m.mu.Unlock()

	from := sig.From
	if from == "" {
		m.log.Warn("signaling without sender dropped")
		return
	}

	switch {
	case sig.NewSession:
		m.openHostLink(from)
	case sig.SessionLeaving:
		m.removeLink(from)
	default:
		m.forwardToLink(from, sig)
	}
}

// openHostLink connects to a newly announced peer as the offering side.
func (m *Mesh) openHostLink(peerID string) {
	m.mu.Lock()
	if _, exists := m.links[peerID]; exists {
		m.mu.Unlock()
		m.log.Debug("session announcement for known peer", "peer", peerID)
		return
	}
	l, err := m.newLink(peerID, peerlink.RoleHost)
	if err != nil {
		m.mu.Unlock()
		m.log.Error("create host link", "peer", peerID, "err", err)
		return
	}
	m.links[peerID] = l
	m.mu.Unlock()

	if err := l.Open(); err != nil {
		m.log.Error("open host link", "peer", peerID, "err", err)
		m.removeLink(peerID)
	}
}

// forwardToLink delivers offer/answer/ICE to the peer's link, creating a
// guest-role link on first contact.
func (m *Mesh) forwardToLink(peerID string, sig protocol.WebRTCSignal) {
	m.mu.Lock()
	l, exists := m.links[peerID]
	if !exists {
		var err error
		l, err = m.newLink(peerID, peerlink.RoleGuest)
		if err != nil {
			m.mu.Unlock()
			m.log.Error("create guest link", "peer", peerID, "err", err)
			return
		}
		m.links[peerID] = l
	}
	m.mu.Unlock()

	if err := l.HandleSignal(sig); err != nil {
		m.log.Warn("apply signaling", "peer", peerID, "err", err)
	}
}

func (m *Mesh) removeLink(peerID string) {
	m.mu.Lock()
	l, exists := m.links[peerID]
	delete(m.links, peerID)
	m.mu.Unlock()

	if !exists {
		m.log.Debug("remove for unknown peer", "peer", peerID)
		return
	}
	l.Close()
	if m.handlers.OnPeerLeft != nil {
		m.handlers.OnPeerLeft(peerID)
	}
}

// Send forwards a frame to one peer, or to all live links when to is "*".
// Frames for unknown peers are logged and dropped.
func (m *Mesh) Send(to string, frame protocol.PeerFrame) {
	if to == Broadcast {
		m.mu.Lock()
		links := make([]link, 0, len(m.links))
		for _, l := range m.links {
			links = append(links, l)
		}
		m.mu.Unlock()

		for _, l := range links {
			if err := l.Send(frame); err != nil {
				m.log.Debug("broadcast to peer failed", "peer", l.PeerID(), "err", err)
			}
		}
		return
	}

	m.mu.Lock()
	l, exists := m.links[to]
	m.mu.Unlock()
	if !exists {
		m.log.Warn("frame for unknown peer dropped", "peer", to)
		return
	}
	if err := l.Send(frame); err != nil {
		m.log.Debug("send to peer failed", "peer", to, "err", err)
	}
}

// SendPingRequest transmits a ping-request to one peer; the time-sync
// registry uses it as the peer pinger transport.
func (m *Mesh) SendPingRequest(peerID string, req protocol.PingRequest) error {
	frame, err := protocol.NewPeerFrame(protocol.ChannelInternal, protocol.FramePingRequest, req)
	if err != nil {
		return err
	}
	m.mu.Lock()
	l, exists := m.links[peerID]
	m.mu.Unlock()
	if !exists {
		return ErrUnknownPeer
	}
	return l.Send(frame)
}

// BroadcastTimeSyncUpdate multicasts this client's server clock estimate.
// Implements the time-sync registry's Broadcaster.
func (m *Mesh) BroadcastTimeSyncUpdate(upd protocol.TimeSyncServerUpdate) {
	frame, err := protocol.NewPeerFrame(protocol.ChannelExternal, protocol.FrameTimeSyncServerUpdate, upd)
	if err != nil {
		m.log.Error("encode time-sync update", "err", err)
		return
	}
	m.Send(Broadcast, frame)
}

func (m *Mesh) onLinkConnected(peerID string) {
	m.log.Debug("peer connected", "peer", peerID)
	if m.handlers.OnPeerConnected != nil {
		m.handlers.OnPeerConnected(peerID)
	}
}

func (m *Mesh) onLinkDisconnected(peerID string) {
	m.removeLink(peerID)
}

// onLinkMessage routes one inbound frame by logical channel and inner type.
func (m *Mesh) onLinkMessage(peerID string, frame protocol.PeerFrame, receivedAt time.Time) {
	switch frame.Type {
	case protocol.ChannelInternal:
		switch frame.Data.Type {
		case protocol.FramePingRequest:
			m.answerPing(peerID, frame, receivedAt)
		case protocol.FramePingResponse:
			var resp protocol.PingResponse
			if err := frame.DecodeInner(&resp); err != nil {
				m.log.Warn("malformed ping response", "peer", peerID, "err", err)
				return
			}
			if m.handlers.OnPingResponse != nil {
				m.handlers.OnPingResponse(peerID, resp)
			}
		default:
			m.log.Warn("unknown internal frame dropped", "peer", peerID, "type", frame.Data.Type)
		}
	case protocol.ChannelExternal:
		switch frame.Data.Type {
		case protocol.FrameTimeSyncServerUpdate:
			var upd protocol.TimeSyncServerUpdate
			if err := frame.DecodeInner(&upd); err != nil {
				m.log.Warn("malformed time-sync update", "peer", peerID, "err", err)
				return
			}
			if m.handlers.OnTimeSyncUpdate != nil {
				m.handlers.OnTimeSyncUpdate(peerID, upd)
			}
		default:
			if m.handlers.OnExternalFrame != nil {
				m.handlers.OnExternalFrame(peerID, frame.Data, receivedAt)
			} else {
				m.log.Warn("unknown external frame dropped", "peer", peerID, "type", frame.Data.Type)
			}
		}
	}
}

// answerPing completes the remote side of a clock exchange: the receive
// instant is the frame's arrival time, the transmit instant is now.
func (m *Mesh) answerPing(peerID string, frame protocol.PeerFrame, receivedAt time.Time) {
	var req protocol.PingRequest
	if err := frame.DecodeInner(&req); err != nil {
		m.log.Warn("malformed ping request", "peer", peerID, "err", err)
		return
	}
	resp, err := protocol.NewPeerFrame(protocol.ChannelInternal, protocol.FramePingResponse, protocol.PingResponse{
		RequestSent:     req.RequestSent,
		RequestReceived: receivedAt,
		ResponseSent:    m.clock(),
	})
	if err != nil {
		m.log.Error("encode ping response", "err", err)
		return
	}
	m.Send(peerID, resp)
}
