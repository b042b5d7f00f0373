package peerlink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"

	"github.com/groupcast/groupcast/pkg/protocol"
)

// Role distinguishes the side that initiated the link.
type Role string

const (
	// RoleHost creates the data channel and sends the offer.
	RoleHost Role = "host"
	// RoleGuest answers an incoming offer and waits for the channel.
	RoleGuest Role = "guest"
)

// State is the link lifecycle phase.
type State int

const (
	StateInit State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// dataChannelLabel names the single reliable ordered channel per link.
const dataChannelLabel = "groupcast"

// Signaler relays control artifacts (offer/answer/ICE) to the remote peer
// through the server.
type Signaler interface {
	SendSignal(to string, sig protocol.WebRTCSignal) error
}

// Callbacks receive link lifecycle and traffic events. All callbacks are
// invoked from pion goroutines; receivers do their own serialization.
type Callbacks struct {
	OnConnected    func(peerID string)
	OnMessage      func(peerID string, frame protocol.PeerFrame, receivedAt time.Time)
	OnDisconnected func(peerID string)
}

// Link is one bidirectional data channel to one remote peer.
type Link struct {
	peerID   string
	role     Role
	log      *slog.Logger
	signaler Signaler
	cb       Callbacks
	clock    func() time.Time

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	dc           *webrtc.DataChannel
	state        State
	remoteSet    bool
	pendingICE   []webrtc.ICECandidateInit
	disconnected bool
}

// Config carries link construction parameters.
type Config struct {
	// ICEServers lists STUN/TURN URLs; empty means host candidates only.
	ICEServers []string
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// New creates a link to peerID in the given role. Guest links start waiting
// for the remote offer; host links do nothing until Open.
func New(peerID string, role Role, signaler Signaler, cb Callbacks, cfg Config, log *slog.Logger) (*Link, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	var iceServers []webrtc.ICEServer
	for _, url := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	l := &Link{
		peerID:   peerID,
		role:     role,
		log:      log.With("peer", peerID, "role", role),
		signaler: signaler,
		cb:       cb,
		clock:    clock,
		pc:       pc,
		state:    StateInit,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		raw, err := json.Marshal(init)
		if err != nil {
			l.log.Error("marshal ice candidate", "err", err)
			return
		}
		if err := signaler.SendSignal(peerID, protocol.WebRTCSignal{ICECandidate: raw}); err != nil {
			l.log.Warn("relay ice candidate", "err", err)
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			l.notifyDisconnected()
		}
	})

	if role == RoleGuest {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != dataChannelLabel {
				l.log.Warn("unexpected data channel announced", "label", dc.Label())
				return
			}
			l.mu.Lock()
			l.dc = dc
			l.mu.Unlock()
			l.wireChannel(dc)
		})
	}

	return l, nil
}

// PeerID returns the remote peer identifier.
func (l *Link) PeerID() string { return l.peerID }

// Role returns the link role.
func (l *Link) Role() Role { return l.role }

// State returns the current lifecycle phase.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Open starts the host-side handshake: the channel is created before the
// offer so it is announced in the SDP.
func (l *Link) Open() error {
	if l.role != RoleHost {
		return errors.New("only host links open")
	}

	ordered := true
	dc, err := l.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	l.mu.Lock()
	l.dc = dc
	l.state = StateOffering
	l.mu.Unlock()
	l.wireChannel(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}
	if err := l.signaler.SendSignal(l.peerID, protocol.WebRTCSignal{Offer: raw}); err != nil {
		return fmt.Errorf("relay offer: %w", err)
	}
	return nil
}

// HandleSignal applies a relayed control artifact from the remote peer.
func (l *Link) HandleSignal(sig protocol.WebRTCSignal) error {
	switch {
	case len(sig.Offer) > 0:
		return l.handleOffer(sig.Offer)
	case len(sig.Answer) > 0:
		return l.handleAnswer(sig.Answer)
	case len(sig.ICECandidate) > 0:
		return l.handleCandidate(sig.ICECandidate)
	default:
		return errors.New("signal carries no artifact")
	}
}

func (l *Link) handleOffer(raw json.RawMessage) error {
	if l.role != RoleGuest {
		return errors.New("host link received an offer")
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return fmt.Errorf("unmarshal offer: %w", err)
	}

	l.mu.Lock()
	l.state = StateAnswering
	l.mu.Unlock()

	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	l.drainPendingCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	rawAnswer, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	if err := l.signaler.SendSignal(l.peerID, protocol.WebRTCSignal{Answer: rawAnswer}); err != nil {
		return fmt.Errorf("relay answer: %w", err)
	}
	return nil
}

func (l *Link) handleAnswer(raw json.RawMessage) error {
	if l.role != RoleHost {
		return errors.New("guest link received an answer")
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("unmarshal answer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	l.drainPendingCandidates()
	return nil
}

// handleCandidate queues candidates that arrive before the remote
// description and applies the rest directly.
func (l *Link) handleCandidate(raw json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("unmarshal ice candidate: %w", err)
	}

	l.mu.Lock()
	if !l.remoteSet {
		l.pendingICE = append(l.pendingICE, candidate)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// drainPendingCandidates applies queued candidates in FIFO order right
// after the remote description lands.
func (l *Link) drainPendingCandidates() {
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pendingICE
	l.pendingICE = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.log.Warn("apply queued ice candidate", "err", err)
		}
	}
}

func (l *Link) wireChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		l.mu.Lock()
		l.state = StateConnected
		l.mu.Unlock()
		l.log.Debug("data channel open")
		if l.cb.OnConnected != nil {
			l.cb.OnConnected(l.peerID)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		frame, err := protocol.ParsePeerFrame(msg.Data)
		if err != nil {
			l.log.Warn("malformed peer frame dropped", "err", err)
			return
		}
		if l.cb.OnMessage != nil {
			l.cb.OnMessage(l.peerID, frame, l.clock())
		}
	})

	dc.OnClose(func() {
		l.notifyDisconnected()
	})
}

// Send serializes a frame onto the data channel. Unserializable or
// unsendable frames are logged and dropped.
func (l *Link) Send(frame protocol.PeerFrame) error {
	l.mu.Lock()
	dc := l.dc
	state := l.state
	l.mu.Unlock()

	if state != StateConnected || dc == nil {
		return fmt.Errorf("link to %s not connected (state %s)", l.peerID, state)
	}

	data, err := protocol.EncodePeerFrame(frame)
	if err != nil {
		l.log.Error("drop unserializable frame", "err", err)
		return err
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("send to %s: %w", l.peerID, err)
	}
	return nil
}

// Close tears the link down. Idempotent.
func (l *Link) Close() {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = StateClosed
	dc := l.dc
	pc := l.pc
	l.mu.Unlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			l.log.Debug("close data channel", "err", err)
		}
	}
	if err := pc.Close(); err != nil {
		l.log.Debug("close peer connection", "err", err)
	}
}

func (l *Link) notifyDisconnected() {
	l.mu.Lock()
	if l.disconnected {
		l.mu.Unlock()
		return
	}
	l.disconnected = true
	if l.state != StateClosed {
		l.state = StateClosed
	}
	l.mu.Unlock()

	l.log.Debug("peer link disconnected")
	if l.cb.OnDisconnected != nil {
		l.cb.OnDisconnected(l.peerID)
	}
}
