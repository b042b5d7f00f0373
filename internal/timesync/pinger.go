package timesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/groupcast/groupcast/pkg/protocol"
)

// ErrPeerDisconnected rejects a pending peer ping when its link closes.
var ErrPeerDisconnected = errors.New("peer disconnected")

// Pinger performs one clock exchange against a remote endpoint.
// Implementations must tolerate concurrent cancellation via ctx; the Source
// serializes calls, so a Pinger never sees two pings in flight.
type Pinger interface {
	Ping(ctx context.Context) (Measurement, error)
}

// TimeClient is the slice of the server RPC surface the server pinger needs.
type TimeClient interface {
	ServerTime(ctx context.Context, requestSent time.Time) (protocol.ServerTimeResponse, error)
}

// ServerPinger samples the coordination server clock over the RPC interface.
type ServerPinger struct {
	client TimeClient
	clock  func() time.Time
}

// NewServerPinger creates a server pinger. clock defaults to time.Now.
func NewServerPinger(client TimeClient, clock func() time.Time) *ServerPinger {
	if clock == nil {
		clock = time.Now
	}
	return &ServerPinger{client: client, clock: clock}
}

// Ping issues one getServerTime RPC and assembles the measurement.
func (p *ServerPinger) Ping(ctx context.Context) (Measurement, error) {
	requestSent := p.clock()
	resp, err := p.client.ServerTime(ctx, requestSent)
	if err != nil {
		return Measurement{}, fmt.Errorf("server time: %w", err)
	}
	return Measurement{
		RequestSent:      requestSent,
		RequestReceived:  resp.RequestReceptionTime,
		ResponseSent:     resp.ResponseTransmissionTime,
		ResponseReceived: p.clock(),
	}, nil
}

// PeerPinger samples a peer clock over the peer data channel. The request
// travels as a ping-request frame; the matching ping-response is delivered
// by the mesh through Resolve. At most one exchange is pending at a time.
type PeerPinger struct {
	peerID string
	send   func(protocol.PingRequest) error
	clock  func() time.Time

	mu      sync.Mutex
	pending chan pingResult
}

type pingResult struct {
	resp protocol.PingResponse
	err  error
}

// NewPeerPinger creates a pinger for one peer. send transmits a ping-request
// frame on that peer's data channel. clock defaults to time.Now.
func NewPeerPinger(peerID string, send func(protocol.PingRequest) error, clock func() time.Time) *PeerPinger {
	if clock == nil {
		clock = time.Now
	}
	return &PeerPinger{peerID: peerID, send: send, clock: clock}
}

// Ping sends one ping-request and waits for the response or cancellation.
func (p *PeerPinger) Ping(ctx context.Context) (Measurement, error) {
	requestSent := p.clock()
	waiter := make(chan pingResult, 1)

	p.mu.Lock()
	p.pending = waiter
	p.mu.Unlock()

	if err := p.send(protocol.PingRequest{RequestSent: requestSent}); err != nil {
		p.clearPending(waiter)
		return Measurement{}, fmt.Errorf("send ping to %s: %w", p.peerID, err)
	}

	select {
	case <-ctx.Done():
		p.clearPending(waiter)
		return Measurement{}, ctx.Err()
	case res := <-waiter:
		if res.err != nil {
			return Measurement{}, res.err
		}
		return Measurement{
			RequestSent:      requestSent,
			RequestReceived:  res.resp.RequestReceived,
			ResponseSent:     res.resp.ResponseSent,
			ResponseReceived: p.clock(),
		}, nil
	}
}

// Resolve completes the pending exchange. A response with no pending waiter
// (late arrival after cancellation) is dropped silently.
func (p *PeerPinger) Resolve(resp protocol.PingResponse) {
	p.mu.Lock()
	waiter := p.pending
	p.pending = nil
	p.mu.Unlock()

	if waiter == nil {
		return
	}
	select {
	case waiter <- pingResult{resp: resp}:
	default:
	}
}

// Reject fails the pending exchange, if any. Used when the peer link closes.
func (p *PeerPinger) Reject(err error) {
	p.mu.Lock()
	waiter := p.pending
	p.pending = nil
	p.mu.Unlock()

	if waiter == nil {
		return
	}
	select {
	case waiter <- pingResult{err: err}:
	default:
	}
}

func (p *PeerPinger) clearPending(waiter chan pingResult) {
	p.mu.Lock()
	if p.pending == waiter {
		p.pending = nil
	}
	p.mu.Unlock()
}
