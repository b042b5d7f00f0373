package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/groupcast/groupcast/pkg/protocol"
)

// Client is the typed server RPC surface the coordinator issues requests
// through.
type Client interface {
	JoinGroup(groupID string) error
	LeaveGroup() error

	ServerTime(ctx context.Context, requestSent time.Time) (protocol.ServerTimeResponse, error)
	Ping(pingMillis int64) error

	Play(req protocol.PlayRequest) error
	Pause() error
	Unpause() error
	Seek(req protocol.SeekRequest) error
	Stop() error
	ReportBuffering(report protocol.BufferingReport) error

	SetPlaylistItem(req protocol.SetPlaylistItemRequest) error
	RemoveFromPlaylist(req protocol.RemoveFromPlaylistRequest) error
	MovePlaylistItem(req protocol.MovePlaylistItemRequest) error
	Queue(req protocol.QueueRequest) error
	NextTrack(req protocol.TrackRequest) error
	PreviousTrack(req protocol.TrackRequest) error
	SetRepeatMode(req protocol.SetRepeatModeRequest) error
	SetShuffleMode(req protocol.SetShuffleModeRequest) error
	SetIgnoreWait(req protocol.SetIgnoreWaitRequest) error
	Follow() error

	SendSignal(sig protocol.WebRTCSignal) error
}

// WSClient implements Client over one websocket connection. Inbound
// envelopes that are not RPC responses are handed to the message handler.
type WSClient struct {
	log      *slog.Logger
	clientID string

	conn *Conn

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope
	handler func(env protocol.Envelope)
}

var _ Client = (*WSClient)(nil)

// NewWSClient wraps an established connection.
func NewWSClient(conn *Conn, clientID string, log *slog.Logger) *WSClient {
	return &WSClient{
		log:      log,
		clientID: clientID,
		conn:     conn,
		pending:  make(map[string]chan protocol.Envelope),
	}
}

// Connect dials the server and returns a ready client. Run must be called
// to start dispatching inbound messages.
func Connect(ctx context.Context, serverURL, clientID, name string, log *slog.Logger) (*WSClient, error) {
	wsURL, err := BuildWebSocketURL(serverURL, clientID, name)
	if err != nil {
		return nil, fmt.Errorf("build websocket url: %w", err)
	}
	conn, err := Dial(ctx, wsURL, log)
	if err != nil {
		return nil, err
	}
	return NewWSClient(conn, clientID, log), nil
}

// OnMessage registers the handler for server-initiated messages.
func (c *WSClient) OnMessage(fn func(env protocol.Envelope)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Run pumps inbound envelopes until the connection dies or ctx is
// cancelled.
func (c *WSClient) Run(ctx context.Context) error {
	return c.conn.ReadLoop(ctx, c.dispatch)
}

// Close tears the connection down and rejects pending RPCs.
func (c *WSClient) Close() error {
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *WSClient) dispatch(env protocol.Envelope) {
	if err := env.ValidateBasic(); err != nil {
		c.log.Warn("invalid envelope dropped", "err", err)
		return
	}

	// RPC responses resolve their pending waiter; everything else goes to
	// the message handler.
	c.mu.Lock()
	waiter, isReply := c.pending[env.MsgID]
	if isReply {
		delete(c.pending, env.MsgID)
	}
	handler := c.handler
	c.mu.Unlock()

	if isReply {
		waiter <- env
		return
	}
	if handler != nil {
		handler(env)
	} else {
		c.log.Debug("message with no handler dropped", "type", env.Type)
	}
}

func (c *WSClient) send(msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	env.From = c.clientID
	return c.conn.Send(env)
}

// call sends a request and waits for the envelope echoing its msg_id.
func (c *WSClient) call(ctx context.Context, msgType string, payload any) (protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	env.From = c.clientID

	waiter := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[env.MsgID] = waiter
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, env.MsgID)
		c.mu.Unlock()
	}

	if err := c.conn.Send(env); err != nil {
		cleanup()
		return protocol.Envelope{}, err
	}

	select {
	case <-ctx.Done():
		cleanup()
		return protocol.Envelope{}, ctx.Err()
	case reply, ok := <-waiter:
		if !ok {
			return protocol.Envelope{}, fmt.Errorf("connection closed during %s", msgType)
		}
		return reply, nil
	}
}

func (c *WSClient) JoinGroup(groupID string) error {
	return c.send(protocol.TypeJoinGroup, protocol.JoinGroupRequest{GroupID: groupID, ClientID: c.clientID})
}

func (c *WSClient) LeaveGroup() error {
	return c.send(protocol.TypeLeaveGroup, nil)
}

func (c *WSClient) ServerTime(ctx context.Context, requestSent time.Time) (protocol.ServerTimeResponse, error) {
	reply, err := c.call(ctx, protocol.TypeGetServerTime, protocol.GetServerTimeRequest{RequestSent: requestSent})
	if err != nil {
		return protocol.ServerTimeResponse{}, err
	}
	var resp protocol.ServerTimeResponse
	if err := reply.DecodePayload(&resp); err != nil {
		return protocol.ServerTimeResponse{}, fmt.Errorf("decode server time: %w", err)
	}
	return resp, nil
}

func (c *WSClient) Ping(pingMillis int64) error {
	return c.send(protocol.TypePing, protocol.PingReport{Ping: pingMillis})
}

func (c *WSClient) Play(req protocol.PlayRequest) error { return c.send(protocol.TypePlay, req) }
func (c *WSClient) Pause() error                        { return c.send(protocol.TypePause, nil) }
func (c *WSClient) Unpause() error                      { return c.send(protocol.TypeUnpause, nil) }
func (c *WSClient) Seek(req protocol.SeekRequest) error { return c.send(protocol.TypeSeek, req) }
func (c *WSClient) Stop() error                         { return c.send(protocol.TypeStop, nil) }

func (c *WSClient) ReportBuffering(report protocol.BufferingReport) error {
	return c.send(protocol.TypeBuffering, report)
}

func (c *WSClient) SetPlaylistItem(req protocol.SetPlaylistItemRequest) error {
	return c.send(protocol.TypeSetPlaylistItem, req)
}

func (c *WSClient) RemoveFromPlaylist(req protocol.RemoveFromPlaylistRequest) error {
	return c.send(protocol.TypeRemoveFromPlaylist, req)
}

func (c *WSClient) MovePlaylistItem(req protocol.MovePlaylistItemRequest) error {
	return c.send(protocol.TypeMovePlaylistItem, req)
}

func (c *WSClient) Queue(req protocol.QueueRequest) error {
	return c.send(protocol.TypeQueue, req)
}

func (c *WSClient) NextTrack(req protocol.TrackRequest) error {
	return c.send(protocol.TypeNextTrack, req)
}

func (c *WSClient) PreviousTrack(req protocol.TrackRequest) error {
	return c.send(protocol.TypePreviousTrack, req)
}

func (c *WSClient) SetRepeatMode(req protocol.SetRepeatModeRequest) error {
	return c.send(protocol.TypeSetRepeatMode, req)
}

func (c *WSClient) SetShuffleMode(req protocol.SetShuffleModeRequest) error {
	return c.send(protocol.TypeSetShuffleMode, req)
}

func (c *WSClient) SetIgnoreWait(req protocol.SetIgnoreWaitRequest) error {
	return c.send(protocol.TypeSetIgnoreWait, req)
}

// Follow opts this client into the group's wait-for-ready barrier.
func (c *WSClient) Follow() error {
	return c.SetIgnoreWait(protocol.SetIgnoreWaitRequest{IgnoreWait: false})
}

func (c *WSClient) SendSignal(sig protocol.WebRTCSignal) error {
	sig.From = c.clientID
	return c.send(protocol.TypeWebRTC, sig)
}
