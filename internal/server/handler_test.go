package server

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/groupcast/groupcast/internal/api"
	"github.com/groupcast/groupcast/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type testMember struct {
	client *api.WSClient

	mu      sync.Mutex
	inbound []protocol.Envelope
}

func (m *testMember) envelopes(msgType string) []protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range m.inbound {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (m *testMember) waitForType(t *testing.T, msgType string) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if envs := m.envelopes(msgType); len(envs) > 0 {
			return envs[len(envs)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s message received", msgType)
	return protocol.Envelope{}
}

func connectMember(t *testing.T, ctx context.Context, srv *httptest.Server, clientID string) *testMember {
	t.Helper()
	client, err := api.Connect(ctx, srv.URL, clientID, clientID, testLogger())
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", clientID, err)
	}
	m := &testMember{client: client}
	client.OnMessage(func(env protocol.Envelope) {
		m.mu.Lock()
		m.inbound = append(m.inbound, env)
		m.mu.Unlock()
	})
	go client.Run(ctx)
	t.Cleanup(func() { client.Close() })
	return m
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(testLogger()))
	t.Cleanup(srv.Close)
	return srv
}

func TestJoinGroupFlow(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := connectMember(t, ctx, srv, "alice")
	if err := a.client.JoinGroup("movie-night"); err != nil {
		t.Fatalf("JoinGroup() error = %v", err)
	}

	joinedEnv := a.waitForType(t, protocol.TypeGroupJoined)
	var joined protocol.GroupJoined
	if err := joinedEnv.DecodePayload(&joined); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if joined.Group.GroupID != "movie-night" {
		t.Errorf("GroupID = %s, want movie-night", joined.Group.GroupID)
	}
	if joined.EnabledAt.IsZero() {
		t.Error("EnabledAt must be stamped")
	}

	// Second member joining is announced to the first.
	b := connectMember(t, ctx, srv, "bob")
	if err := b.client.JoinGroup("movie-night"); err != nil {
		t.Fatalf("JoinGroup() error = %v", err)
	}
	b.waitForType(t, protocol.TypeGroupJoined)
	a.waitForType(t, protocol.TypeUserJoined)
}

func TestServerTimeRPC(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := connectMember(t, ctx, srv, "alice")
	sent := time.Now().UTC()
	resp, err := a.client.ServerTime(ctx, sent)
	if err != nil {
		t.Fatalf("ServerTime() error = %v", err)
	}
	if !resp.RequestSent.Equal(sent) {
		t.Errorf("RequestSent = %v, want echo of %v", resp.RequestSent, sent)
	}
	if resp.ResponseTransmissionTime.Before(resp.RequestReceptionTime) {
		t.Error("transmission before reception")
	}
}

func TestPlayBroadcastsQueueAndBufferingReleases(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := connectMember(t, ctx, srv, "alice")
	b := connectMember(t, ctx, srv, "bob")
	for _, m := range []*testMember{a, b} {
		if err := m.client.JoinGroup("g1"); err != nil {
			t.Fatalf("JoinGroup() error = %v", err)
		}
		m.waitForType(t, protocol.TypeGroupJoined)
	}

	if err := a.client.Play(protocol.PlayRequest{
		PlayingQueue:        []string{"m1", "m2"},
		PlayingItemPosition: 0,
		StartPositionTicks:  0,
	}); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	// Both members get the authoritative queue.
	var queueUpd protocol.PlayQueueUpdate
	env := b.waitForType(t, protocol.TypePlayQueue)
	if err := env.DecodePayload(&queueUpd); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if len(queueUpd.Playlist) != 2 || queueUpd.Reason != protocol.ReasonNewPlaylist {
		t.Errorf("queue update = %+v", queueUpd)
	}
	a.waitForType(t, protocol.TypePlayQueue)

	// A buffering-done report releases the waiting group with an Unpause.
	if err := b.client.ReportBuffering(protocol.BufferingReport{
		BufferingDone:  true,
		PlaylistItemID: queueUpd.CurrentPlaylistItemID(),
	}); err != nil {
		t.Fatalf("ReportBuffering() error = %v", err)
	}

	cmdEnv := a.waitForType(t, protocol.TypePlaybackCommand)
	var cmd protocol.PlaybackCommand
	if err := cmdEnv.DecodePayload(&cmd); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if cmd.Command != protocol.CommandUnpause {
		t.Errorf("command = %s, want Unpause", cmd.Command)
	}
	if cmd.PlaylistItemID != queueUpd.CurrentPlaylistItemID() {
		t.Errorf("command item = %s, want %s", cmd.PlaylistItemID, queueUpd.CurrentPlaylistItemID())
	}
	if !cmd.When.After(cmd.EmittedAt) {
		t.Error("command must be scheduled in the future")
	}
}

func TestQueueEditBroadcast(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := connectMember(t, ctx, srv, "alice")
	if err := a.client.JoinGroup("g1"); err != nil {
		t.Fatalf("JoinGroup() error = %v", err)
	}
	a.waitForType(t, protocol.TypeGroupJoined)

	if err := a.client.Play(protocol.PlayRequest{PlayingQueue: []string{"m1"}}); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	a.waitForType(t, protocol.TypePlayQueue)

	if err := a.client.SetRepeatMode(protocol.SetRepeatModeRequest{Mode: protocol.RepeatAll}); err != nil {
		t.Fatalf("SetRepeatMode() error = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, env := range a.envelopes(protocol.TypePlayQueue) {
			var upd protocol.PlayQueueUpdate
			if env.DecodePayload(&upd) == nil && upd.Reason == protocol.ReasonRepeatMode {
				if upd.RepeatMode != protocol.RepeatAll {
					t.Errorf("repeat mode = %s, want RepeatAll", upd.RepeatMode)
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("repeat-mode queue update never arrived")
}

func TestWebRTCRelay(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := connectMember(t, ctx, srv, "alice")
	b := connectMember(t, ctx, srv, "bob")
	for _, m := range []*testMember{a, b} {
		if err := m.client.JoinGroup("g1"); err != nil {
			t.Fatalf("JoinGroup() error = %v", err)
		}
		m.waitForType(t, protocol.TypeGroupJoined)
	}

	// Session announcement fans out to everyone else.
	if err := a.client.SendSignal(protocol.WebRTCSignal{NewSession: true}); err != nil {
		t.Fatalf("SendSignal() error = %v", err)
	}
	env := b.waitForType(t, protocol.TypeWebRTC)
	var sig protocol.WebRTCSignal
	if err := env.DecodePayload(&sig); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if !sig.NewSession || sig.From != "alice" {
		t.Errorf("relayed signal = %+v", sig)
	}

	// Directed artifacts reach only their target.
	if err := b.client.SendSignal(protocol.WebRTCSignal{To: "alice", Offer: []byte(`{"type":"offer","sdp":""}`)}); err != nil {
		t.Fatalf("SendSignal() error = %v", err)
	}
	env = a.waitForType(t, protocol.TypeWebRTC)
	if err := env.DecodePayload(&sig); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if sig.From != "bob" || len(sig.Offer) == 0 {
		t.Errorf("directed signal = %+v", sig)
	}
}

func TestLeaveGroupNotifiesOthers(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := connectMember(t, ctx, srv, "alice")
	b := connectMember(t, ctx, srv, "bob")
	for _, m := range []*testMember{a, b} {
		if err := m.client.JoinGroup("g1"); err != nil {
			t.Fatalf("JoinGroup() error = %v", err)
		}
		m.waitForType(t, protocol.TypeGroupJoined)
	}

	if err := b.client.LeaveGroup(); err != nil {
		t.Fatalf("LeaveGroup() error = %v", err)
	}

	b.waitForType(t, protocol.TypeGroupLeft)
	a.waitForType(t, protocol.TypeUserLeft)
}
