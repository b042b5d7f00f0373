package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/groupcast/groupcast/internal/config"
	"github.com/groupcast/groupcast/internal/drift"
	"github.com/groupcast/groupcast/internal/peerlink"
	"github.com/groupcast/groupcast/internal/queue"
	"github.com/groupcast/groupcast/internal/scheduler"
	"github.com/groupcast/groupcast/internal/timesync"
	"github.com/groupcast/groupcast/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeClient records every typed request.
type fakeClient struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeClient) record(name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) JoinGroup(string) error { return f.record("joinGroup") }
func (f *fakeClient) LeaveGroup() error      { return f.record("leaveGroup") }
func (f *fakeClient) Ping(int64) error       { return f.record("ping") }
func (f *fakeClient) Pause() error           { return f.record("pause") }
func (f *fakeClient) Unpause() error         { return f.record("unpause") }
func (f *fakeClient) Stop() error            { return f.record("stop") }
func (f *fakeClient) Follow() error          { return f.record("follow") }

func (f *fakeClient) ServerTime(context.Context, time.Time) (protocol.ServerTimeResponse, error) {
	f.record("serverTime")
	now := time.Now()
	return protocol.ServerTimeResponse{RequestReceptionTime: now, ResponseTransmissionTime: now}, nil
}

func (f *fakeClient) Play(protocol.PlayRequest) error                { return f.record("play") }
func (f *fakeClient) Seek(protocol.SeekRequest) error                { return f.record("seek") }
func (f *fakeClient) ReportBuffering(protocol.BufferingReport) error { return f.record("buffering") }
func (f *fakeClient) SetPlaylistItem(protocol.SetPlaylistItemRequest) error {
	return f.record("setPlaylistItem")
}
func (f *fakeClient) RemoveFromPlaylist(protocol.RemoveFromPlaylistRequest) error {
	return f.record("removeFromPlaylist")
}
func (f *fakeClient) MovePlaylistItem(protocol.MovePlaylistItemRequest) error {
	return f.record("movePlaylistItem")
}
func (f *fakeClient) Queue(protocol.QueueRequest) error         { return f.record("queue") }
func (f *fakeClient) NextTrack(protocol.TrackRequest) error     { return f.record("nextTrack") }
func (f *fakeClient) PreviousTrack(protocol.TrackRequest) error { return f.record("previousTrack") }
func (f *fakeClient) SetRepeatMode(protocol.SetRepeatModeRequest) error {
	return f.record("setRepeatMode")
}
func (f *fakeClient) SetShuffleMode(protocol.SetShuffleModeRequest) error {
	return f.record("setShuffleMode")
}
func (f *fakeClient) SetIgnoreWait(protocol.SetIgnoreWaitRequest) error {
	return f.record("setIgnoreWait")
}
func (f *fakeClient) SendSignal(protocol.WebRTCSignal) error { return f.record("webrtc") }

func (f *fakeClient) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

type idlePinger struct{}

func (idlePinger) Ping(ctx context.Context) (timesync.Measurement, error) {
	<-ctx.Done()
	return timesync.Measurement{}, ctx.Err()
}

type nullResolver struct{}

func (nullResolver) ResolveItems(ids []string) ([]queue.MediaItem, error) {
	items := make([]queue.MediaItem, len(ids))
	for i, id := range ids {
		items[i] = queue.MediaItem{ID: id}
	}
	return items, nil
}

type nullPlaylist struct{}

func (nullPlaylist) SetItems([]queue.Item, int)                   {}
func (nullPlaylist) SetCurrentItem(string)                        {}
func (nullPlaylist) CurrentPlaylistItemID() string                { return "" }
func (nullPlaylist) Refresh()                                     {}
func (nullPlaylist) SetRepeatMode(protocol.RepeatMode)            {}
func (nullPlaylist) SetShuffleMode(protocol.ShuffleMode)          {}
func (nullPlaylist) StartPlayback([]queue.Item, int, int64) error { return nil }

type localNoop struct{}

func (localNoop) Play([]string, int, int64) error           { return nil }
func (localNoop) SetCurrentItem(string) error               { return nil }
func (localNoop) RemoveItems([]string) error                { return nil }
func (localNoop) MoveItem(string, int) error                { return nil }
func (localNoop) Queue([]string) error                      { return nil }
func (localNoop) QueueNext([]string) error                  { return nil }
func (localNoop) NextTrack() error                          { return nil }
func (localNoop) PreviousTrack() error                      { return nil }
func (localNoop) SetRepeatMode(protocol.RepeatMode) error   { return nil }
func (localNoop) SetShuffleMode(protocol.ShuffleMode) error { return nil }
func (localNoop) ShuffleMode() protocol.ShuffleMode         { return protocol.ShuffleSorted }

type ctlFixture struct {
	ctl    *Controller
	client *fakeClient
	sched  *scheduler.Scheduler
	reg    *timesync.Registry
	mirror *queue.Mirror
	qctl   *queue.Controller
	base   time.Time
}

func newCtlFixture(t *testing.T) *ctlFixture {
	t.Helper()
	f := &ctlFixture{
		client: &fakeClient{},
		base:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	store := config.NewStore(config.DefaultSettings())
	f.reg = timesync.NewRegistry(idlePinger{}, store, testLogger(), nil)
	f.mirror = queue.NewMirror(nullResolver{}, nullPlaylist{}, f.client, f.reg, testLogger())
	f.qctl = queue.NewController(f.client, localNoop{}, f.mirror, testLogger())
	f.sched = scheduler.New(store, f.reg, f.client, f.mirror.CurrentPlaylistItemID, testLogger(), nil)
	corr := drift.New(store, f.reg, f.sched, testLogger(), nil)
	f.ctl = New(f.client, store, f.reg, f.sched, corr, f.mirror, f.qctl, peerlink.Config{}, testLogger())
	t.Cleanup(f.ctl.Disable)
	return f
}

func envelope(t *testing.T, msgType string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		t.Fatalf("NewEnvelope(%s) error = %v", msgType, err)
	}
	return env
}

func (f *ctlFixture) join(t *testing.T) {
	t.Helper()
	f.ctl.HandleMessage(envelope(t, protocol.TypeGroupJoined, protocol.GroupJoined{
		Group:     protocol.GroupInfo{GroupID: "g1", GroupName: "movie night"},
		EnabledAt: f.base,
	}))
}

func TestGroupJoinedEnablesSession(t *testing.T) {
	f := newCtlFixture(t)
	f.join(t)

	if got := f.ctl.State(); got != EnabledNotReady {
		t.Errorf("State() = %s, want enabled-not-ready", got)
	}
	if !f.qctl.Grouped() {
		t.Error("queue actions should be intercepted after join")
	}
	if got := f.ctl.GroupInfo().GroupID; got != "g1" {
		t.Errorf("GroupID = %s, want g1", got)
	}
}

func TestCommandQueuedUntilFirstSync(t *testing.T) {
	f := newCtlFixture(t)
	f.join(t)

	pos := int64(10_000_000)
	f.ctl.HandleMessage(envelope(t, protocol.TypePlaybackCommand, protocol.PlaybackCommand{
		Command:       protocol.CommandUnpause,
		When:          f.base.Add(time.Second),
		EmittedAt:     f.base.Add(time.Millisecond),
		PositionTicks: &pos,
	}))

	// Not ready yet: the scheduler must not have seen the command, but the
	// session still tracks it for the status surface.
	if f.sched.LastCommand() != nil {
		t.Fatal("command reached the scheduler before the first sync")
	}
	if got := f.ctl.LastCommand(); got == nil || got.Command != protocol.CommandUnpause {
		t.Fatalf("controller LastCommand() = %+v, want the queued unpause", got)
	}

	// First successful server sample flips ready and flushes the queue.
	f.ctl.onTimeSyncUpdate(timesync.Update{SourceID: timesync.SourceServer, OffsetMillis: -5, PingMillis: 100})

	if got := f.ctl.State(); got != EnabledReady {
		t.Errorf("State() = %s, want enabled-ready", got)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.sched.LastCommand() != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cmd := f.sched.LastCommand(); cmd == nil || cmd.Command != protocol.CommandUnpause {
		t.Errorf("flushed command = %+v, want the queued unpause", cmd)
	}
	if !f.client.has("ping") {
		t.Error("ready transition should report ping to the server")
	}
}

func TestReadyFlipsOnlyOnce(t *testing.T) {
	f := newCtlFixture(t)
	f.join(t)

	f.ctl.onTimeSyncUpdate(timesync.Update{SourceID: timesync.SourceServer})
	f.ctl.onTimeSyncUpdate(timesync.Update{SourceID: timesync.SourceServer})

	if got := f.ctl.State(); got != EnabledReady {
		t.Errorf("State() = %s, want enabled-ready", got)
	}
}

func TestFailedSyncDoesNotFlipReady(t *testing.T) {
	f := newCtlFixture(t)
	f.join(t)

	f.ctl.onTimeSyncUpdate(timesync.Update{SourceID: timesync.SourceServer, Err: context.DeadlineExceeded})

	if got := f.ctl.State(); got != EnabledNotReady {
		t.Errorf("State() = %s, want enabled-not-ready after failed sync", got)
	}
}

func TestGroupLeftDisablesEverything(t *testing.T) {
	f := newCtlFixture(t)
	f.join(t)
	f.ctl.onTimeSyncUpdate(timesync.Update{SourceID: timesync.SourceServer})

	f.ctl.HandleMessage(envelope(t, protocol.TypeGroupLeft, nil))

	if got := f.ctl.State(); got != Disabled {
		t.Errorf("State() = %s, want disabled", got)
	}
	if f.qctl.Grouped() {
		t.Error("queue interception should stop on group left")
	}
	if f.sched.HasPendingTimer() {
		t.Error("scheduler timer survived disable")
	}
	if f.ctl.LastCommand() != nil {
		t.Error("last command survived disable")
	}
	if got := len(f.ctl.Mesh().PeerIDs()); got != 0 {
		t.Errorf("mesh links after disable = %d, want 0", got)
	}
	if got := len(f.reg.Devices()); got != 1 {
		t.Errorf("registry devices = %d, want only server", got)
	}
}

func TestDisableIsIdempotent(t *testing.T) {
	f := newCtlFixture(t)
	f.ctl.Disable()
	f.ctl.Disable()
	if got := f.ctl.State(); got != Disabled {
		t.Errorf("State() = %s, want disabled", got)
	}
}

func TestPlayQueueRoutedToMirror(t *testing.T) {
	f := newCtlFixture(t)
	f.join(t)

	f.ctl.HandleMessage(envelope(t, protocol.TypePlayQueue, protocol.PlayQueueUpdate{
		Playlist:         []protocol.QueueItem{{ItemID: "m1", PlaylistItemID: "p1"}},
		PlayingItemIndex: 0,
		LastUpdate:       f.base.Add(time.Second),
		Reason:           protocol.ReasonQueue,
	}))

	if got := f.mirror.CurrentPlaylistItemID(); got != "p1" {
		t.Errorf("mirrored current item = %s, want p1", got)
	}
}

func TestCommandWhileDisabledDropped(t *testing.T) {
	f := newCtlFixture(t)
	pos := int64(0)
	f.ctl.HandleMessage(envelope(t, protocol.TypePlaybackCommand, protocol.PlaybackCommand{
		Command:       protocol.CommandPause,
		When:          f.base,
		PositionTicks: &pos,
	}))
	if f.sched.LastCommand() != nil {
		t.Error("command while disabled must not reach the scheduler")
	}
}

func TestWebRTCSignalDroppedWhenDisabledBySetting(t *testing.T) {
	f := newCtlFixture(t)
	f.join(t)

	// enable_webrtc defaults to false: the signal must not create a link.
	f.ctl.HandleMessage(envelope(t, protocol.TypeWebRTC, protocol.WebRTCSignal{From: "peer-1", NewSession: true}))

	if got := len(f.ctl.Mesh().PeerIDs()); got != 0 {
		t.Errorf("mesh links = %d, want 0 with webrtc disabled", got)
	}
}

func TestDeniedResponsesDisable(t *testing.T) {
	for _, msgType := range []string{
		protocol.TypeGroupDoesNotExist,
		protocol.TypeJoinGroupDenied,
		protocol.TypeLibraryAccessDenied,
		protocol.TypeSyncDisabled,
	} {
		t.Run(msgType, func(t *testing.T) {
			f := newCtlFixture(t)
			f.join(t)
			f.ctl.HandleMessage(envelope(t, msgType, nil))
			if got := f.ctl.State(); got != Disabled {
				t.Errorf("State() = %s, want disabled after %s", got, msgType)
			}
		})
	}
}

func TestUnknownMessageDropped(t *testing.T) {
	f := newCtlFixture(t)
	f.join(t)
	f.ctl.HandleMessage(envelope(t, "mystery-message", nil))
	if got := f.ctl.State(); got != EnabledNotReady {
		t.Errorf("State() = %s, unknown message must not change state", got)
	}
}

func TestInvalidCommandKindDropped(t *testing.T) {
	f := newCtlFixture(t)
	f.join(t)
	f.ctl.onTimeSyncUpdate(timesync.Update{SourceID: timesync.SourceServer})

	f.ctl.HandleMessage(envelope(t, protocol.TypePlaybackCommand, protocol.PlaybackCommand{
		Command: protocol.CommandKind("Rewind"),
		When:    f.base,
	}))
	if f.sched.LastCommand() != nil {
		t.Error("invalid command kind must be dropped")
	}
}
