package queue

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/groupcast/groupcast/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type identityConverter struct{}

func (identityConverter) LocalToRemote(t time.Time) time.Time { return t }
func (identityConverter) RemoteToLocal(t time.Time) time.Time { return t }

type fakeResolver struct {
	known map[string]MediaItem
	err   error
}

func (r *fakeResolver) ResolveItems(ids []string) ([]MediaItem, error) {
	if r.err != nil {
		return nil, r.err
	}
	var out []MediaItem
	for _, id := range ids {
		if item, ok := r.known[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

type fakePlaylist struct {
	mu           sync.Mutex
	items        []Item
	index        int
	currentID    string
	refreshes    int
	setCurrent   []string
	repeatModes  []protocol.RepeatMode
	shuffleModes []protocol.ShuffleMode
	started      bool
	startedTicks int64
	startedIndex int
}

func (p *fakePlaylist) SetItems(items []Item, currentIndex int) {
	p.mu.Lock()
	p.items = items
	p.index = currentIndex
	p.mu.Unlock()
}

func (p *fakePlaylist) SetCurrentItem(id string) {
	p.mu.Lock()
	p.currentID = id
	p.setCurrent = append(p.setCurrent, id)
	p.mu.Unlock()
}

func (p *fakePlaylist) CurrentPlaylistItemID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentID
}

func (p *fakePlaylist) Refresh() {
	p.mu.Lock()
	p.refreshes++
	p.mu.Unlock()
}

func (p *fakePlaylist) SetRepeatMode(mode protocol.RepeatMode) {
	p.mu.Lock()
	p.repeatModes = append(p.repeatModes, mode)
	p.mu.Unlock()
}

func (p *fakePlaylist) SetShuffleMode(mode protocol.ShuffleMode) {
	p.mu.Lock()
	p.shuffleModes = append(p.shuffleModes, mode)
	p.mu.Unlock()
}

func (p *fakePlaylist) StartPlayback(items []Item, index int, startTicks int64) error {
	p.mu.Lock()
	p.started = true
	p.startedTicks = startTicks
	p.startedIndex = index
	p.mu.Unlock()
	return nil
}

type fakeFollower struct {
	mu      sync.Mutex
	follows int
	reports []protocol.BufferingReport
}

func (f *fakeFollower) Follow() error {
	f.mu.Lock()
	f.follows++
	f.mu.Unlock()
	return nil
}

func (f *fakeFollower) ReportBuffering(report protocol.BufferingReport) error {
	f.mu.Lock()
	f.reports = append(f.reports, report)
	f.mu.Unlock()
	return nil
}

type mirrorFixture struct {
	mirror   *Mirror
	playlist *fakePlaylist
	follower *fakeFollower
	base     time.Time
	now      time.Time
}

func newMirrorFixture(t *testing.T) *mirrorFixture {
	t.Helper()
	f := &mirrorFixture{
		playlist: &fakePlaylist{},
		follower: &fakeFollower{},
		base:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.now = f.base
	resolver := &fakeResolver{known: map[string]MediaItem{
		"m1": {ID: "m1", Name: "First"},
		"m2": {ID: "m2", Name: "Second"},
		"m3": {ID: "m3", Name: "Third"},
	}}
	f.mirror = NewMirror(resolver, f.playlist, f.follower, identityConverter{}, testLogger(),
		WithClock(func() time.Time { return f.now }))
	return f
}

func baseUpdate(f *mirrorFixture, reason protocol.QueueUpdateReason, lastUpdateMillis int64) protocol.PlayQueueUpdate {
	return protocol.PlayQueueUpdate{
		Playlist: []protocol.QueueItem{
			{ItemID: "m1", PlaylistItemID: "p1"},
			{ItemID: "m2", PlaylistItemID: "p2"},
		},
		PlayingItemIndex: 0,
		ShuffleMode:      protocol.ShuffleSorted,
		RepeatMode:       protocol.RepeatNone,
		LastUpdate:       f.base.Add(time.Duration(lastUpdateMillis) * time.Millisecond),
		Reason:           reason,
	}
}

func TestNewPlaylistFollowsAndStartsPlayback(t *testing.T) {
	f := newMirrorFixture(t)
	upd := baseUpdate(f, protocol.ReasonNewPlaylist, 1000)
	upd.StartPositionTicks = 5_000_000
	upd.IsPlaying = true
	// The group started 2s ago relative to the local clock.
	f.now = f.base.Add(3000 * time.Millisecond)

	if err := f.mirror.ApplyUpdate(upd); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}

	if f.follower.follows != 1 {
		t.Errorf("follows = %d, want 1", f.follower.follows)
	}
	if !f.mirror.Following() {
		t.Error("mirror should be following")
	}
	if !f.playlist.started {
		t.Fatal("playback not started")
	}
	// 5,000,000 ticks + 2000ms elapsed = 25,000,000.
	if f.playlist.startedTicks != 25_000_000 {
		t.Errorf("start ticks = %d, want 25000000", f.playlist.startedTicks)
	}
	if len(f.follower.reports) != 1 {
		t.Fatalf("buffering reports = %d, want 1", len(f.follower.reports))
	}
	report := f.follower.reports[0]
	if !report.BufferingDone || report.IsPlaying {
		t.Errorf("report = %+v, want buffering done and paused", report)
	}
	if report.PlaylistItemID != "p1" {
		t.Errorf("report item = %s, want p1", report.PlaylistItemID)
	}
}

func TestNewPlaylistPausedGroupUsesStartTicks(t *testing.T) {
	f := newMirrorFixture(t)
	upd := baseUpdate(f, protocol.ReasonNewPlaylist, 1000)
	upd.StartPositionTicks = 5_000_000
	upd.IsPlaying = false
	f.now = f.base.Add(10 * time.Second)

	if err := f.mirror.ApplyUpdate(upd); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if f.playlist.startedTicks != 5_000_000 {
		t.Errorf("start ticks = %d, want unadjusted 5000000", f.playlist.startedTicks)
	}
}

func TestStaleUpdateRejected(t *testing.T) {
	f := newMirrorFixture(t)
	if err := f.mirror.ApplyUpdate(baseUpdate(f, protocol.ReasonQueue, 1500)); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	before := f.mirror.Snapshot()

	err := f.mirror.ApplyUpdate(baseUpdate(f, protocol.ReasonQueue, 1200))
	if !errors.Is(err, ErrStaleUpdate) {
		t.Fatalf("error = %v, want ErrStaleUpdate", err)
	}

	after := f.mirror.Snapshot()
	if !after.LastUpdate.Equal(before.LastUpdate) || len(after.Items) != len(before.Items) {
		t.Error("stale update mutated the view")
	}
}

func TestEqualTimestampRejected(t *testing.T) {
	f := newMirrorFixture(t)
	if err := f.mirror.ApplyUpdate(baseUpdate(f, protocol.ReasonQueue, 1500)); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if err := f.mirror.ApplyUpdate(baseUpdate(f, protocol.ReasonQueue, 1500)); !errors.Is(err, ErrStaleUpdate) {
		t.Errorf("error = %v, want ErrStaleUpdate for equal timestamp", err)
	}
}

func TestSetCurrentItemReasons(t *testing.T) {
	for _, reason := range []protocol.QueueUpdateReason{
		protocol.ReasonSetCurrentItem, protocol.ReasonNextTrack, protocol.ReasonPreviousTrack,
	} {
		t.Run(string(reason), func(t *testing.T) {
			f := newMirrorFixture(t)
			upd := baseUpdate(f, reason, 1000)
			upd.PlayingItemIndex = 1

			if err := f.mirror.ApplyUpdate(upd); err != nil {
				t.Fatalf("ApplyUpdate() error = %v", err)
			}
			if len(f.playlist.setCurrent) != 1 || f.playlist.setCurrent[0] != "p2" {
				t.Errorf("setCurrent = %v, want [p2]", f.playlist.setCurrent)
			}
		})
	}
}

func TestRemoveItemsNudgesAndFixesCurrent(t *testing.T) {
	f := newMirrorFixture(t)
	// The local player sits on a slot that no longer matches.
	f.playlist.currentID = "p9"

	if err := f.mirror.ApplyUpdate(baseUpdate(f, protocol.ReasonRemoveItems, 1000)); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if f.playlist.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", f.playlist.refreshes)
	}
	if len(f.playlist.setCurrent) != 1 || f.playlist.setCurrent[0] != "p1" {
		t.Errorf("setCurrent = %v, want [p1]", f.playlist.setCurrent)
	}
}

func TestMoveAndQueueOnlyRefresh(t *testing.T) {
	for _, reason := range []protocol.QueueUpdateReason{
		protocol.ReasonMoveItem, protocol.ReasonQueue, protocol.ReasonQueueNext,
	} {
		t.Run(string(reason), func(t *testing.T) {
			f := newMirrorFixture(t)
			f.playlist.currentID = "p1"
			if err := f.mirror.ApplyUpdate(baseUpdate(f, reason, 1000)); err != nil {
				t.Fatalf("ApplyUpdate() error = %v", err)
			}
			if f.playlist.refreshes != 1 {
				t.Errorf("refreshes = %d, want 1", f.playlist.refreshes)
			}
			if len(f.playlist.setCurrent) != 0 {
				t.Errorf("setCurrent = %v, want none", f.playlist.setCurrent)
			}
		})
	}
}

func TestModeReasons(t *testing.T) {
	f := newMirrorFixture(t)
	upd := baseUpdate(f, protocol.ReasonRepeatMode, 1000)
	upd.RepeatMode = protocol.RepeatAll
	if err := f.mirror.ApplyUpdate(upd); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if len(f.playlist.repeatModes) != 1 || f.playlist.repeatModes[0] != protocol.RepeatAll {
		t.Errorf("repeatModes = %v", f.playlist.repeatModes)
	}

	upd = baseUpdate(f, protocol.ReasonShuffleMode, 2000)
	upd.ShuffleMode = protocol.ShuffleShuffle
	if err := f.mirror.ApplyUpdate(upd); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if len(f.playlist.shuffleModes) != 1 || f.playlist.shuffleModes[0] != protocol.ShuffleShuffle {
		t.Errorf("shuffleModes = %v", f.playlist.shuffleModes)
	}
}

func TestUnresolvableItemKeepsPlaceholder(t *testing.T) {
	f := newMirrorFixture(t)
	upd := baseUpdate(f, protocol.ReasonQueue, 1000)
	upd.Playlist = append(upd.Playlist, protocol.QueueItem{ItemID: "ghost", PlaylistItemID: "p3"})

	if err := f.mirror.ApplyUpdate(upd); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	v := f.mirror.Snapshot()
	if len(v.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(v.Items))
	}
	if v.Items[2].Media.ID != "ghost" || v.Items[2].Media.Name != "" {
		t.Errorf("placeholder = %+v", v.Items[2])
	}
}

// --- controller ---

type fakeRequester struct {
	mu    sync.Mutex
	calls []string
	reqs  []any
}

func (r *fakeRequester) record(name string, req any) error {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return nil
}

func (r *fakeRequester) Play(req protocol.PlayRequest) error { return r.record("play", req) }
func (r *fakeRequester) SetPlaylistItem(req protocol.SetPlaylistItemRequest) error {
	return r.record("setPlaylistItem", req)
}
func (r *fakeRequester) RemoveFromPlaylist(req protocol.RemoveFromPlaylistRequest) error {
	return r.record("removeFromPlaylist", req)
}
func (r *fakeRequester) MovePlaylistItem(req protocol.MovePlaylistItemRequest) error {
	return r.record("movePlaylistItem", req)
}
func (r *fakeRequester) Queue(req protocol.QueueRequest) error { return r.record("queue", req) }
func (r *fakeRequester) NextTrack(req protocol.TrackRequest) error {
	return r.record("nextTrack", req)
}
func (r *fakeRequester) PreviousTrack(req protocol.TrackRequest) error {
	return r.record("previousTrack", req)
}
func (r *fakeRequester) SetRepeatMode(req protocol.SetRepeatModeRequest) error {
	return r.record("setRepeatMode", req)
}
func (r *fakeRequester) SetShuffleMode(req protocol.SetShuffleModeRequest) error {
	return r.record("setShuffleMode", req)
}

type fakeLocalPlayback struct {
	mu      sync.Mutex
	calls   []string
	shuffle protocol.ShuffleMode
}

func (l *fakeLocalPlayback) record(name string) error {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
	return nil
}

func (l *fakeLocalPlayback) Play([]string, int, int64) error { return l.record("play") }
func (l *fakeLocalPlayback) SetCurrentItem(string) error     { return l.record("setCurrentItem") }
func (l *fakeLocalPlayback) RemoveItems([]string) error      { return l.record("removeItems") }
func (l *fakeLocalPlayback) MoveItem(string, int) error      { return l.record("moveItem") }
func (l *fakeLocalPlayback) Queue([]string) error            { return l.record("queue") }
func (l *fakeLocalPlayback) QueueNext([]string) error        { return l.record("queueNext") }
func (l *fakeLocalPlayback) NextTrack() error                { return l.record("nextTrack") }
func (l *fakeLocalPlayback) PreviousTrack() error            { return l.record("previousTrack") }
func (l *fakeLocalPlayback) SetRepeatMode(protocol.RepeatMode) error {
	return l.record("setRepeatMode")
}
func (l *fakeLocalPlayback) SetShuffleMode(mode protocol.ShuffleMode) error {
	l.mu.Lock()
	l.shuffle = mode
	l.mu.Unlock()
	return l.record("setShuffleMode")
}

func (l *fakeLocalPlayback) ShuffleMode() protocol.ShuffleMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shuffle == "" {
		return protocol.ShuffleSorted
	}
	return l.shuffle
}

func TestControllerDelegatesLocallyWhenUngrouped(t *testing.T) {
	f := newMirrorFixture(t)
	requester := &fakeRequester{}
	local := &fakeLocalPlayback{}
	c := NewController(requester, local, f.mirror, testLogger())

	if err := c.Play([]string{"m1"}, 0, 0); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if err := c.NextTrack(); err != nil {
		t.Fatalf("NextTrack() error = %v", err)
	}

	if len(requester.calls) != 0 {
		t.Errorf("server calls while ungrouped = %v", requester.calls)
	}
	if len(local.calls) != 2 {
		t.Errorf("local calls = %v, want 2", local.calls)
	}
}

func TestControllerInterceptsWhenGrouped(t *testing.T) {
	f := newMirrorFixture(t)
	if err := f.mirror.ApplyUpdate(baseUpdate(f, protocol.ReasonQueue, 1000)); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}

	requester := &fakeRequester{}
	local := &fakeLocalPlayback{}
	c := NewController(requester, local, f.mirror, testLogger())
	c.SetGrouped(true)

	if err := c.Play([]string{"m1", "m2"}, 1, 42); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if err := c.NextTrack(); err != nil {
		t.Fatalf("NextTrack() error = %v", err)
	}
	if err := c.QueueNext([]string{"m3"}); err != nil {
		t.Fatalf("QueueNext() error = %v", err)
	}

	if len(local.calls) != 0 {
		t.Errorf("local calls while grouped = %v", local.calls)
	}
	if len(requester.calls) != 3 {
		t.Fatalf("server calls = %v, want 3", requester.calls)
	}

	// NextTrack carries the mirrored current slot id.
	track := requester.reqs[1].(protocol.TrackRequest)
	if track.PlaylistItemID != "p1" {
		t.Errorf("NextTrack item = %s, want p1", track.PlaylistItemID)
	}
	queue := requester.reqs[2].(protocol.QueueRequest)
	if queue.Mode != protocol.QueueModeNext {
		t.Errorf("Queue mode = %s, want next", queue.Mode)
	}
}

func TestToggleShuffleMode(t *testing.T) {
	f := newMirrorFixture(t)
	upd := baseUpdate(f, protocol.ReasonShuffleMode, 1000)
	upd.ShuffleMode = protocol.ShuffleShuffle
	if err := f.mirror.ApplyUpdate(upd); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}

	requester := &fakeRequester{}
	c := NewController(requester, &fakeLocalPlayback{}, f.mirror, testLogger())
	c.SetGrouped(true)

	if err := c.ToggleShuffleMode(); err != nil {
		t.Fatalf("ToggleShuffleMode() error = %v", err)
	}
	req := requester.reqs[0].(protocol.SetShuffleModeRequest)
	if req.Mode != protocol.ShuffleSorted {
		t.Errorf("toggled mode = %s, want Sorted", req.Mode)
	}
}

func TestToggleShuffleModeUngroupedAlternates(t *testing.T) {
	f := newMirrorFixture(t)
	requester := &fakeRequester{}
	local := &fakeLocalPlayback{}
	c := NewController(requester, local, f.mirror, testLogger())

	if err := c.ToggleShuffleMode(); err != nil {
		t.Fatalf("ToggleShuffleMode() error = %v", err)
	}
	if got := local.ShuffleMode(); got != protocol.ShuffleShuffle {
		t.Fatalf("first toggle = %s, want Shuffle", got)
	}

	if err := c.ToggleShuffleMode(); err != nil {
		t.Fatalf("ToggleShuffleMode() error = %v", err)
	}
	if got := local.ShuffleMode(); got != protocol.ShuffleSorted {
		t.Errorf("second toggle = %s, want Sorted (alternating)", got)
	}

	if len(requester.calls) != 0 {
		t.Errorf("server calls while ungrouped = %v", requester.calls)
	}
}
