package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/groupcast/groupcast/internal/api"
	"github.com/groupcast/groupcast/internal/config"
	"github.com/groupcast/groupcast/internal/drift"
	"github.com/groupcast/groupcast/internal/logging"
	"github.com/groupcast/groupcast/internal/metrics"
	"github.com/groupcast/groupcast/internal/peerlink"
	"github.com/groupcast/groupcast/internal/player"
	"github.com/groupcast/groupcast/internal/queue"
	"github.com/groupcast/groupcast/internal/scheduler"
	"github.com/groupcast/groupcast/internal/session"
	"github.com/groupcast/groupcast/internal/timesync"
	"github.com/groupcast/groupcast/pkg/protocol"
)

func main() {
	cfg := config.ParseClientConfig()
	log := logging.New("groupcast", cfg.LogLevel)

	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		log.Error("load settings", "err", err)
		os.Exit(1)
	}
	store := config.NewStore(settings)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := api.Connect(ctx, cfg.ServerURL, cfg.ClientID, cfg.DisplayName, log)
	if err != nil {
		log.Error("connect to server", "server", cfg.ServerURL, "err", err)
		os.Exit(1)
	}
	defer client.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	registry := timesync.NewRegistry(timesync.NewServerPinger(client, nil), store, log, m)

	// The demo player: a deterministic engine driven by wall time.
	engine := player.NewScripted(true)
	local := player.NewLocal(engine, log, nil)
	defer local.Close()
	go driveEngine(ctx, engine)

	mirror := queue.NewMirror(&libraryResolver{}, &enginePlaylist{engine: engine}, client, registry, log)
	queueCtl := queue.NewController(client, &localOnlyPlayback{log: log}, mirror, log)
	sched := scheduler.New(store, registry, client, mirror.CurrentPlaylistItemID, log, m)
	corrector := drift.New(store, registry, sched, log, m)

	var linkCfg peerlink.Config
	if tracker := store.Current().P2PTracker; tracker != "" {
		linkCfg.ICEServers = []string{tracker}
	}

	ctl := session.New(client, store, registry, sched, corrector, mirror, queueCtl, linkCfg, log)
	ctl.AttachPlayer(local)
	client.OnMessage(ctl.HandleMessage)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(runCtx) }()

	if cfg.GroupID != "" {
		if err := client.JoinGroup(cfg.GroupID); err != nil {
			log.Error("join group", "group", cfg.GroupID, "err", err)
			os.Exit(1)
		}
		log.Info("joining group", "group", cfg.GroupID)
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		ctl.Disable()
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			log.Error("server connection lost", "err", err)
			os.Exit(1)
		}
	}
}

// driveEngine advances the scripted engine in real time so positions move
// like a real player's.
func driveEngine(ctx context.Context, engine *player.Scripted) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			engine.Advance(now.Sub(last))
			last = now
		}
	}
}

// libraryResolver stands in for a media library: every id resolves to a
// placeholder item.
type libraryResolver struct{}

func (libraryResolver) ResolveItems(ids []string) ([]queue.MediaItem, error) {
	items := make([]queue.MediaItem, len(ids))
	for i, id := range ids {
		items[i] = queue.MediaItem{ID: id, Name: id}
	}
	return items, nil
}

// enginePlaylist adapts the scripted engine to the mirror's playlist
// surface.
type enginePlaylist struct {
	engine  *player.Scripted
	current string
}

func (p *enginePlaylist) SetItems(items []queue.Item, currentIndex int) {
	if currentIndex >= 0 && currentIndex < len(items) {
		p.current = items[currentIndex].PlaylistItemID
	}
}

func (p *enginePlaylist) SetCurrentItem(playlistItemID string) { p.current = playlistItemID }
func (p *enginePlaylist) CurrentPlaylistItemID() string        { return p.current }
func (p *enginePlaylist) Refresh()                             {}
func (p *enginePlaylist) SetRepeatMode(protocol.RepeatMode)    {}
func (p *enginePlaylist) SetShuffleMode(protocol.ShuffleMode)  {}

func (p *enginePlaylist) StartPlayback(items []queue.Item, index int, startTicks int64) error {
	if index >= 0 && index < len(items) {
		p.current = items[index].PlaylistItemID
	}
	p.engine.Load(startTicks)
	return nil
}

// localOnlyPlayback is the fallback queue implementation used when no group
// is joined. The demo client has no standalone playlist, so actions are
// logged and ignored; only the shuffle mode is remembered so toggling
// behaves.
type localOnlyPlayback struct {
	log interface {
		Info(msg string, args ...any)
	}
	shuffle protocol.ShuffleMode
}

func (l *localOnlyPlayback) note(action string) error {
	l.log.Info("local queue action ignored outside a group", "action", action)
	return nil
}

func (l *localOnlyPlayback) Play([]string, int, int64) error         { return l.note("play") }
func (l *localOnlyPlayback) SetCurrentItem(string) error             { return l.note("set-current") }
func (l *localOnlyPlayback) RemoveItems([]string) error              { return l.note("remove") }
func (l *localOnlyPlayback) MoveItem(string, int) error              { return l.note("move") }
func (l *localOnlyPlayback) Queue([]string) error                    { return l.note("queue") }
func (l *localOnlyPlayback) QueueNext([]string) error                { return l.note("queue-next") }
func (l *localOnlyPlayback) NextTrack() error                        { return l.note("next") }
func (l *localOnlyPlayback) PreviousTrack() error                    { return l.note("previous") }
func (l *localOnlyPlayback) SetRepeatMode(protocol.RepeatMode) error { return l.note("repeat") }

func (l *localOnlyPlayback) SetShuffleMode(mode protocol.ShuffleMode) error {
	l.shuffle = mode
	return l.note("shuffle")
}

func (l *localOnlyPlayback) ShuffleMode() protocol.ShuffleMode {
	if l.shuffle == "" {
		return protocol.ShuffleSorted
	}
	return l.shuffle
}
