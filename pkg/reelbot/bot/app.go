package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/reelbot/pkg/reelbot/assistant"
	"github.com/jholhewres/reelbot/pkg/reelbot/channels"
	"github.com/jholhewres/reelbot/pkg/reelbot/channels/console"
	"github.com/jholhewres/reelbot/pkg/reelbot/channels/discord"
	"github.com/jholhewres/reelbot/pkg/reelbot/channels/whatsapp"
	"github.com/jholhewres/reelbot/pkg/reelbot/config"
	"github.com/jholhewres/reelbot/pkg/reelbot/conversation"
	"github.com/jholhewres/reelbot/pkg/reelbot/ledger"
	"github.com/jholhewres/reelbot/pkg/reelbot/media"
	"github.com/jholhewres/reelbot/pkg/reelbot/onboarding"
	"github.com/jholhewres/reelbot/pkg/reelbot/router"
	"github.com/jholhewres/reelbot/pkg/reelbot/scheduler"
	"github.com/jholhewres/reelbot/pkg/reelbot/session"
	"github.com/jholhewres/reelbot/pkg/reelbot/status"
)

// Options adjusts how Build assembles the application.
type Options struct {
	// Version is reported by the status surface and the botinfo command.
	Version string

	// Console replaces the configured transports with the local console.
	Console bool

	// ConsoleOut receives console replies (stdout when nil).
	ConsoleOut io.Writer

	// Store, Completer and Fetcher override the production collaborators.
	Store     onboarding.Store
	Completer assistant.Completer
	Fetcher   media.Fetcher

	// Channels are registered in addition to (or, with no transport
	// enabled, instead of) the configured ones.
	Channels []channels.Channel
}

// App is the assembled bot with every component it owns.
type App struct {
	Config    *config.Config
	Store     onboarding.Store
	Sessions  *session.Registry
	History   *conversation.Store
	Ledger    *ledger.Ledger
	Artifacts *media.Artifacts
	Router    *router.Router
	Channels  *channels.Manager
	WhatsApp  *whatsapp.WhatsApp
	Console   *console.Console
	Scheduler *scheduler.Scheduler
	Status    *status.Server
	Bot       *Bot

	logger *slog.Logger
}

// Build wires every component from cfg. Nothing connects until Run.
func Build(cfg *config.Config, opts Options, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	app := &App{Config: cfg, logger: logger}

	store := opts.Store
	if store == nil {
		s, err := onboarding.OpenSQLite(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("opening onboarding store: %w", err)
		}
		store = s
	}
	app.Store = store

	app.Sessions = session.NewRegistry(store, logger)
	app.History = conversation.New(cfg.Conversation, logger)

	completer := opts.Completer
	if completer == nil {
		completer = assistant.NewClient(cfg.Assistant, logger)
	}
	dialogue := assistant.NewHandler(app.History, completer, cfg.Assistant, logger)

	mediaCfg := cfg.Media.Effective()
	fetcher := opts.Fetcher
	if fetcher == nil {
		ytCfg := mediaCfg.YTDLP
		if ytCfg.WorkDir == "" {
			ytCfg.WorkDir = mediaCfg.DownloadDir
		}
		fetcher = media.NewYTDLP(ytCfg, logger)
	}
	app.Ledger = ledger.New(logger)
	app.Artifacts = media.NewArtifacts(mediaCfg.DownloadDir, logger)
	mediaHandler := media.NewHandler(app.Ledger, fetcher, app.Artifacts, mediaCfg, logger)

	links, err := media.NewLinkMatcher(mediaCfg.LinkPatterns)
	if err != nil {
		store.Close()
		return nil, err
	}

	routerCfg := cfg.Router
	if routerCfg.Profile.Version == "" {
		routerCfg.Profile.Version = opts.Version
	}
	app.Router = router.New(routerCfg, app.Sessions, app.History, dialogue, mediaHandler, links, logger)

	app.Channels = channels.NewManager(logger)
	if err := app.registerChannels(opts); err != nil {
		store.Close()
		return nil, err
	}

	if cfg.Scheduler.Enabled {
		app.Scheduler = scheduler.New(logger)
		for _, task := range []scheduler.Task{
			scheduler.SweepLedger(cfg.Scheduler.SweepSchedule, app.Ledger, cfg.Scheduler.JobRetention),
			scheduler.CleanupArtifacts(cfg.Scheduler.CleanupSchedule, app.Artifacts, mediaCfg.ArtifactTTL),
		} {
			if err := app.Scheduler.Add(task); err != nil {
				store.Close()
				return nil, err
			}
		}
	}

	if cfg.Status.Enabled && !opts.Console {
		src := status.Sources{
			Sessions: app.Sessions,
			Jobs:     app.Ledger,
			Channels: app.Channels,
		}
		if app.WhatsApp != nil {
			src.QR = app.WhatsApp
			connLog := status.NewConnectionLog(20, logger)
			app.WhatsApp.AddConnectionObserver(connLog)
			src.Connections = connLog
		}
		if app.Scheduler != nil {
			src.Tasks = app.Scheduler
		}
		app.Status = status.New(cfg.Status.Addr, opts.Version, src, logger)
	}

	app.Bot = New(app.Channels, app.Router, logger)
	return app, nil
}

func (a *App) registerChannels(opts Options) error {
	var list []channels.Channel

	if opts.Console {
		a.Console = console.New(a.Config.Channels.Console, opts.ConsoleOut, a.logger)
		list = append(list, a.Console)
	} else {
		if a.Config.Channels.WhatsApp.Enabled {
			a.WhatsApp = whatsapp.New(a.Config.Channels.WhatsApp, a.logger)
			list = append(list, a.WhatsApp)
		}
		if a.Config.Channels.Discord.Enabled {
			list = append(list, discord.New(a.Config.Channels.Discord, a.logger))
		}
	}
	list = append(list, opts.Channels...)

	if len(list) == 0 {
		return errors.New("no channel enabled: enable whatsapp or discord in the config")
	}
	for _, ch := range list {
		if err := a.Channels.Register(ch); err != nil {
			return err
		}
	}
	return nil
}

// Run connects the channels and serves until ctx is done. On shutdown inbound
// delivery stops first, in-flight messages drain while the transports are
// still connected, and only then are the channels disconnected.
func (a *App) Run(ctx context.Context) error {
	if err := a.Artifacts.EnsureDir(); err != nil {
		return err
	}
	if err := a.Channels.Start(ctx); err != nil {
		return err
	}
	if a.Status != nil {
		if err := a.Status.Start(ctx); err != nil {
			a.Channels.Stop()
			return err
		}
	}
	if a.Scheduler != nil {
		a.Scheduler.Start(ctx)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return a.Bot.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.stopBackground()
		return nil
	})
	err := g.Wait()

	a.Channels.Stop()
	return err
}

// stopBackground stops the components that run beside the message loop.
func (a *App) stopBackground() {
	a.logger.Info("shutting down")

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Status.Stop(ctx); err != nil {
			a.logger.Warn("status server shutdown", "error", err)
		}
		cancel()
	}
}

// Close releases the onboarding store.
func (a *App) Close() error {
	return a.Store.Close()
}
