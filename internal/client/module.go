package client

import (
	"context"
	"time"

	"github.com/mvolkov/roomsync/internal/account"
	"github.com/mvolkov/roomsync/internal/backend"
	"github.com/mvolkov/roomsync/internal/backend/realtime"
	"github.com/mvolkov/roomsync/internal/backend/rest"
	"github.com/mvolkov/roomsync/internal/bus"
	"github.com/mvolkov/roomsync/internal/config"
	"github.com/mvolkov/roomsync/internal/directory"
	"github.com/mvolkov/roomsync/internal/lock"
	"github.com/mvolkov/roomsync/internal/logging"
	"github.com/mvolkov/roomsync/internal/model"
	"github.com/mvolkov/roomsync/internal/presence"
	"github.com/mvolkov/roomsync/internal/roster"
	"github.com/mvolkov/roomsync/internal/session"
	"github.com/mvolkov/roomsync/internal/status"
	"github.com/mvolkov/roomsync/internal/stream"
	"github.com/mvolkov/roomsync/internal/typing"
	"github.com/mvolkov/roomsync/internal/uploads"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	ConfigPath string
}

// Module returns the fx module composing the client's providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("client",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideSession,
			provideRest,
			provideFeed,
			provideAccount,
			providePipeline,
			providePresence,
			provideDirectory,
			provideStream,
			provideTyping,
			provideRoster,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.Load(p.ConfigPath)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath, "")
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("config", p.ConfigPath))
	l, err := lock.Acquire(config.Dir(p.ConfigPath))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideSession() *session.Session {
	return session.New(model.Profile{})
}

func provideRest(cfg *config.Config) *rest.Client {
	return rest.New(cfg.BackendURL, cfg.APIKey)
}

func provideFeed(cfg *config.Config, rc *rest.Client, b *bus.Bus, logger *zap.Logger) *realtime.Feed {
	return realtime.New(cfg.RealtimeURL, rc.AccessToken, b, logger)
}

func provideAccount(rc *rest.Client, sess *session.Session, logger *zap.Logger) *account.Manager {
	return account.New(rc, rc, rc, sess, logger)
}

func providePipeline(rc *rest.Client, sess *session.Session, logger *zap.Logger) *uploads.Pipeline {
	return uploads.NewPipeline(rc, sess, logger)
}

func providePresence(cfg *config.Config, rc *rest.Client, sess *session.Session, logger *zap.Logger) *presence.Tracker {
	interval := time.Duration(cfg.HeartbeatSeconds) * time.Second
	return presence.NewTracker(rc, sess, interval, logger)
}

func provideDirectory(rc *rest.Client, b *bus.Bus, sess *session.Session, logger *zap.Logger) *directory.Directory {
	return directory.New(rc, b, sess, logger)
}

func provideStream(rc *rest.Client, pipe *uploads.Pipeline, b *bus.Bus, sess *session.Session, logger *zap.Logger) *stream.Stream {
	return stream.New(rc, pipe, b, sess, logger)
}

func provideTyping(rc *rest.Client, b *bus.Bus, sess *session.Session, logger *zap.Logger) *typing.Signal {
	return typing.New(rc, b, sess, logger)
}

func provideRoster(rc *rest.Client, sess *session.Session, logger *zap.Logger) *roster.Roster {
	return roster.New(rc, rc, sess, logger)
}

func provideClient(
	b *bus.Bus,
	machine *status.Machine,
	sess *session.Session,
	acct *account.Manager,
	dir *directory.Directory,
	st *stream.Stream,
	ty *typing.Signal,
	pr *presence.Tracker,
	ro *roster.Roster,
	feed *realtime.Feed,
	logger *zap.Logger,
) *Client {
	st.SetTyping(ty)
	return &Client{
		Bus:       b,
		Machine:   machine,
		Session:   sess,
		Account:   acct,
		Directory: dir,
		Stream:    st,
		Typing:    ty,
		Presence:  pr,
		Roster:    ro,
		feed:      feed,
		logger:    logger,
	}
}

func registerLifecycle(lc fx.Lifecycle, c *Client, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("client started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			c.Shutdown()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing profile lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}

var _ backend.API = (*rest.Client)(nil)
