// Package daemon wires the engine together with fx and runs it.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport/natsch"
	"github.com/matheus3301/chatsync/internal/transport/ws"
	"github.com/matheus3301/chatsync/internal/upload"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile and settings passed to the fx module.
type Params struct {
	Profile string
	Config  *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCredentials,
			provideDialer,
			provideManager,
			provideRemote,
			provideSink,
			providePipeline,
			provideCoordinator,
			provideSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.Load(session.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(logging.Options{
		Path:        session.LogPath(p.Profile),
		Environment: cfg.Log.Environment,
		Level:       cfg.Log.Level,
	})
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("profile", p.Profile)), nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring data dir lock")
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

// provideStore takes the lock so the cache is never opened unlocked.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CachePath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCredentials(p Params, _ *lock.Lock) (*session.Store, error) {
	return session.OpenStore(session.CredentialsPath(p.Profile))
}

func provideDialer(cfg *config.Config, logger *zap.Logger) (conn.Dialer, error) {
	switch cfg.Push.Transport {
	case config.TransportWebSocket:
		return &ws.Dialer{
			URL:       cfg.Push.URL,
			ReadLimit: cfg.Push.ReadLimit,
			Logger:    logger.Named("ws"),
		}, nil
	case config.TransportNATS:
		return &natsch.Dialer{
			URL:            cfg.Push.URL,
			Subject:        cfg.Push.Subject,
			PublishSubject: cfg.Push.PublishSubject,
			Name:           "chatsyncd",
			Timeout:        cfg.API.Timeout,
			Logger:         logger.Named("nats"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown push transport %q", cfg.Push.Transport)
	}
}

func provideManager(d conn.Dialer, cfg *config.Config, machine *status.Machine, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(d, conn.Options{
		Policy: conn.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			Cooldown:   cfg.Retry.Cooldown,
		},
		Machine: machine,
		Logger:  logger.Named("conn"),
	})
}

// provideRemote stops the push channel whenever the service rejects the
// session.
func provideRemote(cfg *config.Config, creds *session.Store, mgr *conn.Manager, logger *zap.Logger) *remote.Client {
	return remote.NewClient(remote.Options{
		BaseURL:        cfg.API.BaseURL,
		Timeout:        cfg.API.Timeout,
		Tokens:         creds,
		Logger:         logger.Named("remote"),
		OnUnauthorized: mgr.Terminate,
	})
}

func provideSink(cfg *config.Config, client *remote.Client) (upload.Sink, error) {
	if cfg.Upload.Backend != config.BackendS3 {
		return &upload.HTTPSink{Client: client}, nil
	}
	s3cfg := upload.S3Config{
		Region:     cfg.Upload.S3.Region,
		Bucket:     cfg.Upload.S3.Bucket,
		AccessKey:  cfg.Upload.S3.AccessKey,
		SecretKey:  cfg.Upload.S3.SecretKey,
		Endpoint:   cfg.Upload.S3.Endpoint,
		PublicBase: cfg.Upload.S3.PublicBase,
		Prefix:     cfg.Upload.S3.Prefix,
	}
	s3client, err := upload.NewS3Client(context.Background(), s3cfg)
	if err != nil {
		return nil, err
	}
	return &upload.S3Sink{Client: s3client, Config: s3cfg}, nil
}

func providePipeline(sink upload.Sink, cfg *config.Config, logger *zap.Logger) *upload.Pipeline {
	return upload.New(sink, cfg.Upload.Parallelism, logger.Named("upload"))
}

func provideCoordinator(db *store.DB, client *remote.Client, mgr *conn.Manager, pipeline *upload.Pipeline, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Coordinator {
	c := intsync.New(intsync.Options{
		Store:             db,
		Remote:            client,
		Emitter:           mgr,
		Uploads:           pipeline,
		Bus:               b,
		Logger:            logger.Named("sync"),
		PageSize:          cfg.Sync.PageSize,
		SequentialUploads: cfg.Sync.SequentialUploads,
	})
	c.Register(mgr)
	return c
}

func provideSender(db *store.DB, mgr *conn.Manager, b *bus.Bus, coord *intsync.Coordinator, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, mgr, b, logger.Named("outbox"), outbox.Options{
		Connected: func() bool { return mgr.State() == status.Connected },
		Acker:     coord,
	})
}

// refreshTimeout bounds the conversation refresh after each reconnect.
const refreshTimeout = 30 * time.Second

// watchConnection refreshes the conversation list every time the push
// channel comes up, so changes missed while offline are picked up.
func watchConnection(ctx context.Context, events <-chan bus.Event, coord *intsync.Coordinator, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			change, ok := evt.Payload.(status.StatusChange)
			if !ok || change.To != status.Connected {
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
			convs, err := coord.List(rctx, intsync.Criteria{Kind: model.KindAll})
			cancel()
			if err != nil {
				logger.Warn("refreshing conversations after reconnect", zap.Error(err))
				continue
			}
			logger.Info("conversations refreshed", zap.Int("count", len(convs)))
		}
	}
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, creds *session.Store, mgr *conn.Manager, coord *intsync.Coordinator, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	watchDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			events, unsub := b.Subscribe("connection.", 16)
			go func() {
				defer close(watchDone)
				defer unsub()
				watchConnection(runCtx, events, coord, logger)
			}()
			sender.Start(runCtx)

			token, err := creds.Token(runCtx)
			if err != nil {
				logger.Info("no usable session, login required", zap.Error(err))
				return nil
			}
			mgr.Connect(runCtx, token)
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			<-watchDone
			sender.Stop()
			mgr.Disconnect()
			coord.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := creds.Close(); err != nil {
				logger.Warn("error closing session store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
