// Package app assembles the touchbase daemon: config, logging, stores,
// connectivity, the scheduling engine, reminder sync, cleanup, and the
// coordinator, started and stopped in dependency order.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"github.com/rayabelcode/touchbase/internal/alerts"
	"github.com/rayabelcode/touchbase/internal/cleanup"
	"github.com/rayabelcode/touchbase/internal/config"
	"github.com/rayabelcode/touchbase/internal/connectivity"
	"github.com/rayabelcode/touchbase/internal/coordinator"
	"github.com/rayabelcode/touchbase/internal/devstore"
	"github.com/rayabelcode/touchbase/internal/eventbus"
	"github.com/rayabelcode/touchbase/internal/push"
	"github.com/rayabelcode/touchbase/internal/remindersync"
	"github.com/rayabelcode/touchbase/internal/remote"
	"github.com/rayabelcode/touchbase/internal/scheduling"
	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

type App struct {
	cfg    *config.Config
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus     eventbus.Bus
	kv      devstore.Store
	store   remote.Store
	monitor *connectivity.Monitor
	sched   alerts.Scheduler
	engine  *scheduling.Engine
	pushCli *push.Client
	syncer  *remindersync.Syncer
	cleaner *cleanup.Service
	coord   *coordinator.Coordinator

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New loads configuration and builds the whole service graph. Nothing
// starts running until Start.
func New(cfgPath string) (*App, error) {
	// Secrets (redis password, push token) can come from the environment.
	envErr := godotenv.Load()

	mgr := config.NewManager(cfgPath)
	mgr.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("svc", "config")))
	if envErr != nil {
		log.Debug("no .env file loaded")
	}

	a := &App{cfg: cfg, cfgMgr: mgr, logSvc: logSvc, log: log}
	if err := a.build(); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg

	a.bus = eventbus.New()

	storageCfg := devstore.Config{}
	if cfg.Storage != nil {
		storageCfg = devstore.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: cfg.Storage.BusyTimeout.Or(5 * time.Second),
		}
	}
	kv, err := devstore.Open(storageCfg, a.log.With(logx.String("svc", "devstore")))
	if err != nil {
		return fmt.Errorf("app: open device store: %w", err)
	}
	a.kv = kv

	store, err := remote.Open(remote.Config{
		Driver:   cfg.Remote.Driver,
		Addr:     cfg.Remote.Addr,
		Password: cfg.Remote.Password,
		DB:       cfg.Remote.DB,
	}, a.log.With(logx.String("svc", "remote")))
	if err != nil {
		return fmt.Errorf("app: open remote store: %w", err)
	}
	a.store = store

	a.monitor = connectivity.NewMonitor(connectivity.Config{
		Addr:     cfg.Connectivity.Addr,
		Interval: cfg.Connectivity.Interval.Or(30 * time.Second),
		Timeout:  cfg.Connectivity.Timeout.Or(3 * time.Second),
	}, nil, a.bus, a.log.With(logx.String("svc", "connectivity")))

	a.sched = alerts.NewLocal(a.bus, a.log.With(logx.String("svc", "alerts")))

	engine, err := scheduling.NewEngine(scheduling.Config{
		MaxSnoozeAttempts: cfg.Scheduling.MaxSnoozeAttempts,
		LookaheadDays:     cfg.Scheduling.LookaheadDays,
		Timezone:          cfg.User.Timezone,
	}, store, a.bus, a.log.With(logx.String("svc", "scheduling")))
	if err != nil {
		return err
	}
	a.engine = engine

	if cfg.Push != nil && cfg.Push.Enabled {
		a.pushCli = push.NewClient(push.Config{
			Endpoint:      cfg.Push.Endpoint,
			AccessToken:   cfg.Push.AccessToken,
			RatePerSec:    float64(cfg.Push.RatePerSec),
			RetryMax:      cfg.Push.RetryMax,
			RetryBase:     cfg.Push.RetryBase.Or(500 * time.Millisecond),
			RetryMaxDelay: cfg.Push.RetryMaxDelay.Or(8 * time.Second),
			CallTimeout:   cfg.Push.CallTimeout.Or(10 * time.Second),
		}, store, a.log.With(logx.String("svc", "push")))
	}

	n := cfg.Notifications
	syncInterval := n.SyncInterval.Or(15 * time.Minute)
	cleanupInterval := n.CleanupInterval.Or(time.Hour)
	followUpTTL := n.FollowUpTTL.Or(168 * time.Hour)
	scheduledTTL := n.ScheduledTTL.Or(24 * time.Hour)
	customTTL := n.CustomDateTTL.Or(72 * time.Hour)
	retention := n.OperationRetention.Or(168 * time.Hour)

	syncer, err := remindersync.New(remindersync.Config{
		UserID:       cfg.User.ID,
		Timezone:     cfg.User.Timezone,
		SyncInterval: syncInterval,
	}, store, a.sched, kv, a.monitor, a.bus, a.log.With(logx.String("svc", "remindersync")))
	if err != nil {
		return err
	}
	a.syncer = syncer

	var pusher coordinator.Pusher
	if a.pushCli != nil {
		pusher = pushAdapter{c: a.pushCli}
	}
	coord, err := coordinator.New(coordinator.Config{
		UserID:             cfg.User.ID,
		Timezone:           cfg.User.Timezone,
		FollowUpTTL:        followUpTTL,
		ScheduledTTL:       scheduledTTL,
		CustomDateTTL:      customTTL,
		OperationRetention: retention,
		CleanupInterval:    cleanupInterval,
		SyncInterval:       syncInterval,
		CleanupDebounce:    n.CleanupDebounce.Or(6 * time.Hour),
	}, coordinator.Deps{
		Store:  store,
		Alerts: a.sched,
		KV:     kv,
		Engine: engine,
		Pusher: pusher,
		Probe:  a.monitor,
		Bus:    a.bus,
		Log:    a.log.With(logx.String("svc", "coordinator")),
	})
	if err != nil {
		return err
	}
	a.coord = coord

	a.cleaner = cleanup.New(cleanup.Config{
		UserID: cfg.User.ID,
	}, store, coord, a.bus, a.log.With(logx.String("svc", "cleanup")))
	coord.SetCleanupRunner(cleanupRunner{svc: a.cleaner})

	return nil
}

// Coordinator exposes the scheduling surface to callers embedding the app.
func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }

// Start brings the services up in dependency order and notifies systemd.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	a.monitor.Start(runCtx)

	if err := a.syncer.Start(runCtx); err != nil {
		return fmt.Errorf("app: start reminder sync: %w", err)
	}
	if err := a.coord.Initialize(ctx, a.cfg.User.PushToken); err != nil {
		return fmt.Errorf("app: initialize coordinator: %w", err)
	}

	// Live config: re-apply logging on file changes.
	a.wg.Add(1)
	go a.watchConfig(runCtx)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready", logx.Err(err))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TopicLifecycleActive})
	a.log.Info("touchbase started",
		logx.String("user_id", a.cfg.User.ID),
		logx.String("remote", a.cfg.Remote.Driver))
	return nil
}

func (a *App) watchConfig(ctx context.Context) {
	defer a.wg.Done()

	updates := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(updates)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgMgr.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watch ended", logx.Err(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			a.applyUpdate(ctx, cfg)
		}
	}
}

// applyUpdate pushes a reloaded config into the running services: logging
// is re-applied, and a timezone change moves the live alerts. The engine
// and coordinator resolve their zone at build time and pick the change up
// on restart.
func (a *App) applyUpdate(ctx context.Context, cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.mu.Lock()
	prev := a.cfg
	a.cfg = cfg
	a.mu.Unlock()

	if tz := cfg.User.Timezone; tz != "" && tz != prev.User.Timezone {
		if err := a.syncer.ApplyTimezone(ctx, tz); err != nil {
			a.log.Warn("apply timezone change", logx.String("tz", tz), logx.Err(err))
		}
	}
	a.log.Info("config reloaded", logx.String("level", cfg.Logging.Level))
}

// Stop shuts everything down in reverse order. Errors are collected, not
// short-circuited; a failing store close must not keep the rest up.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping", logx.Err(err))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TopicLifecycleBackground})

	var errs []error
	if err := a.coord.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.syncer.Stop()
	a.monitor.Stop()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.kv.Close(); err != nil {
		errs = append(errs, err)
	}
	a.log.Info("touchbase stopped")
	a.logSvc.Close()
	return errors.Join(errs...)
}

// pushAdapter narrows the push client to what the coordinator needs.
type pushAdapter struct {
	c *push.Client
}

func (p pushAdapter) Send(ctx context.Context, userID, title, body string, data map[string]string) error {
	return p.c.Send(ctx, userID, push.Message{Title: title, Body: body, Data: data})
}

// cleanupRunner adapts the cleanup service to the coordinator's timer. An
// in-flight pass is fine, not an error.
type cleanupRunner struct {
	svc *cleanup.Service
}

func (r cleanupRunner) Run(ctx context.Context) error {
	_, err := r.svc.Run(ctx)
	if errors.Is(err, cleanup.ErrPassInProgress) {
		return nil
	}
	return err
}

func (r cleanupRunner) Stats() coordinator.CleanupStats {
	return coordinator.CleanupStats(r.svc.RunStats())
}
