// Package coordinator is the hub of the notification engine. It owns the
// device-side notification map, schedules and cancels alerts, buffers work
// while offline, keeps the badge honest, and drives periodic cleanup and
// sync through cron timers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rayabelcode/touchbase/internal/alerts"
	"github.com/rayabelcode/touchbase/internal/devstore"
	"github.com/rayabelcode/touchbase/internal/eventbus"
	"github.com/rayabelcode/touchbase/internal/remote"
	"github.com/rayabelcode/touchbase/internal/scheduling"
	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

// snooze action category registered with the device scheduler.
const categorySnooze = "touchbase.snooze"

// Probe is the point-in-time connectivity check.
type Probe interface {
	Online(ctx context.Context) bool
}

// Pusher delivers a remote push for a reminder. Optional; nil disables
// push delivery.
type Pusher interface {
	Send(ctx context.Context, userID string, title, body string, data map[string]string) error
}

type Config struct {
	UserID   string
	Timezone string

	// TTLs bound how long a fired notification record lingers before the
	// reminder is considered abandoned.
	FollowUpTTL   time.Duration
	ScheduledTTL  time.Duration
	CustomDateTTL time.Duration

	// OperationRetention bounds how long processed offline operations are
	// kept for inspection.
	OperationRetention time.Duration

	CleanupInterval time.Duration
	SyncInterval    time.Duration

	// CleanupDebounce is how stale the last cleanup must be before a
	// foreground transition triggers another one.
	CleanupDebounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.FollowUpTTL <= 0 {
		c.FollowUpTTL = 7 * 24 * time.Hour
	}
	if c.ScheduledTTL <= 0 {
		c.ScheduledTTL = 24 * time.Hour
	}
	if c.CustomDateTTL <= 0 {
		c.CustomDateTTL = 72 * time.Hour
	}
	if c.OperationRetention <= 0 {
		c.OperationRetention = 7 * 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 15 * time.Minute
	}
	if c.CleanupDebounce <= 0 {
		c.CleanupDebounce = 6 * time.Hour
	}
	return c
}

// CleanupStats are the collector's lifetime counters, reset only when the
// process restarts.
type CleanupStats struct {
	LastRunTime  time.Time
	SuccessCount int
	FailureCount int
	LastError    string
}

// CleanupRunner is the remote-side collector driven from the cleanup
// timer. Optional.
type CleanupRunner interface {
	Run(ctx context.Context) error
	Stats() CleanupStats
}

type Coordinator struct {
	cfg    Config
	store  remote.Store
	sched  alerts.Scheduler
	kv     devstore.Store
	engine *scheduling.Engine
	pusher Pusher
	probe  Probe
	bus    eventbus.Bus
	runner CleanupRunner
	log    logx.Logger

	loc *time.Location
	now func() time.Time

	mu            sync.Mutex
	initialized   bool
	permission    bool
	notifications map[string]*record
	pendingQueue  []queuedRequest
	pendingOps    []operation
	badge         int
	lastCleanup   time.Time

	cron    *cron.Cron
	busStop func()
	wg      sync.WaitGroup
	runCtx  context.Context
	cancel  context.CancelFunc
}

type Deps struct {
	Store  remote.Store
	Alerts alerts.Scheduler
	KV     devstore.Store
	Engine *scheduling.Engine
	Pusher Pusher
	Probe  Probe
	Bus    eventbus.Bus
	Runner CleanupRunner
	Log    logx.Logger
}

func New(cfg Config, d Deps) (*Coordinator, error) {
	if d.Store == nil || d.Alerts == nil || d.KV == nil || d.Engine == nil {
		return nil, errors.New("coordinator: store, alerts, kv, and engine are required")
	}
	cfg = cfg.withDefaults()
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("coordinator: load timezone %q: %w", cfg.Timezone, err)
		}
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:           cfg,
		store:         d.Store,
		sched:         d.Alerts,
		kv:            d.KV,
		engine:        d.Engine,
		pusher:        d.Pusher,
		probe:         d.Probe,
		bus:           d.Bus,
		runner:        d.Runner,
		log:           log,
		loc:           loc,
		now:           time.Now,
		notifications: make(map[string]*record),
	}, nil
}

// SetCleanupRunner wires the remote collector. Must be called before
// Initialize; the collector usually needs the coordinator as its local
// canceller, which makes construction order circular otherwise.
func (c *Coordinator) SetCleanupRunner(r CleanupRunner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		c.runner = r
	}
}

// Initialize brings the coordinator up: registers notification categories,
// asks for permission, merges the device's push token into the profile,
// restores persisted state, and starts the timers and the event loop.
// Calling it again is a no-op.
func (c *Coordinator) Initialize(ctx context.Context, pushToken string) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	cats := []alerts.Category{{
		ID: categorySnooze,
		Actions: []string{
			string(scheduling.OptionLaterToday),
			string(scheduling.OptionTomorrow),
			string(scheduling.OptionNextWeek),
			string(scheduling.OptionSkip),
		},
	}}
	if err := c.sched.RegisterCategories(ctx, cats); err != nil {
		return fmt.Errorf("coordinator: register categories: %w", err)
	}

	// The engine's reminder writes go through the deferral path, so a
	// snooze taken offline is buffered and replayed instead of failing.
	c.engine.SetReminderWriter(c.DeferReminderUpdate)

	granted, err := c.sched.RequestPermission(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: request permission: %w", err)
	}
	if !granted {
		c.log.Warn("notification permission denied, scheduling will be limited")
	}

	// Union-merge: never clobber tokens registered by other devices.
	if pushToken != "" && c.online(ctx) {
		if err := c.store.AddPushTokens(ctx, c.cfg.UserID, pushToken); err != nil {
			c.log.Warn("register push token", logx.Err(err))
		}
	}

	if err := c.loadState(ctx); err != nil {
		return fmt.Errorf("coordinator: restore state: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	cr := cron.New(cron.WithLocation(c.loc))
	if _, err := cr.AddFunc("@every "+c.cfg.CleanupInterval.String(), func() {
		if err := c.PerformCleanup(runCtx); err != nil {
			c.log.Warn("scheduled cleanup", logx.Err(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("coordinator: cleanup timer: %w", err)
	}
	if _, err := cr.AddFunc("@every "+c.cfg.SyncInterval.String(), func() {
		if err := c.SyncPendingNotifications(runCtx); err != nil {
			c.log.Warn("scheduled sync", logx.Err(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("coordinator: sync timer: %w", err)
	}
	cr.Start()

	var busCh <-chan eventbus.Event
	var busStop func()
	if c.bus != nil {
		busCh, busStop = c.bus.Subscribe(32)
	}

	c.mu.Lock()
	c.initialized = true
	c.permission = granted
	c.cron = cr
	c.busStop = busStop
	c.runCtx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	if busCh != nil {
		c.wg.Add(1)
		go c.eventLoop(runCtx, busCh)
	}

	c.log.Info("coordinator initialized",
		logx.String("user_id", c.cfg.UserID),
		logx.Bool("permission", granted))
	return nil
}

// GetCleanupStats reports the cleanup runner's lifetime counters. Zero
// when no runner is wired.
func (c *Coordinator) GetCleanupStats() CleanupStats {
	c.mu.Lock()
	r := c.runner
	c.mu.Unlock()
	if r == nil {
		return CleanupStats{}
	}
	return r.Stats()
}

// PermissionGranted reports the outcome of the permission prompt from the
// last Initialize. False means alerts may be silently dropped by the OS.
func (c *Coordinator) PermissionGranted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permission
}

func (c *Coordinator) online(ctx context.Context) bool {
	if c.probe == nil {
		return true
	}
	return c.probe.Online(ctx)
}

func (c *Coordinator) eventLoop(ctx context.Context, ch <-chan eventbus.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TopicLifecycleActive, eventbus.TopicConnectivityOnline:
		if err := c.SyncPendingNotifications(ctx); err != nil {
			c.log.Warn("sync on wake", logx.Err(err))
		}
		if err := c.ProcessPendingOperations(ctx); err != nil {
			c.log.Warn("replay on wake", logx.Err(err))
		}
		c.mu.Lock()
		stale := c.now().Sub(c.lastCleanup) > c.cfg.CleanupDebounce
		c.mu.Unlock()
		if stale {
			if err := c.PerformCleanup(ctx); err != nil {
				c.log.Warn("cleanup on wake", logx.Err(err))
			}
		}

	case eventbus.TopicAlertFired:
		if err := c.IncrementBadge(ctx); err != nil {
			c.log.Warn("badge increment", logx.Err(err))
		}
	}
}

// Shutdown stops the timers and the event loop and persists state. The
// device scheduler keeps its alerts; they fire with or without us.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.initialized = false
	cr := c.cron
	busStop := c.busStop
	cancel := c.cancel
	c.cron = nil
	c.busStop = nil
	c.cancel = nil
	c.mu.Unlock()

	if cr != nil {
		stopCtx := cr.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}
	if busStop != nil {
		busStop()
	}
	c.wg.Wait()

	if err := c.persistState(ctx); err != nil {
		return fmt.Errorf("coordinator: persist on shutdown: %w", err)
	}
	c.log.Info("coordinator stopped")
	return nil
}
