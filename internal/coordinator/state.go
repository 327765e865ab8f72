package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

// Device store keys for the coordinator's persisted state.
const (
	keyNotifications = "coord.notifications"
	keyPendingQueue  = "coord.pending_queue"
	keyPendingOps    = "coord.pending_ops"
	keyBadge         = "coord.badge"
	keyLastCleanup   = "coord.last_cleanup"
)

// loadState restores the notification map, offline buffers, badge, and
// cleanup timestamp from the device store. Missing keys are fresh-install
// defaults; corrupt values are dropped with a warning rather than wedging
// startup.
func (c *Coordinator) loadState(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if raw, ok, err := c.kv.Get(ctx, keyNotifications); err != nil {
		return fmt.Errorf("read %s: %w", keyNotifications, err)
	} else if ok {
		var recs map[string]*record
		if err := json.Unmarshal([]byte(raw), &recs); err != nil {
			c.log.Warn("discard corrupt notification map", logx.Err(err))
		} else {
			c.notifications = recs
		}
	}
	if c.notifications == nil {
		c.notifications = make(map[string]*record)
	}

	if raw, ok, err := c.kv.Get(ctx, keyPendingQueue); err != nil {
		return fmt.Errorf("read %s: %w", keyPendingQueue, err)
	} else if ok {
		var q []queuedRequest
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			c.log.Warn("discard corrupt pending queue", logx.Err(err))
		} else {
			c.pendingQueue = q
		}
	}

	if raw, ok, err := c.kv.Get(ctx, keyPendingOps); err != nil {
		return fmt.Errorf("read %s: %w", keyPendingOps, err)
	} else if ok {
		var ops []operation
		if err := json.Unmarshal([]byte(raw), &ops); err != nil {
			c.log.Warn("discard corrupt pending operations", logx.Err(err))
		} else {
			c.pendingOps = ops
		}
	}

	if raw, ok, err := c.kv.Get(ctx, keyBadge); err != nil {
		return fmt.Errorf("read %s: %w", keyBadge, err)
	} else if ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			n = 0
		}
		c.badge = n
	}

	if raw, ok, err := c.kv.Get(ctx, keyLastCleanup); err != nil {
		return fmt.Errorf("read %s: %w", keyLastCleanup, err)
	} else if ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			c.lastCleanup = t
		}
	}

	c.log.Debug("state restored",
		logx.Int("notifications", len(c.notifications)),
		logx.Int("queued", len(c.pendingQueue)),
		logx.Int("ops", len(c.pendingOps)),
		logx.Int("badge", c.badge))
	return nil
}

func (c *Coordinator) persistState(ctx context.Context) error {
	c.mu.Lock()
	recs, errRecs := json.Marshal(c.notifications)
	queue, errQueue := json.Marshal(c.pendingQueue)
	ops, errOps := json.Marshal(c.pendingOps)
	badge := strconv.Itoa(c.badge)
	last := c.lastCleanup
	c.mu.Unlock()

	for _, err := range []error{errRecs, errQueue, errOps} {
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
	}

	puts := map[string]string{
		keyNotifications: string(recs),
		keyPendingQueue:  string(queue),
		keyPendingOps:    string(ops),
		keyBadge:         badge,
	}
	if !last.IsZero() {
		puts[keyLastCleanup] = last.UTC().Format(time.RFC3339)
	}
	for k, v := range puts {
		if err := c.kv.Put(ctx, k, v); err != nil {
			return fmt.Errorf("write %s: %w", k, err)
		}
	}
	return nil
}

func (c *Coordinator) persistStateLogged(ctx context.Context) {
	if err := c.persistState(ctx); err != nil {
		c.log.Warn("persist state", logx.Err(err))
	}
}

// Badge returns the mirrored badge count.
func (c *Coordinator) Badge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.badge
}

// SetBadgeCount sets the badge on the device and in the mirror. Negative
// values clamp to zero.
func (c *Coordinator) SetBadgeCount(ctx context.Context, n int) error {
	if n < 0 {
		n = 0
	}
	c.mu.Lock()
	c.badge = n
	c.mu.Unlock()
	if err := c.sched.SetBadge(ctx, n); err != nil {
		return fmt.Errorf("coordinator: set badge: %w", err)
	}
	c.persistStateLogged(ctx)
	return nil
}

// IncrementBadge bumps the badge by one.
func (c *Coordinator) IncrementBadge(ctx context.Context) error {
	c.mu.Lock()
	n := c.badge + 1
	c.mu.Unlock()
	return c.SetBadgeCount(ctx, n)
}

// DecrementBadge lowers the badge by one, never below zero.
func (c *Coordinator) DecrementBadge(ctx context.Context) error {
	c.mu.Lock()
	n := c.badge - 1
	c.mu.Unlock()
	return c.SetBadgeCount(ctx, n)
}
