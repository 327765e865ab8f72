// Package push delivers notifications to a user's devices through the
// remote push gateway. It resolves tokens from the profile store, batches
// one request per user, and prunes tokens the gateway reports as dead.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rayabelcode/touchbase/internal/remote"
	"github.com/rayabelcode/touchbase/internal/retry"
	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

var (
	// ErrNoTokens means the user has no registered devices to deliver to.
	ErrNoTokens = errors.New("push: no registered tokens")
	// ErrDisabled means the user opted out of cloud notifications.
	ErrDisabled = errors.New("push: cloud notifications disabled")
)

// Message is the payload delivered to every device of a user.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type Config struct {
	Endpoint      string
	AccessToken   string
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration // cap for the exponential schedule
	CallTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 4
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 8 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// Client talks to an Expo-style push endpoint: a JSON array of tickets in,
// a {data:[...]} array of per-token receipts out.
type Client struct {
	cfg      Config
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	profiles remote.ProfileStore
	policy   retry.Policy
	log      logx.Logger
}

func NewClient(cfg Config, profiles remote.ProfileStore, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "push-gateway",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.CallTimeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec)+1),
		breaker:  cb,
		profiles: profiles,
		policy: retry.Policy{
			MaxAttempts: cfg.RetryMax,
			Base:        cfg.RetryBase,
			MaxDelay:    cfg.RetryMaxDelay,
			Jitter:      0.2,
			Retryable:   Transient,
		},
		log: log,
	}
}

type ticket struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type receipt struct {
	Status string `json:"status"` // "ok" or "error"
	Error  string `json:"error,omitempty"`
}

type gatewayResponse struct {
	Data []receipt `json:"data"`
}

// statusError carries the HTTP status for retry classification.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("push: gateway status %d", e.code) }

// Transient reports whether err is worth another delivery attempt:
// network failures, 429 and 5xx are; other HTTP errors are not. An open
// breaker is not retried here, the next scheduling pass will.
func Transient(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true // transport-level failure
}

// Send delivers msg to every registered token of userID. Tokens the gateway
// reports as unregistered are pruned from the profile. Returns ErrDisabled
// when the user opted out and ErrNoTokens when there is nothing to send to.
func (c *Client) Send(ctx context.Context, userID string, msg Message) error {
	prof, err := c.profiles.GetProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("push: resolve profile: %w", err)
	}
	if !prof.CloudNotificationsEnabled {
		return ErrDisabled
	}
	if len(prof.PushTokens) == 0 {
		return ErrNoTokens
	}

	tickets := make([]ticket, 0, len(prof.PushTokens))
	owners := make([]string, 0, len(prof.PushTokens))
	for _, tok := range prof.PushTokens {
		tickets = append(tickets, ticket{To: tok, Title: msg.Title, Body: msg.Body, Data: msg.Data})
		owners = append(owners, userID)
	}

	resp, err := c.deliver(ctx, tickets)
	if err != nil {
		return err
	}
	c.pruneDead(ctx, tickets, owners, resp)
	return nil
}

// SendAll delivers msg to every registered token across userIDs in one
// gateway request. Opted-out users and users without tokens are skipped;
// ErrNoTokens is returned only when nobody was deliverable.
func (c *Client) SendAll(ctx context.Context, userIDs []string, msg Message) error {
	var (
		tickets []ticket
		owners  []string
	)
	for _, uid := range userIDs {
		prof, err := c.profiles.GetProfile(ctx, uid)
		if err != nil {
			return fmt.Errorf("push: resolve profile %s: %w", uid, err)
		}
		if !prof.CloudNotificationsEnabled {
			continue
		}
		for _, tok := range prof.PushTokens {
			tickets = append(tickets, ticket{To: tok, Title: msg.Title, Body: msg.Body, Data: msg.Data})
			owners = append(owners, uid)
		}
	}
	if len(tickets) == 0 {
		return ErrNoTokens
	}

	resp, err := c.deliver(ctx, tickets)
	if err != nil {
		return err
	}
	c.pruneDead(ctx, tickets, owners, resp)
	return nil
}

// deliver posts tickets under the rate limiter and breaker, retrying
// transient failures per policy.
func (c *Client) deliver(ctx context.Context, tickets []ticket) (gatewayResponse, error) {
	var resp gatewayResponse
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		got, err := c.breaker.Execute(func() (any, error) {
			return c.post(ctx, tickets)
		})
		if err != nil {
			return err
		}
		resp = got.(gatewayResponse)
		return nil
	})
	return resp, err
}

// pruneDead removes tokens the gateway reported as unregistered from each
// owning profile. Receipts line up with tickets by index; owners[i] is the
// user that tickets[i].To belongs to.
func (c *Client) pruneDead(ctx context.Context, tickets []ticket, owners []string, resp gatewayResponse) {
	dead := make(map[string][]string)
	for i, r := range resp.Data {
		if i >= len(tickets) || r.Status != "error" {
			continue
		}
		if r.Error == "DeviceNotRegistered" || r.Error == "InvalidCredentials" {
			dead[owners[i]] = append(dead[owners[i]], tickets[i].To)
		} else {
			c.log.Warn("push receipt error",
				logx.String("user_id", owners[i]), logx.String("error", r.Error))
		}
	}
	for uid, toks := range dead {
		if err := c.profiles.RemovePushTokens(ctx, uid, toks...); err != nil {
			c.log.Warn("prune dead tokens", logx.String("user_id", uid), logx.Err(err))
		} else {
			c.log.Info("pruned dead push tokens",
				logx.String("user_id", uid), logx.Int("count", len(toks)))
		}
	}
}

func (c *Client) post(ctx context.Context, tickets []ticket) (gatewayResponse, error) {
	body, err := json.Marshal(tickets)
	if err != nil {
		return gatewayResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return gatewayResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return gatewayResponse{}, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
		return gatewayResponse{}, &statusError{code: res.StatusCode}
	}
	var out gatewayResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return gatewayResponse{}, fmt.Errorf("push: decode response: %w", err)
	}
	return out, nil
}
