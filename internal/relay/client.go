// Package relay posts match broadcasts to an external webhook.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/adapter/duelpresenter"
	"github.com/park285/cheese-duel/internal/arbiter"
	"github.com/park285/cheese-duel/internal/matchsync"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/pkg/duelproto"
)

// HeaderProvider allows injecting per-request headers.
type HeaderProvider func() map[string]string

// Notification is the webhook body.
type Notification struct {
	Code  string          `json:"code"`
	State duelproto.State `json:"state"`
}

type Client struct {
	url     string
	http    *fasthttp.Client
	headers HeaderProvider
	format  *duelpresenter.Formatter
	kinds   map[arbiter.EventKind]bool

	defaultTimeout time.Duration
	retryMax       int

	followers sync.WaitGroup
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

// WithSecret sends secret in X-Duel-Token on every request.
func WithSecret(secret string) Option {
	return func(c *Client) {
		if strings.TrimSpace(secret) == "" {
			return
		}
		c.headers = func() map[string]string { return map[string]string{"X-Duel-Token": secret} }
	}
}

// WithFormatter fills State.Message with rendered text.
func WithFormatter(f *duelpresenter.Formatter) Option {
	return func(c *Client) { c.format = f }
}

// WithKinds limits relayed events to kinds. The default relays everything
// except choice notifications.
func WithKinds(kinds ...arbiter.EventKind) Option {
	return func(c *Client) {
		c.kinds = make(map[arbiter.EventKind]bool, len(kinds))
		for _, k := range kinds {
			c.kinds[k] = true
		}
	}
}

// WithHTTPClient swaps the transport, e.g. for an in-memory listener in tests.
func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:            strings.TrimSpace(url),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 5 * time.Second,
		retryMax:       3,
		kinds: map[arbiter.EventKind]bool{
			arbiter.EventMatchStarted:  true,
			arbiter.EventRestored:      true,
			arbiter.EventMoveCommitted: true,
			arbiter.EventRewound:       true,
			arbiter.EventMatchEnded:    true,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Source is a match the relay can follow.
type Source interface {
	Code() string
	Subscribe(ctx context.Context) (*arbiter.Subscription, matchsync.Snapshot, error)
}

// Follow subscribes before returning and posts matching events in order until
// the subscription closes.
func (c *Client) Follow(ctx context.Context, src Source) error {
	sub, _, err := src.Subscribe(ctx)
	if err != nil {
		return err
	}
	code := src.Code()
	c.followers.Add(1)
	go func() {
		defer c.followers.Done()
		defer sub.Close()
		for ev := range sub.C {
			if !c.kinds[ev.Kind] {
				continue
			}
			if err := c.Notify(context.Background(), code, ev); err != nil {
				obslog.L().Warn("duel_relay_failed",
					zap.String("code", code),
					zap.String("kind", string(ev.Kind)),
					zap.Uint64("seq", ev.Seq),
					zap.Error(err),
				)
			}
		}
	}()
	return nil
}

// Wait blocks until every followed session has been relayed to the end or
// ctx ends.
func (c *Client) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.followers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify posts one event.
func (c *Client) Notify(ctx context.Context, code string, ev arbiter.Event) error {
	text := ""
	if c.format != nil {
		text = c.format.Event(ev)
	}
	return c.Post(ctx, Notification{Code: code, State: duelpresenter.ToDTOState(ev, text)})
}

// Post sends n, retrying transport errors and 5xx answers.
func (c *Client) Post(ctx context.Context, n Notification) error {
	if c.url == "" {
		return errors.New("relay url not configured")
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(c.url)
	req.Header.SetContentType("application/json")
	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}
	req.SetBody(payload)

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err == nil {
			status := resp.StatusCode()
			if status >= 200 && status < 300 {
				return nil
			}
			err = fmt.Errorf("relay error: status=%d body=%s", status, truncate(string(resp.Body()), 512))
			if !shouldRetryStatus(status) {
				return err
			}
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoffDuration: 100ms, 200ms, 400ms ... capped at 3.2s.
func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
