// Package netguard governs every outbound HTTP call made by the gateway.
//
// A Guard coalesces identical in-flight requests, enforces a rolling request
// budget and a concurrency ceiling, bounds each attempt with a timeout and
// retries transient failures with exponential backoff and jitter. In-flight
// attempts can be aborted by key pattern with Cancel/CancelMatching, and Reset
// tears all state down.
//
// All bookkeeping lives behind a single mutex, so the admission check and the
// counter updates it guards are atomic with respect to each other.
package netguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"agrimater/pkg/utils"

	"go.uber.org/zap"
)

// Request is an outbound call. Body must be the exact bytes to send; it is
// part of the deduplication key.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Key is the deduplication and cancellation key: method, URL and body.
func (r Request) Key() string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + ":" + r.URL + ":" + string(r.Body)
}

// Response is a fully read 2xx response. Coalesced callers share the same
// value and must treat it as read-only.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the response body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("netguard: decode response: %w", err)
	}
	return nil
}

// Status is a snapshot of the governor's counters.
type Status struct {
	ActiveRequests  int       `json:"activeRequests"`
	PendingRequests int       `json:"pendingRequests"`
	SessionBudget   int       `json:"sessionBudget"`
	BudgetLimit     int       `json:"budgetLimit"`
	BudgetResetAt   time.Time `json:"budgetResetTime"`
	Coalesced       int64     `json:"coalesced"`
}

// Option configures a Guard.
type Option func(*Guard)

// WithHTTPClient sets the client used for attempts.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Guard) {
		if c != nil {
			g.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock replaces time.Now, mainly for budget window tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// Guard is the process-wide request governor. Create one with New at startup
// and share it; the zero value is not usable.
type Guard struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	active    int
	budget    budget
	pending   map[uint64]*pendingRequest
	inflight  map[string]*call
	nextID    uint64
	gen       uint64
	coalesced int64
}

type budget struct {
	count   int
	resetAt time.Time
}

// pendingRequest is one in-flight network attempt.
type pendingRequest struct {
	key       string
	cancel    context.CancelCauseFunc
	startedAt time.Time
	attempt   int
}

// call is the shared result of a logical request; identical requests inside
// the dedupe window wait on done instead of hitting the network.
type call struct {
	done      chan struct{}
	startedAt time.Time
	resp      *Response
	err       error
}

func (c *call) wait(ctx context.Context) (*Response, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// New creates a Guard. Zero or negative tunables fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Guard {
	g := &Guard{
		cfg:      cfg.normalize(),
		client:   &http.Client{},
		logger:   zap.NewNop(),
		now:      time.Now,
		pending:  make(map[uint64]*pendingRequest),
		inflight: make(map[string]*call),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.budget = budget{resetAt: g.now().Add(g.cfg.BudgetWindow)}
	return g
}

// Config returns the tunables in effect.
func (g *Guard) Config() Config {
	return g.cfg
}

// Fetch performs req under the governor's rules. It returns the response for
// a 2xx status and an error otherwise: *AdmissionError when the request was
// not admitted, *HTTPError for non-2xx statuses, or an error wrapping
// ErrTimeout or ErrCancelled. ctx bounds the whole call, including backoff
// sleeps, and is raced against every attempt's own timeout.
func (g *Guard) Fetch(ctx context.Context, req Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	key := req.Key()

	g.mu.Lock()
	now := g.now()
	if g.cfg.EnableDedupe {
		if c, ok := g.inflight[key]; ok && now.Sub(c.startedAt) < g.cfg.DedupeWindow {
			g.coalesced++
			g.mu.Unlock()
			g.logger.Debug("Coalesced onto in-flight request", zap.String("key", key))
			return c.wait(ctx)
		}
	}
	if err := g.admitLocked(key, now); err != nil {
		g.mu.Unlock()
		g.logger.Warn("Request blocked", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	g.active++
	g.budget.count++
	gen := g.gen
	c := &call{done: make(chan struct{}), startedAt: now}
	if g.cfg.EnableDedupe {
		g.inflight[key] = c
	}
	g.mu.Unlock()

	c.resp, c.err = g.executeWithRetry(ctx, req, key, gen)
	close(c.done)

	g.mu.Lock()
	// A Reset since admission already zeroed the counters.
	if g.gen == gen {
		g.active--
	}
	if cur, ok := g.inflight[key]; ok && cur == c {
		delete(g.inflight, key)
	}
	g.mu.Unlock()

	return c.resp, c.err
}

// FetchJSON marshals payload as the request body and sends it with a JSON
// content type. encoding/json sorts map keys, so equal payloads produce equal
// keys.
func (g *Guard) FetchJSON(ctx context.Context, method, url string, header http.Header, payload any) (*Response, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal payload: %v", ErrInvalidRequest, err)
		}
	}
	h := header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	return g.Fetch(ctx, Request{Method: method, URL: url, Header: h, Body: body})
}

// admitLocked must be called with g.mu held.
func (g *Guard) admitLocked(key string, now time.Time) error {
	g.rollBudgetLocked(now)
	if g.budget.count >= g.cfg.RequestBudget {
		return &AdmissionError{
			Reason:     ReasonBudgetExhausted,
			Key:        key,
			RetryAfter: g.budget.resetAt.Sub(now),
		}
	}
	if g.active >= g.cfg.MaxConcurrent {
		return &AdmissionError{Reason: ReasonConcurrencyLimit, Key: key}
	}
	return nil
}

// rollBudgetLocked starts a new budget window once the current one expired.
func (g *Guard) rollBudgetLocked(now time.Time) {
	if now.Before(g.budget.resetAt) {
		return
	}
	if g.budget.count > 0 {
		g.logger.Info("Session budget reset", zap.Int("used", g.budget.count))
	}
	g.budget = budget{resetAt: now.Add(g.cfg.BudgetWindow)}
}

func (g *Guard) executeWithRetry(ctx context.Context, req Request, key string, gen uint64) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := utils.Backoff(attempt-1, g.cfg.BaseDelay, g.cfg.MaxDelay)
			g.logger.Warn("Retrying request",
				zap.String("key", key),
				zap.Int("attempt", attempt+1),
				zap.Int("maxAttempts", g.cfg.MaxRetries+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := sleepContext(ctx, delay); err != nil {
				return nil, err
			}
			if g.generation() != gen {
				return nil, fmt.Errorf("%w: %s", ErrCancelled, key)
			}
		}

		resp, err := g.attempt(ctx, req, key, attempt, gen)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (g *Guard) attempt(ctx context.Context, req Request, key string, attempt int, gen uint64) (*Response, error) {
	cancelCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	attemptCtx, stop := context.WithTimeoutCause(cancelCtx, g.cfg.Timeout, errAttemptTimeout)
	defer stop()

	id, ok := g.trackPending(key, cancel, attempt, gen)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCancelled, key)
	}
	defer g.untrackPending(id)

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, g.classify(ctx, cancelCtx, attemptCtx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, g.classify(ctx, cancelCtx, attemptCtx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: payload}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
}

// classify turns a failed attempt into caller cancellation, governor
// cancellation, timeout or transport error, in that order of precedence.
func (g *Guard) classify(ctx, cancelCtx, attemptCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if cause := context.Cause(cancelCtx); cause != nil && cause != context.Canceled {
		return cause
	}
	if context.Cause(attemptCtx) == errAttemptTimeout {
		return fmt.Errorf("%w after %s", ErrTimeout, g.cfg.Timeout)
	}
	return fmt.Errorf("netguard: transport: %w", err)
}

// trackPending registers a cancellable attempt. It refuses when a Reset
// happened since the request was admitted.
func (g *Guard) trackPending(key string, cancel context.CancelCauseFunc, attempt int, gen uint64) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gen != gen {
		return 0, false
	}
	g.nextID++
	g.pending[g.nextID] = &pendingRequest{
		key:       key,
		cancel:    cancel,
		startedAt: g.now(),
		attempt:   attempt,
	}
	return g.nextID, true
}

func (g *Guard) untrackPending(id uint64) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

func (g *Guard) generation() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen
}

// Cancel aborts every in-flight attempt whose key contains pattern and
// returns how many were aborted. The aborted callers receive an error
// wrapping ErrCancelled; it is not retried.
func (g *Guard) Cancel(pattern string) int {
	return g.cancelWhere(func(key string) bool { return strings.Contains(key, pattern) })
}

// CancelMatching is Cancel for a regular expression.
func (g *Guard) CancelMatching(re *regexp.Regexp) int {
	if re == nil {
		return 0
	}
	return g.cancelWhere(re.MatchString)
}

func (g *Guard) cancelWhere(match func(string) bool) int {
	g.mu.Lock()
	var cancelled []string
	for id, p := range g.pending {
		if !match(p.key) {
			continue
		}
		p.cancel(fmt.Errorf("%w: %s", ErrCancelled, p.key))
		delete(g.pending, id)
		cancelled = append(cancelled, p.key)
	}
	g.mu.Unlock()

	for _, key := range cancelled {
		g.logger.Info("Cancelled request", zap.String("key", key))
	}
	return len(cancelled)
}

// Reset aborts all pending attempts, forgets in-flight and dedupe state,
// zeroes the counters and starts a fresh budget window. Requests waiting
// between retries give up at their next attempt.
func (g *Guard) Reset() {
	g.mu.Lock()
	for _, p := range g.pending {
		p.cancel(fmt.Errorf("%w: %s", ErrCancelled, p.key))
	}
	g.pending = make(map[uint64]*pendingRequest)
	g.inflight = make(map[string]*call)
	g.active = 0
	g.gen++
	g.budget = budget{resetAt: g.now().Add(g.cfg.BudgetWindow)}
	g.mu.Unlock()

	g.logger.Info("All network guard state reset")
}

// Status returns a snapshot of the counters.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollBudgetLocked(g.now())
	return Status{
		ActiveRequests:  g.active,
		PendingRequests: len(g.pending),
		SessionBudget:   g.budget.count,
		BudgetLimit:     g.cfg.RequestBudget,
		BudgetResetAt:   g.budget.resetAt,
		Coalesced:       g.coalesced,
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
