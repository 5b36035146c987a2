// Package delivery sends scheduled messages to a Letta-compatible agent
// server over its REST API and classifies every failure as transient or
// permanent so callers can decide whether a retry is worth anything.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"nudgebot/pkg/logx"
)

const (
	defaultBaseURL    = "http://localhost:8283"
	defaultTimeout    = 30 * time.Second
	defaultRetryMax   = 3
	defaultRetryBase  = 1 * time.Second
	defaultRetryCap   = 30 * time.Second
	defaultJitterFrac = 0.2

	// Unsecured servers still require a bearer token on the wire.
	dummyToken = "dummy-token-for-unsecured-server"

	maxErrBody = 8 << 10
)

// Config controls the agent server connection and the in-call retry policy.
// The app layer maps config.letta into this struct.
type Config struct {
	BaseURL        string
	APIKey         string
	ServerPassword string
	Timeout        time.Duration
	RetryMax       int
	RetryBase      time.Duration
	RetryCap       time.Duration

	// RatePerSec throttles outbound requests. 0 disables throttling.
	RatePerSec int
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = os.Getenv("LETTA_BASE_URL")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("LETTA_API_KEY")
	}
	if c.ServerPassword == "" {
		c.ServerPassword = os.Getenv("LETTA_SERVER_PASSWORD")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryCap <= 0 {
		c.RetryCap = defaultRetryCap
	}
	return c
}

func (c Config) token() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if c.ServerPassword != "" {
		return c.ServerPassword
	}
	return dummyToken
}

// clientState bundles everything derived from one Config so Apply can swap
// it atomically. Requests in flight keep the state they started with.
type clientState struct {
	cfg     Config
	httpc   *http.Client
	limiter *rate.Limiter
}

func newClientState(cfg Config) *clientState {
	cfg = cfg.withDefaults()
	st := &clientState{
		cfg: cfg,
		httpc: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &authTransport{
				token: cfg.token(),
			},
		},
	}
	if cfg.RatePerSec > 0 {
		st.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return st
}

func (st *clientState) wait(ctx context.Context) error {
	if st.limiter == nil {
		return nil
	}
	return st.limiter.Wait(ctx)
}

// Client talks to one agent server. Safe for concurrent use.
type Client struct {
	st  atomic.Pointer[clientState]
	log logx.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewClient builds a Client from cfg, filling unset fields from the
// LETTA_BASE_URL, LETTA_API_KEY and LETTA_SERVER_PASSWORD environment
// variables and then from defaults.
func NewClient(cfg Config, log logx.Logger) *Client {
	c := &Client{
		log: log,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.st.Store(newClientState(cfg))
	return c
}

// Apply swaps the connection settings at runtime. Deliveries already in
// flight finish with the settings they started under.
func (c *Client) Apply(cfg Config) {
	c.st.Store(newClientState(cfg))
}

func (c *Client) state() *clientState { return c.st.Load() }

// BaseURL reports the resolved server address.
func (c *Client) BaseURL() string { return c.state().cfg.BaseURL }

// authTransport injects the bearer token on every request. Headers already
// set by the caller are left alone.
type authTransport struct {
	token string
	base  http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

type messagePayload struct {
	Messages []messageCreate `json:"messages"`
}

type messageCreate struct {
	Role    string        `json:"role"`
	Content []textContent `json:"content"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Deliver sends message to the named agent. It retries transient failures
// up to RetryMax attempts with doubling, jittered delays, and never returns
// an error: the Outcome carries the classification instead.
//
// The agent server has a known serialization defect where a send fails with
// an error mentioning 'description' and ChatMLInnerMonologueWrapper even
// though the agent processed the turn. The same logical send succeeds over
// the streaming endpoint, so each failed attempt with that signature is
// retried once through it before the normal backoff applies.
func (c *Client) Deliver(ctx context.Context, agentID, message string) Outcome {
	st := c.state()
	attempts := st.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.send(ctx, st, agentID, message, false)
		if err == nil {
			return Outcome{Status: StatusDelivered, Attempts: attempt}
		}
		lastErr = err
		if isMalformedAgentResponse(err) {
			c.log.Warn("malformed agent response, retrying over streaming transport",
				logx.String("agent_id", agentID), logx.Int("attempt", attempt))
			if ferr := c.send(ctx, st, agentID, message, true); ferr == nil {
				return Outcome{Status: StatusDelivered, Attempts: attempt, Fallback: true}
			} else {
				c.log.Warn("streaming fallback failed",
					logx.String("agent_id", agentID), logx.Err(ferr))
			}
		}
		if isPermanent(err) {
			return Outcome{Status: StatusPermanent, Reason: err.Error(), Attempts: attempt}
		}
		if ctx.Err() != nil {
			return Outcome{Status: StatusTransient, Reason: ctx.Err().Error(), Attempts: attempt}
		}
		if attempt == attempts {
			break
		}
		delay := c.backoff(st, attempt, err)
		c.log.Debug("delivery attempt failed, backing off",
			logx.String("agent_id", agentID),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
			logx.Err(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{Status: StatusTransient, Reason: ctx.Err().Error(), Attempts: attempt}
		case <-timer.C:
		}
	}
	return Outcome{Status: StatusTransient, Reason: lastErr.Error(), Attempts: attempts}
}

// send performs one POST to the messages endpoint. With streaming set it
// uses the streaming variant and drains the event stream; the payload is
// identical either way.
func (c *Client) send(ctx context.Context, st *clientState, agentID, message string, streaming bool) error {
	if err := st.wait(ctx); err != nil {
		return err
	}
	payload := messagePayload{
		Messages: []messageCreate{{
			Role:    "user",
			Content: []textContent{{Type: "text", Text: message}},
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return permanent(fmt.Errorf("encode message payload: %w", err))
	}
	endpoint := st.cfg.BaseURL + "/v1/agents/" + url.PathEscape(agentID) + "/messages"
	if streaming {
		endpoint += "/stream"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
	resp, err := st.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// The response body is the agent's turn; the scheduler only cares
		// that the server accepted the message.
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return classifyResponse(resp)
}

// classifyResponse turns a non-2xx response into a transient or permanent
// error. The body is included so defect signatures stay detectable.
func classifyResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	apiErr := &apiError{status: resp.StatusCode, body: string(bytes.TrimSpace(raw))}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return permanent(fmt.Errorf("authentication rejected: %w", apiErr))
	case resp.StatusCode == http.StatusNotFound:
		return permanent(fmt.Errorf("agent not found: %w", apiErr))
	case resp.StatusCode == http.StatusRequestTimeout:
		return apiErr
	case resp.StatusCode == http.StatusTooManyRequests:
		if d := retryAfter(resp.Header.Get("Retry-After")); d > 0 {
			return &retryAfterError{err: apiErr, after: d}
		}
		return apiErr
	case resp.StatusCode >= 500:
		return apiErr
	default:
		return permanent(fmt.Errorf("request rejected: %w", apiErr))
	}
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff returns the delay before the next attempt: RetryBase doubled per
// completed attempt, capped at RetryCap, with ±20% jitter. A server-provided
// Retry-After hint overrides the computed delay but keeps the cap and jitter.
func (c *Client) backoff(st *clientState, retry int, err error) time.Duration {
	d := st.cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= st.cfg.RetryCap {
			d = st.cfg.RetryCap
			break
		}
	}
	var ra *retryAfterError
	if errors.As(err, &ra) && ra.after > 0 {
		d = ra.after
		if d > st.cfg.RetryCap {
			d = st.cfg.RetryCap
		}
	}
	c.mu.Lock()
	r := (c.rng.Float64()*2 - 1) * defaultJitterFrac
	c.mu.Unlock()
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	return d
}
