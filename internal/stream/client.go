// internal/stream/client.go
package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/user/reportstream/internal/types"
)

// Status is the terminal-state machine every callback and timer consults
// before acting. A connection that left Active never returns to it except
// through a fresh Connect.
type Status int

const (
	StatusIdle Status = iota
	StatusActive
	StatusAborted
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusAborted:
		return "aborted"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Handlers receives the connection's typed callbacks. OnEvent is invoked
// strictly in arrival order from a single goroutine. OnError fires at most
// once per Connect, after transport retries are exhausted.
type Handlers struct {
	OnOpen  func()
	OnEvent func(types.StreamEvent)
	OnError func(error)
}

// Dialer opens the event-stream body for a request URL. Injectable so
// tests can script transport behavior.
type Dialer func(ctx context.Context, reqURL string) (io.ReadCloser, error)

// request is the immutable (query, options) tuple a logical operation was
// started with. Retries re-dial this tuple; they never rebuild handlers.
type request struct {
	query string
	opts  types.Options
}

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 2 * time.Second
)

// Client maintains at most one live event-stream request. Opening a new
// one forcibly tears down the previous connection first.
type Client struct {
	baseURL    string
	dial       Dialer
	maxRetries int
	retryDelay time.Duration

	mu         sync.Mutex
	status     Status
	connected  bool
	retryCount int
	gen        int
	req        *request
	handlers   Handlers
	opCtx      context.Context
	cancel     context.CancelFunc
	timer      *time.Timer
}

type Option func(*Client)

// WithDialer replaces the HTTP dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithRetryPolicy overrides the transport retry bound and fixed delay.
func WithRetryPolicy(maxRetries int, delay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryDelay = delay
	}
}

// New creates a stream client for the given server base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	c.dial = httpDialer(&http.Client{})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func httpDialer(hc *http.Client) Dialer {
	return func(ctx context.Context, reqURL string) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("open stream: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("stream rejected: status %d", resp.StatusCode)
		}
		return resp.Body, nil
	}
}

// buildURL assembles the stream request URL with only the non-empty
// optional parameters attached.
func buildURL(base, query string, opts types.Options) string {
	v := url.Values{}
	v.Set("query", query)
	if opts.ConversationID != "" {
		v.Set("conversation_id", string(opts.ConversationID))
	}
	if opts.Operation != "" {
		v.Set("operation_type", string(opts.Operation))
	}
	if opts.SelectedText != "" {
		v.Set("selected_text", opts.SelectedText)
	}
	if opts.Position != "" {
		v.Set("position", opts.Position)
	}
	if opts.TemplateID != "" {
		v.Set("template_id", opts.TemplateID)
	}
	if opts.DocumentID != "" {
		v.Set("document_id", opts.DocumentID)
	}
	return base + "/stream?" + v.Encode()
}

// Connect opens a stream for the query. Any existing connection is torn
// down first, then all internal state is reset for the new operation.
func (c *Client) Connect(ctx context.Context, query string, handlers Handlers, opts types.Options) error {
	if err := types.ValidateQuery(query); err != nil {
		return err
	}
	if opts.Operation != "" && !opts.Operation.Valid() {
		return fmt.Errorf("invalid operation type %q", opts.Operation)
	}

	c.mu.Lock()
	c.teardownLocked()
	c.status = StatusActive
	c.connected = false
	c.retryCount = 0
	c.gen++
	gen := c.gen
	c.req = &request{query: query, opts: opts}
	c.handlers = handlers
	c.opCtx = ctx
	c.openLocked(gen)
	c.mu.Unlock()
	return nil
}

// openLocked dials the current request tuple and starts the reader
// goroutine. Caller must hold c.mu.
func (c *Client) openLocked(gen int) {
	connCtx, cancel := context.WithCancel(c.opCtx)
	c.cancel = cancel
	reqURL := buildURL(c.baseURL, c.req.query, c.req.opts)
	go c.run(connCtx, gen, reqURL)
}

func (c *Client) run(ctx context.Context, gen int, reqURL string) {
	body, err := c.dial(ctx, reqURL)
	if err != nil {
		c.transportError(gen, err)
		return
	}
	defer body.Close()

	if !c.markOpen(gen) {
		return
	}

	readErr := readEvents(body, func(raw rawEvent) {
		c.dispatch(gen, raw)
	})

	c.mu.Lock()
	stillActive := c.gen == gen && c.status == StatusActive
	c.mu.Unlock()
	if stillActive {
		if readErr == nil {
			readErr = fmt.Errorf("stream closed before end event: %w", io.ErrUnexpectedEOF)
		}
		c.transportError(gen, readErr)
	}
}

// markOpen records the low-level open signal: connected, retry counter
// reset, OnOpen invoked. Returns false if the connection is stale.
func (c *Client) markOpen(gen int) bool {
	c.mu.Lock()
	if c.gen != gen || c.status != StatusActive {
		c.mu.Unlock()
		return false
	}
	c.connected = true
	c.retryCount = 0
	onOpen := c.handlers.OnOpen
	c.mu.Unlock()

	if onOpen != nil {
		onOpen()
	}
	return true
}

// dispatch decodes one wire event and delivers it. A malformed payload is
// logged and dropped; it never ends the session.
func (c *Client) dispatch(gen int, raw rawEvent) {
	c.mu.Lock()
	if c.gen != gen || c.status != StatusActive {
		c.mu.Unlock()
		slog.Debug("dropping event on inactive connection", "event", raw.name)
		return
	}
	onEvent := c.handlers.OnEvent
	c.mu.Unlock()

	ev, err := decodeEvent(raw)
	if err != nil {
		slog.Warn("malformed stream event dropped", "event", raw.name, "error", err)
		return
	}

	if onEvent != nil {
		onEvent(ev)
	}

	// A natural end is terminal: mark completed so a trailing transport
	// error cannot resurrect the session, then tear down.
	if ev.Kind() == types.KindEnd {
		c.mu.Lock()
		if c.gen == gen && c.status == StatusActive {
			c.status = StatusCompleted
			c.disconnectLocked()
		}
		c.mu.Unlock()
	}
}

// transportError handles a low-level connection failure. Precedence:
// aborted wins over everything, a completed session never retries, then
// the retry bound, then a fixed-delay re-dial of the same request tuple.
func (c *Client) transportError(gen int, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.connected = false

	switch c.status {
	case StatusAborted:
		c.mu.Unlock()
		return
	case StatusCompleted, StatusFailed, StatusIdle:
		c.disconnectLocked()
		c.mu.Unlock()
		return
	}

	if c.retryCount >= c.maxRetries {
		c.status = StatusFailed
		onError := c.handlers.OnError
		c.disconnectLocked()
		c.mu.Unlock()
		slog.Error("stream retries exhausted", "error", err, "retries", c.maxRetries)
		if onError != nil {
			onError(err)
		}
		return
	}

	c.retryCount++
	attempt := c.retryCount
	slog.Warn("stream dropped, reconnecting", "error", err, "attempt", attempt, "delay", c.retryDelay)
	c.timer = time.AfterFunc(c.retryDelay, func() {
		c.redial(gen)
	})
	c.mu.Unlock()
}

// redial re-opens the same request tuple after the backoff delay, unless
// the operation was aborted, completed, or superseded meanwhile.
func (c *Client) redial(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.status != StatusActive {
		return
	}
	c.openLocked(gen)
}

// Abort is the sole cancellation primitive. It is idempotent, safe during
// an in-flight retry timer, and guarantees no new callbacks fire after it
// returns. The retry counter is pinned to the bound so nothing can re-arm.
func (c *Client) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusAborted
	c.retryCount = c.maxRetries
	c.disconnectLocked()
}

// Disconnect tears down the transport without touching the terminal
// status. Used internally after abort or a natural end.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *Client) disconnectLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.connected = false
}

// teardownLocked forcibly ends the current logical operation so a new one
// can begin. Caller must hold c.mu.
func (c *Client) teardownLocked() {
	if c.status == StatusActive {
		slog.Info("replacing live stream connection")
	}
	c.status = StatusAborted
	c.disconnectLocked()
}

// IsConnected reports whether a live, open stream exists right now.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusActive && c.connected
}

// Status returns the connection's terminal-state machine position.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// RetryCount returns the transport retry counter for the current operation.
func (c *Client) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}
