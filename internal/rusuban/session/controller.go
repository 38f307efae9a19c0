package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Rusuban/common/trace"
	"github.com/bdobrica/Rusuban/internal/rusuban/events"
	"github.com/bdobrica/Rusuban/internal/rusuban/memory"
	"github.com/bdobrica/Rusuban/internal/rusuban/observability"
)

const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectDelay       = 10 * time.Second

	// destroyTimeout bounds client teardown when no caller context is
	// available (timer goroutines, abandoned start races).
	destroyTimeout = 30 * time.Second

	// lockStripes is the size of the per-correspondent lock pool.
	lockStripes = 64
)

// Replier produces the outgoing reply text for a correspondent. Empty text
// with a nil error means nothing should be sent.
type Replier interface {
	Generate(ctx context.Context, correspondent string) (string, error)
}

// Config wires a Controller.
type Config struct {
	Factory Factory
	Memory  *memory.Memory
	Replier Replier
	Sink    events.Sink

	// MaxReconnectAttempts is the number of consecutive disconnects,
	// without an intervening ready, after which the controller gives up.
	// Default: 5.
	MaxReconnectAttempts int

	// ReconnectDelay is the fixed wait before each reconnect. Default: 10s.
	ReconnectDelay time.Duration
}

// Controller drives the session state machine.
//
// The transport reports lifecycle events through Handlers closures bound to a
// session generation; events from a torn-down session carry a stale
// generation and are dropped. All state lives behind one mutex, and no
// blocking call (client teardown, reply generation, sending) ever runs while
// it is held.
type Controller struct {
	factory Factory
	memory  *memory.Memory
	replier Replier
	sink    events.Sink

	maxAttempts    int
	reconnectDelay time.Duration
	reconnect      scheduledTask

	mu       sync.Mutex
	gen      uint64 // current session generation
	status   Status
	qr       string
	client   Client
	ctx      context.Context // session-scoped; cancelled on teardown
	cancel   context.CancelFunc
	attempts int // consecutive disconnects since the last ready

	// locks is a fixed stripe pool serializing per-correspondent message
	// handling. Striping keeps the footprint constant no matter how many
	// distinct correspondents appear; a hash collision only means two
	// unrelated chats share a queue.
	locks [lockStripes]sync.Mutex
}

// Snapshot is a point-in-time view of the session for status reporting.
type Snapshot struct {
	Status            Status `json:"status"`
	QRPending         bool   `json:"qr_pending"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	ReconnectPending  bool   `json:"reconnect_pending"`
}

// New creates a Controller in the offline state. Nothing connects until
// StartSession is called.
func New(cfg Config) *Controller {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	sink := cfg.Sink
	if sink == nil {
		sink = events.Noop{}
	}
	return &Controller{
		factory:        cfg.Factory,
		memory:         cfg.Memory,
		replier:        cfg.Replier,
		sink:           sink,
		maxAttempts:    cfg.MaxReconnectAttempts,
		reconnectDelay: cfg.ReconnectDelay,
		status:         StatusOffline,
	}
}

// Status returns the current lifecycle status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// QR returns the pending pairing code, or empty when there is none.
func (c *Controller) QR() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qr
}

// Snapshot returns the current session state for status reporting.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		Status:            c.status,
		QRPending:         c.qr != "",
		ReconnectAttempts: c.attempts,
	}
	c.mu.Unlock()
	snap.ReconnectPending = c.reconnect.Pending()
	return snap
}

// StartSession builds a client and opens the connection. It is a no-op when
// a session is already active. On failure the controller lands in the failed
// state and stays there until the next StartSession or DestroySession call;
// there is no automatic retry from a failed start.
func (c *Controller) StartSession(ctx context.Context) error {
	if c.factory == nil {
		return errors.New("session: no client factory configured")
	}

	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		slog.Debug("session already active, ignoring start request")
		return nil
	}
	c.gen++
	gen := c.gen
	// The session outlives the call that started it (often an HTTP
	// request), so only the caller's values survive into its context.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.ctx, c.cancel = sctx, cancel
	c.qr = ""
	c.setStatusLocked(StatusInitializing, "")
	c.mu.Unlock()

	client, err := c.factory(c.handlersFor(gen))
	if err != nil {
		c.abortStart(gen, nil)
		return fmt.Errorf("session: build client: %w", err)
	}

	c.mu.Lock()
	if c.gen != gen {
		// DestroySession won the race while the client was being built.
		c.mu.Unlock()
		destroyQuietly(client)
		return nil
	}
	c.client = client
	c.mu.Unlock()

	if err := client.Initialize(sctx); err != nil {
		c.abortStart(gen, client)
		return fmt.Errorf("session: initialize: %w", err)
	}
	return nil
}

// DestroySession cancels any pending reconnect, tears the client down, and
// returns the controller to the offline state. Teardown failures are logged,
// not propagated. Idempotent. The reconnect counter is NOT reset here: only
// a ready event restores the reconnect budget.
func (c *Controller) DestroySession(ctx context.Context) {
	c.mu.Lock()
	c.gen++
	c.reconnect.Cancel()
	if c.cancel != nil {
		c.cancel()
	}
	client := c.client
	c.client, c.ctx, c.cancel = nil, nil, nil
	c.qr = ""
	c.setStatusLocked(StatusOffline, "")
	c.mu.Unlock()

	if client != nil {
		if err := client.Destroy(ctx); err != nil {
			slog.Warn("session client teardown failed", "err", err)
		}
	}
}

// handlersFor binds the transport callbacks to session generation gen.
func (c *Controller) handlersFor(gen uint64) Handlers {
	return Handlers{
		QR:            func(code string) { c.onQR(gen, code) },
		Ready:         func() { c.onReady(gen) },
		Authenticated: func() { c.onAuthenticated(gen) },
		AuthFailure:   func(reason string) { c.onAuthFailure(gen, reason) },
		Disconnected:  func(reason string) { c.onDisconnected(gen, reason) },
		Message:       func(msg Message) { c.onMessage(gen, msg) },
		MessageSent:   func(msg Message) { c.onMessageSent(gen, msg) },
	}
}

// abortStart rolls a failed start back to the terminal failed state. client
// is nil when the factory itself failed.
func (c *Controller) abortStart(gen uint64, client Client) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if client != nil {
			destroyQuietly(client)
		}
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.client, c.ctx, c.cancel = nil, nil, nil
	c.qr = ""
	c.setStatusLocked(StatusFailed, "")
	c.mu.Unlock()

	if client != nil {
		destroyQuietly(client)
	}
}

func (c *Controller) onQR(gen uint64, code string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.qr = code
	c.setStatusLocked(StatusQRCode, "")
	c.mu.Unlock()

	c.sink.Emit(context.Background(), events.Event{Kind: events.KindQR, QR: code})
}

func (c *Controller) onReady(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.qr = ""
	c.attempts = 0
	c.setStatusLocked(StatusReady, "")
	c.mu.Unlock()

	c.sink.Emit(context.Background(), events.Event{Kind: events.KindReady})
}

func (c *Controller) onAuthenticated(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.setStatusLocked(StatusAuthenticated, "")
	c.mu.Unlock()
}

func (c *Controller) onAuthFailure(gen uint64, reason string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.qr = ""
	c.setStatusLocked(StatusAuthFailure, reason)
	c.mu.Unlock()
}

// onDisconnected applies the bounded reconnect policy: the attempt counter
// increments on every consecutive disconnect, a reconnect is scheduled while
// the counter is below the cap, and the counter reaching the cap tears the
// session down for good. Only a ready event resets the counter, so a manual
// restart after the cap gets exactly one more shot at becoming ready.
func (c *Controller) onDisconnected(gen uint64, reason string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.setStatusLocked(StatusDisconnected, reason)
	c.attempts++
	attempt := c.attempts

	if attempt < c.maxAttempts {
		slog.Warn("connection lost, reconnect scheduled",
			"reason", reason, "attempt", attempt, "max", c.maxAttempts, "delay", c.reconnectDelay)
		c.setStatusLocked(StatusReconnecting, reason)
		c.reconnect.Schedule(c.reconnectDelay, c.cycle)
		c.mu.Unlock()
		return
	}

	// Budget exhausted: tear down in place, schedule nothing.
	slog.Error("connection lost, reconnect budget exhausted",
		"reason", reason, "attempts", attempt)
	c.gen++
	c.reconnect.Cancel()
	if c.cancel != nil {
		c.cancel()
	}
	client := c.client
	c.client, c.ctx, c.cancel = nil, nil, nil
	c.qr = ""
	c.setStatusLocked(StatusOfflineMaxRetries, reason)
	c.mu.Unlock()

	if client != nil {
		destroyQuietly(client)
	}
}

// cycle runs on the reconnect timer: tear the dead session down and start a
// fresh one. DestroySession leaves the attempt counter alone, so the budget
// keeps counting across the restart.
func (c *Controller) cycle() {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	c.DestroySession(ctx)
	if err := c.StartSession(context.Background()); err != nil {
		slog.Error("reconnect attempt failed", "err", err)
	}
}

func (c *Controller) onMessage(gen uint64, msg Message) {
	if msg.StatusBroadcast {
		return
	}
	c.mu.Lock()
	if gen != c.gen || c.client == nil {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	client := c.client
	c.mu.Unlock()

	go c.processMessage(ctx, client, msg)
}

// onMessageSent records a reply sent outside the controller, keyed by its
// recipient, so manual replies from the paired phone count toward context.
func (c *Controller) onMessageSent(gen uint64, msg Message) {
	if msg.StatusBroadcast || msg.To == "" || strings.TrimSpace(msg.Body) == "" {
		return
	}
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}

	go func() {
		lock := c.correspondentLock(msg.To)
		lock.Lock()
		defer lock.Unlock()
		c.memory.Append(msg.To, memory.RoleAssistant, msg.Body)
	}()
}

// processMessage is one supervised unit of work: remember the incoming turn,
// generate a reply, send it, remember the reply. Failures are logged and die
// here; nothing propagates back into the event path.
func (c *Controller) processMessage(ctx context.Context, client Client, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("message handler panicked", "correspondent", msg.From, "panic", r)
		}
	}()

	if strings.TrimSpace(msg.Body) == "" {
		return
	}

	ctx = trace.WithTurnID(ctx, trace.NewTurnID())
	log := observability.WithTurn(ctx)

	// Two near-simultaneous messages from one correspondent must not
	// interleave their append/generate/send cycles.
	lock := c.correspondentLock(msg.From)
	lock.Lock()
	defer lock.Unlock()

	c.memory.Append(msg.From, memory.RoleUser, msg.Body)

	text, err := c.replier.Generate(ctx, msg.From)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Debug("reply generation cancelled by teardown", "correspondent", msg.From)
			return
		}
		log.Error("reply generation failed", "correspondent", msg.From, "err", err)
		return
	}
	if text == "" {
		return
	}

	if err := client.Reply(ctx, msg, text); err != nil {
		log.Error("sending reply failed", "correspondent", msg.From, "err", err)
		return
	}
	c.memory.Append(msg.From, memory.RoleAssistant, text)
	log.Info("auto-reply sent", "correspondent", msg.From, "chars", len(text))
}

// correspondentLock returns the stripe serializing work for one
// correspondent. The same address always maps to the same stripe.
func (c *Controller) correspondentLock(correspondent string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(correspondent))
	return &c.locks[h.Sum32()%lockStripes]
}

// setStatusLocked records a status transition and emits it. Caller holds c.mu;
// the sink contract requires Emit not to block.
func (c *Controller) setStatusLocked(status Status, reason string) {
	if c.status == status {
		return
	}
	c.status = status
	slog.Info("session status changed", "status", string(status), "reason", reason)
	c.sink.Emit(context.Background(), events.Event{
		Kind:   events.KindStatus,
		Status: string(status),
		Reason: reason,
	})
}

// destroyQuietly tears a client down with a bounded context, logging failure.
func destroyQuietly(client Client) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := client.Destroy(ctx); err != nil {
		slog.Warn("session client teardown failed", "err", err)
	}
}
