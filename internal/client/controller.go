package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/annohub/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultQueueLimit  = 256
	defaultMaxAttempts = 10
)

var (
	// ErrMissingDialer indicates that a controller was configured without a dialer.
	ErrMissingDialer = errors.New("client: dialer is required")
	// ErrAlreadyStarted indicates that Start was called more than once.
	ErrAlreadyStarted = errors.New("client: controller already started")
	// ErrNotFailed indicates that Retry was called outside the failed state.
	ErrNotFailed = errors.New("client: controller has not failed")
	// ErrFailed indicates that reconnect attempts are exhausted.
	ErrFailed = errors.New("client: reconnect attempts exhausted")
	// ErrClosed indicates that the controller was closed by its owner.
	ErrClosed = errors.New("client: controller closed")
	// ErrDropped indicates a volatile message discarded while offline.
	ErrDropped = errors.New("client: message dropped while disconnected")
	// ErrQueueFull indicates that the offline queue reached its limit.
	ErrQueueFull = errors.New("client: offline queue full")
	// ErrUnsupportedType indicates an envelope type the hub does not accept from clients.
	ErrUnsupportedType = errors.New("client: unsupported message type")
)

// State is the connection lifecycle position of a Controller.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateChange describes one lifecycle transition. Attempt is set while reconnecting.
type StateChange struct {
	State   State
	Attempt int
	Err     error
}

// ControllerConfig wires a Controller. MaxAttempts defaults to 10; the
// controller always gives up eventually.
type ControllerConfig struct {
	Dialer        Dialer
	Clock         Clock
	Logger        *zap.Logger
	Backoff       Backoff
	MaxAttempts   int
	QueueLimit    int
	OnStateChange func(StateChange)
	OnMessage     func(protocol.Envelope)
}

// Controller keeps a client connected to the hub, queueing outbound
// messages while offline and replaying them in order once reconnected.
type Controller struct {
	dialer        Dialer
	clock         Clock
	logger        *zap.Logger
	backoff       Backoff
	maxAttempts   int
	queueLimit    int
	onStateChange func(StateChange)
	onMessage     func(protocol.Envelope)

	mu         sync.Mutex
	ctx        context.Context
	state      State
	started    bool
	attempt    int
	generation uint64
	transport  Transport
	timer      Timer
	queue      []protocol.Envelope
	pending    []StateChange

	// close reported by a transport while its Dial call was still in flight
	dialing     uint64
	earlyClosed bool
	earlyCause  error
}

// NewController validates cfg and returns a controller in the disconnected state.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Dialer == nil {
		return nil, ErrMissingDialer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queueLimit := cfg.QueueLimit
	if queueLimit <= 0 {
		queueLimit = defaultQueueLimit
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Controller{
		dialer:        cfg.Dialer,
		clock:         clock,
		logger:        logger,
		backoff:       cfg.Backoff.withDefaults(),
		maxAttempts:   maxAttempts,
		queueLimit:    queueLimit,
		onStateChange: cfg.OnStateChange,
		onMessage:     cfg.OnMessage,
		state:         StateDisconnected,
	}, nil
}

// State returns the current lifecycle state and reconnect attempt.
func (c *Controller) State() (State, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.attempt
}

// QueueLength returns the number of messages waiting for a connection.
func (c *Controller) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Start performs the first dial. A failed first dial enters the reconnect cycle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.ctx = ctx
	c.mu.Unlock()
	c.connect()
	return nil
}

// Retry restarts the reconnect cycle after the controller failed.
func (c *Controller) Retry() error {
	c.mu.Lock()
	if c.state != StateFailed {
		c.mu.Unlock()
		return ErrNotFailed
	}
	c.attempt = 0
	c.transitionLocked(StateDisconnected, nil)
	c.unlockAndNotify()
	c.connect()
	return nil
}

// Send delivers envelope now when connected. While offline, durable messages
// are queued and cursor moves and pings are dropped.
func (c *Controller) Send(envelope protocol.Envelope) error {
	if !protocol.IsClientType(envelope.Type) {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, envelope.Type)
	}
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateFailed:
		c.mu.Unlock()
		return ErrFailed
	case StateConnected:
		err := c.transport.Send(envelope)
		if err == nil {
			c.mu.Unlock()
			return nil
		}
		c.logger.Warn("send failed, reconnecting", zap.String("type", envelope.Type), zap.Error(err))
		c.dropTransportLocked(err)
	}
	err := c.enqueueLocked(envelope)
	c.unlockAndNotify()
	return err
}

// Close stops reconnecting, closes the live transport and discards the queue.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	transport := c.transport
	c.transport = nil
	c.queue = nil
	c.transitionLocked(StateClosed, nil)
	c.unlockAndNotify()
	if transport != nil {
		return transport.Close()
	}
	return nil
}

func (c *Controller) enqueueLocked(envelope protocol.Envelope) error {
	if isVolatile(envelope.Type) {
		return ErrDropped
	}
	if len(c.queue) >= c.queueLimit {
		return ErrQueueFull
	}
	c.queue = append(c.queue, envelope)
	return nil
}

func isVolatile(messageType string) bool {
	return messageType == protocol.TypeCursorMove || messageType == protocol.TypePing
}

func (c *Controller) connect() {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.generation++
	generation := c.generation
	ctx := c.ctx
	c.timer = nil
	c.dialing = generation
	c.earlyClosed = false
	c.earlyCause = nil
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	transport, err := c.dialer.Dial(ctx, TransportHandlers{
		OnMessage: c.deliver,
		OnClose: func(cause error) {
			c.handleTransportClosed(generation, cause)
		},
	})

	c.mu.Lock()
	var earlyClosed bool
	var earlyCause error
	if c.dialing == generation {
		earlyClosed, earlyCause = c.earlyClosed, c.earlyCause
		c.dialing = 0
		c.earlyClosed = false
		c.earlyCause = nil
	}
	if generation != c.generation || c.state == StateClosed {
		c.mu.Unlock()
		if transport != nil {
			_ = transport.Close()
		}
		return
	}
	if err != nil {
		c.logger.Debug("dial failed", zap.Int("attempt", c.attempt), zap.Error(err))
		c.scheduleReconnectLocked(err)
		c.unlockAndNotify()
		return
	}
	c.transport = transport
	if earlyClosed {
		c.logger.Info("connection closed during dial", zap.Error(earlyCause))
		c.dropTransportLocked(earlyCause)
		c.unlockAndNotify()
		return
	}
	for len(c.queue) > 0 {
		if sendErr := transport.Send(c.queue[0]); sendErr != nil {
			c.logger.Warn("flush failed, reconnecting", zap.Int("queued", len(c.queue)), zap.Error(sendErr))
			c.transport = nil
			_ = transport.Close()
			c.scheduleReconnectLocked(sendErr)
			c.unlockAndNotify()
			return
		}
		c.queue = c.queue[1:]
	}
	c.queue = nil
	c.attempt = 0
	c.transitionLocked(StateConnected, nil)
	c.unlockAndNotify()
}

func (c *Controller) handleTransportClosed(generation uint64, cause error) {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return
	}
	if c.state != StateConnected {
		if c.dialing == generation && !c.earlyClosed {
			c.earlyClosed = true
			c.earlyCause = cause
		}
		c.mu.Unlock()
		return
	}
	c.logger.Info("connection lost", zap.Error(cause))
	c.dropTransportLocked(cause)
	c.unlockAndNotify()
}

func (c *Controller) dropTransportLocked(cause error) {
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	c.generation++
	c.transitionLocked(StateDisconnected, cause)
	var rejection *RejectionError
	if errors.As(cause, &rejection) && rejection.Permanent() {
		c.transitionLocked(StateFailed, cause)
		return
	}
	c.scheduleReconnectLocked(cause)
}

func (c *Controller) scheduleReconnectLocked(cause error) {
	next := c.attempt + 1
	if next > c.maxAttempts {
		c.transitionLocked(StateFailed, cause)
		return
	}
	c.attempt = next
	c.transitionLocked(StateReconnecting, cause)
	delay := c.backoff.Delay(next)
	c.logger.Debug("scheduling reconnect", zap.Int("attempt", next), zap.Duration("delay", delay))
	c.timer = c.clock.AfterFunc(delay, c.connect)
}

func (c *Controller) deliver(envelope protocol.Envelope) {
	if c.onMessage != nil {
		c.onMessage(envelope)
	}
}

func (c *Controller) transitionLocked(state State, cause error) {
	c.state = state
	change := StateChange{State: state, Err: cause}
	if state == StateReconnecting {
		change.Attempt = c.attempt
	}
	c.pending = append(c.pending, change)
}

func (c *Controller) unlockAndNotify() {
	changes := c.pending
	c.pending = nil
	c.mu.Unlock()
	if c.onStateChange == nil {
		return
	}
	for _, change := range changes {
		c.onStateChange(change)
	}
}
