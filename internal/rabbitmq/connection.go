package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mqhost/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle state of a ConnectionManager
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFaulting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFaulting:
		return "faulting"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ConnectionStateListener receives connection state change notifications.
// Listeners are called synchronously and must not block.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnConnectFailed(attempt int, err error, next time.Duration)
}

// ConnectionManager owns one broker connection and the session opened on it.
// Connect retries forever with a fixed delay; once connected, an
// asynchronous connection or channel failure is reported through the fault
// callback. A manager is single-use: after Disconnect a new one is needed.
type ConnectionManager struct {
	url            string
	username       string
	password       string
	connectionName string
	heartbeat      time.Duration
	reconnectDelay time.Duration
	logger         *slog.Logger
	dialer         Dialer
	sessionOptions []SessionOption

	mu      sync.Mutex
	conn    Connection
	session *Session
	closed  bool
	onFault func(error)

	lifetime context.Context
	cancel   context.CancelFunc

	state   atomic.Int32
	faulted atomic.Bool

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the fixed delay between connection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithCredentials authenticates with PLAIN using username and password instead
// of the credentials embedded in the URL
func WithCredentials(username, password string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.username = username
		cm.password = password
	}
}

// WithConnectionName sets the client-provided connection name shown by the broker
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithSessionOptions configures the session opened after connecting
func WithSessionOptions(options ...SessionOption) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.sessionOptions = append(cm.sessionOptions, options...)
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		connectionName: "mqhost",
		heartbeat:      10 * time.Second,
		reconnectDelay: 5 * time.Minute,
		logger:         slog.Default(),
		dialer:         DialAMQP,
	}
	cm.lifetime, cm.cancel = context.WithCancel(context.Background())

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// State returns the current connection state
func (cm *ConnectionManager) State() State {
	return State(cm.state.Load())
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// OnFault sets the callback invoked once when the live connection fails.
// A graceful close never triggers it.
func (cm *ConnectionManager) OnFault(fn func(error)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onFault = fn
}

// Connect opens the connection and its session. An invalid URL fails
// immediately with ErrInvalidConfiguration; transport and authentication
// failures are retried every reconnect delay until ctx is done or the
// manager is disconnected.
func (cm *ConnectionManager) Connect(ctx context.Context) (*Session, error) {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if cm.session != nil {
		s := cm.session
		cm.mu.Unlock()
		return s, nil
	}
	cm.mu.Unlock()

	if _, err := amqp.ParseURI(cm.url); err != nil {
		return nil, &ConnectionError{
			Op:        "parse",
			URL:       SanitizeURL(cm.url),
			Err:       fmt.Errorf("%w: %v", ErrInvalidConfiguration, err),
			Timestamp: time.Now(),
		}
	}

	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(cm.lifetime, cancel)
	defer stop()

	cm.setState(StateConnecting)

	var (
		conn    Connection
		session *Session
		attempt int
	)
	policy := reliability.NewFixedDelay(cm.reconnectDelay, reliability.Unlimited)
	err := reliability.Retry(connectCtx, policy, func() error {
		attempt++
		c, s, err := cm.dial()
		if err != nil {
			return err
		}
		conn, session = c, s
		return nil
	}, func(n int, err error, next time.Duration) {
		cm.logger.Warn("connection attempt failed",
			"url", SanitizeURL(cm.url),
			"attempt", n,
			"error", err,
			"nextRetryIn", next,
		)
		cm.notifyConnectFailed(n, err, next)
	})
	if err != nil {
		cm.setState(StateDisconnected)
		if ctxErr := connectCtx.Err(); ctxErr != nil && cm.isClosed() {
			err = ErrConnectionClosed
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempt,
		}
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		_ = session.Close()
		_ = conn.Close()
		return nil, ErrConnectionClosed
	}
	cm.conn = conn
	cm.session = session
	cm.mu.Unlock()

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := session.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(conn, connClosed, chanClosed)

	cm.setState(StateConnected)
	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"attempts", attempt,
	)
	cm.notifyConnected()

	return session, nil
}

// dial makes one connection attempt including the session channel
func (cm *ConnectionManager) dial() (Connection, *Session, error) {
	config := amqp.Config{
		Heartbeat:  cm.heartbeat,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	config.Properties.SetClientConnectionName(cm.connectionName)
	if cm.username != "" {
		config.SASL = []amqp.Authentication{
			&amqp.PlainAuth{Username: cm.username, Password: cm.password},
		}
	}

	conn, err := cm.dialer(cm.url, config)
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.OpenChannel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	session, err := NewSession(ch, cm.logger, cm.sessionOptions...)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}

	return conn, session, nil
}

// watch waits for the connection or its channel to fail
func (cm *ConnectionManager) watch(conn Connection, connClosed, chanClosed chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-connClosed:
	case amqpErr = <-chanClosed:
	case <-cm.lifetime.Done():
		return
	}

	// A nil error means the close was requested by us
	if amqpErr == nil {
		return
	}

	cm.mu.Lock()
	if cm.closed || cm.conn != conn {
		cm.mu.Unlock()
		return
	}
	onFault := cm.onFault
	cm.mu.Unlock()

	if !cm.faulted.CompareAndSwap(false, true) {
		return
	}

	cm.setState(StateFaulting)
	cm.logger.Error("connection failed", "error", amqpErr, "url", SanitizeURL(cm.url))
	cm.notifyDisconnected(amqpErr)

	if onFault != nil {
		onFault(amqpErr)
	}
}

// Disconnect closes the session, then the connection. Safe to call more than
// once and safe to call while Connect is still retrying.
func (cm *ConnectionManager) Disconnect() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	cm.cancel()
	session, conn := cm.session, cm.conn
	cm.session, cm.conn = nil, nil
	cm.mu.Unlock()

	var errs []error
	if session != nil {
		if err := session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil && !isClosedError(err) {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}

	cm.setState(StateDisconnected)
	if session != nil {
		cm.logger.Info("disconnected from RabbitMQ", "url", SanitizeURL(cm.url))
		cm.notifyDisconnected(nil)
	}

	return errors.Join(errs...)
}

func (cm *ConnectionManager) isClosed() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.closed
}

func (cm *ConnectionManager) setState(s State) {
	cm.state.Store(int32(s))
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	out := make([]ConnectionStateListener, len(cm.stateListeners))
	copy(out, cm.stateListeners)
	return out
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyConnectFailed(attempt int, err error, next time.Duration) {
	for _, listener := range cm.listeners() {
		listener.OnConnectFailed(attempt, err, next)
	}
}
