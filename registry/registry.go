// Package registry tracks which POS devices currently hold an open
// duplex connection, per tenant. The registry is process-local: when the
// dispatch service is scaled out each instance has its own view, and the
// schedule store's claim semantics prevent double-dispatch.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pos-dispatch-api/metrics"
)

// ErrAckTimeout is returned by Push when the device does not acknowledge
// the order within the dispatch timeout.
var ErrAckTimeout = errors.New("timed out waiting for device acknowledgment")

// ErrConnectionClosed is returned by Push when the connection closed
// before or during the attempt.
var ErrConnectionClosed = errors.New("connection closed")

// Transport is the write side of a device session. Satisfied by the
// websocket connection; faked in tests.
type Transport interface {
	WriteJSON(v interface{}) error
	Close() error
}

// AckResult is the device's verdict on a pushed order.
type AckResult struct {
	OK     bool
	Reason string
}

// Connection is one live device session. It owns acknowledgment
// correlation: the websocket read loop resolves pushed orders by id.
type Connection struct {
	ID            string
	TenantID      string
	EstablishedAt time.Time

	transport Transport

	writeMu sync.Mutex

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
	pending  map[string]chan AckResult
}

func newConnection(tenantID, connID string, transport Transport, now time.Time) *Connection {
	return &Connection{
		ID:            connID,
		TenantID:      tenantID,
		EstablishedAt: now,
		transport:     transport,
		lastSeen:      now,
		pending:       make(map[string]chan AckResult),
	}
}

// Touch records inbound activity for the heartbeat sweep.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// Send writes a frame to the device, serializing concurrent writers.
func (c *Connection) Send(v interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteJSON(v)
}

// Push sends an order payload and waits for the correlated ack or nack.
// The wait is bounded by ctx; this is the only blocking point of a
// dispatch attempt.
func (c *Connection) Push(ctx context.Context, orderID string, payload interface{}) (AckResult, error) {
	ch := make(chan AckResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return AckResult{}, ErrConnectionClosed
	}
	c.pending[orderID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, orderID)
		c.mu.Unlock()
	}()

	if err := c.Send(payload); err != nil {
		return AckResult{}, err
	}

	select {
	case result, ok := <-ch:
		if !ok {
			return AckResult{}, ErrConnectionClosed
		}
		return result, nil
	case <-ctx.Done():
		return AckResult{}, ErrAckTimeout
	}
}

// Resolve delivers a device acknowledgment to the waiting Push call.
// Unknown order ids are ignored (late acks after a timeout). The send
// happens under c.mu so it cannot race the channel close in close();
// the channel is buffered and the send never blocks.
func (c *Connection) Resolve(orderID string, ok bool, reason string) {
	c.Touch()

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, exists := c.pending[orderID]
	if !exists {
		return
	}

	select {
	case ch <- AckResult{OK: ok, Reason: reason}:
	default:
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.transport.Close()
}

func (c *Connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Registry is the authoritative in-memory map from tenant to live
// device connections. Lifecycle is owned by the host process: Start
// launches the heartbeat sweep, Shutdown closes every session.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Connection
	byTenant map[string]map[string]*Connection

	idleTimeout   time.Duration
	sweepInterval time.Duration

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

type Option func(*Registry)

// WithIdleTimeout sets how long a connection may stay silent before the
// sweep treats it as dead.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithSweepInterval sets how often the heartbeat sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		byID:          make(map[string]*Connection),
		byTenant:      make(map[string]map[string]*Connection),
		idleTimeout:   90 * time.Second,
		sweepInterval: 30 * time.Second,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the heartbeat sweep goroutine.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Shutdown stops the sweep and closes every live connection.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.byID = make(map[string]*Connection)
	r.byTenant = make(map[string]map[string]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	metrics.ResetLiveConnections()
}

// Register adds a device session. Registering the same connection id
// twice returns the existing record.
func (r *Registry) Register(tenantID, connID string, transport Transport) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[connID]; ok {
		return existing
	}

	conn := newConnection(tenantID, connID, transport, time.Now())
	r.byID[connID] = conn

	tenantConns, ok := r.byTenant[tenantID]
	if !ok {
		tenantConns = make(map[string]*Connection)
		r.byTenant[tenantID] = tenantConns
	}
	tenantConns[connID] = conn

	metrics.LiveConnections.WithLabelValues(tenantID).Set(float64(len(tenantConns)))

	logrus.WithFields(logrus.Fields{
		"tenant_id":     tenantID,
		"connection_id": connID,
	}).Info("POS connection registered")

	return conn
}

// Unregister removes a device session. A no-op when the id is unknown,
// which absorbs duplicate disconnect events and out-of-order
// register/unregister pairs.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	conn, ok := r.byID[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, connID)

	tenantConns := r.byTenant[conn.TenantID]
	delete(tenantConns, connID)
	if len(tenantConns) == 0 {
		delete(r.byTenant, conn.TenantID)
	}
	metrics.LiveConnections.WithLabelValues(conn.TenantID).Set(float64(len(tenantConns)))
	r.mu.Unlock()

	conn.close()

	logrus.WithFields(logrus.Fields{
		"tenant_id":     conn.TenantID,
		"connection_id": connID,
	}).Info("POS connection unregistered")
}

// LiveConnections returns the count and ids of a tenant's live sessions.
func (r *Registry) LiveConnections(tenantID string) (int, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenantConns := r.byTenant[tenantID]
	ids := make([]string, 0, len(tenantConns))
	for id := range tenantConns {
		ids = append(ids, id)
	}
	return len(ids), ids
}

// PickTarget selects the dispatch target for a tenant: the most recently
// established connection wins, to avoid racing a device mid-reconnect.
// Returns nil when the tenant has no live connections; never blocks.
func (r *Registry) PickTarget(tenantID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var newest *Connection
	for _, conn := range r.byTenant[tenantID] {
		if newest == nil || conn.EstablishedAt.After(newest.EstablishedAt) {
			newest = conn
		}
	}
	return newest
}

// Counts returns the live connection count per tenant.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.byTenant))
	for tenantID, conns := range r.byTenant {
		counts[tenantID] = len(conns)
	}
	return counts
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep unregisters connections silent for longer than the idle timeout.
func (r *Registry) sweep(now time.Time) {
	cutoff := now.Add(-r.idleTimeout)

	r.mu.RLock()
	var dead []string
	for id, conn := range r.byID {
		if conn.idleSince().Before(cutoff) {
			dead = append(dead, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range dead {
		logrus.WithField("connection_id", id).Warn("POS connection heartbeat timed out")
		r.Unregister(id)
	}
}
