// Package governor bounds the connections a client holds to one endpoint and
// meters admissions against a throughput target.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-s3transfer/s3transfer/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

var (
	// ErrWouldBlock is returned by TryAcquire when no lease can be granted right away.
	ErrWouldBlock = errors.New("governor: no capacity available")
	// ErrClosed is returned once the Governor has been closed.
	ErrClosed = errors.New("governor: closed")
)

// FatalError reports an endpoint that could not be connected to.
// Once a Governor turns fatal every acquisition fails with it.
type FatalError struct {
	Endpoint string
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("endpoint %s unreachable: %v", e.Endpoint, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Config ...
type Config struct {
	// Interfaces are the local network interfaces connections are bound to.
	// Empty means a single unbound slot set.
	Interfaces []string
	// Connections is the total number of connections to the endpoint,
	// spread across the interfaces.
	Connections int
	// TargetBytesPerSecond is the aggregate rate target. Zero disables metering.
	TargetBytesPerSecond float64
	// MaxConnectAttempts bounds consecutive connect or handshake failures
	// before the endpoint is considered unreachable.
	MaxConnectAttempts int
	// RecheckInterval is how often a throttled Governor re-evaluates the rate.
	RecheckInterval time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		Connections:        10,
		MaxConnectAttempts: 3,
		RecheckInterval:    20 * time.Millisecond,
	}
}

type slot struct {
	iface string
	conn  transport.Connection
	busy  bool
}

type waiter struct {
	seq      uint64
	home     *pool
	estimate int64
	ready    chan grant
}

type grant struct {
	lease *Lease
	err   error
}

type pool struct {
	iface   string
	slots   []*slot
	waiters []*waiter
}

func (p *pool) freeSlot() *slot {
	for _, s := range p.slots {
		if !s.busy {
			return s
		}
	}
	return nil
}

func (p *pool) remove(w *waiter) bool {
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Lease is exclusive use of one connection slot.
type Lease struct {
	Conn      transport.Connection
	Interface string

	slot     *slot
	estimate int64
}

// Governor owns the connection slots of one endpoint.
type Governor struct {
	transport transport.Transport
	endpoint  transport.Endpoint
	cfg       Config
	estimator *Estimator
	logger    log.Logger

	mu          sync.Mutex
	pools       []*pool
	next        int
	assign      int
	seq         uint64
	waiting     int
	inFlight    int64
	handshakes  int
	fatal       *FatalError
	closed      bool
	recheck     *time.Timer
	throttledAt time.Time
}

// New creates a Governor for endpoint. Connections are opened lazily.
func New(tr transport.Transport, endpoint transport.Endpoint, cfg Config, estimator *Estimator, logger log.Logger) *Governor {
	defaults := DefaultConfig()
	if cfg.Connections <= 0 {
		cfg.Connections = defaults.Connections
	}
	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = defaults.MaxConnectAttempts
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = defaults.RecheckInterval
	}
	if estimator == nil {
		estimator = NewEstimator(DefaultWindow)
	}

	ifaces := cfg.Interfaces
	if len(ifaces) == 0 {
		ifaces = []string{""}
	}

	pools := make([]*pool, len(ifaces))
	for i, iface := range ifaces {
		pools[i] = &pool{iface: iface}
	}
	for i := 0; i < cfg.Connections || i < len(pools); i++ {
		p := pools[i%len(pools)]
		p.slots = append(p.slots, &slot{iface: p.iface})
	}

	return &Governor{
		transport: tr,
		endpoint:  endpoint,
		cfg:       cfg,
		estimator: estimator,
		logger:    logger,
		pools:     pools,
	}
}

// Endpoint returns the endpoint the Governor connects to.
func (g *Governor) Endpoint() transport.Endpoint {
	return g.endpoint
}

// Estimator returns the shared throughput estimator.
func (g *Governor) Estimator() *Estimator {
	return g.estimator
}

// Acquire blocks until a connection slot is granted, the Governor fails or ctx ends.
// estimate is the expected number of bytes the lease will transfer.
func (g *Governor) Acquire(ctx context.Context, estimate int64) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	if err := g.unavailableLocked(); err != nil {
		g.mu.Unlock()
		return nil, err
	}

	w := g.enqueueLocked(estimate)
	g.dispatchLocked()
	g.mu.Unlock()

	select {
	case granted := <-w.ready:
		if granted.err != nil {
			return nil, granted.err
		}
		return g.prepare(ctx, granted.lease)
	case <-ctx.Done():
		g.mu.Lock()
		removed := w.home.remove(w)
		if removed {
			g.waiting--
		}
		g.mu.Unlock()

		if !removed {
			granted := <-w.ready
			if granted.lease != nil {
				g.abandon(granted.lease)
			}
		}
		return nil, ctx.Err()
	}
}

// TryAcquire grants a lease only if it is possible without waiting.
func (g *Governor) TryAcquire(ctx context.Context, estimate int64) (*Lease, error) {
	g.mu.Lock()
	if err := g.unavailableLocked(); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	if g.waiting > 0 || !g.gateOpenLocked() {
		g.mu.Unlock()
		return nil, ErrWouldBlock
	}

	for i := 0; i < len(g.pools); i++ {
		p := g.pools[(g.next+i)%len(g.pools)]
		s := p.freeSlot()
		if s == nil {
			continue
		}
		g.next = (g.next + i + 1) % len(g.pools)
		lease := g.leaseLocked(s, estimate)
		g.mu.Unlock()
		return g.prepare(ctx, lease)
	}
	g.mu.Unlock()
	return nil, ErrWouldBlock
}

// Release returns a lease. bytes and duration describe what the lease
// transferred, err is the outcome of its request. Only successful transfers
// of at least one byte count towards the average part duration. Connections that broke are
// discarded and replaced on a later acquisition.
func (g *Governor) Release(lease *Lease, bytes int64, duration time.Duration, err error) {
	if lease == nil || lease.slot == nil {
		return
	}

	g.estimator.Add(bytes)
	if err == nil {
		g.estimator.Update(duration, bytes)
	}

	var transportErr *transport.Error
	isTransportErr := errors.As(err, &transportErr)
	canceled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)

	g.mu.Lock()
	defer g.mu.Unlock()

	s := lease.slot
	lease.slot = nil
	g.inFlight -= lease.estimate

	switch {
	case isTransportErr && transportErr.Handshake():
		g.recordHandshakeFailureLocked(err)
	case !canceled:
		g.handshakes = 0
	}

	discard := g.closed || canceled || (isTransportErr && (transportErr.Broken() || transportErr.Handshake()))
	if discard && s.conn != nil {
		if closeErr := s.conn.Close(); closeErr != nil {
			g.logger.Debugf("Failed to close connection to %s: %s", g.endpoint, closeErr)
		}
		s.conn = nil
	}

	s.busy = false
	g.dispatchLocked()
}

// Close fails every waiting acquisition and closes idle connections.
// Leased connections are closed when released.
func (g *Governor) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	g.closed = true

	if g.recheck != nil {
		g.recheck.Stop()
		g.recheck = nil
	}
	g.failWaitersLocked(ErrClosed)

	for _, p := range g.pools {
		for _, s := range p.slots {
			if s.busy || s.conn == nil {
				continue
			}
			if err := s.conn.Close(); err != nil {
				g.logger.Debugf("Failed to close connection to %s: %s", g.endpoint, err)
			}
			s.conn = nil
		}
	}
}

// InterfaceStats ...
type InterfaceStats struct {
	Name   string
	Slots  int
	Busy   int
	Open   int
	Queued int
}

// Stats is a snapshot of a Governor.
type Stats struct {
	Endpoint             string
	Interfaces           []InterfaceStats
	Waiting              int
	InFlightBytes        int64
	RateBytesPerSecond   float64
	TargetBytesPerSecond float64
	TransferredBytes     int64
	CompletedParts       int64
	AveragePartDuration  time.Duration
	Fatal                bool
}

// Stats returns a snapshot of the slot usage and the measured rate.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := Stats{
		Endpoint:             g.endpoint.String(),
		Waiting:              g.waiting,
		InFlightBytes:        g.inFlight,
		RateBytesPerSecond:   g.estimator.Rate(),
		TargetBytesPerSecond: g.cfg.TargetBytesPerSecond,
		TransferredBytes:     g.estimator.TotalBytes(),
		CompletedParts:       g.estimator.FinishedCount(),
		AveragePartDuration:  g.estimator.Average(),
		Fatal:                g.fatal != nil,
	}
	for _, p := range g.pools {
		is := InterfaceStats{Name: p.iface, Slots: len(p.slots), Queued: len(p.waiters)}
		for _, s := range p.slots {
			if s.busy {
				is.Busy++
			}
			if s.conn != nil {
				is.Open++
			}
		}
		stats.Interfaces = append(stats.Interfaces, is)
	}
	return stats
}

func (g *Governor) unavailableLocked() error {
	if g.closed {
		return ErrClosed
	}
	if g.fatal != nil {
		return g.fatal
	}
	return nil
}

func (g *Governor) enqueueLocked(estimate int64) *waiter {
	g.seq++
	home := g.pools[g.assign%len(g.pools)]
	g.assign++

	w := &waiter{seq: g.seq, home: home, estimate: estimate, ready: make(chan grant, 1)}
	home.waiters = append(home.waiters, w)
	g.waiting++
	return w
}

// gateOpenLocked reports whether the measured rate plus the bytes already
// leased out stays below the target. Bytes reach the estimator only when a
// lease is released, so counting leased estimates keeps admission from
// bursting while large parts are in flight.
func (g *Governor) gateOpenLocked() bool {
	if g.cfg.TargetBytesPerSecond <= 0 {
		return true
	}
	projected := g.estimator.Rate() + float64(g.inFlight)/g.estimator.Window().Seconds()
	return projected < g.cfg.TargetBytesPerSecond
}

// dispatchLocked hands free slots to waiters. Each interface serves its own
// queue first and steals the oldest waiter of another interface when idle.
func (g *Governor) dispatchLocked() {
	for g.waiting > 0 {
		if !g.gateOpenLocked() {
			g.scheduleRecheckLocked()
			return
		}

		granted := false
		for i := 0; i < len(g.pools); i++ {
			idx := (g.next + i) % len(g.pools)
			p := g.pools[idx]
			s := p.freeSlot()
			if s == nil {
				continue
			}
			w := g.popWaiterLocked(p)
			if w == nil {
				continue
			}

			g.next = (idx + 1) % len(g.pools)
			w.ready <- grant{lease: g.leaseLocked(s, w.estimate)}
			granted = true
			break
		}
		if !granted {
			return
		}
	}
}

func (g *Governor) popWaiterLocked(p *pool) *waiter {
	source := p
	if len(p.waiters) == 0 {
		source = nil
		for _, other := range g.pools {
			if len(other.waiters) == 0 {
				continue
			}
			if source == nil || other.waiters[0].seq < source.waiters[0].seq {
				source = other
			}
		}
		if source == nil {
			return nil
		}
	}

	w := source.waiters[0]
	source.waiters = source.waiters[1:]
	g.waiting--
	return w
}

// leaseLocked marks s busy. The lease's estimate counts as in flight from
// the grant on, so later admissions in the same dispatch already see it.
func (g *Governor) leaseLocked(s *slot, estimate int64) *Lease {
	s.busy = true
	g.inFlight += estimate
	return &Lease{Conn: s.conn, Interface: s.iface, slot: s, estimate: estimate}
}

func (g *Governor) scheduleRecheckLocked() {
	if g.recheck != nil || g.closed {
		return
	}
	if g.throttledAt.IsZero() {
		g.throttledAt = time.Now()
		g.logger.Debugf("Throttling %s at %s/s (target %s/s)", g.endpoint,
			units.HumanSize(g.estimator.Rate()), units.HumanSize(g.cfg.TargetBytesPerSecond))
	}

	g.recheck = time.AfterFunc(g.cfg.RecheckInterval, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.recheck = nil
		if g.gateOpenLocked() {
			g.throttledAt = time.Time{}
		}
		g.dispatchLocked()
	})
}

func (g *Governor) failWaitersLocked(err error) {
	for _, p := range g.pools {
		for _, w := range p.waiters {
			w.ready <- grant{err: err}
		}
		p.waiters = nil
	}
	g.waiting = 0
}

// recordHandshakeFailureLocked counts consecutive connect and handshake
// failures and turns the Governor fatal once they reach the bound.
func (g *Governor) recordHandshakeFailureLocked(err error) {
	g.handshakes++
	if g.handshakes < g.cfg.MaxConnectAttempts || g.fatal != nil {
		return
	}

	g.fatal = &FatalError{Endpoint: g.endpoint.String(), Err: err}
	g.logger.Errorf("Giving up on %s after %d failed connection attempts: %s", g.endpoint, g.handshakes, err)
	g.failWaitersLocked(g.fatal)
}

// prepare opens the lease's connection if its slot has none.
func (g *Governor) prepare(ctx context.Context, lease *Lease) (*Lease, error) {
	if lease.Conn != nil {
		return lease, nil
	}

	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxConnectAttempts; attempt++ {
		conn, err := g.transport.Connect(ctx, g.endpoint, lease.Interface)
		if err == nil {
			g.mu.Lock()
			lease.slot.conn = conn
			g.mu.Unlock()
			lease.Conn = conn
			return lease, nil
		}
		if ctx.Err() != nil {
			g.abandon(lease)
			return nil, ctx.Err()
		}

		var transportErr *transport.Error
		if !errors.As(err, &transportErr) {
			err = &transport.Error{Kind: transport.KindConnect, Endpoint: g.endpoint.String(), Err: err}
		}
		lastErr = err
		g.logger.Warnf("Connecting to %s (interface: %q) failed (attempt %d/%d): %s",
			g.endpoint, lease.Interface, attempt+1, g.cfg.MaxConnectAttempts, err)

		g.mu.Lock()
		g.recordHandshakeFailureLocked(err)
		fatal := g.fatal
		g.mu.Unlock()
		if fatal != nil {
			g.abandon(lease)
			return nil, fatal
		}
	}

	g.abandon(lease)
	return nil, lastErr
}

// abandon frees the slot of a lease that never carried a request.
func (g *Governor) abandon(lease *Lease) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if lease.slot == nil {
		return
	}
	g.inFlight -= lease.estimate
	if g.closed && lease.slot.conn != nil {
		_ = lease.slot.conn.Close()
		lease.slot.conn = nil
	}
	lease.slot.busy = false
	lease.slot = nil
	g.dispatchLocked()
}
