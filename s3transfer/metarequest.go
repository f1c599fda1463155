package s3transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-s3transfer/s3transfer/governor"
	"github.com/bitrise-io/go-s3transfer/s3transfer/planner"
	"github.com/bitrise-io/go-s3transfer/s3transfer/signing"
	"github.com/bitrise-io/go-s3transfer/s3transfer/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// RequestType selects how a request is split.
type RequestType int

const (
	// RequestTypeDefault requests are sent as they are, never split.
	RequestTypeDefault RequestType = iota
	// RequestTypeGetObject requests are split into ranged GETs.
	RequestTypeGetObject
	// RequestTypePutObject requests are split into a multipart upload when large.
	RequestTypePutObject
)

func (t RequestType) String() string {
	switch t {
	case RequestTypeDefault:
		return "default"
	case RequestTypeGetObject:
		return "get-object"
	case RequestTypePutObject:
		return "put-object"
	default:
		return fmt.Sprintf("request-type(%d)", int(t))
	}
}

// RequestOptions ...
type RequestOptions struct {
	Type      RequestType
	Callbacks Callbacks
	// RecvFilePath receives the object of a GET. Parts are written at their
	// offsets before OnBody is invoked. The file is removed if the GET fails.
	RecvFilePath string
	// SendFilePath is the body of a PUT. It overrides the request body.
	SendFilePath string
}

// State is the lifecycle position of a MetaRequest.
type State int

const (
	StatePlanning State = iota
	StateDispatching
	StateCompleting
	StateCanceling
	StateSucceeded
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StatePlanning:
		return "planning"
	case StateDispatching:
		return "dispatching"
	case StateCompleting:
		return "completing"
	case StateCanceling:
		return "canceling"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s >= StateSucceeded
}

// MetaRequest is one logical GET or PUT, executed as many part requests.
type MetaRequest struct {
	client   *Client
	cfg      Config
	gov      *governor.Governor
	signer   signing.Signer
	logger   log.Logger
	template *http.Request
	typ      RequestType
	partSize int64

	ctx       context.Context
	cancelCtx context.CancelFunc
	stopWatch func() bool
	reporter  *reporter
	window    chan struct{}
	recv      *recvFile
	send      *sendFile
	startedAt time.Time

	mu          sync.Mutex
	state       State
	parts       []*planner.Part
	total       int64
	transferred int64
	failure     error
	canceled    bool
	result      error

	done         chan struct{}
	shutdownDone chan struct{}
}

func newMetaRequest(c *Client, gov *governor.Governor, req *http.Request, opts RequestOptions) *MetaRequest {
	ctx, cancel := context.WithCancel(context.Background())

	m := &MetaRequest{
		client:       c,
		cfg:          c.cfg,
		gov:          gov,
		signer:       c.signer,
		logger:       c.logger,
		template:     req,
		typ:          opts.Type,
		partSize:     c.cfg.PartSize,
		ctx:          ctx,
		cancelCtx:    cancel,
		reporter:     newReporter(opts.Callbacks),
		window:       make(chan struct{}, 2*c.cfg.ConnectionsPerEndpoint),
		total:        -1,
		done:         make(chan struct{}),
		shutdownDone: make(chan struct{}),
		startedAt:    time.Now(),
	}
	return m
}

// Cancel stops the MetaRequest. Queued parts are dropped, in-flight parts
// are aborted and the result becomes ErrCanceled. Cancel after the
// MetaRequest finished, or a second time, does nothing.
func (m *MetaRequest) Cancel() {
	m.mu.Lock()
	if m.canceled || m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.canceled = true
	m.state = StateCanceling
	m.mu.Unlock()

	m.logger.Debugf("Canceling %s %s", m.typ, m.template.URL.Redacted())
	m.reporter.cancel()
	m.cancelCtx()
}

// Done is closed once the terminal event was delivered.
func (m *MetaRequest) Done() <-chan struct{} {
	return m.done
}

// ShutdownDone is closed once every resource of the MetaRequest was released.
func (m *MetaRequest) ShutdownDone() <-chan struct{} {
	return m.shutdownDone
}

// Err returns the result. It is nil until Done is closed and on success.
func (m *MetaRequest) Err() error {
	select {
	case <-m.done:
	default:
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// Wait blocks until the MetaRequest finished and returns its result.
// If ctx ends first its error is returned and the MetaRequest keeps running.
func (m *MetaRequest) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State ...
func (m *MetaRequest) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Parts returns a snapshot of the planned parts.
func (m *MetaRequest) Parts() []planner.Part {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := make([]planner.Part, len(m.parts))
	for i, p := range m.parts {
		parts[i] = *p
	}
	return parts
}

func (m *MetaRequest) run() {
	var err error
	switch m.typ {
	case RequestTypeGetObject:
		err = m.runGet()
	case RequestTypePutObject:
		err = m.runPut()
	default:
		err = m.runDefault()
	}
	m.finish(err)
}

func (m *MetaRequest) finish(err error) {
	m.mu.Lock()
	var result error
	switch {
	case m.canceled:
		result = ErrCanceled
		m.state = StateCanceled
	case m.failure != nil:
		result = m.failure
		m.state = StateFailed
	case err != nil:
		result = err
		m.state = StateFailed
	default:
		m.state = StateSucceeded
	}
	m.result = result
	transferred := m.transferred
	m.mu.Unlock()

	m.cancelCtx()
	if m.stopWatch != nil {
		m.stopWatch()
	}

	if m.recv != nil {
		if closeErr := m.recv.close(result != nil); closeErr != nil {
			m.logger.Warnf("Failed to close %s: %s", m.recv.path, closeErr)
		}
	}
	if m.send != nil {
		if closeErr := m.send.close(); closeErr != nil {
			m.logger.Warnf("Failed to close %s: %s", m.send.path, closeErr)
		}
	}
	if m.template.Body != nil {
		_ = m.template.Body.Close()
	}

	took := time.Since(m.startedAt).Round(time.Millisecond)
	switch {
	case result == nil:
		m.logger.Donef("%s %s finished: %s in %s", m.typ, m.template.URL.Redacted(), units.HumanSize(float64(transferred)), took)
	case errors.Is(result, ErrCanceled):
		m.logger.Infof("%s %s canceled after %s", m.typ, m.template.URL.Redacted(), units.HumanSize(float64(transferred)))
	default:
		m.logger.Errorf("%s %s failed after %s: %s", m.typ, m.template.URL.Redacted(), took, result)
	}

	m.reporter.finish(result)
	<-m.reporter.done
	close(m.done)

	m.client.release()
	close(m.shutdownDone)
}

// fail records the first failure and stops every other part.
func (m *MetaRequest) fail(err error) {
	m.mu.Lock()
	if m.failure == nil && !m.canceled {
		m.failure = err
	}
	m.mu.Unlock()
	m.cancelCtx()
}

func (m *MetaRequest) failureErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

func (m *MetaRequest) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.canceled || m.state.Terminal() {
		return
	}
	m.state = s
}

func (m *MetaRequest) setTotal(total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
}

func (m *MetaRequest) addParts(parts ...*planner.Part) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts = append(m.parts, parts...)
	if m.state == StatePlanning {
		m.state = StateDispatching
	}
}

func (m *MetaRequest) setPartState(part *planner.Part, state planner.State) {
	if part == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	part.State = state
}

// addProgress records n transferred bytes and posts a progress event.
func (m *MetaRequest) addProgress(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transferred += n
	m.reporter.progress(Progress{Delta: n, Cumulative: m.transferred, Total: m.total})
}

func (m *MetaRequest) takeWindow(ctx context.Context) error {
	select {
	case m.window <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MetaRequest) returnWindow() {
	<-m.window
}

// partAttempt describes one request of a part. build creates a fresh request
// for every attempt, handle consumes and closes the response body and
// returns the number of payload bytes transferred. Both run under the
// attempt's context.
type partAttempt struct {
	label    string
	estimate int64
	build    func(ctx context.Context) (*http.Request, string, error)
	handle   func(ctx context.Context, resp *http.Response) (int64, error)
}

// executePart runs a part with retries. part may be nil for control requests.
func (m *MetaRequest) executePart(ctx context.Context, part *planner.Part, a partAttempt, tries int) error {
	if tries < 1 {
		tries = 1
	}

	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		if err := ctx.Err(); err != nil {
			m.setPartState(part, planner.StateCanceled)
			return err
		}

		m.logger.Debugf("Sending %s (attempt %d/%d) [finished=%d] [expected=%v]",
			a.label, attempt+1, tries, m.gov.Estimator().FinishedCount(), m.gov.Estimator().Expected(a.estimate).Round(time.Millisecond))

		m.setPartState(part, planner.StateInFlight)
		err := m.attempt(ctx, a, attempt, tries)
		if err == nil {
			m.setPartState(part, planner.StateCompleted)
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			m.setPartState(part, planner.StateCanceled)
			return ctx.Err()
		}
		if !checkPartRetry(err) {
			m.setPartState(part, planner.StateFailed)
			return err
		}
		if attempt == tries-1 {
			break
		}

		if part != nil {
			m.mu.Lock()
			part.Retries++
			m.mu.Unlock()
		}
		backoff := partBackoff(m.cfg.RetryWaitMin, m.cfg.RetryWaitMax, attempt)
		m.logger.Warnf("%s attempt %d failed, retrying after %s: %s", a.label, attempt+1, backoff, err)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			m.setPartState(part, planner.StateCanceled)
			return ctx.Err()
		}
	}

	m.setPartState(part, planner.StateFailed)
	return fmt.Errorf("%s failed after %d attempts: %w", a.label, tries, lastErr)
}

func (m *MetaRequest) attempt(ctx context.Context, a partAttempt, attempt, tries int) error {
	lease, err := m.gov.Acquire(ctx, a.estimate)
	if err != nil {
		return err
	}

	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	start := time.Now()
	watch := &hungWatch{}
	if m.cfg.HungThreshold > 0 && attempt < tries-1 {
		attemptCtx = context.WithValue(attemptCtx, hungWatchKey{}, watch)
		go m.detectHung(attemptCtx, cancelAttempt, watch, start, a)
	}

	req, payloadHash, err := a.build(attemptCtx)
	if err != nil {
		m.gov.Release(lease, 0, 0, nil)
		return err
	}
	if err := m.signer.Sign(attemptCtx, req, payloadHash); err != nil {
		m.gov.Release(lease, 0, 0, nil)
		return err
	}

	var n int64
	resp, err := lease.Conn.Send(attemptCtx, req)
	if err == nil {
		n, err = a.handle(attemptCtx, resp)
	}
	m.gov.Release(lease, n, time.Since(start), err)

	var termErr *terminalError
	if err != nil && !errors.As(err, &termErr) && watch.state.Load() == watchHung && ctx.Err() == nil {
		return &hungAttemptError{label: a.label, elapsed: time.Since(start).Round(time.Millisecond).String()}
	}
	return err
}

const (
	watchArmed int32 = iota
	watchHung
	watchDisarmed
)

type hungWatchKey struct{}

// hungWatch is the hung detection state of one attempt. It moves from armed
// to either hung or disarmed, never back.
type hungWatch struct {
	state atomic.Int32
}

// disarmHungDetection stops hung detection of the attempt running under ctx.
// It returns false when the attempt was already found hung; the caller must
// then give up on the response without delivering anything.
func disarmHungDetection(ctx context.Context) bool {
	watch, ok := ctx.Value(hungWatchKey{}).(*hungWatch)
	if !ok {
		return true
	}
	return watch.state.CompareAndSwap(watchArmed, watchDisarmed) || watch.state.Load() == watchDisarmed
}

// detectHung cancels an attempt running much longer than a part of its size
// is expected to take.
func (m *MetaRequest) detectHung(ctx context.Context, cancel context.CancelFunc, watch *hungWatch, start time.Time, a partAttempt) {
	ticker := time.NewTicker(hungCheckInterval(m.cfg.HungThreshold))
	defer ticker.Stop()

	estimator := m.gov.Estimator()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if watch.state.Load() != watchArmed {
				return
			}
			if estimator.FinishedCount() == 0 {
				continue
			}
			elapsed := time.Since(start)
			expected := estimator.Expected(a.estimate)
			if elapsed-expected <= m.cfg.HungThreshold {
				continue
			}
			if !watch.state.CompareAndSwap(watchArmed, watchHung) {
				return
			}
			m.logger.Warnf("Found hung request (%s); canceling it after %s (expected: %s)",
				a.label, elapsed.Round(time.Millisecond), expected.Round(time.Millisecond))
			cancel()
			return
		}
	}
}

func hungCheckInterval(threshold time.Duration) time.Duration {
	interval := threshold / 4
	if interval > time.Second {
		return time.Second
	}
	if interval < 5*time.Millisecond {
		return 5 * time.Millisecond
	}
	return interval
}

func (m *MetaRequest) tries() int {
	return m.cfg.MaxPartRetries + 1
}

// readBody reads at most limit bytes of the response body and closes it.
// Errors reading the body are classified as transport errors.
func (m *MetaRequest) readBody(ctx context.Context, resp *http.Response, limit int64) ([]byte, error) {
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transport.Classify(m.gov.Endpoint().String(), err)
	}
	return data, nil
}

// terminalError is a failure that must not be retried, such as a body
// that already was partially delivered.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string {
	return e.err.Error()
}

func (e *terminalError) Unwrap() error {
	return e.err
}
