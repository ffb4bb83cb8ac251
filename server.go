package ensemble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxParallelTasks bounds concurrent task server admissions when not
// configured otherwise.
const DefaultMaxParallelTasks = 128

// DefaultCallTimeout applies to calls that do not set WithCallTimeout.
const DefaultCallTimeout = 300 * time.Second

// DefaultShutdownGrace is how long Server.Stop waits for in-flight calls
// before cancelling them.
const DefaultShutdownGrace = 10 * time.Second

// CallFunc is a unit of work executed by the Server. The context carries
// the call deadline and is cancelled when the server shuts the call down;
// implementations are expected to honor it at their blocking points.
type CallFunc func(ctx context.Context) (any, error)

// Call is one entry of a batch: a named function to execute.
type Call struct {
	Name string
	Func CallFunc
}

// CallResult is the settled outcome of a single call. Exactly one of Value
// and Err is meaningful. Err is always one of: *InternalError (the function
// returned an error or panicked), ErrCallTimeout, ErrCallCancelled.
type CallResult struct {
	Value any
	Err   error
}

// Callback observes the settled result of a single call.
type Callback func(CallResult)

// BatchCallback observes the settled results of a whole batch, invoked
// exactly once with the full ordered result slice.
type BatchCallback func([]CallResult)

// CallOption configures a single admission.
type CallOption func(*callOptions)

type callOptions struct {
	timeout       time.Duration
	callback      Callback
	batchCallback BatchCallback
	abortOnError  bool
	retries       int
	retryInterval time.Duration
	name          string
}

func newCallOptions(opts []CallOption) callOptions {
	o := callOptions{timeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithCallTimeout bounds the total execution time of the call, or of the
// whole batch for batched admissions. On expiry the call resolves to
// ErrCallTimeout.
func WithCallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithCallback registers a function invoked with the settled result once
// the call completes, whether or not the handle is awaited.
func WithCallback(cb Callback) CallOption {
	return func(o *callOptions) { o.callback = cb }
}

// WithBatchCallback registers a function invoked once with the settled
// results of a batch.
func WithBatchCallback(cb BatchCallback) CallOption {
	return func(o *callOptions) { o.batchCallback = cb }
}

// WithAbortOnError makes a batch stop at the first failing entry; every
// subsequent entry resolves to ErrCallCancelled instead of running.
func WithAbortOnError() CallOption {
	return func(o *callOptions) { o.abortOnError = true }
}

// WithRetries retries a failing call up to n more times, waiting interval
// between attempts, all within the call timeout.
func WithRetries(n int, interval time.Duration) CallOption {
	return func(o *callOptions) {
		o.retries = n
		o.retryInterval = interval
	}
}

// WithCallName attaches a diagnostic name to the admission, visible in logs
// and on the handle.
func WithCallName(name string) CallOption {
	return func(o *callOptions) { o.name = name }
}

// TaskHandle represents one admitted call. The caller may await the result
// or discard the handle; the work proceeds regardless.
type TaskHandle struct {
	id     string
	name   string
	done   chan struct{}
	result CallResult
}

// ID returns the unique admission identifier.
func (h *TaskHandle) ID() string { return h.id }

// Name returns the diagnostic name given with WithCallName, if any.
func (h *TaskHandle) Name() string { return h.name }

// Done is closed when the call settles.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Result blocks until the call settles or ctx is done. The returned error
// reports only a failed wait; the call's own failure is in CallResult.Err.
func (h *TaskHandle) Result(ctx context.Context) (CallResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return CallResult{}, fmt.Errorf("awaiting call result: %w", ctx.Err())
	}
}

// BatchHandle represents one admitted batch.
type BatchHandle struct {
	id      string
	name    string
	done    chan struct{}
	results []CallResult
}

// ID returns the unique admission identifier.
func (h *BatchHandle) ID() string { return h.id }

// Name returns the diagnostic name given with WithCallName, if any.
func (h *BatchHandle) Name() string { return h.name }

// Done is closed when the whole batch settles.
func (h *BatchHandle) Done() <-chan struct{} { return h.done }

// Results blocks until the batch settles or ctx is done. The result slice
// has exactly one entry per input call, in input order.
func (h *BatchHandle) Results(ctx context.Context) ([]CallResult, error) {
	select {
	case <-h.done:
		return h.results, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("awaiting batch results: %w", ctx.Err())
	}
}

// ServerStats is the diagnostic snapshot exposed through Inspect.
type ServerStats struct {
	MaxParallelTasks int   `json:"maxParallelTasks"`
	InFlight         int64 `json:"inFlight"`
	Closed           bool  `json:"closed"`
}

// Server executes ad-hoc and batched asynchronous calls under a global
// concurrency ceiling. Calls beyond the ceiling wait for admission (Call)
// or fail fast (CallNowait). Per-call failures are returned as result
// values, never raised, so batches keep their ordering and partial results.
type Server struct {
	logger        Logger
	maxParallel   int64
	shutdownGrace time.Duration
	metrics       *Metrics

	sem      *semaphore.Weighted
	inFlight atomic.Int64
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMaxParallelTasks sets the global concurrency ceiling.
func WithMaxParallelTasks(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxParallel = int64(n)
		}
	}
}

// WithShutdownGrace sets how long Stop waits for in-flight calls before
// cancelling them.
func WithShutdownGrace(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.shutdownGrace = d
		}
	}
}

// WithServerMetrics attaches metric collectors to the server.
func WithServerMetrics(m *Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a stopped task server. Calls are rejected with
// ErrServerClosed until Start.
func NewServer(logger Logger, opts ...ServerOption) *Server {
	s := &Server{
		logger:        logger,
		maxParallel:   DefaultMaxParallelTasks,
		shutdownGrace: DefaultShutdownGrace,
		closed:        true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(s.maxParallel)
	return s
}

// Start opens the server for admissions. Work is scoped to ctx: cancelling
// it cancels every in-flight call.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.closed = false
	s.logger.Debug("task server started", "maxParallelTasks", s.maxParallel)
	return nil
}

// Stop refuses new admissions, waits up to the shutdown grace for in-flight
// calls, then cancels whatever is left and waits for it to settle.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.shutdownGrace):
		s.logger.Warn("task server shutdown grace elapsed, cancelling in-flight calls",
			"inFlight", s.inFlight.Load())
		cancel()
		<-done
	case <-ctx.Done():
		cancel()
		<-done
	}
	cancel()
	s.logger.Debug("task server stopped")
	return nil
}

// Stats returns the diagnostic snapshot for this server.
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	return ServerStats{
		MaxParallelTasks: int(s.maxParallel),
		InFlight:         s.inFlight.Load(),
		Closed:           closed,
	}
}

// Full reports whether a CallNowait would currently be rejected for
// capacity.
func (s *Server) Full() bool {
	return s.inFlight.Load() >= s.maxParallel
}

// Call admits fn, waiting for a free slot if the server is at capacity.
// The returned handle may be awaited for the result or discarded. The only
// errors returned here are admission errors; execution failures settle into
// the handle's CallResult.
func (s *Server) Call(ctx context.Context, fn CallFunc, opts ...CallOption) (*TaskHandle, error) {
	if fn == nil {
		return nil, ErrNilCallFunc
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	opt := newCallOptions(opts)
	h := &TaskHandle{id: uuid.NewString(), name: opt.name, done: make(chan struct{})}
	s.wg.Add(1)
	go s.execute(h, fn, opt)
	return h, nil
}

// CallNowait admits fn only if a slot is immediately free, failing with
// ErrServerFull otherwise.
func (s *Server) CallNowait(fn CallFunc, opts ...CallOption) (*TaskHandle, error) {
	if fn == nil {
		return nil, ErrNilCallFunc
	}
	if err := s.tryAcquire(); err != nil {
		return nil, err
	}
	opt := newCallOptions(opts)
	h := &TaskHandle{id: uuid.NewString(), name: opt.name, done: make(chan struct{})}
	s.wg.Add(1)
	go s.execute(h, fn, opt)
	return h, nil
}

// CallMany admits an ordered batch as a single unit, waiting for admission
// if necessary. Entries execute strictly sequentially, one completing
// before the next starts, which allows call chaining.
func (s *Server) CallMany(ctx context.Context, batch []Call, opts ...CallOption) (*BatchHandle, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	opt := newCallOptions(opts)
	h := &BatchHandle{id: uuid.NewString(), name: opt.name, done: make(chan struct{})}
	s.wg.Add(1)
	go s.executeBatch(h, batch, opt)
	return h, nil
}

// CallManyNowait admits an ordered batch only if a slot is immediately
// free, failing with ErrServerFull otherwise.
func (s *Server) CallManyNowait(batch []Call, opts ...CallOption) (*BatchHandle, error) {
	if err := s.tryAcquire(); err != nil {
		return nil, err
	}
	opt := newCallOptions(opts)
	h := &BatchHandle{id: uuid.NewString(), name: opt.name, done: make(chan struct{})}
	s.wg.Add(1)
	go s.executeBatch(h, batch, opt)
	return h, nil
}

func (s *Server) acquire(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrServerClosed
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("awaiting admission: %w", err)
	}
	s.mu.Lock()
	closed = s.closed
	s.mu.Unlock()
	if closed {
		s.sem.Release(1)
		return ErrServerClosed
	}
	s.admitted()
	return nil
}

func (s *Server) tryAcquire() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrServerClosed
	}
	if !s.sem.TryAcquire(1) {
		return ErrServerFull
	}
	s.admitted()
	return nil
}

func (s *Server) admitted() {
	s.inFlight.Add(1)
	s.metrics.callAdmitted()
}

func (s *Server) release() {
	s.inFlight.Add(-1)
	s.metrics.callReleased()
	s.sem.Release(1)
	s.wg.Done()
}

func (s *Server) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Server) execute(h *TaskHandle, fn CallFunc, opt callOptions) {
	defer s.release()

	ctx, cancel := context.WithTimeout(s.runCtx(), opt.timeout)
	defer cancel()

	h.result = s.runOne(ctx, fn, opt)
	close(h.done)
	s.metrics.callSettled(h.result.Err)
	if h.result.Err != nil {
		s.logger.Debug("call settled with error", "call", h.name, "id", h.id, "error", h.result.Err)
	}
	if opt.callback != nil {
		opt.callback(h.result)
	}
}

func (s *Server) executeBatch(h *BatchHandle, batch []Call, opt callOptions) {
	defer s.release()

	ctx, cancel := context.WithTimeout(s.runCtx(), opt.timeout)
	defer cancel()

	results := make([]CallResult, len(batch))
	for i, call := range batch {
		if err := admissionErrFromContext(ctx); err != nil {
			// Deadline or server shutdown mid-batch: everything
			// not yet completed resolves to the same error,
			// regardless of the abort flag.
			fillResults(results, i, err)
			break
		}
		if call.Func == nil {
			results[i] = CallResult{Err: &InternalError{Err: ErrNilCallFunc}}
			continue
		}
		results[i] = s.runOne(ctx, call.Func, opt)
		if err := results[i].Err; err != nil {
			if err == ErrCallTimeout || err == ErrCallCancelled {
				fillResults(results, i+1, err)
				break
			}
			if opt.abortOnError {
				fillResults(results, i+1, ErrCallCancelled)
				break
			}
		}
	}

	h.results = results
	close(h.done)
	for _, r := range results {
		s.metrics.callSettled(r.Err)
	}
	if opt.batchCallback != nil {
		opt.batchCallback(results)
	}
}

// runOne executes a single function under ctx, converting every failure
// mode into a result value. The function runs in its own goroutine so a
// body that ignores its context cannot delay settling past the deadline.
func (s *Server) runOne(ctx context.Context, fn CallFunc, opt callOptions) CallResult {
	resCh := make(chan CallResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- CallResult{Err: &InternalError{Err: fmt.Errorf("call panicked: %v", r)}}
			}
		}()
		resCh <- s.attempt(ctx, fn, opt)
	}()

	select {
	case res := <-resCh:
		return res
	case <-ctx.Done():
		return CallResult{Err: admissionErrFromContext(ctx)}
	}
}

// attempt runs fn with the configured retries. A retry happens only for
// errors raised by the function itself, never for context expiry.
func (s *Server) attempt(ctx context.Context, fn CallFunc, opt callOptions) CallResult {
	var lastErr error
	for n := 0; n <= opt.retries; n++ {
		value, err := fn(ctx)
		if err == nil {
			return CallResult{Value: value}
		}
		if ctxErr := admissionErrFromContext(ctx); ctxErr != nil {
			return CallResult{Err: ctxErr}
		}
		lastErr = err
		if n < opt.retries {
			s.logger.Debug("call attempt failed, retrying",
				"attempt", n+1, "retries", opt.retries, "error", err)
			select {
			case <-time.After(opt.retryInterval):
			case <-ctx.Done():
				return CallResult{Err: admissionErrFromContext(ctx)}
			}
		}
	}
	if opt.retries > 0 {
		lastErr = fmt.Errorf("%w: %w", ErrRetriesExceeded, lastErr)
	}
	return CallResult{Err: &InternalError{Err: lastErr}}
}

// admissionErrFromContext maps context expiry onto the call error
// vocabulary: deadline to ErrCallTimeout, cancellation to ErrCallCancelled.
func admissionErrFromContext(ctx context.Context) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return ErrCallTimeout
	case context.Canceled:
		return ErrCallCancelled
	default:
		return nil
	}
}

// fillResults resolves every entry from index from onward to err.
func fillResults(results []CallResult, from int, err error) {
	for i := from; i < len(results); i++ {
		results[i] = CallResult{Err: err}
	}
}
