package blobgc

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var ErrRunnerStopped = errors.New("gc runner stopped")

// GCRunner drives the GC barrier of a Manager in the background. It starts
// rounds on a timer, sends their requests through a Transport and reconciles
// the results inside store transactions.
//
// A GCRunner is the ResultHandler the Transport reports to. Unsuccessful
// collect results are resent; put results are forwarded to
// GCRunnerOptions.OnPutResult. A Transport that is also a Dispatcher has
// each round applied and reconciled within RunOnce.
type GCRunner struct {
	mgr       *Manager
	store     TxStore
	transport Transport
	opts      GCRunnerOptions

	mu      sync.Mutex
	pending map[uint32]CollectGarbageRequest

	results  chan CollectGarbageResult
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool
	failed   atomic.Bool
}

func NewGCRunner(mgr *Manager, store TxStore, transport Transport, opts GCRunnerOptions) (*GCRunner, error) {
	if mgr == nil {
		return nil, errors.New("nil manager")
	}
	if store == nil {
		return nil, errors.New("nil store")
	}
	if transport == nil {
		return nil, ErrNoTransport
	}
	d := DefaultGCRunnerOptions()
	opts.CheckInterval = cmp.Or(opts.CheckInterval, d.CheckInterval)
	opts.ResultBuffer = cmp.Or(opts.ResultBuffer, d.ResultBuffer)
	if opts.CheckInterval < 0 || opts.ResultBuffer < 0 {
		return nil, fmt.Errorf("invalid gc runner options: interval %s buffer %d", opts.CheckInterval, opts.ResultBuffer)
	}

	return &GCRunner{
		mgr:       mgr,
		store:     store,
		transport: transport,
		opts:      opts,
		pending:   make(map[uint32]CollectGarbageRequest),
		results:   make(chan CollectGarbageResult, opts.ResultBuffer),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the background loop. It does nothing once the runner has
// been stopped.
func (r *GCRunner) Start() {
	select {
	case <-r.stopCh:
		return
	default:
	}
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go r.gcLoop(time.NewTicker(r.opts.CheckInterval))
}

// Stop ends the background loop and releases transport goroutines blocked
// in OnCollectGarbageResult, whether or not Start was called.
func (r *GCRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.running.CompareAndSwap(true, false) {
		r.wg.Wait()
	}
}

func (r *GCRunner) gcLoop(ticker *time.Ticker) {
	defer r.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if r.failed.Load() {
				continue
			}
			if _, err := r.RunOnce(context.Background()); err != nil {
				r.reportError(err)
			}
		case res := <-r.results:
			if r.failed.Load() {
				continue
			}
			if err := r.Reconcile(context.Background(), res); err != nil {
				r.reportError(fmt.Errorf("stopping background gc: %w", err))
			}
		case <-r.stopCh:
			return
		}
	}
}

// RunOnce starts a GC round if the manager allows one and sends its
// requests. It returns the number of requests sent.
func (r *GCRunner) RunOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if r.failed.Load() {
		return 0, ErrRunnerStopped
	}

	requests := r.mgr.PrepareGCRequests()
	if len(requests) == 0 {
		return 0, nil
	}

	groups := make([]uint32, 0, len(requests))
	for group := range requests {
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	var target GenStep
	r.mu.Lock()
	for _, group := range groups {
		req := *requests[group]
		target = req.Collect
		r.pending[req.PerGenerationCounter] = req
	}
	r.mu.Unlock()

	if r.opts.OnRoundStart != nil {
		r.opts.OnRoundStart(len(requests), target)
	}
	if d, ok := r.transport.(Dispatcher); ok {
		results, err := d.DispatchGC(ctx, requests)
		if err == nil {
			for _, res := range results {
				if err := r.Reconcile(ctx, res); err != nil {
					return len(requests), err
				}
			}
			return len(requests), nil
		}
		// Groups apply a request at most once, so the whole round can go
		// out again.
		slog.Warn("blobgc: dispatch gc failed, sending requests one by one",
			"requests", len(requests), "error", err)
	}
	for _, group := range groups {
		slog.Debug("blobgc: send collect garbage",
			"group", group,
			"counter", requests[group].PerGenerationCounter,
			"keep", len(requests[group].Keep),
			"dont_keep", len(requests[group].DontKeep))
		r.transport.CollectGarbage(ctx, *requests[group])
	}
	return len(requests), nil
}

// Reconcile applies one collect result. Unsuccessful results resend the
// original request. A store error leaves the manager out of step with
// durable state, so the runner refuses further rounds afterwards.
func (r *GCRunner) Reconcile(ctx context.Context, res CollectGarbageResult) error {
	r.mu.Lock()
	req, ok := r.pending[res.PerGenerationCounter]
	r.mu.Unlock()
	if !ok {
		slog.Warn("blobgc: dropping collect result for unknown request",
			"group", res.Group, "counter", res.PerGenerationCounter, "status", res.Status.String())
		return nil
	}

	if res.Status != StatusOK {
		slog.Warn("blobgc: collect garbage failed, retrying",
			"group", res.Group, "counter", res.PerGenerationCounter, "status", res.Status.String())
		r.transport.CollectGarbage(ctx, req)
		return nil
	}

	err := r.store.Update(ctx, func(db DB) error {
		return r.mgr.OnGCResult(db, res)
	})
	if err != nil {
		r.failed.Store(true)
		return fmt.Errorf("reconcile gc result of group %d: %w", res.Group, err)
	}

	r.mu.Lock()
	delete(r.pending, res.PerGenerationCounter)
	r.mu.Unlock()
	return nil
}

// OnCollectGarbageResult queues res for the background loop or for callers
// draining Results. It blocks while the result buffer is full and drops the
// result once the runner stops.
func (r *GCRunner) OnCollectGarbageResult(res CollectGarbageResult) {
	select {
	case r.results <- res:
	case <-r.stopCh:
	}
}

func (r *GCRunner) OnPutResult(res PutResult) {
	if r.opts.OnPutResult != nil {
		r.opts.OnPutResult(res)
	}
}

// Pending returns the number of requests awaiting a successful result.
func (r *GCRunner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Results exposes queued results to callers that reconcile without Start.
func (r *GCRunner) Results() <-chan CollectGarbageResult {
	return r.results
}

func (r *GCRunner) reportError(err error) {
	slog.Error("blobgc: gc error", "error", err)
	if r.opts.OnError != nil {
		r.opts.OnError(err)
	}
}
