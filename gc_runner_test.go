package blobgc

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type runnerHarness struct {
	mgr       *Manager
	store     *memStore
	transport *fakeTransport
	runner    *GCRunner
}

func newRunnerHarness(t *testing.T, opts GCRunnerOptions) *runnerHarness {
	t.Helper()
	fake := newFakeTransport()
	return newRunnerHarnessOver(t, opts, fake, fake)
}

// newRunnerHarnessOver runs the GC of a generation 5 manager through
// transport, which reports to fake's handler.
func newRunnerHarnessOver(t *testing.T, opts GCRunnerOptions, fake *fakeTransport, transport Transport) *runnerHarness {
	t.Helper()
	store := newMemStore()
	mgr, err := OpenManager(context.Background(), store, testTabletInfo(), 5, ManagerOptions{
		Controls:  GCControls{BlobCountToTriggerGC: 1, GCInterval: time.Nanosecond},
		Transport: transport,
	})
	require.NoError(t, err)
	runner, err := NewGCRunner(mgr, store, transport, opts)
	require.NoError(t, err)
	fake.handler = runner
	t.Cleanup(runner.Stop)
	return &runnerHarness{mgr: mgr, store: store, transport: fake, runner: runner}
}

// fakeDispatcher applies whole rounds synchronously. Resends still go
// through the embedded fakeTransport.
type fakeDispatcher struct {
	*fakeTransport
	err    error
	rounds [][]uint32
}

func (f *fakeDispatcher) DispatchGC(_ context.Context, requests map[uint32]*CollectGarbageRequest) ([]CollectGarbageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	groups := make([]uint32, 0, len(requests))
	for g := range requests {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	f.rounds = append(f.rounds, groups)
	if f.err != nil {
		return nil, f.err
	}
	results := make([]CollectGarbageResult, 0, len(groups))
	for _, g := range groups {
		req := *requests[g]
		attempt := f.attempts[req.PerGenerationCounter]
		f.attempts[req.PerGenerationCounter] = attempt + 1
		status := StatusOK
		if f.statusFor != nil {
			status = f.statusFor(req, attempt)
		}
		results = append(results, resultFor(req, status))
	}
	return results, nil
}

func newDispatchHarness(t *testing.T, opts GCRunnerOptions) (*runnerHarness, *fakeDispatcher) {
	t.Helper()
	d := &fakeDispatcher{fakeTransport: newFakeTransport()}
	return newRunnerHarnessOver(t, opts, d.fakeTransport, d), d
}

func (h *runnerHarness) commit(t *testing.T, n int) []BlobID {
	t.Helper()
	batch := h.mgr.StartBatch(BlobChannel)
	ids := make([]BlobID, 0, n)
	for i := 0; i < n; i++ {
		id := batch.AllocateBlob(i + 1)
		batch.AcknowledgeWrite(id)
		ids = append(ids, id)
	}
	err := h.store.Update(context.Background(), func(db DB) error {
		return h.mgr.CommitBatch(db, batch)
	})
	require.NoError(t, err)
	return ids
}

// drain reconciles queued results until no request is pending.
func (h *runnerHarness) drain(t *testing.T) {
	t.Helper()
	for h.runner.Pending() > 0 {
		select {
		case res := <-h.runner.Results():
			require.NoError(t, h.runner.Reconcile(context.Background(), res))
		case <-time.After(time.Second):
			t.Fatalf("timed out with %d requests pending", h.runner.Pending())
		}
	}
}

func TestNewGCRunnerValidation(t *testing.T) {
	mgr, err := NewManager(testTabletInfo(), 1, DefaultManagerOptions())
	require.NoError(t, err)
	store := newMemStore()
	transport := newFakeTransport()

	_, err = NewGCRunner(nil, store, transport, GCRunnerOptions{})
	require.Error(t, err)
	_, err = NewGCRunner(mgr, nil, transport, GCRunnerOptions{})
	require.Error(t, err)
	_, err = NewGCRunner(mgr, store, nil, GCRunnerOptions{})
	require.ErrorIs(t, err, ErrNoTransport)
	_, err = NewGCRunner(mgr, store, transport, GCRunnerOptions{CheckInterval: -time.Second})
	require.Error(t, err)

	runner, err := NewGCRunner(mgr, store, transport, GCRunnerOptions{})
	require.NoError(t, err)
	require.Equal(t, DefaultGCRunnerOptions().CheckInterval, runner.opts.CheckInterval)
	require.Equal(t, DefaultGCRunnerOptions().ResultBuffer, cap(runner.results))
}

func TestRunOnceAndReconcile(t *testing.T) {
	var rounds []GenStep
	h := newRunnerHarness(t, GCRunnerOptions{
		OnRoundStart: func(requests int, target GenStep) {
			require.Equal(t, 2, requests)
			rounds = append(rounds, target)
		},
	})
	ids := h.commit(t, 2)

	sent, err := h.runner.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, sent)
	require.Equal(t, 2, h.runner.Pending())
	require.Equal(t, []GenStep{{5, 1}}, rounds)

	reqs := h.transport.collectRequests()
	require.Len(t, reqs, 2)
	require.Equal(t, uint32(1), reqs[0].Group, "requests go out in group order")
	require.Equal(t, uint32(2), reqs[1].Group)
	require.Equal(t, ids, reqs[1].Keep)

	sent, err = h.runner.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, sent, "one round at a time")

	h.drain(t)
	require.Equal(t, GenStep{5, 1}, h.mgr.LastCollectedGenStep())
	require.Equal(t, GenStep{5, 1}, h.store.db.barrier)
	require.Empty(t, h.store.db.keep)

	sent, err = h.runner.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, sent)
}

func TestReconcileResendsUnsuccessfulResults(t *testing.T) {
	h := newRunnerHarness(t, GCRunnerOptions{})
	h.transport.statusFor = func(_ CollectGarbageRequest, attempt int) Status {
		if attempt == 0 {
			return StatusDeadline
		}
		return StatusOK
	}
	h.commit(t, 1)

	_, err := h.runner.RunOnce(context.Background())
	require.NoError(t, err)
	h.drain(t)

	reqs := h.transport.collectRequests()
	require.Len(t, reqs, 4)
	require.Equal(t, reqs[0], reqs[2], "resent unchanged")
	require.Equal(t, GenStep{5, 1}, h.mgr.LastCollectedGenStep())
}

func TestReconcileIgnoresUnknownCounter(t *testing.T) {
	h := newRunnerHarness(t, GCRunnerOptions{})
	res := resultFor(CollectGarbageRequest{Group: 2, TabletID: testTablet, Generation: 5, PerGenerationCounter: 99}, StatusOK)
	require.NoError(t, h.runner.Reconcile(context.Background(), res))
	require.Empty(t, h.transport.collectRequests())
}

func TestReconcileReturnsStoreErrors(t *testing.T) {
	h := newRunnerHarness(t, GCRunnerOptions{})
	h.commit(t, 1)
	_, err := h.runner.RunOnce(context.Background())
	require.NoError(t, err)

	h.store.db.failOn = "SaveLastGCBarrier"
	var reconcileErr error
	for i := 0; i < 2; i++ {
		res := <-h.runner.Results()
		if err := h.runner.Reconcile(context.Background(), res); err != nil {
			reconcileErr = err
		}
	}
	require.ErrorIs(t, reconcileErr, errInjected)
	require.Equal(t, GenStep{}, h.store.db.barrier)
	require.Equal(t, 1, h.runner.Pending())
}

func TestRunnerBackgroundLoop(t *testing.T) {
	h := newRunnerHarness(t, GCRunnerOptions{CheckInterval: 5 * time.Millisecond})
	h.commit(t, 3)
	h.runner.Start()
	h.runner.Start()

	require.Eventually(t, func() bool {
		return h.mgr.LastCollectedGenStep() == GenStep{5, 1}
	}, 2*time.Second, 5*time.Millisecond)

	h.commit(t, 1)
	require.Eventually(t, func() bool {
		return h.mgr.LastCollectedGenStep() == GenStep{5, 2}
	}, 2*time.Second, 5*time.Millisecond)

	h.runner.Stop()
	h.runner.Stop()
	require.Equal(t, GenStep{5, 2}, h.store.db.barrier)
	require.Empty(t, h.store.db.keep)
}

func TestRunnerStopsAfterReconcileError(t *testing.T) {
	var mu sync.Mutex
	var errs []error
	h := newRunnerHarness(t, GCRunnerOptions{
		CheckInterval: 5 * time.Millisecond,
		OnError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			errs = append(errs, err)
		},
	})
	h.commit(t, 1)
	h.store.db.failOn = "SaveLastGCBarrier"
	h.runner.Start()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	}, 2*time.Second, 5*time.Millisecond)

	_, err := h.runner.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrRunnerStopped)

	h.runner.Stop()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], errInjected)
	require.Equal(t, GenStep{}, h.store.db.barrier)
}

func TestRunOnceHonoursContext(t *testing.T) {
	h := newRunnerHarness(t, GCRunnerOptions{})
	h.commit(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.runner.RunOnce(ctx)
	require.True(t, errors.Is(err, context.Canceled))
	require.Empty(t, h.transport.collectRequests())
}

func TestRunnerForwardsPutResults(t *testing.T) {
	var got []PutResult
	h := newRunnerHarness(t, GCRunnerOptions{
		OnPutResult: func(res PutResult) { got = append(got, res) },
	})

	batch := h.mgr.StartBatch(BlobChannel)
	id, err := h.mgr.WriteBlob(context.Background(), batch, []byte("hello"), time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, id, got[0].Blob)
	require.Equal(t, StatusOK, got[0].Status)

	batch.OnBlobWriteResult(got[0])
	require.True(t, batch.AllWritesComplete())
}

func TestRunOnceReconcilesDispatchedRound(t *testing.T) {
	h, d := newDispatchHarness(t, GCRunnerOptions{})
	h.commit(t, 2)

	sent, err := h.runner.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, sent)
	require.Equal(t, [][]uint32{{1, 2}}, d.rounds)
	require.Zero(t, h.runner.Pending())
	require.Empty(t, h.transport.collectRequests(), "nothing sent one by one")
	require.Equal(t, GenStep{5, 1}, h.mgr.LastCollectedGenStep())
	require.Equal(t, GenStep{5, 1}, h.store.db.barrier)
}

func TestDispatchedFailuresAreResent(t *testing.T) {
	h, _ := newDispatchHarness(t, GCRunnerOptions{})
	h.transport.statusFor = func(req CollectGarbageRequest, attempt int) Status {
		if req.Group == 2 && attempt == 0 {
			return StatusDeadline
		}
		return StatusOK
	}
	h.commit(t, 1)

	_, err := h.runner.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.runner.Pending())
	reqs := h.transport.collectRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, uint32(2), reqs[0].Group)

	h.drain(t)
	require.Equal(t, GenStep{5, 1}, h.mgr.LastCollectedGenStep())
}

func TestRunOnceFallsBackWhenDispatchFails(t *testing.T) {
	h, d := newDispatchHarness(t, GCRunnerOptions{})
	d.err = errors.New("group unreachable")
	h.commit(t, 1)

	sent, err := h.runner.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, sent)
	require.Len(t, h.transport.collectRequests(), 2)

	h.drain(t)
	require.Equal(t, GenStep{5, 1}, h.store.db.barrier)
}

func TestDispatchedRoundStopsOnStoreError(t *testing.T) {
	h, _ := newDispatchHarness(t, GCRunnerOptions{})
	h.commit(t, 1)
	h.store.db.failOn = "SaveLastGCBarrier"

	_, err := h.runner.RunOnce(context.Background())
	require.ErrorIs(t, err, errInjected)
	require.Equal(t, 1, h.runner.Pending())

	_, err = h.runner.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrRunnerStopped)
}

func TestStopReleasesBlockedResultsWithoutStart(t *testing.T) {
	h := newRunnerHarness(t, GCRunnerOptions{ResultBuffer: 1})
	res := resultFor(CollectGarbageRequest{Group: 2, TabletID: testTablet, Generation: 5, PerGenerationCounter: 1}, StatusOK)
	h.runner.OnCollectGarbageResult(res)

	done := make(chan struct{})
	go func() {
		h.runner.OnCollectGarbageResult(res)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second result should wait for buffer space")
	case <-time.After(20 * time.Millisecond):
	}

	h.runner.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not release the blocked sender")
	}

	h.runner.Start()
	require.False(t, h.runner.running.Load(), "a stopped runner does not restart")
	h.runner.OnCollectGarbageResult(res)
}
