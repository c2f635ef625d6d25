// Package blockstore is an in-process block store made of storage groups on
// top of object storage. Groups accept blob writes and collect garbage below
// a per-tablet barrier, keeping blobs flagged Keep until a DontKeep arrives.
package blockstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ankur-anand/blobgc"
	"github.com/ankur-anand/blobgc/blobstore"
)

var ErrUnknownGroup = errors.New("blockstore: unknown group")

var _ blobgc.Dispatcher = (*Cluster)(nil)

type Options struct {
	Metrics *Metrics
	// MaxConcurrentGC bounds parallel requests in DispatchGC.
	MaxConcurrentGC int
}

func DefaultOptions() Options {
	return Options{MaxConcurrentGC: 4}
}

// Cluster routes requests to its groups and reports results to a
// blobgc.ResultHandler. It implements blobgc.Dispatcher, so a GCRunner
// applies whole rounds through DispatchGC.
type Cluster struct {
	store   *blobstore.Store
	opts    Options
	groups  map[uint32]*sync.Mutex
	handler blobgc.ResultHandler

	mu     sync.Mutex
	faults map[uint32]blobgc.Status
	wg     sync.WaitGroup
	closed bool
}

var _ blobgc.Transport = (*Cluster)(nil)

func NewCluster(store *blobstore.Store, groups []uint32, opts Options) (*Cluster, error) {
	if store == nil {
		return nil, errors.New("nil blob store")
	}
	if len(groups) == 0 {
		return nil, errors.New("cluster needs at least one group")
	}
	if opts.MaxConcurrentGC <= 0 {
		opts.MaxConcurrentGC = DefaultOptions().MaxConcurrentGC
	}
	c := &Cluster{
		store:  store,
		opts:   opts,
		groups: make(map[uint32]*sync.Mutex, len(groups)),
		faults: make(map[uint32]blobgc.Status),
	}
	for _, g := range groups {
		c.groups[g] = &sync.Mutex{}
	}
	return c, nil
}

// SetHandler sets where asynchronous results are delivered.
func (c *Cluster) SetHandler(h blobgc.ResultHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Groups returns the group ids in ascending order.
func (c *Cluster) Groups() []uint32 {
	out := make([]uint32, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FailNextCollect makes the next collect request sent to group finish with
// status without being applied.
func (c *Cluster) FailNextCollect(group uint32, status blobgc.Status) {
	c.mu.Lock()
	c.faults[group] = status
	c.mu.Unlock()
}

func (c *Cluster) takeFault(group uint32) (blobgc.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.faults[group]
	delete(c.faults, group)
	return st, ok
}

func (c *Cluster) groupLock(group uint32) (*sync.Mutex, error) {
	mu, ok := c.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownGroup, group)
	}
	return mu, nil
}

// async runs fn in the background unless the cluster is closed.
func (c *Cluster) async(fn func(h blobgc.ResultHandler)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	h := c.handler
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(h)
	}()
	return true
}

// Put stores the blob and reports the result asynchronously.
func (c *Cluster) Put(ctx context.Context, req blobgc.PutRequest) {
	c.async(func(h blobgc.ResultHandler) {
		status := blobgc.StatusOK
		if err := c.WriteBlob(ctx, req.Group, req.Blob, req.Data); err != nil {
			slog.Warn("blockstore: put failed", "group", req.Group, "blob", req.Blob.String(), "error", err)
			status = blobgc.StatusError
		}
		if h != nil {
			h.OnPutResult(blobgc.PutResult{Group: req.Group, Blob: req.Blob, Status: status, Cookie: req.Cookie})
		}
	})
}

// CollectGarbage applies the request and reports the result asynchronously.
func (c *Cluster) CollectGarbage(ctx context.Context, req blobgc.CollectGarbageRequest) {
	c.async(func(h blobgc.ResultHandler) {
		res, err := c.ApplyCollectGarbage(ctx, req)
		if err != nil {
			slog.Warn("blockstore: collect garbage failed", "group", req.Group, "counter", req.PerGenerationCounter, "error", err)
		}
		if h != nil {
			h.OnCollectGarbageResult(res)
		}
	})
}

// WriteBlob stores a blob payload in group.
func (c *Cluster) WriteBlob(ctx context.Context, group uint32, id blobgc.BlobID, data []byte) error {
	if _, err := c.groupLock(group); err != nil {
		return err
	}
	if !id.IsStoreBlob() {
		return fmt.Errorf("%w: %s is not a store blob", blobgc.ErrInvalidBlobID, id)
	}
	if len(data) != int(id.Size()) {
		return fmt.Errorf("blob %s has %d bytes, id says %d", id, len(data), id.Size())
	}
	if _, err := c.store.Write(ctx, c.store.GroupBlobPath(group, objectName(id)), data); err != nil {
		return err
	}
	c.opts.Metrics.observePut(len(data))
	return nil
}

// Get reads a blob from group. It returns blobstore.ErrNotFound once the
// blob was collected.
func (c *Cluster) Get(ctx context.Context, group uint32, id blobgc.BlobID) ([]byte, error) {
	if _, err := c.groupLock(group); err != nil {
		return nil, err
	}
	data, _, err := c.store.Read(ctx, c.store.GroupBlobPath(group, objectName(id)))
	return data, err
}

// ApplyCollectGarbage moves the group's barrier for the request's tablet
// channel, applies its flags and deletes every unkept blob at or below the
// barrier. Requests already applied are acknowledged again without effect.
func (c *Cluster) ApplyCollectGarbage(ctx context.Context, req blobgc.CollectGarbageRequest) (blobgc.CollectGarbageResult, error) {
	res := blobgc.CollectGarbageResult{
		Group:                req.Group,
		TabletID:             req.TabletID,
		Generation:           req.Generation,
		PerGenerationCounter: req.PerGenerationCounter,
		Channel:              req.Channel,
		Status:               blobgc.StatusError,
	}
	mu, err := c.groupLock(req.Group)
	if err != nil {
		return res, err
	}
	if status, ok := c.takeFault(req.Group); ok {
		res.Status = status
		return res, nil
	}

	mu.Lock()
	defer mu.Unlock()

	var stale bool
	st, err := updateState(ctx, c.store, req.Group, req.TabletID, req.Channel, func(st *collectState) (bool, error) {
		if st.applied(req.Generation, req.PerGenerationCounter) {
			stale = true
			return false, nil
		}
		if req.Collect.Less(st.barrier()) {
			return false, fmt.Errorf("group %d: barrier %s moves back to %s", req.Group, st.barrier(), req.Collect)
		}
		keep := st.keepSet()
		for _, id := range req.Keep {
			keep[objectName(id)] = struct{}{}
		}
		for _, id := range req.DontKeep {
			delete(keep, objectName(id))
		}
		st.setKeep(keep)
		st.CollectGen, st.CollectStep = req.Collect.Gen, req.Collect.Step
		st.Generation = req.Generation
		st.Counter = req.PerGenerationCounter + max(req.CounterStepSize, 1) - 1
		return true, nil
	})
	if err != nil {
		return res, err
	}
	res.Status = blobgc.StatusOK
	if stale {
		slog.Debug("blockstore: collect request already applied", "group", req.Group, "counter", req.PerGenerationCounter)
		return res, nil
	}

	collected, err := c.sweep(ctx, req.Group, st)
	if err != nil {
		// The barrier is durable; the next request sweeps again.
		slog.Warn("blockstore: sweep failed", "group", req.Group, "error", err)
	}
	c.opts.Metrics.observeCollect(len(req.Keep), len(req.DontKeep), collected)
	return res, nil
}

// sweep deletes the tablet channel's blobs at or below the barrier that
// carry no Keep flag.
func (c *Cluster) sweep(ctx context.Context, group uint32, st *collectState) (int, error) {
	keys, err := c.store.GroupBlobKeys(ctx, group)
	if err != nil {
		return 0, err
	}
	keep := st.keepSet()
	barrier := st.barrier()

	var victims []string
	for _, key := range keys {
		name := path.Base(key)
		id, err := parseObjectName(group, name)
		if err != nil {
			continue
		}
		if id.TabletID() != st.TabletID || id.Channel() != st.Channel {
			continue
		}
		if barrier.Less(id.GenStep()) {
			continue
		}
		if _, kept := keep[name]; kept {
			continue
		}
		victims = append(victims, key)
	}
	if err := c.store.BatchDelete(ctx, victims); err != nil {
		return 0, err
	}
	return len(victims), nil
}

// DispatchGC applies a round's requests in parallel and returns their
// results ordered by group.
func (c *Cluster) DispatchGC(ctx context.Context, requests map[uint32]*blobgc.CollectGarbageRequest) ([]blobgc.CollectGarbageResult, error) {
	groups := make([]uint32, 0, len(requests))
	for g := range requests {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	results := make([]blobgc.CollectGarbageResult, len(groups))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(c.opts.MaxConcurrentGC)
	for i, g := range groups {
		req := *requests[g]
		eg.Go(func() error {
			res, err := c.ApplyCollectGarbage(egCtx, req)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Barrier returns the collection barrier and Keep flag count a group holds
// for a tablet channel.
func (c *Cluster) Barrier(ctx context.Context, group uint32, tabletID uint64, channel uint32) (blobgc.GenStep, int, error) {
	if _, err := c.groupLock(group); err != nil {
		return blobgc.GenStep{}, 0, err
	}
	st, _, _, err := loadState(ctx, c.store, group, tabletID, channel)
	if err != nil {
		return blobgc.GenStep{}, 0, err
	}
	return st.barrier(), len(st.Keep), nil
}

// Wait blocks until every asynchronous request finished.
func (c *Cluster) Wait() {
	c.wg.Wait()
}

// Close rejects new requests and waits for running ones.
func (c *Cluster) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}
