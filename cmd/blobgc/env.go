package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ankur-anand/blobgc"
	"github.com/ankur-anand/blobgc/blobcache"
	"github.com/ankur-anand/blobgc/blobstore"
	"github.com/ankur-anand/blobgc/blockstore"
	"github.com/ankur-anand/blobgc/config"
	"github.com/ankur-anand/blobgc/metadb"
	"github.com/ankur-anand/blobgc/tier"
)

// env is everything a command needs to run the blob manager of one tablet.
type env struct {
	cfg      *config.Config
	meta     *metadb.Store
	objects  *blobstore.Store
	tierObjs *blobstore.Store
	cluster  *blockstore.Cluster
	cache    *blobcache.Cache
	mgr      *blobgc.Manager
	runner   *blobgc.GCRunner
	mover    *tier.Mover

	putResults chan blobgc.PutResult
}

func openEnv(ctx context.Context, cfg *config.Config) (_ *env, err error) {
	e := &env{cfg: cfg, putResults: make(chan blobgc.PutResult, 1024)}
	defer func() {
		if err != nil {
			err = errors.Join(err, e.Close())
		}
	}()

	if e.meta, err = metadb.Open(cfg.MetadataOptions()); err != nil {
		return nil, err
	}
	if e.objects, err = blobstore.Open(ctx, cfg.Objects.BucketURL, cfg.Objects.Prefix); err != nil {
		return nil, err
	}
	if cfg.Tier.BucketURL == cfg.Objects.BucketURL {
		e.tierObjs = blobstore.New(e.objects.Bucket(), cfg.Tier.Prefix)
	} else if e.tierObjs, err = blobstore.Open(ctx, cfg.Tier.BucketURL, cfg.Tier.Prefix); err != nil {
		return nil, err
	}
	if e.cluster, err = blockstore.NewCluster(e.objects, cfg.Groups(), blockstore.DefaultOptions()); err != nil {
		return nil, err
	}
	if e.cache, err = blobcache.New(cfg.CacheOptions()); err != nil {
		return nil, err
	}

	e.mgr, err = blobgc.OpenManager(ctx, e.meta, cfg.TabletInfo(), cfg.Tablet.Generation, blobgc.ManagerOptions{
		Controls:  cfg.GCControls(),
		Cache:     e.cache,
		Transport: e.cluster,
	})
	if err != nil {
		if errors.Is(err, blobgc.ErrCorruptState) {
			return nil, fmt.Errorf("%w (try a higher --generation)", err)
		}
		return nil, err
	}

	opts := cfg.GCRunnerOptions()
	opts.OnPutResult = func(res blobgc.PutResult) { e.putResults <- res }
	if e.runner, err = blobgc.NewGCRunner(e.mgr, e.meta, e.cluster, opts); err != nil {
		return nil, err
	}
	e.cluster.SetHandler(e.runner)

	exporter := tier.NewExporter(e.tierObjs, tier.Options{Name: cfg.Tier.Name})
	e.mover = tier.NewMover(e.mgr, e.meta, blobcache.NewReader(e.cache, e.cluster), exporter)
	return e, nil
}

// collect runs one GC round and reconciles every result before returning.
func (e *env) collect(ctx context.Context) (int, error) {
	n, err := e.runner.RunOnce(ctx)
	if err != nil || n == 0 {
		return n, err
	}
	for e.runner.Pending() > 0 {
		select {
		case res := <-e.runner.Results():
			if err := e.runner.Reconcile(ctx, res); err != nil {
				return n, err
			}
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
	return n, nil
}

func (e *env) Close() error {
	var errs []error
	if e.runner != nil {
		// Unblocks cluster goroutines still reporting collect results.
		e.runner.Stop()
	}
	if e.cluster != nil {
		errs = append(errs, e.cluster.Close())
	}
	if e.cache != nil {
		e.cache.Close()
	}
	if e.tierObjs != nil {
		errs = append(errs, e.tierObjs.Close())
	}
	if e.objects != nil {
		errs = append(errs, e.objects.Close())
	}
	if e.meta != nil {
		errs = append(errs, e.meta.Close())
	}
	return errors.Join(errs...)
}
