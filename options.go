package blobgc

import (
	"fmt"
	"time"
)

const (
	DefaultBlobCountToTriggerGC = 1000
	DefaultGCInterval           = 60 * time.Second
)

// GCControls gate when a GC round may start. They are runtime adjustable
// through Manager.UpdateControls.
type GCControls struct {
	// BlobCountToTriggerGC starts a round as soon as either queue holds at
	// least this many entries.
	BlobCountToTriggerGC int64
	// GCInterval starts a round once this much time passed since the last
	// one, regardless of queue sizes.
	GCInterval time.Duration
}

func DefaultGCControls() GCControls {
	return GCControls{
		BlobCountToTriggerGC: DefaultBlobCountToTriggerGC,
		GCInterval:           DefaultGCInterval,
	}
}

func (c GCControls) validate() error {
	if c.BlobCountToTriggerGC < 0 {
		return fmt.Errorf("blob count to trigger gc must not be negative: %d", c.BlobCountToTriggerGC)
	}
	if c.GCInterval < 0 {
		return fmt.Errorf("gc interval must not be negative: %s", c.GCInterval)
	}
	return nil
}

type ManagerOptions struct {
	// Controls are used as given. Zero values disable the matching gate, so
	// start from DefaultManagerOptions for the stock thresholds.
	Controls GCControls

	Metrics   *ManagerMetrics
	Cache     BlobCache
	Transport Transport

	// Now overrides the clock used for GC throttling.
	Now func() time.Time
}

func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		Controls: DefaultGCControls(),
	}
}

type GCRunnerOptions struct {
	CheckInterval time.Duration
	// ResultBuffer is the capacity of the channel GC results are queued on.
	ResultBuffer int

	OnRoundStart func(requests int, target GenStep)
	OnPutResult  func(PutResult)
	OnError      func(error)
}

func DefaultGCRunnerOptions() GCRunnerOptions {
	return GCRunnerOptions{
		CheckInterval: time.Second,
		ResultBuffer:  256,
	}
}

func withManagerDefaults(opts ManagerOptions) ManagerOptions {
	if opts.Cache == nil {
		opts.Cache = nopBlobCache{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}
