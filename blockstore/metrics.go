package blockstore

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts block store activity. A nil *Metrics records nothing.
type Metrics struct {
	BlobsPut       prometheus.Counter
	BytesPut       prometheus.Counter
	CollectApplied prometheus.Counter
	KeepFlags      prometheus.Counter
	DontKeepFlags  prometheus.Counter
	BlobsCollected prometheus.Counter
}

func (m *Metrics) observePut(size int) {
	if m == nil {
		return
	}
	m.BlobsPut.Inc()
	m.BytesPut.Add(float64(size))
}

func (m *Metrics) observeCollect(keep, dontKeep, collected int) {
	if m == nil {
		return
	}
	m.CollectApplied.Inc()
	m.KeepFlags.Add(float64(keep))
	m.DontKeepFlags.Add(float64(dontKeep))
	m.BlobsCollected.Add(float64(collected))
}

func (m *Metrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{m.BlobsPut, m.BytesPut, m.CollectApplied, m.KeepFlags, m.DontKeepFlags, m.BlobsCollected}
}

func newCounter(name, help string, constLabels prometheus.Labels) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "blobgc",
		Subsystem:   "blockstore",
		Name:        name,
		Help:        help,
		ConstLabels: constLabels,
	})
}

func DefaultMetrics(constLabels prometheus.Labels) *Metrics {
	return &Metrics{
		BlobsPut:       newCounter("blobs_put_total", "Total number of blobs written to groups.", constLabels),
		BytesPut:       newCounter("bytes_put_total", "Total bytes written to groups.", constLabels),
		CollectApplied: newCounter("collect_applied_total", "Total number of collect garbage requests applied.", constLabels),
		KeepFlags:      newCounter("keep_flags_total", "Keep flags received.", constLabels),
		DontKeepFlags:  newCounter("dont_keep_flags_total", "DontKeep flags received.", constLabels),
		BlobsCollected: newCounter("blobs_collected_total", "Blobs deleted by barrier sweeps.", constLabels),
	}
}
