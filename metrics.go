package blobgc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ManagerMetrics mirrors the blob manager counters. A nil *ManagerMetrics is
// valid and records nothing.
type ManagerMetrics struct {
	BatchesStarted   prometheus.Counter
	BatchesCommitted prometheus.Counter
	BatchesAborted   prometheus.Counter
	BlobsWritten     prometheus.Counter
	BlobsDeleted     prometheus.Counter
	BlobsDelayed     prometheus.Counter

	SmallBlobsWritten      prometheus.Counter
	SmallBlobsBytesWritten prometheus.Counter
	SmallBlobsDeleted      prometheus.Counter
	SmallBlobsBytesDeleted prometheus.Counter

	GCRoundsStarted     prometheus.Counter
	GCRoundsCompleted   prometheus.Counter
	GCRequestsSent      prometheus.Counter
	BlobKeepEntries     prometheus.Counter
	BlobDontKeepEntries prometheus.Counter
	BlobSkippedEntries  prometheus.Counter

	BarrierGeneration prometheus.Gauge
	BarrierStep       prometheus.Gauge
}

func (m *ManagerMetrics) incCounter(counter prometheus.Counter) {
	if m == nil || counter == nil {
		return
	}
	counter.Inc()
}

func (m *ManagerMetrics) addCounter(counter prometheus.Counter, value float64) {
	if m == nil || counter == nil || value == 0 {
		return
	}
	counter.Add(value)
}

func (m *ManagerMetrics) setGauge(gauge prometheus.Gauge, value float64) {
	if m == nil || gauge == nil {
		return
	}
	gauge.Set(value)
}

func (m *ManagerMetrics) ObserveBatchStarted() {
	if m == nil {
		return
	}
	m.incCounter(m.BatchesStarted)
}

func (m *ManagerMetrics) ObserveBatchCommitted(blobCount, smallBlobCount int, smallBlobBytes uint64) {
	if m == nil {
		return
	}
	m.incCounter(m.BatchesCommitted)
	m.addCounter(m.BlobsWritten, float64(blobCount))
	m.addCounter(m.SmallBlobsWritten, float64(smallBlobCount))
	m.addCounter(m.SmallBlobsBytesWritten, float64(smallBlobBytes))
}

func (m *ManagerMetrics) ObserveBatchAborted() {
	if m == nil {
		return
	}
	m.incCounter(m.BatchesAborted)
}

func (m *ManagerMetrics) ObserveDelete(delayed bool) {
	if m == nil {
		return
	}
	m.incCounter(m.BlobsDeleted)
	if delayed {
		m.incCounter(m.BlobsDelayed)
	}
}

func (m *ManagerMetrics) ObserveSmallBlobDeleted(sizeBytes uint32) {
	if m == nil {
		return
	}
	m.incCounter(m.SmallBlobsDeleted)
	m.addCounter(m.SmallBlobsBytesDeleted, float64(sizeBytes))
}

func (m *ManagerMetrics) ObserveGCRoundStarted() {
	if m == nil {
		return
	}
	m.incCounter(m.GCRoundsStarted)
}

func (m *ManagerMetrics) ObserveGCResult(keep, dontKeep, skipped int) {
	if m == nil {
		return
	}
	m.incCounter(m.GCRequestsSent)
	m.addCounter(m.BlobKeepEntries, float64(keep))
	m.addCounter(m.BlobDontKeepEntries, float64(dontKeep))
	m.addCounter(m.BlobSkippedEntries, float64(skipped))
}

func (m *ManagerMetrics) ObserveBarrier(genStep GenStep) {
	if m == nil {
		return
	}
	m.incCounter(m.GCRoundsCompleted)
	m.setGauge(m.BarrierGeneration, float64(genStep.Gen))
	m.setGauge(m.BarrierStep, float64(genStep.Step))
}

// Collectors returns every non-nil metric for registration.
func (m *ManagerMetrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	all := []prometheus.Collector{
		m.BatchesStarted, m.BatchesCommitted, m.BatchesAborted, m.BlobsWritten, m.BlobsDeleted, m.BlobsDelayed,
		m.SmallBlobsWritten, m.SmallBlobsBytesWritten, m.SmallBlobsDeleted, m.SmallBlobsBytesDeleted,
		m.GCRoundsStarted, m.GCRoundsCompleted, m.GCRequestsSent,
		m.BlobKeepEntries, m.BlobDontKeepEntries, m.BlobSkippedEntries,
		m.BarrierGeneration, m.BarrierStep,
	}
	out := all[:0]
	for _, c := range all {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func newManagerCounter(name, help string, constLabels prometheus.Labels) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "blobgc",
		Subsystem:   "manager",
		Name:        name,
		Help:        help,
		ConstLabels: constLabels,
	})
}

func DefaultManagerMetrics(constLabels prometheus.Labels) *ManagerMetrics {
	return &ManagerMetrics{
		BatchesStarted:   newManagerCounter("batches_started_total", "Total number of blob batches started.", constLabels),
		BatchesCommitted: newManagerCounter("batches_committed_total", "Total number of blob batches committed.", constLabels),
		BatchesAborted:   newManagerCounter("batches_aborted_total", "Total number of blob batches aborted before commit.", constLabels),
		BlobsWritten:     newManagerCounter("blobs_written_total", "Total number of store blobs committed to the keep queue.", constLabels),
		BlobsDeleted:     newManagerCounter("blobs_deleted_total", "Total number of blob delete requests.", constLabels),
		BlobsDelayed:     newManagerCounter("blobs_delete_delayed_total", "Delete requests delayed because the blob was in use.", constLabels),

		SmallBlobsWritten:      newManagerCounter("small_blobs_written_total", "Total number of small blobs written.", constLabels),
		SmallBlobsBytesWritten: newManagerCounter("small_blobs_written_bytes_total", "Total bytes of small blobs written.", constLabels),
		SmallBlobsDeleted:      newManagerCounter("small_blobs_deleted_total", "Total number of small blobs deleted.", constLabels),
		SmallBlobsBytesDeleted: newManagerCounter("small_blobs_deleted_bytes_total", "Total bytes of small blobs deleted.", constLabels),

		GCRoundsStarted:     newManagerCounter("gc_rounds_started_total", "Total number of GC rounds started.", constLabels),
		GCRoundsCompleted:   newManagerCounter("gc_rounds_completed_total", "Total number of GC rounds that moved the barrier.", constLabels),
		GCRequestsSent:      newManagerCounter("gc_requests_total", "Total number of acknowledged per-group GC requests.", constLabels),
		BlobKeepEntries:     newManagerCounter("gc_keep_entries_total", "Keep flags acknowledged by storage groups.", constLabels),
		BlobDontKeepEntries: newManagerCounter("gc_dont_keep_entries_total", "DontKeep flags acknowledged by storage groups.", constLabels),
		BlobSkippedEntries:  newManagerCounter("gc_skipped_entries_total", "Blobs created and deleted in one generation without any flag sent.", constLabels),

		BarrierGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "blobgc",
			Subsystem:   "manager",
			Name:        "barrier_generation",
			Help:        "Generation of the last collected gen step.",
			ConstLabels: constLabels,
		}),
		BarrierStep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "blobgc",
			Subsystem:   "manager",
			Name:        "barrier_step",
			Help:        "Step of the last collected gen step.",
			ConstLabels: constLabels,
		}),
	}
}
