package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds all the metric instruments of the page store.
type StorageMetrics struct {
	PageFetchesCounter      metric.Int64Counter
	CacheHitsCounter        metric.Int64Counter
	CacheMissesCounter      metric.Int64Counter
	PageAllocsCounter       metric.Int64Counter
	FreelistHitsCounter     metric.Int64Counter
	PagesFreedCounter       metric.Int64Counter
	PagesEvictedCounter     metric.Int64Counter
	CachedPagesUpDown       metric.Int64UpDownCounter
	ChangesetFlushesCounter metric.Int64Counter
	PagesFlushedCounter     metric.Int64Counter
	JournalBytesCounter     metric.Int64Counter
	FlushLatencyHistogram   metric.Int64Histogram
	CommitLatencyHistogram  metric.Int64Histogram
}

// NewStorageMetrics creates and registers all the metrics of the page store.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	var (
		m   StorageMetrics
		err error
	)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.PageFetchesCounter, "pagestore.page.fetches_total", "Total number of page fetches.", "1"},
		{&m.CacheHitsCounter, "pagestore.cache.hits_total", "Page fetches served from the cache.", "1"},
		{&m.CacheMissesCounter, "pagestore.cache.misses_total", "Page fetches that read the device.", "1"},
		{&m.PageAllocsCounter, "pagestore.page.allocations_total", "Total number of page allocations.", "1"},
		{&m.FreelistHitsCounter, "pagestore.freelist.hits_total", "Allocations served from the freelist.", "1"},
		{&m.PagesFreedCounter, "pagestore.freelist.freed_total", "Pages returned to the freelist.", "1"},
		{&m.PagesEvictedCounter, "pagestore.cache.evictions_total", "Pages evicted from the cache.", "1"},
		{&m.ChangesetFlushesCounter, "pagestore.changeset.flushes_total", "Changesets written to the journal.", "1"},
		{&m.PagesFlushedCounter, "pagestore.changeset.pages_flushed_total", "Dirty pages written to the device.", "1"},
		{&m.JournalBytesCounter, "pagestore.journal.bytes_total", "Bytes appended to the journal.", "By"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}

	m.CachedPagesUpDown, err = meter.Int64UpDownCounter(
		"pagestore.cache.pages",
		metric.WithDescription("Number of pages held by the cache."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.FlushLatencyHistogram, err = meter.Int64Histogram(
		"pagestore.changeset.flush_duration",
		metric.WithDescription("Time spent appending a changeset to the journal."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	m.CommitLatencyHistogram, err = meter.Int64Histogram(
		"pagestore.env.commit_duration",
		metric.WithDescription("The latency of commits."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// NewNoopStorageMetrics returns instruments that record nothing.
func NewNoopStorageMetrics() *StorageMetrics {
	m, _ := NewStorageMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
