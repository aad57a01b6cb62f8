// Package metrics instruments the log with Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set is the collector set of one log instance.
type Set struct {
	Appends         prometheus.Counter
	AppendedBlocks  prometheus.Counter
	AppendedBytes   prometheus.Counter
	EntryFlushes    prometheus.Counter
	HeaderRewrites  prometheus.Counter
	TornBytes       prometheus.Counter
	ReplayedEntries prometheus.Counter

	Length     prometheus.Gauge
	ByteLength prometheus.Gauge
}

// New builds the collector set and registers it with registerer. A nil
// registerer leaves the collectors unregistered, which disables exposition
// without branching at every use site.
func New(registerer prometheus.Registerer) (*Set, error) {
	s := &Set{
		Appends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklelog_appends_total",
			Help: "Number of committed append batches",
		}),
		AppendedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklelog_appended_blocks_total",
			Help: "Number of blocks committed",
		}),
		AppendedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklelog_appended_bytes_total",
			Help: "Payload bytes committed",
		}),
		EntryFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklelog_oplog_entry_flushes_total",
			Help: "Number of oplog entry frames made durable",
		}),
		HeaderRewrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklelog_oplog_header_rewrites_total",
			Help: "Number of oplog header slot rewrites",
		}),
		TornBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklelog_oplog_torn_bytes_total",
			Help: "Trailing oplog bytes discarded during replay",
		}),
		ReplayedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklelog_oplog_replayed_entries_total",
			Help: "Oplog entries replayed on open",
		}),
		Length: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "merklelog_length",
			Help: "Committed block count",
		}),
		ByteLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "merklelog_byte_length",
			Help: "Committed payload byte length",
		}),
	}

	if registerer == nil {
		return s, nil
	}
	for _, c := range []prometheus.Collector{
		s.Appends, s.AppendedBlocks, s.AppendedBytes, s.EntryFlushes,
		s.HeaderRewrites, s.TornBytes, s.ReplayedEntries,
		s.Length, s.ByteLength,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}
