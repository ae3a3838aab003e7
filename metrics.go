package igmp

import "github.com/prometheus/client_golang/prometheus"

// Collector exports Stats to Prometheus.
type Collector struct {
	stats *Stats

	groups     *prometheus.Desc
	sent       *prometheus.Desc
	received   *prometheus.Desc
	dropped    *prometheus.Desc
	sendErrors *prometheus.Desc
	changes    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(stats *Stats) *Collector {
	return &Collector{
		stats: stats,
		groups: prometheus.NewDesc("igmp_groups",
			"Group records currently held.", []string{"role"}, nil),
		sent: prometheus.NewDesc("igmp_messages_sent_total",
			"IGMP messages sent.", []string{"type"}, nil),
		received: prometheus.NewDesc("igmp_messages_received_total",
			"Valid IGMP messages received.", []string{"type"}, nil),
		dropped: prometheus.NewDesc("igmp_messages_dropped_total",
			"Received IGMP messages dropped.", []string{"reason"}, nil),
		sendErrors: prometheus.NewDesc("igmp_send_errors_total",
			"Messages the transport failed to send.", nil, nil),
		changes: prometheus.NewDesc("igmp_membership_changes_total",
			"Membership updates handed to the forwarding sink.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.groups
	ch <- c.sent
	ch <- c.received
	ch <- c.dropped
	ch <- c.sendErrors
	ch <- c.changes
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.Snapshot()
	gauge := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.groups, s.HostGroups, "host")
	gauge(c.groups, s.RouterGroups, "router")

	counter(c.sent, s.GeneralQueriesSent, "general_query")
	counter(c.sent, s.GroupQueriesSent, "group_query")
	counter(c.sent, s.SourceQueriesSent, "source_query")
	counter(c.sent, s.ReportsSent, "report")

	counter(c.received, s.GeneralQueriesRecv, "general_query")
	counter(c.received, s.GroupQueriesRecv, "group_query")
	counter(c.received, s.SourceQueriesRecv, "source_query")
	counter(c.received, s.ReportsRecv, "report")

	counter(c.dropped, s.Malformed, "malformed")
	counter(c.dropped, s.BadChecksum, "checksum")
	counter(c.dropped, s.Unsupported, "unsupported_version")
	counter(c.dropped, s.Ignored, "no_handler")

	counter(c.sendErrors, s.SendErrors)
	counter(c.changes, s.MembershipChanges)
}
