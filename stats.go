package igmp

import "go.uber.org/atomic"

// Stats holds the engine's diagnostic counters. Fields are updated by the
// engine goroutine and may be read from any goroutine.
type Stats struct {
	HostGroups   atomic.Int64 // live host group records
	RouterGroups atomic.Int64 // live router group records

	GeneralQueriesSent atomic.Uint64
	GroupQueriesSent   atomic.Uint64
	SourceQueriesSent  atomic.Uint64
	ReportsSent        atomic.Uint64
	RecordsSent        atomic.Uint64

	GeneralQueriesRecv atomic.Uint64
	GroupQueriesRecv   atomic.Uint64
	SourceQueriesRecv  atomic.Uint64
	ReportsRecv        atomic.Uint64
	RecordsRecv        atomic.Uint64

	Malformed   atomic.Uint64 // truncated, unknown type or bad contents
	BadChecksum atomic.Uint64
	Unsupported atomic.Uint64 // version 1 and 2 messages
	Ignored     atomic.Uint64 // valid messages no enabled role handles
	SendErrors  atomic.Uint64

	MembershipChanges atomic.Uint64 // updates handed to the forwarding sink
}

// StatsSnapshot is a plain copy of Stats.
type StatsSnapshot struct {
	Groups, HostGroups, RouterGroups                         int64
	GeneralQueriesSent, GroupQueriesSent, SourceQueriesSent  uint64
	ReportsSent, RecordsSent                                 uint64
	GeneralQueriesRecv, GroupQueriesRecv, SourceQueriesRecv  uint64
	ReportsRecv, RecordsRecv                                 uint64
	Malformed, BadChecksum, Unsupported, Ignored, SendErrors uint64
	MembershipChanges                                        uint64
}

func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		HostGroups:         s.HostGroups.Load(),
		RouterGroups:       s.RouterGroups.Load(),
		GeneralQueriesSent: s.GeneralQueriesSent.Load(),
		GroupQueriesSent:   s.GroupQueriesSent.Load(),
		SourceQueriesSent:  s.SourceQueriesSent.Load(),
		ReportsSent:        s.ReportsSent.Load(),
		RecordsSent:        s.RecordsSent.Load(),
		GeneralQueriesRecv: s.GeneralQueriesRecv.Load(),
		GroupQueriesRecv:   s.GroupQueriesRecv.Load(),
		SourceQueriesRecv:  s.SourceQueriesRecv.Load(),
		ReportsRecv:        s.ReportsRecv.Load(),
		RecordsRecv:        s.RecordsRecv.Load(),
		Malformed:          s.Malformed.Load(),
		BadChecksum:        s.BadChecksum.Load(),
		Unsupported:        s.Unsupported.Load(),
		Ignored:            s.Ignored.Load(),
		SendErrors:         s.SendErrors.Load(),
		MembershipChanges:  s.MembershipChanges.Load(),
	}
	snap.Groups = snap.HostGroups + snap.RouterGroups
	return snap
}

// Reset zeroes the message counters. The group gauges track live records
// and are left alone.
func (s *Stats) Reset() {
	for _, c := range []*atomic.Uint64{
		&s.GeneralQueriesSent, &s.GroupQueriesSent, &s.SourceQueriesSent,
		&s.ReportsSent, &s.RecordsSent,
		&s.GeneralQueriesRecv, &s.GroupQueriesRecv, &s.SourceQueriesRecv,
		&s.ReportsRecv, &s.RecordsRecv,
		&s.Malformed, &s.BadChecksum, &s.Unsupported, &s.Ignored, &s.SendErrors,
		&s.MembershipChanges,
	} {
		c.Store(0)
	}
}
