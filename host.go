package igmp

import (
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/blockcast/go-igmp/messages"
	"github.com/blockcast/go-igmp/timers"
	"github.com/sirupsen/logrus"
)

// ipv4HeaderLen is the size of the IP header sent in front of every
// message: 20 bytes plus the Router Alert option.
const ipv4HeaderLen = 24

// SetInterest sets the host's reception state for group on ifID. A mode
// of INCLUDE with no sources leaves the group. Any change is announced
// at once with a state-change report which is then retransmitted
// Robustness-1 times at random intervals below the Unsolicited Report
// Interval.
func (e *Engine) SetInterest(ifID int, group netip.Addr, mode FilterMode, sources []netip.Addr) error {
	hi := e.hostInterface(ifID)
	if hi == nil {
		return e.missingRole(ifID, "host")
	}
	if !group.Is4() || !group.IsMulticast() {
		return fmt.Errorf("%w: %s", ErrNotMulticast, group)
	}
	if group == messages.AllSystemsGroup {
		return fmt.Errorf("%w: %s is never reported", ErrNotMulticast, group)
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: %s for %s", ErrInvalidMode, mode, group)
	}
	for _, src := range sources {
		if !src.Is4() {
			return fmt.Errorf("invalid source %s for %s", src, group)
		}
	}
	sources = messages.Normalize(sources)

	oldMode, oldSources := Include, []netip.Addr(nil)
	hg := e.hostGroup(hi, group)
	if hg != nil {
		oldMode, oldSources = hg.filter, hg.sources
	}
	if oldMode == mode && slices.Equal(oldSources, sources) {
		return nil
	}

	records := messages.ChangeRecords(group, oldMode, oldSources, mode, sources)
	log := e.logIface(hi.ifc).WithFields(logrus.Fields{"group": group, "mode": mode, "sources": sources})
	if mode == Include && len(sources) == 0 {
		log.Debug("leaving group")
		e.sendReport(hi, records)
		e.deleteHostGroup(hi, hg)
		return nil
	}

	if hg == nil {
		hg = e.createHostGroup(hi, group)
		log.Debug("joining group")
	} else {
		log.Debug("changing group filter")
	}
	hg.filter, hg.sources = mode, sources
	e.sendReport(hi, records)
	hg.change = records
	hg.changeLeft = hi.retransmissions() - 1
	if hg.changeLeft > 0 {
		e.armHostGroupTimer(hi, hg, e.randomDelay(hi.cfg.UnsolicitedReportInterval))
	}
	if e.timers.Active(hg.timer) {
		hg.state = DelayingMember
	} else {
		hg.state = IdleMember
	}
	return nil
}

// armHostGroupTimer schedules hg's report no later than delay from now.
// A report already due sooner is left alone.
func (e *Engine) armHostGroupTimer(hi *hostInterface, hg *hostGroup, delay time.Duration) {
	if rem, ok := e.timers.Remaining(hg.timer); ok && rem <= delay {
		return
	}
	hg.timer = e.timers.Schedule(timers.GroupKey(timers.HostGroup, hi.ifc.ID, hg.group), delay)
}

// hostHandleQuery schedules the answer to q following RFC 3376 Section
// 5.2. A pending answer to a general query that is due sooner than the
// chosen delay covers everything q could ask about.
func (e *Engine) hostHandleQuery(hi *hostInterface, q *messages.Query) {
	hi.routerVersion = 3
	if q.QRV > 0 {
		hi.robustness = q.QRV
	}

	delay := e.randomDelay(q.MaxResponseTime())
	if rem, ok := e.timers.Remaining(hi.generalTimer); ok && rem <= delay {
		return
	}

	if q.Kind() == messages.GeneralQuery {
		hi.generalTimer = e.timers.Schedule(timers.InterfaceKey(timers.HostGeneralQuery, hi.ifc.ID), delay)
		for _, hg := range hi.groups {
			if hg.state != NonMember {
				hg.state = DelayingMember
			}
		}
		return
	}

	hg := e.hostGroup(hi, q.Group)
	if hg == nil || hg.state == NonMember {
		return
	}
	queried := messages.Normalize(q.Sources)
	switch {
	case !hg.queryPending:
		hg.queried = queried
	case len(queried) == 0 || len(hg.queried) == 0:
		hg.queried = nil
	default:
		hg.queried = messages.Union(hg.queried, queried)
	}
	hg.queryPending = true
	e.armHostGroupTimer(hi, hg, delay)
	hg.state = DelayingMember
}

// hostGroupTimerFired answers a pending group or source query and sends
// the next retransmission of a pending state change, in one report.
func (e *Engine) hostGroupTimerFired(hi *hostInterface, hg *hostGroup) {
	var records []messages.GroupRecord
	if hg.queryPending {
		if hg.queried == nil {
			records = append(records, messages.CurrentStateRecord(hg.group, hg.filter, hg.sources))
		} else if rec, ok := messages.SourceQueryRecord(hg.group, hg.filter, hg.sources, hg.queried); ok {
			records = append(records, rec)
		}
		hg.queryPending = false
		hg.queried = nil
	}
	if hg.changeLeft > 0 {
		records = append(records, hg.change...)
		hg.changeLeft--
	}
	e.sendReport(hi, records)

	if hg.changeLeft > 0 {
		hg.timer = e.timers.Schedule(timers.GroupKey(timers.HostGroup, hi.ifc.ID, hg.group),
			e.randomDelay(hi.cfg.UnsolicitedReportInterval))
		hg.state = DelayingMember
		return
	}
	hg.change = nil
	hg.state = IdleMember
}

// hostGeneralTimerFired reports the current state of every group.
func (e *Engine) hostGeneralTimerFired(hi *hostInterface) {
	groups := make([]*hostGroup, 0, len(hi.groups))
	for _, hg := range hi.groups {
		if hg.state != NonMember {
			groups = append(groups, hg)
		}
	}
	slices.SortFunc(groups, func(a, b *hostGroup) int { return a.group.Compare(b.group) })

	records := make([]messages.GroupRecord, 0, len(groups))
	for _, hg := range groups {
		records = append(records, messages.CurrentStateRecord(hg.group, hg.filter, hg.sources))
	}
	e.sendReport(hi, records)
	for _, hg := range groups {
		if !e.timers.Active(hg.timer) {
			hg.state = IdleMember
		}
	}
}

func (e *Engine) sendReport(hi *hostInterface, records []messages.GroupRecord) {
	if len(records) == 0 {
		return
	}
	for _, report := range messages.SplitRecords(records, hi.ifc.mtu()-ipv4HeaderLen) {
		payload, err := report.MarshalBinary()
		if err != nil {
			e.logIface(hi.ifc).WithError(err).Warn("failed to build report")
			continue
		}
		if !e.send(hi.ifc, payload, messages.AllV3RoutersAddr) {
			continue
		}
		e.stats.ReportsSent.Inc()
		e.stats.RecordsSent.Add(uint64(len(report.Records)))
		e.logIface(hi.ifc).WithField("records", len(report.Records)).Debug("sent report")
	}
}
