package igmp

import (
	"net/netip"
	"slices"
	"time"

	"github.com/blockcast/go-igmp/messages"
	"github.com/blockcast/go-igmp/timers"
	"github.com/sirupsen/logrus"
)

// routerHandleRecord applies one group record to the router's state.
//
// In INCLUDE mode every source of the group is forwarded and has a
// running timer. In EXCLUDE mode X holds the sources with a running
// timer (still forwarded) and Y the sources without one (blocked).
//
//	INCLUDE(A) IS_IN(B)  INCLUDE(A+B)        (B)=GMI
//	INCLUDE(A) IS_EX(B)  EXCLUDE(A*B, B-A)   (B-A)=0, Delete(A-B), GT=GMI
//	EXCLUDE(X,Y) IS_IN(A)  EXCLUDE(X+A, Y-A) (A)=GMI
//	EXCLUDE(X,Y) IS_EX(A)  EXCLUDE(A-Y, Y*A) (A-X-Y)=GMI, Delete(X-A), Delete(Y-A), GT=GMI
//
//	INCLUDE(A) ALLOW(B)  INCLUDE(A+B)        (B)=GMI
//	INCLUDE(A) BLOCK(B)  INCLUDE(A)          Send Q(G,A*B)
//	INCLUDE(A) TO_EX(B)  EXCLUDE(A*B, B-A)   (B-A)=0, Delete(A-B), Send Q(G,A*B), GT=GMI
//	INCLUDE(A) TO_IN(B)  INCLUDE(A+B)        (B)=GMI, Send Q(G,A-B)
//	EXCLUDE(X,Y) ALLOW(A)  EXCLUDE(X+A, Y-A)      (A)=GMI
//	EXCLUDE(X,Y) BLOCK(A)  EXCLUDE(X+(A-Y), Y)    (A-X-Y)=GT, Send Q(G,A-Y)
//	EXCLUDE(X,Y) TO_EX(A)  EXCLUDE(A-Y, Y*A)      (A-X-Y)=GT, Delete(X-A), Delete(Y-A), Send Q(G,A-Y), GT=GMI
//	EXCLUDE(X,Y) TO_IN(A)  EXCLUDE(X+A, Y-A)      (A)=GMI, Send Q(G,X-A), Send Q(G)
func (e *Engine) routerHandleRecord(ri *routerInterface, rec messages.GroupRecord) {
	srcs := messages.Normalize(rec.Sources)
	g := e.routerGroup(ri, rec.Group)
	if g == nil {
		switch rec.Type {
		case messages.BlockOldSources:
			return
		case messages.ModeIsInclude, messages.AllowNewSources, messages.ChangeToIncludeMode:
			if len(srcs) == 0 {
				return
			}
		}
		g = e.createRouterGroup(ri, rec.Group)
		g.state = MembersPresent
	}

	cfg := ri.effectiveConfig()
	e.logIface(ri.ifc).WithFields(logrus.Fields{
		"group":   g.group,
		"record":  rec.Type,
		"sources": srcs,
		"mode":    g.filter,
	}).Debug("applying group record")

	if g.filter == Include {
		e.includeRecord(ri, g, rec.Type, srcs, cfg)
	} else {
		e.excludeRecord(ri, g, rec.Type, srcs, cfg)
	}
	e.updateGroup(ri, g)
}

func (e *Engine) includeRecord(ri *routerInterface, g *routerGroup, t messages.RecordType, b []netip.Addr, cfg Config) {
	a := e.forwarding(g)
	switch t {
	case messages.ModeIsInclude, messages.AllowNewSources:
		e.setSourceTimers(ri, g, b, cfg.GroupMembershipInterval)
	case messages.ChangeToIncludeMode:
		e.setSourceTimers(ri, g, b, cfg.GroupMembershipInterval)
		e.querySources(ri, g, messages.Difference(a, b), cfg)
	case messages.BlockOldSources:
		e.querySources(ri, g, messages.Intersect(a, b), cfg)
	case messages.ModeIsExclude, messages.ChangeToExcludeMode:
		for _, src := range messages.Difference(a, b) {
			e.deleteSource(g, g.sources[src])
		}
		for _, src := range messages.Difference(b, a) {
			e.createSource(g, src)
		}
		g.filter = Exclude
		e.setGroupTimer(ri, g, cfg.GroupMembershipInterval)
		if t == messages.ChangeToExcludeMode {
			e.querySources(ri, g, messages.Intersect(a, b), cfg)
		}
	}
}

func (e *Engine) excludeRecord(ri *routerInterface, g *routerGroup, t messages.RecordType, a []netip.Addr, cfg Config) {
	x, y := e.forwarding(g), e.blocked(g)
	switch t {
	case messages.ModeIsInclude, messages.AllowNewSources:
		e.setSourceTimers(ri, g, a, cfg.GroupMembershipInterval)
	case messages.ChangeToIncludeMode:
		e.setSourceTimers(ri, g, a, cfg.GroupMembershipInterval)
		e.querySources(ri, g, messages.Difference(x, a), cfg)
		e.queryGroup(ri, g, cfg)
	case messages.BlockOldSources:
		gt, _ := e.timers.Remaining(g.timer)
		e.setSourceTimers(ri, g, messages.Difference(messages.Difference(a, x), y), gt)
		e.querySources(ri, g, messages.Difference(a, y), cfg)
	case messages.ModeIsExclude, messages.ChangeToExcludeMode:
		delay := cfg.GroupMembershipInterval
		if t == messages.ChangeToExcludeMode {
			delay, _ = e.timers.Remaining(g.timer)
		}
		e.setSourceTimers(ri, g, messages.Difference(messages.Difference(a, x), y), delay)
		for _, src := range messages.Difference(x, a) {
			e.deleteSource(g, g.sources[src])
		}
		for _, src := range messages.Difference(y, a) {
			e.deleteSource(g, g.sources[src])
		}
		e.setGroupTimer(ri, g, cfg.GroupMembershipInterval)
		if t == messages.ChangeToExcludeMode {
			e.querySources(ri, g, messages.Difference(a, y), cfg)
		}
	}
}

func (e *Engine) setSourceTimers(ri *routerInterface, g *routerGroup, srcs []netip.Addr, d time.Duration) {
	for _, src := range srcs {
		s := e.createSource(g, src)
		s.timer = e.timers.Schedule(timers.SourceKey(timers.RouterSource, ri.ifc.ID, g.group, src), d)
	}
}

func (e *Engine) setGroupTimer(ri *routerInterface, g *routerGroup, d time.Duration) {
	g.timer = e.timers.Schedule(timers.GroupKey(timers.RouterGroup, ri.ifc.ID, g.group), d)
}

// lowerTimer moves h to fire within d if it would fire later.
func (e *Engine) lowerTimer(h timers.Handle, d time.Duration) timers.Handle {
	if rem, ok := e.timers.Remaining(h); ok && rem > d {
		return e.timers.Schedule(h.Key(), d)
	}
	return h
}

// updateGroup settles g after a change: an INCLUDE group without sources
// is deleted, and the sink hears about any change of the effective
// membership.
func (e *Engine) updateGroup(ri *routerInterface, g *routerGroup) {
	if g.filter == Include && len(g.sources) == 0 {
		e.deleteRouterGroup(ri, g)
		return
	}
	if g.retransmitsLeft > 0 {
		g.state = CheckingMembership
	} else {
		g.state = MembersPresent
	}
	mode, srcs := e.effective(g)
	if mode != g.notifiedMode || !slices.Equal(srcs, g.notifiedSources) {
		e.notify(ri, g.group, mode, srcs)
	}
}

// querySources starts or extends the last member query cycle for srcs:
// their timers drop to the Last Member Query Time and a group-and-source
// specific query goes out now, then Last Member Query Count - 1 more
// times. Only a querier does this.
func (e *Engine) querySources(ri *routerInterface, g *routerGroup, srcs []netip.Addr, cfg Config) {
	if len(srcs) == 0 || ri.state == NonQuerier {
		return
	}
	lmqt := cfg.LastMemberQueryTime()
	for _, src := range srcs {
		if s := g.sources[src]; s != nil {
			s.timer = e.lowerTimer(s.timer, lmqt)
		}
	}
	g.querySources = messages.Union(g.querySources, srcs)
	e.sendSourceQueries(ri, g, srcs, cfg)
	e.startRetransmit(ri, g, cfg)
}

// queryGroup is querySources for the whole group.
func (e *Engine) queryGroup(ri *routerInterface, g *routerGroup, cfg Config) {
	if ri.state == NonQuerier {
		return
	}
	lmqt := cfg.LastMemberQueryTime()
	g.timer = e.lowerTimer(g.timer, lmqt)
	g.queryGroup = true
	rem, _ := e.timers.Remaining(g.timer)
	e.sendQuery(ri, g.group, nil, cfg.LastMemberQueryInterval, rem > lmqt, cfg)
	e.startRetransmit(ri, g, cfg)
}

func (e *Engine) startRetransmit(ri *routerInterface, g *routerGroup, cfg Config) {
	g.retransmitsLeft = max(g.retransmitsLeft, cfg.LastMemberQueryCount-1)
	if g.retransmitsLeft > 0 && !e.timers.Active(g.retransmit) {
		g.retransmit = e.timers.Schedule(timers.GroupKey(timers.RouterQueryRetransmit, ri.ifc.ID, g.group),
			cfg.LastMemberQueryInterval)
	}
}

// sendSourceQueries sends up to two queries about srcs: one with the
// Suppress Router-Side Processing flag for sources whose timers are
// above the Last Member Query Time, and one without for the rest.
func (e *Engine) sendSourceQueries(ri *routerInterface, g *routerGroup, srcs []netip.Addr, cfg Config) {
	lmqt := cfg.LastMemberQueryTime()
	var suppressed, plain []netip.Addr
	for _, src := range srcs {
		s := g.sources[src]
		if s == nil {
			continue
		}
		if rem, ok := e.timers.Remaining(s.timer); ok && rem > lmqt {
			suppressed = append(suppressed, src)
		} else {
			plain = append(plain, src)
		}
	}
	perQuery := max(1, (ri.ifc.mtu()-ipv4HeaderLen-messages.QueryMinLen)/4)
	for _, batch := range []struct {
		srcs []netip.Addr
		s    bool
	}{{suppressed, true}, {plain, false}} {
		for start := 0; start < len(batch.srcs); start += perQuery {
			end := min(start+perQuery, len(batch.srcs))
			e.sendQuery(ri, g.group, batch.srcs[start:end], cfg.LastMemberQueryInterval, batch.s, cfg)
		}
	}
}

func (e *Engine) routerRetransmitTimerFired(ri *routerInterface, g *routerGroup) {
	cfg := ri.effectiveConfig()
	if ri.state != NonQuerier {
		if g.queryGroup {
			rem, _ := e.timers.Remaining(g.timer)
			e.sendQuery(ri, g.group, nil, cfg.LastMemberQueryInterval, rem > cfg.LastMemberQueryTime(), cfg)
		}
		if len(g.querySources) > 0 {
			e.sendSourceQueries(ri, g, g.querySources, cfg)
		}
	}
	g.retransmitsLeft--
	if g.retransmitsLeft > 0 && ri.state != NonQuerier {
		g.retransmit = e.timers.Schedule(timers.GroupKey(timers.RouterQueryRetransmit, ri.ifc.ID, g.group),
			cfg.LastMemberQueryInterval)
	} else {
		g.retransmitsLeft = 0
		g.queryGroup = false
		g.querySources = nil
	}
	e.settleExpired(ri, g)
}

// routerGroupTimerFired handles expiry of an EXCLUDE mode group: with no
// source timers left the group has no members, otherwise it falls back
// to INCLUDE mode with the sources still timed.
func (e *Engine) routerGroupTimerFired(ri *routerInterface, g *routerGroup) {
	if g.filter != Exclude {
		e.settleExpired(ri, g)
		return
	}
	log := e.logIface(ri.ifc).WithField("group", g.group)
	if len(e.forwarding(g)) == 0 {
		log.Debug("group expired")
		e.deleteRouterGroup(ri, g)
		return
	}
	for _, src := range e.blocked(g) {
		e.deleteSource(g, g.sources[src])
	}
	g.filter = Include
	log.Debug("group timer expired, switching to include mode")
	e.settleExpired(ri, g)
}

// routerSourceTimerFired drops an expired INCLUDE mode source. In
// EXCLUDE mode the source stays, now blocked.
func (e *Engine) routerSourceTimerFired(ri *routerInterface, g *routerGroup, s *sourceRecord) {
	if g.filter == Include {
		e.deleteSource(g, s)
	}
	e.settleExpired(ri, g)
}

// settleExpired is updateGroup for timer expiry. While another timer of
// g is due at the same instant the update waits for it, so timers
// sharing a deadline produce a single sink update.
func (e *Engine) settleExpired(ri *routerInterface, g *routerGroup) {
	due := func(h timers.Handle) bool {
		rem, ok := e.timers.Remaining(h)
		return ok && rem <= 0
	}
	if due(g.timer) || due(g.retransmit) {
		return
	}
	for _, s := range g.sources {
		if due(s.timer) {
			return
		}
	}
	e.updateGroup(ri, g)
}

// routerHandleQuery runs querier election (the lowest address wins) and,
// as a non-querier, lowers timers for group and source queries without
// the Suppress Router-Side Processing flag.
func (e *Engine) routerHandleQuery(ri *routerInterface, q *messages.Query, src netip.Addr) {
	if !src.IsValid() || src == ri.ifc.Addr {
		return
	}
	if src.Less(ri.ifc.Addr) {
		if ri.state != NonQuerier || ri.querier != src {
			e.logIface(ri.ifc).WithFields(logrus.Fields{
				"role":    "router",
				"querier": src,
				"was":     ri.state,
			}).Info("other querier present")
		}
		ri.state = NonQuerier
		ri.querier = src
		ri.startupLeft = 0
		e.timers.Cancel(ri.generalTimer)
		if q.QRV > 0 {
			ri.robustness = q.QRV
		}
		if q.QQIC > 0 {
			ri.queryInterval = q.QueryInterval()
		}
		ri.otherQuerierTimer = e.timers.Schedule(timers.InterfaceKey(timers.RouterOtherQuerier, ri.ifc.ID),
			ri.effectiveConfig().OtherQuerierPresentInterval)
	}

	if ri.state != NonQuerier || q.SuppressRouterProcessing || q.Kind() == messages.GeneralQuery {
		return
	}
	g := e.routerGroup(ri, q.Group)
	if g == nil {
		return
	}
	lmqt := q.MaxResponseTime() * time.Duration(ri.effectiveConfig().LastMemberQueryCount)
	if len(q.Sources) == 0 {
		g.timer = e.lowerTimer(g.timer, lmqt)
		return
	}
	for _, src := range messages.Normalize(q.Sources) {
		if s := g.sources[src]; s != nil {
			s.timer = e.lowerTimer(s.timer, lmqt)
		}
	}
}

// routerGeneralQueryTimerFired sends a general query. A router still in
// INITIAL sends Startup Query Count of them Startup Query Interval apart
// before settling as querier.
func (e *Engine) routerGeneralQueryTimerFired(ri *routerInterface) {
	if ri.state == NonQuerier {
		return
	}
	cfg := ri.cfg
	e.sendQuery(ri, netip.Addr{}, nil, cfg.QueryResponseInterval, false, cfg)
	key := timers.InterfaceKey(timers.RouterGeneralQuery, ri.ifc.ID)
	if ri.state == Initial {
		ri.startupLeft--
		if ri.startupLeft > 0 {
			ri.generalTimer = e.timers.Schedule(key, cfg.StartupQueryInterval)
			return
		}
		ri.state = Querier
		e.logIface(ri.ifc).WithField("role", "router").Info("became querier")
	}
	ri.generalTimer = e.timers.Schedule(key, cfg.QueryInterval)
}

// otherQuerierTimerFired takes over as querier once the previous one has
// gone quiet.
func (e *Engine) otherQuerierTimerFired(ri *routerInterface) {
	if ri.state != NonQuerier {
		return
	}
	e.logIface(ri.ifc).WithFields(logrus.Fields{"role": "router", "previous": ri.querier}).Info("querier timed out, taking over")
	ri.state = Querier
	ri.querier = ri.ifc.Addr
	ri.robustness = 0
	ri.queryInterval = 0
	e.routerGeneralQueryTimerFired(ri)
}

func (e *Engine) sendQuery(ri *routerInterface, group netip.Addr, srcs []netip.Addr, maxResp time.Duration, suppress bool, cfg Config) {
	q := messages.Query{
		MaxRespCode:              messages.EncodeTime(maxResp),
		Group:                    group,
		SuppressRouterProcessing: suppress,
		QRV:                      cfg.qrv(),
		QQIC:                     messages.EncodeInterval(cfg.QueryInterval),
		Sources:                  srcs,
	}
	payload, err := q.MarshalBinary()
	if err != nil {
		e.logIface(ri.ifc).WithError(err).Warn("failed to build query")
		return
	}
	dst := group
	if q.Kind() == messages.GeneralQuery {
		dst = messages.AllSystemsGroup
	}
	if !e.send(ri.ifc, payload, dst) {
		return
	}
	switch q.Kind() {
	case messages.GeneralQuery:
		e.stats.GeneralQueriesSent.Inc()
	case messages.GroupSpecificQuery:
		e.stats.GroupQueriesSent.Inc()
	default:
		e.stats.SourceQueriesSent.Inc()
	}
	e.logIface(ri.ifc).WithFields(logrus.Fields{
		"group":    group,
		"sources":  srcs,
		"suppress": suppress,
	}).Debug("sent query")
}
