package igmp

import (
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"slices"
	"time"

	"github.com/blockcast/go-igmp/messages"
	"github.com/blockcast/go-igmp/timers"
	"github.com/sirupsen/logrus"
)

// Transport sends IGMP payloads on an interface. The IP header, with TTL
// 1 and the Router Alert option, is the transport's business.
type Transport interface {
	SendDatagram(payload []byte, dst netip.Addr, ifID int) error
}

// ForwardingSink is told whenever a router group's effective membership
// changes. sources are the forwarded sources in INCLUDE mode and the
// blocked ones in EXCLUDE mode; INCLUDE with no sources means the group
// has no members left on the interface.
type ForwardingSink interface {
	MembershipChanged(ifID int, group netip.Addr, sources []netip.Addr, mode FilterMode)
}

type Options struct {
	Transport Transport
	// Sink may be nil.
	Sink   ForwardingSink
	Logger logrus.FieldLogger
	// Rand picks report and response delays. Seed it for reproducible
	// runs.
	Rand *rand.Rand
	// Now is the engine's initial time; it defaults to time.Now().
	Now time.Time
}

// Engine runs the host and router sides of IGMPv3 on any number of
// interfaces. It is driven entirely by its callers: datagrams through
// HandleDatagram, local interest through SetInterest and time through
// Tick or Advance. It never blocks and is not safe for concurrent use;
// see Node for a goroutine-owned wrapper.
type Engine struct {
	transport Transport
	sink      ForwardingSink
	log       logrus.FieldLogger
	rand      *rand.Rand
	timers    *timers.Queue

	hosts   map[int]*hostInterface
	routers map[int]*routerInterface

	stats Stats
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		transport: opts.Transport,
		sink:      opts.Sink,
		log:       opts.Logger,
		rand:      opts.Rand,
		hosts:     make(map[int]*hostInterface),
		routers:   make(map[int]*routerInterface),
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	if e.rand == nil {
		e.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	e.timers = timers.New(now)
	return e
}

func (e *Engine) Stats() *Stats { return &e.stats }

func (e *Engine) Now() time.Time { return e.timers.Now() }

// NextDeadline returns when the next timer fires.
func (e *Engine) NextDeadline() (time.Time, bool) { return e.timers.Next() }

// PendingTimers returns the number of armed timers.
func (e *Engine) PendingTimers() int { return e.timers.Len() }

// Tick fires every timer due at now, in deadline order, and returns how
// many fired.
func (e *Engine) Tick(now time.Time) int { return e.timers.Advance(now, e.fire) }

// Advance moves the engine's clock forward by d.
func (e *Engine) Advance(d time.Duration) int { return e.Tick(e.Now().Add(d)) }

func (e *Engine) prepare(ifc Interface, cfg Config) (Config, error) {
	if err := ifc.validate(); err != nil {
		return cfg, err
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("interface %d: %w", ifc.ID, err)
	}
	return cfg, nil
}

// EnableHost starts the host role on ifc.
func (e *Engine) EnableHost(ifc Interface, cfg Config) error {
	cfg, err := e.prepare(ifc, cfg)
	if err != nil {
		return err
	}
	if _, ok := e.hosts[ifc.ID]; ok {
		return fmt.Errorf("%w: host on %d", ErrInterfaceExists, ifc.ID)
	}
	e.hosts[ifc.ID] = &hostInterface{
		ifc:           ifc,
		cfg:           cfg,
		groups:        make(map[netip.Addr]*hostGroup),
		routerVersion: 3,
	}
	e.logIface(ifc).WithField("role", "host").Info("igmp enabled")
	return nil
}

// EnableRouter starts the router role on ifc. The router starts as
// INITIAL and sends its first startup query right away.
func (e *Engine) EnableRouter(ifc Interface, cfg Config) error {
	cfg, err := e.prepare(ifc, cfg)
	if err != nil {
		return err
	}
	if !ifc.Addr.IsValid() {
		return fmt.Errorf("%w: router on %d needs an address", ErrInvalidInterface, ifc.ID)
	}
	if _, ok := e.routers[ifc.ID]; ok {
		return fmt.Errorf("%w: router on %d", ErrInterfaceExists, ifc.ID)
	}
	ri := &routerInterface{
		ifc:         ifc,
		cfg:         cfg,
		state:       Initial,
		groups:      make(map[netip.Addr]*routerGroup),
		startupLeft: cfg.StartupQueryCount,
		querier:     ifc.Addr,
	}
	e.routers[ifc.ID] = ri
	e.logIface(ifc).WithField("role", "router").Info("igmp enabled")
	e.routerGeneralQueryTimerFired(ri)
	return nil
}

// DisableHost stops the host role on ifID, dropping every membership
// without sending leave reports.
func (e *Engine) DisableHost(ifID int) error {
	hi := e.hostInterface(ifID)
	if hi == nil {
		return e.missingRole(ifID, "host")
	}
	e.deleteHostInterface(hi)
	e.logIface(hi.ifc).WithField("role", "host").Info("igmp disabled")
	return nil
}

// DisableRouter stops the router role on ifID. The sink is told every
// group on the interface is gone.
func (e *Engine) DisableRouter(ifID int) error {
	ri := e.routerInterface(ifID)
	if ri == nil {
		return e.missingRole(ifID, "router")
	}
	e.deleteRouterInterface(ri)
	e.logIface(ri.ifc).WithField("role", "router").Info("igmp disabled")
	return nil
}

// RemoveInterface disables both roles on ifID. It reports whether
// anything was running there.
func (e *Engine) RemoveInterface(ifID int) bool {
	found := false
	if e.DisableHost(ifID) == nil {
		found = true
	}
	if e.DisableRouter(ifID) == nil {
		found = true
	}
	return found
}

// UpdateInterface records a new name, address or MTU for an enabled
// interface. A querier keeps its role under the new address; election
// settles again with the next query heard.
func (e *Engine) UpdateInterface(ifc Interface) error {
	if err := ifc.validate(); err != nil {
		return err
	}
	hi, ri := e.hostInterface(ifc.ID), e.routerInterface(ifc.ID)
	if hi == nil && ri == nil {
		return fmt.Errorf("%w: %d", ErrUnknownInterface, ifc.ID)
	}
	if hi != nil {
		hi.ifc = ifc
	}
	if ri != nil && ri.ifc != ifc {
		changed := ri.ifc.Addr != ifc.Addr
		ri.ifc = ifc
		if changed && ifc.Addr.IsValid() && ri.state == Querier {
			ri.querier = ifc.Addr
		}
	}
	return nil
}

// Reinitialize disables every interface and zeroes the counters.
func (e *Engine) Reinitialize() {
	for _, hi := range e.hosts {
		e.deleteHostInterface(hi)
	}
	for _, ri := range e.routers {
		e.deleteRouterInterface(ri)
	}
	e.stats.Reset()
}

// HandleDatagram processes one IGMP payload received from src on ifID.
// Invalid payloads are counted and dropped.
func (e *Engine) HandleDatagram(payload []byte, src netip.Addr, ifID int) {
	hi, ri := e.hostInterface(ifID), e.routerInterface(ifID)
	log := e.log.WithFields(logrus.Fields{"iface": ifID, "source": src})
	if traceEnabled(e.log) {
		log.Trace(messages.Dump(payload))
	}

	msg, err := messages.Parse(payload)
	if err != nil {
		switch {
		case errors.Is(err, messages.ErrBadChecksum):
			e.stats.BadChecksum.Inc()
		case errors.Is(err, messages.ErrUnsupportedVersion):
			e.stats.Unsupported.Inc()
			if hi != nil && payload[0] == byte(messages.MembershipQueryType) {
				hi.routerVersion = min(hi.routerVersion, messages.LegacyVersion(payload))
			}
		default:
			e.stats.Malformed.Inc()
		}
		log.WithError(err).Debug("dropping igmp datagram")
		return
	}

	switch m := msg.(type) {
	case *messages.Query:
		switch m.Kind() {
		case messages.GeneralQuery:
			e.stats.GeneralQueriesRecv.Inc()
		case messages.GroupSpecificQuery:
			e.stats.GroupQueriesRecv.Inc()
		default:
			e.stats.SourceQueriesRecv.Inc()
		}
		log.WithFields(logrus.Fields{"group": m.Group, "kind": m.Kind()}).Debug("received query")
		if hi == nil && ri == nil {
			e.stats.Ignored.Inc()
			return
		}
		if hi != nil {
			e.hostHandleQuery(hi, m)
		}
		if ri != nil {
			e.routerHandleQuery(ri, m, src)
		}
	case *messages.Report:
		e.stats.ReportsRecv.Inc()
		e.stats.RecordsRecv.Add(uint64(len(m.Records)))
		log.WithField("records", len(m.Records)).Debug("received report")
		if ri == nil {
			// Version 3 hosts do not suppress on overheard reports.
			e.stats.Ignored.Inc()
			return
		}
		for _, rec := range m.Records {
			e.routerHandleRecord(ri, rec)
		}
	}
}

func (e *Engine) fire(key timers.Key) {
	e.log.WithField("timer", key).Debug("timer fired")
	switch key.Kind {
	case timers.HostGeneralQuery:
		if hi := e.hostInterface(key.Interface); hi != nil {
			e.hostGeneralTimerFired(hi)
		}
	case timers.HostGroup:
		if hi := e.hostInterface(key.Interface); hi != nil {
			if hg := e.hostGroup(hi, key.Group); hg != nil {
				e.hostGroupTimerFired(hi, hg)
			}
		}
	case timers.RouterGeneralQuery:
		if ri := e.routerInterface(key.Interface); ri != nil {
			e.routerGeneralQueryTimerFired(ri)
		}
	case timers.RouterOtherQuerier:
		if ri := e.routerInterface(key.Interface); ri != nil {
			e.otherQuerierTimerFired(ri)
		}
	case timers.RouterGroup:
		if ri := e.routerInterface(key.Interface); ri != nil {
			if g := e.routerGroup(ri, key.Group); g != nil {
				e.routerGroupTimerFired(ri, g)
			}
		}
	case timers.RouterSource:
		if ri := e.routerInterface(key.Interface); ri != nil {
			if g := e.routerGroup(ri, key.Group); g != nil {
				if s := e.source(g, key.Source); s != nil {
					e.routerSourceTimerFired(ri, g, s)
				}
			}
		}
	case timers.RouterQueryRetransmit:
		if ri := e.routerInterface(key.Interface); ri != nil {
			if g := e.routerGroup(ri, key.Group); g != nil {
				e.routerRetransmitTimerFired(ri, g)
			}
		}
	}
}

// missingRole explains why role is not running on ifID: the interface
// runs only the other role, or nothing at all.
func (e *Engine) missingRole(ifID int, role string) error {
	if e.hosts[ifID] != nil || e.routers[ifID] != nil {
		return fmt.Errorf("%w: %s on %d", ErrRoleDisabled, role, ifID)
	}
	return fmt.Errorf("%w: %d", ErrUnknownInterface, ifID)
}

// randomDelay picks a delay in [0, max).
func (e *Engine) randomDelay(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(e.rand.Int63n(int64(max)))
}

func (e *Engine) send(ifc Interface, payload []byte, dst netip.Addr) bool {
	if e.transport == nil {
		return true
	}
	if err := e.transport.SendDatagram(payload, dst, ifc.ID); err != nil {
		e.stats.SendErrors.Inc()
		e.logIface(ifc).WithError(err).WithField("dst", dst).Warn("failed to send igmp message")
		return false
	}
	return true
}

func (e *Engine) notify(ri *routerInterface, group netip.Addr, mode FilterMode, sources []netip.Addr) {
	if g := ri.groups[group]; g != nil {
		g.notifiedMode, g.notifiedSources = mode, sources
	}
	e.stats.MembershipChanges.Inc()
	e.logIface(ri.ifc).WithFields(logrus.Fields{
		"group":   group,
		"mode":    mode,
		"sources": sources,
	}).Debug("membership changed")
	if e.sink != nil {
		e.sink.MembershipChanged(ri.ifc.ID, group, slices.Clone(sources), mode)
	}
}

func traceEnabled(log logrus.FieldLogger) bool {
	switch l := log.(type) {
	case *logrus.Logger:
		return l.IsLevelEnabled(logrus.TraceLevel)
	case *logrus.Entry:
		return l.Logger.IsLevelEnabled(logrus.TraceLevel)
	}
	return false
}

func (e *Engine) logIface(ifc Interface) logrus.FieldLogger {
	return e.log.WithFields(logrus.Fields{"iface": ifc.Name, "ifindex": ifc.ID})
}

// Membership is a router's view of one group on an interface.
type Membership struct {
	Interface int
	Group     netip.Addr
	Mode      FilterMode
	// Sources is the effective list: forwarded sources in INCLUDE mode,
	// blocked sources in EXCLUDE mode.
	Sources []netip.Addr
	// Forwarding lists the EXCLUDE mode sources still timed separately.
	Forwarding []netip.Addr
	State      RouterGroupState
	// Expires is the group timer's remaining time, zero in INCLUDE mode.
	Expires time.Duration
}

// Membership returns the router's effective membership of group on ifID.
func (e *Engine) Membership(ifID int, group netip.Addr) (Membership, bool) {
	ri := e.routerInterface(ifID)
	if ri == nil {
		return Membership{}, false
	}
	g := e.routerGroup(ri, group)
	if g == nil {
		return Membership{}, false
	}
	return e.membership(ri, g), true
}

func (e *Engine) membership(ri *routerInterface, g *routerGroup) Membership {
	m := Membership{Interface: ri.ifc.ID, Group: g.group, State: g.state}
	m.Mode, m.Sources = e.effective(g)
	if g.filter == Exclude {
		m.Forwarding = e.forwarding(g)
		m.Expires, _ = e.timers.Remaining(g.timer)
	}
	return m
}

// Groups returns every router group on ifID ordered by address.
func (e *Engine) Groups(ifID int) []Membership {
	ri := e.routerInterface(ifID)
	if ri == nil {
		return nil
	}
	out := make([]Membership, 0, len(ri.groups))
	for _, g := range ri.groups {
		out = append(out, e.membership(ri, g))
	}
	slices.SortFunc(out, func(a, b Membership) int { return a.Group.Compare(b.Group) })
	return out
}

// HostMembership is a host's interest in one group.
type HostMembership struct {
	Group   netip.Addr
	Mode    FilterMode
	Sources []netip.Addr
	State   HostGroupState
}

func (e *Engine) HostGroup(ifID int, group netip.Addr) (HostMembership, bool) {
	hi := e.hostInterface(ifID)
	if hi == nil {
		return HostMembership{}, false
	}
	hg := e.hostGroup(hi, group)
	if hg == nil {
		return HostMembership{}, false
	}
	return HostMembership{Group: hg.group, Mode: hg.filter, Sources: slices.Clone(hg.sources), State: hg.state}, true
}

// RouterState returns the querier election state of ifID and the
// address of the current querier.
func (e *Engine) RouterState(ifID int) (RouterState, netip.Addr, bool) {
	ri := e.routerInterface(ifID)
	if ri == nil {
		return Initial, netip.Addr{}, false
	}
	return ri.state, ri.querier, true
}

// RouterVersion returns the lowest IGMP version heard in queries on a
// host interface since the last Version 3 query.
func (e *Engine) RouterVersion(ifID int) (int, bool) {
	hi := e.hostInterface(ifID)
	if hi == nil {
		return 0, false
	}
	return hi.routerVersion, true
}
