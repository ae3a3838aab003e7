package igmp

import (
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/blockcast/go-igmp/messages"
	"github.com/blockcast/go-igmp/timers"
)

type FilterMode = messages.FilterMode

const (
	Include = messages.Include
	Exclude = messages.Exclude
)

// HostGroupState is the state of a host's membership in one group.
type HostGroupState uint8

const (
	NonMember HostGroupState = iota
	DelayingMember
	IdleMember
)

func (s HostGroupState) String() string {
	switch s {
	case NonMember:
		return "NON_MEMBER"
	case DelayingMember:
		return "DELAYING_MEMBER"
	case IdleMember:
		return "IDLE_MEMBER"
	default:
		return fmt.Sprintf("HostGroupState(%d)", uint8(s))
	}
}

// RouterState is the querier election state of a router interface.
type RouterState uint8

const (
	Initial RouterState = iota
	Querier
	NonQuerier
)

func (s RouterState) String() string {
	switch s {
	case Initial:
		return "INITIAL"
	case Querier:
		return "QUERIER"
	case NonQuerier:
		return "NON_QUERIER"
	default:
		return fmt.Sprintf("RouterState(%d)", uint8(s))
	}
}

// RouterGroupState tells whether a router believes a group has members.
type RouterGroupState uint8

const (
	NoMembersPresent RouterGroupState = iota
	MembersPresent
	CheckingMembership
)

func (s RouterGroupState) String() string {
	switch s {
	case NoMembersPresent:
		return "NO_MEMBERS_PRESENT"
	case MembersPresent:
		return "MEMBERS_PRESENT"
	case CheckingMembership:
		return "CHECKING_MEMBERSHIP"
	default:
		return fmt.Sprintf("RouterGroupState(%d)", uint8(s))
	}
}

// Interface describes a link the engine runs on. Addr is the primary
// IPv4 address: the source of sent messages and the key of querier
// election.
type Interface struct {
	ID   int
	Name string
	Addr netip.Addr
	MTU  int
}

func (ifc Interface) validate() error {
	if ifc.ID <= 0 {
		return fmt.Errorf("%w: id %d", ErrInvalidInterface, ifc.ID)
	}
	if ifc.Addr.IsValid() && !ifc.Addr.Is4() {
		return fmt.Errorf("%w: %s is not an ipv4 address", ErrInvalidInterface, ifc.Addr)
	}
	return nil
}

func (ifc Interface) mtu() int {
	if ifc.MTU <= 0 {
		return 1500
	}
	return ifc.MTU
}

// hostGroup is the host's membership in one group.
type hostGroup struct {
	group   netip.Addr
	filter  FilterMode
	sources []netip.Addr
	state   HostGroupState
	timer   timers.Handle

	// queryPending is set while a group or source query awaits an
	// answer; queried holds the sources asked about, nil meaning the
	// whole group.
	queryPending bool
	queried      []netip.Addr

	// change holds the last state-change records, retransmitted while
	// changeLeft is positive.
	change     []messages.GroupRecord
	changeLeft int
}

type hostInterface struct {
	ifc    Interface
	cfg    Config
	groups map[netip.Addr]*hostGroup

	generalTimer timers.Handle

	// routerVersion is the lowest IGMP version heard in queries since
	// the last Version 3 query.
	routerVersion int
	// learned from the querier's QRV
	robustness uint8
}

func (hi *hostInterface) retransmissions() int {
	if hi.robustness > 0 {
		return int(hi.robustness)
	}
	return int(hi.cfg.Robustness)
}

type sourceRecord struct {
	source netip.Addr
	timer  timers.Handle
}

type routerGroup struct {
	group   netip.Addr
	filter  FilterMode
	state   RouterGroupState
	timer   timers.Handle
	sources map[netip.Addr]*sourceRecord

	// Last member query cycle. retransmitsLeft counts queries still to
	// send; queryGroup and querySources say what they ask about.
	retransmit      timers.Handle
	retransmitsLeft int
	queryGroup      bool
	querySources    []netip.Addr

	// last membership handed to the sink
	notifiedMode    FilterMode
	notifiedSources []netip.Addr
}

type routerInterface struct {
	ifc    Interface
	cfg    Config
	state  RouterState
	groups map[netip.Addr]*routerGroup

	generalTimer      timers.Handle
	otherQuerierTimer timers.Handle
	startupLeft       int
	querier           netip.Addr

	// querier's robustness and query interval, adopted as non-querier
	robustness    uint8
	queryInterval time.Duration
}

// effectiveConfig is the interface config with any values learned from
// the current querier.
func (ri *routerInterface) effectiveConfig() Config {
	cfg := ri.cfg
	if ri.state != NonQuerier {
		return cfg
	}
	if ri.robustness > 0 {
		cfg.Robustness = ri.robustness
	}
	if ri.queryInterval > 0 {
		cfg.QueryInterval = ri.queryInterval
	}
	cfg.GroupMembershipInterval = 0
	cfg.OtherQuerierPresentInterval = 0
	cfg.LastMemberQueryCount = 0
	cfg.StartupQueryCount = ri.cfg.StartupQueryCount
	cfg.StartupQueryInterval = ri.cfg.StartupQueryInterval
	return cfg.Normalize()
}

// Host records.

func (e *Engine) hostInterface(ifID int) *hostInterface { return e.hosts[ifID] }

func (e *Engine) hostGroup(hi *hostInterface, group netip.Addr) *hostGroup {
	return hi.groups[group]
}

func (e *Engine) createHostGroup(hi *hostInterface, group netip.Addr) *hostGroup {
	if hg, ok := hi.groups[group]; ok {
		return hg
	}
	hg := &hostGroup{group: group, filter: Include, state: NonMember}
	hi.groups[group] = hg
	e.stats.HostGroups.Inc()
	return hg
}

func (e *Engine) deleteHostGroup(hi *hostInterface, hg *hostGroup) {
	e.timers.Cancel(hg.timer)
	delete(hi.groups, hg.group)
	e.stats.HostGroups.Dec()
}

func (e *Engine) deleteHostInterface(hi *hostInterface) {
	for _, hg := range hi.groups {
		e.deleteHostGroup(hi, hg)
	}
	e.timers.Cancel(hi.generalTimer)
	delete(e.hosts, hi.ifc.ID)
}

// Router records.

func (e *Engine) routerInterface(ifID int) *routerInterface { return e.routers[ifID] }

func (e *Engine) routerGroup(ri *routerInterface, group netip.Addr) *routerGroup {
	return ri.groups[group]
}

func (e *Engine) createRouterGroup(ri *routerInterface, group netip.Addr) *routerGroup {
	if g, ok := ri.groups[group]; ok {
		return g
	}
	g := &routerGroup{
		group:   group,
		filter:  Include,
		state:   NoMembersPresent,
		sources: make(map[netip.Addr]*sourceRecord),
	}
	ri.groups[group] = g
	e.stats.RouterGroups.Inc()
	return g
}

// deleteRouterGroup drops g and every timer it owns. The sink learns the
// group is gone when it had been told about it.
func (e *Engine) deleteRouterGroup(ri *routerInterface, g *routerGroup) {
	for _, s := range g.sources {
		e.timers.Cancel(s.timer)
	}
	e.timers.Cancel(g.timer)
	e.timers.Cancel(g.retransmit)
	delete(ri.groups, g.group)
	e.stats.RouterGroups.Dec()
	g.state = NoMembersPresent
	if g.notifiedMode != Include || len(g.notifiedSources) > 0 {
		e.notify(ri, g.group, Include, nil)
	}
}

func (e *Engine) source(g *routerGroup, src netip.Addr) *sourceRecord { return g.sources[src] }

func (e *Engine) createSource(g *routerGroup, src netip.Addr) *sourceRecord {
	if s, ok := g.sources[src]; ok {
		return s
	}
	s := &sourceRecord{source: src}
	g.sources[src] = s
	return s
}

func (e *Engine) deleteSource(g *routerGroup, s *sourceRecord) {
	e.timers.Cancel(s.timer)
	delete(g.sources, s.source)
	if i := slices.Index(g.querySources, s.source); i >= 0 {
		g.querySources = slices.Delete(g.querySources, i, i+1)
	}
}

func (e *Engine) deleteRouterInterface(ri *routerInterface) {
	for _, g := range ri.groups {
		e.deleteRouterGroup(ri, g)
	}
	e.timers.Cancel(ri.generalTimer)
	e.timers.Cancel(ri.otherQuerierTimer)
	delete(e.routers, ri.ifc.ID)
}

// forwarding returns the sources of g whose timers are running: the
// include list in INCLUDE mode, the X list in EXCLUDE mode.
func (e *Engine) forwarding(g *routerGroup) []netip.Addr {
	var out []netip.Addr
	for src, s := range g.sources {
		if e.timers.Active(s.timer) {
			out = append(out, src)
		}
	}
	slices.SortFunc(out, netip.Addr.Compare)
	return out
}

// blocked returns the Y list: EXCLUDE mode sources with no timer.
func (e *Engine) blocked(g *routerGroup) []netip.Addr {
	var out []netip.Addr
	for src, s := range g.sources {
		if !e.timers.Active(s.timer) {
			out = append(out, src)
		}
	}
	slices.SortFunc(out, netip.Addr.Compare)
	return out
}

// effective is the membership a forwarding plane acts on: the forwarded
// sources in INCLUDE mode, the blocked sources in EXCLUDE mode.
func (e *Engine) effective(g *routerGroup) (FilterMode, []netip.Addr) {
	if g.filter == Exclude {
		return Exclude, e.blocked(g)
	}
	return Include, e.forwarding(g)
}
