package igmp

import (
	"net/netip"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// SinkFunc adapts a function to ForwardingSink.
type SinkFunc func(ifID int, group netip.Addr, sources []netip.Addr, mode FilterMode)

func (f SinkFunc) MembershipChanged(ifID int, group netip.Addr, sources []netip.Addr, mode FilterMode) {
	f(ifID, group, sources, mode)
}

// MultiSink hands every update to each of its sinks in order.
type MultiSink []ForwardingSink

func (m MultiSink) MembershipChanged(ifID int, group netip.Addr, sources []netip.Addr, mode FilterMode) {
	for _, s := range m {
		s.MembershipChanged(ifID, group, sources, mode)
	}
}

// LogSink logs membership changes at Info level.
type LogSink struct {
	Logger logrus.FieldLogger
}

func (s LogSink) MembershipChanged(ifID int, group netip.Addr, sources []netip.Addr, mode FilterMode) {
	log := s.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithFields(logrus.Fields{
		"ifindex": ifID,
		"group":   group,
		"mode":    mode,
		"sources": sources,
	})
	if mode == Include && len(sources) == 0 {
		entry.Info("no members left")
		return
	}
	entry.Info("forwarding state changed")
}

// MembershipUpdate is one notification of a ForwardingSink.
type MembershipUpdate struct {
	Interface int
	Group     netip.Addr
	Sources   []netip.Addr
	Mode      FilterMode
}

// ChanSink queues updates on C. The engine never waits on a full
// channel: updates that do not fit are counted and dropped.
type ChanSink struct {
	C       chan MembershipUpdate
	dropped atomic.Uint64
}

func NewChanSink(size int) *ChanSink {
	return &ChanSink{C: make(chan MembershipUpdate, size)}
}

func (s *ChanSink) MembershipChanged(ifID int, group netip.Addr, sources []netip.Addr, mode FilterMode) {
	select {
	case s.C <- MembershipUpdate{Interface: ifID, Group: group, Sources: sources, Mode: mode}:
	default:
		s.dropped.Inc()
	}
}

func (s *ChanSink) Dropped() uint64 { return s.dropped.Load() }
