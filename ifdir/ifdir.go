// Package ifdir tracks the links IGMP can run on: interfaces that are
// up, multicast capable, not loopback and carry an IPv4 address.
package ifdir

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"

	"github.com/sirupsen/logrus"
)

// Link is one usable interface. Addr is its primary IPv4 address.
type Link struct {
	Index int
	Name  string
	Addr  netip.Addr
	MTU   int
	Flags net.Flags
}

func (l Link) usable() bool {
	return l.Flags&net.FlagUp != 0 &&
		l.Flags&net.FlagMulticast != 0 &&
		l.Flags&net.FlagLoopback == 0 &&
		l.Addr.IsValid()
}

func (l Link) String() string {
	return fmt.Sprintf("%s(%d) %s mtu %d", l.Name, l.Index, l.Addr, l.MTU)
}

type EventType uint8

const (
	Added EventType = iota
	Removed
	Changed
)

func (t EventType) String() string {
	switch t {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Changed:
		return "changed"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

type Event struct {
	Type EventType
	Link Link
}

// Diff returns the events that turn the before snapshot into after,
// ordered by interface index.
func Diff(before, after []Link) []Event {
	prev := make(map[int]Link, len(before))
	for _, l := range before {
		prev[l.Index] = l
	}
	var events []Event
	for _, l := range after {
		p, ok := prev[l.Index]
		switch {
		case !ok:
			events = append(events, Event{Type: Added, Link: l})
		case p != l:
			events = append(events, Event{Type: Changed, Link: l})
		}
		delete(prev, l.Index)
	}
	for _, l := range prev {
		events = append(events, Event{Type: Removed, Link: l})
	}
	slices.SortStableFunc(events, func(a, b Event) int { return cmp.Compare(a.Link.Index, b.Link.Index) })
	return events
}

// Watch reports the current links as Added events, then every later
// change, until ctx is done and the channel is closed.
func Watch(ctx context.Context, log logrus.FieldLogger) (<-chan Event, error) {
	wake, err := notify(ctx, log)
	if err != nil {
		return nil, err
	}
	links, err := List()
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 16)
	go run(ctx, log, List, links, wake, out)
	return out, nil
}

func run(ctx context.Context, log logrus.FieldLogger, list func() ([]Link, error), links []Link, wake <-chan struct{}, out chan<- Event) {
	defer close(out)
	var cur []Link
	emit := func(next []Link) bool {
		for _, ev := range Diff(cur, next) {
			log.WithFields(logrus.Fields{"event": ev.Type, "link": ev.Link}).Debug("link event")
			select {
			case out <- ev:
			case <-ctx.Done():
				return false
			}
		}
		cur = next
		return true
	}
	if !emit(links) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-wake:
			if !ok {
				return
			}
			next, err := list()
			if err != nil {
				log.WithError(err).Warn("failed to list links")
				continue
			}
			if !emit(next) {
				return
			}
		}
	}
}

func sortLinks(links []Link) []Link {
	slices.SortFunc(links, func(a, b Link) int { return cmp.Compare(a.Index, b.Index) })
	return links
}
