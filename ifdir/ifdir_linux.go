package ifdir

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// List returns the usable links ordered by index.
func List() ([]Link, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	var out []Link
	for _, nl := range links {
		attrs := nl.Attrs()
		l := Link{Index: attrs.Index, Name: attrs.Name, MTU: attrs.MTU, Flags: attrs.Flags}
		addrs, err := netlink.AddrList(nl, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("listing addresses of %s: %w", attrs.Name, err)
		}
		for _, a := range addrs {
			if ip, ok := netip.AddrFromSlice(a.IP.To4()); ok {
				l.Addr = ip
				break
			}
		}
		if l.usable() {
			out = append(out, l)
		}
	}
	return sortLinks(out), nil
}

// notify wakes the watcher on every rtnetlink link or address update.
func notify(ctx context.Context, log logrus.FieldLogger) (<-chan struct{}, error) {
	linkc := make(chan netlink.LinkUpdate)
	if err := netlink.LinkSubscribe(linkc, ctx.Done()); err != nil {
		return nil, fmt.Errorf("subscribing to link updates: %w", err)
	}
	addrc := make(chan netlink.AddrUpdate)
	if err := netlink.AddrSubscribe(addrc, ctx.Done()); err != nil {
		return nil, fmt.Errorf("subscribing to address updates: %w", err)
	}

	wake := make(chan struct{}, 1)
	poke := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	go func() {
		defer close(wake)
		for linkc != nil || addrc != nil {
			select {
			case u, ok := <-linkc:
				if !ok {
					linkc = nil
					continue
				}
				log.WithField("link", u.Attrs().Name).Trace("rtnetlink link update")
				poke()
			case u, ok := <-addrc:
				if !ok {
					addrc = nil
					continue
				}
				log.WithFields(logrus.Fields{"ifindex": u.LinkIndex, "addr": u.LinkAddress.IP, "new": u.NewAddr}).
					Trace("rtnetlink address update")
				poke()
			}
		}
	}()
	return wake, nil
}
