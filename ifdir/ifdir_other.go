//go:build !linux

package ifdir

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
)

// PollInterval is how often links are listed where the kernel offers no
// change notifications.
var PollInterval = 5 * time.Second

// List returns the usable links ordered by index.
func List() ([]Link, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	var out []Link
	for _, ifi := range ifaces {
		l := Link{Index: ifi.Index, Name: ifi.Name, MTU: ifi.MTU, Flags: ifi.Flags}
		addrs, err := ifi.Addrs()
		if err != nil {
			return nil, fmt.Errorf("listing addresses of %s: %w", ifi.Name, err)
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip, ok := netip.AddrFromSlice(ipn.IP.To4()); ok {
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

func notify(ctx context.Context, log logrus.FieldLogger) (<-chan struct{}, error) {
	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		t := time.NewTicker(PollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wake, nil
}
