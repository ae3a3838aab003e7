package ifdir

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"
)

const upMulticast = net.FlagUp | net.FlagMulticast

var (
	eth0 = Link{Index: 2, Name: "eth0", Addr: netip.MustParseAddr("10.0.0.2"), MTU: 1500, Flags: upMulticast}
	eth1 = Link{Index: 3, Name: "eth1", Addr: netip.MustParseAddr("10.1.0.2"), MTU: 1500, Flags: upMulticast}
	eth2 = Link{Index: 4, Name: "eth2", Addr: netip.MustParseAddr("10.2.0.2"), MTU: 9000, Flags: upMulticast}
)

var addrComparer = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })

func TestUsable(t *testing.T) {
	tests := []struct {
		name string
		link Link
		want bool
	}{
		{"up multicast with address", eth0, true},
		{"down", Link{Index: 2, Addr: eth0.Addr, Flags: net.FlagMulticast}, false},
		{"no multicast", Link{Index: 2, Addr: eth0.Addr, Flags: net.FlagUp}, false},
		{"loopback", Link{Index: 1, Addr: netip.MustParseAddr("127.0.0.1"), Flags: upMulticast | net.FlagLoopback}, false},
		{"no address", Link{Index: 2, Flags: upMulticast}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.link.usable(); got != test.want {
				t.Errorf("got usable() = %t, want %t", got, test.want)
			}
		})
	}
}

func TestDiff(t *testing.T) {
	moved := eth1
	moved.Addr = netip.MustParseAddr("10.1.0.99")

	tests := []struct {
		name          string
		before, after []Link
		want          []Event
	}{
		{
			name:  "initial",
			after: []Link{eth0, eth1},
			want:  []Event{{Type: Added, Link: eth0}, {Type: Added, Link: eth1}},
		},
		{
			name:   "unchanged",
			before: []Link{eth0, eth1},
			after:  []Link{eth0, eth1},
		},
		{
			name:   "add change and remove",
			before: []Link{eth0, eth1},
			after:  []Link{moved, eth2},
			want: []Event{
				{Type: Removed, Link: eth0},
				{Type: Changed, Link: moved},
				{Type: Added, Link: eth2},
			},
		},
		{
			name:   "everything gone",
			before: []Link{eth2, eth0},
			want:   []Event{{Type: Removed, Link: eth0}, {Type: Removed, Link: eth2}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Diff(test.before, test.after)
			if diff := cmp.Diff(test.want, got, addrComparer); diff != "" {
				t.Errorf("Diff() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRun(t *testing.T) {
	log, _ := test.NewNullLogger()
	snapshots := [][]Link{nil, {eth1}}
	list := func() ([]Link, error) {
		if len(snapshots) == 0 {
			return nil, errors.New("no more snapshots")
		}
		next := snapshots[0]
		snapshots = snapshots[1:]
		return next, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wake := make(chan struct{})
	out := make(chan Event)
	go run(ctx, log, list, []Link{eth0}, wake, out)

	next := func() Event {
		t.Helper()
		select {
		case ev := <-out:
			return ev
		case <-time.After(5 * time.Second):
			t.Fatalf("no event")
			return Event{}
		}
	}
	if got, want := next(), (Event{Type: Added, Link: eth0}); !cmp.Equal(got, want, addrComparer) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	// eth0 disappears.
	wake <- struct{}{}
	if got, want := next(), (Event{Type: Removed, Link: eth0}); !cmp.Equal(got, want, addrComparer) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	// eth1 shows up.
	wake <- struct{}{}
	if got, want := next(), (Event{Type: Added, Link: eth1}); !cmp.Equal(got, want, addrComparer) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	// A failed listing keeps the last state.
	wake <- struct{}{}

	close(wake)
	select {
	case _, ok := <-out:
		if ok {
			t.Errorf("got an event after the notifier closed")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("events channel not closed")
	}
}
