package igmp

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestMultiSink(t *testing.T) {
	var a, b updates
	var calls int
	sink := MultiSink{&a, SinkFunc(func(int, netip.Addr, []netip.Addr, FilterMode) { calls++ }), &b}
	sink.MembershipChanged(3, groupA, []netip.Addr{srcA}, Exclude)

	want := updates{{Interface: 3, Group: groupA, Sources: []netip.Addr{srcA}, Mode: Exclude}}
	if diff := cmp.Diff(want, a, addrComparer); diff != "" {
		t.Errorf("first sink mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, b, addrComparer); diff != "" {
		t.Errorf("last sink mismatch (-want +got):\n%s", diff)
	}
	if calls != 1 {
		t.Errorf("got %d SinkFunc calls, want 1", calls)
	}
}

func TestChanSinkDropsWhenFull(t *testing.T) {
	s := NewChanSink(1)
	s.MembershipChanged(1, groupA, nil, Exclude)
	s.MembershipChanged(1, groupB, nil, Exclude)

	if got := s.Dropped(); got != 1 {
		t.Errorf("got %d dropped, want 1", got)
	}
	u := <-s.C
	if u.Group != groupA || u.Mode != Exclude {
		t.Errorf("got update %+v, want %s EXCLUDE", u, groupA)
	}
}

func TestLogSink(t *testing.T) {
	log, hook := test.NewNullLogger()
	s := LogSink{Logger: log}

	s.MembershipChanged(2, groupA, []netip.Addr{srcA}, Include)
	entry := hook.LastEntry()
	if entry == nil || entry.Message != "forwarding state changed" || entry.Level != logrus.InfoLevel {
		t.Fatalf("got entry %+v, want an info entry about the change", entry)
	}
	if got := entry.Data["group"]; got != groupA {
		t.Errorf("got group field %v, want %s", got, groupA)
	}

	s.MembershipChanged(2, groupA, nil, Include)
	if got := hook.LastEntry().Message; got != "no members left" {
		t.Errorf("got message %q, want %q", got, "no members left")
	}
	if got := len(hook.AllEntries()); got != 2 {
		t.Errorf("got %d entries, want 2", got)
	}
}
