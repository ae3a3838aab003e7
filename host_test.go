package igmp

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/blockcast/go-igmp/messages"
	"github.com/blockcast/go-igmp/timers"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var querierAddr = netip.MustParseAddr("10.0.0.1")

func newHost(t *testing.T) (*Engine, *recorder) {
	t.Helper()
	e, rec, _ := newTestEngine(t)
	if err := e.EnableHost(hostIfc, DefaultConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return e, rec
}

// records flattens the records of every report sent since the last call.
func records(rec *recorder) []messages.GroupRecord {
	var out []messages.GroupRecord
	for _, r := range rec.reports() {
		out = append(out, r.Records...)
	}
	return out
}

func diffRecords(want, got []messages.GroupRecord) string {
	return cmp.Diff(want, got, addrComparer, cmpopts.EquateEmpty())
}

func TestHostJoinAndLeave(t *testing.T) {
	e, rec := newHost(t)

	if err := e.SetInterest(hostIfc.ID, groupA, Exclude, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := rec.take()
	if len(sent) != 1 || sent[0].Dst != messages.AllV3RoutersAddr || sent[0].IfID != hostIfc.ID {
		t.Fatalf("got sent %+v, want one report to %s", sent, messages.AllV3RoutersAddr)
	}
	toEx := []messages.GroupRecord{{Type: messages.ChangeToExcludeMode, Group: groupA}}
	if diff := diffRecords(toEx, sent[0].Msg.(*messages.Report).Records); diff != "" {
		t.Errorf("join records mismatch (-want +got):\n%s", diff)
	}
	m, ok := e.HostGroup(hostIfc.ID, groupA)
	if !ok || m.State != DelayingMember || m.Mode != Exclude {
		t.Errorf("got HostGroup() = %+v, %t, want EXCLUDE in %s", m, ok, DelayingMember)
	}
	if got := e.PendingTimers(); got != 1 {
		t.Errorf("got %d pending timers, want 1", got)
	}

	e.Advance(DefaultUnsolicitedReportInterval)
	if diff := diffRecords(toEx, records(rec)); diff != "" {
		t.Errorf("retransmitted records mismatch (-want +got):\n%s", diff)
	}
	if m, _ := e.HostGroup(hostIfc.ID, groupA); m.State != IdleMember {
		t.Errorf("got state %s, want %s", m.State, IdleMember)
	}
	e.Advance(time.Minute)
	if got := records(rec); len(got) != 0 {
		t.Errorf("got records %v after the last retransmission, want none", got)
	}

	if err := e.SetInterest(hostIfc.ID, groupA, Include, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	toIn := []messages.GroupRecord{{Type: messages.ChangeToIncludeMode, Group: groupA}}
	if diff := diffRecords(toIn, records(rec)); diff != "" {
		t.Errorf("leave records mismatch (-want +got):\n%s", diff)
	}
	if _, ok := e.HostGroup(hostIfc.ID, groupA); ok {
		t.Errorf("group still present after leave")
	}
	if got := e.PendingTimers(); got != 0 {
		t.Errorf("got %d pending timers, want 0", got)
	}
	if got := e.Stats().HostGroups.Load(); got != 0 {
		t.Errorf("got %d host groups, want 0", got)
	}

	// Leaving again is a no-op.
	if err := e.SetInterest(hostIfc.ID, groupA, Include, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.take(); len(got) != 0 {
		t.Errorf("got %d messages for a repeated leave, want 0", len(got))
	}
}

func TestHostSourceListChange(t *testing.T) {
	e, rec := newHost(t)

	if err := e.SetInterest(hostIfc.ID, groupA, Include, []netip.Addr{srcB, srcA, srcA}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []messages.GroupRecord{{Type: messages.AllowNewSources, Group: groupA, Sources: []netip.Addr{srcA, srcB}}}
	if diff := diffRecords(want, records(rec)); diff != "" {
		t.Errorf("join records mismatch (-want +got):\n%s", diff)
	}

	if err := e.SetInterest(hostIfc.ID, groupA, Include, []netip.Addr{srcB, srcC}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want = []messages.GroupRecord{
		{Type: messages.AllowNewSources, Group: groupA, Sources: []netip.Addr{srcC}},
		{Type: messages.BlockOldSources, Group: groupA, Sources: []netip.Addr{srcA}},
	}
	if diff := diffRecords(want, records(rec)); diff != "" {
		t.Errorf("change records mismatch (-want +got):\n%s", diff)
	}

	// The pending retransmission carries only the latest change.
	e.Advance(DefaultUnsolicitedReportInterval)
	if diff := diffRecords(want, records(rec)); diff != "" {
		t.Errorf("retransmitted records mismatch (-want +got):\n%s", diff)
	}

	if err := e.SetInterest(hostIfc.ID, groupA, Include, []netip.Addr{srcC, srcB}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.take(); len(got) != 0 {
		t.Errorf("got %d messages for an unchanged filter, want 0", len(got))
	}
}

func TestHostSetInterestErrors(t *testing.T) {
	e, rec := newHost(t)
	tests := []struct {
		name    string
		ifID    int
		group   netip.Addr
		mode    FilterMode
		wantErr error
	}{
		{"unknown interface", 9, groupA, Exclude, ErrUnknownInterface},
		{"unicast group", hostIfc.ID, netip.MustParseAddr("10.1.1.1"), Exclude, ErrNotMulticast},
		{"all systems group", hostIfc.ID, messages.AllSystemsGroup, Exclude, ErrNotMulticast},
		{"ipv6 group", hostIfc.ID, netip.MustParseAddr("ff02::16"), Exclude, ErrNotMulticast},
		{"unknown filter mode", hostIfc.ID, groupA, FilterMode(7), ErrInvalidMode},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if err := e.SetInterest(test.ifID, test.group, test.mode, nil); !errors.Is(err, test.wantErr) {
				t.Errorf("got error %v, want %v", err, test.wantErr)
			}
		})
	}
	if err := e.SetInterest(hostIfc.ID, groupA, Include, []netip.Addr{netip.MustParseAddr("2001:db8::1")}); err == nil {
		t.Errorf("got nil error for an ipv6 source")
	}
	if _, ok := e.HostGroup(hostIfc.ID, groupA); ok {
		t.Errorf("rejected calls left a host group behind")
	}
	if got := rec.take(); len(got) != 0 {
		t.Errorf("rejected calls sent %d messages, want none", len(got))
	}
}

// settle joins and lets the state-change retransmissions finish.
func settle(t *testing.T, e *Engine, rec *recorder, group netip.Addr, mode FilterMode, sources ...netip.Addr) {
	t.Helper()
	if err := e.SetInterest(hostIfc.ID, group, mode, sources); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.Advance(5 * time.Second)
	rec.take()
}

func TestHostGeneralQuery(t *testing.T) {
	e, rec := newHost(t)
	settle(t, e, rec, groupB, Include, srcA)
	settle(t, e, rec, groupA, Exclude)

	e.HandleDatagram(mustMarshal(t, &messages.Query{MaxRespCode: 100, QRV: 2, QQIC: 125}), querierAddr, hostIfc.ID)
	for _, g := range []netip.Addr{groupA, groupB} {
		if m, _ := e.HostGroup(hostIfc.ID, g); m.State != DelayingMember {
			t.Errorf("got %s state %s, want %s", g, m.State, DelayingMember)
		}
	}

	e.Advance(10 * time.Second)
	reports := rec.reports()
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(reports))
	}
	want := []messages.GroupRecord{
		{Type: messages.ModeIsExclude, Group: groupA},
		{Type: messages.ModeIsInclude, Group: groupB, Sources: []netip.Addr{srcA}},
	}
	if diff := diffRecords(want, reports[0].Records); diff != "" {
		t.Errorf("current state records mismatch (-want +got):\n%s", diff)
	}
	for _, g := range []netip.Addr{groupA, groupB} {
		if m, _ := e.HostGroup(hostIfc.ID, g); m.State != IdleMember {
			t.Errorf("got %s state %s, want %s", g, m.State, IdleMember)
		}
	}
}

func TestHostQueryNeverExtendsPendingReport(t *testing.T) {
	e, rec := newHost(t)
	settle(t, e, rec, groupA, Exclude)
	key := timers.GroupKey(timers.HostGroup, hostIfc.ID, groupA)

	e.HandleDatagram(mustMarshal(t, &messages.Query{MaxRespCode: 10, Group: groupA}), querierAddr, hostIfc.ID)
	first, ok := e.timers.Deadline(key)
	if !ok {
		t.Fatalf("no report scheduled after a group query")
	}
	if limit := e.Now().Add(time.Second); !first.Before(limit) {
		t.Errorf("got report due %s, want before %s", first, limit)
	}

	e.HandleDatagram(mustMarshal(t, &messages.Query{MaxRespCode: 200, Group: groupA}), querierAddr, hostIfc.ID)
	second, _ := e.timers.Deadline(key)
	if second.After(first) {
		t.Errorf("second query moved the report from %s to %s", first, second)
	}

	e.Advance(time.Second)
	want := []messages.GroupRecord{{Type: messages.ModeIsExclude, Group: groupA}}
	if diff := diffRecords(want, records(rec)); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	e.Advance(10 * time.Minute)
	if got := records(rec); len(got) != 0 {
		t.Errorf("got extra records %v, want none", got)
	}
}

func TestHostSourceQueryMerge(t *testing.T) {
	tests := []struct {
		name    string
		mode    FilterMode
		sources []netip.Addr
		queries [][]netip.Addr
		want    []messages.GroupRecord
	}{
		{
			name:    "include answers the union of queried sources",
			mode:    Include,
			sources: []netip.Addr{srcA, srcB, srcC},
			queries: [][]netip.Addr{{srcA}, {srcB, srcD}},
			want:    []messages.GroupRecord{{Type: messages.ModeIsInclude, Group: groupA, Sources: []netip.Addr{srcA, srcB}}},
		},
		{
			name:    "group query overrides source queries",
			mode:    Include,
			sources: []netip.Addr{srcA, srcB, srcC},
			queries: [][]netip.Addr{{srcA}, nil},
			want:    []messages.GroupRecord{{Type: messages.ModeIsInclude, Group: groupA, Sources: []netip.Addr{srcA, srcB, srcC}}},
		},
		{
			name:    "source query after group query stays a group query",
			mode:    Exclude,
			sources: []netip.Addr{srcA},
			queries: [][]netip.Addr{nil, {srcB}},
			want:    []messages.GroupRecord{{Type: messages.ModeIsExclude, Group: groupA, Sources: []netip.Addr{srcA}}},
		},
		{
			name:    "exclude answers queried sources not excluded",
			mode:    Exclude,
			sources: []netip.Addr{srcA},
			queries: [][]netip.Addr{{srcA, srcB}},
			want:    []messages.GroupRecord{{Type: messages.ModeIsInclude, Group: groupA, Sources: []netip.Addr{srcB}}},
		},
		{
			name:    "nothing to say",
			mode:    Include,
			sources: []netip.Addr{srcA},
			queries: [][]netip.Addr{{srcC}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			e, rec := newHost(t)
			settle(t, e, rec, groupA, test.mode, test.sources...)
			for _, srcs := range test.queries {
				q := &messages.Query{MaxRespCode: 10, Group: groupA, Sources: srcs}
				e.HandleDatagram(mustMarshal(t, q), querierAddr, hostIfc.ID)
			}
			e.Advance(time.Second)
			if diff := diffRecords(test.want, records(rec)); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
			if m, _ := e.HostGroup(hostIfc.ID, groupA); m.State != IdleMember {
				t.Errorf("got state %s, want %s", m.State, IdleMember)
			}
		})
	}
}

func TestHostQueryForUnknownGroup(t *testing.T) {
	e, rec := newHost(t)
	e.HandleDatagram(mustMarshal(t, &messages.Query{MaxRespCode: 10, Group: groupB}), querierAddr, hostIfc.ID)
	if got := e.PendingTimers(); got != 0 {
		t.Errorf("got %d pending timers, want 0", got)
	}
	e.Advance(time.Minute)
	if got := rec.take(); len(got) != 0 {
		t.Errorf("got %d messages, want 0", len(got))
	}
}

func TestHostAdoptsQuerierRobustness(t *testing.T) {
	e, rec := newHost(t)
	e.HandleDatagram(mustMarshal(t, &messages.Query{MaxRespCode: 10, QRV: 3, QQIC: 60}), querierAddr, hostIfc.ID)
	e.Advance(time.Second)
	rec.take()

	if err := e.SetInterest(hostIfc.ID, groupA, Exclude, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.Advance(5 * time.Second)
	if got := len(rec.reports()); got != 3 {
		t.Errorf("got %d reports for one change, want 3", got)
	}
}

func TestHostReportSplitByMTU(t *testing.T) {
	e, rec, _ := newTestEngine(t)
	small := hostIfc
	small.MTU = 100
	if err := e.EnableHost(small, DefaultConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var srcs []netip.Addr
	for i := 1; i <= 30; i++ {
		srcs = append(srcs, netip.AddrFrom4([4]byte{192, 0, 2, byte(i)}))
	}
	if err := e.SetInterest(small.ID, groupA, Include, srcs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []netip.Addr
	for _, r := range rec.reports() {
		if n := len(mustMarshal(t, r)); n > small.MTU-ipv4HeaderLen {
			t.Errorf("got report of %d bytes, want at most %d", n, small.MTU-ipv4HeaderLen)
		}
		for _, gr := range r.Records {
			got = append(got, gr.Sources...)
		}
	}
	if diff := cmp.Diff(srcs, got, addrComparer); diff != "" {
		t.Errorf("announced sources mismatch (-want +got):\n%s", diff)
	}
}
