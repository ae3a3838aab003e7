package messages_test

import (
	"errors"
	"net"
	"net/netip"
	"runtime"
	"testing"

	"github.com/blockcast/go-igmp/messages"
	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	reportBytes = []byte{
		0x22, 0x00, 0xfc, 0xec, 0x00, 0x00, 0x00, 0x02,
		0x04, 0x00, 0x00, 0x00, 0xe8, 0x01, 0x01, 0x01,
		0x01, 0x00, 0x00, 0x01, 0xe8, 0x01, 0x01, 0x02, 0x0a, 0x00, 0x00, 0x09,
	}
	report = messages.Report{Records: []messages.GroupRecord{
		{Type: messages.ChangeToExcludeMode, Group: netip.MustParseAddr("232.1.1.1")},
		{Type: messages.ModeIsInclude, Group: netip.MustParseAddr("232.1.1.2"), Sources: []netip.Addr{netip.MustParseAddr("10.0.0.9")}},
	}}
)

func TestEncodeReport(t *testing.T) {
	encoded, err := report.MarshalBinary()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(reportBytes, encoded); diff != "" {
		t.Errorf("encoded report mismatch (-want +got):\n%s", diff)
	}
	if len(encoded) != report.Len() {
		t.Errorf("got %d bytes, Len() = %d", len(encoded), report.Len())
	}
}

func TestDecodeReport(t *testing.T) {
	var r messages.Report
	if err := r.UnmarshalBinary(reportBytes); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(report, r, addrComparer); diff != "" {
		t.Errorf("decoded report mismatch (-want +got):\n%s", diff)
	}
}

func TestReportAuxData(t *testing.T) {
	in := messages.Report{Records: []messages.GroupRecord{{
		Type:    messages.AllowNewSources,
		Group:   netip.MustParseAddr("239.0.0.7"),
		Sources: []netip.Addr{netip.MustParseAddr("192.0.2.1")},
		AuxData: []byte{1, 2, 3, 4},
	}}}
	encoded, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, err := messages.Parse(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(&in, msg, addrComparer); diff != "" {
		t.Errorf("parsed report mismatch (-want +got):\n%s", diff)
	}

	in.Records[0].AuxData = []byte{1, 2, 3}
	if _, err := in.MarshalBinary(); err == nil {
		t.Errorf("expected an error for auxiliary data that is not a multiple of 4")
	}
}

func TestDecodeReportErrors(t *testing.T) {
	noRecords := []byte{0x22, 0, 0, 0, 0, 0, 0, 0}
	badType := append([]byte(nil), reportBytes...)
	badType[8] = 7
	manyRecords := []byte{0x22, 0, 0, 0, 0, 0, 0xff, 0xff}
	extraRecord := append([]byte(nil), reportBytes...)
	extraRecord[7] = 3
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", reportBytes[:4], messages.ErrTooShort},
		{"no records", noRecords, messages.ErrMalformed},
		{"truncated record", reportBytes[:24], messages.ErrMalformed},
		{"bad record type", badType, messages.ErrMalformed},
		{"record count exceeds data", manyRecords, messages.ErrMalformed},
		{"one record too many", extraRecord, messages.ErrMalformed},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var r messages.Report
			if err := r.UnmarshalBinary(test.data); !errors.Is(err, test.want) {
				t.Errorf("got UnmarshalBinary(...) = %v, want %v", err, test.want)
			}
		})
	}
}

func TestDecodeReportRecordCountBounded(t *testing.T) {
	data := []byte{0x22, 0, 0, 0, 0, 0, 0xff, 0xff}
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	for i := 0; i < 10; i++ {
		var r messages.Report
		if err := r.UnmarshalBinary(data); err == nil {
			t.Fatalf("got UnmarshalBinary(...) = nil, want error")
		}
	}
	runtime.ReadMemStats(&after)
	if got := after.TotalAlloc - before.TotalAlloc; got > 64<<10 {
		t.Errorf("rejecting a report announcing 65535 records allocated %d bytes", got)
	}
}

func TestReportMatchesGopacket(t *testing.T) {
	pkt := gopacket.NewPacket(reportBytes, layers.LayerTypeIGMP, gopacket.Default)
	igmp, ok := pkt.Layer(layers.LayerTypeIGMP).(*layers.IGMP)
	if !ok {
		t.Fatalf("gopacket did not decode an IGMP layer: %v", pkt.ErrorLayer())
	}
	if igmp.Type != layers.IGMPMembershipReportV3 {
		t.Errorf("got type %v, want %v", igmp.Type, layers.IGMPMembershipReportV3)
	}
	if len(igmp.GroupRecords) != 2 {
		t.Fatalf("got %d group records, want 2", len(igmp.GroupRecords))
	}
	if got := igmp.GroupRecords[1].MulticastAddress; !got.Equal(net.IPv4(232, 1, 1, 2)) {
		t.Errorf("got record address %s, want 232.1.1.2", got)
	}
	if got := igmp.GroupRecords[1].SourceAddresses; len(got) != 1 || !got[0].Equal(net.IPv4(10, 0, 0, 9)) {
		t.Errorf("got record sources %v, want [10.0.0.9]", got)
	}
}

func TestSplitRecords(t *testing.T) {
	group := netip.MustParseAddr("239.9.9.9")
	var sources []netip.Addr
	for i := 0; i < 10; i++ {
		sources = append(sources, netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)}))
	}
	// Room for the report header, one record header and four sources.
	const mtu = messages.ReportMinLen + messages.RecordHeaderLen + 16

	allow := messages.SplitRecords([]messages.GroupRecord{{Type: messages.AllowNewSources, Group: group, Sources: sources}}, mtu)
	if len(allow) != 3 {
		t.Fatalf("got %d reports, want 3", len(allow))
	}
	var got []netip.Addr
	for _, r := range allow {
		if r.Len() > mtu {
			t.Errorf("report of %d bytes exceeds %d", r.Len(), mtu)
		}
		for _, rec := range r.Records {
			got = append(got, rec.Sources...)
		}
	}
	if diff := cmp.Diff(sources, got, addrComparer); diff != "" {
		t.Errorf("split sources mismatch (-want +got):\n%s", diff)
	}

	exclude := messages.SplitRecords([]messages.GroupRecord{{Type: messages.ModeIsExclude, Group: group, Sources: sources}}, mtu)
	if len(exclude) != 1 || len(exclude[0].Records[0].Sources) != 4 {
		t.Errorf("got %+v, want one IS_EX record truncated to 4 sources", exclude)
	}

	small := messages.SplitRecords([]messages.GroupRecord{
		{Type: messages.ModeIsExclude, Group: group},
		{Type: messages.ModeIsInclude, Group: netip.MustParseAddr("239.9.9.8"), Sources: sources[:1]},
	}, 1500)
	if len(small) != 1 || len(small[0].Records) != 2 {
		t.Errorf("got %+v, want both records in one report", small)
	}
}
