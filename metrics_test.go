package igmp

import (
	"strings"
	"testing"

	"github.com/blockcast/go-igmp/messages"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector(t *testing.T) {
	e, _, _ := newQuerier(t)
	receive(t, e, messages.GroupRecord{Type: messages.ModeIsExclude, Group: groupA})
	e.HandleDatagram([]byte{0x22}, memberAddr, routerIfc.ID)

	c := NewCollector(e.Stats())
	if got, want := testutil.CollectAndCount(c), 16; got != want {
		t.Errorf("got %d metrics, want %d", got, want)
	}

	expected := `
# HELP igmp_groups Group records currently held.
# TYPE igmp_groups gauge
igmp_groups{role="host"} 0
igmp_groups{role="router"} 1
# HELP igmp_messages_dropped_total Received IGMP messages dropped.
# TYPE igmp_messages_dropped_total counter
igmp_messages_dropped_total{reason="checksum"} 0
igmp_messages_dropped_total{reason="malformed"} 1
igmp_messages_dropped_total{reason="no_handler"} 0
igmp_messages_dropped_total{reason="unsupported_version"} 0
# HELP igmp_messages_sent_total IGMP messages sent.
# TYPE igmp_messages_sent_total counter
igmp_messages_sent_total{type="general_query"} 2
igmp_messages_sent_total{type="group_query"} 0
igmp_messages_sent_total{type="report"} 0
igmp_messages_sent_total{type="source_query"} 0
# HELP igmp_membership_changes_total Membership updates handed to the forwarding sink.
# TYPE igmp_membership_changes_total counter
igmp_membership_changes_total 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"igmp_groups", "igmp_messages_dropped_total", "igmp_messages_sent_total", "igmp_membership_changes_total")
	if err != nil {
		t.Error(err)
	}
}
