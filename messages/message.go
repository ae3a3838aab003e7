package messages

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

/*
0                   1                   2                   3
0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1

+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|      Type     | Max Resp Time |           Checksum            |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|                         Group Address                         |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

	RFC2236 Section 2: Version 1 and 2 message format
*/

// Message is a decoded Version 3 query or report.
type Message interface {
	Type() MessageType
	MarshalBinary() ([]byte, error)
}

// Parse validates and decodes an IGMP message. The returned error wraps
// one of ErrTooShort, ErrBadChecksum, ErrUnsupportedVersion,
// ErrUnknownType or ErrMalformed.
func Parse(data []byte) (Message, error) {
	if len(data) < LegacyLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(data))
	}
	if Checksum(data) != 0 {
		return nil, fmt.Errorf("%w: 0x%04x", ErrBadChecksum, uint16(data[2])<<8|uint16(data[3]))
	}

	switch t := MessageType(data[0]); t {
	case MembershipQueryType:
		if len(data) < QueryMinLen {
			if len(data) == LegacyLen {
				return nil, fmt.Errorf("%w: version %d query", ErrUnsupportedVersion, LegacyVersion(data))
			}
			return nil, fmt.Errorf("%w: query of %d bytes", ErrMalformed, len(data))
		}
		q := &Query{}
		if err := q.UnmarshalBinary(data); err != nil {
			return nil, err
		}
		return q, nil
	case MembershipReportV3Type:
		r := &Report{}
		if err := r.UnmarshalBinary(data); err != nil {
			return nil, err
		}
		return r, nil
	case MembershipReportV1Type, MembershipReportV2Type, LeaveGroupType:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, t)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, data[0])
	}
}

// LegacyVersion returns the IGMP version of an 8 byte message: 1 for a
// query with a zero Max Resp Time or a Version 1 report, 2 otherwise.
// It returns 3 for anything longer.
func LegacyVersion(data []byte) int {
	if len(data) != LegacyLen {
		return 3
	}
	switch MessageType(data[0]) {
	case MembershipReportV1Type:
		return 1
	case MembershipQueryType:
		if data[1] == 0 {
			return 1
		}
	}
	return 2
}

// Dump renders data with gopacket's IGMP decoder, for debug logging.
func Dump(data []byte) string {
	pkt := gopacket.NewPacket(data, layers.LayerTypeIGMP, gopacket.Default)
	if err := pkt.ErrorLayer(); err != nil {
		return fmt.Sprintf("undecodable igmp (%d bytes): %v", len(data), err.Error())
	}
	return pkt.String()
}
