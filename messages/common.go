package messages

import (
	"errors"
	"fmt"
	"net/netip"
)

// message types
type MessageType uint8

const (
	MembershipQueryType    MessageType = 0x11
	MembershipReportV1Type MessageType = 0x12
	MembershipReportV2Type MessageType = 0x16
	LeaveGroupType         MessageType = 0x17
	MembershipReportV3Type MessageType = 0x22
)

func (t MessageType) String() string {
	switch t {
	case MembershipQueryType:
		return "MembershipQuery"
	case MembershipReportV1Type:
		return "MembershipReportV1"
	case MembershipReportV2Type:
		return "MembershipReportV2"
	case LeaveGroupType:
		return "LeaveGroup"
	case MembershipReportV3Type:
		return "MembershipReportV3"
	default:
		return fmt.Sprintf("MessageType(0x%02x)", uint8(t))
	}
}

// FilterMode tells whether a source list names wanted (Include) or
// blocked (Exclude) sources.
type FilterMode uint8

const (
	Include FilterMode = iota
	Exclude
)

func (m FilterMode) String() string {
	switch m {
	case Include:
		return "INCLUDE"
	case Exclude:
		return "EXCLUDE"
	}
	return fmt.Sprintf("FilterMode(%d)", uint8(m))
}

func (m FilterMode) Valid() bool { return m == Include || m == Exclude }

// RecordType is the type of a group record carried in a Version 3 report.
type RecordType uint8

const (
	_ RecordType = iota
	ModeIsInclude
	ModeIsExclude
	ChangeToIncludeMode
	ChangeToExcludeMode
	AllowNewSources
	BlockOldSources
)

func (t RecordType) String() string {
	switch t {
	case ModeIsInclude:
		return "IS_IN"
	case ModeIsExclude:
		return "IS_EX"
	case ChangeToIncludeMode:
		return "TO_IN"
	case ChangeToExcludeMode:
		return "TO_EX"
	case AllowNewSources:
		return "ALLOW"
	case BlockOldSources:
		return "BLOCK"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the six record types of RFC 3376.
func (t RecordType) Valid() bool {
	return t >= ModeIsInclude && t <= BlockOldSources
}

// Well known destinations.
var (
	AllSystemsGroup  = netip.AddrFrom4([4]byte{224, 0, 0, 1})
	AllV3RoutersAddr = netip.AddrFrom4([4]byte{224, 0, 0, 22})
)

const (
	// QueryMinLen is the size of a Version 3 query without sources.
	QueryMinLen = 12
	// ReportMinLen is the size of a Version 3 report header.
	ReportMinLen = 8
	// LegacyLen is the size of Version 1 and 2 messages.
	LegacyLen = 8
	// RecordHeaderLen is the fixed part of a group record.
	RecordHeaderLen = 8
)

var (
	ErrTooShort           = errors.New("message too short")
	ErrBadChecksum        = errors.New("bad checksum")
	ErrUnknownType        = errors.New("unknown message type")
	ErrUnsupportedVersion = errors.New("unsupported igmp version")
	ErrMalformed          = errors.New("malformed message")
)

// Checksum computes the Internet checksum (RFC 1071) of data.
//
// Verifying a received message over all of its bytes yields 0.
func Checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i < len(data)-1; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	sum = (sum >> 16) + (sum & 0xFFFF)
	sum += (sum >> 16)
	return ^uint16(sum)
}

func getAddr(b []byte) netip.Addr {
	return netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
}
