package messages

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
)

/*
0                   1                   2                   3
0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1

+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|  Type = 0x11  | Max Resp Code |           Checksum            |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|                         Group Address                         |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
| Resv  |S| QRV |     QQIC      |     Number of Sources (N)     |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|                       Source Address [1]                      |
+-                                                             -+
|                       Source Address [2]                      |
+-                              .                              -+
.                               .                               .
.                               .                               .
+-                                                             -+
|                       Source Address [N]                      |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

	RFC3376 Section 4.1: Membership Query Message Format
*/
type Query struct {
	MaxRespCode uint8
	// Group is the unspecified address for a general query.
	Group netip.Addr
	// SuppressRouterProcessing is the S flag.
	SuppressRouterProcessing bool
	// QRV is the querier's robustness variable, 0 when it exceeds 7.
	QRV     uint8
	QQIC    uint8
	Sources []netip.Addr
}

// QueryKind classifies a query by the fields it carries.
type QueryKind uint8

const (
	GeneralQuery QueryKind = iota
	GroupSpecificQuery
	GroupAndSourceSpecificQuery
)

func (k QueryKind) String() string {
	switch k {
	case GeneralQuery:
		return "general"
	case GroupSpecificQuery:
		return "group-specific"
	default:
		return "group-and-source-specific"
	}
}

func (q *Query) Type() MessageType { return MembershipQueryType }

func (q *Query) Kind() QueryKind {
	switch {
	case !q.Group.IsValid() || q.Group.IsUnspecified():
		return GeneralQuery
	case len(q.Sources) == 0:
		return GroupSpecificQuery
	default:
		return GroupAndSourceSpecificQuery
	}
}

func (q *Query) MaxResponseTime() time.Duration { return DecodeTime(q.MaxRespCode) }

func (q *Query) QueryInterval() time.Duration { return DecodeInterval(q.QQIC) }

func (q *Query) Len() int { return QueryMinLen + 4*len(q.Sources) }

func (q *Query) MarshalBinary() (data []byte, err error) {
	if len(q.Sources) > 0xFFFF {
		return nil, fmt.Errorf("too many sources for Query: %d", len(q.Sources))
	}
	if q.QRV > 7 {
		return nil, fmt.Errorf("invalid QRV for Query: %d", q.QRV)
	}
	group := q.Group
	if !group.IsValid() {
		group = netip.IPv4Unspecified()
	}
	if !group.Is4() {
		return nil, fmt.Errorf("invalid group address for Query: %s", group)
	}

	buf := bytes.NewBuffer(make([]byte, 0, q.Len()))
	buf.WriteByte(byte(MembershipQueryType))
	buf.WriteByte(q.MaxRespCode)
	buf.Write([]byte{0, 0}) // checksum
	g := group.As4()
	buf.Write(g[:])
	flags := q.QRV & 0x07
	if q.SuppressRouterProcessing {
		flags |= 0x08
	}
	buf.WriteByte(flags)
	buf.WriteByte(q.QQIC)
	if err = binary.Write(buf, binary.BigEndian, uint16(len(q.Sources))); err != nil {
		return nil, err
	}
	for _, src := range q.Sources {
		if !src.Is4() {
			return nil, fmt.Errorf("invalid source address for Query: %s", src)
		}
		s := src.As4()
		buf.Write(s[:])
	}

	data = buf.Bytes()
	binary.BigEndian.PutUint16(data[2:4], Checksum(data))
	return data, nil
}

// UnmarshalBinary decodes a Version 3 query. Bytes past the source list
// are ignored. The checksum is verified by Parse, not here.
func (q *Query) UnmarshalBinary(data []byte) error {
	if len(data) < QueryMinLen {
		return fmt.Errorf("%w: data too short for Query: %d", ErrTooShort, len(data))
	}
	if MessageType(data[0]) != MembershipQueryType {
		return fmt.Errorf("%w: invalid message type for Query: 0x%02x", ErrMalformed, data[0])
	}
	n := int(binary.BigEndian.Uint16(data[10:12]))
	if len(data) < QueryMinLen+4*n {
		return fmt.Errorf("%w: Query announces %d sources in %d bytes", ErrMalformed, n, len(data))
	}
	group := getAddr(data[4:8])
	if !group.IsUnspecified() && !group.IsMulticast() {
		return fmt.Errorf("%w: Query group %s is not multicast", ErrMalformed, group)
	}
	if group.IsUnspecified() && n > 0 {
		return fmt.Errorf("%w: general Query carries %d sources", ErrMalformed, n)
	}

	q.MaxRespCode = data[1]
	q.Group = group
	q.SuppressRouterProcessing = data[8]&0x08 != 0
	q.QRV = data[8] & 0x07
	q.QQIC = data[9]
	q.Sources = nil
	if n > 0 {
		q.Sources = make([]netip.Addr, n)
		for i := range q.Sources {
			q.Sources[i] = getAddr(data[QueryMinLen+4*i:])
		}
	}
	return nil
}
