package messages

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
)

/*
0                   1                   2                   3
0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1

+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|  Record Type  |  Aux Data Len |     Number of Sources (N)     |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|                       Multicast Address                       |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|                       Source Address [1]                      |
+-                                                             -+
.                               .                               .
+-                                                             -+
|                       Source Address [N]                      |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
.                                                               .
.                         Auxiliary Data                        .
.                                                               .
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

	RFC3376 Section 4.2.4: Group Record
*/
type GroupRecord struct {
	Type    RecordType
	Group   netip.Addr
	Sources []netip.Addr
	// AuxData length must be a multiple of 4.
	AuxData []byte
}

func (r *GroupRecord) Len() int { return RecordHeaderLen + 4*len(r.Sources) + len(r.AuxData) }

func (r *GroupRecord) String() string {
	return fmt.Sprintf("%s(%s, %v)", r.Type, r.Group, r.Sources)
}

func (r *GroupRecord) marshalTo(buf *bytes.Buffer) error {
	if !r.Type.Valid() {
		return fmt.Errorf("invalid record type: %d", r.Type)
	}
	if !r.Group.Is4() || !r.Group.IsMulticast() {
		return fmt.Errorf("invalid group address for GroupRecord: %s", r.Group)
	}
	if len(r.AuxData)%4 != 0 || len(r.AuxData)/4 > 0xFF {
		return fmt.Errorf("invalid auxiliary data length for GroupRecord: %d", len(r.AuxData))
	}
	if len(r.Sources) > 0xFFFF {
		return fmt.Errorf("too many sources for GroupRecord: %d", len(r.Sources))
	}
	buf.WriteByte(byte(r.Type))
	buf.WriteByte(byte(len(r.AuxData) / 4))
	if err := binary.Write(buf, binary.BigEndian, uint16(len(r.Sources))); err != nil {
		return err
	}
	g := r.Group.As4()
	buf.Write(g[:])
	for _, src := range r.Sources {
		if !src.Is4() {
			return fmt.Errorf("invalid source address for GroupRecord: %s", src)
		}
		s := src.As4()
		buf.Write(s[:])
	}
	buf.Write(r.AuxData)
	return nil
}

// unmarshal decodes one record and returns the number of bytes it used.
func (r *GroupRecord) unmarshal(data []byte) (int, error) {
	if len(data) < RecordHeaderLen {
		return 0, fmt.Errorf("%w: data too short for GroupRecord: %d", ErrMalformed, len(data))
	}
	n := int(binary.BigEndian.Uint16(data[2:4]))
	aux := int(data[1]) * 4
	size := RecordHeaderLen + 4*n + aux
	if len(data) < size {
		return 0, fmt.Errorf("%w: GroupRecord announces %d bytes, have %d", ErrMalformed, size, len(data))
	}
	r.Type = RecordType(data[0])
	if !r.Type.Valid() {
		return 0, fmt.Errorf("%w: invalid record type %d", ErrMalformed, data[0])
	}
	r.Group = getAddr(data[4:8])
	if !r.Group.IsMulticast() {
		return 0, fmt.Errorf("%w: GroupRecord address %s is not multicast", ErrMalformed, r.Group)
	}
	r.Sources = nil
	if n > 0 {
		r.Sources = make([]netip.Addr, n)
		for i := range r.Sources {
			r.Sources[i] = getAddr(data[RecordHeaderLen+4*i:])
		}
	}
	r.AuxData = nil
	if aux > 0 {
		r.AuxData = append([]byte(nil), data[RecordHeaderLen+4*n:size]...)
	}
	return size, nil
}

/*
0                   1                   2                   3
0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1

+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|  Type = 0x22  |    Reserved   |           Checksum            |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|           Reserved            |  Number of Group Records (M)  |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
.                                                               .
.                        Group Record [1]                       .
.                                                               .
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
.                               .                               .
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
.                                                               .
.                        Group Record [M]                       .
.                                                               .
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

	RFC3376 Section 4.2: Version 3 Membership Report Message
*/
type Report struct {
	Records []GroupRecord
}

func (r *Report) Type() MessageType { return MembershipReportV3Type }

func (r *Report) Len() int {
	n := ReportMinLen
	for i := range r.Records {
		n += r.Records[i].Len()
	}
	return n
}

func (r *Report) MarshalBinary() (data []byte, err error) {
	if len(r.Records) == 0 {
		return nil, fmt.Errorf("report without group records")
	}
	if len(r.Records) > 0xFFFF {
		return nil, fmt.Errorf("too many group records for Report: %d", len(r.Records))
	}
	buf := bytes.NewBuffer(make([]byte, 0, r.Len()))
	buf.Write([]byte{byte(MembershipReportV3Type), 0, 0, 0, 0, 0})
	if err = binary.Write(buf, binary.BigEndian, uint16(len(r.Records))); err != nil {
		return nil, err
	}
	for i := range r.Records {
		if err = r.Records[i].marshalTo(buf); err != nil {
			return nil, err
		}
	}
	data = buf.Bytes()
	binary.BigEndian.PutUint16(data[2:4], Checksum(data))
	return data, nil
}

// UnmarshalBinary decodes a Version 3 report. A report must carry at
// least one group record and every announced record must fit in data.
func (r *Report) UnmarshalBinary(data []byte) error {
	if len(data) < ReportMinLen {
		return fmt.Errorf("%w: data too short for Report: %d", ErrTooShort, len(data))
	}
	if MessageType(data[0]) != MembershipReportV3Type {
		return fmt.Errorf("%w: invalid message type for Report: 0x%02x", ErrMalformed, data[0])
	}
	m := int(binary.BigEndian.Uint16(data[6:8]))
	if m == 0 {
		return fmt.Errorf("%w: Report without group records", ErrMalformed)
	}
	if m > (len(data)-ReportMinLen)/RecordHeaderLen {
		return fmt.Errorf("%w: Report announces %d group records in %d bytes", ErrMalformed, m, len(data))
	}
	records := make([]GroupRecord, m)
	off := ReportMinLen
	for i := range records {
		n, err := records[i].unmarshal(data[off:])
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		off += n
	}
	r.Records = records
	return nil
}

// SplitRecords packs records into as few reports as fit in mtu bytes of
// IGMP payload. A record whose source list alone exceeds mtu is split
// into several records of the same type, except for IS_EX and TO_EX
// records whose sources are truncated since splitting would change their
// meaning (RFC 3376 Section 4.2.16).
func SplitRecords(records []GroupRecord, mtu int) []Report {
	if mtu < ReportMinLen+RecordHeaderLen+4 {
		mtu = ReportMinLen + RecordHeaderLen + 4
	}
	maxSources := (mtu - ReportMinLen - RecordHeaderLen) / 4

	var pieces []GroupRecord
	for _, rec := range records {
		if len(rec.Sources) <= maxSources {
			pieces = append(pieces, rec)
			continue
		}
		if rec.Type == ModeIsExclude || rec.Type == ChangeToExcludeMode {
			rec.Sources = rec.Sources[:maxSources]
			pieces = append(pieces, rec)
			continue
		}
		for start := 0; start < len(rec.Sources); start += maxSources {
			end := min(start+maxSources, len(rec.Sources))
			pieces = append(pieces, GroupRecord{Type: rec.Type, Group: rec.Group, Sources: rec.Sources[start:end]})
		}
	}

	var reports []Report
	size := 0
	for _, rec := range pieces {
		if len(reports) == 0 || size+rec.Len() > mtu {
			reports = append(reports, Report{})
			size = ReportMinLen
		}
		cur := &reports[len(reports)-1]
		cur.Records = append(cur.Records, rec)
		size += rec.Len()
	}
	return reports
}
