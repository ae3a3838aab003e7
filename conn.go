package igmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/blockcast/go-igmp/messages"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/bpf"
	"golang.org/x/net/ipv4"
)

// igmpFilter accepts Version 3 queries and reports only. The socket
// delivers whole IP packets, so the IGMP type sits behind a header of
// variable length.
var igmpFilterProgram = []bpf.Instruction{
	bpf.LoadMemShift{Off: 0},
	bpf.LoadIndirect{Off: 0, Size: 1},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(messages.MembershipQueryType), SkipTrue: 1},
	bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(messages.MembershipReportV3Type), SkipTrue: 1},
	bpf.RetConstant{Val: 0xffff},
	bpf.RetConstant{Val: 0},
}

var igmpFilter = mustAssemble(igmpFilterProgram)

func mustAssemble(prog []bpf.Instruction) []bpf.RawInstruction {
	raw, err := bpf.Assemble(prog)
	if err != nil {
		panic(err)
	}
	return raw
}

// routerAlert is the IP Router Alert option (RFC 2113) every IGMPv3
// message carries.
var routerAlert = layers.IPv4Option{OptionType: 148, OptionLength: 4, OptionData: []byte{0, 0}}

// RawTransport moves IGMP messages over one raw IP socket per interface.
type RawTransport struct {
	log logrus.FieldLogger

	mu    sync.Mutex
	conns map[int]*rawConn
}

type rawConn struct {
	ifi  *net.Interface
	src  netip.Addr
	conn *ipv4.RawConn
}

var _ Transport = (*RawTransport)(nil)

func NewRawTransport(log logrus.FieldLogger) *RawTransport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RawTransport{log: log, conns: make(map[int]*rawConn)}
}

// Open starts IGMP on ifi, sending from src. A router also joins
// 224.0.0.22 to hear Version 3 reports.
func (t *RawTransport) Open(ifi *net.Interface, src netip.Addr, router bool) error {
	pc, err := listenIGMP(ifi)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ifi.Name, err)
	}
	conn, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to create raw conn on %s: %w", ifi.Name, err)
	}
	fail := func(what string, err error) error {
		conn.Close()
		return fmt.Errorf("%s on %s: %w", what, ifi.Name, err)
	}
	if err := attachFilter(conn); err != nil {
		return fail("set bpf", err)
	}
	if err := conn.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true); err != nil {
		return fail("set control message", err)
	}
	if err := conn.SetMulticastInterface(ifi); err != nil {
		return fail("set multicast interface", err)
	}
	if err := conn.SetMulticastLoopback(false); err != nil {
		return fail("set multicast loopback", err)
	}
	if router {
		if err := conn.JoinGroup(ifi, &net.IPAddr{IP: messages.AllV3RoutersAddr.AsSlice()}); err != nil {
			return fail("join group", err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.conns[ifi.Index]; ok {
		old.conn.Close()
	}
	t.conns[ifi.Index] = &rawConn{ifi: ifi, src: src, conn: conn}
	t.log.WithFields(logrus.Fields{"iface": ifi.Name, "src": src, "router": router}).Debug("igmp socket open")
	return nil
}

func (t *RawTransport) get(ifID int) *rawConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[ifID]
}

// SetSource changes the address messages on ifID are sent from.
func (t *RawTransport) SetSource(ifID int, src netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rc, ok := t.conns[ifID]; ok {
		rc.src = src
	}
}

func (t *RawTransport) SendDatagram(payload []byte, dst netip.Addr, ifID int) error {
	rc := t.get(ifID)
	if rc == nil {
		return fmt.Errorf("%w: %d", ErrUnknownInterface, ifID)
	}
	b, err := encapsulate(rc.src, dst, payload)
	if err != nil {
		return err
	}
	h, err := ipv4.ParseHeader(b)
	if err != nil {
		return fmt.Errorf("failed to parse built header: %w", err)
	}
	return rc.conn.WriteTo(h, b[h.Len:], &ipv4.ControlMessage{IfIndex: ifID})
}

// encapsulate prepends the IPv4 header of an IGMPv3 message: TTL 1,
// Internetwork Control precedence and the Router Alert option.
func encapsulate(src, dst netip.Addr, payload []byte) ([]byte, error) {
	if !src.IsValid() {
		src = netip.IPv4Unspecified()
	}
	ip := &layers.IPv4{
		Version:  4,
		TOS:      0xc0,
		TTL:      1,
		Protocol: layers.IPProtocolIGMP,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
		Options:  []layers.IPv4Option{routerAlert},
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("error serializing IPv4 layer: %w", err)
	}
	return buf.Bytes(), nil
}

// Serve reads IGMP messages arriving on ifID into out until ctx is done
// or the interface is closed.
func (t *RawTransport) Serve(ctx context.Context, ifID int, out chan<- Datagram) error {
	rc := t.get(ifID)
	if rc == nil {
		return fmt.Errorf("%w: %d", ErrUnknownInterface, ifID)
	}
	size := rc.ifi.MTU
	if size <= 0 {
		size = 65535
	}
	buf := make([]byte, size)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rc.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return err
		}
		h, p, cm, err := rc.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("error reading from %s: %w", rc.ifi.Name, err)
		}
		if cm != nil && cm.IfIndex != 0 && cm.IfIndex != ifID {
			continue
		}
		src, ok := netip.AddrFromSlice(h.Src.To4())
		if !ok {
			continue
		}
		d := Datagram{Payload: append([]byte(nil), p...), Src: src, IfID: ifID}
		select {
		case out <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops IGMP on ifID.
func (t *RawTransport) Close(ifID int) error {
	t.mu.Lock()
	rc, ok := t.conns[ifID]
	delete(t.conns, ifID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return rc.conn.Close()
}

func (t *RawTransport) CloseAll() error {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[int]*rawConn)
	t.mu.Unlock()
	var errs []error
	for _, rc := range conns {
		if err := rc.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
