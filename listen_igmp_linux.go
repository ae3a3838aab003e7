package igmp

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// listenIGMP opens a raw IGMP socket bound to ifi. Unlike a plain
// net.ListenPacket("ip4:2", ...) it only sees packets arriving on ifi and
// only the groups joined on it.
func listenIGMP(ifi *net.Interface) (net.PacketConn, error) {
	if ifi == nil {
		return nil, errors.New("no interface given")
	}

	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_IGMP)
	if err != nil {
		return nil, fmt.Errorf("could not get socket: %w", err)
	}

	if err := unix.SetsockoptString(sock, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifi.Name); err != nil {
		_ = unix.Close(sock)
		return nil, fmt.Errorf("could not bind to interface: %w", err)
	}

	// Only deliver groups joined on this socket.
	if err := unix.SetsockoptInt(sock, unix.IPPROTO_IP, unix.IP_MULTICAST_ALL, 0); err != nil {
		_ = unix.Close(sock)
		return nil, fmt.Errorf("could not clear IP_MULTICAST_ALL: %w", err)
	}

	file := os.NewFile(uintptr(sock), "")
	conn, err := net.FilePacketConn(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("could not wrap filepacketconn: %w", err)
	}
	return conn, nil
}

// attachFilter installs igmpFilter so the kernel drops everything but
// Version 3 queries and reports.
func attachFilter(conn *ipv4.RawConn) error {
	return conn.SetBPF(igmpFilter)
}
