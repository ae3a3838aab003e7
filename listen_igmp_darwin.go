package igmp

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// listenIGMP opens a raw IGMP socket bound to ifi with IP_BOUND_IF.
func listenIGMP(ifi *net.Interface) (net.PacketConn, error) {
	if ifi == nil {
		return nil, errors.New("no interface given")
	}

	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_IGMP)
	if err != nil {
		return nil, fmt.Errorf("could not get socket: %w", err)
	}

	if err := unix.SetsockoptInt(sock, unix.IPPROTO_IP, unix.IP_BOUND_IF, ifi.Index); err != nil {
		_ = unix.Close(sock)
		return nil, fmt.Errorf("could not bind to interface: %w", err)
	}

	file := os.NewFile(uintptr(sock), "")
	conn, err := net.FilePacketConn(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("could not wrap filepacketconn: %w", err)
	}
	return conn, nil
}

// attachFilter is a no-op: socket filters are Linux only. Other IGMP
// types reach messages.Parse, which counts and drops them.
func attachFilter(*ipv4.RawConn) error {
	return nil
}
