/* SPDX-License-Identifier: MIT */

// Package mcast is the multicast transport of spec.md §4.1: a UDP socket
// bound to 0.0.0.0:53317, joined to the LocalSend multicast group
// 224.0.0.167, with a send and a receive primitive layered on top. The
// wrapping follows the teacher lineage's device.Bind convention (a small
// interface around a raw socket, exposing exactly the operations the rest
// of the daemon needs) adapted from unicast point-to-point UDP to IPv4
// multicast group membership via golang.org/x/net/ipv4, the same package
// the teacher imports for its own dual-stack receive loop.
package mcast

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/wylited/lsendd/lserr"
)

// Group and Port are the LocalSend wire constants (spec.md §6).
const (
	Group = "224.0.0.167"
	Port  = 53317

	// MinBufferSize is the minimum receive buffer: the full IPv4 UDP
	// MTU, so a legitimate announcement can never be truncated.
	MinBufferSize = 65535
)

// Transport is the multicast socket: one sender, one receiver, as
// described in spec.md §5 ("one writer is the announcer, one reader is
// the listener; no interleaving hazard").
type Transport struct {
	conn      *net.UDPConn
	pconn     *ipv4.PacketConn
	groupAddr *net.UDPAddr
}

// Open binds 0.0.0.0:port and joins Group on the given interface name
// (empty string means "let the OS pick", matching interface 0.0.0.0 of
// spec.md §4.1). Bind failures surface as lserr.PortBound, per spec.md §7.
func Open(port int, ifaceName string) (*Transport, error) {
	if port == 0 {
		port = Port
	}

	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, lserr.Newf(lserr.PortBound, "%v", err)
	}

	pconn := ipv4.NewPacketConn(conn)

	var iface *net.Interface
	if ifaceName != "" {
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			conn.Close()
			return nil, lserr.Newf(lserr.IO, "resolve interface %q: %v", ifaceName, err)
		}
	}

	groupIP := net.ParseIP(Group)
	if err := pconn.JoinGroup(iface, &net.UDPAddr{IP: groupIP}); err != nil {
		conn.Close()
		return nil, lserr.Newf(lserr.IO, "join multicast group: %v", err)
	}

	return &Transport{
		conn:      conn,
		pconn:     pconn,
		groupAddr: &net.UDPAddr{IP: groupIP, Port: Port},
	}, nil
}

// Close releases the underlying socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// SendAnnouncement sends payload to the multicast group. A send failure
// is non-fatal to the caller's loop per spec.md §4.3.
func (t *Transport) SendAnnouncement(payload []byte) error {
	_, err := t.conn.WriteToUDP(payload, t.groupAddr)
	if err != nil {
		return lserr.Newf(lserr.IO, "send announcement: %v", err)
	}
	return nil
}

// RecvDatagram blocks for the next datagram, returning its payload and
// source address. Buffers of MinBufferSize bytes are used so a
// legitimate announcement can never be truncated; oversized datagrams
// that don't fit even that are dropped cleanly by the kernel rather than
// handed back partially.
func (t *Transport) RecvDatagram() ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, MinBufferSize)
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, lserr.Newf(lserr.IO, "recv datagram: %v", err)
	}
	return buf[:n], addr, nil
}

// String returns the multicast group:port this transport is joined to,
// useful for log lines.
func (t *Transport) String() string {
	return fmt.Sprintf("%s:%d", Group, Port)
}
