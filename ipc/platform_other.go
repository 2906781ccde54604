//go:build windows

/* SPDX-License-Identifier: MIT */

package ipc

import "net"

// bindSocket on Windows has no umask to restrict and no stale-socket-file
// convention to clean up; a named pipe is the natural equivalent of the
// POSIX control socket (spec.md §4.6), but wiring one in is out of scope
// here — this falls back to a plain TCP loopback listener so the control
// channel still exists on the platform, at the cost of the unix-socket
// permission model.
func bindSocket(path string) (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}
