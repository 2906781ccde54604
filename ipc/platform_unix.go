//go:build !windows

/* SPDX-License-Identifier: MIT */

package ipc

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// bindSocket binds a unix domain socket at path, unlinking any stale
// socket file left behind by a previous run first (spec.md §9: "tolerates
// a missing/stale socket file by unlinking before bind"). The pattern —
// try to listen, and on failure dial first to distinguish "in use" from
// "stale" before unlinking — is carried over from ipc.UAPIOpen in the
// teacher lineage, adapted from a named interface socket directory to a
// single well-known control-socket path.
func bindSocket(path string) (net.Listener, error) {
	oldUmask := unix.Umask(0o077)
	defer unix.Umask(oldUmask)

	l, err := net.Listen("unix", path)
	if err == nil {
		return l, nil
	}

	if _, dialErr := net.Dial("unix", path); dialErr == nil {
		return nil, err // socket is genuinely in use by a live listener
	}
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, rmErr
	}
	return net.Listen("unix", path)
}
