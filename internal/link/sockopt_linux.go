// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build linux

package link

import (
	"net"

	"golang.org/x/sys/unix"
)

func setQuickAck(tcp *net.TCPConn) {
	raw, err := tcp.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	})
}
