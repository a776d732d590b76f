// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build !linux

package link

import "net"

// TCP_QUICKACK is Linux-only; elsewhere the option is accepted and ignored.
func setQuickAck(*net.TCPConn) {}
