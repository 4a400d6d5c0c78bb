// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package netprobe answers cheap reachability questions: can the
// peer's transport be reached at a given address, and which of a
// device's advertised addresses answers first.
//
// A probe is a bare QUIC handshake on a throwaway socket. It accepts
// any certificate, opens no streams and touches no trust-protected
// resource.
package netprobe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/proxishare/proxishare/identity"
	"github.com/proxishare/proxishare/logger"
	"github.com/proxishare/proxishare/store"
)

// Timeout bounds a single probe.
const Timeout = 750 * time.Millisecond

// Prober runs reachability tests with this device's certificate.
type Prober struct {
	id *identity.Identity
}

// New returns a prober using the given identity for the TLS layer.
func New(id *identity.Identity) *Prober {
	return &Prober{id: id}
}

// TestReachable reports whether a transport answers at addr:port
// within the probe timeout.
func (p *Prober) TestReachable(ctx context.Context, addr string, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	hostport := net.JoinHostPort(addr, strconv.Itoa(port))
	qc, err := quic.DialAddr(ctx, hostport, p.tlsConfig(), &quic.Config{
		HandshakeIdleTimeout: Timeout,
	})
	if err != nil {
		logger.Debugf("probe of %s failed: %v", hostport, err)
		return false
	}
	qc.CloseWithError(0, "probe")
	return true
}

// FindReachable returns the first of the device's advertised
// addresses that answers, in advertisement order.
func (p *Prober) FindReachable(ctx context.Context, dev *store.DeviceRecord) (string, error) {
	for _, addr := range dev.Addresses {
		if p.TestReachable(ctx, addr, dev.ServicePort) {
			return addr, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("no reachable address for device %s among %v", dev.DeviceID, dev.Addresses)
}

func (p *Prober) tlsConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{p.id.Certificate},
		NextProtos:   []string{"proxishare/1"},
		MinVersion:   tls.VersionTLS13,
		// a probe only asks "does a transport answer here"; identity
		// is checked when a real connection is made
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return nil
		},
	}
}
