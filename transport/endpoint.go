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

// Package transport maintains the QUIC endpoint all peer traffic
// flows through: one UDP port, encrypted and mutually authenticated
// connections, and typed frames on bidirectional streams.
//
// Certificate verification pins the fingerprint recorded in the
// peer's trust record. Pairing connections are the one exception:
// they accept any certificate and surface the observed fingerprint so
// the pairing state machine can bind it.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/tomb.v2"

	"github.com/proxishare/proxishare/identity"
	"github.com/proxishare/proxishare/logger"
)

const (
	// alpn is the protocol identifier inside the TLS handshake.
	alpn = "proxishare/1"

	// HandshakeTimeout bounds the initial QUIC+TLS handshake.
	HandshakeTimeout = 10 * time.Second

	// IdleTimeout expires connections with no traffic.
	IdleTimeout = 120 * time.Second
)

// Application level error codes carried in QUIC CONNECTION_CLOSE and
// RESET_STREAM frames.
const (
	CodeOK         quic.ApplicationErrorCode = 0x0
	CodeDuplicate  quic.ApplicationErrorCode = 0x1
	CodeUntrusted  quic.ApplicationErrorCode = 0x2
	CodeProtocol   quic.ApplicationErrorCode = 0x3
	CodeShutdown   quic.ApplicationErrorCode = 0x4

	// StreamCancelled is the stream error code both ends use when a
	// transfer is cancelled.
	StreamCancelled quic.StreamErrorCode = 0x10
)

// ErrUntrusted is returned when a dial would need a trust record that
// does not exist.
var ErrUntrusted = errors.New("no trust record for peer")

// TrustSource answers fingerprint lookups at connection time. The
// engine implements it on top of the store's trust records.
type TrustSource interface {
	// TrustedFingerprint returns the pinned fingerprint for the
	// device, with ok false when the device is not trusted.
	TrustedFingerprint(deviceID string) (fp string, ok bool, err error)
}

// Peer identifies the remote end of a connection.
type Peer struct {
	DeviceID    string
	Fingerprint string
	RemoteAddr  net.Addr
}

// Handler consumes inbound streams. One goroutine per stream; the
// handler owns the stream and must close it.
type Handler interface {
	HandleControlStream(peer Peer, stream *Stream)
	HandleTransferStream(peer Peer, stream *Stream)
}

// Stream is one bidirectional stream carrying typed frames.
type Stream struct {
	qs quic.Stream
}

// ReadMessage reads the next frame off the stream.
func (s *Stream) ReadMessage() (Message, error) {
	return ReadMessage(s.qs)
}

// WriteMessage writes one frame to the stream.
func (s *Stream) WriteMessage(msg Message) error {
	return WriteMessage(s.qs, msg)
}

// SetReadDeadline bounds the next reads.
func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.qs.SetReadDeadline(t)
}

// Close closes the write side cleanly and lets reads drain.
func (s *Stream) Close() error {
	return s.qs.Close()
}

// Cancel aborts both directions with the given error code.
func (s *Stream) Cancel(code quic.StreamErrorCode) {
	s.qs.CancelRead(code)
	s.qs.CancelWrite(code)
}

// Conn is the single logical connection to a peer.
type Conn struct {
	ep   *Endpoint
	qc   quic.Connection
	peer Peer
}

// Peer returns the authenticated remote identity.
func (c *Conn) Peer() Peer {
	return c.peer
}

// openStream opens a bidirectional stream and writes the kind byte.
func (c *Conn) openStream(ctx context.Context, kind byte) (*Stream, error) {
	qs, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot open stream to %s: %w", c.peer.DeviceID, err)
	}
	if _, err := qs.Write([]byte{kind}); err != nil {
		qs.CancelRead(quic.StreamErrorCode(CodeProtocol))
		qs.CancelWrite(quic.StreamErrorCode(CodeProtocol))
		return nil, fmt.Errorf("cannot open stream to %s: %w", c.peer.DeviceID, err)
	}
	return &Stream{qs: qs}, nil
}

// OpenControlStream opens a control stream (pairing, history sync).
func (c *Conn) OpenControlStream(ctx context.Context) (*Stream, error) {
	return c.openStream(ctx, KindControl)
}

// OpenTransferStream opens a transfer stream. A transfer occupies
// exactly one stream so its byte offsets stay well defined for
// resume.
func (c *Conn) OpenTransferStream(ctx context.Context) (*Stream, error) {
	return c.openStream(ctx, KindTransfer)
}

// Close tears the connection down.
func (c *Conn) Close(code quic.ApplicationErrorCode, reason string) error {
	return c.qc.CloseWithError(code, reason)
}

// Endpoint is the process-wide QUIC endpoint.
type Endpoint struct {
	id      *identity.Identity
	trust   TrustSource
	handler Handler

	udp  *net.UDPConn
	qt   *quic.Transport
	ln   *quic.Listener
	port int

	tomb tomb.Tomb

	mu      sync.Mutex
	conns   map[string]*Conn
	dialing map[string]*inflightDial
}

type inflightDial struct {
	done chan struct{}
	conn *Conn
	err  error
}

// NewEndpoint builds an endpoint using the given identity for TLS and
// the trust source for certificate pinning.
func NewEndpoint(id *identity.Identity, trust TrustSource, handler Handler) *Endpoint {
	return &Endpoint{
		id:      id,
		trust:   trust,
		handler: handler,
		conns:   make(map[string]*Conn),
		dialing: make(map[string]*inflightDial),
	}
}

func (ep *Endpoint) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: HandshakeTimeout,
		MaxIdleTimeout:       IdleTimeout,
	}
}

// Listen binds the UDP socket (port 0 lets the OS pick) and starts
// the accept loop.
func (ep *Endpoint) Listen(port int) error {
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return fmt.Errorf("cannot bind transport socket: %w", err)
	}
	ep.udp = udp
	ep.port = udp.LocalAddr().(*net.UDPAddr).Port
	ep.qt = &quic.Transport{Conn: udp}

	serverTLS := &tls.Config{
		Certificates: []tls.Certificate{ep.id.Certificate},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
		// client certs are self-signed; identity is checked against
		// the pinned fingerprint after the handshake
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) != 1 {
				return fmt.Errorf("exactly one peer certificate expected, got %d", len(rawCerts))
			}
			return nil
		},
	}

	ln, err := ep.qt.Listen(serverTLS, ep.quicConfig())
	if err != nil {
		udp.Close()
		return fmt.Errorf("cannot listen on transport socket: %w", err)
	}
	ep.ln = ln

	ep.tomb.Go(ep.acceptLoop)
	return nil
}

// Port returns the bound UDP port.
func (ep *Endpoint) Port() int {
	return ep.port
}

func (ep *Endpoint) acceptLoop() error {
	ctx := ep.tomb.Context(nil)
	for {
		qc, err := ep.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ep.tomb.Go(func() error {
			ep.handleConn(qc)
			return nil
		})
	}
}

func (ep *Endpoint) handleConn(qc quic.Connection) {
	peer, err := peerFromConn(qc)
	if err != nil {
		logger.Noticef("rejecting connection from %s: %v", qc.RemoteAddr(), err)
		qc.CloseWithError(CodeProtocol, err.Error())
		return
	}
	if peer.DeviceID == ep.id.DeviceID {
		qc.CloseWithError(CodeProtocol, "connection from own device id")
		return
	}

	// a trusted peer must present the pinned certificate; an unknown
	// peer is let in for pairing only, which binds the observed
	// fingerprint into its state
	fp, trusted, err := ep.trust.TrustedFingerprint(peer.DeviceID)
	if err != nil {
		qc.CloseWithError(CodeShutdown, "cannot check trust")
		return
	}
	if trusted && fp != peer.Fingerprint {
		logger.Noticef("refusing to communicate with unexpected peer certificate from %s", peer.DeviceID)
		qc.CloseWithError(CodeUntrusted, "certificate does not match trust record")
		return
	}

	conn := &Conn{ep: ep, qc: qc, peer: peer}
	ep.register(conn)
	ep.serveConn(conn)
}

// peerFromConn extracts the claimed identity from the TLS handshake.
func peerFromConn(qc quic.Connection) (Peer, error) {
	certs := qc.ConnectionState().TLS.PeerCertificates
	if len(certs) != 1 {
		return Peer{}, fmt.Errorf("exactly one peer certificate expected, got %d", len(certs))
	}
	deviceID, err := identity.CertDeviceID(certs[0].Raw)
	if err != nil {
		return Peer{}, err
	}
	fp, err := identity.Fingerprint(certs[0].Raw)
	if err != nil {
		return Peer{}, err
	}
	return Peer{
		DeviceID:    deviceID,
		Fingerprint: fp,
		RemoteAddr:  qc.RemoteAddr(),
	}, nil
}

// register installs the connection as the single logical connection
// to the peer, replacing (and closing) a prior one.
func (ep *Endpoint) register(conn *Conn) {
	ep.mu.Lock()
	prev := ep.conns[conn.peer.DeviceID]
	ep.conns[conn.peer.DeviceID] = conn
	ep.mu.Unlock()

	if prev != nil {
		prev.Close(CodeDuplicate, "replaced by newer connection")
	}

	// drop the map entry once the connection dies (idle timeout,
	// close, network error)
	if !ep.tomb.Alive() {
		return
	}
	ep.tomb.Go(func() error {
		<-conn.qc.Context().Done()
		ep.mu.Lock()
		if ep.conns[conn.peer.DeviceID] == conn {
			delete(ep.conns, conn.peer.DeviceID)
		}
		ep.mu.Unlock()
		return nil
	})
}

// serveConn accepts inbound streams until the connection dies.
func (ep *Endpoint) serveConn(conn *Conn) {
	ctx := ep.tomb.Context(nil)
	for {
		qs, err := conn.qc.AcceptStream(ctx)
		if err != nil {
			return
		}
		ep.tomb.Go(func() error {
			ep.dispatchStream(conn, qs)
			return nil
		})
	}
}

func (ep *Endpoint) dispatchStream(conn *Conn, qs quic.Stream) {
	stream := &Stream{qs: qs}

	kind := make([]byte, 1)
	qs.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	if _, err := io.ReadFull(qs, kind); err != nil {
		stream.Cancel(quic.StreamErrorCode(CodeProtocol))
		return
	}
	qs.SetReadDeadline(time.Time{})

	switch kind[0] {
	case KindControl:
		ep.handler.HandleControlStream(conn.peer, stream)
	case KindTransfer:
		ep.handler.HandleTransferStream(conn.peer, stream)
	default:
		logger.Debugf("unknown stream kind 0x%02x from %s", kind[0], conn.peer.DeviceID)
		stream.Cancel(quic.StreamErrorCode(CodeProtocol))
	}
}

// Connection returns the live connection to the peer, if any.
func (ep *Endpoint) Connection(deviceID string) (*Conn, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	conn, ok := ep.conns[deviceID]
	return conn, ok
}

// Dial returns the connection to a trusted peer, reusing a live one
// and coalescing concurrent attempts. The peer's certificate must
// match the fingerprint in its trust record.
func (ep *Endpoint) Dial(ctx context.Context, deviceID, addr string) (*Conn, error) {
	fp, trusted, err := ep.trust.TrustedFingerprint(deviceID)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, fmt.Errorf("%w: %s", ErrUntrusted, deviceID)
	}

	ep.mu.Lock()
	if conn, ok := ep.conns[deviceID]; ok {
		ep.mu.Unlock()
		return conn, nil
	}
	if inflight, ok := ep.dialing[deviceID]; ok {
		ep.mu.Unlock()
		select {
		case <-inflight.done:
			if inflight.err != nil {
				return nil, inflight.err
			}
			return inflight.conn, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	inflight := &inflightDial{done: make(chan struct{})}
	ep.dialing[deviceID] = inflight
	ep.mu.Unlock()

	conn, err := ep.dial(ctx, deviceID, fp, addr)

	ep.mu.Lock()
	delete(ep.dialing, deviceID)
	ep.mu.Unlock()

	inflight.conn, inflight.err = conn, err
	close(inflight.done)
	return conn, err
}

func (ep *Endpoint) dial(ctx context.Context, deviceID, pinnedFP, addr string) (*Conn, error) {
	clientTLS := ep.clientTLS(func(rawCerts [][]byte) error {
		fp, err := identity.Fingerprint(rawCerts[0])
		if err != nil {
			return err
		}
		if fp != pinnedFP {
			return fmt.Errorf("refusing to communicate with unexpected peer certificate")
		}
		return nil
	})

	qc, err := ep.dialQUIC(ctx, addr, clientTLS)
	if err != nil {
		return nil, err
	}

	peer, err := peerFromConn(qc)
	if err != nil {
		qc.CloseWithError(CodeProtocol, err.Error())
		return nil, err
	}
	if peer.DeviceID != deviceID {
		qc.CloseWithError(CodeUntrusted, "unexpected device id")
		return nil, fmt.Errorf("peer at %s claims device id %s, expected %s", addr, peer.DeviceID, deviceID)
	}

	conn := &Conn{ep: ep, qc: qc, peer: peer}
	ep.register(conn)
	if ep.tomb.Alive() {
		ep.tomb.Go(func() error {
			ep.serveConn(conn)
			return nil
		})
	}
	return conn, nil
}

// DialPairing connects for pairing: any certificate is accepted and
// the observed fingerprint is bound into the returned peer identity.
func (ep *Endpoint) DialPairing(ctx context.Context, addr string) (*Conn, error) {
	clientTLS := ep.clientTLS(func([][]byte) error { return nil })

	qc, err := ep.dialQUIC(ctx, addr, clientTLS)
	if err != nil {
		return nil, err
	}

	peer, err := peerFromConn(qc)
	if err != nil {
		qc.CloseWithError(CodeProtocol, err.Error())
		return nil, err
	}

	conn := &Conn{ep: ep, qc: qc, peer: peer}
	ep.register(conn)
	if ep.tomb.Alive() {
		ep.tomb.Go(func() error {
			ep.serveConn(conn)
			return nil
		})
	}
	return conn, nil
}

func (ep *Endpoint) clientTLS(verify func(rawCerts [][]byte) error) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{ep.id.Certificate},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
		// self-signed peer certs never chain to a CA; identity is the
		// pinned fingerprint
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) != 1 {
				return fmt.Errorf("exactly one peer certificate expected, got %d", len(rawCerts))
			}
			return verify(rawCerts)
		},
	}
}

func (ep *Endpoint) dialQUIC(ctx context.Context, addr string, clientTLS *tls.Config) (quic.Connection, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %q: %w", addr, err)
	}
	qc, err := ep.qt.Dial(ctx, udpAddr, clientTLS, ep.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("cannot dial %s: %w", addr, err)
	}
	return qc, nil
}

// Close shuts the endpoint down: all connections, the listener and
// the socket.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	conns := make([]*Conn, 0, len(ep.conns))
	for _, conn := range ep.conns {
		conns = append(conns, conn)
	}
	ep.mu.Unlock()

	for _, conn := range conns {
		conn.Close(CodeShutdown, "shutting down")
	}

	ep.tomb.Kill(nil)
	if ep.ln != nil {
		ep.ln.Close()
	}
	err := ep.tomb.Wait()
	if ep.udp != nil {
		ep.udp.Close()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
