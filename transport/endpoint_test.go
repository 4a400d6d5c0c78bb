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

package transport_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/check.v1"

	"github.com/proxishare/proxishare/identity"
	"github.com/proxishare/proxishare/transport"
)

type endpointSuite struct{}

var _ = check.Suite(&endpointSuite{})

// testTrust is an in-memory trust source.
type testTrust struct {
	mu  sync.Mutex
	fps map[string]string
}

func (t *testTrust) TrustedFingerprint(deviceID string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fp, ok := t.fps[deviceID]
	return fp, ok, nil
}

func (t *testTrust) trust(deviceID, fp string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fps == nil {
		t.fps = make(map[string]string)
	}
	t.fps[deviceID] = fp
}

// testHandler records inbound streams.
type testHandler struct {
	control  chan streamEvent
	transfer chan streamEvent
}

type streamEvent struct {
	peer   transport.Peer
	stream *transport.Stream
}

func newTestHandler() *testHandler {
	return &testHandler{
		control:  make(chan streamEvent, 8),
		transfer: make(chan streamEvent, 8),
	}
}

func (h *testHandler) HandleControlStream(peer transport.Peer, stream *transport.Stream) {
	h.control <- streamEvent{peer, stream}
}

func (h *testHandler) HandleTransferStream(peer transport.Peer, stream *transport.Stream) {
	h.transfer <- streamEvent{peer, stream}
}

type endpointFixture struct {
	id      *identity.Identity
	trust   *testTrust
	handler *testHandler
	ep      *transport.Endpoint
}

func startEndpoint(c *check.C) *endpointFixture {
	id, err := identity.Load(c.MkDir())
	c.Assert(err, check.IsNil)

	f := &endpointFixture{
		id:      id,
		trust:   &testTrust{},
		handler: newTestHandler(),
	}
	f.ep = transport.NewEndpoint(id, f.trust, f.handler)
	c.Assert(f.ep.Listen(0), check.IsNil)
	c.Assert(f.ep.Port() > 0, check.Equals, true)
	return f
}

func (f *endpointFixture) addr() string {
	return fmt.Sprintf("127.0.0.1:%d", f.ep.Port())
}

func recvStream(c *check.C, ch chan streamEvent) streamEvent {
	select {
	case ev := <-ch:
		return ev
	case <-time.After(10 * time.Second):
		c.Fatal("timeout waiting for inbound stream")
	}
	panic("unreachable")
}

func (s *endpointSuite) TestDialTrustedAndExchangeFrames(c *check.C) {
	server := startEndpoint(c)
	defer server.ep.Close()
	client := startEndpoint(c)
	defer client.ep.Close()

	// mutual trust with the true fingerprints
	server.trust.trust(client.id.DeviceID, client.id.Fingerprint)
	client.trust.trust(server.id.DeviceID, server.id.Fingerprint)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := client.ep.Dial(ctx, server.id.DeviceID, server.addr())
	c.Assert(err, check.IsNil)
	c.Check(conn.Peer().DeviceID, check.Equals, server.id.DeviceID)
	c.Check(conn.Peer().Fingerprint, check.Equals, server.id.Fingerprint)

	stream, err := conn.OpenControlStream(ctx)
	c.Assert(err, check.IsNil)
	c.Assert(stream.WriteMessage(&transport.ResumeAt{Offset: 7}), check.IsNil)

	ev := recvStream(c, server.handler.control)
	c.Check(ev.peer.DeviceID, check.Equals, client.id.DeviceID)
	c.Check(ev.peer.Fingerprint, check.Equals, client.id.Fingerprint)

	msg, err := ev.stream.ReadMessage()
	c.Assert(err, check.IsNil)
	c.Check(msg, check.DeepEquals, &transport.ResumeAt{Offset: 7})

	// answer on the same stream
	c.Assert(ev.stream.WriteMessage(&transport.Done{OK: true}), check.IsNil)
	answer, err := stream.ReadMessage()
	c.Assert(err, check.IsNil)
	c.Check(answer, check.DeepEquals, &transport.Done{OK: true})

	stream.Close()
	ev.stream.Close()
}

func (s *endpointSuite) TestDialRequiresTrust(c *check.C) {
	server := startEndpoint(c)
	defer server.ep.Close()
	client := startEndpoint(c)
	defer client.ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.ep.Dial(ctx, server.id.DeviceID, server.addr())
	c.Assert(err, check.NotNil)
	c.Check(err, check.ErrorMatches, "no trust record for peer: .*")
}

func (s *endpointSuite) TestDialRejectsUnexpectedCertificate(c *check.C) {
	server := startEndpoint(c)
	defer server.ep.Close()
	client := startEndpoint(c)
	defer client.ep.Close()

	// pin a fingerprint that is not the server's
	client.trust.trust(server.id.DeviceID, "0000000000000000000000000000000000000000000000000000000000000000")
	server.trust.trust(client.id.DeviceID, client.id.Fingerprint)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.ep.Dial(ctx, server.id.DeviceID, server.addr())
	c.Assert(err, check.NotNil)
	c.Check(err, check.ErrorMatches, ".*refusing to communicate with unexpected peer certificate.*")
}

func (s *endpointSuite) TestServerRejectsMismatchedTrustedClient(c *check.C) {
	server := startEndpoint(c)
	defer server.ep.Close()
	client := startEndpoint(c)
	defer client.ep.Close()

	// the server pins a different certificate for this client id
	server.trust.trust(client.id.DeviceID, "0000000000000000000000000000000000000000000000000000000000000000")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := client.ep.DialPairing(ctx, server.addr())
	c.Assert(err, check.IsNil)

	// the server closes the connection; opening a stream and waiting
	// for traffic surfaces that
	stream, err := conn.OpenControlStream(ctx)
	if err == nil {
		stream.WriteMessage(&transport.ResumeAt{Offset: 1})
		stream.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err = stream.ReadMessage()
	}
	c.Assert(err, check.NotNil)

	select {
	case <-server.handler.control:
		c.Fatal("server dispatched a stream from a mismatched peer")
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *endpointSuite) TestDialPairingAcceptsAnyCertificate(c *check.C) {
	server := startEndpoint(c)
	defer server.ep.Close()
	client := startEndpoint(c)
	defer client.ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// no trust anywhere
	conn, err := client.ep.DialPairing(ctx, server.addr())
	c.Assert(err, check.IsNil)
	// the observed fingerprint is bound into the peer identity
	c.Check(conn.Peer().Fingerprint, check.Equals, server.id.Fingerprint)
	c.Check(conn.Peer().DeviceID, check.Equals, server.id.DeviceID)
}

func (s *endpointSuite) TestStreamKindDispatch(c *check.C) {
	server := startEndpoint(c)
	defer server.ep.Close()
	client := startEndpoint(c)
	defer client.ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := client.ep.DialPairing(ctx, server.addr())
	c.Assert(err, check.IsNil)

	control, err := conn.OpenControlStream(ctx)
	c.Assert(err, check.IsNil)
	c.Assert(control.WriteMessage(&transport.ResumeAt{Offset: 1}), check.IsNil)
	xfer, err := conn.OpenTransferStream(ctx)
	c.Assert(err, check.IsNil)
	c.Assert(xfer.WriteMessage(&transport.ResumeAt{Offset: 2}), check.IsNil)

	ev := recvStream(c, server.handler.control)
	msg, err := ev.stream.ReadMessage()
	c.Assert(err, check.IsNil)
	c.Check(msg, check.DeepEquals, &transport.ResumeAt{Offset: 1})

	ev = recvStream(c, server.handler.transfer)
	msg, err = ev.stream.ReadMessage()
	c.Assert(err, check.IsNil)
	c.Check(msg, check.DeepEquals, &transport.ResumeAt{Offset: 2})
}

func (s *endpointSuite) TestConnectionReuse(c *check.C) {
	server := startEndpoint(c)
	defer server.ep.Close()
	client := startEndpoint(c)
	defer client.ep.Close()

	server.trust.trust(client.id.DeviceID, client.id.Fingerprint)
	client.trust.trust(server.id.DeviceID, server.id.Fingerprint)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := client.ep.Dial(ctx, server.id.DeviceID, server.addr())
	c.Assert(err, check.IsNil)
	second, err := client.ep.Dial(ctx, server.id.DeviceID, server.addr())
	c.Assert(err, check.IsNil)
	c.Check(first == second, check.Equals, true)

	cached, ok := client.ep.Connection(server.id.DeviceID)
	c.Assert(ok, check.Equals, true)
	c.Check(cached == first, check.Equals, true)
}
