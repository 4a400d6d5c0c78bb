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

// Package pairing drives the mutual-trust handshake. The initiator
// commits to a 6-digit code by sending a random nonce; the responder
// derives the same code from the nonce and prompts its user for it.
// Only an exact match mints trust records on both sides.
package pairing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/proxishare/proxishare/events"
	"github.com/proxishare/proxishare/identity"
	"github.com/proxishare/proxishare/logger"
	"github.com/proxishare/proxishare/randutil"
	"github.com/proxishare/proxishare/store"
	"github.com/proxishare/proxishare/transport"
)

// Timeout bounds the whole handshake on both sides.
const Timeout = 120 * time.Second

// codeContext is the HMAC message the confirmation code is derived
// from; the nonce is the key.
const codeContext = "proxishare/pair"

// ErrMismatch is returned when the typed code does not match.
var ErrMismatch = errors.New("pairing code mismatch")

// ErrTimeout is returned when the handshake deadline passes.
var ErrTimeout = errors.New("pairing timed out")

// ErrNoSession is returned when no pairing is pending for the device.
var ErrNoSession = errors.New("no pending pairing for device")

// State of one side of a handshake.
type State int

const (
	Idle State = iota
	InitSent
	InitRecv
	AwaitConfirm
	Prompting
	Accepted
	Paired
	Rejected
	TimedOut
)

// DeriveCode turns a nonce into the zero-padded 6-digit code.
func DeriveCode(nonce []byte) string {
	mac := hmac.New(sha256.New, nonce)
	mac.Write([]byte(codeContext))
	sum := mac.Sum(nil)
	n := binary.BigEndian.Uint64(sum[:8]) % 1000000
	return fmt.Sprintf("%06d", n)
}

// RequestEvent is the payload of the pairing-request event surfaced
// to the responder's user.
type RequestEvent struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Code       string `json:"code"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
}

// PairedEvent is the payload of the paired event.
type PairedEvent struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
}

// Dialer opens pairing connections: any certificate accepted, the
// observed fingerprint bound into the peer identity.
type Dialer interface {
	DialPairing(ctx context.Context, addr string) (*transport.Conn, error)
}

// session is one in-flight inbound pairing on the responder.
type session struct {
	peer     transport.Peer
	peerName string
	stream   *transport.Stream
	code     string
	state    State
	decision chan string // typed code, or "" for decline
}

// Manager runs the pairing state machines.
type Manager struct {
	id     *identity.Identity
	st     *store.Store
	hub    *events.Hub
	dialer Dialer

	// DeviceName is the human label sent in pairing requests.
	DeviceName string

	// OnPaired, when set, runs after a trust record is written (used
	// to kick off the optional post-pair history sync).
	OnPaired func(deviceID string)

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager builds a pairing manager.
func NewManager(id *identity.Identity, st *store.Store, hub *events.Hub, dialer Dialer) *Manager {
	return &Manager{
		id:       id,
		st:       st,
		hub:      hub,
		dialer:   dialer,
		sessions: make(map[string]*session),
	}
}

// Request starts pairing with the device as initiator. It returns the
// confirmation code to show the user; the handshake continues in the
// background and ends in a paired event or a discarded session.
func (m *Manager) Request(ctx context.Context, dev *store.DeviceRecord, addr string) (code string, err error) {
	nonce, err := randutil.CryptoTokenBytes(20)
	if err != nil {
		return "", err
	}
	code = DeriveCode(nonce)

	conn, err := m.dialer.DialPairing(ctx, net.JoinHostPort(addr, fmt.Sprintf("%d", dev.ServicePort)))
	if err != nil {
		return "", err
	}
	if conn.Peer().DeviceID != dev.DeviceID {
		conn.Close(transport.CodeUntrusted, "unexpected device id")
		return "", fmt.Errorf("peer at %s claims device id %s, expected %s", addr, conn.Peer().DeviceID, dev.DeviceID)
	}

	stream, err := conn.OpenControlStream(ctx)
	if err != nil {
		return "", err
	}

	req := &transport.PairReq{
		DeviceID: m.id.DeviceID,
		Name:     m.name(),
		Nonce:    nonce,
	}
	if err := stream.WriteMessage(req); err != nil {
		stream.Cancel(transport.StreamCancelled)
		return "", fmt.Errorf("cannot send pairing request: %w", err)
	}

	go m.awaitAck(conn.Peer(), stream)
	return code, nil
}

func (m *Manager) name() string {
	if m.DeviceName != "" {
		return m.DeviceName
	}
	return m.id.DeviceID[:8]
}

// awaitAck finishes the initiator side.
func (m *Manager) awaitAck(peer transport.Peer, stream *transport.Stream) {
	defer stream.Close()

	stream.SetReadDeadline(time.Now().Add(Timeout))
	msg, err := stream.ReadMessage()
	if err != nil {
		logger.Noticef("pairing with %s failed: %v", peer.DeviceID, err)
		return
	}
	ack, ok := msg.(*transport.PairAck)
	if !ok {
		logger.Noticef("pairing with %s failed: unexpected %T", peer.DeviceID, msg)
		return
	}
	if !ack.Accept {
		logger.Noticef("pairing with %s declined by peer", peer.DeviceID)
		return
	}
	// the fingerprint the peer claims must be the one its certificate
	// showed during the handshake
	if ack.Fingerprint != peer.Fingerprint {
		logger.Noticef("pairing with %s failed: fingerprint mismatch", peer.DeviceID)
		stream.WriteMessage(&transport.PairAck{Accept: false})
		return
	}

	if err := stream.WriteMessage(&transport.PairFin{Fingerprint: m.id.Fingerprint}); err != nil {
		logger.Noticef("pairing with %s failed: %v", peer.DeviceID, err)
		return
	}

	if err := m.persistTrust(peer.DeviceID, peer.Fingerprint); err != nil {
		logger.Noticef("cannot persist trust for %s: %v", peer.DeviceID, err)
		return
	}
}

// HandleRequest runs the responder side for one inbound PAIR_REQ. It
// blocks until the user decides or the handshake times out; the
// transport calls it on the stream's own goroutine.
func (m *Manager) HandleRequest(peer transport.Peer, stream *transport.Stream, req *transport.PairReq) {
	defer stream.Close()

	if req.DeviceID != peer.DeviceID {
		// the id inside the request must match the certificate claim
		stream.WriteMessage(&transport.PairAck{Accept: false})
		return
	}

	code := DeriveCode(req.Nonce)
	sess := &session{
		peer:     peer,
		peerName: req.Name,
		stream:   stream,
		code:     code,
		state:    Prompting,
		decision: make(chan string, 1),
	}

	m.mu.Lock()
	if _, exists := m.sessions[peer.DeviceID]; exists {
		m.mu.Unlock()
		stream.WriteMessage(&transport.PairAck{Accept: false})
		return
	}
	m.sessions[peer.DeviceID] = sess
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, peer.DeviceID)
		m.mu.Unlock()
	}()

	ip := ""
	port := 0
	if udp, ok := peer.RemoteAddr.(*net.UDPAddr); ok {
		ip = udp.IP.String()
		port = udp.Port
	}
	m.hub.Publish(events.PairingRequest, &RequestEvent{
		DeviceID:   peer.DeviceID,
		DeviceName: req.Name,
		Code:       code,
		IP:         ip,
		Port:       port,
	})

	var typed string
	select {
	case typed = <-sess.decision:
	case <-time.After(Timeout):
		sess.state = TimedOut
		stream.WriteMessage(&transport.PairAck{Accept: false})
		logger.Noticef("pairing with %s timed out", peer.DeviceID)
		return
	}

	if typed != code {
		sess.state = Rejected
		stream.WriteMessage(&transport.PairAck{Accept: false})
		return
	}

	sess.state = Accepted
	if err := stream.WriteMessage(&transport.PairAck{Accept: true, Fingerprint: m.id.Fingerprint}); err != nil {
		logger.Noticef("pairing with %s failed: %v", peer.DeviceID, err)
		return
	}

	stream.SetReadDeadline(time.Now().Add(Timeout))
	msg, err := stream.ReadMessage()
	if err != nil {
		logger.Noticef("pairing with %s failed: %v", peer.DeviceID, err)
		return
	}
	fin, ok := msg.(*transport.PairFin)
	if !ok {
		logger.Noticef("pairing with %s failed: unexpected %T", peer.DeviceID, msg)
		return
	}
	if fin.Fingerprint != peer.Fingerprint {
		logger.Noticef("pairing with %s failed: fingerprint mismatch", peer.DeviceID)
		return
	}

	if err := m.persistTrust(peer.DeviceID, peer.Fingerprint); err != nil {
		logger.Noticef("cannot persist trust for %s: %v", peer.DeviceID, err)
		return
	}
	sess.state = Paired
}

func (m *Manager) persistTrust(deviceID, fingerprint string) error {
	err := m.st.PutTrust(&store.TrustRecord{
		DeviceID:    deviceID,
		Fingerprint: fingerprint,
		PairedAt:    time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	m.hub.Publish(events.Paired, &PairedEvent{DeviceID: deviceID, Fingerprint: fingerprint})
	if m.OnPaired != nil {
		go m.OnPaired(deviceID)
	}
	return nil
}

// Accept resolves a pending inbound pairing with the code the user
// typed. A wrong code rejects the handshake.
func (m *Manager) Accept(deviceID, typedCode string) error {
	m.mu.Lock()
	sess, ok := m.sessions[deviceID]
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}

	select {
	case sess.decision <- typedCode:
	default:
		return fmt.Errorf("pairing with %s already decided", deviceID)
	}
	if typedCode != sess.code {
		return ErrMismatch
	}
	return nil
}

// Reject declines a pending inbound pairing.
func (m *Manager) Reject(deviceID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[deviceID]
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}

	select {
	case sess.decision <- "":
	default:
		return fmt.Errorf("pairing with %s already decided", deviceID)
	}
	return nil
}
