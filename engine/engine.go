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

// Package engine ties the subsystems together behind one handle. The
// shell drives the engine through the command methods and consumes
// the event hub; tests construct several independent engines in one
// process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/proxishare/proxishare/discovery"
	"github.com/proxishare/proxishare/events"
	"github.com/proxishare/proxishare/identity"
	"github.com/proxishare/proxishare/logger"
	"github.com/proxishare/proxishare/netprobe"
	"github.com/proxishare/proxishare/osutil"
	"github.com/proxishare/proxishare/pairing"
	"github.com/proxishare/proxishare/reconcile"
	"github.com/proxishare/proxishare/store"
	"github.com/proxishare/proxishare/transfer"
	"github.com/proxishare/proxishare/transport"
)

// Options configure one engine instance. There is no hidden
// singleton: everything the engine needs comes in here.
type Options struct {
	// DataDir holds the store and the identity files.
	DataDir string
	// Name is the human label advertised for this device.
	Name string
	// Port is the transport's UDP port; 0 lets the OS choose.
	Port int
	// Downloads is where received files land.
	Downloads string
	// ChunkSize overrides the transfer chunk size; 0 for the default.
	ChunkSize int
	// NoSyncOnPair disables the automatic history sync that normally
	// follows a completed pairing.
	NoSyncOnPair bool
}

// Engine is the peer engine handle.
type Engine struct {
	opts Options

	id        *identity.Identity
	st        *store.Store
	hub       *events.Hub
	disco     *discovery.Discovery
	probe     *netprobe.Prober
	endpoint  *transport.Endpoint
	pairing   *pairing.Manager
	transfers *transfer.Engine
	recon     *reconcile.Reconciler

	mu         sync.Mutex
	syncFolder string
}

// trustSource adapts the store to the transport's fingerprint lookup.
type trustSource struct {
	st *store.Store
}

func (t *trustSource) TrustedFingerprint(deviceID string) (string, bool, error) {
	rec, err := t.st.Trust(deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Fingerprint, true, nil
}

// New initializes an engine: identity, store, transport listener.
// Discovery stays stopped until StartDiscovery.
func New(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("cannot initialize engine: no data directory")
	}
	if err := osutil.MkdirAll(opts.DataDir, 0700); err != nil {
		return nil, err
	}
	if opts.Downloads == "" {
		return nil, fmt.Errorf("cannot initialize engine: no downloads directory")
	}

	id, err := identity.Load(opts.DataDir)
	if err != nil {
		return nil, err
	}
	if opts.Name == "" {
		opts.Name = "proxishare-" + id.DeviceID[:8]
	}

	st, err := store.Open(opts.DataDir)
	if err != nil {
		return nil, classify(KindStoreError, err)
	}

	e := &Engine{
		opts: opts,
		id:   id,
		st:   st,
		hub:  events.NewHub(),
	}

	e.endpoint = transport.NewEndpoint(id, &trustSource{st: st}, (*streamHandler)(e))
	if err := e.endpoint.Listen(opts.Port); err != nil {
		st.Close()
		return nil, err
	}

	e.probe = netprobe.New(id)
	e.disco = discovery.New(discovery.Options{
		DeviceID: id.DeviceID,
		Name:     opts.Name,
		Port:     e.endpoint.Port(),
	}, st, e.hub)

	e.transfers = transfer.NewEngine(st, e.hub, opts.Downloads, opts.ChunkSize)
	e.recon = reconcile.New(st, e.hub)

	e.pairing = pairing.NewManager(id, st, e.hub, e.endpoint)
	e.pairing.DeviceName = opts.Name
	if !opts.NoSyncOnPair {
		e.pairing.OnPaired = func(deviceID string) {
			if _, err := e.SyncHistory(context.Background(), deviceID); err != nil {
				logger.Debugf("post-pair history sync with %s failed: %v", deviceID, err)
			}
		}
	}

	logger.Noticef("engine ready: device %s (%s) on udp port %d", opts.Name, id.DeviceID, e.endpoint.Port())
	return e, nil
}

// Stop shuts the engine down: discovery, transport, event hub, store.
func (e *Engine) Stop() {
	e.disco.Stop()
	e.endpoint.Close()
	e.hub.Close()
	e.st.Close()
}

// DeviceID returns this device's stable identifier.
func (e *Engine) DeviceID() string {
	return e.id.DeviceID
}

// Port returns the transport's bound UDP port.
func (e *Engine) Port() int {
	return e.endpoint.Port()
}

// Subscribe returns an event subscription for the named events, or
// all events with no names.
func (e *Engine) Subscribe(names ...string) *events.Subscription {
	return e.hub.Subscribe(names...)
}

// StartDiscovery begins advertising and browsing on the LAN.
func (e *Engine) StartDiscovery() error {
	if err := e.disco.Start(); err != nil {
		return kindError(KindDiscoveryUnavailable, "cannot start discovery: %v", err)
	}
	return nil
}

// StopDiscovery halts advertising and browsing; the engine keeps
// serving connected peers.
func (e *Engine) StopDiscovery() {
	e.disco.Stop()
}

// DiscoveredDevices returns the live roster.
func (e *Engine) DiscoveredDevices() []*store.DeviceRecord {
	return e.disco.Devices()
}

// IsDeviceTrusted reports whether a trust record exists for the
// device.
func (e *Engine) IsDeviceTrusted(deviceID string) (bool, error) {
	trusted, err := e.st.IsTrusted(deviceID)
	if err != nil {
		return false, classify(KindStoreError, err)
	}
	return trusted, nil
}

// RemoveTrust deletes the device's trust record; only the user
// reaches this.
func (e *Engine) RemoveTrust(deviceID string) error {
	if err := e.st.DeleteTrust(deviceID); err != nil {
		return classify(KindStoreError, err)
	}
	return nil
}

// deviceRecord finds the device in the roster, falling back to the
// store for devices currently unseen.
func (e *Engine) deviceRecord(deviceID string) (*store.DeviceRecord, error) {
	if dev, ok := e.disco.Device(deviceID); ok {
		return dev, nil
	}
	dev, err := e.st.Device(deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, kindError(KindUnreachable, "device %s has never been seen", deviceID)
	}
	if err != nil {
		return nil, classify(KindStoreError, err)
	}
	return dev, nil
}

// connect resolves a reachable address for the device and returns the
// (possibly already live) connection to it.
func (e *Engine) connect(ctx context.Context, deviceID string) (*transport.Conn, error) {
	if conn, ok := e.endpoint.Connection(deviceID); ok {
		return conn, nil
	}
	dev, err := e.deviceRecord(deviceID)
	if err != nil {
		return nil, err
	}
	addr, err := e.probe.FindReachable(ctx, dev)
	if err != nil {
		return nil, kindError(KindUnreachable, "%v", err)
	}
	conn, err := e.endpoint.Dial(ctx, deviceID, net.JoinHostPort(addr, strconv.Itoa(dev.ServicePort)))
	if err != nil {
		return nil, classify(KindUnreachable, err)
	}
	return conn, nil
}

// RequestPairing starts pairing with the device as initiator and
// returns the 6-digit code to show the user. The handshake finishes
// in the background and ends in a paired event.
func (e *Engine) RequestPairing(ctx context.Context, deviceID string) (code string, err error) {
	dev, err := e.deviceRecord(deviceID)
	if err != nil {
		return "", err
	}
	addr, err := e.probe.FindReachable(ctx, dev)
	if err != nil {
		return "", kindError(KindUnreachable, "%v", err)
	}
	code, err = e.pairing.Request(ctx, dev, addr)
	if err != nil {
		return "", classify(KindUnreachable, err)
	}
	return code, nil
}

// AcceptPairing resolves a pending inbound pairing with the code the
// user typed.
func (e *Engine) AcceptPairing(deviceID, code string) error {
	if err := e.pairing.Accept(deviceID, code); err != nil {
		if errors.Is(err, pairing.ErrMismatch) {
			return kindError(KindPairingMismatch, "pairing code does not match")
		}
		if errors.Is(err, pairing.ErrNoSession) {
			return kindError(KindPairingTimeout, "no pending pairing for device %s", deviceID)
		}
		return classify(KindPairingMismatch, err)
	}
	return nil
}

// RejectPairing declines a pending inbound pairing.
func (e *Engine) RejectPairing(deviceID string) error {
	if err := e.pairing.Reject(deviceID); err != nil {
		return classify(KindPairingTimeout, err)
	}
	return nil
}

// SendFile streams the file to a trusted device, blocking until the
// transfer reaches a terminal state.
func (e *Engine) SendFile(ctx context.Context, deviceID, path string) error {
	// trust is checked at dispatch time, not when the shell built its
	// device list
	trusted, err := e.IsDeviceTrusted(deviceID)
	if err != nil {
		return err
	}
	if !trusted {
		return kindError(KindUntrustedPeer, "device %s is not paired", deviceID)
	}

	dev, err := e.deviceRecord(deviceID)
	if err != nil {
		return err
	}
	conn, err := e.connect(ctx, deviceID)
	if err != nil {
		return err
	}
	return classify(KindTransferIO, e.transfers.Send(ctx, conn, dev, path))
}

// RetryTransfer re-runs a failed or cancelled send with the same
// transfer id so the receiver resumes from its durable offset.
func (e *Engine) RetryTransfer(ctx context.Context, transferID string) error {
	rec, err := e.st.Transfer(transferID)
	if errors.Is(err, store.ErrNotFound) {
		return kindError(KindTransferIO, "no transfer %s", transferID)
	}
	if err != nil {
		return classify(KindStoreError, err)
	}

	trusted, err := e.IsDeviceTrusted(rec.DeviceID)
	if err != nil {
		return err
	}
	if !trusted {
		return kindError(KindUntrustedPeer, "device %s is not paired", rec.DeviceID)
	}

	dev, err := e.deviceRecord(rec.DeviceID)
	if err != nil {
		return err
	}
	conn, err := e.connect(ctx, rec.DeviceID)
	if err != nil {
		return err
	}
	return classify(KindTransferIO, e.transfers.Retry(ctx, conn, dev, transferID))
}

// PauseTransfer stops the flow of an active transfer.
func (e *Engine) PauseTransfer(transferID string) error {
	return classify(KindTransferIO, e.transfers.Pause(transferID))
}

// ResumeTransfer resumes a paused transfer.
func (e *Engine) ResumeTransfer(transferID string) error {
	return classify(KindTransferIO, e.transfers.Resume(transferID))
}

// CancelTransfer aborts an active transfer.
func (e *Engine) CancelTransfer(transferID string) error {
	return classify(KindTransferCancelled, e.transfers.Cancel(transferID))
}

// TransferHistory lists up to limit history rows, newest first.
func (e *Engine) TransferHistory(limit int) ([]*store.TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.st.ListTransfers(limit, "")
	if err != nil {
		return nil, classify(KindStoreError, err)
	}
	return rows, nil
}

// DeviceTransfers lists up to limit history rows involving the
// device, newest first.
func (e *Engine) DeviceTransfers(deviceID string, limit int) ([]*store.TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.st.ListTransfersForDevice(deviceID, limit)
	if err != nil {
		return nil, classify(KindStoreError, err)
	}
	return rows, nil
}

// ClearTransferHistory deletes all history rows; only the user
// reaches this.
func (e *Engine) ClearTransferHistory() error {
	if err := e.st.ClearHistory(); err != nil {
		return classify(KindStoreError, err)
	}
	e.hub.Publish(events.HistoryUpdated, &reconcile.HistoryUpdate{})
	return nil
}

// SyncHistory reconciles transfer history with a paired device and
// returns the number of merged rows.
func (e *Engine) SyncHistory(ctx context.Context, deviceID string) (int, error) {
	trusted, err := e.IsDeviceTrusted(deviceID)
	if err != nil {
		return 0, err
	}
	if !trusted {
		return 0, kindError(KindUntrustedPeer, "device %s is not paired", deviceID)
	}
	conn, err := e.connect(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	merged, err := e.recon.Sync(ctx, conn)
	if err != nil {
		return merged, classify(KindStoreError, err)
	}
	return merged, nil
}

// SetSyncFolder records the folder the shell's watcher feeds from.
// The engine only stores it; watching the filesystem is the shell's
// job.
func (e *Engine) SetSyncFolder(path string) error {
	if path != "" && !osutil.IsDirectory(path) {
		return kindError(KindTransferIO, "cannot use %q as sync folder: not a directory", path)
	}
	e.mu.Lock()
	e.syncFolder = path
	e.mu.Unlock()
	return nil
}

// SyncStatus describes the watched-folder hook surface.
type SyncStatus struct {
	Folder          string `json:"folder"`
	ActiveTransfers int    `json:"active_transfers"`
}

// GetSyncStatus reports the configured folder and current activity.
func (e *Engine) GetSyncStatus() *SyncStatus {
	e.mu.Lock()
	folder := e.syncFolder
	e.mu.Unlock()
	return &SyncStatus{
		Folder:          folder,
		ActiveTransfers: e.transfers.ActiveCount(),
	}
}

// Diagnostics is the payload of get_network_diagnostics.
type Diagnostics struct {
	DeviceID         string   `json:"device_id"`
	Name             string   `json:"name"`
	Port             int      `json:"port"`
	DiscoveryRunning bool     `json:"discovery_running"`
	DiscoveryError   string   `json:"discovery_error,omitempty"`
	RosterSize       int      `json:"roster_size"`
	ActiveTransfers  int      `json:"active_transfers"`
	Addresses        []string `json:"addresses"`
}

// NetworkDiagnostics reports the engine's network state.
func (e *Engine) NetworkDiagnostics() *Diagnostics {
	running, lastErr := e.disco.Running()
	diag := &Diagnostics{
		DeviceID:         e.id.DeviceID,
		Name:             e.opts.Name,
		Port:             e.endpoint.Port(),
		DiscoveryRunning: running,
		RosterSize:       len(e.disco.Devices()),
		ActiveTransfers:  e.transfers.ActiveCount(),
		Addresses:        hostAddresses(),
	}
	if lastErr != nil {
		diag.DiscoveryError = lastErr.Error()
	}
	return diag
}

func hostAddresses() []string {
	var out []string
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				out = append(out, ipnet.IP.String())
			}
		}
	}
	return out
}

// TestDeviceConnectivity probes whether any of the device's
// advertised addresses answers.
func (e *Engine) TestDeviceConnectivity(ctx context.Context, deviceID string) (bool, error) {
	dev, err := e.deviceRecord(deviceID)
	if err != nil {
		return false, err
	}
	_, err = e.probe.FindReachable(ctx, dev)
	return err == nil, nil
}

// FindReachableDeviceIP returns the first advertised address of the
// device that answers a probe.
func (e *Engine) FindReachableDeviceIP(ctx context.Context, deviceID string) (string, error) {
	dev, err := e.deviceRecord(deviceID)
	if err != nil {
		return "", err
	}
	addr, err := e.probe.FindReachable(ctx, dev)
	if err != nil {
		return "", kindError(KindUnreachable, "%v", err)
	}
	return addr, nil
}

// Observe feeds a discovery observation directly into the roster;
// same-host tests use it in place of real multicast.
func (e *Engine) Observe(deviceID, name string, addrs []string, port int) {
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			ips = append(ips, ip)
		}
	}
	e.disco.Observe(deviceID, name, ips, port)
}

// streamHandler implements the transport's stream dispatch on top of
// the engine. Declared as a distinct named type over Engine so the
// endpoint does not see the whole command surface.
type streamHandler Engine

func (h *streamHandler) engine() *Engine {
	return (*Engine)(h)
}

// HandleControlStream routes the first frame of a control stream:
// pairing requests go to the pairing manager, history requests to the
// reconciler.
func (h *streamHandler) HandleControlStream(peer transport.Peer, stream *transport.Stream) {
	e := h.engine()

	// the opener speaks first, promptly
	stream.SetReadDeadline(time.Now().Add(transport.HandshakeTimeout))
	msg, err := stream.ReadMessage()
	if err != nil {
		stream.Cancel(transport.StreamCancelled)
		return
	}
	stream.SetReadDeadline(time.Time{})

	switch m := msg.(type) {
	case *transport.PairReq:
		e.pairing.HandleRequest(peer, stream, m)
	case *transport.HistReq:
		// history is a trust-protected resource
		if !e.peerTrusted(peer) {
			stream.Cancel(transport.StreamCancelled)
			return
		}
		e.recon.Serve(peer, stream, m)
	default:
		logger.Noticef("unexpected %T opening control stream from %s", msg, peer.DeviceID)
		stream.Cancel(transport.StreamCancelled)
	}
}

// HandleTransferStream hands an inbound transfer to the transfer
// engine after the trust check.
func (h *streamHandler) HandleTransferStream(peer transport.Peer, stream *transport.Stream) {
	e := h.engine()
	if !e.peerTrusted(peer) {
		logger.Noticef("refusing transfer stream from untrusted device %s", peer.DeviceID)
		stream.Cancel(transport.StreamCancelled)
		return
	}
	e.transfers.Receive(peer, stream)
}

// peerTrusted checks trust at dispatch time: a trust record must
// exist and pin exactly the certificate the connection presented.
func (e *Engine) peerTrusted(peer transport.Peer) bool {
	rec, err := e.st.Trust(peer.DeviceID)
	if err != nil {
		return false
	}
	return rec.Fingerprint == peer.Fingerprint
}
