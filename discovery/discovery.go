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

// Package discovery advertises this device on the local network over
// multicast DNS and keeps a live roster of the peers it observes
// doing the same.
package discovery

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/brutella/dnssd"
	"gopkg.in/tomb.v2"

	"github.com/proxishare/proxishare/events"
	"github.com/proxishare/proxishare/logger"
	"github.com/proxishare/proxishare/store"
)

// ServiceType is the mDNS service type peers advertise.
const ServiceType = "_proxishare._udp"

// ProtoVersion is carried in the TXT record's "v" key.
const ProtoVersion = 1

// EvictAfter is how long a device stays in the roster without a fresh
// advertisement. Trust records are untouched by eviction.
const EvictAfter = 60 * time.Second

// evictInterval is how often the roster is swept.
const evictInterval = 5 * time.Second

// TXT record keys.
const (
	txtID      = "id"
	txtName    = "name"
	txtVersion = "v"
)

// Options configure the discovery subsystem.
type Options struct {
	DeviceID string
	// Name is the human label advertised for this device.
	Name string
	// Port is the transport's UDP port, published in the SRV record.
	Port int
}

// Discovery runs the advertise and browse loops and owns the roster.
type Discovery struct {
	opts  Options
	store *store.Store
	hub   *events.Hub

	mu      sync.RWMutex
	roster  map[string]*store.DeviceRecord
	running bool
	lastErr error
	tomb    *tomb.Tomb
}

// New builds a stopped discovery subsystem.
func New(opts Options, st *store.Store, hub *events.Hub) *Discovery {
	return &Discovery{
		opts:   opts,
		store:  st,
		hub:    hub,
		roster: make(map[string]*store.DeviceRecord),
	}
}

// Start begins advertising and browsing. It may be called again after
// Stop without restarting the process.
func (d *Discovery) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	cfg := dnssd.Config{
		Name:   fmt.Sprintf("%s-%s", d.opts.Name, d.opts.DeviceID[:8]),
		Type:   ServiceType,
		Domain: "local",
		Port:   d.opts.Port,
		Text: map[string]string{
			txtID:      d.opts.DeviceID,
			txtName:    d.opts.Name,
			txtVersion: strconv.Itoa(ProtoVersion),
		},
	}
	sv, err := dnssd.NewService(cfg)
	if err != nil {
		d.lastErr = err
		return fmt.Errorf("cannot create mDNS service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		d.lastErr = err
		return fmt.Errorf("cannot create mDNS responder: %w", err)
	}
	if _, err := rp.Add(sv); err != nil {
		d.lastErr = err
		return fmt.Errorf("cannot register mDNS service: %w", err)
	}

	t := &tomb.Tomb{}
	d.tomb = t
	d.running = true
	d.lastErr = nil

	t.Go(func() error {
		ctx := t.Context(nil)
		if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
			d.setErr(fmt.Errorf("mDNS responder stopped: %w", err))
		}
		return nil
	})
	t.Go(func() error {
		ctx := t.Context(nil)
		err := dnssd.LookupType(ctx, ServiceType+".local.", d.observed, d.lost)
		if err != nil && ctx.Err() == nil {
			d.setErr(fmt.Errorf("mDNS browser stopped: %w", err))
		}
		return nil
	})
	t.Go(func() error {
		return d.evictLoop(t)
	})

	logger.Debugf("discovery started for %s (%s)", d.opts.Name, d.opts.DeviceID)
	return nil
}

// Stop halts advertising and browsing. The roster empties; store rows
// survive.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	t := d.tomb
	d.roster = make(map[string]*store.DeviceRecord)
	d.mu.Unlock()

	t.Kill(nil)
	t.Wait()
}

func (d *Discovery) setErr(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
	logger.Noticef("discovery: %v", err)
}

// Running reports whether discovery is active, and the last loop
// error if one occurred.
func (d *Discovery) Running() (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running, d.lastErr
}

// observed handles one browse announcement.
func (d *Discovery) observed(entry dnssd.BrowseEntry) {
	id := entry.Text[txtID]
	if id == "" || id == d.opts.DeviceID {
		return
	}
	name := entry.Text[txtName]
	if name == "" {
		name = entry.Name
	}

	own := ownAddresses()
	var addrs []string
	for _, ip := range entry.IPs {
		s := ip.String()
		// our own addresses never belong in another device's record;
		// loopback stays, as two engines on one host share it but
		// listen on distinct ports
		if own[s] && !ip.IsLoopback() {
			continue
		}
		addrs = append(addrs, s)
	}
	if len(addrs) == 0 {
		return
	}

	now := time.Now().Unix()
	d.mu.Lock()
	dev, ok := d.roster[id]
	if !ok {
		dev = &store.DeviceRecord{DeviceID: id}
		d.roster[id] = dev
	}
	dev.Name = name
	dev.ServicePort = entry.Port
	dev.LastSeen = now
	dev.Addresses = unionKeepOrder(dev.Addresses, addrs)
	snapshot := *dev
	d.mu.Unlock()

	if err := d.store.UpsertDevice(&snapshot); err != nil {
		logger.Noticef("cannot persist device %s: %v", id, err)
	}

	logger.Debugf("observed device %s (%s) at %v", name, id, snapshot.Addresses)
	d.hub.Publish(events.DeviceUpdated, &snapshot)
}

// lost handles a browse removal. mDNS goodbyes are advisory; the
// eviction sweep is what authoritatively removes silent peers.
func (d *Discovery) lost(entry dnssd.BrowseEntry) {
	id := entry.Text[txtID]
	if id == "" {
		return
	}
	logger.Debugf("device %s sent mDNS goodbye", id)
}

func (d *Discovery) evictLoop(t *tomb.Tomb) error {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			d.evict()
		}
	}
}

func (d *Discovery) evict() {
	cutoff := time.Now().Add(-EvictAfter).Unix()

	d.mu.Lock()
	var evicted []*store.DeviceRecord
	for id, dev := range d.roster {
		if dev.LastSeen < cutoff {
			delete(d.roster, id)
			evicted = append(evicted, dev)
		}
	}
	d.mu.Unlock()

	for _, dev := range evicted {
		logger.Debugf("evicting device %s (%s): unseen for %s", dev.Name, dev.DeviceID, EvictAfter)
		d.hub.Publish(events.DeviceUpdated, &store.DeviceRecord{
			DeviceID: dev.DeviceID,
			Name:     dev.Name,
			LastSeen: dev.LastSeen,
		})
	}
}

// Devices returns a snapshot of the live roster, sorted by name for
// stable presentation.
func (d *Discovery) Devices() []*store.DeviceRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	devices := make([]*store.DeviceRecord, 0, len(d.roster))
	for _, dev := range d.roster {
		snapshot := *dev
		devices = append(devices, &snapshot)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].DeviceID < devices[j].DeviceID
	})
	return devices
}

// Device returns the roster entry for the given id, if present.
func (d *Discovery) Device(deviceID string) (*store.DeviceRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.roster[deviceID]
	if !ok {
		return nil, false
	}
	snapshot := *dev
	return &snapshot, true
}

// Observe records an advertisement as if it arrived from the
// browser. Tests and same-host setups use it to seed the roster
// directly.
func (d *Discovery) Observe(deviceID, name string, ips []net.IP, port int) {
	d.observed(dnssd.BrowseEntry{
		Name: name,
		Port: port,
		IPs:  ips,
		Text: map[string]string{
			txtID:      deviceID,
			txtName:    name,
			txtVersion: strconv.Itoa(ProtoVersion),
		},
	})
}

func unionKeepOrder(old, new []string) []string {
	seen := make(map[string]bool, len(old)+len(new))
	union := make([]string, 0, len(old)+len(new))
	for _, a := range old {
		if !seen[a] {
			seen[a] = true
			union = append(union, a)
		}
	}
	for _, a := range new {
		if !seen[a] {
			seen[a] = true
			union = append(union, a)
		}
	}
	return union
}

// ownAddresses returns the set of this host's interface addresses,
// used to keep our own records out of the roster.
func ownAddresses() map[string]bool {
	own := make(map[string]bool)
	ifaces, err := net.Interfaces()
	if err != nil {
		return own
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				own[ipnet.IP.String()] = true
			}
		}
	}
	return own
}
