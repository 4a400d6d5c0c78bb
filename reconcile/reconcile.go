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

// Package reconcile pulls missing transfer-history rows from a paired
// peer and merges them into the local store. Reconciliation is
// idempotent and convergent: running it again with no new activity is
// a no-op, and mutual runs leave both stores agreeing.
package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/proxishare/proxishare/events"
	"github.com/proxishare/proxishare/logger"
	"github.com/proxishare/proxishare/store"
	"github.com/proxishare/proxishare/transport"
)

// pageSize is how many rows travel per HIST_PAGE.
const pageSize = 100

// pageTimeout bounds each page round trip.
const pageTimeout = 30 * time.Second

// HistoryUpdate is the payload of history-updated events.
type HistoryUpdate struct {
	DeviceID string `json:"device_id"`
	Merged   int    `json:"merged"`
}

// Reconciler syncs transfer history with paired peers.
type Reconciler struct {
	st  *store.Store
	hub *events.Hub
}

// New builds a reconciler over the given store.
func New(st *store.Store, hub *events.Hub) *Reconciler {
	return &Reconciler{st: st, hub: hub}
}

// cursor encodes a paging position as "<updated_at>/<transfer_id>".
func encodeCursor(t *store.TransferRecord) string {
	return fmt.Sprintf("%d/%s", t.UpdatedAt, t.TransferID)
}

func decodeCursor(s string) (ts int64, transferID string, err error) {
	if s == "" {
		return 0, "", nil
	}
	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return 0, "", fmt.Errorf("%w: malformed history cursor", transport.ErrProtocol)
	}
	ts, err = strconv.ParseInt(s[:slash], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed history cursor", transport.ErrProtocol)
	}
	return ts, s[slash+1:], nil
}

// Sync pulls the peer's history over a fresh control stream on the
// given connection and merges it locally. Each page is merged in one
// atomic batch, so an interrupted sync leaves whole pages behind,
// never half of one.
func (r *Reconciler) Sync(ctx context.Context, conn *transport.Conn) (merged int, err error) {
	peer := conn.Peer()

	since, err := r.st.LatestUpdatedAt(peer.DeviceID)
	if err != nil {
		return 0, err
	}

	stream, err := conn.OpenControlStream(ctx)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	peerName := peer.DeviceID[:8]
	if dev, derr := r.st.Device(peer.DeviceID); derr == nil {
		peerName = dev.Name
	}

	cursor := ""
	for {
		req := &transport.HistReq{SinceTS: uint64(since), Cursor: cursor}
		if err := stream.WriteMessage(req); err != nil {
			return merged, fmt.Errorf("cannot request history from %s: %w", peer.DeviceID, err)
		}

		stream.SetReadDeadline(time.Now().Add(pageTimeout))
		msg, err := stream.ReadMessage()
		if err != nil {
			return merged, fmt.Errorf("cannot read history page from %s: %w", peer.DeviceID, err)
		}
		page, ok := msg.(*transport.HistPage)
		if !ok {
			return merged, fmt.Errorf("%w: unexpected %T in answer to history request", transport.ErrProtocol, msg)
		}

		rows := make([]*store.TransferRecord, 0, len(page.Rows))
		for _, row := range page.Rows {
			rows = append(rows, rekeyed(row, peer.DeviceID, peerName))
		}
		changed, err := r.st.MergeTransfers(rows)
		if err != nil {
			return merged, err
		}
		merged += changed

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if merged > 0 {
		r.hub.Publish(events.HistoryUpdated, &HistoryUpdate{DeviceID: peer.DeviceID, Merged: merged})
	}
	logger.Debugf("history sync with %s merged %d rows", peer.DeviceID, merged)
	return merged, nil
}

// rekeyed rewrites a remote row into this device's perspective: the
// peer it describes is the device we synced with, and the direction
// flips. For rows we already hold locally the store's merge keeps the
// local perspective fields regardless.
func rekeyed(row *store.TransferRecord, peerID, peerName string) *store.TransferRecord {
	out := *row
	out.DeviceID = peerID
	out.DeviceName = peerName
	out.Direction = row.Direction.Flip()
	return &out
}

// Serve answers history requests on an inbound control stream. The
// first request is already decoded; further pages are requested on
// the same stream until the client closes it.
func (r *Reconciler) Serve(peer transport.Peer, stream *transport.Stream, req *transport.HistReq) {
	defer stream.Close()

	for {
		if err := r.servePage(peer, stream, req); err != nil {
			logger.Debugf("history sync with %s ended: %v", peer.DeviceID, err)
			return
		}

		stream.SetReadDeadline(time.Now().Add(pageTimeout))
		msg, err := stream.ReadMessage()
		if err != nil {
			// the client closing the stream is the normal end
			return
		}
		next, ok := msg.(*transport.HistReq)
		if !ok {
			logger.Noticef("unexpected %T on history stream from %s", msg, peer.DeviceID)
			return
		}
		req = next
	}
}

func (r *Reconciler) servePage(peer transport.Peer, stream *transport.Stream, req *transport.HistReq) error {
	cursorTS, cursorID, err := decodeCursor(req.Cursor)
	if err != nil {
		return err
	}
	since := int64(req.SinceTS)
	if cursorTS > 0 {
		since = cursorTS
	}

	rows, err := r.st.TransfersForDeviceSince(peer.DeviceID, since, cursorID, pageSize)
	if err != nil {
		return err
	}

	page := &transport.HistPage{Rows: rows}
	if len(rows) == pageSize {
		page.NextCursor = encodeCursor(rows[len(rows)-1])
	}
	return stream.WriteMessage(page)
}
