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

package store

// Direction says which way a transfer's bytes flow, seen from this
// device.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Flip returns the direction as seen from the other end.
func (d Direction) Flip() Direction {
	if d == DirectionSend {
		return DirectionReceive
	}
	return DirectionSend
}

// Status is a transfer's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is one a transfer never leaves.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// DeviceRecord describes a device observed on the local network.
type DeviceRecord struct {
	DeviceID    string   `json:"device_id"`
	Name        string   `json:"name"`
	Addresses   []string `json:"addresses"`
	ServicePort int      `json:"service_port"`
	LastSeen    int64    `json:"last_seen"`
}

// TrustRecord exists exactly when pairing completed with the device.
type TrustRecord struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"peer_public_key_fingerprint"`
	PairedAt    int64  `json:"paired_at"`
}

// TransferRecord is the durable view of one file transfer.
type TransferRecord struct {
	TransferID       string    `json:"transfer_id"`
	DeviceID         string    `json:"device_id"`
	DeviceName       string    `json:"device_name"`
	FileName         string    `json:"file_name"`
	FilePath         string    `json:"file_path"`
	TotalSize        int64     `json:"total_size"`
	Direction        Direction `json:"direction"`
	Status           Status    `json:"status"`
	BytesTransferred int64     `json:"bytes_transferred"`
	FileHash         string    `json:"file_hash"`
	CreatedAt        int64     `json:"created_at"`
	UpdatedAt        int64     `json:"updated_at"`
}

// statusRank orders terminal statuses for the reconciliation merge
// rule: completed wins over failed and cancelled.
func statusRank(s Status) int {
	switch s {
	case StatusCompleted:
		return 2
	case StatusFailed, StatusCancelled:
		return 1
	}
	return 0
}

// mergedTransfer applies the reconciliation merge rule to two rows
// with the same transfer id: the greater updated_at wins; on a tie a
// terminal status wins over a live one, and completed wins over the
// other terminal states.
func mergedTransfer(local, remote *TransferRecord) *TransferRecord {
	switch {
	case remote.UpdatedAt > local.UpdatedAt:
		return remote
	case remote.UpdatedAt < local.UpdatedAt:
		return local
	}
	if remote.Status.Terminal() != local.Status.Terminal() {
		if remote.Status.Terminal() {
			return remote
		}
		return local
	}
	if statusRank(remote.Status) > statusRank(local.Status) {
		return remote
	}
	return local
}
