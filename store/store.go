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

// Package store implements the durable state of the engine: device
// records, trust records and the transfer history, kept in a single
// sqlite database file in the data directory.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// schemaVersion is recorded in PRAGMA user_version. Upgrades are
// append-only: never renumber or edit an existing migration.
const schemaVersion = 1

var migrations = []string{
	// version 1
	`
CREATE TABLE devices (
	device_id    TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	addresses    TEXT NOT NULL,
	service_port INTEGER NOT NULL,
	last_seen    INTEGER NOT NULL
);
CREATE TABLE trust (
	device_id   TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	paired_at   INTEGER NOT NULL
);
CREATE TABLE transfers (
	transfer_id       TEXT PRIMARY KEY,
	device_id         TEXT NOT NULL,
	device_name       TEXT NOT NULL,
	file_name         TEXT NOT NULL,
	file_path         TEXT NOT NULL,
	total_size        INTEGER NOT NULL,
	direction         TEXT NOT NULL,
	status            TEXT NOT NULL,
	bytes_transferred INTEGER NOT NULL DEFAULT 0,
	file_hash         TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX transfers_device ON transfers (device_id, updated_at);
CREATE INDEX transfers_updated ON transfers (updated_at);
`,
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the engine's durable store. Its API is internally
// serialized: concurrent callers see either the pre- or post-state of
// any single call.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if needed) the database file in the given data
// directory and applies any pending schema migrations.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "proxishare.db")
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("cannot open store %q: %w", path, err)
	}
	// sqlite allows a single writer; serialize at the pool level too
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("cannot read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("store schema version %d is newer than supported version %d", version, len(migrations))
	}

	for ; version < len(migrations); version++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[version]); err != nil {
			tx.Rollback()
			return fmt.Errorf("cannot apply store schema migration to version %d: %w", version+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version+1)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func encodeAddresses(addrs []string) string {
	data, _ := json.Marshal(addrs)
	return string(data)
}

func decodeAddresses(data string) []string {
	var addrs []string
	if err := json.Unmarshal([]byte(data), &addrs); err != nil {
		return nil
	}
	return addrs
}

// UpsertDevice inserts or updates the device row. On update the
// address set is the union of the stored and the given addresses.
func (s *Store) UpsertDevice(dev *DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.device(dev.DeviceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	addrs := dev.Addresses
	if existing != nil {
		addrs = unionAddresses(existing.Addresses, dev.Addresses)
	}

	_, err = s.db.Exec(`
INSERT INTO devices (device_id, name, addresses, service_port, last_seen)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (device_id) DO UPDATE SET
	name = excluded.name,
	addresses = excluded.addresses,
	service_port = excluded.service_port,
	last_seen = excluded.last_seen`,
		dev.DeviceID, dev.Name, encodeAddresses(addrs), dev.ServicePort, dev.LastSeen)
	if err != nil {
		return fmt.Errorf("cannot upsert device %q: %w", dev.DeviceID, err)
	}
	return nil
}

func unionAddresses(old, new []string) []string {
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

// TouchDeviceSeen refreshes the device's last_seen timestamp.
func (s *Store) TouchDeviceSeen(deviceID string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE devices SET last_seen = ? WHERE device_id = ?", ts, deviceID)
	if err != nil {
		return fmt.Errorf("cannot touch device %q: %w", deviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Device returns the stored record for the given device id.
func (s *Store) Device(deviceID string) (*DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device(deviceID)
}

func (s *Store) device(deviceID string) (*DeviceRecord, error) {
	var dev DeviceRecord
	var addrs string
	err := s.db.QueryRow(`
SELECT device_id, name, addresses, service_port, last_seen
FROM devices WHERE device_id = ?`, deviceID).
		Scan(&dev.DeviceID, &dev.Name, &addrs, &dev.ServicePort, &dev.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cannot get device %q: %w", deviceID, err)
	}
	dev.Addresses = decodeAddresses(addrs)
	return &dev, nil
}

// PutTrust records the trust established with a device. At most one
// trust record exists per device id.
func (s *Store) PutTrust(t *TrustRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
INSERT INTO trust (device_id, fingerprint, paired_at)
VALUES (?, ?, ?)
ON CONFLICT (device_id) DO UPDATE SET
	fingerprint = excluded.fingerprint,
	paired_at = excluded.paired_at`,
		t.DeviceID, t.Fingerprint, t.PairedAt)
	if err != nil {
		return fmt.Errorf("cannot store trust for device %q: %w", t.DeviceID, err)
	}
	return nil
}

// Trust returns the trust record for the device, or ErrNotFound.
func (s *Store) Trust(deviceID string) (*TrustRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t TrustRecord
	err := s.db.QueryRow("SELECT device_id, fingerprint, paired_at FROM trust WHERE device_id = ?", deviceID).
		Scan(&t.DeviceID, &t.Fingerprint, &t.PairedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cannot get trust for device %q: %w", deviceID, err)
	}
	return &t, nil
}

// IsTrusted reports whether a trust record exists for the device.
func (s *Store) IsTrusted(deviceID string) (bool, error) {
	_, err := s.Trust(deviceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteTrust removes the trust record for the device. Only an
// explicit user action reaches this.
func (s *Store) DeleteTrust(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM trust WHERE device_id = ?", deviceID)
	if err != nil {
		return fmt.Errorf("cannot delete trust for device %q: %w", deviceID, err)
	}
	return nil
}

// InsertTransfer creates the transfer row. The row must not already
// exist.
func (s *Store) InsertTransfer(t *TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTransfer(s.db, t)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) insertTransfer(db execer, t *TransferRecord) error {
	_, err := db.Exec(`
INSERT INTO transfers (transfer_id, device_id, device_name, file_name, file_path,
	total_size, direction, status, bytes_transferred, file_hash, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TransferID, t.DeviceID, t.DeviceName, t.FileName, t.FilePath,
		t.TotalSize, string(t.Direction), string(t.Status), t.BytesTransferred,
		t.FileHash, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("cannot insert transfer %q: %w", t.TransferID, err)
	}
	return nil
}

// UpdateTransferStatus updates a transfer's status and progress. An
// empty hash leaves the stored hash alone.
func (s *Store) UpdateTransferStatus(transferID string, status Status, bytes int64, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
UPDATE transfers SET status = ?, bytes_transferred = ?,
	file_hash = CASE WHEN ? != '' THEN ? ELSE file_hash END,
	updated_at = ?
WHERE transfer_id = ?`,
		string(status), bytes, hash, hash, time.Now().Unix(), transferID)
	if err != nil {
		return fmt.Errorf("cannot update transfer %q: %w", transferID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Transfer returns the transfer row with the given id.
func (s *Store) Transfer(transferID string) (*TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(selectTransfers+" WHERE transfer_id = ?", transferID)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

const selectTransfers = `
SELECT transfer_id, device_id, device_name, file_name, file_path, total_size,
	direction, status, bytes_transferred, file_hash, created_at, updated_at
FROM transfers`

type scanner interface {
	Scan(dst ...any) error
}

func scanTransfer(row scanner) (*TransferRecord, error) {
	var t TransferRecord
	var direction, status string
	err := row.Scan(&t.TransferID, &t.DeviceID, &t.DeviceName, &t.FileName,
		&t.FilePath, &t.TotalSize, &direction, &status, &t.BytesTransferred,
		&t.FileHash, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Direction = Direction(direction)
	t.Status = Status(status)
	return &t, nil
}

// ListTransfers returns up to limit transfer rows, newest first. A
// non-empty status filters the result.
func (s *Store) ListTransfers(limit int, status Status) ([]*TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := selectTransfers
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY updated_at DESC, transfer_id LIMIT ?"
	args = append(args, limit)

	return s.queryTransfers(query, args...)
}

// ListTransfersForDevice returns up to limit transfer rows involving
// the given device, newest first.
func (s *Store) ListTransfersForDevice(deviceID string, limit int) ([]*TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queryTransfers(selectTransfers+
		" WHERE device_id = ? ORDER BY updated_at DESC, transfer_id LIMIT ?",
		deviceID, limit)
}

func (s *Store) queryTransfers(query string, args ...any) ([]*TransferRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*TransferRecord
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("cannot list transfers: %w", err)
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// TransfersForDeviceSince returns up to limit rows involving the
// device with updated_at strictly greater than since, or with
// updated_at equal to since and transfer_id greater than the cursor.
// Rows come back ordered by (updated_at, transfer_id) so callers can
// page through them.
func (s *Store) TransfersForDeviceSince(deviceID string, since int64, cursor string, limit int) ([]*TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queryTransfers(selectTransfers+`
 WHERE device_id = ? AND (updated_at > ? OR (updated_at = ? AND transfer_id > ?))
 ORDER BY updated_at, transfer_id LIMIT ?`,
		deviceID, since, since, cursor, limit)
}

// LatestUpdatedAt returns the largest updated_at of any row involving
// the device, or 0 with no rows.
func (s *Store) LatestUpdatedAt(deviceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ts sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(updated_at) FROM transfers WHERE device_id = ?", deviceID).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("cannot query latest update for device %q: %w", deviceID, err)
	}
	return ts.Int64, nil
}

// MergeTransfers merges one page of remote history rows in a single
// transaction, so reconciliation is crash-safe per page. Rows are
// keyed by transfer id; conflicts resolve via the merge rule. The
// number of rows inserted or replaced is returned.
func (s *Store) MergeTransfers(rows []*TransferRecord) (changed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("cannot begin history merge: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, remote := range rows {
		row := tx.QueryRow(selectTransfers+" WHERE transfer_id = ?", remote.TransferID)
		local, scanErr := scanTransfer(row)
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			if err = s.insertTransfer(tx, remote); err != nil {
				return 0, err
			}
			changed++
			continue
		case scanErr != nil:
			err = scanErr
			return 0, err
		}

		winner := mergedTransfer(local, remote)
		if winner == local {
			continue
		}
		// the remote row wins on recency, but identity-perspective
		// fields (who the peer is, which way the bytes flowed, where
		// the file lives here) stay local
		merged := *winner
		merged.DeviceID = local.DeviceID
		merged.DeviceName = local.DeviceName
		merged.Direction = local.Direction
		merged.FileName = local.FileName
		merged.FilePath = local.FilePath
		winner = &merged
		_, err = tx.Exec(`
UPDATE transfers SET device_id = ?, device_name = ?, file_name = ?, file_path = ?,
	total_size = ?, direction = ?, status = ?, bytes_transferred = ?, file_hash = ?,
	created_at = ?, updated_at = ?
WHERE transfer_id = ?`,
			winner.DeviceID, winner.DeviceName, winner.FileName, winner.FilePath,
			winner.TotalSize, string(winner.Direction), string(winner.Status),
			winner.BytesTransferred, winner.FileHash, winner.CreatedAt, winner.UpdatedAt,
			winner.TransferID)
		if err != nil {
			return 0, fmt.Errorf("cannot merge transfer %q: %w", winner.TransferID, err)
		}
		changed++
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("cannot commit history merge: %w", err)
	}
	return changed, nil
}

// ClearHistory deletes every transfer row.
func (s *Store) ClearHistory() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM transfers"); err != nil {
		return fmt.Errorf("cannot clear transfer history: %w", err)
	}
	return nil
}
