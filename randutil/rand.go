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

// Package randutil provides cryptographic-quality random identifiers
// and byte strings for device ids, transfer ids and pairing nonces.
package randutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// CryptoTokenBytes returns a crypto-grade token of the given number
// of random bytes.
func CryptoTokenBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("cannot obtain %d crypto random bytes: %v", n, err)
	}
	return b, nil
}

// CryptoToken returns a hex encoded crypto-grade token of the given
// number of random bytes.
func CryptoToken(n int) (string, error) {
	b, err := CryptoTokenBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// DeviceID returns a new stable device identifier: 128 bits of
// randomness, hex encoded.
func DeviceID() (string, error) {
	return CryptoToken(16)
}

// TransferID returns a new transfer identifier: a random UUID with
// the dashes stripped, so it round-trips through the 16-byte wire
// encoding.
func TransferID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
