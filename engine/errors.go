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

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/proxishare/proxishare/pairing"
	"github.com/proxishare/proxishare/transfer"
	"github.com/proxishare/proxishare/transport"
)

// ErrorKind classifies the structured errors commands surface to the
// shell.
type ErrorKind string

const (
	KindDiscoveryUnavailable ErrorKind = "discovery_unavailable"
	KindUnreachable          ErrorKind = "unreachable"
	KindUntrustedPeer        ErrorKind = "untrusted_peer"
	KindProtocolViolation    ErrorKind = "protocol_violation"
	KindPairingMismatch      ErrorKind = "pairing_mismatch"
	KindPairingTimeout       ErrorKind = "pairing_timeout"
	KindTransferIO           ErrorKind = "transfer_io"
	KindTransferIntegrity    ErrorKind = "transfer_integrity"
	KindTransferCancelled    ErrorKind = "transfer_cancelled"
	KindTransferAborted      ErrorKind = "transfer_aborted_by_peer"
	KindStoreError           ErrorKind = "store_error"
)

// Error is the structured error commands return.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
}

func kindError(kind ErrorKind, format string, v ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, v...)}
}

// classify wraps an error from a lower layer into a structured one,
// leaving already-structured errors alone.
func classify(fallback ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}

	kind := fallback
	switch {
	case errors.Is(err, transfer.ErrCancelled), errors.Is(err, context.Canceled):
		kind = KindTransferCancelled
	case errors.Is(err, transfer.ErrIntegrity):
		kind = KindTransferIntegrity
	case errors.Is(err, transfer.ErrAborted):
		kind = KindTransferAborted
	case errors.Is(err, transport.ErrProtocol):
		kind = KindProtocolViolation
	case errors.Is(err, transport.ErrUntrusted):
		kind = KindUntrustedPeer
	case errors.Is(err, pairing.ErrMismatch):
		kind = KindPairingMismatch
	case errors.Is(err, pairing.ErrTimeout):
		kind = KindPairingTimeout
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		kind = KindTransferIO
	}
	return &Error{Kind: kind, Message: err.Error()}
}
