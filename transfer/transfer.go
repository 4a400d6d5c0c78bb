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

// Package transfer moves file bytes between peers: chunked, resumable,
// cancellable, with end-to-end SHA-256 verification. Each transfer
// occupies exactly one QUIC stream so byte offsets stay well defined
// for resume.
package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"
	"gopkg.in/retry.v1"

	"github.com/proxishare/proxishare/events"
	"github.com/proxishare/proxishare/identity"
	"github.com/proxishare/proxishare/logger"
	"github.com/proxishare/proxishare/randutil"
	"github.com/proxishare/proxishare/store"
	"github.com/proxishare/proxishare/transport"
)

const (
	// DefaultChunkSize is the negotiated chunk size unless overridden.
	DefaultChunkSize = 256 * 1024

	// OfferTimeout bounds the offer/accept exchange.
	OfferTimeout = 15 * time.Second

	// ChunkTimeout is the inter-chunk inactivity limit while a
	// transfer is in progress.
	ChunkTimeout = 30 * time.Second

	// precomputeHashLimit is the largest file whose hash is computed
	// up front and sent in OFFER; larger files send it in FIN.
	precomputeHashLimit = 32 << 20

	// partSuffix marks an incomplete receive on disk.
	partSuffix = ".part"
)

// Sentinel errors used to classify terminal transfer failures.
var (
	// ErrCancelled marks a transfer ended by a local cancel command.
	ErrCancelled = errors.New("transfer cancelled")
	// ErrIntegrity marks a hash mismatch or truncation.
	ErrIntegrity = errors.New("transfer integrity error")
	// ErrAborted marks a transfer ended by the peer.
	ErrAborted = errors.New("transfer aborted by peer")
)

// progressEvery throttles transfer-progress events to 20 per second
// per transfer; state changes always emit.
var progressEvery = rate.Every(50 * time.Millisecond)

// storeRetry is the retry strategy for store writes from transfer
// tasks: one retry with exponential backoff, then give up.
var storeRetry = retry.LimitCount(2, retry.Exponential{
	Initial: 100 * time.Millisecond,
	Factor:  2,
})

// Progress is the payload of transfer-progress events.
type Progress struct {
	TransferID string          `json:"transfer_id"`
	FileName   string          `json:"file_name"`
	BytesSent  int64           `json:"bytes_sent"`
	TotalBytes int64           `json:"total_bytes"`
	Direction  store.Direction `json:"direction"`
}

// StateChange is the payload of transfer-state-changed events.
type StateChange struct {
	TransferID string          `json:"transfer_id"`
	Status     store.Status    `json:"status"`
	Direction  store.Direction `json:"direction"`
	Reason     string          `json:"reason,omitempty"`
}

// latch implements the pause gate a transfer task waits on between
// chunks.
type latch struct {
	mu     sync.Mutex
	paused bool
	gate   chan struct{}
}

func (l *latch) pause() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		return false
	}
	l.paused = true
	l.gate = make(chan struct{})
	return true
}

func (l *latch) resume() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.paused {
		return false
	}
	l.paused = false
	close(l.gate)
	return true
}

// wait blocks while paused. It reports whether it actually blocked.
func (l *latch) wait(ctx context.Context) (waited bool, err error) {
	l.mu.Lock()
	if !l.paused {
		l.mu.Unlock()
		return false, nil
	}
	gate := l.gate
	l.mu.Unlock()

	select {
	case <-gate:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// active is the in-memory side of a running transfer.
type active struct {
	transferID string
	fileName   string
	totalSize  int64
	direction  store.Direction

	stream  *transport.Stream
	cancel  context.CancelFunc
	pause   *latch
	limiter *rate.Limiter

	mu        sync.Mutex
	bytes     int64
	started   time.Time
	cancelled bool
}

func (a *active) markCancelled() {
	a.mu.Lock()
	a.cancelled = true
	a.mu.Unlock()
}

func (a *active) wasCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// Engine owns every active transfer and their durable records.
type Engine struct {
	st        *store.Store
	hub       *events.Hub
	downloads string
	chunkSize int

	mu     sync.Mutex
	active map[string]*active
}

// NewEngine builds a transfer engine writing receives under the given
// downloads directory. A zero chunkSize selects the default.
func NewEngine(st *store.Store, hub *events.Hub, downloads string, chunkSize int) *Engine {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Engine{
		st:        st,
		hub:       hub,
		downloads: downloads,
		chunkSize: chunkSize,
		active:    make(map[string]*active),
	}
}

// ActiveCount returns the number of transfers currently running.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) register(a *active) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.active[a.transferID]; exists {
		return fmt.Errorf("transfer %s is already active", a.transferID)
	}
	e.active[a.transferID] = a
	return nil
}

// unregister removes the entry; only the owning task calls it.
func (e *Engine) unregister(transferID string) {
	e.mu.Lock()
	delete(e.active, transferID)
	e.mu.Unlock()
}

func (e *Engine) lookup(transferID string) (*active, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.active[transferID]
	if !ok {
		return nil, fmt.Errorf("no active transfer %s", transferID)
	}
	return a, nil
}

// Pause stops the flow of a running transfer; the stream stays open.
func (e *Engine) Pause(transferID string) error {
	a, err := e.lookup(transferID)
	if err != nil {
		return err
	}
	if !a.pause.pause() {
		return fmt.Errorf("transfer %s is already paused", transferID)
	}
	e.setStatus(a, store.StatusPaused, "")
	return nil
}

// Resume lets a paused transfer flow again.
func (e *Engine) Resume(transferID string) error {
	a, err := e.lookup(transferID)
	if err != nil {
		return err
	}
	if !a.pause.resume() {
		return fmt.Errorf("transfer %s is not paused", transferID)
	}
	return nil
}

// Cancel aborts a running transfer. The owning task closes the stream
// and settles the record before returning.
func (e *Engine) Cancel(transferID string) error {
	a, err := e.lookup(transferID)
	if err != nil {
		return err
	}
	a.markCancelled()
	a.cancel()
	// unblock a paused task too
	a.pause.resume()
	return nil
}

// setStatus updates the durable record and emits the state change.
// Store errors are retried once with backoff, then logged: a transfer
// task never dies on a transient store error alone.
func (e *Engine) setStatus(a *active, status store.Status, reason string) {
	a.mu.Lock()
	bytes := a.bytes
	a.mu.Unlock()

	var err error
	for attempt := retry.Start(storeRetry, nil); attempt.Next(); {
		err = e.st.UpdateTransferStatus(a.transferID, status, bytes, "")
		if err == nil {
			break
		}
	}
	if err != nil {
		logger.Noticef("cannot update transfer %s to %s: %v", a.transferID, status, err)
	}

	e.hub.Publish(events.TransferStateChanged, &StateChange{
		TransferID: a.transferID,
		Status:     status,
		Direction:  a.direction,
		Reason:     reason,
	})
}

func (e *Engine) finalize(a *active, status store.Status, hash, reason string) {
	a.mu.Lock()
	bytes := a.bytes
	a.mu.Unlock()

	var err error
	for attempt := retry.Start(storeRetry, nil); attempt.Next(); {
		err = e.st.UpdateTransferStatus(a.transferID, status, bytes, hash)
		if err == nil {
			break
		}
	}
	if err != nil {
		logger.Noticef("cannot finalize transfer %s as %s: %v", a.transferID, status, err)
	}

	if status == store.StatusCompleted {
		e.emitProgress(a, true)
	}
	e.hub.Publish(events.TransferStateChanged, &StateChange{
		TransferID: a.transferID,
		Status:     status,
		Direction:  a.direction,
		Reason:     reason,
	})
}

// emitProgress publishes a progress event, throttled unless forced.
func (e *Engine) emitProgress(a *active, force bool) {
	if !force && !a.limiter.Allow() {
		return
	}
	a.mu.Lock()
	bytes := a.bytes
	a.mu.Unlock()

	e.hub.Publish(events.TransferProgress, &Progress{
		TransferID: a.transferID,
		FileName:   a.fileName,
		BytesSent:  bytes,
		TotalBytes: a.totalSize,
		Direction:  a.direction,
	})
}

// persistProgress mirrors the throttled progress into the store so a
// crash leaves a close-to-current bytes_transferred behind.
func (e *Engine) persistProgress(a *active, status store.Status) {
	a.mu.Lock()
	bytes := a.bytes
	a.mu.Unlock()
	if err := e.st.UpdateTransferStatus(a.transferID, status, bytes, ""); err != nil {
		logger.Debugf("cannot persist progress of %s: %v", a.transferID, err)
	}
}

// Send streams the file at path to the peer over a fresh transfer
// stream. It blocks until the transfer settles in a terminal state.
func (e *Engine) Send(ctx context.Context, conn *transport.Conn, dev *store.DeviceRecord, path string) error {
	return e.send(ctx, conn, dev, path, "")
}

// Retry re-runs a failed or cancelled send, reusing its transfer id so
// the receiver can resume from its durable offset. The file content
// must still match the recorded hash.
func (e *Engine) Retry(ctx context.Context, conn *transport.Conn, dev *store.DeviceRecord, transferID string) error {
	rec, err := e.st.Transfer(transferID)
	if err != nil {
		return err
	}
	if rec.Direction != store.DirectionSend {
		return fmt.Errorf("cannot retry transfer %s: not a send", transferID)
	}
	if rec.Status == store.StatusCompleted {
		return fmt.Errorf("cannot retry transfer %s: already completed", transferID)
	}
	if rec.FileHash != "" {
		hash, err := identity.HashFile(rec.FilePath)
		if err != nil {
			return fmt.Errorf("cannot retry transfer %s: %w", transferID, err)
		}
		if hash != rec.FileHash {
			return fmt.Errorf("cannot retry transfer %s: file content changed", transferID)
		}
	}
	return e.send(ctx, conn, dev, rec.FilePath, transferID)
}

func (e *Engine) send(ctx context.Context, conn *transport.Conn, dev *store.DeviceRecord, path string, transferID string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot send %q: %w", path, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("cannot send %q: is a directory", path)
	}
	totalSize := fi.Size()
	fileName := filepath.Base(path)

	var offerHash string
	if totalSize <= precomputeHashLimit {
		offerHash, err = identity.HashFile(path)
		if err != nil {
			return fmt.Errorf("cannot hash %q: %w", path, err)
		}
	}

	now := time.Now().Unix()
	fresh := transferID == ""
	if fresh {
		transferID = randutil.TransferID()
		rec := &store.TransferRecord{
			TransferID: transferID,
			DeviceID:   dev.DeviceID,
			DeviceName: dev.Name,
			FileName:   fileName,
			FilePath:   path,
			TotalSize:  totalSize,
			Direction:  store.DirectionSend,
			Status:     store.StatusPending,
			FileHash:   offerHash,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.st.InsertTransfer(rec); err != nil {
			return err
		}
	} else if err := e.st.UpdateTransferStatus(transferID, store.StatusPending, 0, offerHash); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a := &active{
		transferID: transferID,
		fileName:   fileName,
		totalSize:  totalSize,
		direction:  store.DirectionSend,
		cancel:     cancel,
		pause:      &latch{},
		limiter:    rate.NewLimiter(progressEvery, 1),
		started:    time.Now(),
	}
	if err := e.register(a); err != nil {
		return err
	}
	defer e.unregister(transferID)

	stream, err := conn.OpenTransferStream(ctx)
	if err != nil {
		e.finalize(a, store.StatusFailed, "", err.Error())
		return err
	}
	a.stream = stream

	// a cancel command must unblock reads and writes parked on the
	// stream
	go func() {
		<-ctx.Done()
		if a.wasCancelled() {
			stream.Cancel(transport.StreamCancelled)
		}
	}()

	err = e.runSend(ctx, a, stream, path, totalSize, offerHash)
	switch {
	case err == nil:
		return nil
	case a.wasCancelled():
		e.finalize(a, store.StatusCancelled, "", "cancelled")
		return fmt.Errorf("%w: %s", ErrCancelled, transferID)
	default:
		stream.Cancel(transport.StreamCancelled)
		e.finalize(a, store.StatusFailed, "", err.Error())
		return err
	}
}

func (e *Engine) runSend(ctx context.Context, a *active, stream *transport.Stream, path string, totalSize int64, offerHash string) error {
	defer stream.Close()

	offer := &transport.Offer{
		TransferID: a.transferID,
		TotalSize:  uint64(totalSize),
		ChunkSize:  uint32(e.chunkSize),
		Hash:       offerHash,
		FileName:   a.fileName,
	}
	if err := stream.WriteMessage(offer); err != nil {
		return fmt.Errorf("cannot send offer: %w", err)
	}

	stream.SetReadDeadline(time.Now().Add(OfferTimeout))
	msg, err := stream.ReadMessage()
	if err != nil {
		return fmt.Errorf("no answer to offer: %w", err)
	}
	var resumeOffset int64
	switch m := msg.(type) {
	case *transport.Accept:
		resumeOffset = int64(m.ResumeOffset)
	case *transport.Reject:
		return fmt.Errorf("%w: %s", ErrAborted, m.Reason)
	default:
		return fmt.Errorf("%w: unexpected %T in answer to offer", transport.ErrProtocol, msg)
	}
	if resumeOffset > totalSize {
		return fmt.Errorf("%w: resume offset %d beyond file size %d", transport.ErrProtocol, resumeOffset, totalSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// the hash always covers the whole file; resumed bytes are read
	// and hashed but not resent
	hasher := identity.NewHasher()
	if resumeOffset > 0 {
		if _, err := io.CopyN(hasher, f, resumeOffset); err != nil {
			return fmt.Errorf("cannot rehash resumed prefix: %w", err)
		}
	}

	a.mu.Lock()
	a.bytes = resumeOffset
	a.mu.Unlock()

	buf := make([]byte, e.chunkSize)
	var seq uint64
	sent := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		waited, err := a.pause.wait(ctx)
		if err != nil {
			return err
		}
		if waited {
			e.setStatus(a, store.StatusInProgress, "")
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			if err := stream.WriteMessage(&transport.Chunk{Seq: seq, Data: buf[:n]}); err != nil {
				return fmt.Errorf("cannot send chunk %d: %w", seq, err)
			}
			seq++

			a.mu.Lock()
			a.bytes += int64(n)
			a.mu.Unlock()

			if !sent {
				sent = true
				e.setStatus(a, store.StatusInProgress, "")
			}
			if a.limiter.Allow() {
				e.persistProgress(a, store.StatusInProgress)
				e.hub.Publish(events.TransferProgress, &Progress{
					TransferID: a.transferID,
					FileName:   a.fileName,
					BytesSent:  a.currentBytes(),
					TotalBytes: a.totalSize,
					Direction:  a.direction,
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("cannot read %q: %w", path, readErr)
		}
	}

	totalHash := hex.EncodeToString(hasher.Sum(nil))
	if err := stream.WriteMessage(&transport.Fin{Hash: totalHash}); err != nil {
		return fmt.Errorf("cannot send fin: %w", err)
	}

	// the receiver may have squeezed RESUME_AT frames in; skip to DONE
	for {
		stream.SetReadDeadline(time.Now().Add(ChunkTimeout))
		msg, err := stream.ReadMessage()
		if err != nil {
			return fmt.Errorf("no answer to fin: %w", err)
		}
		switch m := msg.(type) {
		case *transport.ResumeAt:
			continue
		case *transport.Done:
			if !m.OK {
				if m.Reason == "hash_mismatch" || m.Reason == "truncated" {
					return fmt.Errorf("%w: %s", ErrIntegrity, m.Reason)
				}
				return fmt.Errorf("%w: %s", ErrAborted, m.Reason)
			}
			e.finalize(a, store.StatusCompleted, totalHash, "")
			return nil
		default:
			return fmt.Errorf("%w: unexpected %T in answer to fin", transport.ErrProtocol, msg)
		}
	}
}

func (a *active) currentBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes
}

// Receive consumes one inbound transfer stream. The caller has
// already established that the peer is trusted.
func (e *Engine) Receive(peer transport.Peer, stream *transport.Stream) {
	defer stream.Close()

	stream.SetReadDeadline(time.Now().Add(OfferTimeout))
	msg, err := stream.ReadMessage()
	if err != nil {
		logger.Noticef("cannot read transfer offer from %s: %v", peer.DeviceID, err)
		stream.Cancel(transport.StreamCancelled)
		return
	}
	offer, ok := msg.(*transport.Offer)
	if !ok {
		logger.Noticef("unexpected %T on transfer stream from %s", msg, peer.DeviceID)
		stream.Cancel(transport.StreamCancelled)
		return
	}
	if int64(offer.TotalSize) < 0 {
		stream.WriteMessage(&transport.Reject{Reason: "invalid size"})
		return
	}
	if offer.ChunkSize == 0 || offer.ChunkSize > maxChunkSize {
		stream.WriteMessage(&transport.Reject{Reason: "invalid chunk size"})
		return
	}

	if err := e.receive(peer, stream, offer); err != nil {
		logger.Noticef("receive of %s from %s failed: %v", offer.TransferID, peer.DeviceID, err)
	}
}

// maxChunkSize bounds what a peer may ask us to buffer per chunk.
const maxChunkSize = 1 << 20

func (e *Engine) receive(peer transport.Peer, stream *transport.Stream, offer *transport.Offer) error {
	totalSize := int64(offer.TotalSize)

	// a fresh transfer gets a destination; a known transfer id from
	// the same peer resumes into its recorded destination
	var rec *store.TransferRecord
	existing, err := e.st.Transfer(offer.TransferID)
	switch {
	case err == nil:
		if existing.DeviceID != peer.DeviceID || existing.Direction != store.DirectionReceive {
			stream.WriteMessage(&transport.Reject{Reason: "transfer id in use"})
			return fmt.Errorf("transfer id %s already in use", offer.TransferID)
		}
		if existing.Status == store.StatusCompleted {
			stream.WriteMessage(&transport.Reject{Reason: "transfer already completed"})
			return fmt.Errorf("transfer %s already completed", offer.TransferID)
		}
		rec = existing
	case errors.Is(err, store.ErrNotFound):
		dest, err := pickDestination(e.downloads, offer.FileName)
		if err != nil {
			stream.WriteMessage(&transport.Reject{Reason: "cannot allocate destination"})
			return err
		}
		now := time.Now().Unix()
		rec = &store.TransferRecord{
			TransferID: offer.TransferID,
			DeviceID:   peer.DeviceID,
			DeviceName: peer.DeviceID[:8],
			FileName:   offer.FileName,
			FilePath:   dest,
			TotalSize:  totalSize,
			Direction:  store.DirectionReceive,
			Status:     store.StatusPending,
			FileHash:   offer.Hash,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if dev, derr := e.st.Device(peer.DeviceID); derr == nil {
			rec.DeviceName = dev.Name
		}
		if err := e.st.InsertTransfer(rec); err != nil {
			stream.WriteMessage(&transport.Reject{Reason: "store error"})
			return err
		}
	default:
		stream.WriteMessage(&transport.Reject{Reason: "store error"})
		return err
	}

	partPath := rec.FilePath + partSuffix
	var resumeOffset int64
	if fi, err := os.Stat(partPath); err == nil {
		resumeOffset = fi.Size()
	}
	if resumeOffset > totalSize {
		// stale partial from an earlier, different file
		os.Remove(partPath)
		resumeOffset = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &active{
		transferID: rec.TransferID,
		fileName:   rec.FileName,
		totalSize:  totalSize,
		direction:  store.DirectionReceive,
		stream:     stream,
		cancel:     cancel,
		pause:      &latch{},
		limiter:    rate.NewLimiter(progressEvery, 1),
		started:    time.Now(),
	}
	if err := e.register(a); err != nil {
		stream.WriteMessage(&transport.Reject{Reason: "transfer already active"})
		return err
	}
	defer e.unregister(a.transferID)

	go func() {
		<-ctx.Done()
		if a.wasCancelled() {
			stream.Cancel(transport.StreamCancelled)
		}
	}()

	err = e.runReceive(ctx, a, stream, offer, partPath, rec.FilePath, resumeOffset)
	switch {
	case err == nil:
		return nil
	case a.wasCancelled():
		// a receiver-issued cancel discards the partial download
		os.Remove(partPath)
		e.finalize(a, store.StatusCancelled, "", "cancelled")
		return nil
	case errors.Is(err, errPeerCancelled):
		// sender cancelled: keep the partial for a future resume
		e.finalize(a, store.StatusCancelled, "", "cancelled by peer")
		return nil
	default:
		e.finalize(a, store.StatusFailed, "", err.Error())
		return err
	}
}

var errPeerCancelled = errors.New("transfer cancelled by peer")

func (e *Engine) runReceive(ctx context.Context, a *active, stream *transport.Stream, offer *transport.Offer, partPath, finalPath string, resumeOffset int64) error {
	if err := stream.WriteMessage(&transport.Accept{ResumeOffset: uint64(resumeOffset)}); err != nil {
		return fmt.Errorf("cannot accept offer: %w", err)
	}

	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("cannot open partial file: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(resumeOffset, io.SeekStart); err != nil {
		return err
	}

	// the rolling hash covers the whole file including resumed bytes
	hasher := identity.NewHasher()
	if resumeOffset > 0 {
		prefix, err := os.Open(partPath)
		if err != nil {
			return err
		}
		_, err = io.CopyN(hasher, prefix, resumeOffset)
		prefix.Close()
		if err != nil {
			return fmt.Errorf("cannot rehash resumed prefix: %w", err)
		}
	}

	a.mu.Lock()
	a.bytes = resumeOffset
	a.mu.Unlock()

	var expectSeq uint64
	received := false
	var finHash string
loop:
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		waited, err := a.pause.wait(ctx)
		if err != nil {
			return err
		}
		if waited {
			// re-advertise the durable offset so the sender's view of
			// progress stays honest after the stall
			e.setStatus(a, store.StatusInProgress, "")
			stream.WriteMessage(&transport.ResumeAt{Offset: uint64(a.currentBytes())})
		}

		stream.SetReadDeadline(time.Now().Add(ChunkTimeout))
		msg, err := stream.ReadMessage()
		if err != nil {
			if isStreamCancelled(err) {
				return errPeerCancelled
			}
			return fmt.Errorf("cannot read chunk: %w", err)
		}

		switch m := msg.(type) {
		case *transport.Chunk:
			if m.Seq != expectSeq {
				return fmt.Errorf("%w: chunk %d arrived, expected %d", transport.ErrProtocol, m.Seq, expectSeq)
			}
			expectSeq++
			if len(m.Data) > int(offer.ChunkSize) {
				return fmt.Errorf("%w: chunk of %d bytes exceeds negotiated size", transport.ErrProtocol, len(m.Data))
			}
			if a.currentBytes()+int64(len(m.Data)) > a.totalSize {
				return fmt.Errorf("%w: more bytes than offered", transport.ErrProtocol)
			}
			if _, err := f.Write(m.Data); err != nil {
				return fmt.Errorf("cannot write partial file: %w", err)
			}
			hasher.Write(m.Data)

			a.mu.Lock()
			a.bytes += int64(len(m.Data))
			a.mu.Unlock()

			if !received {
				received = true
				e.setStatus(a, store.StatusInProgress, "")
			}
			if a.limiter.Allow() {
				// commit before persisting the offset: the durable
				// offset must never run ahead of the bytes on disk
				f.Sync()
				e.persistProgress(a, store.StatusInProgress)
				e.hub.Publish(events.TransferProgress, &Progress{
					TransferID: a.transferID,
					FileName:   a.fileName,
					BytesSent:  a.currentBytes(),
					TotalBytes: a.totalSize,
					Direction:  a.direction,
				})
			}

		case *transport.Fin:
			finHash = m.Hash
			break loop

		default:
			return fmt.Errorf("%w: unexpected %T on transfer stream", transport.ErrProtocol, msg)
		}
	}

	if err := f.Sync(); err != nil {
		return err
	}

	if a.currentBytes() != a.totalSize {
		stream.WriteMessage(&transport.Done{OK: false, Reason: "truncated"})
		return fmt.Errorf("%w: received %d of %d bytes", ErrIntegrity, a.currentBytes(), a.totalSize)
	}
	gotHash := hex.EncodeToString(hasher.Sum(nil))
	if finHash != gotHash || (offer.Hash != "" && offer.Hash != finHash) {
		stream.WriteMessage(&transport.Done{OK: false, Reason: "hash_mismatch"})
		return fmt.Errorf("%w: content hash mismatch for %s", ErrIntegrity, a.transferID)
	}

	if err := f.Close(); err != nil {
		stream.WriteMessage(&transport.Done{OK: false, Reason: "io error"})
		return err
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		stream.WriteMessage(&transport.Done{OK: false, Reason: "io error"})
		return fmt.Errorf("cannot promote partial file: %w", err)
	}

	if err := stream.WriteMessage(&transport.Done{OK: true}); err != nil {
		return err
	}

	e.finalize(a, store.StatusCompleted, gotHash, "")
	return nil
}

func isStreamCancelled(err error) bool {
	var streamErr *quic.StreamError
	return errors.As(err, &streamErr) && streamErr.ErrorCode == transport.StreamCancelled
}

// pickDestination returns <dir>/<name>, suffixing " (n)" before the
// extension for the smallest n >= 1 that avoids an existing file or
// partial.
func pickDestination(dir, name string) (string, error) {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", fmt.Errorf("cannot derive destination from file name %q", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	candidate := filepath.Join(dir, name)
	if !exists(candidate) && !exists(candidate+partSuffix) {
		return candidate, nil
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if !exists(candidate) && !exists(candidate+partSuffix) {
			return candidate, nil
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
