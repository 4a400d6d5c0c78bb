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
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/check.v1"

	"github.com/proxishare/proxishare/events"
	"github.com/proxishare/proxishare/identity"
	"github.com/proxishare/proxishare/pairing"
	"github.com/proxishare/proxishare/randutil"
	"github.com/proxishare/proxishare/store"
	"github.com/proxishare/proxishare/transfer"
)

func Test(t *testing.T) { check.TestingT(t) }

// engineSuite runs two full engines against each other on loopback.
type engineSuite struct {
	a, b *Engine
}

var _ = check.Suite(&engineSuite{})

func newTestEngine(c *check.C, name string, chunkSize int) *Engine {
	e, err := New(Options{
		DataDir:      c.MkDir(),
		Downloads:    c.MkDir(),
		Name:         name,
		Port:         0,
		ChunkSize:    chunkSize,
		NoSyncOnPair: true,
	})
	c.Assert(err, check.IsNil)
	return e
}

func (s *engineSuite) SetUpTest(c *check.C) {
	s.a = newTestEngine(c, "engine-a", 0)
	s.b = newTestEngine(c, "engine-b", 0)
	s.introduce(c)
}

func (s *engineSuite) TearDownTest(c *check.C) {
	s.a.Stop()
	s.b.Stop()
}

// introduce seeds both rosters as if multicast discovery had run.
func (s *engineSuite) introduce(c *check.C) {
	s.a.Observe(s.b.DeviceID(), "engine-b", []string{"127.0.0.1"}, s.b.Port())
	s.b.Observe(s.a.DeviceID(), "engine-a", []string{"127.0.0.1"}, s.a.Port())

	c.Assert(s.a.DiscoveredDevices(), check.HasLen, 1)
	c.Assert(s.b.DiscoveredDevices(), check.HasLen, 1)
}

func waitEvent(c *check.C, sub *events.Subscription, name string) events.Event {
	deadline := time.After(30 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			c.Assert(ok, check.Equals, true, check.Commentf("subscription closed waiting for %s", name))
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			c.Fatalf("timeout waiting for %s event", name)
		}
	}
}

func waitState(c *check.C, sub *events.Subscription, status store.Status) *transfer.StateChange {
	deadline := time.After(30 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			c.Assert(ok, check.Equals, true)
			if ev.Name != events.TransferStateChanged {
				continue
			}
			change := ev.Data.(*transfer.StateChange)
			if change.Status == status {
				return change
			}
		case <-deadline:
			c.Fatalf("timeout waiting for transfer state %s", status)
		}
	}
}

// pair completes the code handshake between the two engines.
func (s *engineSuite) pair(c *check.C) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reqs := s.b.Subscribe(events.PairingRequest)
	defer reqs.Close()
	pairedA := s.a.Subscribe(events.Paired)
	defer pairedA.Close()
	pairedB := s.b.Subscribe(events.Paired)
	defer pairedB.Close()

	code, err := s.a.RequestPairing(ctx, s.b.DeviceID())
	c.Assert(err, check.IsNil)
	c.Assert(code, check.HasLen, 6)

	ev := waitEvent(c, reqs, events.PairingRequest)
	req := ev.Data.(*pairing.RequestEvent)
	c.Check(req.DeviceID, check.Equals, s.a.DeviceID())
	c.Check(req.DeviceName, check.Equals, "engine-a")
	// both ends derived the same code from the committed nonce
	c.Check(req.Code, check.Equals, code)

	c.Assert(s.b.AcceptPairing(s.a.DeviceID(), code), check.IsNil)

	waitEvent(c, pairedB, events.Paired)
	waitEvent(c, pairedA, events.Paired)

	trusted, err := s.a.IsDeviceTrusted(s.b.DeviceID())
	c.Assert(err, check.IsNil)
	c.Assert(trusted, check.Equals, true)
	trusted, err = s.b.IsDeviceTrusted(s.a.DeviceID())
	c.Assert(err, check.IsNil)
	c.Assert(trusted, check.Equals, true)
}

func writeRandomFile(c *check.C, path string, size int) []byte {
	data := make([]byte, size)
	_, err := rand.Read(data)
	c.Assert(err, check.IsNil)
	c.Assert(os.WriteFile(path, data, 0644), check.IsNil)
	return data
}

func (s *engineSuite) TestPairAndSend(c *check.C) {
	s.pair(c)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	progress := s.a.Subscribe(events.TransferProgress)
	defer progress.Close()

	src := filepath.Join(c.MkDir(), "payload.bin")
	data := writeRandomFile(c, src, 2500*1024)

	c.Assert(s.a.SendFile(ctx, s.b.DeviceID(), src), check.IsNil)

	// the terminal progress event reports 100%
	var last *transfer.Progress
	ev := waitEvent(c, progress, events.TransferProgress)
	last = ev.Data.(*transfer.Progress)
	for last.BytesSent != last.TotalBytes {
		ev = waitEvent(c, progress, events.TransferProgress)
		last = ev.Data.(*transfer.Progress)
	}
	c.Check(last.TotalBytes, check.Equals, int64(len(data)))

	// receiver's destination bytes equal the source byte for byte
	dest := filepath.Join(s.b.opts.Downloads, "payload.bin")
	got, err := os.ReadFile(dest)
	c.Assert(err, check.IsNil)
	c.Check(len(got), check.Equals, len(data))

	srcHash, err := identity.HashFile(src)
	c.Assert(err, check.IsNil)
	destHash, err := identity.HashFile(dest)
	c.Assert(err, check.IsNil)
	c.Check(destHash, check.Equals, srcHash)

	// both histories record one completed row with the same id
	rowsA, err := s.a.DeviceTransfers(s.b.DeviceID(), 10)
	c.Assert(err, check.IsNil)
	c.Assert(rowsA, check.HasLen, 1)
	rowsB, err := s.b.DeviceTransfers(s.a.DeviceID(), 10)
	c.Assert(err, check.IsNil)
	c.Assert(rowsB, check.HasLen, 1)

	c.Check(rowsA[0].TransferID, check.Equals, rowsB[0].TransferID)
	for _, row := range []*store.TransferRecord{rowsA[0], rowsB[0]} {
		c.Check(row.Status, check.Equals, store.StatusCompleted)
		c.Check(row.BytesTransferred, check.Equals, int64(len(data)))
		c.Check(row.FileHash, check.Equals, srcHash)
	}
	c.Check(rowsA[0].Direction, check.Equals, store.DirectionSend)
	c.Check(rowsB[0].Direction, check.Equals, store.DirectionReceive)

	// no partial stays behind
	c.Check(osExists(dest+".part"), check.Equals, false)
}

func osExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *engineSuite) TestPairMismatch(c *check.C) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reqs := s.b.Subscribe(events.PairingRequest)
	defer reqs.Close()

	code, err := s.a.RequestPairing(ctx, s.b.DeviceID())
	c.Assert(err, check.IsNil)

	ev := waitEvent(c, reqs, events.PairingRequest)
	req := ev.Data.(*pairing.RequestEvent)
	c.Check(req.Code, check.Equals, code)

	// type a wrong code: flip the first digit
	wrong := []byte(code)
	wrong[0] = '0' + (wrong[0]-'0'+1)%10
	err = s.b.AcceptPairing(s.a.DeviceID(), string(wrong))
	c.Assert(err, check.NotNil)
	var structured *Error
	c.Assert(errors.As(err, &structured), check.Equals, true)
	c.Check(structured.Kind, check.Equals, KindPairingMismatch)

	// neither side minted a trust record
	time.Sleep(200 * time.Millisecond)
	trusted, err := s.a.IsDeviceTrusted(s.b.DeviceID())
	c.Assert(err, check.IsNil)
	c.Check(trusted, check.Equals, false)
	trusted, err = s.b.IsDeviceTrusted(s.a.DeviceID())
	c.Assert(err, check.IsNil)
	c.Check(trusted, check.Equals, false)
}

func (s *engineSuite) TestSendRequiresTrust(c *check.C) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	src := filepath.Join(c.MkDir(), "f.bin")
	writeRandomFile(c, src, 1024)

	err := s.a.SendFile(ctx, s.b.DeviceID(), src)
	c.Assert(err, check.NotNil)
	var structured *Error
	c.Assert(errors.As(err, &structured), check.Equals, true)
	c.Check(structured.Kind, check.Equals, KindUntrustedPeer)

	// and no record was created
	rows, err := s.a.DeviceTransfers(s.b.DeviceID(), 10)
	c.Assert(err, check.IsNil)
	c.Check(rows, check.HasLen, 0)
}

func (s *engineSuite) TestSyncHistoryRequiresTrust(c *check.C) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.a.SyncHistory(ctx, s.b.DeviceID())
	var structured *Error
	c.Assert(errors.As(err, &structured), check.Equals, true)
	c.Check(structured.Kind, check.Equals, KindUntrustedPeer)
}

func (s *engineSuite) TestCancelKeepsPartialOnReceiver(c *check.C) {
	s.pair(c)

	// small chunks keep the transfer in flight long enough to pause
	s.a.transfers = transfer.NewEngine(s.a.st, s.a.hub, s.a.opts.Downloads, 8*1024)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	statesA := s.a.Subscribe(events.TransferStateChanged)
	defer statesA.Close()
	statesB := s.b.Subscribe(events.TransferStateChanged)
	defer statesB.Close()

	src := filepath.Join(c.MkDir(), "big.bin")
	writeRandomFile(c, src, 32*1024*1024)

	errc := make(chan error, 1)
	go func() {
		errc <- s.a.SendFile(ctx, s.b.DeviceID(), src)
	}()

	inProgress := waitState(c, statesA, store.StatusInProgress)
	transferID := inProgress.TransferID

	// pause makes the cancel deterministic: the transfer cannot
	// complete any more
	c.Assert(s.a.PauseTransfer(transferID), check.IsNil)
	waitState(c, statesA, store.StatusPaused)
	c.Assert(s.a.CancelTransfer(transferID), check.IsNil)

	waitState(c, statesA, store.StatusCancelled)
	waitState(c, statesB, store.StatusCancelled)

	err := <-errc
	var structured *Error
	c.Assert(errors.As(err, &structured), check.Equals, true)
	c.Check(structured.Kind, check.Equals, KindTransferCancelled)

	// both records settle cancelled
	recA, err := s.a.st.Transfer(transferID)
	c.Assert(err, check.IsNil)
	c.Check(recA.Status, check.Equals, store.StatusCancelled)
	recB, err := s.b.st.Transfer(transferID)
	c.Assert(err, check.IsNil)
	c.Check(recB.Status, check.Equals, store.StatusCancelled)

	// the receiver keeps the partial for a future resume and never
	// promotes it
	c.Check(osExists(recB.FilePath+".part"), check.Equals, true)
	c.Check(osExists(recB.FilePath), check.Equals, false)
}

func (s *engineSuite) TestRetryResumesFromDurableOffset(c *check.C) {
	s.pair(c)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	src := filepath.Join(c.MkDir(), "resume.bin")
	data := writeRandomFile(c, src, 1024*1024)
	srcHash, err := identity.HashFile(src)
	c.Assert(err, check.IsNil)

	// fake an interrupted transfer: both sides hold a failed record
	// and the receiver has the first 300000 bytes durable on disk
	const committed = 300000
	transferID := randutil.TransferID()
	now := time.Now().Unix()

	c.Assert(s.a.st.InsertTransfer(&store.TransferRecord{
		TransferID: transferID,
		DeviceID:   s.b.DeviceID(),
		DeviceName: "engine-b",
		FileName:   "resume.bin",
		FilePath:   src,
		TotalSize:  int64(len(data)),
		Direction:  store.DirectionSend,
		Status:     store.StatusFailed,
		FileHash:   srcHash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}), check.IsNil)

	dest := filepath.Join(s.b.opts.Downloads, "resume.bin")
	c.Assert(s.b.st.InsertTransfer(&store.TransferRecord{
		TransferID:       transferID,
		DeviceID:         s.a.DeviceID(),
		DeviceName:       "engine-a",
		FileName:         "resume.bin",
		FilePath:         dest,
		TotalSize:        int64(len(data)),
		Direction:        store.DirectionReceive,
		Status:           store.StatusFailed,
		BytesTransferred: committed,
		CreatedAt:        now,
		UpdatedAt:        now,
	}), check.IsNil)
	c.Assert(os.WriteFile(dest+".part", data[:committed], 0644), check.IsNil)

	c.Assert(s.a.RetryTransfer(ctx, transferID), check.IsNil)

	// the receiver ends with exactly total_size bytes and a matching
	// hash, in one record, not two
	got, err := os.ReadFile(dest)
	c.Assert(err, check.IsNil)
	c.Assert(len(got), check.Equals, len(data))
	destHash, err := identity.HashFile(dest)
	c.Assert(err, check.IsNil)
	c.Check(destHash, check.Equals, srcHash)

	rows, err := s.b.DeviceTransfers(s.a.DeviceID(), 10)
	c.Assert(err, check.IsNil)
	c.Assert(rows, check.HasLen, 1)
	c.Check(rows[0].Status, check.Equals, store.StatusCompleted)
	c.Check(rows[0].BytesTransferred, check.Equals, int64(len(data)))

	recA, err := s.a.st.Transfer(transferID)
	c.Assert(err, check.IsNil)
	c.Check(recA.Status, check.Equals, store.StatusCompleted)
}

func (s *engineSuite) TestDestinationCollisionSuffixes(c *check.C) {
	s.pair(c)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dir := c.MkDir()
	first := filepath.Join(dir, "same.txt")
	firstData := writeRandomFile(c, first, 4096)

	other := filepath.Join(c.MkDir(), "same.txt")
	otherData := writeRandomFile(c, other, 4096)

	c.Assert(s.a.SendFile(ctx, s.b.DeviceID(), first), check.IsNil)
	c.Assert(s.a.SendFile(ctx, s.b.DeviceID(), other), check.IsNil)

	gotFirst, err := os.ReadFile(filepath.Join(s.b.opts.Downloads, "same.txt"))
	c.Assert(err, check.IsNil)
	c.Check(gotFirst, check.DeepEquals, firstData)

	gotOther, err := os.ReadFile(filepath.Join(s.b.opts.Downloads, "same (1).txt"))
	c.Assert(err, check.IsNil)
	c.Check(gotOther, check.DeepEquals, otherData)
}

func (s *engineSuite) TestSyncHistoryConverges(c *check.C) {
	s.pair(c)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const (
		t1 = "00000000000000000000000000000001"
		t2 = "00000000000000000000000000000002"
		t3 = "00000000000000000000000000000003"
	)
	mk := func(id, dev string, dir store.Direction, status store.Status) *store.TransferRecord {
		return &store.TransferRecord{
			TransferID: id,
			DeviceID:   dev,
			DeviceName: "peer",
			FileName:   "f.bin",
			FilePath:   "/tmp/f.bin",
			TotalSize:  10,
			Direction:  dir,
			Status:     status,
			CreatedAt:  100,
			UpdatedAt:  100,
		}
	}

	// A: t1 completed, t2 failed; B: t2 completed, t3 completed
	c.Assert(s.a.st.InsertTransfer(mk(t1, s.b.DeviceID(), store.DirectionSend, store.StatusCompleted)), check.IsNil)
	c.Assert(s.a.st.InsertTransfer(mk(t2, s.b.DeviceID(), store.DirectionSend, store.StatusFailed)), check.IsNil)
	c.Assert(s.b.st.InsertTransfer(mk(t2, s.a.DeviceID(), store.DirectionReceive, store.StatusCompleted)), check.IsNil)
	c.Assert(s.b.st.InsertTransfer(mk(t3, s.a.DeviceID(), store.DirectionReceive, store.StatusCompleted)), check.IsNil)

	merged, err := s.a.SyncHistory(ctx, s.b.DeviceID())
	c.Assert(err, check.IsNil)
	c.Check(merged, check.Equals, 2)

	merged, err = s.b.SyncHistory(ctx, s.a.DeviceID())
	c.Assert(err, check.IsNil)
	c.Check(merged, check.Equals, 1)

	for _, eng := range []*Engine{s.a, s.b} {
		for _, id := range []string{t1, t2, t3} {
			rec, err := eng.st.Transfer(id)
			c.Assert(err, check.IsNil)
			c.Check(rec.Status, check.Equals, store.StatusCompleted, check.Commentf("engine %s transfer %s", eng.opts.Name, id))
		}
	}

	// running it again with no new activity is a no-op
	merged, err = s.a.SyncHistory(ctx, s.b.DeviceID())
	c.Assert(err, check.IsNil)
	c.Check(merged, check.Equals, 0)
	merged, err = s.b.SyncHistory(ctx, s.a.DeviceID())
	c.Assert(err, check.IsNil)
	c.Check(merged, check.Equals, 0)
}

func (s *engineSuite) TestNetworkDiagnostics(c *check.C) {
	diag := s.a.NetworkDiagnostics()
	c.Check(diag.DeviceID, check.Equals, s.a.DeviceID())
	c.Check(diag.Port, check.Equals, s.a.Port())
	c.Check(diag.Port > 0, check.Equals, true)
	c.Check(diag.DiscoveryRunning, check.Equals, false)
	c.Check(diag.RosterSize, check.Equals, 1)
	c.Check(diag.ActiveTransfers, check.Equals, 0)
}

func (s *engineSuite) TestConnectivityProbe(c *check.C) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reachable, err := s.a.TestDeviceConnectivity(ctx, s.b.DeviceID())
	c.Assert(err, check.IsNil)
	c.Check(reachable, check.Equals, true)

	addr, err := s.a.FindReachableDeviceIP(ctx, s.b.DeviceID())
	c.Assert(err, check.IsNil)
	c.Check(addr, check.Equals, "127.0.0.1")

	// a probe must not allocate a transfer
	c.Check(s.a.NetworkDiagnostics().ActiveTransfers, check.Equals, 0)
}

func (s *engineSuite) TestSyncFolder(c *check.C) {
	status := s.a.GetSyncStatus()
	c.Check(status.Folder, check.Equals, "")

	dir := c.MkDir()
	c.Assert(s.a.SetSyncFolder(dir), check.IsNil)
	c.Check(s.a.GetSyncStatus().Folder, check.Equals, dir)

	err := s.a.SetSyncFolder(filepath.Join(dir, "missing"))
	c.Check(err, check.NotNil)
}
