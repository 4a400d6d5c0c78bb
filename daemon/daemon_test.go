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

package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"gopkg.in/check.v1"

	"github.com/proxishare/proxishare/daemon"
	"github.com/proxishare/proxishare/engine"
)

func Test(t *testing.T) { check.TestingT(t) }

type daemonSuite struct {
	eng    *engine.Engine
	api    *daemon.Daemon
	client *http.Client
}

var _ = check.Suite(&daemonSuite{})

func (s *daemonSuite) SetUpTest(c *check.C) {
	eng, err := engine.New(engine.Options{
		DataDir:      c.MkDir(),
		Downloads:    c.MkDir(),
		Name:         "api-test",
		NoSyncOnPair: true,
	})
	c.Assert(err, check.IsNil)
	s.eng = eng

	socket := filepath.Join(c.MkDir(), "api.socket")
	s.api = daemon.New(eng, socket)
	c.Assert(s.api.Start(), check.IsNil)

	s.client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socket)
			},
		},
	}
}

func (s *daemonSuite) TearDownTest(c *check.C) {
	c.Assert(s.api.Stop(), check.IsNil)
	s.eng.Stop()
}

type apiResp struct {
	Result json.RawMessage `json:"result"`
	Error  *engine.Error   `json:"error"`
}

func (s *daemonSuite) get(c *check.C, path string, wantStatus int) *apiResp {
	resp, err := s.client.Get("http://localhost" + path)
	c.Assert(err, check.IsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, wantStatus, check.Commentf("GET %s", path))

	var out apiResp
	c.Assert(json.NewDecoder(resp.Body).Decode(&out), check.IsNil)
	return &out
}

func (s *daemonSuite) post(c *check.C, path string, body any, wantStatus int) *apiResp {
	payload, err := json.Marshal(body)
	c.Assert(err, check.IsNil)
	resp, err := s.client.Post("http://localhost"+path, "application/json", bytes.NewReader(payload))
	c.Assert(err, check.IsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, wantStatus, check.Commentf("POST %s", path))

	var out apiResp
	c.Assert(json.NewDecoder(resp.Body).Decode(&out), check.IsNil)
	return &out
}

func (s *daemonSuite) TestDiagnostics(c *check.C) {
	out := s.get(c, "/v1/diagnostics", 200)

	var diag engine.Diagnostics
	c.Assert(json.Unmarshal(out.Result, &diag), check.IsNil)
	c.Check(diag.DeviceID, check.Equals, s.eng.DeviceID())
	c.Check(diag.Port, check.Equals, s.eng.Port())
}

func (s *daemonSuite) TestDevicesEmpty(c *check.C) {
	out := s.get(c, "/v1/devices", 200)
	c.Check(string(out.Result), check.Equals, "[]")
}

func (s *daemonSuite) TestDevicesListsRoster(c *check.C) {
	s.eng.Observe("11111111111111111111111111111111", "laptop", []string{"127.0.0.1"}, 4001)

	out := s.get(c, "/v1/devices", 200)
	var devices []map[string]any
	c.Assert(json.Unmarshal(out.Result, &devices), check.IsNil)
	c.Assert(devices, check.HasLen, 1)
	c.Check(devices[0]["name"], check.Equals, "laptop")
}

func (s *daemonSuite) TestTrustedFalse(c *check.C) {
	out := s.get(c, "/v1/devices/11111111111111111111111111111111/trusted", 200)
	c.Check(string(out.Result), check.Equals, "false")
}

func (s *daemonSuite) TestSendToUntrustedRefused(c *check.C) {
	out := s.post(c, "/v1/transfers", map[string]string{
		"device_id": "11111111111111111111111111111111",
		"path":      "/tmp/nope.bin",
	}, 403)
	c.Assert(out.Error, check.NotNil)
	c.Check(out.Error.Kind, check.Equals, engine.KindUntrustedPeer)
}

func (s *daemonSuite) TestUnknownPairingAction(c *check.C) {
	out := s.post(c, "/v1/devices/1111/pair", map[string]string{"action": "frobnicate"}, 500)
	c.Assert(out.Error, check.NotNil)
}

func (s *daemonSuite) TestSyncFolderRoundTrip(c *check.C) {
	dir := c.MkDir()
	s.post(c, "/v1/sync-folder", map[string]string{"path": dir}, 200)

	out := s.get(c, "/v1/sync-folder", 200)
	var status engine.SyncStatus
	c.Assert(json.Unmarshal(out.Result, &status), check.IsNil)
	c.Check(status.Folder, check.Equals, dir)
}

func (s *daemonSuite) TestSyncFolderRejectsMissing(c *check.C) {
	out := s.post(c, "/v1/sync-folder", map[string]string{"path": filepath.Join(c.MkDir(), "missing")}, 400)
	c.Assert(out.Error, check.NotNil)
	c.Check(out.Error.Kind, check.Equals, engine.KindTransferIO)
}

func (s *daemonSuite) TestTransferActionOnUnknownTransfer(c *check.C) {
	out := s.post(c, "/v1/transfers/ffffffffffffffffffffffffffffffff", map[string]string{"action": "pause"}, 400)
	c.Assert(out.Error, check.NotNil)
}

func (s *daemonSuite) TestRouting(c *check.C) {
	resp, err := s.client.Get("http://localhost/v1/unknown")
	c.Assert(err, check.IsNil)
	resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusNotFound)

	req, err := http.NewRequest("PUT", "http://localhost/v1/transfers", nil)
	c.Assert(err, check.IsNil)
	resp, err = s.client.Do(req)
	c.Assert(err, check.IsNil)
	resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusMethodNotAllowed)
}
