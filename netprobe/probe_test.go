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

package netprobe_test

import (
	"context"
	"net"
	"testing"
	"time"

	"gopkg.in/check.v1"

	"github.com/proxishare/proxishare/identity"
	"github.com/proxishare/proxishare/netprobe"
	"github.com/proxishare/proxishare/store"
)

func Test(t *testing.T) { check.TestingT(t) }

type probeSuite struct{}

var _ = check.Suite(&probeSuite{})

// deadPort reserves a UDP port and releases it, so nothing answers
// there during the test.
func deadPort(c *check.C) int {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	c.Assert(err, check.IsNil)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func (s *probeSuite) TestUnreachableFailsWithinTimeout(c *check.C) {
	id, err := identity.Load(c.MkDir())
	c.Assert(err, check.IsNil)
	p := netprobe.New(id)

	port := deadPort(c)

	start := time.Now()
	reachable := p.TestReachable(context.Background(), "127.0.0.1", port)
	elapsed := time.Since(start)

	c.Check(reachable, check.Equals, false)
	// the probe gives up within its timeout, with a little slack
	c.Check(elapsed < netprobe.Timeout+2*time.Second, check.Equals, true)
}

func (s *probeSuite) TestFindReachableExhaustsAddresses(c *check.C) {
	id, err := identity.Load(c.MkDir())
	c.Assert(err, check.IsNil)
	p := netprobe.New(id)

	dev := &store.DeviceRecord{
		DeviceID:    "11111111111111111111111111111111",
		Addresses:   []string{"127.0.0.1"},
		ServicePort: deadPort(c),
	}
	_, err = p.FindReachable(context.Background(), dev)
	c.Check(err, check.ErrorMatches, "no reachable address for device .*")
}
