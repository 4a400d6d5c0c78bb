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

package events_test

import (
	"testing"
	"time"

	"gopkg.in/check.v1"

	"github.com/proxishare/proxishare/events"
)

func Test(t *testing.T) { check.TestingT(t) }

type eventsSuite struct{}

var _ = check.Suite(&eventsSuite{})

func recv(c *check.C, sub *events.Subscription) events.Event {
	select {
	case ev, ok := <-sub.Events():
		c.Assert(ok, check.Equals, true)
		return ev
	case <-time.After(5 * time.Second):
		c.Fatal("timeout waiting for event")
	}
	panic("unreachable")
}

func (s *eventsSuite) TestPublishReachesAllSubscribers(c *check.C) {
	hub := events.NewHub()
	defer hub.Close()

	one := hub.Subscribe()
	two := hub.Subscribe()

	hub.Publish(events.DeviceUpdated, "payload")

	for _, sub := range []*events.Subscription{one, two} {
		ev := recv(c, sub)
		c.Check(ev.Name, check.Equals, events.DeviceUpdated)
		c.Check(ev.Data, check.Equals, "payload")
	}
}

func (s *eventsSuite) TestNameFilter(c *check.C) {
	hub := events.NewHub()
	defer hub.Close()

	sub := hub.Subscribe(events.TransferProgress)

	hub.Publish(events.DeviceUpdated, nil)
	hub.Publish(events.TransferProgress, 42)

	ev := recv(c, sub)
	c.Check(ev.Name, check.Equals, events.TransferProgress)
	c.Check(ev.Data, check.Equals, 42)
}

func (s *eventsSuite) TestDeliveryIsLossless(c *check.C) {
	hub := events.NewHub()
	defer hub.Close()

	sub := hub.Subscribe()

	const total = 500
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			hub.Publish(events.TransferProgress, i)
		}
	}()

	// a consumer slower than the queue size still sees every event in
	// order
	for i := 0; i < total; i++ {
		ev := recv(c, sub)
		c.Assert(ev.Data, check.Equals, i)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatal("emitter did not finish")
	}
}

func (s *eventsSuite) TestCloseUnblocksEmitter(c *check.C) {
	hub := events.NewHub()
	defer hub.Close()

	sub := hub.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// enough to fill the queue and block
		for i := 0; i < 200; i++ {
			hub.Publish(events.TransferProgress, i)
		}
	}()

	// let the emitter park on the full queue, then close
	time.Sleep(50 * time.Millisecond)
	sub.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatal("emitter still blocked after subscription close")
	}

	// the channel ends up closed
	for range sub.Events() {
	}
}

func (s *eventsSuite) TestCloseIsIdempotent(c *check.C) {
	hub := events.NewHub()
	sub := hub.Subscribe()
	sub.Close()
	sub.Close()
	hub.Close()
	hub.Close()
}

func (s *eventsSuite) TestHubCloseClosesSubscriptions(c *check.C) {
	hub := events.NewHub()
	sub := hub.Subscribe()
	hub.Close()

	_, ok := <-sub.Events()
	c.Check(ok, check.Equals, false)
}
