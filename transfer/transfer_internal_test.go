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

package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/check.v1"
)

func Test(t *testing.T) { check.TestingT(t) }

type internalSuite struct{}

var _ = check.Suite(&internalSuite{})

func touch(c *check.C, path string) {
	c.Assert(os.WriteFile(path, nil, 0644), check.IsNil)
}

func (s *internalSuite) TestPickDestinationPlain(c *check.C) {
	dir := c.MkDir()
	dest, err := pickDestination(dir, "notes.txt")
	c.Assert(err, check.IsNil)
	c.Check(dest, check.Equals, filepath.Join(dir, "notes.txt"))
}

func (s *internalSuite) TestPickDestinationSuffixes(c *check.C) {
	dir := c.MkDir()
	touch(c, filepath.Join(dir, "notes.txt"))

	dest, err := pickDestination(dir, "notes.txt")
	c.Assert(err, check.IsNil)
	c.Check(dest, check.Equals, filepath.Join(dir, "notes (1).txt"))

	touch(c, filepath.Join(dir, "notes (1).txt"))
	dest, err = pickDestination(dir, "notes.txt")
	c.Assert(err, check.IsNil)
	c.Check(dest, check.Equals, filepath.Join(dir, "notes (2).txt"))
}

func (s *internalSuite) TestPickDestinationAvoidsPartials(c *check.C) {
	dir := c.MkDir()
	touch(c, filepath.Join(dir, "notes.txt.part"))

	dest, err := pickDestination(dir, "notes.txt")
	c.Assert(err, check.IsNil)
	c.Check(dest, check.Equals, filepath.Join(dir, "notes (1).txt"))
}

func (s *internalSuite) TestPickDestinationNoExtension(c *check.C) {
	dir := c.MkDir()
	touch(c, filepath.Join(dir, "README"))

	dest, err := pickDestination(dir, "README")
	c.Assert(err, check.IsNil)
	c.Check(dest, check.Equals, filepath.Join(dir, "README (1)"))
}

func (s *internalSuite) TestPickDestinationStripsPath(c *check.C) {
	// a hostile file name must not escape the downloads directory
	dir := c.MkDir()
	dest, err := pickDestination(dir, "../../etc/passwd")
	c.Assert(err, check.IsNil)
	c.Check(dest, check.Equals, filepath.Join(dir, "passwd"))
}

func (s *internalSuite) TestLatchPauseResume(c *check.C) {
	l := &latch{}

	// not paused: wait returns immediately
	waited, err := l.wait(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(waited, check.Equals, false)

	c.Check(l.pause(), check.Equals, true)
	c.Check(l.pause(), check.Equals, false)

	released := make(chan error, 1)
	go func() {
		waited, err := l.wait(context.Background())
		if err == nil && !waited {
			err = context.Canceled // should have blocked
		}
		released <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Check(l.resume(), check.Equals, true)
	c.Check(l.resume(), check.Equals, false)

	select {
	case err := <-released:
		c.Check(err, check.IsNil)
	case <-time.After(5 * time.Second):
		c.Fatal("wait did not release after resume")
	}
}

func (s *internalSuite) TestLatchWaitHonoursContext(c *check.C) {
	l := &latch{}
	l.pause()

	ctx, cancel := context.WithCancel(context.Background())
	released := make(chan error, 1)
	go func() {
		_, err := l.wait(ctx)
		released <- err
	}()

	cancel()
	select {
	case err := <-released:
		c.Check(err, check.Equals, context.Canceled)
	case <-time.After(5 * time.Second):
		c.Fatal("wait did not release on context cancel")
	}
}
