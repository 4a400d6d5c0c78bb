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

package osutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/check.v1"

	"github.com/proxishare/proxishare/osutil"
	"github.com/proxishare/proxishare/testutil"
)

func Test(t *testing.T) { check.TestingT(t) }

type ioSuite struct{}

var _ = check.Suite(&ioSuite{})

func (s *ioSuite) TestAtomicWriteFile(c *check.C) {
	path := filepath.Join(c.MkDir(), "target")
	c.Assert(osutil.AtomicWriteFile(path, []byte("hello"), 0600), check.IsNil)
	c.Check(path, testutil.FileEquals, "hello")

	fi, err := os.Stat(path)
	c.Assert(err, check.IsNil)
	c.Check(fi.Mode().Perm(), check.Equals, os.FileMode(0600))

	// overwriting replaces content, no temp files stay behind
	c.Assert(osutil.AtomicWriteFile(path, []byte("bye"), 0600), check.IsNil)
	c.Check(path, testutil.FileEquals, "bye")

	entries, err := os.ReadDir(filepath.Dir(path))
	c.Assert(err, check.IsNil)
	c.Check(entries, check.HasLen, 1)
}

func (s *ioSuite) TestFileExists(c *check.C) {
	dir := c.MkDir()
	c.Check(osutil.FileExists(filepath.Join(dir, "nope")), check.Equals, false)

	path := filepath.Join(dir, "yes")
	c.Assert(os.WriteFile(path, nil, 0644), check.IsNil)
	c.Check(osutil.FileExists(path), check.Equals, true)
}

func (s *ioSuite) TestIsDirectory(c *check.C) {
	dir := c.MkDir()
	c.Check(osutil.IsDirectory(dir), check.Equals, true)

	path := filepath.Join(dir, "f")
	c.Assert(os.WriteFile(path, nil, 0644), check.IsNil)
	c.Check(osutil.IsDirectory(path), check.Equals, false)
}

func (s *ioSuite) TestMkdirAll(c *check.C) {
	dir := c.MkDir()
	nested := filepath.Join(dir, "a", "b", "c")
	c.Assert(osutil.MkdirAll(nested, 0755), check.IsNil)
	c.Check(osutil.IsDirectory(nested), check.Equals, true)

	path := filepath.Join(dir, "f")
	c.Assert(os.WriteFile(path, nil, 0644), check.IsNil)
	c.Check(osutil.MkdirAll(path, 0755), check.ErrorMatches, "cannot create directory .*: not a directory")
}
