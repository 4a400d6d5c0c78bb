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

package logger_test

import (
	"os"
	"testing"

	"gopkg.in/check.v1"

	"github.com/proxishare/proxishare/logger"
	"github.com/proxishare/proxishare/testutil"
)

func Test(t *testing.T) { check.TestingT(t) }

type loggerSuite struct{}

var _ = check.Suite(&loggerSuite{})

func (s *loggerSuite) TestNoticef(c *check.C) {
	buf, restore := logger.MockLogger()
	defer restore()

	logger.Noticef("xyzzy %d", 42)
	c.Check(buf.String(), testutil.Contains, "xyzzy 42")
}

func (s *loggerSuite) TestDebugfOffByDefault(c *check.C) {
	os.Unsetenv("PROXISHARE_DEBUG")
	buf, restore := logger.MockLogger()
	defer restore()

	logger.Debugf("xyzzy")
	c.Check(buf.String(), check.Equals, "")
}

func (s *loggerSuite) TestDebugfEnabled(c *check.C) {
	os.Setenv("PROXISHARE_DEBUG", "1")
	defer os.Unsetenv("PROXISHARE_DEBUG")

	buf, restore := logger.MockLogger()
	defer restore()

	logger.Debugf("xyzzy")
	c.Check(buf.String(), testutil.Contains, "DEBUG: xyzzy")
}
