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

// Package osutil collects the small filesystem helpers shared by the
// identity and transfer code.
package osutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/proxishare/proxishare/randutil"
)

// FileExists return true if given path can be stat()ed by us. Note that
// it may return false on e.g. permission issues.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsDirectory return true if the given path can be stat()ed by us and
// is a directory.
func IsDirectory(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.IsDir()
}

// AtomicWriteFile updates the filename atomically and works otherwise
// like io/ioutil.WriteFile(). The file is written to a temporary name
// in the same directory first and renamed into place, so readers only
// ever observe the old or the new content.
func AtomicWriteFile(filename string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(filename)
	token, err := randutil.CryptoToken(8)
	if err != nil {
		return err
	}

	tmp := filepath.Join(dir, "."+filepath.Base(filename)+"~"+token)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, filename)
}

// MkdirAll creates the given directory and any missing parents with
// the given permissions.
func MkdirAll(path string, perm os.FileMode) error {
	if FileExists(path) && !IsDirectory(path) {
		return fmt.Errorf("cannot create directory %q: not a directory", path)
	}
	return os.MkdirAll(path, perm)
}
