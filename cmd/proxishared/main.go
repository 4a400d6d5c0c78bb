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

// proxishared is the ProxiShare peer engine daemon: it advertises the
// device on the LAN, serves peer connections, and exposes the command
// API to the desktop shell on a unix socket.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/jessevdk/go-flags"

	"github.com/proxishare/proxishare/daemon"
	"github.com/proxishare/proxishare/engine"
	"github.com/proxishare/proxishare/logger"
)

type options struct {
	DataDir   string `long:"data-dir" description:"engine state directory" default:""`
	Downloads string `long:"downloads" description:"directory received files land in" default:""`
	Name      string `long:"name" description:"human label advertised for this device" default:""`
	Port      int    `long:"port" description:"UDP port for the transport (0 = OS assigned)" default:"0"`
	ChunkSize string `long:"chunk-size" description:"transfer chunk size" default:"256KB"`
	Socket    string `long:"socket" description:"API socket path (default: <data-dir>/proxishared.socket)" default:""`
	NoSync    bool   `long:"no-sync-on-pair" description:"do not sync history automatically after pairing"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := logger.SimpleSetup(); err != nil {
		return err
	}

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return nil
		}
		return err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	if opts.DataDir == "" {
		opts.DataDir = filepath.Join(home, ".proxishare")
	}
	if opts.Downloads == "" {
		opts.Downloads = filepath.Join(home, "Downloads")
	}
	if opts.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return err
		}
		opts.Name = hostname
	}
	if opts.Socket == "" {
		opts.Socket = filepath.Join(opts.DataDir, "proxishared.socket")
	}

	var chunkSize datasize.ByteSize
	if err := chunkSize.UnmarshalText([]byte(opts.ChunkSize)); err != nil {
		return fmt.Errorf("cannot parse chunk size %q: %w", opts.ChunkSize, err)
	}

	eng, err := engine.New(engine.Options{
		DataDir:      opts.DataDir,
		Name:         opts.Name,
		Port:         opts.Port,
		Downloads:    opts.Downloads,
		ChunkSize:    int(chunkSize.Bytes()),
		NoSyncOnPair: opts.NoSync,
	})
	if err != nil {
		return err
	}
	defer eng.Stop()

	if err := eng.StartDiscovery(); err != nil {
		// a failed multicast bind is retriable, not fatal; the shell
		// sees it in the diagnostics
		logger.Noticef("%v", err)
	}

	api := daemon.New(eng, opts.Socket)
	if err := api.Start(); err != nil {
		return err
	}
	defer api.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Noticef("received %s, shutting down", s)
	return nil
}
