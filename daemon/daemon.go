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

// Package daemon exposes the engine's command surface to the desktop
// shell over a REST API on a unix socket, and streams engine events
// as newline-delimited JSON.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"gopkg.in/tomb.v2"

	"github.com/proxishare/proxishare/engine"
	"github.com/proxishare/proxishare/logger"
)

// Daemon serves the shell-facing API for one engine.
type Daemon struct {
	engine     *engine.Engine
	socketPath string

	listener net.Listener
	srv      *http.Server
	tomb     tomb.Tomb
}

// New builds a daemon for the engine, serving on the given unix
// socket path.
func New(e *engine.Engine, socketPath string) *Daemon {
	return &Daemon{engine: e, socketPath: socketPath}
}

// Start binds the socket and begins serving.
func (d *Daemon) Start() error {
	os.Remove(d.socketPath)
	ln, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("cannot bind API socket: %w", err)
	}
	if err := os.Chmod(d.socketPath, 0600); err != nil {
		ln.Close()
		return err
	}
	d.listener = ln
	d.srv = &http.Server{Handler: d.router()}

	d.tomb.Go(func() error {
		err := d.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	logger.Noticef("API listening on %s", d.socketPath)
	return nil
}

// Stop shuts the API down.
func (d *Daemon) Stop() error {
	if d.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.srv.Shutdown(ctx)
	}
	d.tomb.Kill(nil)
	err := d.tomb.Wait()
	os.Remove(d.socketPath)
	return err
}

func (d *Daemon) router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/discovery", d.postDiscovery).Methods("POST")
	r.HandleFunc("/v1/discovery", d.deleteDiscovery).Methods("DELETE")
	r.HandleFunc("/v1/devices", d.getDevices).Methods("GET")
	r.HandleFunc("/v1/devices/{id}/trusted", d.getTrusted).Methods("GET")
	r.HandleFunc("/v1/devices/{id}/pair", d.postPair).Methods("POST")
	r.HandleFunc("/v1/devices/{id}/sync", d.postSync).Methods("POST")
	r.HandleFunc("/v1/devices/{id}/connectivity", d.getConnectivity).Methods("GET")
	r.HandleFunc("/v1/devices/{id}/address", d.getAddress).Methods("GET")
	r.HandleFunc("/v1/devices/{id}/transfers", d.getDeviceTransfers).Methods("GET")
	r.HandleFunc("/v1/transfers", d.postTransfer).Methods("POST")
	r.HandleFunc("/v1/transfers", d.getTransfers).Methods("GET")
	r.HandleFunc("/v1/transfers", d.deleteTransfers).Methods("DELETE")
	r.HandleFunc("/v1/transfers/{id}", d.postTransferAction).Methods("POST")
	r.HandleFunc("/v1/sync-folder", d.postSyncFolder).Methods("POST")
	r.HandleFunc("/v1/sync-folder", d.getSyncStatus).Methods("GET")
	r.HandleFunc("/v1/diagnostics", d.getDiagnostics).Methods("GET")
	r.HandleFunc("/v1/events", d.getEvents).Methods("GET")

	return r
}

// resp is the envelope every endpoint answers with.
type resp struct {
	Result any           `json:"result,omitempty"`
	Error  *engine.Error `json:"error,omitempty"`
}

func respond(w http.ResponseWriter, status int, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp{Result: result})
}

func respondErr(w http.ResponseWriter, err error) {
	var structured *engine.Error
	if !errors.As(err, &structured) {
		structured = &engine.Error{Kind: "internal", Message: err.Error()}
	}

	status := http.StatusInternalServerError
	switch structured.Kind {
	case engine.KindUntrustedPeer:
		status = http.StatusForbidden
	case engine.KindUnreachable, engine.KindPairingTimeout:
		status = http.StatusBadGateway
	case engine.KindPairingMismatch, engine.KindProtocolViolation, engine.KindTransferIO:
		status = http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp{Error: structured})
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return fmt.Errorf("cannot decode request body: %w", err)
	}
	return nil
}

func (d *Daemon) postDiscovery(w http.ResponseWriter, r *http.Request) {
	if err := d.engine.StartDiscovery(); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, true)
}

func (d *Daemon) deleteDiscovery(w http.ResponseWriter, r *http.Request) {
	d.engine.StopDiscovery()
	respond(w, http.StatusOK, true)
}

func (d *Daemon) getDevices(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, d.engine.DiscoveredDevices())
}

func (d *Daemon) getTrusted(w http.ResponseWriter, r *http.Request) {
	trusted, err := d.engine.IsDeviceTrusted(mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, trusted)
}

func (d *Daemon) postPair(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
		Code   string `json:"code"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	id := mux.Vars(r)["id"]

	switch body.Action {
	case "request":
		code, err := d.engine.RequestPairing(r.Context(), id)
		if err != nil {
			respondErr(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]string{"code": code})
	case "accept":
		if err := d.engine.AcceptPairing(id, body.Code); err != nil {
			respondErr(w, err)
			return
		}
		respond(w, http.StatusOK, true)
	case "reject":
		if err := d.engine.RejectPairing(id); err != nil {
			respondErr(w, err)
			return
		}
		respond(w, http.StatusOK, true)
	default:
		respondErr(w, fmt.Errorf("unknown pairing action %q", body.Action))
	}
}

func (d *Daemon) postSync(w http.ResponseWriter, r *http.Request) {
	merged, err := d.engine.SyncHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"merged": merged})
}

func (d *Daemon) getConnectivity(w http.ResponseWriter, r *http.Request) {
	reachable, err := d.engine.TestDeviceConnectivity(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, reachable)
}

func (d *Daemon) getAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := d.engine.FindReachableDeviceIP(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"address": addr})
}

func (d *Daemon) getDeviceTransfers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := d.engine.DeviceTransfers(mux.Vars(r)["id"], limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, rows)
}

// postTransfer starts a send. The transfer runs in the background;
// the shell follows it on the event stream.
func (d *Daemon) postTransfer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
		Path     string `json:"path"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondErr(w, err)
		return
	}

	// fail fast on what can be checked now; the rest surfaces as
	// transfer-state-changed events
	trusted, err := d.engine.IsDeviceTrusted(body.DeviceID)
	if err != nil {
		respondErr(w, err)
		return
	}
	if !trusted {
		respondErr(w, &engine.Error{Kind: engine.KindUntrustedPeer, Message: "device is not paired"})
		return
	}

	go func() {
		if err := d.engine.SendFile(context.Background(), body.DeviceID, body.Path); err != nil {
			logger.Noticef("send of %q to %s failed: %v", body.Path, body.DeviceID, err)
		}
	}()
	respond(w, http.StatusAccepted, true)
}

func (d *Daemon) getTransfers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := d.engine.TransferHistory(limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, rows)
}

func (d *Daemon) deleteTransfers(w http.ResponseWriter, r *http.Request) {
	if err := d.engine.ClearTransferHistory(); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, true)
}

func (d *Daemon) postTransferAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	id := mux.Vars(r)["id"]

	var err error
	switch body.Action {
	case "pause":
		err = d.engine.PauseTransfer(id)
	case "resume":
		err = d.engine.ResumeTransfer(id)
	case "cancel":
		err = d.engine.CancelTransfer(id)
	case "retry":
		go func() {
			if err := d.engine.RetryTransfer(context.Background(), id); err != nil {
				logger.Noticef("retry of transfer %s failed: %v", id, err)
			}
		}()
	default:
		err = fmt.Errorf("unknown transfer action %q", body.Action)
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, true)
}

func (d *Daemon) postSyncFolder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if err := d.engine.SetSyncFolder(body.Path); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, true)
}

func (d *Daemon) getSyncStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, d.engine.GetSyncStatus())
}

func (d *Daemon) getDiagnostics(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, d.engine.NetworkDiagnostics())
}

// getEvents streams engine events as newline-delimited JSON until the
// client goes away.
func (d *Daemon) getEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondErr(w, fmt.Errorf("cannot stream events on this connection"))
		return
	}

	var names []string
	if sel := r.URL.Query().Get("select"); sel != "" {
		names = append(names, sel)
	}
	sub := d.engine.Subscribe(names...)
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
