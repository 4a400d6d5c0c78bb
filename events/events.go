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

// Package events implements the publish/subscribe hub the shell
// consumes asynchronous engine events from. Delivery is lossless per
// subscriber: each subscriber owns a bounded queue and a slow consumer
// blocks the emitter rather than dropping state changes.
package events

import (
	"sync"
	"time"
)

// Names of the events published by the engine.
const (
	DeviceUpdated        = "device-updated"
	PairingRequest       = "pairing-request"
	Paired               = "paired"
	TransferProgress     = "transfer-progress"
	TransferStateChanged = "transfer-state-changed"
	HistoryUpdated       = "history-updated"
)

// Event is a single published event.
type Event struct {
	Name string    `json:"event"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// queueSize bounds each subscriber's backlog. Emitters block once a
// subscriber falls this far behind.
const queueSize = 64

// Subscription receives events from a Hub until closed.
type Subscription struct {
	hub    *Hub
	names  map[string]bool
	events chan Event
	done   chan struct{}

	// sending tracks in-flight Publish deliveries so Close can wait
	// for them before closing the events channel.
	sending sync.WaitGroup

	closeOnce sync.Once
}

// Events returns the channel events are delivered on. The channel is
// closed when the subscription or the hub is closed.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) wants(name string) bool {
	return len(s.names) == 0 || s.names[name]
}

// Close unsubscribes and closes the event channel. Buffered events not
// yet consumed are discarded. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.remove(s)
		close(s.done)
		// unblock senders parked on a full queue
		go func() {
			for range s.events {
			}
		}()
		s.sending.Wait()
		close(s.events)
	})
}

// Hub fans events out to subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]bool
}

// NewHub returns a ready to use hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]bool)}
}

// Subscribe registers interest in the named events. With no names the
// subscription receives every event.
func (h *Hub) Subscribe(names ...string) *Subscription {
	sub := &Subscription{
		hub:    h,
		events: make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	if len(names) > 0 {
		sub.names = make(map[string]bool, len(names))
		for _, n := range names {
			sub.names[n] = true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = true
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Publish delivers the event to every interested subscriber. The send
// blocks while a subscriber's queue is full, so no subscriber ever
// misses a state change. A closed subscription stops blocking the
// emitter.
func (h *Hub) Publish(name string, data any) {
	ev := Event{Name: name, Time: time.Now(), Data: data}

	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		if sub.wants(name) {
			sub.sending.Add(1)
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- ev:
		case <-sub.done:
		}
		sub.sending.Done()
	}
}

// Close closes every outstanding subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
