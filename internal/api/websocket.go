// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/homie-os/orchestrator/internal/supervisor"
)

var upgrader = websocket.Upgrader{
	// The API binds to loopback; origin checks add nothing there.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

const (
	clientBuffer  = 64
	writeDeadline = 10 * time.Second
)

var _ supervisor.EventSink = (*EventHub)(nil)

// EventHub fans supervisor events out to websocket subscribers.
//
// # Thread Safety
//
// Safe for concurrent use. Publish never blocks; a subscriber that
// cannot keep up loses events rather than stalling the supervisor.
type EventHub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[chan supervisor.Event]struct{}
}

// NewEventHub creates an empty hub.
func NewEventHub(log *slog.Logger) *EventHub {
	return &EventHub{
		log:     log,
		clients: make(map[chan supervisor.Event]struct{}),
	}
}

// Publish delivers an event to every subscriber, dropping for the slow
// ones.
func (h *EventHub) Publish(ev supervisor.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *EventHub) subscribe() chan supervisor.Event {
	ch := make(chan supervisor.Event, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan supervisor.Event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// handleEvents upgrades GET /api/v1/events and streams events as JSON
// frames until the client goes away.
func (h *EventHub) handleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// Reads are discarded; the read loop only notices disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev := <-ch:
			ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := ws.WriteJSON(ev); err != nil {
				h.log.Debug("websocket write failed, dropping client", "error", err)
				return
			}
		}
	}
}
