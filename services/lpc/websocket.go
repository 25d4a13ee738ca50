// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lpc

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// eventWriteWait bounds writing one event to the client.
	eventWriteWait = 10 * time.Second

	// eventPingPeriod is how often idle streams are pinged.
	eventPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleEvents handles GET /v1/lpc/sessions/:runId/events.
//
// Description:
//
//	Upgrades to a websocket and streams session events as JSON until the
//	session closes or the client disconnects. The last message of a
//	closing session is a sessionClosed event.
//
// Response:
//
//	101 Switching Protocols: event stream
//	404 Not Found: Session not found
func (h *Handlers) HandleEvents(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleEvents")

	runID := c.Param("runId")
	events, unsubscribe, err := h.svc.Subscribe(runID)
	if err != nil {
		fail(c, logger, err)
		return
	}
	defer unsubscribe()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	logger.Info("event stream connected", "run_id", runID)

	// The reader only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(eventWriteWait))
				logger.Info("event stream ended", "run_id", runID)
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				logger.Warn("failed to write event", "error", err)
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		case <-gone:
			logger.Info("event stream client disconnected", "run_id", runID)
			return
		}
	}
}
