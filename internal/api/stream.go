/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/logsentry/internal/events"
	"github.com/marcus-qen/logsentry/internal/ingest"
)

const (
	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is read-only and unauthenticated; any origin may tail.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// tailFilter narrows the live tail. Zero values match everything.
type tailFilter struct {
	host        string
	app         string
	maxSeverity int // records with severity <= maxSeverity; -1 = any
	alerts      bool
}

func parseTailFilter(r *http.Request) (tailFilter, error) {
	q := r.URL.Query()
	f := tailFilter{
		host:        q.Get("host"),
		app:         q.Get("app"),
		maxSeverity: -1,
		alerts:      q.Get("alerts") == "true" || q.Get("alerts") == "1",
	}
	if v := q.Get("severity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 7 {
			return f, errBadSeverity
		}
		f.maxSeverity = n
	}
	return f, nil
}

var errBadSeverity = errors.New("severity must be an integer between 0 and 7")

// types lists the bus event types this filter can ever match.
func (f tailFilter) types() []events.EventType {
	if f.alerts {
		return []events.EventType{events.RecordIngested, events.AlertFired}
	}
	return []events.EventType{events.RecordIngested}
}

func (f tailFilter) match(evt events.Event) bool {
	switch evt.Type {
	case events.AlertFired:
		return f.alerts
	case events.RecordIngested:
		rec, ok := evt.Detail.(ingest.IngestedRecord)
		if !ok {
			return false
		}
		if f.host != "" && rec.Record.Hostname != f.host {
			return false
		}
		if f.app != "" && rec.Record.AppName != f.app {
			return false
		}
		if f.maxSeverity >= 0 && rec.Record.Severity > f.maxSeverity {
			return false
		}
		return true
	}
	return false
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// handleLogStream upgrades to a websocket and forwards newly ingested
// records until the client disconnects or the server shuts down.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "live tail unavailable")
		return
	}
	filter, err := parseTailFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("tail upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	id := "tail-" + uuid.NewString()
	ch := s.deps.Bus.Subscribe(id, filter.types()...)
	defer s.deps.Bus.Unsubscribe(id)

	s.logger.Debug("tail subscriber connected", zap.String("subscriber", id), zap.String("remote_addr", r.RemoteAddr))

	// Read loop only services control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !filter.match(evt) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, evt.JSON()); err != nil {
				return
			}
		}
	}
}
