package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/pravado/playbook/event"
)

// handleRunSSE streams one run's lifecycle events as server-sent events.
func (a *API) handleRunSSE(w http.ResponseWriter, r *http.Request) {
	runID, err := pathRunID(r)
	if err != nil {
		a.respondError(w, err)
		return
	}
	if _, err := a.eng.GetRun(r.Context(), runID); err != nil {
		a.respondError(w, err)
		return
	}
	a.serveSSE(w, r, event.RunTopic(runID.String()))
}

// handleFirehoseSSE streams every event on the bus.
func (a *API) handleFirehoseSSE(w http.ResponseWriter, r *http.Request) {
	a.serveSSE(w, r, event.TopicFirehose)
}

func (a *API) serveSSE(w http.ResponseWriter, r *http.Request, topic string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.respondError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	subID := "sse-" + uuid.NewString()
	sub := a.eng.Bus().Subscribe(subID, topic)
	defer a.eng.Bus().RemoveSubscriber(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()
	expiry := a.streamExpiry()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-expiry:
			a.logger.Debug("sse stream reached max age", "subscriber", subID, "topic", topic)
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt *event.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}

// streamExpiry returns a channel that fires when the connection has
// lived past the configured cap, or never for an unlimited stream.
func (a *API) streamExpiry() <-chan time.Time {
	if a.maxStreamAge <= 0 {
		return nil
	}
	return time.After(a.maxStreamAge)
}

// handleRunWS streams one run's lifecycle events over a WebSocket. Each
// event is sent as a single JSON text frame.
func (a *API) handleRunWS(w http.ResponseWriter, r *http.Request) {
	runID, err := pathRunID(r)
	if err != nil {
		a.respondError(w, err)
		return
	}
	if _, err := a.eng.GetRun(r.Context(), runID); err != nil {
		a.respondError(w, err)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	subID := "ws-" + uuid.NewString()
	sub := a.eng.Bus().Subscribe(subID, event.RunTopic(runID.String()))
	defer a.eng.Bus().RemoveSubscriber(subID)

	// Drain client frames so close and control frames are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	expiry := a.streamExpiry()
	for {
		select {
		case <-closed:
			return
		case <-expiry:
			a.logger.Debug("websocket stream reached max age", "subscriber", subID)
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := wsutil.WriteServerText(conn, data); err != nil {
				return
			}
		}
	}
}
