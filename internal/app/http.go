package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/lifevoice/internal/capture"
	"github.com/MrWong99/lifevoice/internal/observe"
	"github.com/MrWong99/lifevoice/internal/orchestrator"
)

// eventWriteTimeout bounds a single WebSocket snapshot write.
const eventWriteTimeout = 5 * time.Second

// routes builds the control surface:
//
//	POST /v1/session/start   start (or restart) the voice session
//	POST /v1/session/end     end the session
//	POST /v1/session/mute    toggle mute, or set it with {"muted": bool}
//	GET  /v1/session         current snapshot
//	GET  /v1/events          WebSocket stream of snapshots
//	GET  /healthz, /readyz   probes
//	GET  /metrics            Prometheus scrape endpoint
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session/start", a.handleStart)
	mux.HandleFunc("POST /v1/session/end", a.handleEnd)
	mux.HandleFunc("POST /v1/session/mute", a.handleMute)
	mux.HandleFunc("GET /v1/session", a.handleSnapshot)
	mux.HandleFunc("GET /v1/events", a.handleEvents)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.health.Register(mux)

	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	// The session outlives the request.
	err := a.orch.StartSession(context.WithoutCancel(r.Context()))
	if err != nil {
		observe.Logger(r.Context()).Warn("session start failed", "err", err)
		writeJSON(w, startStatus(err), a.orch.Snapshot())
		return
	}
	writeJSON(w, http.StatusOK, a.orch.Snapshot())
}

// startStatus maps a StartSession failure onto an HTTP status.
func startStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (a *App) handleEnd(w http.ResponseWriter, _ *http.Request) {
	a.orch.EndSession()
	writeJSON(w, http.StatusOK, a.orch.Snapshot())
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

func (a *App) handleMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}
	if req.Muted == nil {
		a.orch.ToggleMute()
	} else {
		a.orch.SetMuted(*req.Muted)
	}
	writeJSON(w, http.StatusOK, a.orch.Snapshot())
}

func (a *App) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.orch.Snapshot())
}

// handleEvents streams snapshots over a WebSocket. The current snapshot is
// sent first; intermediate snapshots may be skipped when the client reads
// slower than the session changes, the latest one is always delivered.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Client messages are ignored; ctx ends when the client goes away.
	ctx := conn.CloseRead(r.Context())

	updates := make(chan orchestrator.Snapshot, 1)
	cancel := a.orch.Subscribe(func(s orchestrator.Snapshot) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer cancel()

	send := func(s orchestrator.Snapshot) error {
		wctx, done := context.WithTimeout(ctx, eventWriteTimeout)
		defer done()
		return wsjson.Write(wctx, conn, s)
	}

	if err := send(a.orch.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case s := <-updates:
			if err := send(s); err != nil {
				slog.Debug("event stream closed", "err", err)
				return
			}
		}
	}
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "err", err)
	}
}
