/*
NAME
  controlapi.go

DESCRIPTION
  controlapi.go implements the relay's HTTP control plane: input source
  selection, the privacy flag, scene reporting and health, plus a
  fire-and-forget notification to an external controller on every scene
  transition.

  Grounded on snapetech-plexTuner's internal/tuner/server.go (a Server
  struct holding an http.ServeMux built once, small per-route handler
  methods, mutex-guarded health state reported as JSON) and
  internal/health/health.go (context-timeout http.Client for an outbound
  check/notification).

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package controlapi provides the relay's HTTP control plane.
package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/tsrelay/relay"
)

// notifyTimeout bounds the fire-and-forget scene-change notification.
const notifyTimeout = 2 * time.Second

// healthWindow is how recently the output writer must have written for
// /health to report healthy.
const healthWindow = 5 * time.Second

// Controller is the subset of SwitchController the API surfaces.
type Controller interface {
	SetRequested(relay.Kind)
	Requested() relay.Kind
	SetPrivacy(bool)
	Privacy() bool
}

// HealthSource reports when the output pipe was last written to.
type HealthSource interface {
	LastWrite() time.Time
}

// API serves the relay's control plane and publishes scene transitions.
type API struct {
	controller Controller
	health     HealthSource
	notifyURL  string
	log        logging.Logger
	started    time.Time

	client *http.Client
	mux    *http.ServeMux

	sceneMu sync.RWMutex
	scene   string
}

// New returns an API ready to be served through Handler. controller and
// health may be nil and supplied later via Wire, since the relay's
// SwitchController is constructed with the ScenePublisher this API
// provides, creating a circular dependency that only a two-step
// construction can break. notifyURL may be empty, disabling scene-change
// notifications.
func New(controller Controller, health HealthSource, notifyURL string, log logging.Logger) *API {
	a := &API{
		controller: controller,
		health:     health,
		notifyURL:  notifyURL,
		log:        log,
		started:    time.Now(),
		client:     &http.Client{Timeout: notifyTimeout},
		scene:      relay.Fallback.String(),
	}
	a.mux = http.NewServeMux()
	a.mux.HandleFunc("/health", a.serveHealth)
	a.mux.HandleFunc("/input", a.serveInput)
	a.mux.HandleFunc("/privacy", a.servePrivacy)
	a.mux.HandleFunc("/scene", a.serveScene)
	return a
}

// Handler returns the API's http.Handler for use with an http.Server.
func (a *API) Handler() http.Handler { return a.mux }

// Wire supplies the controller and health source once they exist, completing
// construction after relay.New has built them from this API as a
// ScenePublisher. Must be called before the API serves any request.
func (a *API) Wire(controller Controller, health HealthSource) {
	a.controller = controller
	a.health = health
}

// PublishScene implements relay.ScenePublisher: it records the new scene
// for /scene and fires the external notification, if configured.
func (a *API) PublishScene(scene string) {
	a.sceneMu.Lock()
	a.scene = scene
	a.sceneMu.Unlock()
	a.notify(scene)
}

func (a *API) currentScene() string {
	a.sceneMu.RLock()
	defer a.sceneMu.RUnlock()
	return a.scene
}

// notify fires an asynchronous, best-effort POST to the configured
// controller URL. Failures are logged only, never surfaced to a caller.
func (a *API) notify(scene string) {
	if a.notifyURL == "" {
		return
	}
	go func() {
		body, err := json.Marshal(map[string]interface{}{
			"scene":           scene,
			"privacy_enabled": a.controller.Privacy(),
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			a.log.Error("controlapi: could not marshal scene notification", "error", err.Error())
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.notifyURL, bytes.NewReader(body))
		if err != nil {
			a.log.Error("controlapi: could not build scene notification request", "error", err.Error())
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := a.client.Do(req)
		if err != nil {
			a.log.Warning("controlapi: scene notification failed", "error", err.Error())
			return
		}
		resp.Body.Close()
	}()
}

func (a *API) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	healthy := time.Since(a.health.LastWrite()) < healthWindow
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"pipeline_state": "running",
		"uptime_seconds": int(time.Since(a.started).Seconds()),
	})
}

func (a *API) serveInput(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"source": sourceName(a.controller.Requested())})

	case http.MethodPost:
		var body struct {
			Source interface{} `json:"source"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		name, ok := body.Source.(string)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source must be a string"})
			return
		}
		kind, ok := parseSource(name)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source must be \"camera\" or \"drone\""})
			return
		}
		a.controller.SetRequested(kind)
		writeJSON(w, http.StatusOK, map[string]string{"source": name})

	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (a *API) servePrivacy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]bool{"privacy_enabled": a.controller.Privacy()})

	case http.MethodPost:
		var body struct {
			Enabled interface{} `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		enabled, ok := body.Enabled.(bool)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "enabled must be a boolean"})
			return
		}
		a.controller.SetPrivacy(enabled)
		writeJSON(w, http.StatusOK, map[string]bool{"privacy_enabled": enabled})

	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (a *API) serveScene(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"scene": a.currentScene()})
}

func sourceName(k relay.Kind) string {
	if k == relay.Drone {
		return "drone"
	}
	return "camera"
}

func parseSource(name string) (relay.Kind, bool) {
	switch name {
	case "camera":
		return relay.Camera, true
	case "drone":
		return relay.Drone, true
	default:
		return 0, false
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
