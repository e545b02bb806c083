/*
NAME
  controlapi_test.go

DESCRIPTION
  controlapi_test.go contains testing for functionality found in
  controlapi.go.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package controlapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/tsrelay/relay"
)

func testLogger() logging.Logger {
	return logging.New(logging.Debug, &bytes.Buffer{}, true)
}

// fakeController is a minimal Controller for exercising /input and /privacy.
type fakeController struct {
	requested relay.Kind
	privacy   bool
}

func (f *fakeController) SetRequested(k relay.Kind) { f.requested = k }
func (f *fakeController) Requested() relay.Kind     { return f.requested }
func (f *fakeController) SetPrivacy(b bool)         { f.privacy = b }
func (f *fakeController) Privacy() bool             { return f.privacy }

// fakeHealth reports LastWrite as a fixed, settable instant.
type fakeHealth struct {
	last time.Time
}

func (f *fakeHealth) LastWrite() time.Time { return f.last }

func newTestAPI() (*API, *fakeController, *fakeHealth) {
	ctrl := &fakeController{requested: relay.Camera}
	health := &fakeHealth{last: time.Now()}
	a := New(ctrl, health, "", testLogger())
	return a, ctrl, health
}

func doRequest(a *API, method, path string, body []byte) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, r)
	return w
}

func TestServeHealthHealthyWithinWindow(t *testing.T) {
	a, _, health := newTestAPI()
	health.last = time.Now()

	w := doRequest(a, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("could not decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v, want \"healthy\"", body["status"])
	}
}

func TestServeHealthUnhealthyPastWindow(t *testing.T) {
	a, _, health := newTestAPI()
	health.last = time.Now().Add(-healthWindow * 2)

	w := doRequest(a, http.MethodGet, "/health", nil)
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("could not decode body: %v", err)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("status field = %v, want \"unhealthy\"", body["status"])
	}
}

func TestServeHealthRejectsNonGet(t *testing.T) {
	a, _, _ := newTestAPI()
	w := doRequest(a, http.MethodPost, "/health", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestServeInputGetReturnsRequestedSource(t *testing.T) {
	a, ctrl, _ := newTestAPI()
	ctrl.requested = relay.Drone

	w := doRequest(a, http.MethodGet, "/input", nil)
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("could not decode body: %v", err)
	}
	if body["source"] != "drone" {
		t.Errorf("source = %q, want \"drone\"", body["source"])
	}
}

func TestServeInputPostSetsRequestedSource(t *testing.T) {
	a, ctrl, _ := newTestAPI()
	body, _ := json.Marshal(map[string]string{"source": "drone"})

	w := doRequest(a, http.MethodPost, "/input", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}
	if ctrl.requested != relay.Drone {
		t.Errorf("controller.Requested() = %s, want %s", ctrl.requested, relay.Drone)
	}
}

func TestServeInputPostRejectsInvalidSource(t *testing.T) {
	a, _, _ := newTestAPI()
	body, _ := json.Marshal(map[string]string{"source": "satellite"})

	w := doRequest(a, http.MethodPost, "/input", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestServeInputPostRejectsMalformedJSON(t *testing.T) {
	a, _, _ := newTestAPI()
	w := doRequest(a, http.MethodPost, "/input", []byte("{not json"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestServePrivacyRoundTrip(t *testing.T) {
	a, ctrl, _ := newTestAPI()
	body, _ := json.Marshal(map[string]bool{"enabled": true})

	w := doRequest(a, http.MethodPost, "/privacy", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !ctrl.privacy {
		t.Error("controller.Privacy() = false after POST enabled=true")
	}

	w = doRequest(a, http.MethodGet, "/privacy", nil)
	var got map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("could not decode body: %v", err)
	}
	if !got["privacy_enabled"] {
		t.Error("GET /privacy privacy_enabled = false, want true")
	}
}

func TestServeSceneReflectsPublishScene(t *testing.T) {
	a, _, _ := newTestAPI()
	a.PublishScene("live-camera")

	w := doRequest(a, http.MethodGet, "/scene", nil)
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("could not decode body: %v", err)
	}
	if body["scene"] != "live-camera" {
		t.Errorf("scene = %q, want \"live-camera\"", body["scene"])
	}
}

func TestSceneDefaultsToFallback(t *testing.T) {
	a, _, _ := newTestAPI()
	w := doRequest(a, http.MethodGet, "/scene", nil)
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("could not decode body: %v", err)
	}
	if body["scene"] != relay.Fallback.String() {
		t.Errorf("initial scene = %q, want %q", body["scene"], relay.Fallback.String())
	}
}

func TestWireReplacesControllerAndHealth(t *testing.T) {
	a := New(nil, nil, "", testLogger())
	ctrl := &fakeController{requested: relay.Camera}
	health := &fakeHealth{last: time.Now()}
	a.Wire(ctrl, health)

	w := doRequest(a, http.MethodGet, "/input", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status after Wire = %d, want %d", w.Code, http.StatusOK)
	}
}
