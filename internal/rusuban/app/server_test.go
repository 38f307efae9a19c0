package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Rusuban/internal/rusuban/app"
	"github.com/bdobrica/Rusuban/internal/rusuban/events"
	"github.com/bdobrica/Rusuban/internal/rusuban/llm"
	"github.com/bdobrica/Rusuban/internal/rusuban/session"
	"github.com/coder/websocket"
)

// --- helpers ---------------------------------------------------------------

// defaultHandlers returns a fully wired Handlers over canned fakes. Tests
// override the callbacks they exercise.
func defaultHandlers() app.Handlers {
	return app.Handlers{
		Version:   "v0.0.1-test",
		Commit:    "abc1234",
		StartedAt: time.Now(),
		Snapshot: func() session.Snapshot {
			return session.Snapshot{Status: session.StatusReady}
		},
		QR:             func() string { return "" },
		Correspondents: func() int { return 0 },
		Settings: func(context.Context) (map[string]string, error) {
			return map[string]string{}, nil
		},
		SetSetting:     func(context.Context, string, string) error { return nil },
		DeleteSetting:  func(context.Context, string) error { return nil },
		Models:         func(context.Context) []llm.Model { return nil },
		RestartSession: func() {},
		StopSession:    func() {},
	}
}

func startServer(t *testing.T, h app.Handlers) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(app.NewServer(":0", h).TestHandler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

// --- read endpoints --------------------------------------------------------

func TestHealth(t *testing.T) {
	ts := startServer(t, defaultHandlers())

	var health app.HealthResponse
	if code := getJSON(t, ts.URL+"/health", &health); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if health.Status != "ok" {
		t.Errorf("status: got %q, want %q", health.Status, "ok")
	}
	if health.Version != "v0.0.1-test" || health.Commit != "abc1234" {
		t.Errorf("build identity: got %q/%q", health.Version, health.Commit)
	}
}

func TestStatus(t *testing.T) {
	h := defaultHandlers()
	h.Snapshot = func() session.Snapshot {
		return session.Snapshot{
			Status:            session.StatusReconnecting,
			QRPending:         false,
			ReconnectAttempts: 2,
			ReconnectPending:  true,
		}
	}
	h.Correspondents = func() int { return 3 }
	ts := startServer(t, h)

	var status app.StatusResponse
	if code := getJSON(t, ts.URL+"/status", &status); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if status.Status != session.StatusReconnecting {
		t.Errorf("status: got %q", status.Status)
	}
	if status.ReconnectAttempts != 2 || !status.ReconnectPending {
		t.Errorf("reconnect state: got %+v", status.Snapshot)
	}
	if status.Correspondents != 3 {
		t.Errorf("correspondents: got %d, want 3", status.Correspondents)
	}
	if status.Version != "v0.0.1-test" {
		t.Errorf("version: got %q", status.Version)
	}
}

func TestQR_NonePending(t *testing.T) {
	ts := startServer(t, defaultHandlers())

	if code := getJSON(t, ts.URL+"/qr", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestQR_Pending(t *testing.T) {
	h := defaultHandlers()
	h.QR = func() string { return "2@AbCdEf,GhIjKl,MnOpQr" }
	ts := startServer(t, h)

	var qr app.QRResponse
	if code := getJSON(t, ts.URL+"/qr", &qr); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if qr.QR != "2@AbCdEf,GhIjKl,MnOpQr" {
		t.Errorf("qr: got %q", qr.QR)
	}
}

func TestSettings_RedactsSecretValues(t *testing.T) {
	h := defaultHandlers()
	h.Settings = func(context.Context) (map[string]string, error) {
		return map[string]string{
			"openai_api_key": "sk-test-very-secret",
			"openai_model":   "gpt-4o",
		}, nil
	}
	ts := startServer(t, h)

	var snapshot map[string]string
	if code := getJSON(t, ts.URL+"/settings", &snapshot); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if snapshot["openai_api_key"] != "[REDACTED]" {
		t.Errorf("api key not redacted: %q", snapshot["openai_api_key"])
	}
	if snapshot["openai_model"] != "gpt-4o" {
		t.Errorf("model mangled: %q", snapshot["openai_model"])
	}
}

func TestSettings_ReadFailure(t *testing.T) {
	h := defaultHandlers()
	h.Settings = func(context.Context) (map[string]string, error) {
		return nil, errors.New("disk on fire")
	}
	ts := startServer(t, h)

	if code := getJSON(t, ts.URL+"/settings", nil); code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
}

func TestModels(t *testing.T) {
	h := defaultHandlers()
	h.Models = func(context.Context) []llm.Model {
		return []llm.Model{{ID: "gpt-4o"}, {ID: "gpt-4o-mini"}}
	}
	ts := startServer(t, h)

	var listing app.ModelsResponse
	if code := getJSON(t, ts.URL+"/models", &listing); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(listing.Models) != 2 || listing.Models[0].ID != "gpt-4o" {
		t.Errorf("models: got %+v", listing.Models)
	}
}

func TestModels_EmptyListingIsJSONArray(t *testing.T) {
	ts := startServer(t, defaultHandlers())

	resp, err := http.Get(ts.URL + "/models")
	if err != nil {
		t.Fatalf("GET /models: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"models":[]`) {
		t.Errorf("expected empty array, got %s", body)
	}
}

// --- settings mutation -----------------------------------------------------

func TestSetSetting(t *testing.T) {
	var gotKey, gotValue string
	h := defaultHandlers()
	h.SetSetting = func(_ context.Context, key, value string) error {
		gotKey, gotValue = key, value
		return nil
	}
	ts := startServer(t, h)

	body, _ := json.Marshal(app.SettingUpdateRequest{Value: "gpt-4o"})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/settings/openai_model", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /settings: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotKey != "openai_model" || gotValue != "gpt-4o" {
		t.Errorf("stored %q=%q", gotKey, gotValue)
	}
}

func TestSetSetting_InvalidBody(t *testing.T) {
	called := false
	h := defaultHandlers()
	h.SetSetting = func(context.Context, string, string) error {
		called = true
		return nil
	}
	ts := startServer(t, h)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/settings/openai_model", strings.NewReader("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /settings: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if called {
		t.Error("SetSetting called despite invalid body")
	}
}

func TestSetSetting_StoreFailure(t *testing.T) {
	h := defaultHandlers()
	h.SetSetting = func(context.Context, string, string) error {
		return errors.New("locked")
	}
	ts := startServer(t, h)

	body, _ := json.Marshal(app.SettingUpdateRequest{Value: "x"})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/settings/openai_model", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /settings: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestDeleteSetting(t *testing.T) {
	var gotKey string
	h := defaultHandlers()
	h.DeleteSetting = func(_ context.Context, key string) error {
		gotKey = key
		return nil
	}
	ts := startServer(t, h)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/settings/system_prompt", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /settings: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotKey != "system_prompt" {
		t.Errorf("deleted key: got %q", gotKey)
	}
}

// --- session lifecycle -----------------------------------------------------

func TestRestart_RunsInBackground(t *testing.T) {
	restarted := make(chan struct{})
	h := defaultHandlers()
	h.RestartSession = func() { close(restarted) }
	ts := startServer(t, h)

	resp, err := http.Post(ts.URL+"/session/restart", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /session/restart: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("RestartSession was never invoked")
	}
}

func TestStop_Synchronous(t *testing.T) {
	stopped := false
	h := defaultHandlers()
	h.StopSession = func() { stopped = true }
	ts := startServer(t, h)

	resp, err := http.Post(ts.URL+"/session/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /session/stop: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !stopped {
		t.Error("StopSession not invoked before the response")
	}
}

// --- auth middleware -------------------------------------------------------

func TestAuth_RejectsMissingToken(t *testing.T) {
	h := defaultHandlers()
	h.Token = "my-secret-token"
	ts := startServer(t, h)

	if code := getJSON(t, ts.URL+"/status", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestAuth_RejectsBadToken(t *testing.T) {
	h := defaultHandlers()
	h.Token = "my-secret-token"
	ts := startServer(t, h)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAuth_AcceptsValidToken(t *testing.T) {
	h := defaultHandlers()
	h.Token = "my-secret-token"
	ts := startServer(t, h)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer my-secret-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAuth_HealthStaysOpen(t *testing.T) {
	h := defaultHandlers()
	h.Token = "my-secret-token"
	ts := startServer(t, h)

	if code := getJSON(t, ts.URL+"/health", nil); code != http.StatusOK {
		t.Fatalf("expected 200 without token, got %d", code)
	}
}

// --- event stream ----------------------------------------------------------

func readEvent(ctx context.Context, t *testing.T, ws *websocket.Conn) events.Event {
	t.Helper()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	var evt events.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	return evt
}

func TestEvents_StreamsBusEvents(t *testing.T) {
	bus := events.NewBus()
	h := defaultHandlers()
	h.Snapshot = func() session.Snapshot {
		return session.Snapshot{Status: session.StatusInitializing}
	}
	h.Subscribe = bus.Subscribe
	ts := startServer(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, ts.URL+"/events", nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "done")

	// The opening frame reports the current status so late subscribers are
	// never blind.
	opening := readEvent(ctx, t, ws)
	if opening.Kind != events.KindStatus || opening.Status != string(session.StatusInitializing) {
		t.Fatalf("opening frame: got %+v", opening)
	}

	bus.Emit(ctx, events.Event{Kind: events.KindQR, QR: "2@AbCdEf,GhIjKl"})
	evt := readEvent(ctx, t, ws)
	if evt.Kind != events.KindQR || evt.QR != "2@AbCdEf,GhIjKl" {
		t.Fatalf("qr frame: got %+v", evt)
	}
}

func TestEvents_KindFilter(t *testing.T) {
	bus := events.NewBus()
	subscribed := make(chan struct{})
	h := defaultHandlers()
	h.Subscribe = func(kinds ...events.Kind) (<-chan events.Event, func()) {
		ch, cancel := bus.Subscribe(kinds...)
		close(subscribed)
		return ch, cancel
	}
	ts := startServer(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, ts.URL+"/events?kind=qr", nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "done")

	select {
	case <-subscribed:
	case <-ctx.Done():
		t.Fatal("subscription never registered")
	}

	// No opening status frame when the filter excludes status events. The
	// status emit must not reach this subscriber either; the first frame is
	// the QR event.
	bus.Emit(ctx, events.Event{Kind: events.KindStatus, Status: "ready"})
	bus.Emit(ctx, events.Event{Kind: events.KindQR, QR: "2@XyZ"})

	evt := readEvent(ctx, t, ws)
	if evt.Kind != events.KindQR || evt.QR != "2@XyZ" {
		t.Fatalf("expected the qr event first, got %+v", evt)
	}
}

func TestEvents_UnknownKind(t *testing.T) {
	bus := events.NewBus()
	h := defaultHandlers()
	h.Subscribe = bus.Subscribe
	ts := startServer(t, h)

	if code := getJSON(t, ts.URL+"/events?kind=bogus", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestEvents_NotWired(t *testing.T) {
	ts := startServer(t, defaultHandlers())

	if code := getJSON(t, ts.URL+"/events", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
}
