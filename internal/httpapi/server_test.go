package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielpeach/keel/lifecycle"
	"github.com/danielpeach/keel/lifecycle/litestore"
	"github.com/danielpeach/keel/lifecycle/memory"
	"github.com/danielpeach/keel/monitor"
	"github.com/danielpeach/keel/project"
	"github.com/danielpeach/keel/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer builds a server over an in-memory store.
func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	tr, err := tracker.New(tracker.Config{Store: store})
	if err != nil {
		t.Fatalf("tracker.New() error = %v", err)
	}

	return &Server{Tracker: tr, Store: store, Logger: testLogger()}, store
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSaveEvent(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	body := `{
		"scope": "pre_deployment",
		"type": "bake",
		"stage_id": "bake-ami",
		"artifact_ref": "my-app",
		"artifact_version": "v1.0.0",
		"status": "running",
		"timestamp": "2026-08-21T10:00:00Z"
	}`

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/lifecycle/events", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/artifacts/my-app/versions/v1.0.0/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var events []lifecycle.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].StageID != "bake-ami" || events[0].Status != lifecycle.StatusRunning {
		t.Errorf("event = %+v", events[0])
	}
}

func TestSaveEvent_ValidationError(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	// No stage_id.
	body := `{
		"artifact_ref": "my-app",
		"artifact_version": "v1.0.0",
		"status": "running"
	}`

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/lifecycle/events", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "stage_id") {
		t.Errorf("body = %s, want mention of stage_id", rec.Body.String())
	}
}

func TestSaveEvent_BadJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/lifecycle/events", `{"stage_id":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSaveEvents_Batch(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	body := `[
		{"stage_id": "bake", "artifact_ref": "my-app", "artifact_version": "v1.0.0", "status": "running", "timestamp": "2026-08-21T10:00:00Z"},
		{"stage_id": "bake", "artifact_ref": "my-app", "artifact_version": "v1.0.0", "status": "succeeded", "timestamp": "2026-08-21T10:05:00Z"},
		{"stage_id": "deploy", "artifact_ref": "my-app", "artifact_version": "v1.0.0", "status": "running", "timestamp": "2026-08-21T10:06:00Z"}
	]`

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/lifecycle/events/batch", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["accepted"] != 3 {
		t.Errorf("accepted = %d, want 3", resp["accepted"])
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/artifacts/my-app/versions/v1.0.0/steps", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var steps []project.Step
	if err := json.Unmarshal(rec.Body.Bytes(), &steps); err != nil {
		t.Fatalf("decode steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if steps[0].ID != "bake" || steps[0].Status != lifecycle.StatusSucceeded {
		t.Errorf("steps[0] = %+v", steps[0])
	}
	if steps[1].ID != "deploy" || steps[1].Status != lifecycle.StatusRunning {
		t.Errorf("steps[1] = %+v", steps[1])
	}
}

func TestSaveEvents_BatchValidationError(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	body := `[{"stage_id": "bake", "artifact_ref": "my-app", "artifact_version": "v1.0.0", "status": "no-such-status"}]`

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/lifecycle/events/batch", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body: %s", rec.Code, rec.Body.String())
	}
}

func TestGetEvents_EmptyIsArray(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/artifacts/ghost/versions/v0/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want empty JSON array", got)
	}
}

func TestGetSteps_EmptyIsArray(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/artifacts/ghost/versions/v0/steps", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want empty JSON array", got)
	}
}

func TestListVersions_NotSupported(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/artifacts/my-app/versions", "")
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501; body: %s", rec.Code, rec.Body.String())
	}
}

func TestListVersions_WithStageCounts(t *testing.T) {
	store, err := litestore.Open(":memory:")
	if err != nil {
		t.Fatalf("litestore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tr, err := tracker.New(tracker.Config{Store: store})
	if err != nil {
		t.Fatalf("tracker.New() error = %v", err)
	}
	srv := &Server{Tracker: tr, Store: store, Logger: testLogger()}
	handler := srv.Router()

	base := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	seed := []lifecycle.Event{
		{StageID: "bake", ArtifactRef: "my-app", ArtifactVersion: "v1.0.0", Status: lifecycle.StatusSucceeded, Timestamp: base},
		{StageID: "deploy", ArtifactRef: "my-app", ArtifactVersion: "v1.0.0", Status: lifecycle.StatusRunning, Timestamp: base.Add(time.Minute)},
		{StageID: "bake", ArtifactRef: "my-app", ArtifactVersion: "v2.0.0", Status: lifecycle.StatusRunning, Timestamp: base.Add(2 * time.Minute)},
	}
	for _, e := range seed {
		if err := tr.SaveEvent(context.Background(), e); err != nil {
			t.Fatalf("SaveEvent() error = %v", err)
		}
	}

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/artifacts/my-app/versions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}

	var resp []struct {
		Version string `json:"version"`
		Stages  int64  `json:"stages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("got %d versions, want 2", len(resp))
	}

	// Most recently updated version first.
	if resp[0].Version != "v2.0.0" || resp[0].Stages != 1 {
		t.Errorf("resp[0] = %+v, want v2.0.0 with 1 stage", resp[0])
	}
	if resp[1].Version != "v1.0.0" || resp[1].Stages != 2 {
		t.Errorf("resp[1] = %+v, want v1.0.0 with 2 stages", resp[1])
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	rec := doRequest(t, handler, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestReadyz_StoreWithoutPinger(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	rec := doRequest(t, handler, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ready"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestReadyz_FailingStore(t *testing.T) {
	store, err := litestore.Open(":memory:")
	if err != nil {
		t.Fatalf("litestore.Open() error = %v", err)
	}

	tr, err := tracker.New(tracker.Config{Store: store})
	if err != nil {
		t.Fatalf("tracker.New() error = %v", err)
	}
	srv := &Server{Tracker: tr, Store: store, Logger: testLogger()}
	handler := srv.Router()

	// A closed database cannot be pinged.
	store.Close()

	rec := doRequest(t, handler, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503; body: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"not_ready"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

// recordingPublisher counts stale-stage signals.
type recordingPublisher struct {
	mu      sync.Mutex
	signals []monitor.Signal
}

func (p *recordingPublisher) Publish(_ context.Context, sig monitor.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signals)
}

// fixedClock always reports the same instant.
type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func TestGetSteps_SignalsStaleStages(t *testing.T) {
	now := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	store := memory.New()
	publisher := &recordingPublisher{}

	mon, err := monitor.New(monitor.Config{
		Publisher: publisher,
		Clock:     fixedClock{now: now},
	})
	if err != nil {
		t.Fatalf("monitor.New() error = %v", err)
	}

	tr, err := tracker.New(tracker.Config{Store: store, Monitor: mon})
	if err != nil {
		t.Fatalf("tracker.New() error = %v", err)
	}
	srv := &Server{Tracker: tr, Store: store, Logger: testLogger()}
	handler := srv.Router()

	// A watched stage that last reported half an hour ago.
	stale := lifecycle.Event{
		StageID:         "deploy-canary",
		ArtifactRef:     "my-app",
		ArtifactVersion: "v1.0.0",
		Status:          lifecycle.StatusRunning,
		Timestamp:       now.Add(-30 * time.Minute),
		StartMonitoring: true,
	}
	if err := tr.SaveEvent(context.Background(), stale); err != nil {
		t.Fatalf("SaveEvent() error = %v", err)
	}

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/artifacts/my-app/versions/v1.0.0/steps", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if got := publisher.count(); got != 1 {
		t.Errorf("published signals = %d, want 1", got)
	}
}
