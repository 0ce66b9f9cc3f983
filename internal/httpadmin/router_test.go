package httpadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lora-osmnotes/gateway/internal/metrics"
	"github.com/lora-osmnotes/gateway/internal/store"
	"github.com/lora-osmnotes/gateway/internal/transport"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *transport.Fake) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"), time.UTC)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tr := transport.NewFake()
	srv := &Server{Store: st, Transport: tr, Registry: metrics.New().Registry}
	return srv, st, tr
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	srv, st, tr := newTestServer(t)
	ctx := context.Background()

	at := time.Unix(1756000000, 0)
	if _, err := st.CreateNote(ctx, store.NewNote{
		NodeID:         "!a1b2c3d4",
		Lat:            4.6097,
		Lon:            -74.0817,
		TextOriginal:   "broken bridge",
		TextNormalized: "broken bridge",
		CreatedAt:      at,
		Bucket:         store.Bucket(at),
	}); err != nil {
		t.Fatalf("CreateNote() error = %v", err)
	}
	qid, err := st.CreateNote(ctx, store.NewNote{
		NodeID:         "!a1b2c3d4",
		Lat:            4.6097,
		Lon:            -74.0817,
		TextOriginal:   "missing sign",
		TextNormalized: "missing sign",
		CreatedAt:      at.Add(time.Minute),
		Bucket:         store.Bucket(at.Add(time.Minute)),
	})
	if err != nil {
		t.Fatalf("CreateNote() error = %v", err)
	}
	if err := st.MarkNoteSent(ctx, qid, 7, "https://www.openstreetmap.org/note/7", time.Now()); err != nil {
		t.Fatalf("MarkNoteSent() error = %v", err)
	}
	if err := st.SetTimeCorrectionApplied(ctx, true); err != nil {
		t.Fatalf("SetTimeCorrectionApplied() error = %v", err)
	}
	tr.SetConnected(false)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.QueuePending != 1 {
		t.Errorf("QueuePending = %d, want 1", resp.QueuePending)
	}
	if resp.SentToday != 1 {
		t.Errorf("SentToday = %d, want 1", resp.SentToday)
	}
	if resp.TransportConnected {
		t.Error("TransportConnected = true, want false")
	}
	if !resp.TimeCorrectionApplied {
		t.Error("TimeCorrectionApplied = false, want true")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gateway_queue_pending") {
		t.Errorf("metrics body missing gateway collectors:\n%s", rec.Body.String())
	}
}
