package osm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lora-osmnotes/gateway/internal/i18n"
	"github.com/lora-osmnotes/gateway/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"), time.UTC)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func queueNote(t *testing.T, st *store.Store, text string) string {
	t.Helper()
	at := time.Unix(1756000000, 0)
	qid, err := st.CreateNote(context.Background(), store.NewNote{
		NodeID:         "!a1b2c3d4",
		Lat:            4.6097,
		Lon:            -74.0817,
		TextOriginal:   text,
		TextNormalized: text,
		CreatedAt:      at,
		Bucket:         store.Bucket(at),
	})
	if err != nil {
		t.Fatalf("CreateNote() error = %v", err)
	}
	return qid
}

func newTestSubmitter(t *testing.T, st *store.Store, handler http.HandlerFunc) *Submitter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, false)
	client.SetClocks(time.Now, noSleep)
	return NewSubmitter(st, client, i18n.LocaleES)
}

func TestSubmitByQueueID_Success(t *testing.T) {
	st := newTestStore(t)
	qid := queueNote(t, st, "broken bridge")

	var posted notePayload
	sub := newTestSubmitter(t, st, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&posted); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"properties":{"id":4242}}`))
	})

	result, err := sub.SubmitByQueueID(context.Background(), qid)
	if err != nil {
		t.Fatalf("SubmitByQueueID() error = %v", err)
	}
	if result == nil || result.ID != 4242 {
		t.Fatalf("result = %+v, want id 4242", result)
	}

	if !strings.HasPrefix(posted.Text, "broken bridge\n\n") {
		t.Errorf("posted text = %q, want note body first", posted.Text)
	}
	if !strings.Contains(posted.Text, i18n.T(i18n.LocaleES, i18n.KeyAttribution, nil)) {
		t.Errorf("posted text = %q, want attribution footer", posted.Text)
	}

	note, _ := st.NoteByQueueID(context.Background(), qid)
	if note.Status != store.StatusSent {
		t.Errorf("status = %q, want sent", note.Status)
	}
	if note.OSMNoteURL == nil || *note.OSMNoteURL != NoteBaseURL+"4242" {
		t.Errorf("osm_note_url = %v", note.OSMNoteURL)
	}
}

func TestSubmitByQueueID_NotPending(t *testing.T) {
	st := newTestStore(t)
	qid := queueNote(t, st, "already handled")
	if err := st.MarkNoteSent(context.Background(), qid, 1, NoteBaseURL+"1", time.Now()); err != nil {
		t.Fatalf("MarkNoteSent() error = %v", err)
	}

	sub := newTestSubmitter(t, st, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for a sent note")
	})

	result, err := sub.SubmitByQueueID(context.Background(), qid)
	if result != nil || err != nil {
		t.Errorf("SubmitByQueueID() = %v, %v, want nil, nil", result, err)
	}

	result, err = sub.SubmitByQueueID(context.Background(), "Q-9999")
	if result != nil || err != nil {
		t.Errorf("unknown queue id = %v, %v, want nil, nil", result, err)
	}
}

func TestProcessPending_RetryCapAndCooldown(t *testing.T) {
	st := newTestStore(t)
	qid := queueNote(t, st, "keeps failing")

	var requests atomic.Int64
	sub := newTestSubmitter(t, st, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	now := time.Unix(1756000000, 0)
	sub.SetNowFunc(func() time.Time { return now })

	if sent := sub.ProcessPending(context.Background(), 10); sent != 0 {
		t.Errorf("first drain sent = %d, want 0", sent)
	}
	if requests.Load() != 1 {
		t.Fatalf("requests = %d, want 1", requests.Load())
	}

	// Within the cooldown the item is skipped without touching the API.
	sub.ProcessPending(context.Background(), 10)
	if requests.Load() != 1 {
		t.Errorf("requests during cooldown = %d, want 1", requests.Load())
	}

	for i := 0; i < 2; i++ {
		now = now.Add(RetryDelay + time.Second)
		sub.ProcessPending(context.Background(), 10)
	}
	if requests.Load() != MaxRetries {
		t.Fatalf("requests = %d, want %d", requests.Load(), MaxRetries)
	}

	// Retries exhausted: further drains leave the item parked.
	now = now.Add(RetryDelay + time.Second)
	sub.ProcessPending(context.Background(), 10)
	if requests.Load() != MaxRetries {
		t.Errorf("requests after cap = %d, want %d", requests.Load(), MaxRetries)
	}
	if got := sub.Attempts(qid); got != MaxRetries {
		t.Errorf("Attempts() = %d, want %d", got, MaxRetries)
	}

	note, _ := st.NoteByQueueID(context.Background(), qid)
	if note.Status != store.StatusPending {
		t.Errorf("status = %q, want still pending", note.Status)
	}
	if note.Attempts != MaxRetries {
		t.Errorf("stored attempts = %d, want %d", note.Attempts, MaxRetries)
	}
	if note.LastError == nil || *note.LastError != "failed after 3 attempts" {
		t.Errorf("last_error = %v, want final failure message", note.LastError)
	}
}

func TestProcessPending_CountsSuccesses(t *testing.T) {
	st := newTestStore(t)
	queueNote(t, st, "first report")
	queueNote(t, st, "second report")

	var id atomic.Int64
	sub := newTestSubmitter(t, st, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"properties": map[string]any{"id": id.Add(1)},
		})
	})

	if sent := sub.ProcessPending(context.Background(), 10); sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	pending, _ := st.PendingNotes(context.Background(), 10)
	if len(pending) != 0 {
		t.Errorf("pending after drain = %d, want 0", len(pending))
	}
}

func TestSubmit_ErrorMessageIncludesAttempt(t *testing.T) {
	st := newTestStore(t)
	qid := queueNote(t, st, "flaky")

	sub := newTestSubmitter(t, st, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	if _, err := sub.SubmitByQueueID(context.Background(), qid); err == nil {
		t.Fatal("SubmitByQueueID() error = nil, want failure")
	}

	note, _ := st.NoteByQueueID(context.Background(), qid)
	if note.LastError == nil || *note.LastError != "unavailable (attempt 1/3)" {
		t.Errorf("last_error = %v, want attempt-tagged reason", note.LastError)
	}
}
